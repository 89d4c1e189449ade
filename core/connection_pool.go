package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// pooledConn is one reusable transport connection, stamped with the peer
// address it was dialled for and when it was last handed out.
type pooledConn struct {
	net.Conn
	addr     string
	lastUsed time.Time
}

// ConnPool keeps idle transport connections per peer address so that
// re-opening an Association to a recently-seen peer skips the dial.
// OpenTCPAssociation acquires every stream connection it needs through
// here.
type ConnPool struct {
	dialer    *Dialer
	mu        sync.Mutex
	conns     map[string][]*pooledConn
	maxIdle   int
	idleTTL   time.Duration
	closing   chan struct{}
	closeOnce sync.Once
}

// NewConnPool creates a connection pool using the supplied Dialer. maxIdle
// caps the idle connections kept per address; idleTTL is how long an idle
// connection survives before the reaper closes it.
func NewConnPool(d *Dialer, maxIdle int, idleTTL time.Duration) *ConnPool {
	cp := &ConnPool{
		dialer:  d,
		conns:   make(map[string][]*pooledConn),
		maxIdle: maxIdle,
		idleTTL: idleTTL,
		closing: make(chan struct{}),
	}
	go cp.reaper()
	return cp
}

// Acquire returns an idle connection for addr or dials a new one.
func (cp *ConnPool) Acquire(ctx context.Context, addr string) (net.Conn, error) {
	select {
	case <-cp.closing:
		return nil, errors.New("connpool: closed")
	default:
	}

	cp.mu.Lock()
	list := cp.conns[addr]
	n := len(list)
	if n > 0 {
		c := list[n-1]
		cp.conns[addr] = list[:n-1]
		cp.mu.Unlock()
		c.lastUsed = time.Now()
		return c, nil
	}
	cp.mu.Unlock()
	if cp.dialer == nil {
		return nil, errors.New("connpool: dialer not configured")
	}
	conn, err := cp.dialer.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &pooledConn{Conn: conn, addr: addr, lastUsed: time.Now()}, nil
}

// Release returns the connection to the pool for reuse by a later Acquire.
// Connections not created via Acquire are simply closed. A connection
// handed to a Stream is never Released: the Stream owns it and Shutdown
// closes it.
func (cp *ConnPool) Release(conn net.Conn) {
	pc, ok := conn.(*pooledConn)
	if !ok {
		_ = conn.Close()
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.maxIdle > 0 && len(cp.conns[pc.addr]) < cp.maxIdle {
		pc.lastUsed = time.Now()
		cp.conns[pc.addr] = append(cp.conns[pc.addr], pc)
		return
	}
	_ = pc.Close()
}

// Close closes all idle connections and stops the reaper.
func (cp *ConnPool) Close() {
	cp.closeOnce.Do(func() {
		close(cp.closing)
		cp.mu.Lock()
		defer cp.mu.Unlock()
		for _, list := range cp.conns {
			for _, c := range list {
				_ = c.Close()
			}
		}
		cp.conns = make(map[string][]*pooledConn)
	})
}

// Stats returns the total number of idle connections managed by the pool.
func (cp *ConnPool) Stats() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	count := 0
	for _, list := range cp.conns {
		count += len(list)
	}
	return count
}

// reaper closes idle connections after the configured TTL.
func (cp *ConnPool) reaper() {
	ticker := time.NewTicker(cp.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-cp.idleTTL)
			cp.mu.Lock()
			for addr, list := range cp.conns {
				i := 0
				for _, c := range list {
					if c.lastUsed.Before(cutoff) {
						_ = c.Close()
						logrus.Debugf("connpool: reaped idle connection to %s", addr)
						continue
					}
					list[i] = c
					i++
				}
				cp.conns[addr] = list[:i]
			}
			cp.mu.Unlock()
		case <-cp.closing:
			return
		}
	}
}

// OpenTCPAssociation dials addr through the pool and wires the resulting
// connections into a new Association: one for the GENERAL stream, plus one
// per stream type the policy requires. The Association owns the
// connections from here on; its Shutdown closes them rather than returning
// them to the pool.
func OpenTCPAssociation(ctx context.Context, cp *ConnPool, addr string, nodeState *PeerNodeState, policy StreamPolicy, cfg StreamConfig, log *logrus.Entry) (*Association, error) {
	c, err := cp.Acquire(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("association: dial %s: %w", addr, err)
	}
	assoc := NewAssociation(addr, NewStream(StreamGeneral, c, nodeState, cfg, log), policy, log)

	for _, st := range policy.RequiredStreamTypes() {
		sc, err := cp.Acquire(ctx, addr)
		if err != nil {
			assoc.Shutdown()
			return nil, fmt.Errorf("association: dial %s stream to %s: %w", st, addr, err)
		}
		if addErr := assoc.AddStream(st, NewStream(st, sc, nodeState, cfg, log)); addErr != nil {
			assoc.Shutdown()
			return nil, addErr
		}
	}

	nodeState.SetAssociation(assoc)
	return assoc, nil
}
