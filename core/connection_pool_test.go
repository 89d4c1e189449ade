package core

import (
	"context"
	"net"
	"testing"
	"time"
)

// startTestServer starts a TCP listener that accepts every connection,
// returning the listener and the accepted conns for cleanup.
func startTestServer(t *testing.T) (net.Listener, *[]net.Conn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	conns := &[]net.Conn{}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			*conns = append(*conns, c)
		}
	}()
	return ln, conns
}

func closeServer(ln net.Listener, conns *[]net.Conn) {
	ln.Close()
	for _, c := range *conns {
		c.Close()
	}
}

func TestConnPoolAcquireReuse(t *testing.T) {
	ln, conns := startTestServer(t)
	defer closeServer(ln, conns)

	d := NewDialer(50*time.Millisecond, 50*time.Millisecond)
	cp := NewConnPool(d, 2, time.Second)
	defer cp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c1, err := cp.Acquire(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("acquire1: %v", err)
	}
	cp.Release(c1)
	if got := cp.Stats(); got != 1 {
		t.Fatalf("expected 1 idle, got %d", got)
	}

	c2, err := cp.Acquire(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("acquire2: %v", err)
	}
	if c1 != c2 {
		t.Fatalf("expected the released connection to be reused")
	}
	cp.Release(c2)
	if got := cp.Stats(); got != 1 {
		t.Fatalf("expected 1 idle after reuse, got %d", got)
	}
}

func TestConnPoolReaper(t *testing.T) {
	ln, conns := startTestServer(t)
	defer closeServer(ln, conns)

	d := NewDialer(50*time.Millisecond, 50*time.Millisecond)
	idle := 100 * time.Millisecond
	cp := NewConnPool(d, 2, idle)
	defer cp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := cp.Acquire(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	cp.Release(c)
	if got := cp.Stats(); got != 1 {
		t.Fatalf("expected 1 idle, got %d", got)
	}

	time.Sleep(3 * idle)
	if got := cp.Stats(); got != 0 {
		t.Fatalf("expected reaper to close idle connections, got %d", got)
	}
}

func TestConnPoolAcquireAfterCloseErrors(t *testing.T) {
	d := NewDialer(50*time.Millisecond, 50*time.Millisecond)
	cp := NewConnPool(d, 2, time.Second)
	cp.Close()

	if _, err := cp.Acquire(context.Background(), "127.0.0.1:1"); err == nil {
		t.Fatalf("expected Acquire on a closed pool to fail")
	}
}

func TestOpenTCPAssociationAcquiresThroughPool(t *testing.T) {
	ln, conns := startTestServer(t)
	defer closeServer(ln, conns)

	d := NewDialer(time.Second, time.Second)
	cp := NewConnPool(d, 2, time.Second)
	defer cp.Close()

	nodeState := NewPeerNodeState("peer1", ln.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assoc, err := OpenTCPAssociation(ctx, cp, ln.Addr().String(), nodeState, DefaultStreamPolicy{}, DefaultStreamConfig(), nil)
	if err != nil {
		t.Fatalf("OpenTCPAssociation: %v", err)
	}
	if assoc.PeerAddr() != ln.Addr().String() {
		t.Fatalf("PeerAddr = %s, want %s", assoc.PeerAddr(), ln.Addr().String())
	}
	if nodeState.Association() != assoc {
		t.Fatalf("expected the association attached to the node state")
	}

	if _, err := assoc.PushMessage(OutboundMessage{Command: "ping", Payload: []byte("ab")}); err != nil {
		t.Fatalf("PushMessage over the pooled connection: %v", err)
	}

	assoc.Shutdown()
	if !assoc.IsShutdown() {
		t.Fatalf("expected association shut down")
	}
}
