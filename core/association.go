package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nodecore/pkg/utils"
)

// Association owns a peer connection: the set of Streams carrying traffic
// to it (keyed by StreamType, GENERAL always present), an optional
// AssociationID, the peer's self-reported local address, and aggregate
// statistics across every owned Stream.
type Association struct {
	policy StreamPolicy

	streamsMu sync.Mutex
	streams   map[StreamType]*Stream

	peerAddr string // fixed for the Association's lifetime

	idMu  sync.Mutex
	idSet bool
	id    AssociationID

	peerLocalAddrMu  sync.Mutex
	peerLocalAddrSet bool
	peerLocalAddr    string

	cmdMu          sync.Mutex
	sendBytesByCmd map[string]uint64

	shutdownOnce sync.Once
	shutdownFlag bool
	shutdownMu   sync.Mutex

	log *logrus.Entry
}

// NewAssociation creates an Association for peerAddr with an already-open
// GENERAL stream and the given dispatch policy (Default or BlockPriority).
func NewAssociation(peerAddr string, general *Stream, policy StreamPolicy, log *logrus.Entry) *Association {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	a := &Association{
		policy:         policy,
		streams:        map[StreamType]*Stream{StreamGeneral: general},
		peerAddr:       peerAddr,
		sendBytesByCmd: make(map[string]uint64),
		log:            log.WithField("peer_addr", peerAddr),
	}
	return a
}

// PeerAddr returns the peer's fixed remote address.
func (a *Association) PeerAddr() string { return a.peerAddr }

// GetAssociationID returns the current AssociationID, which may be null if
// never set.
func (a *Association) GetAssociationID() AssociationID {
	a.idMu.Lock()
	defer a.idMu.Unlock()
	return a.id
}

// SetAssociationID sets the AssociationID exactly once. A second call is a
// no-op that logs a warning and returns an error.
func (a *Association) SetAssociationID(id AssociationID) error {
	a.idMu.Lock()
	defer a.idMu.Unlock()
	if a.idSet {
		a.log.Warnf("refusing to overwrite already-set association id %s with %s", a.id, id)
		return fmt.Errorf("association: id already set")
	}
	a.id = id
	a.idSet = true
	return nil
}

// ClearAssociationID resets the AssociationID to null, allowing a future
// SetAssociationID to succeed.
func (a *Association) ClearAssociationID() {
	a.idMu.Lock()
	a.id = AssociationID{}
	a.idSet = false
	a.idMu.Unlock()
}

// SetPeerAddrLocal records the peer's self-reported local address. Like
// AssociationID, this is one-shot: a second call is rejected.
func (a *Association) SetPeerAddrLocal(addr string) error {
	a.peerLocalAddrMu.Lock()
	defer a.peerLocalAddrMu.Unlock()
	if a.peerLocalAddrSet {
		a.log.Warnf("refusing to overwrite already-set peer local addr %s with %s", a.peerLocalAddr, addr)
		return fmt.Errorf("association: peer local addr already set")
	}
	a.peerLocalAddr = addr
	a.peerLocalAddrSet = true
	return nil
}

// PeerAddrLocal returns the peer's self-reported local address, if any.
func (a *Association) PeerAddrLocal() (string, bool) {
	a.peerLocalAddrMu.Lock()
	defer a.peerLocalAddrMu.Unlock()
	return a.peerLocalAddr, a.peerLocalAddrSet
}

// AddStream registers an additional stream under t. A stream of that type
// must not already exist.
func (a *Association) AddStream(t StreamType, s *Stream) error {
	a.streamsMu.Lock()
	defer a.streamsMu.Unlock()
	if _, exists := a.streams[t]; exists {
		return fmt.Errorf("association: stream of type %s already exists", t)
	}
	a.streams[t] = s
	return nil
}

// MoveStream atomically transfers this Association's sole stream to
// toAssociation under newType. Both preconditions -- this Association has
// exactly one stream, and toAssociation has no stream of newType -- are
// invariant violations (ErrInvariant) rather than recoverable errors if
// broken. Both Associations' stream-set locks are
// acquired in a fixed order (comparing peer addresses) to avoid deadlock
// against a concurrent move in the opposite direction.
func (a *Association) MoveStream(newType StreamType, toAssociation *Association) error {
	first, second := a, toAssociation
	if first.peerAddr > second.peerAddr {
		first, second = second, first
	}
	first.streamsMu.Lock()
	defer first.streamsMu.Unlock()
	if first != second {
		second.streamsMu.Lock()
		defer second.streamsMu.Unlock()
	}

	if len(a.streams) != 1 {
		return fmt.Errorf("%w: MoveStream requires exactly one stream, have %d", utils.ErrInvariant, len(a.streams))
	}
	if _, exists := toAssociation.streams[newType]; exists {
		return fmt.Errorf("%w: target association already has a stream of type %s", utils.ErrInvariant, newType)
	}

	var moved *Stream
	var oldType StreamType
	for t, s := range a.streams {
		moved, oldType = s, t
	}
	delete(a.streams, oldType)
	moved.streamType = newType
	toAssociation.streams[newType] = moved
	return nil
}

// PushMessage queues an outbound message via this Association's
// StreamPolicy (the GENERAL stream under Default; policy-routed under
// BlockPriority) and tallies per-command send totals.
func (a *Association) PushMessage(msg OutboundMessage) (uint64, error) {
	a.streamsMu.Lock()
	streams := a.streams
	a.streamsMu.Unlock()

	n, err := a.policy.PushMessage(streams, msg)
	if err != nil {
		return 0, err
	}
	a.cmdMu.Lock()
	a.sendBytesByCmd[commandOrOther(msg.Command)] += n
	a.cmdMu.Unlock()
	return n, nil
}

// GetNewMsgs drains every complete frame from every stream this Association
// owns and appends them to out, tallying per-command recv totals (unknown
// commands funnelled into the *other* bucket).
func (a *Association) GetNewMsgs(out *[]*MessageFrame) {
	a.streamsMu.Lock()
	streams := make([]*Stream, 0, len(a.streams))
	for _, s := range a.streams {
		streams = append(streams, s)
	}
	a.streamsMu.Unlock()

	for _, s := range streams {
		for {
			frame, more := s.GetNextMessage()
			if frame == nil {
				break
			}
			*out = append(*out, frame)
			if !more {
				break
			}
		}
	}
}

// ServiceSockets invokes ServiceSocket on every owned Stream and sums the
// resulting byte counts.
func (a *Association) ServiceSockets(readable, writable, errored bool, cfg StreamConfig) (gotMessages bool, bytesRecv, bytesSent uint64, firstErr error) {
	a.streamsMu.Lock()
	streams := make([]*Stream, 0, len(a.streams))
	for _, s := range a.streams {
		streams = append(streams, s)
	}
	a.streamsMu.Unlock()

	for _, s := range streams {
		got, recv, sent, err := s.ServiceSocket(readable, writable, errored, cfg)
		gotMessages = gotMessages || got
		bytesRecv += recv
		bytesSent += sent
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return gotMessages, bytesRecv, bytesSent, firstErr
}

// AssociationStats is the snapshot CopyStats produces: per-stream stats
// plus derived cross-stream aggregates.
type AssociationStats struct {
	AssociationID string
	PeerAddr      string
	Streams       []StreamStats
	LastSend      time.Time
	LastRecv      time.Time
	SendBytes     uint64
	RecvBytes     uint64
	SendQueueSize uint64
	AvgBandwidth  float64
	SendByCmd     map[string]uint64
	RecvByCmd     map[string]uint64
}

// CopyStats snapshots every owned stream and the derived aggregates:
// nLastSend/nLastRecv = max over streams, nSendBytes/nRecvBytes/nSendSize =
// sum over streams, nAvgBandwidth = weighted mean by sample count.
func (a *Association) CopyStats() AssociationStats {
	a.streamsMu.Lock()
	streams := make([]*Stream, 0, len(a.streams))
	for _, s := range a.streams {
		streams = append(streams, s)
	}
	a.streamsMu.Unlock()

	out := AssociationStats{
		AssociationID: a.GetAssociationID().String(),
		PeerAddr:      a.peerAddr,
		SendByCmd:     make(map[string]uint64),
		RecvByCmd:     make(map[string]uint64),
	}

	var bwWeighted float64
	var bwSamples int
	for _, s := range streams {
		ss := s.CopyStats()
		out.Streams = append(out.Streams, ss)
		if ss.LastSend.After(out.LastSend) {
			out.LastSend = ss.LastSend
		}
		if ss.LastRecv.After(out.LastRecv) {
			out.LastRecv = ss.LastRecv
		}
		out.SendBytes += ss.SendBytes
		out.RecvBytes += ss.RecvBytes
		out.SendQueueSize += ss.SendQueueSize
		bwWeighted += ss.AvgBandwidth * float64(ss.BandwidthN)
		bwSamples += ss.BandwidthN
		for k, v := range ss.SendByCmd {
			out.SendByCmd[k] += v
		}
		for k, v := range ss.RecvByCmd {
			out.RecvByCmd[k] += v
		}
	}
	if bwSamples > 0 {
		out.AvgBandwidth = bwWeighted / float64(bwSamples)
	}
	return out
}

// Shutdown idempotently shuts down every owned stream.
func (a *Association) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.shutdownMu.Lock()
		a.shutdownFlag = true
		a.shutdownMu.Unlock()

		a.streamsMu.Lock()
		streams := make([]*Stream, 0, len(a.streams))
		for _, s := range a.streams {
			streams = append(streams, s)
		}
		a.streamsMu.Unlock()

		for _, s := range streams {
			s.Shutdown()
		}
		a.log.Debug("association shut down")
	})
}

// IsShutdown reports whether Shutdown has already run.
func (a *Association) IsShutdown() bool {
	a.shutdownMu.Lock()
	defer a.shutdownMu.Unlock()
	return a.shutdownFlag
}
