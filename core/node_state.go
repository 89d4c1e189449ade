package core

import (
	"sync"
)

// PeerNodeState is the per-peer bookkeeping record a Stream's owning node
// reference points at. It is process-wide, process-lifetime state with
// explicit init/teardown rather than implicit construction order.
//
// The node-state lock is the outermost lock in the acquisition order.
type PeerNodeState struct {
	mu sync.RWMutex

	ID   NodeID
	Addr string

	assoc *Association

	disconnect bool
	banned     bool
	banReason  string
}

// NewPeerNodeState creates a fresh, unregistered node-state record.
func NewPeerNodeState(id NodeID, addr string) *PeerNodeState {
	return &PeerNodeState{ID: id, Addr: addr}
}

// Association returns the Association owned by this node-state, or nil if
// none has been attached yet.
func (n *PeerNodeState) Association() *Association {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.assoc
}

// SetAssociation attaches the Association this node-state owns.
func (n *PeerNodeState) SetAssociation(a *Association) {
	n.mu.Lock()
	n.assoc = a
	n.mu.Unlock()
}

// flagForDisconnect marks this peer for disconnection. The actual socket
// teardown happens asynchronously on the I/O thread; this only sets the
// flag, it never tears the connection down inline.
func (n *PeerNodeState) flagForDisconnect() {
	n.mu.Lock()
	n.disconnect = true
	n.mu.Unlock()
}

// FlaggedForDisconnect reports whether this peer has been marked for
// disconnection.
func (n *PeerNodeState) FlaggedForDisconnect() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.disconnect
}

// Ban marks the peer as banned for reason, which also implies disconnect.
func (n *PeerNodeState) Ban(reason string) {
	n.mu.Lock()
	n.banned = true
	n.banReason = reason
	n.disconnect = true
	n.mu.Unlock()
}

// Banned reports whether this peer has been banned, and if so, why.
func (n *PeerNodeState) Banned() (bool, string) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.banned, n.banReason
}

// nodeStateRegistry is the process-wide map of all currently tracked peers.
// It has explicit Init/teardown via NewNodeStateRegistry and Clear, per the
// "no implicit construction order between [globals]" design note.
type nodeStateRegistry struct {
	mu     sync.RWMutex
	states map[NodeID]*PeerNodeState
}

// NewNodeStateRegistry constructs an empty registry. Production wiring
// keeps exactly one of these for the process; tests spin up fresh
// instances rather than relying on a package-level singleton.
func NewNodeStateRegistry() *nodeStateRegistry {
	return &nodeStateRegistry{states: make(map[NodeID]*PeerNodeState)}
}

// Register adds (or replaces) the node-state record for id.
func (r *nodeStateRegistry) Register(s *PeerNodeState) {
	r.mu.Lock()
	r.states[s.ID] = s
	r.mu.Unlock()
}

// Unregister removes the node-state record for id, if present.
func (r *nodeStateRegistry) Unregister(id NodeID) {
	r.mu.Lock()
	delete(r.states, id)
	r.mu.Unlock()
}

// Get returns the node-state record for id, if any.
func (r *nodeStateRegistry) Get(id NodeID) (*PeerNodeState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[id]
	return s, ok
}

// All returns a snapshot slice of every tracked node-state record.
func (r *nodeStateRegistry) All() []*PeerNodeState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PeerNodeState, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, s)
	}
	return out
}

// Clear removes every tracked record. Used at process teardown and between
// test cases.
func (r *nodeStateRegistry) Clear() {
	r.mu.Lock()
	r.states = make(map[NodeID]*PeerNodeState)
	r.mu.Unlock()
}
