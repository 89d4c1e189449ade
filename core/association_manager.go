package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"
)

// streamProtocolPrefix is the protocol namespace each typed stream is opened
// under, one libp2p protocol per StreamType.
const streamProtocolPrefix = "/nodecore/stream/"

// StreamProtocolID maps a StreamType to the libp2p protocol ID its traffic
// travels over, e.g. /nodecore/stream/general/1.0.0.
func StreamProtocolID(t StreamType) protocol.ID {
	return protocol.ID(streamProtocolPrefix + strings.ToLower(t.String()) + "/1.0.0")
}

// OpenAssociation dials pid and opens one libp2p stream per stream type the
// policy requires (GENERAL always, DATA1 under BlockPriority), wiring them
// into a new Association attached to nodeState.
func (n *Node) OpenAssociation(pid peer.ID, nodeState *PeerNodeState, policy StreamPolicy, cfg StreamConfig, log *logrus.Entry) (*Association, error) {
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()

	general, err := n.host.NewStream(ctx, pid, StreamProtocolID(StreamGeneral))
	if err != nil {
		return nil, fmt.Errorf("association: open general stream to %s: %w", pid, err)
	}
	assoc := NewAssociation(pid.String(), NewStream(StreamGeneral, general, nodeState, cfg, log), policy, log)

	for _, st := range policy.RequiredStreamTypes() {
		s, err := n.host.NewStream(ctx, pid, StreamProtocolID(st))
		if err != nil {
			assoc.Shutdown()
			return nil, fmt.Errorf("association: open %s stream to %s: %w", st, pid, err)
		}
		if addErr := assoc.AddStream(st, NewStream(st, s, nodeState, cfg, log)); addErr != nil {
			assoc.Shutdown()
			return nil, addErr
		}
	}

	nodeState.SetAssociation(assoc)
	return assoc, nil
}
