package core

import (
	"fmt"
)

// MessageCategory classifies an outbound message for stream-dispatch
// purposes. Extending this enum requires updating every StreamPolicy's
// dispatch table.
type MessageCategory int

const (
	MsgCategoryOther MessageCategory = iota
	MsgCategoryBlock
	MsgCategoryPing
)

// highPriorityCommands are routed to DATA1 under BlockPriority: block
// propagation plus the commands that keep the connection alive.
var highPriorityCommands = map[string]MessageCategory{
	"block":       MsgCategoryBlock,
	"cmpctblock":  MsgCategoryBlock,
	"blocktxn":    MsgCategoryBlock,
	"getblocktxn": MsgCategoryBlock,
	"headers":     MsgCategoryBlock,
	"getheaders":  MsgCategoryBlock,
	"ping":        MsgCategoryPing,
	"pong":        MsgCategoryPing,
}

// ClassifyCommand returns the MessageCategory for a wire command name.
func ClassifyCommand(command string) MessageCategory {
	if cat, ok := highPriorityCommands[command]; ok {
		return cat
	}
	return MsgCategoryOther
}

// OutboundMessage is what a StreamPolicy dispatches: a serialised frame
// plus enough metadata to classify and route it.
type OutboundMessage struct {
	Command  string
	Payload  []byte
	Checksum [4]byte
	// PreferredStream, if not StreamUnknown, pins the message to a
	// specific stream; the policy fails with "no such stream" rather than
	// silently falling back if that stream doesn't exist.
	PreferredStream StreamType
}

// StreamPolicy is a pluggable dispatch strategy: given an outbound message
// it picks the Stream that carries it, and given a set of Streams it picks
// the next inbound message to hand to the processing layer.
type StreamPolicy interface {
	// Name identifies the policy for logging and peer negotiation.
	Name() string
	// RequiredStreamTypes lists the stream types this policy needs beyond
	// GENERAL, which every Association always has.
	RequiredStreamTypes() []StreamType
	// PushMessage queues msg on the appropriate stream from streams.
	PushMessage(streams map[StreamType]*Stream, msg OutboundMessage) (bytesSent uint64, err error)
	// GetNextMessage dequeues the next inbound frame to process, honouring
	// this policy's read-priority order across streams.
	GetNextMessage(streams map[StreamType]*Stream) (frame *MessageFrame, streamType StreamType, more bool)
}

// streamPolicyBase implements the exact-match-or-error stream lookup
// shared by every concrete policy.
type streamPolicyBase struct{}

// resolveStream picks the Stream to carry msg. If msg.PreferredStream is
// set (not StreamUnknown), that exact stream must exist or the call fails.
// Otherwise fallback is used (and must exist).
func (streamPolicyBase) resolveStream(streams map[StreamType]*Stream, preferred, fallback StreamType) (*Stream, error) {
	want := preferred
	if want == StreamUnknown {
		want = fallback
	}
	s, ok := streams[want]
	if !ok {
		return nil, fmt.Errorf("stream policy: no such stream %s", want)
	}
	return s, nil
}

func (streamPolicyBase) pushVia(s *Stream, msg OutboundMessage) (uint64, error) {
	return s.PushMessage(msg.Command, msg.Payload, msg.Checksum)
}

// DefaultStreamPolicy uses only the GENERAL stream, with equal priority for
// all traffic, behaviourally identical to the historical single-stream
// P2P model.
type DefaultStreamPolicy struct {
	streamPolicyBase
}

const PolicyNameDefault = "Default"

func (DefaultStreamPolicy) Name() string                      { return PolicyNameDefault }
func (DefaultStreamPolicy) RequiredStreamTypes() []StreamType { return nil }

func (p DefaultStreamPolicy) PushMessage(streams map[StreamType]*Stream, msg OutboundMessage) (uint64, error) {
	s, err := p.resolveStream(streams, msg.PreferredStream, StreamGeneral)
	if err != nil {
		return 0, err
	}
	return p.pushVia(s, msg)
}

func (DefaultStreamPolicy) GetNextMessage(streams map[StreamType]*Stream) (*MessageFrame, StreamType, bool) {
	s, ok := streams[StreamGeneral]
	if !ok {
		return nil, StreamUnknown, false
	}
	frame, more := s.GetNextMessage()
	return frame, StreamGeneral, more
}

// BlockPriorityStreamPolicy additionally opens a DATA1 stream for block
// propagation and keep-alive traffic, so that it can overtake ordinary
// relay traffic on GENERAL. Inbound processing always drains DATA1 first.
type BlockPriorityStreamPolicy struct {
	streamPolicyBase
}

const PolicyNameBlockPriority = "BlockPriority"

func (BlockPriorityStreamPolicy) Name() string { return PolicyNameBlockPriority }

func (BlockPriorityStreamPolicy) RequiredStreamTypes() []StreamType {
	return []StreamType{StreamData1}
}

func (p BlockPriorityStreamPolicy) streamTypeForCommand(command string) StreamType {
	switch ClassifyCommand(command) {
	case MsgCategoryBlock, MsgCategoryPing:
		return StreamData1
	default:
		return StreamGeneral
	}
}

func (p BlockPriorityStreamPolicy) PushMessage(streams map[StreamType]*Stream, msg OutboundMessage) (uint64, error) {
	fallback := p.streamTypeForCommand(msg.Command)
	s, err := p.resolveStream(streams, msg.PreferredStream, fallback)
	if err != nil {
		return 0, err
	}
	return p.pushVia(s, msg)
}

func (p BlockPriorityStreamPolicy) GetNextMessage(streams map[StreamType]*Stream) (*MessageFrame, StreamType, bool) {
	if s, ok := streams[StreamData1]; ok {
		if frame, more := s.GetNextMessage(); frame != nil {
			if !more {
				if gs, ok := streams[StreamGeneral]; ok {
					more = gs.HasQueuedMessage()
				}
			}
			return frame, StreamData1, more
		}
	}
	if s, ok := streams[StreamGeneral]; ok {
		frame, more := s.GetNextMessage()
		return frame, StreamGeneral, more
	}
	return nil, StreamUnknown, false
}
