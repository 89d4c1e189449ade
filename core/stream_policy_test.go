package core

import (
	"testing"
)

func newTestStream(t StreamType) *Stream {
	return NewStream(t, &fakeConn{}, nil, testStreamConfig(), nil)
}

// writtenBytes reports how many bytes a test stream has written to its
// fakeConn. PushMessage's optimistic write flushes an idle stream straight to
// the connection, so its send queue is empty again by the time it returns.
func writtenBytes(s *Stream) int {
	fc := s.c.(*fakeConn)
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.written.Len()
}

func TestClassifyCommand(t *testing.T) {
	cases := map[string]MessageCategory{
		"block":      MsgCategoryBlock,
		"cmpctblock": MsgCategoryBlock,
		"ping":       MsgCategoryPing,
		"pong":       MsgCategoryPing,
		"inv":        MsgCategoryOther,
		"":           MsgCategoryOther,
	}
	for cmd, want := range cases {
		if got := ClassifyCommand(cmd); got != want {
			t.Fatalf("ClassifyCommand(%q) = %v, want %v", cmd, got, want)
		}
	}
}

func TestDefaultStreamPolicyUsesGeneralOnly(t *testing.T) {
	p := DefaultStreamPolicy{}
	streams := map[StreamType]*Stream{StreamGeneral: newTestStream(StreamGeneral)}

	if _, err := p.PushMessage(streams, OutboundMessage{Command: "block", Payload: []byte("x")}); err != nil {
		t.Fatalf("PushMessage(block): %v", err)
	}
	if writtenBytes(streams[StreamGeneral]) == 0 {
		t.Fatalf("expected block traffic on GENERAL under DefaultStreamPolicy")
	}
}

func TestDefaultStreamPolicyPreferredStreamMissingErrors(t *testing.T) {
	p := DefaultStreamPolicy{}
	streams := map[StreamType]*Stream{StreamGeneral: newTestStream(StreamGeneral)}
	_, err := p.PushMessage(streams, OutboundMessage{Command: "inv", PreferredStream: StreamData1})
	if err == nil {
		t.Fatalf("expected error routing to an absent preferred stream")
	}
}

func TestBlockPriorityStreamPolicyRoutesBlockTrafficToData1(t *testing.T) {
	p := BlockPriorityStreamPolicy{}
	streams := map[StreamType]*Stream{
		StreamGeneral: newTestStream(StreamGeneral),
		StreamData1:   newTestStream(StreamData1),
	}

	if _, err := p.PushMessage(streams, OutboundMessage{Command: "block", Payload: []byte("x")}); err != nil {
		t.Fatalf("PushMessage(block): %v", err)
	}
	if writtenBytes(streams[StreamData1]) == 0 {
		t.Fatalf("expected block traffic routed to DATA1")
	}
	if writtenBytes(streams[StreamGeneral]) != 0 {
		t.Fatalf("expected GENERAL untouched by block traffic")
	}

	if _, err := p.PushMessage(streams, OutboundMessage{Command: "inv", Payload: []byte("y")}); err != nil {
		t.Fatalf("PushMessage(inv): %v", err)
	}
	if writtenBytes(streams[StreamGeneral]) == 0 {
		t.Fatalf("expected ordinary relay traffic routed to GENERAL")
	}
}

func TestBlockPriorityStreamPolicyDrainsData1First(t *testing.T) {
	p := BlockPriorityStreamPolicy{}
	data1 := newTestStream(StreamData1)
	general := newTestStream(StreamGeneral)
	streams := map[StreamType]*Stream{StreamGeneral: general, StreamData1: data1}

	frame := append(encodeFrameHeader(testStreamConfig().Magic, "cmpctblock", 2, [4]byte{}), []byte("ab")...)
	if status, _ := data1.ReceiveBytes(frame); status != RecvOK {
		t.Fatalf("seed data1: unexpected status")
	}
	frame2 := append(encodeFrameHeader(testStreamConfig().Magic, "inv", 2, [4]byte{}), []byte("cd")...)
	if status, _ := general.ReceiveBytes(frame2); status != RecvOK {
		t.Fatalf("seed general: unexpected status")
	}

	f, st, more := p.GetNextMessage(streams)
	if f == nil || st != StreamData1 {
		t.Fatalf("expected first message to come from DATA1, got stream=%v frame=%v", st, f)
	}
	if !more {
		t.Fatalf("expected more=true since GENERAL still has a queued message")
	}

	f2, st2, _ := p.GetNextMessage(streams)
	if f2 == nil || st2 != StreamGeneral {
		t.Fatalf("expected second message to come from GENERAL, got stream=%v", st2)
	}
}
