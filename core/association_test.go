package core

import (
	"errors"
	"testing"
	"time"

	"nodecore/pkg/utils"
)

func newTestAssociation(peerAddr string) *Association {
	general := newTestStream(StreamGeneral)
	return NewAssociation(peerAddr, general, DefaultStreamPolicy{}, nil)
}

func TestMoveStreamSucceeds(t *testing.T) {
	a := newTestAssociation("10.0.0.1:8333")
	b := newTestAssociation("10.0.0.2:8333")

	if err := a.MoveStream(StreamData1, b); err != nil {
		t.Fatalf("MoveStream: %v", err)
	}
	if _, ok := b.streams[StreamData1]; !ok {
		t.Fatalf("expected target association to own the moved stream under the new type")
	}
	if len(a.streams) != 0 {
		t.Fatalf("expected source association to have no streams left, has %d", len(a.streams))
	}
}

func TestMoveStreamRequiresExactlyOneSourceStream(t *testing.T) {
	a := newTestAssociation("10.0.0.1:8333")
	b := newTestAssociation("10.0.0.2:8333")
	a.streams[StreamData2] = newTestStream(StreamData2) // now a has two streams

	err := a.MoveStream(StreamData1, b)
	if err == nil {
		t.Fatalf("expected error when source has more than one stream")
	}
	if !errors.Is(err, utils.ErrInvariant) {
		t.Fatalf("expected ErrInvariant, got %v", err)
	}
	if len(a.streams) != 2 {
		t.Fatalf("expected source association unchanged on failure, has %d streams", len(a.streams))
	}
	if len(b.streams) != 1 {
		t.Fatalf("expected target association unchanged on failure, has %d streams", len(b.streams))
	}
}

func TestMoveStreamRequiresTargetSlotFree(t *testing.T) {
	a := newTestAssociation("10.0.0.1:8333")
	b := newTestAssociation("10.0.0.2:8333")
	b.streams[StreamData1] = newTestStream(StreamData1) // target already occupies newType

	err := a.MoveStream(StreamData1, b)
	if err == nil {
		t.Fatalf("expected error when target already has a stream of newType")
	}
	if !errors.Is(err, utils.ErrInvariant) {
		t.Fatalf("expected ErrInvariant, got %v", err)
	}
	if len(a.streams) != 1 {
		t.Fatalf("expected source association unchanged on failure, has %d streams", len(a.streams))
	}
	if len(b.streams) != 2 { // GENERAL plus the pre-occupied DATA1
		t.Fatalf("expected target association unchanged on failure, has %d streams", len(b.streams))
	}
}

func TestSetAssociationIDIsOneShot(t *testing.T) {
	a := newTestAssociation("10.0.0.1:8333")
	id1 := NewUUIDAssociationID()
	id2 := NewUUIDAssociationID()

	if err := a.SetAssociationID(id1); err != nil {
		t.Fatalf("first SetAssociationID: %v", err)
	}
	if err := a.SetAssociationID(id2); err == nil {
		t.Fatalf("expected second SetAssociationID to fail")
	}
	if got := a.GetAssociationID(); !got.Equal(id1) {
		t.Fatalf("expected id to remain %s, got %s", id1, got)
	}

	a.ClearAssociationID()
	if err := a.SetAssociationID(id2); err != nil {
		t.Fatalf("SetAssociationID after Clear: %v", err)
	}
	if got := a.GetAssociationID(); !got.Equal(id2) {
		t.Fatalf("expected id %s after re-set, got %s", id2, got)
	}
}

func TestCopyStatsAggregatesAcrossStreams(t *testing.T) {
	a := newTestAssociation("10.0.0.1:8333")
	s1 := a.streams[StreamGeneral]
	s2 := newTestStream(StreamData1)
	a.streams[StreamData1] = s2

	t1 := time.Now().Add(-time.Minute)
	t2 := time.Now()

	s1.statsMu.Lock()
	s1.lastSend = t1
	s1.lastRecv = t1
	s1.sendBytesByCmd["block"] = 100
	s1.recvBytesByCmd["inv"] = 50
	s1.statsMu.Unlock()
	s1.bwMu.Lock()
	s1.bwRing = []bandwidthSample{{bytesPerSec: 10}, {bytesPerSec: 20}}
	s1.bwMu.Unlock()

	s2.statsMu.Lock()
	s2.lastSend = t2
	s2.lastRecv = t2
	s2.sendBytesByCmd["tx"] = 10
	s2.statsMu.Unlock()
	s2.bwMu.Lock()
	s2.bwRing = []bandwidthSample{{bytesPerSec: 100}}
	s2.bwMu.Unlock()

	stats := a.CopyStats()
	if !stats.LastSend.Equal(t2) {
		t.Fatalf("LastSend = %v, want max %v", stats.LastSend, t2)
	}
	if !stats.LastRecv.Equal(t2) {
		t.Fatalf("LastRecv = %v, want max %v", stats.LastRecv, t2)
	}
	if stats.SendBytes != 110 {
		t.Fatalf("SendBytes = %d, want 110", stats.SendBytes)
	}
	if stats.RecvBytes != 50 {
		t.Fatalf("RecvBytes = %d, want 50", stats.RecvBytes)
	}
	wantBW := (15.0*2 + 100.0*1) / 3
	if diff := stats.AvgBandwidth - wantBW; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("AvgBandwidth = %v, want %v", stats.AvgBandwidth, wantBW)
	}
	if stats.SendByCmd["block"] != 100 || stats.SendByCmd["tx"] != 10 {
		t.Fatalf("SendByCmd = %+v", stats.SendByCmd)
	}
	if stats.RecvByCmd["inv"] != 50 {
		t.Fatalf("RecvByCmd = %+v", stats.RecvByCmd)
	}
}

func TestAssociationShutdownIsIdempotentAndShutsDownStreams(t *testing.T) {
	a := newTestAssociation("10.0.0.1:8333")
	a.Shutdown()
	a.Shutdown()
	if !a.IsShutdown() {
		t.Fatalf("expected IsShutdown true after Shutdown")
	}
	if !a.streams[StreamGeneral].isShutdown() {
		t.Fatalf("expected owned stream to be shut down")
	}
}
