package core

import (
	"testing"
	"time"
)

func testBlockHash(b byte) BlockHash {
	var h BlockHash
	h[0] = b
	return h
}

type fakeHeaderRef struct{ validated bool }

func (f fakeHeaderRef) ValidatedHeaders() bool { return f.validated }

type recordingAnnouncer struct {
	calls []string
}

func (a *recordingAnnouncer) SendCmpct(peer NodeID, announce bool, version uint64) error {
	if announce {
		a.calls = append(a.calls, "on:"+string(peer))
	} else {
		a.calls = append(a.calls, "off:"+string(peer))
	}
	return nil
}

func TestMarkBlockAsInFlightThreePeers(t *testing.T) {
	tracker := NewBlockDownloadTracker(nil, nil, nil)
	peerA := NewPeerDownloadState("peerA")
	peerB := NewPeerDownloadState("peerB")
	peerC := NewPeerDownloadState("peerC")

	h1 := testBlockHash(1)
	h2 := testBlockHash(2)
	h3 := testBlockHash(3)

	if dup := tracker.MarkBlockAsInFlight(BlockSource{Hash: h1, Peer: "peerA"}, peerA, fakeHeaderRef{validated: true}); dup {
		t.Fatalf("expected first mark to not be a duplicate")
	}
	if dup := tracker.MarkBlockAsInFlight(BlockSource{Hash: h2, Peer: "peerB"}, peerB, fakeHeaderRef{validated: false}); dup {
		t.Fatalf("expected first mark to not be a duplicate")
	}
	if dup := tracker.MarkBlockAsInFlight(BlockSource{Hash: h3, Peer: "peerC"}, peerC, nil); dup {
		t.Fatalf("expected first mark to not be a duplicate")
	}

	if tracker.UniqueBlockCount() != 3 {
		t.Fatalf("UniqueBlockCount = %d, want 3", tracker.UniqueBlockCount())
	}
	if tracker.TrackedBlockCount() != 3 {
		t.Fatalf("TrackedBlockCount = %d, want 3", tracker.TrackedBlockCount())
	}
	if !tracker.IsInFlight(h1) || !tracker.IsInFlightFrom(h1, "peerA") {
		t.Fatalf("expected h1 in flight from peerA")
	}
	if tracker.GetPeersWithValidatedDownloadsCount() != 1 {
		t.Fatalf("validated downloads count = %d, want 1 (only peerA's header was validated)", tracker.GetPeersWithValidatedDownloadsCount())
	}
	if peerA.nBlocksInFlight != 1 || peerB.nBlocksInFlight != 1 || peerC.nBlocksInFlight != 1 {
		t.Fatalf("expected each peer to have exactly one block in flight")
	}
}

func TestMarkBlockAsInFlightDuplicateShortCircuits(t *testing.T) {
	tracker := NewBlockDownloadTracker(nil, nil, nil)
	peerA := NewPeerDownloadState("peerA")
	h1 := testBlockHash(1)

	if dup := tracker.MarkBlockAsInFlight(BlockSource{Hash: h1, Peer: "peerA"}, peerA, nil); dup {
		t.Fatalf("expected first mark to not be a duplicate")
	}
	if dup := tracker.MarkBlockAsInFlight(BlockSource{Hash: h1, Peer: "peerA"}, peerA, nil); !dup {
		t.Fatalf("expected second identical mark to short-circuit as a duplicate")
	}
	if peerA.nBlocksInFlight != 1 {
		t.Fatalf("expected duplicate mark to leave state unchanged, nBlocksInFlight=%d", peerA.nBlocksInFlight)
	}
	if tracker.TrackedBlockCount() != 1 {
		t.Fatalf("expected duplicate mark to not add a second tracked entry")
	}
}

func TestPeerTooBusyDrainsQueueAndSetsBackoff(t *testing.T) {
	tracker := NewBlockDownloadTracker(nil, nil, nil)
	peerA := NewPeerDownloadState("peerA")
	h1, h2 := testBlockHash(1), testBlockHash(2)
	tracker.MarkBlockAsInFlight(BlockSource{Hash: h1, Peer: "peerA"}, peerA, nil)
	tracker.MarkBlockAsInFlight(BlockSource{Hash: h2, Peer: "peerA"}, peerA, nil)

	if peerA.TooBusy(time.Now()) {
		t.Fatalf("expected peer not too busy before PeerTooBusy is called")
	}

	tracker.PeerTooBusy("peerA", peerA)

	if !peerA.TooBusy(time.Now()) {
		t.Fatalf("expected peer to be within its back-off window")
	}
	if peerA.nBlocksInFlight != 0 {
		t.Fatalf("expected PeerTooBusy to drain all in-flight blocks, nBlocksInFlight=%d", peerA.nBlocksInFlight)
	}
	if tracker.IsInFlight(h1) || tracker.IsInFlight(h2) {
		t.Fatalf("expected both blocks removed from tracker after PeerTooBusy")
	}
}

func TestMarkBlockAsReceivedThenBlockCheckedElectsAnnouncer(t *testing.T) {
	ann := &recordingAnnouncer{}
	tracker := NewBlockDownloadTracker(ann, nil, nil)
	peerA := NewPeerDownloadState("peerA")
	peerB := NewPeerDownloadState("peerB")
	h1 := testBlockHash(1)

	// Both peers were asked for the same block; peerA delivers first.
	tracker.MarkBlockAsInFlight(BlockSource{Hash: h1, Peer: "peerA"}, peerA, nil)
	tracker.MarkBlockAsInFlight(BlockSource{Hash: h1, Peer: "peerB"}, peerB, nil)

	if removed := tracker.MarkBlockAsReceived(BlockSource{Hash: h1, Peer: "peerA"}, true, peerA); !removed {
		t.Fatalf("expected MarkBlockAsReceived to report the in-flight entry was removed")
	}
	punish, ok := tracker.GetBlockDetailsBySource(BlockSource{Hash: h1, Peer: "peerA"})
	if !ok || !punish {
		t.Fatalf("expected recorded sender with punish=true, got ok=%v punish=%v", ok, punish)
	}
	// peerB's request for the same hash is still outstanding, so the tracker
	// still considers h1 the sole in-flight block.
	if !tracker.IsOnlyBlockInFlight(h1) {
		t.Fatalf("expected h1 still the sole in-flight block via peerB's outstanding request")
	}

	var misbehaveCalls int
	tracker.BlockChecked(h1, ValidationVerdict{Valid: true, NotInIBD: true},
		map[NodeID]*PeerDownloadState{"peerA": peerA, "peerB": peerB},
		func(peer NodeID, score int, reason string) { misbehaveCalls++ })

	if misbehaveCalls != 0 {
		t.Fatalf("expected no misbehave calls for a valid block")
	}
	found := false
	for _, c := range ann.calls {
		if c == "on:peerA" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the sender peerA elected as compact-block announcer, calls=%v", ann.calls)
	}
}

func TestBlockCheckedInvalidBlockPunishesSender(t *testing.T) {
	tracker := NewBlockDownloadTracker(nil, nil, nil)
	peerA := NewPeerDownloadState("peerA")
	h1 := testBlockHash(1)
	tracker.MarkBlockAsInFlight(BlockSource{Hash: h1, Peer: "peerA"}, peerA, nil)
	tracker.MarkBlockAsReceived(BlockSource{Hash: h1, Peer: "peerA"}, true, peerA)

	var gotPeer NodeID
	var gotScore int
	tracker.BlockChecked(h1, ValidationVerdict{Valid: false, RejectCode: 1, DoSScore: 100},
		map[NodeID]*PeerDownloadState{"peerA": peerA},
		func(peer NodeID, score int, reason string) { gotPeer, gotScore = peer, score })

	if gotPeer != "peerA" || gotScore != 100 {
		t.Fatalf("expected misbehave(peerA, 100, ...), got (%s, %d)", gotPeer, gotScore)
	}
	peerA.mu.Lock()
	n := len(peerA.rejects)
	peerA.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected one reject record recorded, got %d", n)
	}
}

func TestAnnounceLRUCapsAtThreeAndEvictsSendsOff(t *testing.T) {
	ann := &recordingAnnouncer{}
	tracker := NewBlockDownloadTracker(ann, nil, nil)

	tracker.maybeElectAnnouncer("p1")
	tracker.maybeElectAnnouncer("p2")
	tracker.maybeElectAnnouncer("p3")
	tracker.maybeElectAnnouncer("p4") // evicts p1 (least recently used)

	wantOff := false
	for _, c := range ann.calls {
		if c == "off:p1" {
			wantOff = true
		}
	}
	if !wantOff {
		t.Fatalf("expected p1 evicted with SENDCMPCT off, calls=%v", ann.calls)
	}
}

func TestClearPeerPanicsIfNotEmptyOnLastPeer(t *testing.T) {
	tracker := NewBlockDownloadTracker(nil, nil, nil)
	peerA := NewPeerDownloadState("peerA")
	peerB := NewPeerDownloadState("peerB")
	h1 := testBlockHash(1)
	h2 := testBlockHash(2)
	tracker.MarkBlockAsInFlight(BlockSource{Hash: h1, Peer: "peerA"}, peerA, nil)
	tracker.MarkBlockAsInFlight(BlockSource{Hash: h2, Peer: "peerB"}, peerB, nil)

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected ClearPeer to panic when other peers' entries remain and isLastPeer=true")
		}
	}()
	tracker.ClearPeer("peerA", peerA, true)
}

func TestClearPeerSucceedsWhenEmptyAfterward(t *testing.T) {
	tracker := NewBlockDownloadTracker(nil, nil, nil)
	peerA := NewPeerDownloadState("peerA")
	h1 := testBlockHash(1)
	tracker.MarkBlockAsInFlight(BlockSource{Hash: h1, Peer: "peerA"}, peerA, nil)

	tracker.ClearPeer("peerA", peerA, true)
	if tracker.UniqueBlockCount() != 0 {
		t.Fatalf("expected tracker empty after clearing the only peer")
	}
}
