package core

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// BlockHash identifies a block. The core never interprets the bytes; it
// only hashes and compares them.
type BlockHash [32]byte

func (h BlockHash) String() string { return fmt.Sprintf("%x", h[:8]) }

// BlockSource uniquely identifies an in-flight block download: which block,
// from which peer.
type BlockSource struct {
	Hash BlockHash
	Peer NodeID
}

// HeaderIndexRef is an opaque reference to a header-index entry. The block
// header index itself is an external collaborator (§1); this core only
// threads the reference through so a validated-headers flag can be read
// off it.
type HeaderIndexRef interface {
	// ValidatedHeaders reports whether this header's proof-of-work and
	// ancestry have already been validated at the time it was queued.
	ValidatedHeaders() bool
}

// QueuedBlock is one entry in a peer's per-peer ordered download queue:
// insertion order is request order.
type QueuedBlock struct {
	Hash             BlockHash
	Header           HeaderIndexRef
	ValidatedHeaders bool
}

// RejectRecord is appended to a peer's state by BlockChecked when a block
// it sent fails validation with a reportable reject code.
type RejectRecord struct {
	Hash       BlockHash
	RejectCode int
	At         time.Time
}

// PeerDownloadState is the per-peer counters and queue the
// BlockDownloadTracker reads and mutates. Ownership is the caller's: the
// tracker never constructs or frees these, it only updates the fields
// operations are documented to touch.
type PeerDownloadState struct {
	mu sync.Mutex

	ID NodeID

	queue *list.List // of *QueuedBlock, front = oldest request

	nBlocksInFlight             int
	nBlocksInFlightValidHeaders int
	nDownloadingSince           time.Time

	nextSendThreshold time.Time

	rejects []RejectRecord
}

// NewPeerDownloadState creates an empty per-peer download state.
func NewPeerDownloadState(id NodeID) *PeerDownloadState {
	return &PeerDownloadState{ID: id, queue: list.New()}
}

// TooBusy reports whether this peer is within its soft back-off window.
func (p *PeerDownloadState) TooBusy(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Before(p.nextSendThreshold)
}

type inFlightEntry struct {
	elem        *list.Element // iterator into the peer's QueuedBlock list
	requestedAt time.Time
}

// TooBusyRetryDelay is the soft back-off window PeerTooBusy imposes.
const TooBusyRetryDelay = 2 * time.Minute

// CompactBlockAnnouncer abstracts sending the SENDCMPCT control message,
// always with version 1.
type CompactBlockAnnouncer interface {
	SendCmpct(peer NodeID, announce bool, version uint64) error
}

// BlockDownloadTracker globally tracks which blocks are in flight from
// which peers, which peer delivered each block, and elects up to three
// peers to receive compact-block announcements. All operations are
// serialised by a single mutex, acquired immediately inside the per-peer
// node-state lock when both are held.
type BlockDownloadTracker struct {
	mu sync.Mutex

	blocksInFlight map[BlockHash]map[NodeID]*inFlightEntry
	blockSender    map[BlockHash]map[NodeID]bool // value = punish flag

	peersWithValidatedDownloads int

	announcer   CompactBlockAnnouncer
	announceLRU *simplelru.LRU[NodeID, struct{}]

	gaugeInFlight  *prometheus.GaugeVec
	gaugeValidated prometheus.Gauge

	log *logrus.Entry
}

// NewBlockDownloadTracker constructs an empty tracker. announcer may be nil
// if compact-block election is not wired up by the caller (e.g. in tests).
func NewBlockDownloadTracker(announcer CompactBlockAnnouncer, reg prometheus.Registerer, log *logrus.Entry) *BlockDownloadTracker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &BlockDownloadTracker{
		blocksInFlight: make(map[BlockHash]map[NodeID]*inFlightEntry),
		blockSender:    make(map[BlockHash]map[NodeID]bool),
		announcer:      announcer,
		log:            log,
	}
	t.announceLRU, _ = simplelru.NewLRU[NodeID, struct{}](3, func(evicted NodeID, _ struct{}) {
		if t.announcer != nil {
			if err := t.announcer.SendCmpct(evicted, false, 1); err != nil {
				t.log.Warnf("sendcmpct(off) to evicted announcer %s: %v", evicted, err)
			}
		}
	})

	if reg != nil {
		t.gaugeInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blockdownload_peer_in_flight",
			Help: "blocks currently in flight per peer",
		}, []string{"peer"})
		t.gaugeValidated = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blockdownload_peers_with_validated_downloads",
			Help: "peers with at least one validated-header block in flight",
		})
		reg.MustRegister(t.gaugeInFlight, t.gaugeValidated)
	}
	return t
}

// MarkBlockAsInFlight records that source.Hash is being requested from
// source.Peer. A duplicate (hash, peer) pair short-circuits to true without
// mutating any state.
func (t *BlockDownloadTracker) MarkBlockAsInFlight(source BlockSource, peerState *PeerDownloadState, header HeaderIndexRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if peers, ok := t.blocksInFlight[source.Hash]; ok {
		if _, dup := peers[source.Peer]; dup {
			return true
		}
	}

	validated := header != nil && header.ValidatedHeaders()

	peerState.mu.Lock()
	wasEmpty := peerState.queue.Len() == 0
	hadValidated := peerState.nBlocksInFlightValidHeaders > 0
	elem := peerState.queue.PushBack(&QueuedBlock{Hash: source.Hash, Header: header, ValidatedHeaders: validated})
	peerState.nBlocksInFlight++
	if validated {
		peerState.nBlocksInFlightValidHeaders++
	}
	if wasEmpty {
		peerState.nDownloadingSince = time.Now()
	}
	peerState.mu.Unlock()

	if validated && !hadValidated {
		t.peersWithValidatedDownloads++
		if t.gaugeValidated != nil {
			t.gaugeValidated.Set(float64(t.peersWithValidatedDownloads))
		}
	}

	if t.blocksInFlight[source.Hash] == nil {
		t.blocksInFlight[source.Hash] = make(map[NodeID]*inFlightEntry)
	}
	t.blocksInFlight[source.Hash][source.Peer] = &inFlightEntry{elem: elem, requestedAt: time.Now()}

	if t.gaugeInFlight != nil {
		t.gaugeInFlight.WithLabelValues(string(source.Peer)).Set(float64(peerState.nBlocksInFlight))
	}
	return false
}

// MarkBlockAsReceived records that source.Peer delivered source.Hash,
// tagging it with punish (whether a later invalid verdict should penalise
// the peer), then removes the in-flight bookkeeping.
func (t *BlockDownloadTracker) MarkBlockAsReceived(source BlockSource, punish bool, peerState *PeerDownloadState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.blockSender[source.Hash] == nil {
		t.blockSender[source.Hash] = make(map[NodeID]bool)
	}
	t.blockSender[source.Hash][source.Peer] = punish

	return t.removeInFlightLocked(source, peerState)
}

// MarkBlockAsFailed removes the in-flight bookkeeping for source without
// recording a sender (the block was never actually delivered).
func (t *BlockDownloadTracker) MarkBlockAsFailed(source BlockSource, peerState *PeerDownloadState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeInFlightLocked(source, peerState)
}

// removeInFlightLocked implements the shared removal algorithm: locate the
// (hash, peer) in-flight entry, determine whether it was a validated-header
// download to keep the peer's and tracker's validated counters correct,
// roll nDownloadingSince forward if the removed entry was the queue head,
// clear the peer's nextSendThreshold, and erase the entry from the peer's
// queue and from the in-flight map (sender records are left untouched).
func (t *BlockDownloadTracker) removeInFlightLocked(source BlockSource, peerState *PeerDownloadState) bool {
	peers, ok := t.blocksInFlight[source.Hash]
	if !ok {
		return false
	}
	entry, ok := peers[source.Peer]
	if !ok {
		return false
	}

	peerState.mu.Lock()
	wasHead := peerState.queue.Front() == entry.elem
	qb := entry.elem.Value.(*QueuedBlock)
	peerState.queue.Remove(entry.elem)
	peerState.nBlocksInFlight--
	hadValidated := peerState.nBlocksInFlightValidHeaders > 0
	if qb.ValidatedHeaders {
		peerState.nBlocksInFlightValidHeaders--
	}
	nowEmpty := peerState.nBlocksInFlightValidHeaders == 0
	if wasHead && peerState.queue.Len() > 0 {
		now := time.Now()
		if now.After(peerState.nDownloadingSince) {
			peerState.nDownloadingSince = now
		}
	}
	peerState.nextSendThreshold = time.Time{}
	peerState.mu.Unlock()

	if hadValidated && nowEmpty {
		t.peersWithValidatedDownloads--
		if t.gaugeValidated != nil {
			t.gaugeValidated.Set(float64(t.peersWithValidatedDownloads))
		}
	}

	delete(peers, source.Peer)
	if len(peers) == 0 {
		delete(t.blocksInFlight, source.Hash)
	}
	if t.gaugeInFlight != nil {
		t.gaugeInFlight.WithLabelValues(string(source.Peer)).Set(float64(peerState.nBlocksInFlight))
	}
	return true
}

// ValidationVerdict is what BlockChecked reports about a block that has
// finished validation.
type ValidationVerdict struct {
	Valid      bool
	RejectCode int // only meaningful when !Valid; 0 = no reportable code
	DoSScore   int
	NotInIBD   bool // true once initial block download has completed
}

// Misbehaving is the callback BlockChecked invokes to penalise a peer whose
// punish-tagged delivery turned out invalid with a nonzero DoS score. It is
// an external collaborator (ban manager); the tracker only calls it.
type Misbehaving func(peer NodeID, score int, reason string)

// BlockChecked processes the validation outcome for hash: every peer that
// sent it gets a rejection record (if invalid with a reportable code) or,
// if valid and hash was the sole unique in-flight block outside IBD, is
// considered for compact-block announcer election. The sender record is
// removed afterward either way.
func (t *BlockDownloadTracker) BlockChecked(hash BlockHash, verdict ValidationVerdict, peerStates map[NodeID]*PeerDownloadState, misbehave Misbehaving) {
	t.mu.Lock()
	senders := t.blockSender[hash]
	elect := verdict.Valid && verdict.NotInIBD && t.isOnlyBlockInFlightLocked(hash)
	delete(t.blockSender, hash)
	t.mu.Unlock()

	for peer, punish := range senders {
		if !verdict.Valid && verdict.RejectCode != 0 {
			if ps := peerStates[peer]; ps != nil {
				ps.mu.Lock()
				ps.rejects = append(ps.rejects, RejectRecord{Hash: hash, RejectCode: verdict.RejectCode, At: time.Now()})
				ps.mu.Unlock()
			}
			if verdict.DoSScore > 0 && punish && misbehave != nil {
				misbehave(peer, verdict.DoSScore, fmt.Sprintf("invalid block %s", hash))
			}
		}
		if elect {
			t.maybeElectAnnouncer(peer)
		}
	}
}

func (t *BlockDownloadTracker) isOnlyBlockInFlightLocked(hash BlockHash) bool {
	return len(t.blocksInFlight) == 1 && t.blocksInFlight[hash] != nil
}

// maybeElectAnnouncer keeps at most 3 peers as compact-block announcers in
// LRU order. An already-present peer moves to the tail (most-recently
// used); otherwise the LRU's own eviction (wired to send SENDCMPCT off to
// the displaced peer) makes room, and the new peer is sent SENDCMPCT on.
func (t *BlockDownloadTracker) maybeElectAnnouncer(peer NodeID) {
	t.mu.Lock()
	_, already := t.announceLRU.Get(peer)
	t.announceLRU.Add(peer, struct{}{})
	t.mu.Unlock()

	if already {
		return
	}
	if t.announcer != nil {
		if err := t.announcer.SendCmpct(peer, true, 1); err != nil {
			t.log.Warnf("sendcmpct(on) to %s: %v", peer, err)
		}
	}
}

// PeerTooBusy sets peer's next-send threshold forward and drains every
// in-flight block it has outstanding from both tracker maps.
func (t *BlockDownloadTracker) PeerTooBusy(peer NodeID, peerState *PeerDownloadState) {
	peerState.mu.Lock()
	hashes := make([]BlockHash, 0, peerState.queue.Len())
	for e := peerState.queue.Front(); e != nil; e = e.Next() {
		hashes = append(hashes, e.Value.(*QueuedBlock).Hash)
	}
	peerState.mu.Unlock()

	for _, h := range hashes {
		t.MarkBlockAsFailed(BlockSource{Hash: h, Peer: peer}, peerState)
	}

	// Set after draining: every removal clears nextSendThreshold.
	peerState.mu.Lock()
	peerState.nextSendThreshold = time.Now().Add(TooBusyRetryDelay)
	peerState.mu.Unlock()
}

// ClearPeer removes every in-flight entry and sender record for peer. If
// isLastPeer is true (the final peer being torn down, e.g. at shutdown),
// it is a programming error for either map to still hold entries for any
// other peer afterward.
func (t *BlockDownloadTracker) ClearPeer(peer NodeID, peerState *PeerDownloadState, isLastPeer bool) {
	peerState.mu.Lock()
	hashes := make([]BlockHash, 0, peerState.queue.Len())
	for e := peerState.queue.Front(); e != nil; e = e.Next() {
		hashes = append(hashes, e.Value.(*QueuedBlock).Hash)
	}
	peerState.mu.Unlock()

	for _, h := range hashes {
		t.MarkBlockAsFailed(BlockSource{Hash: h, Peer: peer}, peerState)
	}

	t.mu.Lock()
	for hash, senders := range t.blockSender {
		delete(senders, peer)
		if len(senders) == 0 {
			delete(t.blockSender, hash)
		}
	}
	empty := len(t.blocksInFlight) == 0 && len(t.blockSender) == 0
	t.mu.Unlock()

	if isLastPeer && !empty {
		panic("block download tracker: maps not empty after clearing the last peer")
	}
}

// IsInFlight reports whether hash is in flight from any peer.
func (t *BlockDownloadTracker) IsInFlight(hash BlockHash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.blocksInFlight[hash]) > 0
}

// IsInFlightFrom reports whether hash is specifically in flight from peer.
func (t *BlockDownloadTracker) IsInFlightFrom(hash BlockHash, peer NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers, ok := t.blocksInFlight[hash]
	if !ok {
		return false
	}
	_, ok = peers[peer]
	return ok
}

// GetPeerForBlock returns any one peer hash is in flight from.
func (t *BlockDownloadTracker) GetPeerForBlock(hash BlockHash) (NodeID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for peer := range t.blocksInFlight[hash] {
		return peer, true
	}
	return "", false
}

// IsOnlyBlockInFlight reports whether hash is the sole block with any
// peer-download in flight.
func (t *BlockDownloadTracker) IsOnlyBlockInFlight(hash BlockHash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isOnlyBlockInFlightLocked(hash)
}

// GetBlockDetailsBySource returns the punish flag recorded for source, if
// any peer has delivered it.
func (t *BlockDownloadTracker) GetBlockDetailsBySource(source BlockSource) (punish bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	senders, has := t.blockSender[source.Hash]
	if !has {
		return false, false
	}
	p, ok := senders[source.Peer]
	return p, ok
}

// GetBlockDetails returns every (peer, punish) pair that has delivered
// hash.
func (t *BlockDownloadTracker) GetBlockDetails(hash BlockHash) map[NodeID]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[NodeID]bool, len(t.blockSender[hash]))
	for peer, punish := range t.blockSender[hash] {
		out[peer] = punish
	}
	return out
}

// GetPeersWithValidatedDownloadsCount returns the number of peers that
// currently have at least one validated-header block in flight.
func (t *BlockDownloadTracker) GetPeersWithValidatedDownloadsCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peersWithValidatedDownloads
}

// UniqueBlockCount returns the number of distinct block hashes currently in
// flight from any peer.
func (t *BlockDownloadTracker) UniqueBlockCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.blocksInFlight)
}

// TrackedBlockCount returns the total number of (hash, peer) in-flight
// entries across every block.
func (t *BlockDownloadTracker) TrackedBlockCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, peers := range t.blocksInFlight {
		n += len(peers)
	}
	return n
}
