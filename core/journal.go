package core

import (
	"container/list"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nodecore/pkg/utils"
)

// JournalUpdateReason explains why a JournalChangeSet is being applied. The
// reason decides both whether the change can be applied immediately
// (isUpdateReasonBasic) and whether it needs an ancestor-count stable sort
// first (REORG, RESET).
type JournalUpdateReason int

const (
	ReasonUnknown JournalUpdateReason = iota
	ReasonNewTxn
	ReasonRemoveTxn
	ReasonReplaceTxn
	ReasonNewBlock
	ReasonReorg
	ReasonInit
	ReasonReset
)

func (r JournalUpdateReason) String() string {
	switch r {
	case ReasonNewTxn:
		return "NEW_TXN"
	case ReasonRemoveTxn:
		return "REMOVE_TXN"
	case ReasonReplaceTxn:
		return "REPLACE_TXN"
	case ReasonNewBlock:
		return "NEW_BLOCK"
	case ReasonReorg:
		return "REORG"
	case ReasonInit:
		return "INIT"
	case ReasonReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// Operation is one journal mutation: add or remove a single entry.
type Operation int

const (
	OpAdd Operation = iota
	OpRemove
)

// JournalEntry is one mempool transaction's journal-relevant projection: an
// identity key plus the ancestor count used to stable-sort REORG and RESET
// change sets.
type JournalEntry struct {
	Key          string
	NumAncestors int
	Fee          int64
	Size         int64
}

type journalChange struct {
	op    Operation
	entry JournalEntry
}

// Journal is the insertion-ordered, identity-indexed sequence of mempool
// transactions backing block assembly and transaction relay. The two
// indexes are a container/list ordered sequence plus a map from
// transaction key to list element.
type Journal struct {
	mu                   sync.RWMutex
	byPosition           *list.List
	byKey                map[string]*list.Element
	lastInvalidatingTime time.Time
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{
		byPosition: list.New(),
		byKey:      make(map[string]*list.Element),
	}
}

// Copy returns a new Journal with the same contents, taking a read lock on
// the source for the duration of the copy.
func (j *Journal) Copy() *Journal {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := NewJournal()
	for e := j.byPosition.Front(); e != nil; e = e.Next() {
		entry := e.Value.(JournalEntry)
		elem := out.byPosition.PushBack(entry)
		out.byKey[entry.Key] = elem
	}
	out.lastInvalidatingTime = j.lastInvalidatingTime
	return out
}

// Size returns the number of entries currently in the journal.
func (j *Journal) Size() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.byPosition.Len()
}

// LastInvalidatingTime returns the last time a non-tail-append-only change
// was applied, used by JournalIndex.Valid to detect staleness.
func (j *Journal) LastInvalidatingTime() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastInvalidatingTime
}

// ApplyChanges applies a (by now sorted, if needed) change set to the
// journal. REORG changes add to the front of the journal rather than the
// back, and removal tracks the REORG's saved begin position so it still
// points at the right spot if the first element is itself removed.
func (j *Journal) ApplyChanges(cs *JournalChangeSet) {
	j.mu.Lock()
	defer j.mu.Unlock()

	isReorg := cs.updateReason == ReasonReorg
	var reorgBegin *list.Element
	if isReorg {
		reorgBegin = j.byPosition.Front()
	}

	for _, ch := range cs.changeSet {
		switch ch.op {
		case OpAdd:
			var elem *list.Element
			if isReorg {
				if reorgBegin == nil {
					elem = j.byPosition.PushBack(ch.entry)
				} else {
					elem = j.byPosition.InsertBefore(ch.entry, reorgBegin)
				}
			} else {
				elem = j.byPosition.PushBack(ch.entry)
			}
			j.byKey[ch.entry.Key] = elem
		case OpRemove:
			elem, ok := j.byKey[ch.entry.Key]
			if !ok {
				if cs.log != nil {
					cs.log.Warnf("journal: failed to find and remove txn %s", ch.entry.Key)
				}
				continue
			}
			if isReorg && elem == reorgBegin {
				reorgBegin = elem.Next()
			}
			j.byPosition.Remove(elem)
			delete(j.byKey, ch.entry.Key)
		}
	}

	if !cs.tailAppendOnly {
		j.lastInvalidatingTime = time.Now()
	}
}

// Begin returns a JournalIndex positioned at the oldest entry.
func (j *Journal) Begin() *JournalIndex {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return newJournalIndex(j, j.byPosition.Front())
}

// JournalIndex is a snapshot-time cursor over a Journal's ordered sequence.
// It becomes invalid (Valid() returns false) the moment any non tail-
// append-only change is applied to the underlying journal after the index
// was created; Reset() can then re-synchronise a still-valid index whose
// current position has reached the old end but new entries have since
// arrived.
type JournalIndex struct {
	journal   *Journal
	validTime time.Time
	curr      *list.Element
	prev      *list.Element
}

func newJournalIndex(j *Journal, begin *list.Element) *JournalIndex {
	idx := &JournalIndex{journal: j, validTime: time.Now(), curr: begin}
	switch {
	case begin == j.byPosition.Front():
		idx.prev = nil
	case begin == nil:
		idx.prev = j.byPosition.Back()
	default:
		idx.prev = begin.Prev()
	}
	return idx
}

// Valid reports whether this index was created after the journal's last
// invalidating change.
func (idx *JournalIndex) Valid() bool {
	return idx.journal != nil && idx.validTime.After(idx.journal.LastInvalidatingTime())
}

// Next advances the index by one position.
func (idx *JournalIndex) Next() {
	idx.prev = idx.curr
	if idx.curr != nil {
		idx.curr = idx.curr.Next()
	}
}

// Reset re-synchronises a still-valid index that previously reached the end
// of the journal but has since had new entries appended.
func (idx *JournalIndex) Reset() {
	if !idx.Valid() {
		panic(fmt.Errorf("%w: journal index: cannot reset an invalidated index", utils.ErrInvariant))
	}
	idx.journal.mu.RLock()
	defer idx.journal.mu.RUnlock()

	if idx.curr != nil {
		return
	}
	if idx.prev != nil {
		if next := idx.prev.Next(); next != nil {
			idx.curr = next
		}
	} else if idx.journal.byPosition.Len() > 0 {
		idx.curr = idx.journal.byPosition.Front()
	}
}

// Entry returns the entry at the index's current position, if any.
func (idx *JournalIndex) Entry() (JournalEntry, bool) {
	if idx.curr == nil {
		return JournalEntry{}, false
	}
	return idx.curr.Value.(JournalEntry), true
}

// JournalChangeSet batches a set of add/remove operations destined for one
// Journal under one JournalUpdateReason. The change set must be applied
// even when its creator returns early through an error path, so callers
// MUST `defer cs.Close()` immediately after construction.
type JournalChangeSet struct {
	mu             sync.Mutex
	journal        *Journal
	updateReason   JournalUpdateReason
	tailAppendOnly bool
	changeSet      []journalChange
	log            *logrus.Entry
}

// NewJournalChangeSet starts a new change set targeting journal.
// Callers must `defer cs.Close()` to guarantee eventual application.
func NewJournalChangeSet(journal *Journal, reason JournalUpdateReason, log *logrus.Entry) *JournalChangeSet {
	return &JournalChangeSet{
		journal:        journal,
		updateReason:   reason,
		tailAppendOnly: reason != ReasonReorg,
		log:            log,
	}
}

// AddOperation appends op on entry to the change set, immediately applying
// it if the update reason is "basic" (see isUpdateReasonBasic).
func (cs *JournalChangeSet) AddOperation(op Operation, entry JournalEntry) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.changeSet = append(cs.changeSet, journalChange{op: op, entry: entry})
	if op != OpAdd {
		cs.tailAppendOnly = false
	}
	if cs.isUpdateReasonBasicLocked() {
		cs.applyNL()
	}
}

// isUpdateReasonBasic reports whether this change set's reason allows
// immediate per-operation application: everything except NEW_BLOCK, REORG,
// and RESET, which must be batched and applied as a whole.
func (cs *JournalChangeSet) isUpdateReasonBasic() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.isUpdateReasonBasicLocked()
}

func (cs *JournalChangeSet) isUpdateReasonBasicLocked() bool {
	switch cs.updateReason {
	case ReasonNewBlock, ReasonReorg, ReasonReset:
		return false
	default:
		return true
	}
}

// Apply applies any pending operations to the journal now.
func (cs *JournalChangeSet) Apply() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.applyNL()
}

// Close applies any pending operations. Deferring it at construction
// guarantees eventual application regardless of which return path the
// caller takes; a second invocation is a no-op since Apply clears the
// operation vector.
func (cs *JournalChangeSet) Close() {
	cs.Apply()
}

// Clear discards pending operations without applying them.
func (cs *JournalChangeSet) Clear() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.changeSet = nil
}

// applyNL applies the change set. Caller holds cs.mu.
func (cs *JournalChangeSet) applyNL() {
	if len(cs.changeSet) == 0 {
		return
	}

	if cs.updateReason == ReasonReorg || cs.updateReason == ReasonReset {
		sort.SliceStable(cs.changeSet, func(i, k int) bool {
			return cs.changeSet[i].entry.NumAncestors < cs.changeSet[k].entry.NumAncestors
		})
	}

	cs.journal.ApplyChanges(cs)
	cs.changeSet = nil
}

// GetUpdateReason returns the reason this change set was created for.
func (cs *JournalChangeSet) GetUpdateReason() JournalUpdateReason {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.updateReason
}

// GetTailAppendOnly reports whether every operation applied so far has been
// a plain tail append (no removals, no REORG front-inserts).
func (cs *JournalChangeSet) GetTailAppendOnly() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.tailAppendOnly
}

// TxnOrder is checkTxnOrdering's verdict on two journal entries.
type TxnOrder int

const (
	TxnOrderUnknown TxnOrder = iota
	TxnOrderBefore
	TxnOrderAfter
	TxnOrderNotFound
	TxnOrderDuplicate
)

func (o TxnOrder) String() string {
	switch o {
	case TxnOrderBefore:
		return "BEFORE"
	case TxnOrderAfter:
		return "AFTER"
	case TxnOrderNotFound:
		return "NOTFOUND"
	case TxnOrderDuplicate:
		return "DUPLICATETX"
	default:
		return "UNKNOWN"
	}
}

// JournalTester is an immutable, fast-iterating snapshot of a Journal taken
// for test assertions: it trades the Journal's update-friendly shape for a
// slice-plus-index that answers existence and ordering queries in O(1)/O(log n).
type JournalTester struct {
	entries []JournalEntry
	index   map[string]int
}

// NewJournalTester snapshots journal under a read lock.
func NewJournalTester(journal *Journal) *JournalTester {
	journal.mu.RLock()
	defer journal.mu.RUnlock()

	t := &JournalTester{
		entries: make([]JournalEntry, 0, journal.byPosition.Len()),
		index:   make(map[string]int, journal.byPosition.Len()),
	}
	for e := journal.byPosition.Front(); e != nil; e = e.Next() {
		entry := e.Value.(JournalEntry)
		t.index[entry.Key] = len(t.entries)
		t.entries = append(t.entries, entry)
	}
	return t
}

// JournalSize returns the number of entries in the snapshot.
func (t *JournalTester) JournalSize() int { return len(t.entries) }

// CheckTxnExists reports whether entry's key is present in the snapshot.
func (t *JournalTester) CheckTxnExists(entry JournalEntry) bool {
	_, ok := t.index[entry.Key]
	return ok
}

// CheckTxnOrdering reports the relative position of txn1 and txn2 within
// the snapshot.
func (t *JournalTester) CheckTxnOrdering(txn1, txn2 JournalEntry) TxnOrder {
	i1, ok1 := t.index[txn1.Key]
	i2, ok2 := t.index[txn2.Key]
	if !ok1 || !ok2 {
		return TxnOrderNotFound
	}
	if i1 == i2 {
		return TxnOrderDuplicate
	}
	if i1 < i2 {
		return TxnOrderBefore
	}
	return TxnOrderAfter
}

// DumpContents renders every entry's key, one per line, in journal order.
func (t *JournalTester) DumpContents() string {
	var b strings.Builder
	for _, e := range t.entries {
		fmt.Fprintln(&b, e.Key)
	}
	return b.String()
}
