// Package txn implements the chunk and multi-chunk transaction engine of
// SPEC_FULL.md §4.G/§4.H: layered read views over a chunk's committed
// history plus a transaction's own pending delta, optimistic
// conflict-detection with auto-merge, and a deterministic multi-table,
// multi-chunk commit protocol.
//
// ChunkTransaction generalizes the teacher's transactor/transactor.go and
// peer/transactor/transactor.go read/prewrite-and-validate shape — a
// per-key read-set/write-set bookkeeping pair (urByKey/uwByKey) — into
// this spec's delta-plus-conflict-condition-plus-auto-merge model. The
// multi-chunk coordination in transaction.go generalizes
// client/transaction.go's TX, which buffers writes per owning node in a
// treap and fans out a prewrite-and-validate RPC per distinct owner.
package txn

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/chunkswarm/swarmstore/chunk"
	"github.com/chunkswarm/swarmstore/clock"
	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/nettable"
	"github.com/chunkswarm/swarmstore/revision"
	"github.com/chunkswarm/swarmstore/schema"
	"github.com/chunkswarm/swarmstore/treap"
	"github.com/chunkswarm/swarmstore/xerrors"
)

// DeltaKind tags what kind of pending write a delta entry represents.
type DeltaKind int

const (
	DeltaInsert DeltaKind = iota
	DeltaUpdate
	DeltaRemove
)

// ConflictCondition is a "key == value" predicate that must match zero
// visible rows at commit time (spec.md §4.G).
type ConflictCondition struct {
	FieldIndex int
	Want       revision.Value
}

// deltaEntry is the treap-stored payload for one pending write. Rev
// carries a provisional timestamp (this transaction's begin_time);
// Commit restamps it to the sampled commit_time.
type deltaEntry struct {
	Kind DeltaKind
	Rev  *revision.Revision
}

func encodeDeltaEntry(e deltaEntry) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeDeltaEntry(b []byte) (deltaEntry, error) {
	var e deltaEntry
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&e); err != nil {
		return deltaEntry{}, err
	}
	return e, nil
}

func itemKey(itemID id.ItemID) []byte {
	return id.Id(itemID).Bytes()
}

// latestPerItem reduces a chunk.Dump/container.ChunkHistory result — which
// carries an item's full history up to the queried time, not just its
// newest version — down to one entry per item: the one with the greatest
// UpdateTime.
func latestPerItem(revs []*revision.Revision) map[id.ItemID]*revision.Revision {
	out := make(map[id.ItemID]*revision.Revision, len(revs))
	for _, r := range revs {
		if cur, ok := out[r.ID()]; !ok || r.UpdateTime() > cur.UpdateTime() {
			out[r.ID()] = r
		}
	}
	return out
}

// ChunkTransaction is one chunk's slice of a larger Transaction: a
// begin_time snapshot, a pending delta buffered in a treap (ordered scans
// give Commit a deterministic per-chunk application order, spec.md §5),
// and optional conflict conditions.
type ChunkTransaction struct {
	table     *nettable.NetTable
	chunkID   id.ChunkID
	chunk     chunk.Chunk
	template  schema.Template
	beginTime clock.Time

	mu         sync.Mutex
	delta      *treap.Treap
	committed  map[id.ItemID]*revision.Revision
	known      map[id.ItemID]clock.Time
	conditions []ConflictCondition

	original    map[id.ItemID]*revision.Revision
	originalSet bool
}

// NewChunkTransaction opens a transaction against c, sampling begin_time
// from clk.
func NewChunkTransaction(table *nettable.NetTable, c chunk.Chunk, template schema.Template, clk *clock.Clock) *ChunkTransaction {
	return &ChunkTransaction{
		table:     table,
		chunkID:   c.ID(),
		chunk:     c,
		template:  template,
		beginTime: clk.Sample(),
		delta:     &treap.Treap{},
		committed: map[id.ItemID]*revision.Revision{},
		known:     map[id.ItemID]clock.Time{},
	}
}

func (ct *ChunkTransaction) ChunkID() id.ChunkID   { return ct.chunkID }
func (ct *ChunkTransaction) BeginTime() clock.Time { return ct.beginTime }

// AddConflictCondition registers a predicate that must match no visible
// row at commit time, or the transaction is declared conflicted
// (spec.md §4.G).
func (ct *ChunkTransaction) AddConflictCondition(fieldIndex int, want revision.Value) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.conditions = append(ct.conditions, ConflictCondition{FieldIndex: fieldIndex, Want: want})
}

func (ct *ChunkTransaction) stage(itemID id.ItemID, kind DeltaKind, rev *revision.Revision) error {
	raw, err := encodeDeltaEntry(deltaEntry{Kind: kind, Rev: rev})
	if err != nil {
		return err
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.delta.Put(itemKey(itemID), raw)
	return nil
}

// Insert stages a brand-new item. fields must structurally match the
// table template.
func (ct *ChunkTransaction) Insert(itemID id.ItemID, fields []revision.Value) error {
	rev := revision.New(itemID, ct.chunkID, ct.beginTime, fields)
	if !rev.StructureMatch(ct.template) {
		return fmt.Errorf("txn: insert %v: %w", itemID, xerrors.ErrStructureMismatch)
	}
	return ct.stage(itemID, DeltaInsert, rev)
}

// Update stages a new version of base, built by applying mutate to a
// writable copy of its fields (spec.md §4.B's copy-for-write pattern).
func (ct *ChunkTransaction) Update(base *revision.Revision, mutate func(*revision.Draft) error) error {
	draft := base.CopyForWrite()
	if err := mutate(draft); err != nil {
		return err
	}
	rev, err := draft.SubmitUpdate(ct.beginTime)
	if err != nil {
		return err
	}
	if !rev.StructureMatch(ct.template) {
		return fmt.Errorf("txn: update %v: %w", rev.ID(), xerrors.ErrStructureMismatch)
	}
	return ct.stage(rev.ID(), DeltaUpdate, rev)
}

// Remove stages base as removed.
func (ct *ChunkTransaction) Remove(base *revision.Revision) error {
	rev, err := base.CopyForWrite().SubmitRemove(ct.beginTime)
	if err != nil {
		return err
	}
	return ct.stage(rev.ID(), DeltaRemove, rev)
}

// TrackChunk folds trackedChunk into the chunk_tracking field of every
// revision already staged in this sub-transaction's delta — the
// multi-chunk commit protocol's chunk-tracker propagation step
// (spec.md §4.F/§4.H: a new chunk created in a tracked table is folded
// into every in-flight write of the tables that track it).
func (ct *ChunkTransaction) TrackChunk(trackedTable string, trackedChunk id.ChunkID) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	var keys [][]byte
	var entries []deltaEntry
	ct.delta.Up(nil, nil, func(key, value []byte) {
		e, err := decodeDeltaEntry(value)
		if err != nil {
			return
		}
		keys = append(keys, append([]byte(nil), key...))
		entries = append(entries, e)
	})

	for i, e := range entries {
		draft := e.Rev.CopyForWrite()
		draft.TrackChunk(trackedTable, trackedChunk)

		var retagged *revision.Revision
		var err error
		switch e.Kind {
		case DeltaInsert:
			retagged = draft.SubmitInsert(e.Rev.ID(), ct.chunkID, e.Rev.UpdateTime())
		case DeltaRemove:
			retagged, err = draft.SubmitRemove(e.Rev.UpdateTime())
		default:
			retagged, err = draft.SubmitUpdate(e.Rev.UpdateTime())
		}
		if err != nil {
			return err
		}
		raw, err := encodeDeltaEntry(deltaEntry{Kind: e.Kind, Rev: retagged})
		if err != nil {
			return err
		}
		ct.delta.Put(keys[i], raw)
	}
	return nil
}

func (ct *ChunkTransaction) loadOriginal() error {
	ct.mu.Lock()
	if ct.originalSet {
		ct.mu.Unlock()
		return nil
	}
	ct.mu.Unlock()

	revs, err := ct.chunk.Dump(ct.beginTime)
	if err != nil {
		return err
	}
	original := latestPerItem(revs)

	ct.mu.Lock()
	defer ct.mu.Unlock()
	if !ct.originalSet {
		ct.original = original
		ct.originalSet = true
	}
	return nil
}

// latestTime is a logical time no real Sample() will ever reach, used to
// read a chunk's current committed state in full.
const latestTime = clock.Time(^uint64(0))

// Get returns the combined layered view for itemID: delta on top of
// commit-history on top of the original view at begin_time (spec.md
// §4.G). The bool is false if the item doesn't exist or is removed in
// this view.
func (ct *ChunkTransaction) Get(itemID id.ItemID) (*revision.Revision, bool, error) {
	ct.mu.Lock()
	if raw, ok := ct.delta.Get(itemKey(itemID)); ok {
		ct.mu.Unlock()
		entry, err := decodeDeltaEntry(raw)
		if err != nil {
			return nil, false, err
		}
		if entry.Kind == DeltaRemove {
			return nil, false, nil
		}
		return entry.Rev, true, nil
	}
	if rev, ok := ct.committed[itemID]; ok {
		ct.mu.Unlock()
		if rev.Removed() {
			return nil, false, nil
		}
		return rev, true, nil
	}
	ct.mu.Unlock()

	if err := ct.loadOriginal(); err != nil {
		return nil, false, err
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	rev, ok := ct.original[itemID]
	if !ok || rev.Removed() {
		return nil, false, nil
	}
	ct.known[itemID] = rev.UpdateTime()
	return rev, true, nil
}

func valueEqual(a, b revision.Value) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case schema.Bool:
		return a.Bool == b.Bool
	case schema.Int32:
		return a.I32 == b.I32
	case schema.Int64:
		return a.I64 == b.I64
	case schema.UInt64:
		return a.U64 == b.U64
	case schema.Double:
		return a.F64 == b.F64
	case schema.String:
		return a.Str == b.Str
	case schema.Blob:
		return bytes.Equal(a.Blob, b.Blob)
	case schema.Hash128:
		return a.Hash == b.Hash
	case schema.LogicalTime:
		return a.Clock == b.Clock
	default:
		return false
	}
}

// HasNoConflicts implements spec.md §4.G's has_no_conflicts. The caller
// must already hold the chunk's write lock. It collects every item whose
// update_time exceeds begin_time, subtracts those already accounted for
// by this transaction's own reads, tries to auto-merge the rest against
// this transaction's own pending writes via the table's merge policy,
// and checks every conflict condition. It reports whether Commit may
// proceed.
func (ct *ChunkTransaction) HasNoConflicts() (bool, error) {
	revs, err := ct.chunk.Dump(latestTime)
	if err != nil {
		return false, err
	}
	current := latestPerItem(revs)
	if err := ct.loadOriginal(); err != nil {
		return false, err
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()

	policy := ct.table.MergePolicy()
	for _, cur := range current {
		if !cur.UpdateTime().After(ct.beginTime) {
			continue
		}
		if observed, ok := ct.known[cur.ID()]; ok && observed == cur.UpdateTime() {
			continue
		}
		if raw, staged := ct.delta.Get(itemKey(cur.ID())); staged {
			entry, err := decodeDeltaEntry(raw)
			if err != nil {
				return false, err
			}
			if policy != nil && policy(cur, ct.original[cur.ID()], entry.Rev) {
				ct.known[cur.ID()] = cur.UpdateTime()
				continue
			}
		}
		return false, nil
	}

	for _, cond := range ct.conditions {
		for _, cur := range current {
			if cur.Removed() {
				continue
			}
			val, err := cur.RawValue(cond.FieldIndex)
			if err != nil {
				continue
			}
			if valueEqual(val, cond.Want) {
				return false, nil
			}
		}
	}
	return true, nil
}

// Commit applies this sub-transaction's delta to the container, stamping
// every entry with commitTime, in ascending item-id order (spec.md §4.G's
// "apply the delta to the container using the provided commit time").
// Caller must have just confirmed HasNoConflicts while still holding the
// chunk's write lock.
func (ct *ChunkTransaction) Commit(commitTime clock.Time) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	var applyErr error
	ct.delta.Up(nil, nil, func(key, value []byte) {
		if applyErr != nil {
			return
		}
		entry, err := decodeDeltaEntry(value)
		if err != nil {
			applyErr = err
			return
		}

		draft := entry.Rev.CopyForWrite()
		var final *revision.Revision
		switch entry.Kind {
		case DeltaInsert:
			final = draft.SubmitInsert(entry.Rev.ID(), ct.chunkID, commitTime)
			err = ct.chunk.Insert(final)
		case DeltaUpdate:
			if final, err = draft.SubmitUpdate(commitTime); err == nil {
				err = ct.chunk.Update(final)
			}
		case DeltaRemove:
			if final, err = draft.SubmitRemove(commitTime); err == nil {
				err = ct.chunk.Update(final)
			}
		}
		if err != nil {
			applyErr = err
			return
		}
		ct.committed[final.ID()] = final
		ct.known[final.ID()] = commitTime
	})
	if applyErr != nil {
		return applyErr
	}
	ct.delta = &treap.Treap{}
	return nil
}
