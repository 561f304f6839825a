package container

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/boltdb/bolt"

	"github.com/chunkswarm/swarmstore/clock"
	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/revision"
	"github.com/chunkswarm/swarmstore/xerrors"
)

var revisionBucketKey = []byte("revisions")

// entry is the in-memory reference kept for one history slot: enough to
// order and look the revision up, without holding its payload in heap
// memory. Matches spec.md §4.C's "keeps only references in memory."
type entry struct {
	updateTime clock.Time
	key        []byte
}

type refHistory []entry

func (h refHistory) indexForTime(t clock.Time) int {
	for i, e := range h {
		if e.updateTime <= t {
			return i
		}
	}
	return len(h)
}

// Overflow is the disk-backed Container backend: revision payloads live in
// fixed boltdb records, addressed by a per-item, per-version key; only the
// (time, key) index is held in memory. Grounded on the teacher's
// storage/storage.go bucket-per-database, bolt.Tx-per-operation pattern.
type Overflow struct {
	mu      sync.RWMutex
	db      *bolt.DB
	byID    map[id.ItemID]refHistory
	byChunk map[id.ChunkID]map[id.ItemID]struct{}
	chunkOf map[id.ItemID]id.ChunkID
}

// NewOverflow opens (creating if absent) a boltdb file at path as the
// backing store for one chunk's overflow history.
func NewOverflow(path string) (*Overflow, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("container: open overflow db %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(revisionBucketKey)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	o := &Overflow{
		db:      db,
		byID:    map[id.ItemID]refHistory{},
		byChunk: map[id.ChunkID]map[id.ItemID]struct{}{},
		chunkOf: map[id.ItemID]id.ChunkID{},
	}
	if err := o.reloadIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return o, nil
}

// reloadIndex rebuilds the in-memory (time, key) index from whatever is
// already on disk, so a peer restart recovers a container it previously
// spilled to disk.
func (o *Overflow) reloadIndex() error {
	return o.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(revisionBucketKey)
		return bucket.ForEach(func(k, v []byte) error {
			rev := &revision.Revision{}
			if err := rev.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("container: reload key %x: %w", k, err)
			}
			o.indexOnly(rev, append([]byte(nil), k...))
			return nil
		})
	})
}

func recordKey(itemID id.ItemID, updateTime clock.Time) []byte {
	key := make([]byte, 16+8)
	copy(key, id.Id(itemID).Bytes())
	binary.BigEndian.PutUint64(key[16:], uint64(updateTime))
	return key
}

func (o *Overflow) indexOnly(rev *revision.Revision, key []byte) {
	e := entry{updateTime: rev.UpdateTime(), key: key}
	h := o.byID[rev.ID()]
	pos := sort.Search(len(h), func(i int) bool { return h[i].updateTime <= e.updateTime })
	h = append(h, entry{})
	copy(h[pos+1:], h[pos:])
	h[pos] = e
	o.byID[rev.ID()] = h
	o.chunkOf[rev.ID()] = rev.ChunkID()
	set, ok := o.byChunk[rev.ChunkID()]
	if !ok {
		set = map[id.ItemID]struct{}{}
		o.byChunk[rev.ChunkID()] = set
	}
	set[rev.ID()] = struct{}{}
}

func (o *Overflow) writeAndIndex(rev *revision.Revision, allowExisting bool, requireNewer bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := o.byID[rev.ID()]
	if !allowExisting && len(h) > 0 {
		return fmt.Errorf("container: insert on existing id %v: %w", rev.ID(), xerrors.ErrIntegrityViolation)
	}
	if requireNewer {
		if len(h) == 0 {
			return fmt.Errorf("container: update on unknown id %v: %w", rev.ID(), xerrors.ErrInvalidState)
		}
		if rev.UpdateTime() <= h[0].updateTime {
			return fmt.Errorf("container: update_time %v not after current %v for id %v: %w", rev.UpdateTime(), h[0].updateTime, rev.ID(), xerrors.ErrIntegrityViolation)
		}
	}
	for _, e := range h {
		if e.updateTime == rev.UpdateTime() {
			return fmt.Errorf("container: duplicate update_time %v for id %v: %w", rev.UpdateTime(), rev.ID(), xerrors.ErrIntegrityViolation)
		}
	}
	key := recordKey(rev.ID(), rev.UpdateTime())
	payload, err := rev.MarshalBinary()
	if err != nil {
		return err
	}
	if err := o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(revisionBucketKey).Put(key, payload)
	}); err != nil {
		return fmt.Errorf("container: put %x: %w", key, err)
	}
	o.indexOnly(rev, key)
	return nil
}

var _ Container = (*Overflow)(nil)

func (o *Overflow) Insert(rev *revision.Revision) error {
	return o.writeAndIndex(rev, false, false)
}

func (o *Overflow) BulkInsert(revs map[id.ItemID]*revision.Revision) error {
	for _, rev := range revs {
		if err := o.writeAndIndex(rev, false, false); err != nil {
			return err
		}
	}
	return nil
}

func (o *Overflow) Patch(rev *revision.Revision) error {
	return o.writeAndIndex(rev, true, false)
}

func (o *Overflow) Update(rev *revision.Revision) error {
	return o.writeAndIndex(rev, true, true)
}

func (o *Overflow) Remove(rev *revision.Revision) error {
	return o.Update(rev)
}

func (o *Overflow) load(key []byte) (*revision.Revision, error) {
	var payload []byte
	if err := o.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(revisionBucketKey).Get(key)
		if v == nil {
			return fmt.Errorf("container: missing record %x: %w", key, xerrors.ErrNotFound)
		}
		payload = append([]byte(nil), v...)
		return nil
	}); err != nil {
		return nil, err
	}
	rev := &revision.Revision{}
	if err := rev.UnmarshalBinary(payload); err != nil {
		return nil, err
	}
	return rev, nil
}

func (o *Overflow) GetByID(itemID id.ItemID, t clock.Time) (*revision.Revision, error) {
	o.mu.RLock()
	h, ok := o.byID[itemID]
	o.mu.RUnlock()
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	i := h.indexForTime(t)
	if i == len(h) {
		return nil, xerrors.ErrNotFound
	}
	return o.load(h[i].key)
}

func (o *Overflow) FindByField(fieldIndex int, want revision.Value, t clock.Time) ([]*revision.Revision, error) {
	o.mu.RLock()
	ids := make([]id.ItemID, 0, len(o.byID))
	for itemID := range o.byID {
		ids = append(ids, itemID)
	}
	o.mu.RUnlock()
	var out []*revision.Revision
	for _, itemID := range ids {
		rev, err := o.GetByID(itemID, t)
		if err == xerrors.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rev.Removed() {
			continue
		}
		got, err := rev.RawValue(fieldIndex)
		if err != nil {
			return nil, err
		}
		if fieldEqual(got, want) {
			out = append(out, rev)
		}
	}
	return out, nil
}

func (o *Overflow) CountByField(fieldIndex int, want revision.Value, t clock.Time) (int, error) {
	matches, err := o.FindByField(fieldIndex, want, t)
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

func (o *Overflow) AvailableIDs(t clock.Time) ([]id.ItemID, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []id.ItemID
	for itemID, h := range o.byID {
		i := h.indexForTime(t)
		if i == len(h) {
			continue
		}
		rev, err := o.load(h[i].key)
		if err != nil {
			return nil, err
		}
		if !rev.Removed() {
			out = append(out, itemID)
		}
	}
	return out, nil
}

func (o *Overflow) History(itemID id.ItemID, t clock.Time) ([]*revision.Revision, error) {
	o.mu.RLock()
	h, ok := o.byID[itemID]
	o.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	i := h.indexForTime(t)
	var out []*revision.Revision
	for _, e := range h[i:] {
		rev, err := o.load(e.key)
		if err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, nil
}

func (o *Overflow) ChunkHistory(chunkID id.ChunkID, t clock.Time) ([]*revision.Revision, error) {
	o.mu.RLock()
	set, ok := o.byChunk[chunkID]
	ids := make([]id.ItemID, 0, len(set))
	for itemID := range set {
		ids = append(ids, itemID)
	}
	o.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var out []*revision.Revision
	for _, itemID := range ids {
		h, err := o.History(itemID, t)
		if err != nil {
			return nil, err
		}
		out = append(out, h...)
	}
	return out, nil
}

func (o *Overflow) Clear() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(revisionBucketKey); err != nil {
			return err
		}
		_, err := tx.CreateBucket(revisionBucketKey)
		return err
	}); err != nil {
		return err
	}
	o.byID = map[id.ItemID]refHistory{}
	o.byChunk = map[id.ChunkID]map[id.ItemID]struct{}{}
	o.chunkOf = map[id.ItemID]id.ChunkID{}
	return nil
}

func (o *Overflow) Close() error {
	return o.db.Close()
}
