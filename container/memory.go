package container

import (
	"fmt"
	"sort"
	"sync"

	"github.com/chunkswarm/swarmstore/clock"
	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/revision"
	"github.com/chunkswarm/swarmstore/xerrors"
)

// history is kept sorted descending by UpdateTime, matching spec.md
// §4.C's "list is sorted by update_time descending."
type history []*revision.Revision

// indexForTime returns the index of the first entry whose UpdateTime <= t,
// or len(h) if none qualifies — the core of every time-qualified read.
func (h history) indexForTime(t clock.Time) int {
	for i, rev := range h {
		if rev.UpdateTime() <= t {
			return i
		}
	}
	return len(h)
}

// insertSorted inserts rev keeping h sorted descending by UpdateTime. Used
// by Patch, since remote replications may arrive out of order (spec.md
// §4.C) — not always appended at the head.
func insertSorted(h history, rev *revision.Revision) (history, error) {
	pos := sort.Search(len(h), func(i int) bool {
		return h[i].UpdateTime() <= rev.UpdateTime()
	})
	if pos < len(h) && h[pos].UpdateTime() == rev.UpdateTime() {
		return nil, fmt.Errorf("container: duplicate update_time %v for id %v: %w", rev.UpdateTime(), rev.ID(), xerrors.ErrIntegrityViolation)
	}
	out := make(history, len(h)+1)
	copy(out, h[:pos])
	out[pos] = rev
	copy(out[pos+1:], h[pos:])
	return out, nil
}

// Memory is the in-process Container backend: a plain map from item id to
// its history, held entirely in heap memory.
type Memory struct {
	mu      sync.RWMutex
	byID    map[id.ItemID]history
	byChunk map[id.ChunkID]map[id.ItemID]struct{}
}

// NewMemory returns an empty in-memory Container.
func NewMemory() *Memory {
	return &Memory{
		byID:    map[id.ItemID]history{},
		byChunk: map[id.ChunkID]map[id.ItemID]struct{}{},
	}
}

var _ Container = (*Memory)(nil)

func (m *Memory) trackChunk(chunkID id.ChunkID, itemID id.ItemID) {
	set, ok := m.byChunk[chunkID]
	if !ok {
		set = map[id.ItemID]struct{}{}
		m.byChunk[chunkID] = set
	}
	set[itemID] = struct{}{}
}

func (m *Memory) Insert(rev *revision.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[rev.ID()]; exists {
		return fmt.Errorf("container: insert on existing id %v: %w", rev.ID(), xerrors.ErrIntegrityViolation)
	}
	m.byID[rev.ID()] = history{rev}
	m.trackChunk(rev.ChunkID(), rev.ID())
	return nil
}

func (m *Memory) BulkInsert(revs map[id.ItemID]*revision.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for itemID := range revs {
		if _, exists := m.byID[itemID]; exists {
			return fmt.Errorf("container: bulk insert on existing id %v: %w", itemID, xerrors.ErrIntegrityViolation)
		}
	}
	for itemID, rev := range revs {
		m.byID[itemID] = history{rev}
		m.trackChunk(rev.ChunkID(), itemID)
	}
	return nil
}

func (m *Memory) Patch(rev *revision.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := insertSorted(m.byID[rev.ID()], rev)
	if err != nil {
		return err
	}
	m.byID[rev.ID()] = h
	m.trackChunk(rev.ChunkID(), rev.ID())
	return nil
}

func (m *Memory) Update(rev *revision.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byID[rev.ID()]
	if !ok || len(h) == 0 {
		return fmt.Errorf("container: update on unknown id %v: %w", rev.ID(), xerrors.ErrInvalidState)
	}
	if rev.UpdateTime() <= h[0].UpdateTime() {
		return fmt.Errorf("container: update_time %v not after current %v for id %v: %w", rev.UpdateTime(), h[0].UpdateTime(), rev.ID(), xerrors.ErrIntegrityViolation)
	}
	m.byID[rev.ID()] = append(history{rev}, h...)
	return nil
}

func (m *Memory) Remove(rev *revision.Revision) error {
	return m.Update(rev)
}

func (m *Memory) GetByID(itemID id.ItemID, t clock.Time) (*revision.Revision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.byID[itemID]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	i := h.indexForTime(t)
	if i == len(h) {
		return nil, xerrors.ErrNotFound
	}
	return h[i], nil
}

func (m *Memory) FindByField(fieldIndex int, want revision.Value, t clock.Time) ([]*revision.Revision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*revision.Revision
	for _, h := range m.byID {
		i := h.indexForTime(t)
		if i == len(h) || h[i].Removed() {
			continue
		}
		got, err := h[i].RawValue(fieldIndex)
		if err != nil {
			return nil, err
		}
		if fieldEqual(got, want) {
			out = append(out, h[i])
		}
	}
	return out, nil
}

func (m *Memory) CountByField(fieldIndex int, want revision.Value, t clock.Time) (int, error) {
	matches, err := m.FindByField(fieldIndex, want, t)
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

func (m *Memory) AvailableIDs(t clock.Time) ([]id.ItemID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []id.ItemID
	for itemID, h := range m.byID {
		i := h.indexForTime(t)
		if i != len(h) && !h[i].Removed() {
			out = append(out, itemID)
		}
	}
	return out, nil
}

func (m *Memory) History(itemID id.ItemID, t clock.Time) ([]*revision.Revision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.byID[itemID]
	if !ok {
		return nil, nil
	}
	i := h.indexForTime(t)
	return append([]*revision.Revision(nil), h[i:]...), nil
}

func (m *Memory) ChunkHistory(chunkID id.ChunkID, t clock.Time) ([]*revision.Revision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.byChunk[chunkID]
	if !ok {
		return nil, nil
	}
	var out []*revision.Revision
	for itemID := range set {
		h := m.byID[itemID]
		i := h.indexForTime(t)
		out = append(out, h[i:]...)
	}
	return out, nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID = map[id.ItemID]history{}
	m.byChunk = map[id.ChunkID]map[id.ItemID]struct{}{}
	return nil
}

func (m *Memory) Close() error { return nil }
