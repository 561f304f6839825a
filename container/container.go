// Package container implements the per-chunk versioned revision store of
// SPEC_FULL.md §4.C: a mapping id -> time-sorted revision history,
// supporting time-qualified reads, scans, counts and history dumps.
//
// Two backends implement Container, matching the sum type named in
// SPEC_FULL.md §9: memory (a pure in-process map) and overflow (boltdb-
// backed, grounded on the teacher's storage/storage.go bucket/transaction
// usage).
package container

import (
	"github.com/chunkswarm/swarmstore/clock"
	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/revision"
)

// Container is the chunk data container contract. All reads are
// time-qualified: a read at time t returns the newest entry whose
// UpdateTime() <= t (spec.md §4.C).
type Container interface {
	// Insert adds the first revision for a brand-new item. Fails with
	// ErrIntegrityViolation if the item already has history.
	Insert(rev *revision.Revision) error

	// BulkInsert inserts many brand-new items at once (used by chunk
	// INIT-REQUEST / consensus snapshot install).
	BulkInsert(revs map[id.ItemID]*revision.Revision) error

	// Patch inserts a revision at the position its UpdateTime demands,
	// not necessarily at the head of the history — remote replications
	// may be delivered out of order (spec.md §4.C).
	Patch(rev *revision.Revision) error

	// Update writes a new version of an existing item. rev.UpdateTime()
	// must be strictly greater than the item's current newest version.
	Update(rev *revision.Revision) error

	// Remove writes a new, removed version of an existing item.
	Remove(rev *revision.Revision) error

	// GetByID returns the newest revision of id visible at time t, or
	// ErrNotFound.
	GetByID(itemID id.ItemID, t clock.Time) (*revision.Revision, error)

	// FindByField scans every id's history at time t and returns the
	// revisions whose field at fieldIndex equals want.
	FindByField(fieldIndex int, want revision.Value, t clock.Time) ([]*revision.Revision, error)

	// CountByField is FindByField without materializing the matches.
	CountByField(fieldIndex int, want revision.Value, t clock.Time) (int, error)

	// AvailableIDs returns every item id with a visible (non-removed)
	// revision at time t.
	AvailableIDs(t clock.Time) ([]id.ItemID, error)

	// History returns every revision of itemID with UpdateTime <= t, newest
	// first.
	History(itemID id.ItemID, t clock.Time) ([]*revision.Revision, error)

	// ChunkHistory returns every revision across all items belonging to
	// chunkID with UpdateTime <= t.
	ChunkHistory(chunkID id.ChunkID, t clock.Time) ([]*revision.Revision, error)

	// Clear drops all history. Used by chunk kill / test teardown.
	Clear() error

	// Close releases any backing resources (e.g. the overflow backend's
	// boltdb handle). Backends with nothing to release make this a no-op.
	Close() error
}

// fieldEqual compares two field values of the same declared type. Only the
// member that Type selects is meaningful, but comparing every member is
// cheap and correct since the unused members stay at their zero value.
func fieldEqual(a, b revision.Value) bool {
	if a.Type != b.Type {
		return false
	}
	return a.Bool == b.Bool &&
		a.I32 == b.I32 &&
		a.I64 == b.I64 &&
		a.U64 == b.U64 &&
		a.F64 == b.F64 &&
		a.Str == b.Str &&
		string(a.Blob) == string(b.Blob) &&
		a.Hash == b.Hash &&
		a.Clock == b.Clock
}
