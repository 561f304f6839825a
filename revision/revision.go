// Package revision implements the immutable Revision value and its
// writable Draft (SPEC_FULL.md §3/§4.B), grounded on
// original_source/map-api/include/map-api/revision.h and on the teacher's
// gob-based MarshalBinary/UnmarshalBinary pattern (node/ring.Ring).
package revision

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/chunkswarm/swarmstore/clock"
	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/schema"
	"github.com/chunkswarm/swarmstore/xerrors"
)

// Value holds one typed field. Exactly one of the type-specific members is
// meaningful, selected by Type — a closed sum over the types schema.go
// enumerates.
type Value struct {
	Type  schema.FieldType
	Bool  bool
	I32   int32
	I64   int64
	U64   uint64
	F64   float64
	Str   string
	Blob  []byte
	Hash  [16]byte
	Clock clock.Time
}

func boolValue(v bool) Value            { return Value{Type: schema.Bool, Bool: v} }
func int32Value(v int32) Value          { return Value{Type: schema.Int32, I32: v} }
func int64Value(v int64) Value          { return Value{Type: schema.Int64, I64: v} }
func uint64Value(v uint64) Value        { return Value{Type: schema.UInt64, U64: v} }
func doubleValue(v float64) Value       { return Value{Type: schema.Double, F64: v} }
func stringValue(v string) Value        { return Value{Type: schema.String, Str: v} }
func blobValue(v []byte) Value          { return Value{Type: schema.Blob, Blob: v} }
func hash128Value(v [16]byte) Value     { return Value{Type: schema.Hash128, Hash: v} }
func logicalTimeValue(v clock.Time) Value { return Value{Type: schema.LogicalTime, Clock: v} }

// ChunkTracking maps a tracking table name to the set of chunk ids in that
// table this revision depends on ("trackees" — SPEC_FULL.md §3/§9).
type ChunkTracking map[string]map[id.ChunkID]struct{}

// Clone returns a deep copy, so a draft built from a shared revision never
// mutates the original's map.
func (ct ChunkTracking) Clone() ChunkTracking {
	out := make(ChunkTracking, len(ct))
	for table, chunks := range ct {
		cp := make(map[id.ChunkID]struct{}, len(chunks))
		for c := range chunks {
			cp[c] = struct{}{}
		}
		out[table] = cp
	}
	return out
}

// Add records that this revision depends on chunk c of table. Returns
// whether the set actually changed, so callers can implement the
// idempotence invariant of tracker propagation (SPEC_FULL.md §8).
func (ct ChunkTracking) Add(table string, c id.ChunkID) (changed bool) {
	chunks, ok := ct[table]
	if !ok {
		chunks = map[id.ChunkID]struct{}{}
		ct[table] = chunks
	}
	if _, present := chunks[c]; present {
		return false
	}
	chunks[c] = struct{}{}
	return true
}

// Revision is an immutable, time-stamped version of one item. Once a
// Revision is visible to any reader it must never be mutated in place;
// changes go through CopyForWrite (spec.md §4.B).
type Revision struct {
	id         id.ItemID
	chunkID    id.ChunkID
	insertTime clock.Time
	updateTime clock.Time
	removed    bool
	fields     []Value
	tracking   ChunkTracking
}

// New builds the first visible Revision for a fresh item: insert_time and
// update_time are equal, per spec.md §3's invariant insert_time <=
// update_time (equality holds at the moment of insertion).
func New(itemID id.ItemID, chunkID id.ChunkID, at clock.Time, fields []Value) *Revision {
	return &Revision{
		id:         itemID,
		chunkID:    chunkID,
		insertTime: at,
		updateTime: at,
		fields:     append([]Value(nil), fields...),
		tracking:   ChunkTracking{},
	}
}

func (r *Revision) ID() id.ItemID            { return r.id }
func (r *Revision) ChunkID() id.ChunkID      { return r.chunkID }
func (r *Revision) InsertTime() clock.Time   { return r.insertTime }
func (r *Revision) UpdateTime() clock.Time   { return r.updateTime }
func (r *Revision) Removed() bool            { return r.removed }
func (r *Revision) ChunkTracking() ChunkTracking { return r.tracking }

// FieldCount returns the number of custom fields.
func (r *Revision) FieldCount() int { return len(r.fields) }

// Get copies field i's type-checked value into out. TypeMismatch is
// returned if out's concrete type doesn't match the field's static type
// (spec.md §4.B).
func (r *Revision) Get(i int, out interface{}) error {
	if i < 0 || i >= len(r.fields) {
		return fmt.Errorf("revision: field %d: %w", i, xerrors.ErrNoSuchField)
	}
	v := r.fields[i]
	switch o := out.(type) {
	case *bool:
		if v.Type != schema.Bool {
			return xerrors.ErrTypeMismatch
		}
		*o = v.Bool
	case *int32:
		if v.Type != schema.Int32 {
			return xerrors.ErrTypeMismatch
		}
		*o = v.I32
	case *int64:
		if v.Type != schema.Int64 {
			return xerrors.ErrTypeMismatch
		}
		*o = v.I64
	case *uint64:
		if v.Type != schema.UInt64 {
			return xerrors.ErrTypeMismatch
		}
		*o = v.U64
	case *float64:
		if v.Type != schema.Double {
			return xerrors.ErrTypeMismatch
		}
		*o = v.F64
	case *string:
		if v.Type != schema.String {
			return xerrors.ErrTypeMismatch
		}
		*o = v.Str
	case *[]byte:
		if v.Type != schema.Blob {
			return xerrors.ErrTypeMismatch
		}
		*o = append([]byte(nil), v.Blob...)
	case *[16]byte:
		if v.Type != schema.Hash128 {
			return xerrors.ErrTypeMismatch
		}
		*o = v.Hash
	case *clock.Time:
		if v.Type != schema.LogicalTime {
			return xerrors.ErrTypeMismatch
		}
		*o = v.Clock
	default:
		return fmt.Errorf("revision: unsupported out type %T: %w", out, xerrors.ErrTypeMismatch)
	}
	return nil
}

// RawValue returns field i's Value directly, without the static-type
// check Get performs — used internally by container's field scans, which
// already know they're comparing like-typed fields.
func (r *Revision) RawValue(i int) (Value, error) {
	if i < 0 || i >= len(r.fields) {
		return Value{}, fmt.Errorf("revision: field %d: %w", i, xerrors.ErrNoSuchField)
	}
	return r.fields[i], nil
}

// FieldTypes returns the static type of every field, in order, for use
// with schema.Template.Match.
func (r *Revision) FieldTypes() []schema.FieldType {
	out := make([]schema.FieldType, len(r.fields))
	for i, v := range r.fields {
		out[i] = v.Type
	}
	return out
}

// StructureMatch reports whether r's fields match template's type
// sequence (spec.md §4.B's insert precondition).
func (r *Revision) StructureMatch(template schema.Template) bool {
	return template.Match(r.FieldTypes())
}

// Draft is a writable clone of a Revision. The original remains untouched
// and safe for concurrent readers (spec.md §4.B's copy-for-write policy).
type Draft struct {
	base   *Revision
	fields []Value
	track  ChunkTracking
}

// CopyForWrite yields a Draft seeded from r's current field values.
func (r *Revision) CopyForWrite() *Draft {
	return &Draft{
		base:   r,
		fields: append([]Value(nil), r.fields...),
		track:  r.tracking.Clone(),
	}
}

func (d *Draft) SetBool(i int, v bool) error       { return d.set(i, boolValue(v)) }
func (d *Draft) SetInt32(i int, v int32) error     { return d.set(i, int32Value(v)) }
func (d *Draft) SetInt64(i int, v int64) error     { return d.set(i, int64Value(v)) }
func (d *Draft) SetUint64(i int, v uint64) error   { return d.set(i, uint64Value(v)) }
func (d *Draft) SetDouble(i int, v float64) error  { return d.set(i, doubleValue(v)) }
func (d *Draft) SetString(i int, v string) error   { return d.set(i, stringValue(v)) }
func (d *Draft) SetBlob(i int, v []byte) error      { return d.set(i, blobValue(append([]byte(nil), v...))) }
func (d *Draft) SetHash128(i int, v [16]byte) error { return d.set(i, hash128Value(v)) }
func (d *Draft) SetLogicalTime(i int, v clock.Time) error {
	return d.set(i, logicalTimeValue(v))
}

func (d *Draft) set(i int, v Value) error {
	if i < 0 || i >= len(d.fields) {
		return fmt.Errorf("revision: field %d: %w", i, xerrors.ErrNoSuchField)
	}
	if d.fields[i].Type != v.Type {
		return xerrors.ErrTypeMismatch
	}
	d.fields[i] = v
	return nil
}

// TrackChunk records that the written revision depends on chunk c of
// table — see ChunkTracking.Add.
func (d *Draft) TrackChunk(table string, c id.ChunkID) (changed bool) {
	return d.track.Add(table, c)
}

// submitted builds the immutable Revision that results from committing
// this draft. insertTime is given explicitly by the caller rather than
// inferred from base, since SubmitInsert's base (when CopyForWrite was
// seeded from a prototype revision) has nothing to do with this item's
// own history. removed is carried from base and never cleared by a plain
// update (spec.md §4.B).
func (d *Draft) submitted(itemID id.ItemID, chunkID id.ChunkID, insertTime, commitTime clock.Time, removed bool) *Revision {
	if d.base != nil && d.base.removed {
		removed = true
	}
	return &Revision{
		id:         itemID,
		chunkID:    chunkID,
		insertTime: insertTime,
		updateTime: commitTime,
		removed:    removed,
		fields:     d.fields,
		tracking:   d.track,
	}
}

// SubmitInsert finalizes a draft for a brand new item: insert_time and
// update_time are both at, regardless of whether the draft's fields were
// seeded from a prototype revision via CopyForWrite.
func (d *Draft) SubmitInsert(itemID id.ItemID, chunkID id.ChunkID, at clock.Time) *Revision {
	return d.submitted(itemID, chunkID, at, at, false)
}

// SubmitUpdate finalizes a draft as a new version of its base revision.
func (d *Draft) SubmitUpdate(at clock.Time) (*Revision, error) {
	if d.base == nil {
		return nil, fmt.Errorf("revision: SubmitUpdate on a draft with no base: %w", xerrors.ErrInvalidState)
	}
	return d.submitted(d.base.id, d.base.chunkID, d.base.insertTime, at, false), nil
}

// SubmitRemove finalizes a draft that marks its base revision removed.
// removed is sticky: once true it is never cleared by a later update
// (spec.md §4.C).
func (d *Draft) SubmitRemove(at clock.Time) (*Revision, error) {
	if d.base == nil {
		return nil, fmt.Errorf("revision: SubmitRemove on a draft with no base: %w", xerrors.ErrInvalidState)
	}
	return d.submitted(d.base.id, d.base.chunkID, d.base.insertTime, at, true), nil
}

// gobRevision is the wire shape, matching the teacher's gob-encode-a-plain-
// struct pattern (node/ring.Ring.MarshalBinary) — it is also the payload
// archive.go writes, so chunk_tracking survives replication and reload
// (spec.md §4.B/§6).
type gobRevision struct {
	ID         id.ItemID
	ChunkID    id.ChunkID
	InsertTime clock.Time
	UpdateTime clock.Time
	Removed    bool
	Fields     []Value
	Tracking   ChunkTracking
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *Revision) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(gobRevision{
		ID:         r.id,
		ChunkID:    r.chunkID,
		InsertTime: r.insertTime,
		UpdateTime: r.updateTime,
		Removed:    r.removed,
		Fields:     r.fields,
		Tracking:   r.tracking,
	}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *Revision) UnmarshalBinary(b []byte) error {
	g := gobRevision{}
	if err := gob.NewDecoder(bytes.NewBuffer(b)).Decode(&g); err != nil {
		return err
	}
	r.id = g.ID
	r.chunkID = g.ChunkID
	r.insertTime = g.InsertTime
	r.updateTime = g.UpdateTime
	r.removed = g.Removed
	r.fields = g.Fields
	r.tracking = g.Tracking
	if r.tracking == nil {
		r.tracking = ChunkTracking{}
	}
	return nil
}

// Bool, Int32, Int64, Uint64, Double, String, Blob, Hash128 and
// LogicalTime are convenience constructors for Value, used by tests and by
// callers building a fresh field list for New.
func Bool(v bool) Value              { return boolValue(v) }
func Int32(v int32) Value            { return int32Value(v) }
func Int64(v int64) Value            { return int64Value(v) }
func Uint64(v uint64) Value          { return uint64Value(v) }
func Double(v float64) Value         { return doubleValue(v) }
func String(v string) Value          { return stringValue(v) }
func Blob(v []byte) Value            { return blobValue(v) }
func Hash128(v [16]byte) Value       { return hash128Value(v) }
func LogicalTimeField(v clock.Time) Value { return logicalTimeValue(v) }
