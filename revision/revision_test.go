package revision

import (
	"reflect"
	"testing"

	"github.com/chunkswarm/swarmstore/clock"
	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/schema"
)

func testTemplate() schema.Template {
	return schema.Template{
		{Name: "count", Type: schema.Int32},
		{Name: "name", Type: schema.String},
	}
}

func TestGetSetTypeMismatch(t *testing.T) {
	itemID := id.ItemID{1}
	chunkID := id.ChunkID{2}
	rev := New(itemID, chunkID, clock.Time(1), []Value{Int32(42), String("hello")})

	var count int32
	if err := rev.Get(0, &count); err != nil {
		t.Fatalf("Get(0): %v", err)
	}
	if count != 42 {
		t.Errorf("count = %d, want 42", count)
	}

	var wrong int64
	if err := rev.Get(0, &wrong); err == nil {
		t.Errorf("Get(0, *int64) on an int32 field: want TypeMismatch, got nil")
	}
}

func TestStructureMatch(t *testing.T) {
	itemID := id.ItemID{1}
	chunkID := id.ChunkID{2}
	rev := New(itemID, chunkID, clock.Time(1), []Value{Int32(42), String("hello")})
	if !rev.StructureMatch(testTemplate()) {
		t.Errorf("StructureMatch = false, want true")
	}

	bad := New(itemID, chunkID, clock.Time(1), []Value{Int32(42)})
	if bad.StructureMatch(testTemplate()) {
		t.Errorf("StructureMatch on wrong-length fields = true, want false")
	}
}

func TestCopyForWriteLeavesOriginalUntouched(t *testing.T) {
	itemID := id.ItemID{1}
	chunkID := id.ChunkID{2}
	rev := New(itemID, chunkID, clock.Time(1), []Value{Int32(42), String("hello")})

	draft := rev.CopyForWrite()
	if err := draft.SetInt32(0, 84); err != nil {
		t.Fatalf("SetInt32: %v", err)
	}
	updated, err := draft.SubmitUpdate(clock.Time(2))
	if err != nil {
		t.Fatalf("SubmitUpdate: %v", err)
	}

	var origCount int32
	if err := rev.Get(0, &origCount); err != nil {
		t.Fatalf("Get on original: %v", err)
	}
	if origCount != 42 {
		t.Errorf("original mutated: count = %d, want 42", origCount)
	}

	var newCount int32
	if err := updated.Get(0, &newCount); err != nil {
		t.Fatalf("Get on updated: %v", err)
	}
	if newCount != 84 {
		t.Errorf("updated count = %d, want 84", newCount)
	}
	if updated.InsertTime() != rev.InsertTime() {
		t.Errorf("InsertTime changed on update: %v != %v", updated.InsertTime(), rev.InsertTime())
	}
	if updated.UpdateTime() != 2 {
		t.Errorf("UpdateTime = %v, want 2", updated.UpdateTime())
	}
}

func TestRemovedIsSticky(t *testing.T) {
	itemID := id.ItemID{1}
	chunkID := id.ChunkID{2}
	rev := New(itemID, chunkID, clock.Time(1), []Value{Int32(42), String("hello")})
	removed, err := rev.CopyForWrite().SubmitRemove(clock.Time(2))
	if err != nil {
		t.Fatalf("SubmitRemove: %v", err)
	}
	if !removed.Removed() {
		t.Fatalf("removed.Removed() = false, want true")
	}
	updatedAfterRemove, err := removed.CopyForWrite().SubmitUpdate(clock.Time(3))
	if err != nil {
		t.Fatalf("SubmitUpdate: %v", err)
	}
	if !updatedAfterRemove.Removed() {
		t.Errorf("Removed cleared by a later update: want it to stay sticky")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	itemID := id.ItemID{1, 2, 3}
	chunkID := id.ChunkID{4, 5, 6}
	rev := New(itemID, chunkID, clock.Time(7), []Value{Int32(42), String("hello")})
	rev.tracking.Add("poses", id.ChunkID{9})

	b, err := rev.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	got := &Revision{}
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if !reflect.DeepEqual(got, rev) {
		t.Errorf("round trip mismatch:\ngot  %+v\nwant %+v", got, rev)
	}
}

func TestChunkTrackingIdempotent(t *testing.T) {
	ct := ChunkTracking{}
	c := id.ChunkID{1}
	if changed := ct.Add("poses", c); !changed {
		t.Errorf("first Add: changed = false, want true")
	}
	if changed := ct.Add("poses", c); changed {
		t.Errorf("second Add of same chunk: changed = true, want false (idempotent)")
	}
}
