package container

import (
	"testing"

	"github.com/chunkswarm/swarmstore/clock"
	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/revision"
)

func newItem(itemID id.ItemID, chunkID id.ChunkID, at clock.Time, count int32) *revision.Revision {
	return revision.New(itemID, chunkID, at, []revision.Value{revision.Int32(count)})
}

func TestInsertAndReadBack(t *testing.T) {
	c := NewMemory()
	itemID := id.ItemID{1}
	chunkID := id.ChunkID{1}
	rev := newItem(itemID, chunkID, 1, 42)
	if err := c.Insert(rev); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := c.GetByID(itemID, 1)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	var count int32
	if err := got.Get(0, &count); err != nil {
		t.Fatalf("Get(0): %v", err)
	}
	if count != 42 {
		t.Errorf("count = %d, want 42", count)
	}

	ids, err := c.AvailableIDs(1)
	if err != nil {
		t.Fatalf("AvailableIDs: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("AvailableIDs = %v, want 1 entry", ids)
	}
}

func TestTimeTravel(t *testing.T) {
	c := NewMemory()
	itemID := id.ItemID{1}
	chunkID := id.ChunkID{1}
	rev1 := newItem(itemID, chunkID, 1, 42)
	if err := c.Insert(rev1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	draft := rev1.CopyForWrite()
	if err := draft.SetInt32(0, 21); err != nil {
		t.Fatalf("SetInt32: %v", err)
	}
	rev2, err := draft.SubmitUpdate(clock.Time(5))
	if err != nil {
		t.Fatalf("SubmitUpdate: %v", err)
	}
	if err := c.Update(rev2); err != nil {
		t.Fatalf("Update: %v", err)
	}
	tMid := clock.Time(5)

	draft3 := rev2.CopyForWrite()
	if err := draft3.SetInt32(0, 84); err != nil {
		t.Fatalf("SetInt32: %v", err)
	}
	rev3, err := draft3.SubmitUpdate(clock.Time(9))
	if err != nil {
		t.Fatalf("SubmitUpdate: %v", err)
	}
	if err := c.Update(rev3); err != nil {
		t.Fatalf("Update: %v", err)
	}

	atMid, err := c.GetByID(itemID, tMid)
	if err != nil {
		t.Fatalf("GetByID(tMid): %v", err)
	}
	var v int32
	if err := atMid.Get(0, &v); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 21 {
		t.Errorf("value at t_mid = %d, want 21", v)
	}

	atNow, err := c.GetByID(itemID, clock.Time(100))
	if err != nil {
		t.Fatalf("GetByID(now): %v", err)
	}
	if err := atNow.Get(0, &v); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 84 {
		t.Errorf("value at now = %d, want 84", v)
	}

	hist, err := c.History(itemID, clock.Time(100))
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Errorf("History length = %d, want 3", len(hist))
	}
}

func TestDuplicateUpdateTimeIsFatalIntegrityViolation(t *testing.T) {
	c := NewMemory()
	itemID := id.ItemID{1}
	chunkID := id.ChunkID{1}
	rev1 := newItem(itemID, chunkID, 1, 42)
	if err := c.Insert(rev1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	dup := newItem(itemID, chunkID, 1, 99)
	if err := c.Patch(dup); err == nil {
		t.Errorf("Patch with duplicate update_time: want error, got nil")
	}
}

func TestPatchOutOfOrderInsertsByTimestamp(t *testing.T) {
	c := NewMemory()
	itemID := id.ItemID{1}
	chunkID := id.ChunkID{1}
	rev1 := newItem(itemID, chunkID, 1, 1)
	rev3 := newItem(itemID, chunkID, 3, 3)
	rev2 := newItem(itemID, chunkID, 2, 2)

	if err := c.Insert(rev1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := c.Patch(rev3); err != nil {
		t.Fatalf("Patch(rev3): %v", err)
	}
	if err := c.Patch(rev2); err != nil {
		t.Fatalf("Patch(rev2): %v", err)
	}

	hist, err := c.History(itemID, clock.Time(100))
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("History length = %d, want 3", len(hist))
	}
	for i := 0; i < len(hist)-1; i++ {
		if !(hist[i].UpdateTime() > hist[i+1].UpdateTime()) {
			t.Errorf("history not strictly descending at %d: %v then %v", i, hist[i].UpdateTime(), hist[i+1].UpdateTime())
		}
	}
}

func TestMonotonicTimeTravelAcrossReads(t *testing.T) {
	c := NewMemory()
	itemID := id.ItemID{1}
	chunkID := id.ChunkID{1}
	rev1 := newItem(itemID, chunkID, 1, 1)
	if err := c.Insert(rev1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	draft := rev1.CopyForWrite()
	if err := draft.SetInt32(0, 2); err != nil {
		t.Fatalf("SetInt32: %v", err)
	}
	rev2, err := draft.SubmitUpdate(clock.Time(5))
	if err != nil {
		t.Fatalf("SubmitUpdate: %v", err)
	}
	if err := c.Update(rev2); err != nil {
		t.Fatalf("Update: %v", err)
	}

	for _, pair := range [][2]clock.Time{{1, 3}, {3, 5}, {1, 5}, {5, 100}} {
		early, err := c.GetByID(itemID, pair[0])
		if err != nil {
			t.Fatalf("GetByID(%v): %v", pair[0], err)
		}
		late, err := c.GetByID(itemID, pair[1])
		if err != nil {
			t.Fatalf("GetByID(%v): %v", pair[1], err)
		}
		if late.UpdateTime() < early.UpdateTime() {
			t.Errorf("GetByID(%v).UpdateTime() = %v precedes GetByID(%v).UpdateTime() = %v", pair[1], late.UpdateTime(), pair[0], early.UpdateTime())
		}
	}
}
