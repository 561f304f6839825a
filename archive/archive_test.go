package archive

import (
	"bytes"
	"testing"

	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/revision"
)

func TestWriteReadRoundTrip(t *testing.T) {
	revs := []*revision.Revision{
		revision.New(id.ItemID{1}, id.ChunkID{1}, 1, []revision.Value{revision.Int32(1)}),
		revision.New(id.ItemID{2}, id.ChunkID{1}, 2, []revision.Value{revision.Int32(2)}),
		revision.New(id.ItemID{3}, id.ChunkID{2}, 3, []revision.Value{revision.Int32(3)}),
	}

	buf := &bytes.Buffer{}
	if err := Write(buf, revs); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != len(revs) {
		t.Fatalf("Read returned %d revisions, want %d", len(got), len(revs))
	}
	for i := range revs {
		if got[i].ID() != revs[i].ID() {
			t.Errorf("revision %d id = %v, want %v", i, got[i].ID(), revs[i].ID())
		}
		var v int32
		if err := got[i].Get(0, &v); err != nil {
			t.Fatalf("Get(0) on round-tripped revision %d: %v", i, err)
		}
		if int(v) != i+1 {
			t.Errorf("revision %d field = %d, want %d", i, v, i+1)
		}
	}
}

func TestChunkIDsFirstSeenOrder(t *testing.T) {
	revs := []*revision.Revision{
		revision.New(id.ItemID{1}, id.ChunkID{2}, 1, nil),
		revision.New(id.ItemID{2}, id.ChunkID{1}, 2, nil),
		revision.New(id.ItemID{3}, id.ChunkID{2}, 3, nil),
	}
	ids := ChunkIDs(revs)
	if len(ids) != 2 {
		t.Fatalf("ChunkIDs = %v, want 2 distinct ids", ids)
	}
	if ids[0] != (id.ChunkID{2}) || ids[1] != (id.ChunkID{1}) {
		t.Errorf("ChunkIDs = %v, want [{2} {1}] in first-seen order", ids)
	}
}

func TestReadEmptyArchive(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Write(buf, nil); err != nil {
		t.Fatalf("Write(nil): %v", err)
	}
	got, err := Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Read(empty) = %v, want empty", got)
	}
}
