package txn

import (
	"errors"
	"testing"

	"github.com/chunkswarm/swarmstore/chunk"
	"github.com/chunkswarm/swarmstore/clock"
	"github.com/chunkswarm/swarmstore/container"
	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/nettable"
	"github.com/chunkswarm/swarmstore/revision"
	"github.com/chunkswarm/swarmstore/schema"
	"github.com/chunkswarm/swarmstore/workspace"
	"github.com/chunkswarm/swarmstore/xerrors"
)

// memChunk is a chunk.Chunk backed by a real container.Memory, so
// ChunkTransaction exercises the same time-qualified read semantics a
// real chunk/legacy or chunk/consensus chunk would give it. Locking is a
// plain mutex since these tests run single-goroutine.
type memChunk struct {
	id        id.ChunkID
	container container.Container
}

func newMemChunk(chunkID id.ChunkID) *memChunk {
	return &memChunk{id: chunkID, container: container.NewMemory()}
}

func (m *memChunk) ID() id.ChunkID                     { return m.id }
func (m *memChunk) WriteLock() error                    { return nil }
func (m *memChunk) ReadLock()                           {}
func (m *memChunk) Unlock() error                       { return nil }
func (m *memChunk) ReadUnlock()                         {}
func (m *memChunk) Insert(rev *revision.Revision) error { return m.container.Insert(rev) }
func (m *memChunk) Update(rev *revision.Revision) error { return m.container.Update(rev) }
func (m *memChunk) Dump(t clock.Time) ([]*revision.Revision, error) {
	return m.container.ChunkHistory(m.id, t)
}
func (m *memChunk) NumItems(t clock.Time) (int, error) {
	ids, err := m.container.AvailableIDs(t)
	return len(ids), err
}
func (m *memChunk) PeerSize() int          { return 1 }
func (m *memChunk) AddTrigger(chunk.Trigger) {}
func (m *memChunk) Close() error           { return m.container.Close() }

var _ chunk.Chunk = (*memChunk)(nil)

func testTemplate() schema.Template {
	return schema.Template{
		{Name: "count", Type: schema.Int32},
		{Name: "name", Type: schema.String},
	}
}

func newFactory(byID map[id.ChunkID]*memChunk) nettable.Factory {
	return func(chunkID id.ChunkID) (chunk.Chunk, error) {
		c := newMemChunk(chunkID)
		byID[chunkID] = c
		return c, nil
	}
}

func TestChunkTransactionInsertThenGetSeesDelta(t *testing.T) {
	made := map[id.ChunkID]*memChunk{}
	table := nettable.New("pose", newFactory(made), nil, nil)
	c, err := table.NewChunk(id.ChunkID{1}, id.PeerID("peer-1"), "a")
	if err != nil {
		t.Fatalf("NewChunk: %v", err)
	}
	clk := clock.New()

	ct := NewChunkTransaction(table, c, testTemplate(), clk)
	itemID := id.ItemID{9}
	if err := ct.Insert(itemID, []revision.Value{revision.Int32(1), revision.String("a")}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rev, ok, err := ct.Get(itemID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("Get: item not found in delta view")
	}
	var count int32
	if err := rev.Get(0, &count); err != nil || count != 1 {
		t.Errorf("count = %d, %v, want 1, nil", count, err)
	}
}

func TestChunkTransactionCommitAppliesDeltaWithCommitTime(t *testing.T) {
	made := map[id.ChunkID]*memChunk{}
	table := nettable.New("pose", newFactory(made), nil, nil)
	c, err := table.NewChunk(id.ChunkID{1}, id.PeerID("peer-1"), "a")
	if err != nil {
		t.Fatalf("NewChunk: %v", err)
	}
	clk := clock.New()

	ct := NewChunkTransaction(table, c, testTemplate(), clk)
	itemID := id.ItemID{9}
	if err := ct.Insert(itemID, []revision.Value{revision.Int32(1), revision.String("a")}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	ok, err := ct.HasNoConflicts()
	if err != nil {
		t.Fatalf("HasNoConflicts: %v", err)
	}
	if !ok {
		t.Fatalf("HasNoConflicts: want true on an empty chunk")
	}

	commitTime := clk.Sample()
	if err := ct.Commit(commitTime); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	stored, err := made[id.ChunkID{1}].container.GetByID(itemID, commitTime)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.InsertTime() != commitTime || stored.UpdateTime() != commitTime {
		t.Errorf("stored times = %v/%v, want both %v", stored.InsertTime(), stored.UpdateTime(), commitTime)
	}
}

func TestHasNoConflictsDetectsConcurrentWrite(t *testing.T) {
	made := map[id.ChunkID]*memChunk{}
	table := nettable.New("pose", newFactory(made), nil, nil)
	c, err := table.NewChunk(id.ChunkID{1}, id.PeerID("peer-1"), "a")
	if err != nil {
		t.Fatalf("NewChunk: %v", err)
	}
	clk := clock.New()
	itemID := id.ItemID{9}

	seed := revision.New(itemID, id.ChunkID{1}, clk.Sample(), []revision.Value{revision.Int32(1), revision.String("a")})
	if err := c.Insert(seed); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	ct := NewChunkTransaction(table, c, testTemplate(), clk)
	if _, _, err := ct.Get(itemID); err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Someone else updates the item after ct's begin_time, without ct's
	// knowledge and with no merge policy installed.
	other := seed.CopyForWrite()
	if err := other.SetInt32(0, 2); err != nil {
		t.Fatalf("SetInt32: %v", err)
	}
	updated, err := other.SubmitUpdate(clk.Sample())
	if err != nil {
		t.Fatalf("SubmitUpdate: %v", err)
	}
	if err := c.Update(updated); err != nil {
		t.Fatalf("Update: %v", err)
	}

	ok, err := ct.HasNoConflicts()
	if err != nil {
		t.Fatalf("HasNoConflicts: %v", err)
	}
	if ok {
		t.Errorf("HasNoConflicts: want false after a concurrent unmerged write")
	}
}

func TestHasNoConflictsAutoMergesViaTableMergePolicy(t *testing.T) {
	made := map[id.ChunkID]*memChunk{}
	table := nettable.New("pose", newFactory(made), nil, nil)
	table.SetMergePolicy(func(conflictingNew, original, mutableLocal *revision.Revision) bool { return true })
	c, err := table.NewChunk(id.ChunkID{1}, id.PeerID("peer-1"), "a")
	if err != nil {
		t.Fatalf("NewChunk: %v", err)
	}
	clk := clock.New()
	itemID := id.ItemID{9}

	seed := revision.New(itemID, id.ChunkID{1}, clk.Sample(), []revision.Value{revision.Int32(1), revision.String("a")})
	if err := c.Insert(seed); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	ct := NewChunkTransaction(table, c, testTemplate(), clk)
	base, _, err := ct.Get(itemID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := ct.Update(base, func(d *revision.Draft) error { return d.SetString(1, "b") }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	other := seed.CopyForWrite()
	if err := other.SetInt32(0, 2); err != nil {
		t.Fatalf("SetInt32: %v", err)
	}
	updated, err := other.SubmitUpdate(clk.Sample())
	if err != nil {
		t.Fatalf("SubmitUpdate: %v", err)
	}
	if err := c.Update(updated); err != nil {
		t.Fatalf("Update: %v", err)
	}

	ok, err := ct.HasNoConflicts()
	if err != nil {
		t.Fatalf("HasNoConflicts: %v", err)
	}
	if !ok {
		t.Errorf("HasNoConflicts: want true, the merge policy accepts every conflict")
	}
}

func TestHasNoConflictsMatchesConflictCondition(t *testing.T) {
	made := map[id.ChunkID]*memChunk{}
	table := nettable.New("pose", newFactory(made), nil, nil)
	c, err := table.NewChunk(id.ChunkID{1}, id.PeerID("peer-1"), "a")
	if err != nil {
		t.Fatalf("NewChunk: %v", err)
	}
	clk := clock.New()

	existing := revision.New(id.ItemID{1}, id.ChunkID{1}, clk.Sample(), []revision.Value{revision.Int32(1), revision.String("taken")})
	if err := c.Insert(existing); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	ct := NewChunkTransaction(table, c, testTemplate(), clk)
	ct.AddConflictCondition(1, revision.String("taken"))

	ok, err := ct.HasNoConflicts()
	if err != nil {
		t.Fatalf("HasNoConflicts: %v", err)
	}
	if ok {
		t.Errorf("HasNoConflicts: want false, conflict condition matches an existing row")
	}
}

func TestTransactionCommitAcrossTwoTables(t *testing.T) {
	madePose := map[id.ChunkID]*memChunk{}
	madeVertex := map[id.ChunkID]*memChunk{}
	poseTable := nettable.New("pose", newFactory(madePose), nil, nil)
	vertexTable := nettable.New("vertex", newFactory(madeVertex), nil, nil)

	poseChunk, err := poseTable.NewChunk(id.ChunkID{1}, id.PeerID("peer-1"), "a")
	if err != nil {
		t.Fatalf("NewChunk pose: %v", err)
	}
	vertexChunk, err := vertexTable.NewChunk(id.ChunkID{2}, id.PeerID("peer-1"), "a")
	if err != nil {
		t.Fatalf("NewChunk vertex: %v", err)
	}
	_ = poseChunk
	_ = vertexChunk

	clk := clock.New()
	tx := NewTransaction(clk)

	poseTx := tx.Table(poseTable)
	poseCT, err := poseTx.Chunk(id.ChunkID{1}, testTemplate())
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if err := poseCT.Insert(id.ItemID{1}, []revision.Value{revision.Int32(1), revision.String("p")}); err != nil {
		t.Fatalf("Insert pose: %v", err)
	}

	vertexTx := tx.Table(vertexTable)
	vertexCT, err := vertexTx.Chunk(id.ChunkID{2}, testTemplate())
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if err := vertexCT.Insert(id.ItemID{2}, []revision.Value{revision.Int32(2), revision.String("v")}); err != nil {
		t.Fatalf("Insert vertex: %v", err)
	}

	commitTime, err := tx.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !commitTime.Valid() {
		t.Errorf("Commit returned an invalid commit time")
	}

	if _, err := madePose[id.ChunkID{1}].container.GetByID(id.ItemID{1}, commitTime); err != nil {
		t.Errorf("pose item not committed: %v", err)
	}
	if _, err := madeVertex[id.ChunkID{2}].container.GetByID(id.ItemID{2}, commitTime); err != nil {
		t.Errorf("vertex item not committed: %v", err)
	}
}

func TestTransactionPropagatesChunkTrackerIntoDependentTable(t *testing.T) {
	madePose := map[id.ChunkID]*memChunk{}
	madeVertex := map[id.ChunkID]*memChunk{}
	poseTable := nettable.New("pose", newFactory(madePose), nil, nil)
	vertexTable := nettable.New("vertex", newFactory(madeVertex), nil, nil)
	vertexTable.DeclareTrackee("pose")

	if _, err := poseTable.NewChunk(id.ChunkID{1}, id.PeerID("peer-1"), "a"); err != nil {
		t.Fatalf("NewChunk pose: %v", err)
	}
	if _, err := vertexTable.NewChunk(id.ChunkID{2}, id.PeerID("peer-1"), "a"); err != nil {
		t.Fatalf("NewChunk vertex: %v", err)
	}

	clk := clock.New()
	tx := NewTransaction(clk)

	vertexTx := tx.Table(vertexTable)
	vertexCT, err := vertexTx.Chunk(id.ChunkID{2}, testTemplate())
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if err := vertexCT.Insert(id.ItemID{3}, []revision.Value{revision.Int32(3), revision.String("v")}); err != nil {
		t.Fatalf("Insert vertex: %v", err)
	}

	newPoseChunk := id.ChunkID{7}
	if _, err := poseTable.NewChunk(newPoseChunk, id.PeerID("peer-1"), "a"); err != nil {
		t.Fatalf("NewChunk pose: %v", err)
	}
	tx.DeclareNewChunk(poseTable, newPoseChunk)

	commitTime, err := tx.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	stored, err := madeVertex[id.ChunkID{2}].container.GetByID(id.ItemID{3}, commitTime)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	tracked := stored.ChunkTracking()
	poseChunks, ok := tracked["pose"]
	if !ok {
		t.Fatalf("chunk_tracking has no pose entry: %v", tracked)
	}
	if _, ok := poseChunks[newPoseChunk]; !ok {
		t.Errorf("chunk_tracking[pose] = %v, want it to contain %v", poseChunks, newPoseChunk)
	}
}

func TestScopedTransactionExcludesChunkOutsideWorkspace(t *testing.T) {
	made := map[id.ChunkID]*memChunk{}
	table := nettable.New("pose", newFactory(made), nil, nil)
	if _, err := table.NewChunk(id.ChunkID{1}, id.PeerID("peer-1"), "a"); err != nil {
		t.Fatalf("NewChunk: %v", err)
	}
	if _, err := table.NewChunk(id.ChunkID{2}, id.PeerID("peer-1"), "a"); err != nil {
		t.Fatalf("NewChunk: %v", err)
	}

	scope := workspace.New()
	scope.WhitelistChunk(id.ChunkID{1})

	clk := clock.New()
	tx := NewScopedTransaction(clk, scope)
	ntx := tx.Table(table)

	if _, err := ntx.Chunk(id.ChunkID{1}, testTemplate()); err != nil {
		t.Fatalf("Chunk(1) should be in scope: %v", err)
	}
	if _, err := ntx.Chunk(id.ChunkID{2}, testTemplate()); !errors.Is(err, xerrors.ErrNotFound) {
		t.Errorf("Chunk(2) out of scope: got err %v, want ErrNotFound", err)
	}
}
