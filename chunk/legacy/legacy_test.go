package legacy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chunkswarm/swarmstore/clock"
	"github.com/chunkswarm/swarmstore/container"
	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/messaging"
	"github.com/chunkswarm/swarmstore/revision"
)

// stubTransport never has remote peers to call in these single-member
// swarm tests; it exists only to satisfy the Chunk constructor.
type stubTransport struct{}

func (*stubTransport) Call(ctx context.Context, addr, kind string, payload []byte, reply *messaging.Envelope) error {
	panic("unexpected remote call in single-peer test")
}

func (*stubTransport) Serve(name string, handler messaging.Handler) error { return nil }

func (*stubTransport) Close() error { return nil }

func newSoloChunk(t *testing.T) *Chunk {
	t.Helper()
	clk := clock.New()
	cont := container.NewMemory()
	tr := &stubTransport{}
	c := New(id.ChunkID{1}, id.PeerID("solo"), "127.0.0.1:0", clk, cont, tr, true)
	return c
}

func TestSoloWriteLockIsReentrant(t *testing.T) {
	c := newSoloChunk(t)
	if err := c.WriteLock(); err != nil {
		t.Fatalf("WriteLock: %v", err)
	}
	if err := c.WriteLock(); err != nil {
		t.Fatalf("reentrant WriteLock: %v", err)
	}
	if err := c.Unlock(); err != nil {
		t.Fatalf("first Unlock: %v", err)
	}
	if err := c.Unlock(); err != nil {
		t.Fatalf("second Unlock: %v", err)
	}
	if err := c.Unlock(); err == nil {
		t.Errorf("Unlock without holding: want error, got nil")
	}
}

func TestSoloInsertAndDump(t *testing.T) {
	c := newSoloChunk(t)
	if err := c.WriteLock(); err != nil {
		t.Fatalf("WriteLock: %v", err)
	}
	defer c.Unlock()

	rev := revision.New(id.ItemID{9}, c.ID(), 1, []revision.Value{revision.Int32(7)})
	if err := c.Insert(rev); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	n, err := c.NumItems(c.clk.Current())
	if err != nil {
		t.Fatalf("NumItems: %v", err)
	}
	if n != 1 {
		t.Errorf("NumItems = %d, want 1", n)
	}

	dump, err := c.Dump(c.clk.Sample())
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if len(dump) != 1 {
		t.Fatalf("Dump = %v, want 1 entry", dump)
	}
}

func TestReadLockIsReentrantAndLocal(t *testing.T) {
	c := newSoloChunk(t)
	c.ReadLock()
	c.ReadLock()
	if c.state != readLocked {
		t.Fatalf("state = %v, want READ_LOCKED", c.state)
	}
	c.ReadUnlock()
	if c.state != readLocked {
		t.Fatalf("state after one ReadUnlock = %v, want still READ_LOCKED", c.state)
	}
	c.ReadUnlock()
	if c.state != unlocked {
		t.Fatalf("state after both ReadUnlock = %v, want UNLOCKED", c.state)
	}
}

func TestTriggersFireOnLocalInsert(t *testing.T) {
	c := newSoloChunk(t)
	var mu sync.Mutex
	var seen int
	c.AddTrigger(func(insertions, updates []*revision.Revision) {
		mu.Lock()
		seen += len(insertions) + len(updates)
		mu.Unlock()
	})
	if err := c.WriteLock(); err != nil {
		t.Fatalf("WriteLock: %v", err)
	}
	defer c.Unlock()
	rev := revision.New(id.ItemID{3}, c.ID(), 1, nil)
	if err := c.Insert(rev); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if seen != 1 {
		t.Errorf("trigger saw %d revisions, want 1", seen)
	}
}

func TestCanGrantLockedRules(t *testing.T) {
	c := newSoloChunk(t)

	c.mu.Lock()
	c.state = unlocked
	grantUnlocked := c.canGrantLocked(clock.Time(5))
	c.mu.Unlock()
	if !grantUnlocked {
		t.Errorf("UNLOCKED must always grant")
	}

	c.mu.Lock()
	c.state = attempting
	c.attemptTime = clock.Time(10)
	grantEarlier := c.canGrantLocked(clock.Time(3))
	grantLater := c.canGrantLocked(clock.Time(20))
	c.mu.Unlock()
	if !grantEarlier {
		t.Errorf("ATTEMPTING(10) must grant an earlier request (3)")
	}
	if grantLater {
		t.Errorf("ATTEMPTING(10) must not grant a later request (20)")
	}

	c.mu.Lock()
	c.state = writeLocked
	grantWhileWriteLocked := c.canGrantLocked(clock.Time(1))
	c.mu.Unlock()
	if grantWhileWriteLocked {
		t.Errorf("WRITE_LOCKED must defer, never grant immediately")
	}
}

func TestHandleLockUnblocksOnUnlockBroadcast(t *testing.T) {
	c := newSoloChunk(t)
	c.mu.Lock()
	c.state = attempting
	c.attemptTime = clock.Time(100)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		if err := c.handleLock(wireMsg{AttemptTime: clock.Time(200)}); err != nil {
			t.Errorf("handleLock: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("handleLock returned before state changed")
	case <-time.After(20 * time.Millisecond):
	}

	c.mu.Lock()
	c.state = unlocked
	c.cond.Broadcast()
	c.mu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("handleLock never unblocked after broadcast")
	}
}
