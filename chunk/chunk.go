// Package chunk defines the Chunk sum type named by spec.md §9: a common
// interface shared by the legacy (chunk/legacy) and consensus
// (chunk/consensus) replication strategies, each a unit of locking,
// replication and peer membership for one shard of one table.
package chunk

import (
	"github.com/chunkswarm/swarmstore/clock"
	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/revision"
)

// Trigger is invoked after any local commit (own or remote) while the lock
// is still held by the committer, letting a listener react to change
// without polling (spec.md §4.D).
type Trigger func(insertions, updates []*revision.Revision)

// Chunk is the common contract satisfied by chunk/legacy.Chunk and
// chunk/consensus.Chunk.
type Chunk interface {
	// ID returns this chunk's identity.
	ID() id.ChunkID

	// WriteLock acquires the exclusive write lock, blocking until granted.
	// Reentrant for the same holder.
	WriteLock() error

	// ReadLock acquires the local-only read lock. Reentrant. Never makes
	// an RPC.
	ReadLock()

	// Unlock releases one level of the write lock and returns an error if
	// this process does not hold it. Read locks are released with
	// ReadUnlock.
	Unlock() error

	// ReadUnlock releases a held read lock.
	ReadUnlock()

	// Insert commits rev as a brand-new item. Caller must hold the write
	// lock.
	Insert(rev *revision.Revision) error

	// Update commits rev as a new version of an existing item. Caller
	// must hold the write lock.
	Update(rev *revision.Revision) error

	// Dump returns every locally visible revision at time t.
	Dump(t clock.Time) ([]*revision.Revision, error)

	// NumItems returns the number of non-removed items visible at t.
	NumItems(t clock.Time) (int, error)

	// PeerSize returns the number of peers in this chunk's current
	// swarm, including self.
	PeerSize() int

	// AddTrigger registers a callback invoked after every commit applied to
	// this chunk, whether made locally or replicated from a peer.
	AddTrigger(t Trigger)

	// Close releases the chunk's container and any background
	// goroutines (trackers, heartbeats).
	Close() error
}
