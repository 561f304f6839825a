// Package nettable implements the Net Table of spec.md §4.F: a table's
// mapping from chunk id to its locally held chunk.Chunk, a peer-lookup
// index of who else claims each chunk, listeners that want every new
// chunk pushed to them, acquisition callbacks, and chunk trackers.
// Grounded on the teacher's node/ring.Ring (peer registry + gob-encodable
// container), generalized from "ring position -> peer" to "chunk id ->
// holder peers."
package nettable

import (
	"sync"

	"github.com/chunkswarm/swarmstore/chunk"
	"github.com/chunkswarm/swarmstore/clock"
	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/revision"
	"github.com/chunkswarm/swarmstore/xerrors"
)

// Factory builds a new local chunk.Chunk for chunkID. NetTable doesn't know
// whether the table uses legacy or consensus replication; the caller's
// factory (built from config.Config.UseRaft) does.
type Factory func(chunkID id.ChunkID) (chunk.Chunk, error)

// AcquisitionCallback is invoked whenever this process becomes a holder of
// a chunk, either by NewChunk creating it or by GetChunk joining it.
type AcquisitionCallback func(chunkID id.ChunkID, c chunk.Chunk)

// Listener is a peer that wants to learn about every newly created chunk
// in this table, identified by the address to push a "push-new-chunks"
// notification to.
type Listener struct {
	Peer id.PeerID
	Addr string
}

// Pusher delivers a push-new-chunks notification to a listener. Supplied
// by the caller (normally messaging.Transport.Call bound to the
// "push-new-chunks" request kind) so this package stays transport-free.
type Pusher func(listenerAddr string, chunkID id.ChunkID) error

// Resolver looks up a holder address for a chunk id not yet held locally,
// and joins this process to that chunk's swarm, returning the resulting
// chunk.Chunk. Supplied by the caller since the join handshake is
// replication-strategy-specific (chunk/legacy.Chunk.Join vs the consensus
// connect-request).
type Resolver func(chunkID id.ChunkID, holderAddr string) (chunk.Chunk, error)

// MergePolicy attempts to reconcile a concurrent conflicting write.
// (conflictingNew, original, mutableLocal) -> merged.
type MergePolicy func(conflictingNew, original, mutableLocal *revision.Revision) bool

// NetTable is the per-table chunk registry of spec.md §4.F.
type NetTable struct {
	table string

	factory  Factory
	pusher   Pusher
	resolver Resolver

	mu        sync.RWMutex
	chunks    map[id.ChunkID]chunk.Chunk
	index     map[id.ChunkID]map[id.PeerID]string
	listeners map[id.PeerID]Listener

	callbackMu  sync.Mutex
	callbacks   []AcquisitionCallback
	mergePolicy MergePolicy

	// trackees is the set of table names this table's items track, per
	// spec.md §4.F's "vertex tracks pose" example: tracker=vertex (this
	// table), trackee="pose".
	trackerMu sync.Mutex
	trackees  map[string]bool
}

// New returns an empty NetTable for table, using factory to create chunks
// this process becomes the first holder of.
func New(table string, factory Factory, pusher Pusher, resolver Resolver) *NetTable {
	return &NetTable{
		table:     table,
		factory:   factory,
		pusher:    pusher,
		resolver:  resolver,
		chunks:    map[id.ChunkID]chunk.Chunk{},
		index:     map[id.ChunkID]map[id.PeerID]string{},
		listeners: map[id.PeerID]Listener{},
		trackees:  map[string]bool{},
	}
}

// Table returns this NetTable's table name.
func (nt *NetTable) Table() string { return nt.table }

// SetMergePolicy installs the auto-merge policy used by chunk
// transactions over this table's chunks.
func (nt *NetTable) SetMergePolicy(p MergePolicy) {
	nt.callbackMu.Lock()
	defer nt.callbackMu.Unlock()
	nt.mergePolicy = p
}

// MergePolicy returns the installed auto-merge policy, or nil if none was
// set.
func (nt *NetTable) MergePolicy() MergePolicy {
	nt.callbackMu.Lock()
	defer nt.callbackMu.Unlock()
	return nt.mergePolicy
}

// AddListener registers a peer to be pushed every newly created chunk id.
func (nt *NetTable) AddListener(l Listener) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	nt.listeners[l.Peer] = l
}

// RemoveListener drops a previously registered listener.
func (nt *NetTable) RemoveListener(peer id.PeerID) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	delete(nt.listeners, peer)
}

// AddAcquisitionCallback registers f to run whenever this process becomes
// a holder of a chunk in this table, whether by creating or joining it.
func (nt *NetTable) AddAcquisitionCallback(f AcquisitionCallback) {
	nt.callbackMu.Lock()
	defer nt.callbackMu.Unlock()
	nt.callbacks = append(nt.callbacks, f)
}

func (nt *NetTable) fireAcquired(chunkID id.ChunkID, c chunk.Chunk) {
	nt.callbackMu.Lock()
	callbacks := append([]AcquisitionCallback(nil), nt.callbacks...)
	nt.callbackMu.Unlock()
	for _, cb := range callbacks {
		cb(chunkID, c)
	}
}

// DeclareTrackee registers that this table's items track items of
// trackeeTable (spec.md §4.F's "vertex tracks pose"): once declared,
// Transaction propagation stamps chunk_tracking[trackeeTable] onto this
// table's own staged revisions.
func (nt *NetTable) DeclareTrackee(trackeeTable string) {
	nt.trackerMu.Lock()
	defer nt.trackerMu.Unlock()
	nt.trackees[trackeeTable] = true
}

// Trackees returns every table this table declared a tracking dependency
// on.
func (nt *NetTable) Trackees() []string {
	nt.trackerMu.Lock()
	defer nt.trackerMu.Unlock()
	out := make([]string, 0, len(nt.trackees))
	for t := range nt.trackees {
		out = append(out, t)
	}
	return out
}

// NewChunk creates chunkID locally via factory, registers it in the
// index under self, and pushes a notification to every listener
// (spec.md §4.F). self/selfAddr identify this process in the index and
// in the push notification.
func (nt *NetTable) NewChunk(chunkID id.ChunkID, self id.PeerID, selfAddr string) (chunk.Chunk, error) {
	c, err := nt.factory(chunkID)
	if err != nil {
		return nil, err
	}
	nt.mu.Lock()
	nt.chunks[chunkID] = c
	if nt.index[chunkID] == nil {
		nt.index[chunkID] = map[id.PeerID]string{}
	}
	nt.index[chunkID][self] = selfAddr
	listeners := make([]Listener, 0, len(nt.listeners))
	for _, l := range nt.listeners {
		listeners = append(listeners, l)
	}
	nt.mu.Unlock()

	for _, l := range listeners {
		if nt.pusher != nil {
			if err := nt.pusher(l.Addr, chunkID); err != nil {
				continue
			}
		}
	}
	nt.fireAcquired(chunkID, c)
	return c, nil
}

// GetChunk returns the local chunk for chunkID if this process already
// holds it; otherwise it consults the peer-lookup index for a holder and
// joins through nt.resolver, registering the result locally.
func (nt *NetTable) GetChunk(chunkID id.ChunkID) (chunk.Chunk, error) {
	nt.mu.RLock()
	if c, ok := nt.chunks[chunkID]; ok {
		nt.mu.RUnlock()
		return c, nil
	}
	var holderAddr string
	for _, addr := range nt.index[chunkID] {
		holderAddr = addr
		break
	}
	nt.mu.RUnlock()

	if holderAddr == "" {
		return nil, xerrors.ErrNotFound
	}
	c, err := nt.resolver(chunkID, holderAddr)
	if err != nil {
		return nil, err
	}
	nt.mu.Lock()
	nt.chunks[chunkID] = c
	nt.mu.Unlock()
	nt.fireAcquired(chunkID, c)
	return c, nil
}

// RegisterHolder records that peer claims to hold chunkID, without
// fetching it — used when learning about remote holders via
// "announce-to-listeners" or "push-new-chunks" notifications.
func (nt *NetTable) RegisterHolder(chunkID id.ChunkID, peer id.PeerID, addr string) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	if nt.index[chunkID] == nil {
		nt.index[chunkID] = map[id.PeerID]string{}
	}
	nt.index[chunkID][peer] = addr
}

// DumpActiveChunks reads every locally held chunk at time t.
func (nt *NetTable) DumpActiveChunks(t clock.Time) (map[id.ChunkID][]*revision.Revision, error) {
	nt.mu.RLock()
	chunks := make(map[id.ChunkID]chunk.Chunk, len(nt.chunks))
	for chunkID, c := range nt.chunks {
		chunks[chunkID] = c
	}
	nt.mu.RUnlock()

	out := make(map[id.ChunkID][]*revision.Revision, len(chunks))
	for chunkID, c := range chunks {
		revs, err := c.Dump(t)
		if err != nil {
			return nil, err
		}
		out[chunkID] = revs
	}
	return out, nil
}

// LocalChunkIDs returns the ids of every chunk this process currently
// holds locally.
func (nt *NetTable) LocalChunkIDs() []id.ChunkID {
	nt.mu.RLock()
	defer nt.mu.RUnlock()
	out := make([]id.ChunkID, 0, len(nt.chunks))
	for chunkID := range nt.chunks {
		out = append(out, chunkID)
	}
	return out
}
