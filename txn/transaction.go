package txn

import (
	"fmt"
	"sort"
	"sync"

	"github.com/chunkswarm/swarmstore/clock"
	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/nettable"
	"github.com/chunkswarm/swarmstore/schema"
	"github.com/chunkswarm/swarmstore/workspace"
	"github.com/chunkswarm/swarmstore/xerrors"
)

// NetTableTransaction groups every ChunkTransaction a Transaction touches
// within one table, kept in chunk-id ascending order — the second key of
// the global lock order (spec.md §5: "by table name ascending, then by
// chunk id ascending").
type NetTableTransaction struct {
	table *nettable.NetTable
	clk   *clock.Clock
	scope *workspace.Workspace

	mu     sync.Mutex
	chunks map[id.ChunkID]*ChunkTransaction
	order  []id.ChunkID
}

// NewNetTableTransaction opens a transaction scoped to one table. scope
// may be nil, meaning every chunk of the table is visible.
func NewNetTableTransaction(table *nettable.NetTable, clk *clock.Clock, scope *workspace.Workspace) *NetTableTransaction {
	return &NetTableTransaction{
		table:  table,
		clk:    clk,
		scope:  scope,
		chunks: map[id.ChunkID]*ChunkTransaction{},
	}
}

func (ntx *NetTableTransaction) TableName() string { return ntx.table.Table() }

// Chunk returns (opening if needed) the sub-transaction for chunkID.
// ErrNotFound is returned if this transaction's workspace excludes
// chunkID from table (spec.md §4.I: workspace narrows reads, and every
// staged write is read back through Get before it is visible elsewhere).
func (ntx *NetTableTransaction) Chunk(chunkID id.ChunkID, template schema.Template) (*ChunkTransaction, error) {
	ntx.mu.Lock()
	defer ntx.mu.Unlock()
	if ct, ok := ntx.chunks[chunkID]; ok {
		return ct, nil
	}
	if ntx.scope != nil && !ntx.scope.Contains(ntx.table.Table(), chunkID) {
		return nil, fmt.Errorf("txn: chunk %v of table %q: %w", chunkID, ntx.table.Table(), xerrors.ErrNotFound)
	}
	c, err := ntx.table.GetChunk(chunkID)
	if err != nil {
		return nil, err
	}
	ct := NewChunkTransaction(ntx.table, c, template, ntx.clk)
	ntx.chunks[chunkID] = ct
	ntx.order = append(ntx.order, chunkID)
	sort.Slice(ntx.order, func(i, j int) bool {
		return id.Compare(id.Id(ntx.order[i]), id.Id(ntx.order[j])) < 0
	})
	return ct, nil
}

func (ntx *NetTableTransaction) orderedChunks() []id.ChunkID {
	ntx.mu.Lock()
	defer ntx.mu.Unlock()
	return append([]id.ChunkID(nil), ntx.order...)
}

// lock write-locks every touched chunk in ascending chunk-id order.
func (ntx *NetTableTransaction) lock() error {
	order := ntx.orderedChunks()
	for i, chunkID := range order {
		if err := ntx.chunks[chunkID].chunk.WriteLock(); err != nil {
			ntx.unlockThrough(order[:i])
			return err
		}
	}
	return nil
}

func (ntx *NetTableTransaction) unlockThrough(chunkIDs []id.ChunkID) {
	for i := len(chunkIDs) - 1; i >= 0; i-- {
		ntx.chunks[chunkIDs[i]].chunk.Unlock()
	}
}

func (ntx *NetTableTransaction) unlock() {
	ntx.unlockThrough(ntx.orderedChunks())
}

// check runs HasNoConflicts on every sub-transaction.
func (ntx *NetTableTransaction) check() (bool, error) {
	for _, chunkID := range ntx.orderedChunks() {
		ok, err := ntx.chunks[chunkID].HasNoConflicts()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (ntx *NetTableTransaction) checkedCommit(commitTime clock.Time) error {
	for _, chunkID := range ntx.orderedChunks() {
		if err := ntx.chunks[chunkID].Commit(commitTime); err != nil {
			return err
		}
	}
	return nil
}

// Merge routes every non-conflicting change of ntx into other, reporting
// entries it couldn't route in conflicts (spec.md §4.H's merge, used for
// rebase-like workflows). An item conflicts if other already has a
// pending write for the same id.
func (ntx *NetTableTransaction) Merge(other *NetTableTransaction, conflicts map[id.ItemID]bool) error {
	for _, chunkID := range ntx.orderedChunks() {
		src := ntx.chunks[chunkID]
		dst, err := other.Chunk(chunkID, src.template)
		if err != nil {
			return err
		}

		var mergeErr error
		src.mu.Lock()
		src.delta.Up(nil, nil, func(key, value []byte) {
			if mergeErr != nil {
				return
			}
			entry, err := decodeDeltaEntry(value)
			if err != nil {
				mergeErr = err
				return
			}
			dst.mu.Lock()
			_, taken := dst.delta.Get(key)
			if !taken {
				dst.delta.Put(key, value)
			}
			dst.mu.Unlock()
			if taken {
				conflicts[entry.Rev.ID()] = true
			}
		})
		src.mu.Unlock()
		if mergeErr != nil {
			return mergeErr
		}
	}
	return nil
}

// Cache is a per-(id-type, object-type) write-through cache attached to a
// table (spec.md §4.H). On commit, Flush walks the cache's dirty set,
// converts objects to revisions and stages them into the transaction.
type Cache interface {
	Flush(tx *Transaction) error
}

type declaredChunk struct {
	table   string
	chunkID id.ChunkID
}

// Transaction coordinates a commit across every table's
// NetTableTransaction, enforcing the global lock order (table name
// ascending, then chunk id ascending) and the four-step commit protocol
// of spec.md §4.H. Grounded on client/transaction.go's TX.Commit,
// generalized from "one owner per key" into "one NetTableTransaction per
// table, one ChunkTransaction per chunk within it".
type Transaction struct {
	clk   *clock.Clock
	scope *workspace.Workspace

	mu        sync.Mutex
	tables    map[string]*NetTableTransaction
	order     []string
	caches    []Cache
	newChunks []declaredChunk
}

// NewTransaction opens a multi-table transaction with no read scoping:
// every table and chunk a NetTableTransaction touches is visible.
func NewTransaction(clk *clock.Clock) *Transaction {
	return &Transaction{clk: clk, tables: map[string]*NetTableTransaction{}}
}

// NewScopedTransaction opens a multi-table transaction whose reads are
// narrowed by scope (spec.md §4.I). The check is made in Chunk(), which
// writes go through as well as reads, so a chunk outside scope can be
// neither read nor written.
func NewScopedTransaction(clk *clock.Clock, scope *workspace.Workspace) *Transaction {
	return &Transaction{clk: clk, scope: scope, tables: map[string]*NetTableTransaction{}}
}

// Table returns (opening if needed) the sub-transaction scoped to table.
func (tx *Transaction) Table(table *nettable.NetTable) *NetTableTransaction {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	name := table.Table()
	if ntx, ok := tx.tables[name]; ok {
		return ntx
	}
	ntx := NewNetTableTransaction(table, tx.clk, tx.scope)
	tx.tables[name] = ntx
	tx.order = append(tx.order, name)
	sort.Strings(tx.order)
	return ntx
}

// AttachCache registers a write-through cache to flush at commit time.
func (tx *Transaction) AttachCache(c Cache) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.caches = append(tx.caches, c)
}

// DeclareNewChunk records that chunkID was newly created in table as part
// of this transaction, so Commit's tracker-propagation step can fold it
// into every in-flight write of the tables that track table
// (spec.md §4.F/§4.H).
func (tx *Transaction) DeclareNewChunk(table *nettable.NetTable, chunkID id.ChunkID) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.newChunks = append(tx.newChunks, declaredChunk{table: table.Table(), chunkID: chunkID})
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func (tx *Transaction) propagateTrackers() error {
	tx.mu.Lock()
	newChunks := append([]declaredChunk(nil), tx.newChunks...)
	tables := make(map[string]*NetTableTransaction, len(tx.tables))
	for name, ntx := range tx.tables {
		tables[name] = ntx
	}
	tx.mu.Unlock()

	if len(newChunks) == 0 {
		return nil
	}
	for _, ntx := range tables {
		trackees := ntx.table.Trackees()
		for _, dc := range newChunks {
			if !containsString(trackees, dc.table) {
				continue
			}
			for _, chunkID := range ntx.orderedChunks() {
				if err := ntx.chunks[chunkID].TrackChunk(dc.table, dc.chunkID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (tx *Transaction) orderedTables() []string {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]string(nil), tx.order...)
}

// Commit implements spec.md §4.H's commit protocol: flush caches and
// propagate chunk trackers, lock every touched chunk in global order,
// check every sub-transaction, sample commit_time, checked_commit every
// sub-transaction, then unlock in reverse order.
func (tx *Transaction) Commit() (clock.Time, error) {
	for _, c := range tx.caches {
		if err := c.Flush(tx); err != nil {
			return clock.Invalid, err
		}
	}
	if err := tx.propagateTrackers(); err != nil {
		return clock.Invalid, err
	}

	order := tx.orderedTables()
	locked := make([]*NetTableTransaction, 0, len(order))
	for _, name := range order {
		ntx := tx.tables[name]
		if err := ntx.lock(); err != nil {
			for i := len(locked) - 1; i >= 0; i-- {
				locked[i].unlock()
			}
			return clock.Invalid, err
		}
		locked = append(locked, ntx)
	}

	for _, ntx := range locked {
		ok, err := ntx.check()
		if err != nil {
			for i := len(locked) - 1; i >= 0; i-- {
				locked[i].unlock()
			}
			return clock.Invalid, err
		}
		if !ok {
			for i := len(locked) - 1; i >= 0; i-- {
				locked[i].unlock()
			}
			return clock.Invalid, xerrors.ErrConflictDetected
		}
	}

	commitTime := tx.clk.Sample()
	var commitErr error
	for _, ntx := range locked {
		if err := ntx.checkedCommit(commitTime); err != nil {
			commitErr = err
			break
		}
	}
	for i := len(locked) - 1; i >= 0; i-- {
		locked[i].unlock()
	}
	if commitErr != nil {
		return clock.Invalid, commitErr
	}
	return commitTime, nil
}
