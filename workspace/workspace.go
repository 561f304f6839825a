// Package workspace implements the scoped read-visibility filter of
// spec.md §4.I: two independent whitelist/blacklist pairs, one over table
// names and one over chunk ids, with whitelist-wins-over-blacklist
// precedence and an empty whitelist admitting everything at its level.
// The chunk level also accepts contiguous id ranges via the teacher's
// ranje package, letting a caller admit or exclude a shard of a table's
// keyspace without enumerating every chunk id in it. The filter
// bookkeeping itself (the map pairs, the precedence check) has no
// teacher analogue — a node.Node always sees its whole ring — and is
// written in nettable's plain-receiver, unexported-map style instead.
package workspace

import (
	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/ranje"
)

// stringFilter narrows visibility over table names.
type stringFilter struct {
	whitelist map[string]struct{}
	blacklist map[string]struct{}
}

func newStringFilter() stringFilter {
	return stringFilter{whitelist: map[string]struct{}{}, blacklist: map[string]struct{}{}}
}

func (f stringFilter) allows(key string) bool {
	if len(f.whitelist) > 0 {
		if _, ok := f.whitelist[key]; !ok {
			return false
		}
		return true
	}
	_, blocked := f.blacklist[key]
	return !blocked
}

// chunkFilter narrows chunk visibility by both explicit id membership and
// contiguous id ranges (ranje.Ranges), so a caller can admit or exclude a
// whole span of a table's chunk ids in one filter entry instead of
// enumerating each one.
type chunkFilter struct {
	whitelist      map[id.ChunkID]struct{}
	whitelistSpans ranje.Ranges
	blacklist      map[id.ChunkID]struct{}
	blacklistSpans ranje.Ranges
}

func newChunkFilter() chunkFilter {
	return chunkFilter{whitelist: map[id.ChunkID]struct{}{}, blacklist: map[id.ChunkID]struct{}{}}
}

func (f chunkFilter) inSet(set map[id.ChunkID]struct{}, spans ranje.Ranges, chunkID id.ChunkID) bool {
	if _, ok := set[chunkID]; ok {
		return true
	}
	return spans.Within(id.Id(chunkID).Bytes())
}

func (f chunkFilter) empty(set map[id.ChunkID]struct{}, spans ranje.Ranges) bool {
	return len(set) == 0 && len(spans) == 0
}

func (f chunkFilter) allows(chunkID id.ChunkID) bool {
	if !f.empty(f.whitelist, f.whitelistSpans) {
		return f.inSet(f.whitelist, f.whitelistSpans, chunkID)
	}
	return !f.inSet(f.blacklist, f.blacklistSpans, chunkID)
}

// Workspace is a per-transaction read-visibility scope: a table
// whitelist/blacklist pair and a chunk whitelist/blacklist pair
// (spec.md §3's Workspace glossary entry). A scoped transaction consults
// it whenever it opens a chunk, for reads and writes alike, so a chunk
// outside the scope can be neither read nor written through it.
type Workspace struct {
	tables stringFilter
	chunks chunkFilter
}

// New returns an empty Workspace: every table and every chunk is visible,
// since both whitelists start empty.
func New() *Workspace {
	return &Workspace{tables: newStringFilter(), chunks: newChunkFilter()}
}

func (w *Workspace) WhitelistTable(table string) { w.tables.whitelist[table] = struct{}{} }
func (w *Workspace) BlacklistTable(table string) { w.tables.blacklist[table] = struct{}{} }
func (w *Workspace) WhitelistChunk(chunkID id.ChunkID) { w.chunks.whitelist[chunkID] = struct{}{} }
func (w *Workspace) BlacklistChunk(chunkID id.ChunkID) { w.chunks.blacklist[chunkID] = struct{}{} }

// WhitelistChunkRange admits every chunk id in [fromInc, toExc) — or, if
// fromInc sorts after toExc, every id outside [toExc, fromInc), the
// wraparound span ranje.Range defines. Useful for admitting a shard of a
// table's keyspace without enumerating its chunk ids one by one.
func (w *Workspace) WhitelistChunkRange(fromInc, toExc id.ChunkID) {
	w.chunks.whitelistSpans = append(w.chunks.whitelistSpans, ranje.Range{
		FromInc: id.Id(fromInc).Bytes(),
		ToExc:   id.Id(toExc).Bytes(),
	})
}

// BlacklistChunkRange excludes the same span WhitelistChunkRange would
// admit.
func (w *Workspace) BlacklistChunkRange(fromInc, toExc id.ChunkID) {
	w.chunks.blacklistSpans = append(w.chunks.blacklistSpans, ranje.Range{
		FromInc: id.Id(fromInc).Bytes(),
		ToExc:   id.Id(toExc).Bytes(),
	})
}

// Contains reports whether table and chunkID are both in scope, applying
// whitelist-over-blacklist precedence independently at each level
// (spec.md §4.I).
func (w *Workspace) Contains(table string, chunkID id.ChunkID) bool {
	return w.tables.allows(table) && w.chunks.allows(chunkID)
}

// MergeTrackeesIntoWhitelist walks tracking (a revision's chunk_tracking,
// see revision.ChunkTracking) and folds every referenced chunk into the
// chunk whitelist, narrowing the workspace to exactly a revision's
// dependencies (spec.md §4.I's merge_trackees_into_whitelist). Calling
// this on a Workspace whose whitelist was previously empty (admits
// everything) switches it to admit only the folded-in chunks, since an
// empty whitelist has nothing to narrow.
func MergeTrackeesIntoWhitelist(w *Workspace, tracking map[string]map[id.ChunkID]struct{}) {
	for _, chunks := range tracking {
		for chunkID := range chunks {
			w.WhitelistChunk(chunkID)
		}
	}
}

// MergeTrackeesIntoBlacklist folds every chunk named by tracking into the
// chunk blacklist instead, for the inverse "exclude a revision's
// dependencies" use (spec.md §4.I's merge_trackees_into_blacklist).
func MergeTrackeesIntoBlacklist(w *Workspace, tracking map[string]map[id.ChunkID]struct{}) {
	for _, chunks := range tracking {
		for chunkID := range chunks {
			w.BlacklistChunk(chunkID)
		}
	}
}
