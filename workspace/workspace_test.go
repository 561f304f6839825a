package workspace

import (
	"testing"

	"github.com/chunkswarm/swarmstore/id"
)

func TestEmptyWorkspaceAdmitsEverything(t *testing.T) {
	w := New()
	if !w.Contains("pose", id.ChunkID{1}) {
		t.Errorf("empty workspace should admit any table/chunk pair")
	}
}

func TestBlacklistExcludes(t *testing.T) {
	w := New()
	w.BlacklistTable("vertex")
	if w.Contains("vertex", id.ChunkID{1}) {
		t.Errorf("blacklisted table should not be contained")
	}
	if !w.Contains("pose", id.ChunkID{1}) {
		t.Errorf("non-blacklisted table should still be contained")
	}
}

func TestWhitelistWinsOverBlacklist(t *testing.T) {
	w := New()
	w.BlacklistTable("pose")
	w.WhitelistTable("pose")
	if !w.Contains("pose", id.ChunkID{1}) {
		t.Errorf("whitelist should win over a conflicting blacklist entry")
	}
}

func TestNonEmptyWhitelistExcludesUnlisted(t *testing.T) {
	w := New()
	w.WhitelistTable("pose")
	if w.Contains("vertex", id.ChunkID{1}) {
		t.Errorf("non-whitelisted table should be excluded once the whitelist is non-empty")
	}
}

func TestChunkFilterAppliesIndependently(t *testing.T) {
	w := New()
	w.WhitelistChunk(id.ChunkID{1})
	if !w.Contains("pose", id.ChunkID{1}) {
		t.Errorf("whitelisted chunk should be contained")
	}
	if w.Contains("pose", id.ChunkID{2}) {
		t.Errorf("non-whitelisted chunk should be excluded once the chunk whitelist is non-empty")
	}
}

func TestMergeTrackeesIntoWhitelistNarrowsToTrackedChunks(t *testing.T) {
	w := New()
	tracking := map[string]map[id.ChunkID]struct{}{
		"pose": {id.ChunkID{1}: struct{}{}, id.ChunkID{2}: struct{}{}},
	}
	MergeTrackeesIntoWhitelist(w, tracking)
	if !w.Contains("vertex", id.ChunkID{1}) || !w.Contains("vertex", id.ChunkID{2}) {
		t.Errorf("tracked chunks should be admitted after merge")
	}
	if w.Contains("vertex", id.ChunkID{3}) {
		t.Errorf("untracked chunk should not be admitted after merge")
	}
}

func TestWhitelistChunkRangeAdmitsSpan(t *testing.T) {
	w := New()
	w.WhitelistChunkRange(id.ChunkID{1}, id.ChunkID{10})
	if !w.Contains("pose", id.ChunkID{5}) {
		t.Errorf("chunk {5} should be inside [1,10)")
	}
	if w.Contains("pose", id.ChunkID{20}) {
		t.Errorf("chunk {20} should be outside [1,10)")
	}
}

func TestBlacklistChunkRangeExcludesSpan(t *testing.T) {
	w := New()
	w.BlacklistChunkRange(id.ChunkID{1}, id.ChunkID{10})
	if w.Contains("pose", id.ChunkID{5}) {
		t.Errorf("chunk {5} should be excluded by [1,10)")
	}
	if !w.Contains("pose", id.ChunkID{20}) {
		t.Errorf("chunk {20} should remain admitted outside [1,10)")
	}
}

func TestMergeTrackeesIntoBlacklistExcludesTrackedChunks(t *testing.T) {
	w := New()
	tracking := map[string]map[id.ChunkID]struct{}{
		"pose": {id.ChunkID{1}: struct{}{}},
	}
	MergeTrackeesIntoBlacklist(w, tracking)
	if w.Contains("vertex", id.ChunkID{1}) {
		t.Errorf("blacklisted-via-merge chunk should be excluded")
	}
	if !w.Contains("vertex", id.ChunkID{2}) {
		t.Errorf("chunk not named by tracking should remain admitted")
	}
}
