// Package discovery implements the peer discovery collaborator named by
// spec.md §1 as an external dependency with a named interface only.
// SPEC_FULL.md §6 commits to two concrete backends: file (boltdb-backed,
// grounded on the teacher's peer.selectPos metadata bucket pattern) and a
// thin server client stub.
package discovery

import "github.com/chunkswarm/swarmstore/id"

// Record is one announced peer: its id and the address other peers should
// dial to reach it.
type Record struct {
	Peer id.PeerID
	Addr string
}

// Collaborator is the discovery contract: peers announce themselves,
// enumerate the swarm, remove stale entries, and serialize startup/teardown
// against each other with Lock/Unlock.
type Collaborator interface {
	// Announce registers this process under rec, replacing any prior
	// record for the same Peer.
	Announce(rec Record) error

	// GetPeers returns every currently announced peer, including self.
	GetPeers() ([]Record, error)

	// Remove drops peer's record, e.g. on graceful leave.
	Remove(peer id.PeerID) error

	// Lock serializes discovery-state mutation across local processes
	// sharing the same discovery backend (e.g. the same file-backed
	// directory). Blocks until acquired.
	Lock() error

	// Unlock releases a held Lock.
	Unlock() error
}
