// Package xerrors collects the sentinel error kinds used across chunkswarm.
//
// Transient kinds (ErrConflictDetected, ErrLockContention, ErrNotLeader,
// ErrPeerUnreachable) are expected to be retried by the caller. The rest
// represent invariant breakage; they too are returned, wrapped, to the
// caller, and no code in this module passes them to fatal.Check.
package xerrors

import "errors"

var (
	// ErrConflictDetected is returned when a chunk transaction's commit-time
	// check finds an unmergeable concurrent write.
	ErrConflictDetected = errors.New("chunkswarm: conflict detected")

	// ErrLockContention is returned when a distributed chunk lock request
	// was deferred rather than granted.
	ErrLockContention = errors.New("chunkswarm: lock contention")

	// ErrPeerUnreachable is returned when an RPC to a swarm peer failed or
	// timed out.
	ErrPeerUnreachable = errors.New("chunkswarm: peer unreachable")

	// ErrNotLeader is returned by a consensus chunk peer that received a
	// write it cannot service because it isn't the Raft leader.
	ErrNotLeader = errors.New("chunkswarm: not leader")

	// ErrStructureMismatch indicates a revision's fields don't match its
	// table's template. Programming error; returned to the caller.
	ErrStructureMismatch = errors.New("chunkswarm: structure mismatch")

	// ErrInvalidState indicates a state-machine transition that should be
	// unreachable (e.g. unlocking without locking). Returned to the caller.
	ErrInvalidState = errors.New("chunkswarm: invalid state")

	// ErrSerializationFailure indicates a payload failed to parse. Logged
	// and the RPC is declined; never fatal.
	ErrSerializationFailure = errors.New("chunkswarm: serialization failure")

	// ErrIntegrityViolation indicates a duplicate update_time for the same
	// item id, or a chunk id change. Both containers return it uniformly
	// for a duplicate update_time; it is not passed to fatal.Check.
	ErrIntegrityViolation = errors.New("chunkswarm: integrity violation")

	// ErrTypeMismatch indicates Revision.Get/Set was called with a field of
	// the wrong static type.
	ErrTypeMismatch = errors.New("chunkswarm: field type mismatch")

	// ErrNoSuchField indicates a field index outside the revision's
	// template.
	ErrNoSuchField = errors.New("chunkswarm: no such field")

	// ErrNotFound indicates a lookup (by id, by chunk) found nothing.
	ErrNotFound = errors.New("chunkswarm: not found")
)

// Transient reports whether err represents a condition the caller is
// expected to retry, per SPEC_FULL.md §7's propagation policy.
func Transient(err error) bool {
	switch {
	case errors.Is(err, ErrConflictDetected),
		errors.Is(err, ErrLockContention),
		errors.Is(err, ErrNotLeader),
		errors.Is(err, ErrPeerUnreachable):
		return true
	default:
		return false
	}
}
