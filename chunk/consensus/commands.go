package consensus

import (
	"github.com/goraft/raft"

	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/revision"
	"github.com/chunkswarm/swarmstore/xerrors"
)

func init() {
	raft.RegisterCommand(&lockCommand{})
	raft.RegisterCommand(&unlockCommand{})
	raft.RegisterCommand(&revisionCommand{})
	raft.RegisterCommand(&prepareCommand{})
}

// lockCommand is a ChunkLockRequest log entry (spec.md §4.E): a replicated
// request for the single-holder distributed chunk lock. Serial is recorded
// in the lock queue, but Apply does not compare it: a resubmitted request
// from a requester that is already queued is queued a second time.
type lockCommand struct {
	Requester id.PeerID
	Serial    uint64
}

func (cmd *lockCommand) CommandName() string { return "chunk/consensus/ChunkLockRequest" }

func (cmd *lockCommand) Apply(ctx raft.Context) (interface{}, error) {
	c := ctx.Server().Context().(*Chunk)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lockHolder == "" {
		c.lockHolder = cmd.Requester
		c.cond.Broadcast()
		return true, nil
	}
	if c.lockHolder == cmd.Requester {
		return true, nil
	}
	c.lockQueue = append(c.lockQueue, queuedLock{Requester: cmd.Requester, Serial: cmd.Serial})
	return false, nil
}

// unlockCommand is a ChunkUnlockRequest log entry. ProceedCommits selects
// whether the writes queued since the matching lockCommand are applied to
// the data container (true) or discarded (false) before the lock passes
// to the next queued requester, if any.
type unlockCommand struct {
	Requester      id.PeerID
	ProceedCommits bool
	Serial         uint64
}

func (cmd *unlockCommand) CommandName() string { return "chunk/consensus/ChunkUnlockRequest" }

func (cmd *unlockCommand) Apply(ctx raft.Context) (interface{}, error) {
	c := ctx.Server().Context().(*Chunk)
	c.mu.Lock()
	if c.lockHolder != cmd.Requester {
		c.mu.Unlock()
		return nil, xerrors.ErrInvalidState
	}
	pending := c.pendingWrites
	c.pendingWrites = nil
	delete(c.preparedTxns, cmd.Requester)
	c.mu.Unlock()

	// Applying to the container and firing triggers happens outside c.mu:
	// the container has its own locking, and goraft applies log entries for
	// one raft group one at a time, so ordering is preserved either way.
	var applied []pendingRevision
	for _, p := range pending {
		if !cmd.ProceedCommits {
			continue
		}
		var err error
		if p.update {
			err = c.container.Update(p.rev)
		} else {
			err = c.container.Insert(p.rev)
		}
		if err != nil {
			return nil, err
		}
		applied = append(applied, p)
	}

	for _, p := range applied {
		c.fireTriggers(p.rev, p.update)
	}

	c.mu.Lock()
	if len(c.lockQueue) > 0 {
		next := c.lockQueue[0]
		c.lockQueue = c.lockQueue[1:]
		c.lockHolder = next.Requester
	} else {
		c.lockHolder = ""
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil, nil
}

// revisionCommand is an InsertRevision log entry. It covers both brand-new
// items and new versions of existing ones; Update distinguishes which
// container method unlockCommand.Apply uses once the entry is
// released by the matching unlockCommand.
type revisionCommand struct {
	Requester id.PeerID
	Update    bool
	Rev       *revision.Revision
}

func (cmd *revisionCommand) CommandName() string { return "chunk/consensus/InsertRevision" }

func (cmd *revisionCommand) Apply(ctx raft.Context) (interface{}, error) {
	c := ctx.Server().Context().(*Chunk)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lockHolder != cmd.Requester {
		return nil, xerrors.ErrInvalidState
	}
	c.pendingWrites = append(c.pendingWrites, pendingRevision{rev: cmd.Rev, update: cmd.Update})
	return nil, nil
}

// prepareCommand is a MultiChunkTransactionInfo log entry: the first phase
// of the two-phase commit layered over a multi-chunk transaction (spec.md
// §4.E). A chunk votes ready only if the initiator already holds its write
// lock, i.e. every participant has already locked before any of them is
// asked to vote.
type prepareCommand struct {
	TxnID       id.Id
	Initiator   id.PeerID
	Participant []id.ChunkID
}

func (cmd *prepareCommand) CommandName() string { return "chunk/consensus/MultiChunkTransactionInfo" }

func (cmd *prepareCommand) Apply(ctx raft.Context) (interface{}, error) {
	c := ctx.Server().Context().(*Chunk)
	c.mu.Lock()
	defer c.mu.Unlock()
	ready := c.lockHolder == cmd.Initiator
	if c.preparedTxns == nil {
		c.preparedTxns = map[id.PeerID]map[id.Id]bool{}
	}
	if c.preparedTxns[cmd.Initiator] == nil {
		c.preparedTxns[cmd.Initiator] = map[id.Id]bool{}
	}
	c.preparedTxns[cmd.Initiator][cmd.TxnID] = ready
	return ready, nil
}
