// Package consensus implements chunk.Chunk as the Raft-style replication
// strategy of spec.md §4.E: leader election, log replication and a
// replicated distributed chunk lock, built directly on goraft/raft the way
// the teacher's consensual.Node does, generalized from a whole-process
// raft group (one per node, driving the chord ring) to one raft group per
// chunk. Grounded on consensual/consensual.go, raft/transport/rpc.go and
// raft/commands/commands.go.
package consensus

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goraft/raft"

	"github.com/chunkswarm/swarmstore/archive"
	"github.com/chunkswarm/swarmstore/chunk"
	"github.com/chunkswarm/swarmstore/clock"
	"github.com/chunkswarm/swarmstore/container"
	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/log"
	"github.com/chunkswarm/swarmstore/messaging"
	"github.com/chunkswarm/swarmstore/metrics"
	"github.com/chunkswarm/swarmstore/revision"
	"github.com/chunkswarm/swarmstore/xerrors"
)

const callTimeout = 5 * time.Second

// queuedLock is a lock request that arrived while the chunk was already
// held by someone else, waiting its turn in FIFO order.
type queuedLock struct {
	Requester id.PeerID
	Serial    uint64
}

// pendingRevision is a write accepted by lockCommand's holder but not yet
// released into the container by a matching unlockCommand.
type pendingRevision struct {
	rev    *revision.Revision
	update bool
}

// Chunk implements chunk.Chunk over a per-chunk raft.Server. Unlike
// chunk/legacy, the lock and swarm membership state lives entirely in the
// replicated log; c.mu/c.cond only coordinate local goroutines waiting for
// that state to reach the value they want.
type Chunk struct {
	id        id.ChunkID
	self      id.PeerID
	selfAddr  string
	clk       *clock.Clock
	container container.Container
	transport messaging.Transport
	raft      raft.Server

	serviceName string

	mu           sync.Mutex
	cond         *sync.Cond
	lockHolder   id.PeerID
	lockQueue    []queuedLock
	pendingWrites []pendingRevision
	preparedTxns map[id.PeerID]map[id.Id]bool
	writeCount   int
	readCount    int
	serial       uint64

	triggerMu sync.Mutex
	triggers  []chunk.Trigger
}

// New creates a consensus chunk backed by a raft.Server whose log lives
// under dir. Start must be called once before the chunk is usable.
func New(chunkID id.ChunkID, self id.PeerID, selfAddr, dir string, clk *clock.Clock, cont container.Container, transport messaging.Transport) (*Chunk, error) {
	c := &Chunk{
		id:          chunkID,
		self:        self,
		selfAddr:    selfAddr,
		clk:         clk,
		container:   cont,
		transport:   transport,
		serviceName: fmt.Sprintf("consensus.%s", chunkID.String()),
	}
	c.cond = sync.NewCond(&c.mu)

	logDir := filepath.Join(dir, chunkID.String())
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, err
	}
	rt := &rpcTransport{transport: transport, serviceName: c.serviceName, timeout: callTimeout}
	server, err := raft.NewServer(self.String(), logDir, rt, c, c, selfAddr)
	if err != nil {
		return nil, err
	}
	c.raft = server
	return c, nil
}

var _ chunk.Chunk = (*Chunk)(nil)
var _ raft.StateMachine = (*Chunk)(nil)

func (c *Chunk) ID() id.ChunkID { return c.id }

// Serve registers this chunk's raft and Do-forward handler on transport.
func (c *Chunk) Serve() error {
	return c.transport.Serve(c.serviceName, messaging.HandlerFunc(c.handle))
}

// Start brings the raft server up. An empty bootstrapAddr means this
// process is the founding member; otherwise it joins the cluster
// bootstrapAddr belongs to.
func (c *Chunk) Start(bootstrapAddr string) error {
	if err := c.raft.Start(); err != nil {
		return err
	}
	if bootstrapAddr == "" {
		if !c.raft.IsLogEmpty() {
			log.Infof("chunk %v: recovered existing raft log", c.id)
			return nil
		}
		_, err := c.raft.Do(&raft.DefaultJoinCommand{Name: c.raft.Name(), ConnectionString: c.selfAddr})
		return err
	}
	if !c.raft.IsLogEmpty() {
		return fmt.Errorf("chunk %v: cannot join %v with an existing log: %w", c.id, bootstrapAddr, xerrors.ErrInvalidState)
	}
	return c.forwardDo(bootstrapAddr, &raft.DefaultJoinCommand{Name: c.raft.Name(), ConnectionString: c.selfAddr})
}

// Leave removes this raft member from the cluster and shuts down its raft
// server.
func (c *Chunk) Leave() error {
	_, err := c.doCommand(&raft.DefaultLeaveCommand{Name: c.raft.Name()})
	return err
}

func (c *Chunk) nextSerial() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serial++
	return c.serial
}

// doCommand submits cmd through raft, on the leader if this process is one,
// or by forwarding the request to the current leader otherwise (spec.md
// §4.E's log replication; mirrors the teacher's RPCServer.Join
// forward-to-leader idiom).
func (c *Chunk) doCommand(cmd raft.Command) (interface{}, error) {
	if c.raft.Leader() == c.raft.Name() {
		return c.raft.Do(cmd)
	}
	peer, ok := c.raft.Peers()[c.raft.Leader()]
	if !ok {
		return nil, fmt.Errorf("chunk %v: no known leader: %w", c.id, xerrors.ErrPeerUnreachable)
	}
	return nil, c.forwardDo(peer.ConnectionString, cmd)
}

// WriteLock implements chunk.Chunk: submits a ChunkLockRequest entry and
// blocks until this process's replicated view of the lock names it the
// holder.
func (c *Chunk) WriteLock() error {
	c.mu.Lock()
	if c.lockHolder == c.self {
		c.writeCount++
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	start := time.Now()
	serial := c.nextSerial()
	if _, err := c.doCommand(&lockCommand{Requester: c.self, Serial: serial}); err != nil {
		return err
	}

	c.mu.Lock()
	for c.lockHolder != c.self {
		c.cond.Wait()
	}
	c.writeCount = 1
	c.mu.Unlock()
	metrics.ChunkLockWaitSeconds("consensus", time.Since(start))
	return nil
}

// ReadLock implements chunk.Chunk: local-only, waits only while some other
// process holds the write lock.
func (c *Chunk) ReadLock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.lockHolder != "" && c.lockHolder != c.self {
		c.cond.Wait()
	}
	c.readCount++
}

func (c *Chunk) ReadUnlock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readCount > 0 {
		c.readCount--
	}
}

// Unlock implements chunk.Chunk: releases the write lock and commits every
// write accumulated since it was acquired.
func (c *Chunk) Unlock() error {
	return c.unlock(true)
}

// Abort releases the write lock and discards every write accumulated since
// it was acquired, without committing them to the container — the
// multi-chunk two-phase-commit abort path (spec.md §4.E). Not part of
// chunk.Chunk since chunk/legacy has no equivalent notion of a discardable
// pending write.
func (c *Chunk) Abort() error {
	return c.unlock(false)
}

func (c *Chunk) unlock(proceed bool) error {
	c.mu.Lock()
	if c.lockHolder != c.self {
		c.mu.Unlock()
		return fmt.Errorf("chunk %v: unlock without write lock held: %w", c.id, xerrors.ErrInvalidState)
	}
	c.writeCount--
	if c.writeCount > 0 {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	serial := c.nextSerial()
	_, err := c.doCommand(&unlockCommand{Requester: c.self, ProceedCommits: proceed, Serial: serial})
	return err
}

// Prepare submits a MultiChunkTransactionInfo entry for txnID and reports
// whether this chunk voted ready, i.e. the initiator already held this
// chunk's write lock when the vote was cast (spec.md §4.E's two-phase
// commit over a multi-chunk transaction).
func (c *Chunk) Prepare(txnID id.Id, participants []id.ChunkID) (bool, error) {
	result, err := c.doCommand(&prepareCommand{TxnID: txnID, Initiator: c.self, Participant: participants})
	if err != nil {
		return false, err
	}
	if ready, ok := result.(bool); ok {
		return ready, nil
	}
	// Forwarded to a remote leader: the vote outcome lives in that leader's
	// applied state, not in our own, so fall back to asking locally.
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preparedTxns[c.self][txnID], nil
}

// Insert implements chunk.Chunk. Caller must hold the write lock; the
// revision is queued and only lands in the container once Unlock commits
// it.
func (c *Chunk) Insert(rev *revision.Revision) error {
	return c.submitRevision(rev, false)
}

// Update implements chunk.Chunk. See Insert.
func (c *Chunk) Update(rev *revision.Revision) error {
	return c.submitRevision(rev, true)
}

func (c *Chunk) submitRevision(rev *revision.Revision, update bool) error {
	c.mu.Lock()
	holder := c.lockHolder
	c.mu.Unlock()
	if holder != c.self {
		return fmt.Errorf("chunk %v: insert/update without write lock held: %w", c.id, xerrors.ErrInvalidState)
	}
	_, err := c.doCommand(&revisionCommand{Requester: c.self, Update: update, Rev: rev})
	return err
}

func (c *Chunk) Dump(t clock.Time) ([]*revision.Revision, error) {
	return c.container.ChunkHistory(c.id, t)
}

func (c *Chunk) NumItems(t clock.Time) (int, error) {
	ids, err := c.container.AvailableIDs(t)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, itemID := range ids {
		rev, err := c.container.GetByID(itemID, t)
		if err != nil {
			continue
		}
		if rev.ChunkID() == c.id {
			count++
		}
	}
	return count, nil
}

func (c *Chunk) PeerSize() int {
	return len(c.raft.Peers()) + 1
}

func (c *Chunk) AddTrigger(t chunk.Trigger) {
	c.triggerMu.Lock()
	defer c.triggerMu.Unlock()
	c.triggers = append(c.triggers, t)
}

func (c *Chunk) fireTriggers(rev *revision.Revision, update bool) {
	c.triggerMu.Lock()
	triggers := append([]chunk.Trigger(nil), c.triggers...)
	c.triggerMu.Unlock()
	var insertions, updates []*revision.Revision
	if update {
		updates = []*revision.Revision{rev}
	} else {
		insertions = []*revision.Revision{rev}
	}
	for _, trig := range triggers {
		trig(insertions, updates)
	}
}

func (c *Chunk) Close() error {
	return c.container.Close()
}

// Save implements raft.StateMachine, snapshotting this chunk's full
// history through the same archive format used for on-disk table
// persistence (spec.md §6), reused here for raft log compaction.
func (c *Chunk) Save() ([]byte, error) {
	revs, err := c.container.ChunkHistory(c.id, clock.Time(^uint64(0)))
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	if err := archive.Write(buf, revs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Recovery implements raft.StateMachine, installing a snapshot taken by
// Save (spec.md §4.E's rejoin/catch-up InitRequest).
func (c *Chunk) Recovery(b []byte) error {
	revs, err := archive.Read(bytes.NewBuffer(b))
	if err != nil {
		return err
	}
	if err := c.container.Clear(); err != nil {
		return err
	}
	byID := make(map[id.ItemID]*revision.Revision, len(revs))
	for _, rev := range revs {
		byID[rev.ID()] = rev
	}
	return c.container.BulkInsert(byID)
}
