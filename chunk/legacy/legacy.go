// Package legacy implements chunk.Chunk as the distributed RW lock and
// swarm-replication strategy of spec.md §4.D: a Ricart-Agrawala-like write
// lock protocol, plus insert/update/connect/leave replication across the
// chunk's peer swarm. Grounded on the teacher's node.Node/peer.Peer
// lock-free-ring design generalized into an explicit, replicated chunk
// lock, and on common.Parallelizer for swarm-wide fan-out RPC.
package legacy

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/chunkswarm/swarmstore/chunk"
	"github.com/chunkswarm/swarmstore/clock"
	"github.com/chunkswarm/swarmstore/common"
	"github.com/chunkswarm/swarmstore/container"
	"github.com/chunkswarm/swarmstore/fatal"
	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/log"
	"github.com/chunkswarm/swarmstore/messaging"
	"github.com/chunkswarm/swarmstore/revision"
	"github.com/chunkswarm/swarmstore/xerrors"
)

// state is the local view of the distributed RW lock (spec.md §4.D).
type state int

// callTimeout bounds every swarm RPC this chunk makes. Any call through
// callPeer that fails, by timeout or otherwise and in any lock state, is
// subject to the failFatal policy (SPEC_FULL.md §9's
// FailLegacyChunkOnTimeout knob).
const callTimeout = 5 * time.Second

const (
	unlocked state = iota
	readLocked
	attempting
	writeLocked
)

func (s state) String() string {
	switch s {
	case unlocked:
		return "UNLOCKED"
	case readLocked:
		return "READ_LOCKED"
	case attempting:
		return "ATTEMPTING"
	case writeLocked:
		return "WRITE_LOCKED"
	default:
		return "UNKNOWN"
	}
}

type op string

const (
	opLock    op = "lock"
	opUnlock  op = "unlock"
	opInsert  op = "insert"
	opUpdate  op = "update"
	opConnect op = "connect"
	opNewPeer op = "new-peer"
	opLeave   op = "leave"
)

// wireMsg is the single payload shape carried by every legacy chunk
// request kind enumerated in spec.md §6 ("connect", "init", "insert",
// "leave", "lock", "new-peer", "unlock", "update"); Op selects which of
// the fields below are meaningful.
type wireMsg struct {
	Op          op
	Peer        id.PeerID
	Addr        string
	AttemptTime clock.Time
	Rev         *revision.Revision
	Peers       map[id.PeerID]string
	History     []*revision.Revision
}

// Chunk implements chunk.Chunk over a statically-addressed peer swarm and
// a FailLegacyChunkOnTimeout policy matching SPEC_FULL.md §9's Open
// Question resolution.
type Chunk struct {
	id        id.ChunkID
	self      id.PeerID
	selfAddr  string
	clk       *clock.Clock
	container container.Container
	transport messaging.Transport
	failFatal bool

	mu          sync.Mutex
	cond        *sync.Cond
	state       state
	holder      id.PeerID
	attemptTime clock.Time
	readCount   int
	writeCount  int
	peers       map[id.PeerID]string

	triggerMu sync.Mutex
	triggers  []chunk.Trigger

	serviceName string
}

// New creates a legacy chunk with self as its sole initial swarm member.
// failFatal mirrors config.Config.FailLegacyChunkOnTimeout: when true, any
// failed callPeer RPC, whether or not the write lock is held, calls
// fatal.Check and ends the process. Join's handshake calls never do.
func New(chunkID id.ChunkID, self id.PeerID, selfAddr string, clk *clock.Clock, cont container.Container, transport messaging.Transport, failFatal bool) *Chunk {
	c := &Chunk{
		id:          chunkID,
		self:        self,
		selfAddr:    selfAddr,
		clk:         clk,
		container:   cont,
		transport:   transport,
		failFatal:   failFatal,
		peers:       map[id.PeerID]string{self: selfAddr},
		serviceName: fmt.Sprintf("chunk.%s", chunkID.String()),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

var _ chunk.Chunk = (*Chunk)(nil)

func (c *Chunk) ID() id.ChunkID { return c.id }

// Serve registers this chunk's handler on transport so remote swarm
// members can reach it. Must be called before any peer tries to contact
// this chunk.
func (c *Chunk) Serve() error {
	return c.transport.Serve(c.serviceName, messaging.HandlerFunc(c.handle))
}

func (c *Chunk) peerList() map[id.PeerID]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[id.PeerID]string, len(c.peers))
	for p, addr := range c.peers {
		out[p] = addr
	}
	return out
}

// canGrantLocked reports whether a lock request timestamped at reqTime
// must be granted under the current local state, per spec.md §4.D step 3.
// Caller holds c.mu.
func (c *Chunk) canGrantLocked(reqTime clock.Time) bool {
	switch c.state {
	case unlocked:
		return true
	case attempting:
		return c.attemptTime > reqTime
	default:
		return false
	}
}

// handle demultiplexes every incoming legacy-chunk RPC by wireMsg.Op.
func (c *Chunk) handle(ctx context.Context, in messaging.Envelope) (messaging.Envelope, error) {
	c.clk.Synchronize(in.Time)
	msg := wireMsg{}
	if err := gob.NewDecoder(bytes.NewBuffer(in.Payload)).Decode(&msg); err != nil {
		return messaging.Envelope{}, fmt.Errorf("chunk/legacy: decode %s: %w", in.Kind, xerrors.ErrSerializationFailure)
	}
	var reply wireMsg
	var err error
	switch msg.Op {
	case opLock:
		err = c.handleLock(msg)
	case opUnlock:
		err = c.handleUnlock(msg)
	case opInsert, opUpdate:
		err = c.handleReplicate(msg)
	case opConnect:
		reply, err = c.handleConnect(msg)
	case opNewPeer:
		err = c.handleNewPeer(msg)
	case opLeave:
		err = c.handleLeave(msg)
	default:
		err = fmt.Errorf("chunk/legacy: unknown op %q", msg.Op)
	}
	if err != nil {
		return messaging.Envelope{}, err
	}
	out := &bytes.Buffer{}
	if err := gob.NewEncoder(out).Encode(reply); err != nil {
		return messaging.Envelope{}, err
	}
	return messaging.Envelope{Kind: string(msg.Op), Payload: out.Bytes(), Sender: c.self, Time: c.clk.Sample()}, nil
}

// handleLock blocks, holding no lock on the caller's connection goroutine
// other than c.mu (released while waiting), until this chunk's local state
// permits granting the remote request — the condition-variable rendering
// of "defers the reply until it unlocks" (spec.md §4.D step 3).
func (c *Chunk) handleLock(msg wireMsg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.canGrantLocked(msg.AttemptTime) {
		c.cond.Wait()
	}
	return nil
}

func (c *Chunk) handleUnlock(msg wireMsg) error {
	c.mu.Lock()
	if c.holder == msg.Peer {
		c.holder = ""
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

func (c *Chunk) handleReplicate(msg wireMsg) error {
	if msg.Rev == nil {
		return fmt.Errorf("chunk/legacy: replicate with nil revision: %w", xerrors.ErrSerializationFailure)
	}
	if err := c.container.Patch(msg.Rev); err != nil {
		return err
	}
	c.fireTriggers(msg.Op, msg.Rev)
	return nil
}

func (c *Chunk) handleConnect(msg wireMsg) (wireMsg, error) {
	if err := c.WriteLock(); err != nil {
		return wireMsg{}, err
	}
	defer c.Unlock()

	c.mu.Lock()
	c.peers[msg.Peer] = msg.Addr
	others := make(map[id.PeerID]string, len(c.peers))
	for p, addr := range c.peers {
		if p != msg.Peer {
			others[p] = addr
		}
	}
	c.mu.Unlock()

	history, err := c.container.ChunkHistory(c.id, c.clk.Sample())
	if err != nil {
		return wireMsg{}, err
	}

	p := &common.Parallelizer{}
	for peer, addr := range others {
		peer, addr := peer, addr
		if peer == c.self {
			continue
		}
		p.Start(func() error {
			return c.callPeer(addr, wireMsg{Op: opNewPeer, Peer: msg.Peer, Addr: msg.Addr})
		})
	}
	if err := p.Wait(); err != nil {
		log.Warnf("chunk %v: new-peer broadcast: %v", c.id, err)
	}

	return wireMsg{Peers: others, History: history}, nil
}

func (c *Chunk) handleNewPeer(msg wireMsg) error {
	c.mu.Lock()
	c.peers[msg.Peer] = msg.Addr
	c.mu.Unlock()
	return nil
}

func (c *Chunk) handleLeave(msg wireMsg) error {
	c.mu.Lock()
	delete(c.peers, msg.Peer)
	c.mu.Unlock()
	return nil
}

func (c *Chunk) callPeer(addr string, msg wireMsg) error {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(msg); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	reply := messaging.Envelope{}
	err := c.transport.Call(ctx, addr, c.serviceName, buf.Bytes(), &reply)
	if err != nil {
		if c.failFatal {
			fatal.Check(fmt.Errorf("chunk %v: rpc to %v timed out: %w", c.id, addr, xerrors.ErrPeerUnreachable), "legacy chunk RPC timeout")
		}
		return fmt.Errorf("chunk %v: rpc to %v: %w", c.id, addr, xerrors.ErrPeerUnreachable)
	}
	return nil
}

// callPeerReply is callPeer but also decodes the remote reply payload,
// used only by Join against the CONNECT-REQUEST/INIT-REQUEST handshake.
func (c *Chunk) callPeerReply(addr string, msg wireMsg) (wireMsg, error) {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(msg); err != nil {
		return wireMsg{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	reply := messaging.Envelope{}
	if err := c.transport.Call(ctx, addr, c.serviceName, buf.Bytes(), &reply); err != nil {
		return wireMsg{}, fmt.Errorf("chunk %v: rpc to %v: %w", c.id, addr, xerrors.ErrPeerUnreachable)
	}
	out := wireMsg{}
	if len(reply.Payload) > 0 {
		if err := gob.NewDecoder(bytes.NewBuffer(reply.Payload)).Decode(&out); err != nil {
			return wireMsg{}, err
		}
	}
	return out, nil
}

// WriteLock implements chunk.Chunk.
func (c *Chunk) WriteLock() error {
	c.mu.Lock()
	if c.state == writeLocked && c.holder == c.self {
		c.writeCount++
		c.mu.Unlock()
		return nil
	}
	for c.state != unlocked {
		c.cond.Wait()
	}
	c.state = attempting
	c.attemptTime = c.clk.Sample()
	attemptTime := c.attemptTime
	peers := make(map[id.PeerID]string, len(c.peers))
	for p, addr := range c.peers {
		peers[p] = addr
	}
	c.mu.Unlock()

	for peer, addr := range peers {
		if peer == c.self {
			continue
		}
		if err := c.callPeer(addr, wireMsg{Op: opLock, Peer: c.self, AttemptTime: attemptTime}); err != nil {
			c.mu.Lock()
			c.state = unlocked
			c.cond.Broadcast()
			c.mu.Unlock()
			return err
		}
	}

	c.mu.Lock()
	c.state = writeLocked
	c.holder = c.self
	c.writeCount = 1
	c.mu.Unlock()
	return nil
}

// ReadLock implements chunk.Chunk: local-only, reentrant, never an RPC.
func (c *Chunk) ReadLock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.state == attempting || (c.state == writeLocked && c.holder != c.self) {
		c.cond.Wait()
	}
	if c.state == unlocked {
		c.state = readLocked
	}
	c.readCount++
}

func (c *Chunk) ReadUnlock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readCount--
	if c.readCount <= 0 && c.state == readLocked {
		c.readCount = 0
		c.state = unlocked
		c.cond.Broadcast()
	}
}

// Unlock implements chunk.Chunk.
func (c *Chunk) Unlock() error {
	c.mu.Lock()
	if c.state != writeLocked || c.holder != c.self {
		c.mu.Unlock()
		return fmt.Errorf("chunk %v: unlock without write lock held: %w", c.id, xerrors.ErrInvalidState)
	}
	c.writeCount--
	if c.writeCount > 0 {
		c.mu.Unlock()
		return nil
	}
	c.state = unlocked
	c.holder = ""
	peers := make(map[id.PeerID]string, len(c.peers))
	for p, addr := range c.peers {
		peers[p] = addr
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	p := &common.Parallelizer{}
	for peer, addr := range peers {
		if peer == c.self {
			continue
		}
		addr := addr
		p.Start(func() error {
			return c.callPeer(addr, wireMsg{Op: opUnlock, Peer: c.self})
		})
	}
	if err := p.Wait(); err != nil {
		log.Warnf("chunk %v: unlock broadcast: %v", c.id, err)
	}
	return nil
}

func (c *Chunk) broadcastRevision(o op, rev *revision.Revision) error {
	peers := c.peerList()
	p := &common.Parallelizer{}
	for peer, addr := range peers {
		if peer == c.self {
			continue
		}
		addr := addr
		p.Start(func() error {
			return c.callPeer(addr, wireMsg{Op: o, Rev: rev})
		})
	}
	return p.Wait()
}

// Insert implements chunk.Chunk. Caller must hold the write lock.
func (c *Chunk) Insert(rev *revision.Revision) error {
	if err := c.container.Insert(rev); err != nil {
		return err
	}
	if err := c.broadcastRevision(opInsert, rev); err != nil {
		return err
	}
	c.fireTriggers(opInsert, rev)
	return nil
}

// Update implements chunk.Chunk. Caller must hold the write lock.
func (c *Chunk) Update(rev *revision.Revision) error {
	if err := c.container.Update(rev); err != nil {
		return err
	}
	if err := c.broadcastRevision(opUpdate, rev); err != nil {
		return err
	}
	c.fireTriggers(opUpdate, rev)
	return nil
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
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

func (c *Chunk) AddTrigger(t chunk.Trigger) {
	c.triggerMu.Lock()
	defer c.triggerMu.Unlock()
	c.triggers = append(c.triggers, t)
}

func (c *Chunk) fireTriggers(o op, rev *revision.Revision) {
	c.triggerMu.Lock()
	triggers := append([]chunk.Trigger(nil), c.triggers...)
	c.triggerMu.Unlock()
	var insertions, updates []*revision.Revision
	if o == opInsert {
		insertions = []*revision.Revision{rev}
	} else {
		updates = []*revision.Revision{rev}
	}
	for _, trig := range triggers {
		trig(insertions, updates)
	}
}

// Join connects this chunk to an existing swarm through bootstrapAddr,
// installing the full chunk history returned by the remote swarm leader's
// INIT reply (spec.md §4.D's CONNECT-REQUEST/INIT-REQUEST handshake).
func (c *Chunk) Join(bootstrapAddr string) error {
	msg, err := c.callPeerReply(bootstrapAddr, wireMsg{Op: opConnect, Peer: c.self, Addr: c.selfAddr})
	if err != nil {
		return fmt.Errorf("chunk %v: join %v: %w", c.id, bootstrapAddr, err)
	}
	c.mu.Lock()
	for p, addr := range msg.Peers {
		c.peers[p] = addr
	}
	c.mu.Unlock()
	revs := make(map[id.ItemID]*revision.Revision, len(msg.History))
	for _, rev := range msg.History {
		revs[rev.ID()] = rev
	}
	return c.container.BulkInsert(revs)
}

// Leave announces departure from the swarm and closes the chunk.
func (c *Chunk) Leave() error {
	peers := c.peerList()
	p := &common.Parallelizer{}
	for peer, addr := range peers {
		if peer == c.self {
			continue
		}
		addr := addr
		p.Start(func() error {
			return c.callPeer(addr, wireMsg{Op: opLeave, Peer: c.self})
		})
	}
	return p.Wait()
}

func (c *Chunk) Close() error {
	return c.container.Close()
}
