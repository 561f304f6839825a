// Package swarmnode composes the pieces named across SPEC_FULL.md §§4/6
// into one running process: a messaging transport, a discovery
// collaborator, and one nettable.NetTable per table, each wired with a
// chunk.Chunk factory chosen by config.Config.UseRaft. Grounded on the
// teacher's node.Node, which performs the same role (switchboard.Server +
// ring.Ring + raft.Server, wrapped behind a thin New/Start), generalized
// from "one raft group for the whole ring" to "one NetTable, and
// potentially one raft group per chunk, per table."
package swarmnode

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chunkswarm/swarmstore/chunk"
	"github.com/chunkswarm/swarmstore/chunk/consensus"
	"github.com/chunkswarm/swarmstore/chunk/legacy"
	"github.com/chunkswarm/swarmstore/clock"
	"github.com/chunkswarm/swarmstore/config"
	"github.com/chunkswarm/swarmstore/container"
	"github.com/chunkswarm/swarmstore/discovery"
	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/log"
	"github.com/chunkswarm/swarmstore/messaging"
	"github.com/chunkswarm/swarmstore/nettable"
	"github.com/chunkswarm/swarmstore/txn"
	"github.com/chunkswarm/swarmstore/workspace"
)

const callTimeout = 5 * time.Second

// Node is one swarm process: the transport and discovery collaborator it
// was built with, its own peer identity, and the tables it currently
// participates in.
type Node struct {
	cfg       config.Config
	self      id.PeerID
	clk       *clock.Clock
	transport messaging.Transport
	disc      discovery.Collaborator

	mu     sync.RWMutex
	tables map[string]*nettable.NetTable
}

// New returns a Node identified by cfg.Addr, ready to Serve once tables
// are created.
func New(cfg config.Config, transport messaging.Transport, disc discovery.Collaborator) *Node {
	return &Node{
		cfg:       cfg,
		self:      id.PeerID(cfg.Addr),
		clk:       clock.New(),
		transport: transport,
		disc:      disc,
		tables:    map[string]*nettable.NetTable{},
	}
}

// Self returns this process's peer identity, its own listen address.
func (n *Node) Self() id.PeerID { return n.self }

// Clock returns the node's logical clock, shared by every table's
// transactions.
func (n *Node) Clock() *clock.Clock { return n.clk }

// Serve registers the control-plane handler ("swarm", see control.go) on
// the transport. Individual chunks and tables register their own service
// names as they're created.
func (n *Node) Serve() error {
	return n.transport.Serve("swarm", messaging.HandlerFunc(n.handleControl))
}

// Announce registers this process in the discovery collaborator under its
// own address.
func (n *Node) Announce() error {
	return n.disc.Announce(discovery.Record{Peer: n.self, Addr: n.cfg.Addr})
}

// Tables returns the names of every table this process currently
// participates in.
func (n *Node) Tables() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.tables))
	for name := range n.tables {
		out = append(out, name)
	}
	return out
}

// Table returns the named table, if this process has created or joined
// it.
func (n *Node) Table(name string) (*nettable.NetTable, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.tables[name]
	return t, ok
}

// CreateTable registers a new table named name, wiring its NetTable with
// a chunk factory that builds legacy or consensus chunks per
// cfg.UseRaft. Fails if the table already exists locally.
func (n *Node) CreateTable(name string) (*nettable.NetTable, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.tables[name]; ok {
		return nil, fmt.Errorf("swarmnode: table %q already exists", name)
	}
	table := nettable.New(name, n.makeFactory(name), n.makePusher(name), n.makeResolver(name))
	if err := n.transport.Serve("nettable."+name, messaging.HandlerFunc(n.makeNettableHandler(name, table))); err != nil {
		return nil, fmt.Errorf("swarmnode: serve table %q: %w", name, err)
	}
	n.tables[name] = table
	return table, nil
}

// Transaction starts a new unscoped multi-table transaction against this
// node's clock.
func (n *Node) Transaction() *txn.Transaction {
	return txn.NewTransaction(n.clk)
}

// ScopedTransaction starts a new multi-table transaction narrowed to
// scope's visible tables and chunks.
func (n *Node) ScopedTransaction(scope *workspace.Workspace) *txn.Transaction {
	return txn.NewScopedTransaction(n.clk, scope)
}

func (n *Node) containerDir(table string, chunkID id.ChunkID) string {
	return filepath.Join(n.cfg.Dir, "chunks", table, chunkID.String())
}

func (n *Node) newContainer(table string, chunkID id.ChunkID) (container.Container, error) {
	dir := n.containerDir(table, chunkID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("swarmnode: create container dir %q: %w", dir, err)
	}
	cont, err := container.NewOverflow(filepath.Join(dir, "data.db"))
	if err != nil {
		return nil, fmt.Errorf("swarmnode: open container for %s/%v: %w", table, chunkID, err)
	}
	return cont, nil
}

func (n *Node) makeFactory(table string) nettable.Factory {
	return func(chunkID id.ChunkID) (chunk.Chunk, error) {
		cont, err := n.newContainer(table, chunkID)
		if err != nil {
			return nil, err
		}
		if n.cfg.UseRaft {
			c, err := consensus.New(chunkID, n.self, n.cfg.Addr, filepath.Join(n.cfg.Dir, "raft", table), n.clk, cont, n.transport)
			if err != nil {
				return nil, err
			}
			if err := c.Serve(); err != nil {
				return nil, err
			}
			if err := c.Start(""); err != nil {
				return nil, err
			}
			return c, nil
		}
		c := legacy.New(chunkID, n.self, n.cfg.Addr, n.clk, cont, n.transport, n.cfg.FailLegacyChunkOnTimeout)
		if err := c.Serve(); err != nil {
			return nil, err
		}
		return c, nil
	}
}

func (n *Node) makeResolver(table string) nettable.Resolver {
	return func(chunkID id.ChunkID, holderAddr string) (chunk.Chunk, error) {
		cont, err := n.newContainer(table, chunkID)
		if err != nil {
			return nil, err
		}
		if n.cfg.UseRaft {
			c, err := consensus.New(chunkID, n.self, n.cfg.Addr, filepath.Join(n.cfg.Dir, "raft", table), n.clk, cont, n.transport)
			if err != nil {
				return nil, err
			}
			if err := c.Serve(); err != nil {
				return nil, err
			}
			if err := c.Start(holderAddr); err != nil {
				return nil, err
			}
			return c, nil
		}
		c := legacy.New(chunkID, n.self, n.cfg.Addr, n.clk, cont, n.transport, n.cfg.FailLegacyChunkOnTimeout)
		if err := c.Serve(); err != nil {
			return nil, err
		}
		if err := c.Join(holderAddr); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// nettableOp selects the meaning of a nettableMsg exchanged between
// tables' "push-new-chunks" listeners.
type nettableOp string

const (
	opPush nettableOp = "push"
)

// nettableMsg is the payload carried by every "nettable.<table>" request,
// mirroring chunk/legacy's single-wire-shape-per-package convention.
type nettableMsg struct {
	Op      nettableOp
	ChunkID id.ChunkID
	Peer    id.PeerID
	Addr    string
}

func (n *Node) makePusher(table string) nettable.Pusher {
	return func(listenerAddr string, chunkID id.ChunkID) error {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(nettableMsg{Op: opPush, ChunkID: chunkID, Peer: n.self, Addr: n.cfg.Addr}); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		var reply messaging.Envelope
		return n.transport.Call(ctx, listenerAddr, "nettable."+table, buf.Bytes(), &reply)
	}
}

func (n *Node) makeNettableHandler(table string, nt *nettable.NetTable) func(ctx context.Context, in messaging.Envelope) (messaging.Envelope, error) {
	return func(ctx context.Context, in messaging.Envelope) (messaging.Envelope, error) {
		n.clk.Synchronize(in.Time)
		var msg nettableMsg
		if err := gob.NewDecoder(bytes.NewReader(in.Payload)).Decode(&msg); err != nil {
			return messaging.Envelope{}, fmt.Errorf("swarmnode: decode nettable message for %q: %w", table, err)
		}
		switch msg.Op {
		case opPush:
			nt.RegisterHolder(msg.ChunkID, msg.Peer, msg.Addr)
			log.Debugf("table %q: learned %v holds chunk %v", table, msg.Peer, msg.ChunkID)
		default:
			return messaging.Envelope{}, fmt.Errorf("swarmnode: unknown nettable op %q", msg.Op)
		}
		return messaging.Envelope{Sender: n.self, Time: n.clk.Sample()}, nil
	}
}

// Close releases the transport and discovery collaborator. Chunks held by
// the node's tables are not closed here.
func (n *Node) Close() error {
	if err := n.disc.Remove(n.self); err != nil {
		log.Warnf("swarmnode: remove self from discovery: %v", err)
	}
	return n.transport.Close()
}
