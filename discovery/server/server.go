// Package server is a thin client for the discovery-server mode named by
// spec.md §6 (discovery_mode=server, discovery_server=<addr>). The server
// side is out of scope per spec.md §1 ("peer discovery file/server ...
// treated as external collaborators with named interfaces only"); this
// package only implements the client half, dialing out over
// messaging.Transport using the `discovery` request kind from the wire
// contract enumerated in spec.md §6.
package server

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/chunkswarm/swarmstore/discovery"
	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/messaging"
)

const requestKind = "discovery"

type op string

const (
	opAnnounce op = "announce"
	opGetPeers op = "get-peers"
	opRemove   op = "remove"
	opLock     op = "lock"
	opUnlock   op = "unlock"
)

type request struct {
	Op     op
	Record discovery.Record
	Peer   id.PeerID
}

// Collaborator is a discovery.Collaborator that forwards every call to a
// remote discovery server over transport. Lock/Unlock round-trip like
// everything else; the server is responsible for serializing concurrent
// lock holders, since unlike the file backend there is no local mutex to
// share across processes.
type Collaborator struct {
	transport messaging.Transport
	addr      string
	timeout   time.Duration
}

// New returns a client for the discovery server at addr, reached through
// transport. timeout bounds each individual RPC.
func New(transport messaging.Transport, addr string, timeout time.Duration) *Collaborator {
	return &Collaborator{transport: transport, addr: addr, timeout: timeout}
}

var _ discovery.Collaborator = (*Collaborator)(nil)

func (c *Collaborator) call(req request) error {
	payload := &bytes.Buffer{}
	if err := gob.NewEncoder(payload).Encode(req); err != nil {
		return fmt.Errorf("discovery/server: encode %v: %w", req.Op, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	reply := messaging.Envelope{}
	return c.transport.Call(ctx, c.addr, requestKind, payload.Bytes(), &reply)
}

func (c *Collaborator) Announce(rec discovery.Record) error {
	return c.call(request{Op: opAnnounce, Record: rec})
}

func (c *Collaborator) GetPeers() ([]discovery.Record, error) {
	payload := &bytes.Buffer{}
	if err := gob.NewEncoder(payload).Encode(request{Op: opGetPeers}); err != nil {
		return nil, fmt.Errorf("discovery/server: encode get-peers: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	reply := messaging.Envelope{}
	if err := c.transport.Call(ctx, c.addr, requestKind, payload.Bytes(), &reply); err != nil {
		return nil, err
	}
	var out []discovery.Record
	if len(reply.Payload) == 0 {
		return nil, nil
	}
	if err := gob.NewDecoder(bytes.NewBuffer(reply.Payload)).Decode(&out); err != nil {
		return nil, fmt.Errorf("discovery/server: decode peers: %w", err)
	}
	return out, nil
}

func (c *Collaborator) Remove(peer id.PeerID) error {
	return c.call(request{Op: opRemove, Peer: peer})
}

func (c *Collaborator) Lock() error {
	return c.call(request{Op: opLock})
}

func (c *Collaborator) Unlock() error {
	return c.call(request{Op: opUnlock})
}
