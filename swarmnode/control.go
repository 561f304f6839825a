package swarmnode

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/chunkswarm/swarmstore/discovery"
	"github.com/chunkswarm/swarmstore/messaging"
)

// controlOp selects the meaning of a controlRequest sent to the "swarm"
// service every Node registers, mirroring the teacher's idrafty debug
// command dispatch but carried over one typed RPC instead of a
// method-name-per-command switchboard call.
type controlOp string

const (
	// opHello exchanges known discovery peers with the caller, used by
	// Node.Join to bootstrap a file-backed discovery collaborator that
	// has no shared storage with the peer being joined.
	opHello controlOp = "hello"

	// opCreateTable creates name locally if it doesn't already exist.
	opCreateTable controlOp = "create-table"

	// opTables lists the tables this process currently participates in.
	opTables controlOp = "tables"
)

type controlRequest struct {
	Op    controlOp
	Peers []discovery.Record
	Table string
}

type controlResponse struct {
	Peers  []discovery.Record
	Tables []string
}

func (n *Node) handleControl(ctx context.Context, in messaging.Envelope) (messaging.Envelope, error) {
	n.clk.Synchronize(in.Time)
	var req controlRequest
	if err := gob.NewDecoder(bytes.NewReader(in.Payload)).Decode(&req); err != nil {
		return messaging.Envelope{}, fmt.Errorf("swarmnode: decode control request: %w", err)
	}

	var resp controlResponse
	switch req.Op {
	case opHello:
		for _, peer := range req.Peers {
			if err := n.disc.Announce(peer); err != nil {
				return messaging.Envelope{}, fmt.Errorf("swarmnode: announce %v: %w", peer.Peer, err)
			}
		}
		peers, err := n.disc.GetPeers()
		if err != nil {
			return messaging.Envelope{}, fmt.Errorf("swarmnode: get peers: %w", err)
		}
		resp.Peers = peers
	case opCreateTable:
		if _, ok := n.Table(req.Table); !ok {
			if _, err := n.CreateTable(req.Table); err != nil {
				return messaging.Envelope{}, err
			}
		}
	case opTables:
		resp.Tables = n.Tables()
	default:
		return messaging.Envelope{}, fmt.Errorf("swarmnode: unknown control op %q", req.Op)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(resp); err != nil {
		return messaging.Envelope{}, fmt.Errorf("swarmnode: encode control response: %w", err)
	}
	return messaging.Envelope{Payload: buf.Bytes(), Sender: n.self, Time: n.clk.Sample()}, nil
}

func (n *Node) callControl(ctx context.Context, addr string, req controlRequest) (controlResponse, error) {
	return callControlRPC(ctx, n.transport, addr, req)
}

// callControlRPC issues one "swarm" control request over transport,
// shared by Node's own internal calls (Join, CreateTableOn) and
// RemoteClient, which has no Node of its own.
func callControlRPC(ctx context.Context, transport messaging.Transport, addr string, req controlRequest) (controlResponse, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return controlResponse{}, err
	}
	var reply messaging.Envelope
	if err := transport.Call(ctx, addr, "swarm", buf.Bytes(), &reply); err != nil {
		return controlResponse{}, fmt.Errorf("swarmnode: control call %q to %s: %w", req.Op, addr, err)
	}
	var resp controlResponse
	if err := gob.NewDecoder(bytes.NewReader(reply.Payload)).Decode(&resp); err != nil {
		return controlResponse{}, fmt.Errorf("swarmnode: decode control reply from %s: %w", addr, err)
	}
	return resp, nil
}

// Join contacts an existing peer at addr, exchanging discovery records so
// this process's discovery collaborator learns of the whole swarm even
// when the two processes don't share discovery storage (e.g. two
// file-backed collaborators on different hosts).
func (n *Node) Join(ctx context.Context, addr string) error {
	local, err := n.disc.GetPeers()
	if err != nil {
		return fmt.Errorf("swarmnode: join %s: get local peers: %w", addr, err)
	}
	resp, err := n.callControl(ctx, addr, controlRequest{Op: opHello, Peers: local})
	if err != nil {
		return fmt.Errorf("swarmnode: join %s: %w", addr, err)
	}
	for _, peer := range resp.Peers {
		if err := n.disc.Announce(peer); err != nil {
			return fmt.Errorf("swarmnode: join %s: announce %v: %w", addr, peer.Peer, err)
		}
	}
	return nil
}

// CreateTableOn asks the peer at addr to create table name if it doesn't
// have it yet, then creates it locally too, for callers that want a table
// to exist swarm-wide before any chunk is inserted into it.
func (n *Node) CreateTableOn(ctx context.Context, addr, name string) error {
	if _, err := n.callControl(ctx, addr, controlRequest{Op: opCreateTable, Table: name}); err != nil {
		return err
	}
	if _, ok := n.Table(name); ok {
		return nil
	}
	_, err := n.CreateTable(name)
	return err
}

// RemoteClient issues "swarm" control-plane requests against a running
// Node's transport without needing a Node of its own, the same relation
// the teacher's idrafty debug CLI has to a live drafty process: a bare
// client dialing in from outside.
type RemoteClient struct {
	transport messaging.Transport
}

// NewRemoteClient wraps transport (typically a client-only
// tcprpc.Transport built with an empty listen address) for control calls
// against any addr.
func NewRemoteClient(transport messaging.Transport) *RemoteClient {
	return &RemoteClient{transport: transport}
}

// Tables lists the tables the process at addr currently participates in.
func (rc *RemoteClient) Tables(ctx context.Context, addr string) ([]string, error) {
	resp, err := callControlRPC(ctx, rc.transport, addr, controlRequest{Op: opTables})
	if err != nil {
		return nil, err
	}
	return resp.Tables, nil
}

// CreateTable asks the process at addr to create table name.
func (rc *RemoteClient) CreateTable(ctx context.Context, addr, name string) error {
	_, err := callControlRPC(ctx, rc.transport, addr, controlRequest{Op: opCreateTable, Table: name})
	return err
}

// Hello exchanges peers with the process at addr, returning its resulting
// view of the swarm.
func (rc *RemoteClient) Hello(ctx context.Context, addr string, peers []discovery.Record) ([]discovery.Record, error) {
	resp, err := callControlRPC(ctx, rc.transport, addr, controlRequest{Op: opHello, Peers: peers})
	if err != nil {
		return nil, err
	}
	return resp.Peers, nil
}
