package consensus

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"time"

	"github.com/goraft/raft"

	"github.com/chunkswarm/swarmstore/messaging"
	"github.com/chunkswarm/swarmstore/xerrors"
)

// rpcOp tags which of raft's own RPCs, or one of this package's Do-forward
// requests, a wire envelope carries. Every consensus chunk registers a
// single messaging.Transport service (its serviceName) and demultiplexes
// on this tag, the same convention chunk/legacy uses for its own wireMsg.Op.
type rpcOp byte

const (
	opVote             rpcOp = 'V'
	opAppend           rpcOp = 'A'
	opSnapshot         rpcOp = 'S'
	opSnapshotRecovery rpcOp = 'R'
	opDo               rpcOp = 'D'
)

type rpcEnvelope struct {
	Op  rpcOp
	Raw []byte
}

func gobEncode(v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewBuffer(b)).Decode(v)
}

// encoder and decoder match the shape goraft's own request/response types
// (raft.RequestVoteRequest, raft.AppendEntriesResponse, and so on) already
// implement, per the teacher's raft/transport/rpc.go.
type encoder interface {
	Encode(io.Writer) (int, error)
}

type decoder interface {
	Decode(io.Reader) (int, error)
}

// rpcTransport implements raft.Transporter over a messaging.Transport,
// generalizing the teacher's raft/transport.RPCTransport (which goes
// straight to switchboard) to any transport implementation.
type rpcTransport struct {
	transport   messaging.Transport
	serviceName string
	timeout     time.Duration
}

func (t *rpcTransport) call(addr string, op rpcOp, req encoder, resp decoder) error {
	raw, err := func() ([]byte, error) {
		buf := &bytes.Buffer{}
		if _, err := req.Encode(buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}()
	if err != nil {
		return err
	}
	payload, err := gobEncode(rpcEnvelope{Op: op, Raw: raw})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	reply := messaging.Envelope{}
	if err := t.transport.Call(ctx, addr, t.serviceName, payload, &reply); err != nil {
		return fmt.Errorf("chunk/consensus: rpc to %v: %w", addr, xerrors.ErrPeerUnreachable)
	}
	var out rpcEnvelope
	if err := gobDecode(reply.Payload, &out); err != nil {
		return err
	}
	if _, err := resp.Decode(bytes.NewBuffer(out.Raw)); err != nil {
		return err
	}
	return nil
}

func (t *rpcTransport) SendVoteRequest(server raft.Server, peer *raft.Peer, req *raft.RequestVoteRequest) *raft.RequestVoteResponse {
	resp := &raft.RequestVoteResponse{}
	if err := t.call(peer.ConnectionString, opVote, req, resp); err != nil {
		return nil
	}
	return resp
}

func (t *rpcTransport) SendAppendEntriesRequest(server raft.Server, peer *raft.Peer, req *raft.AppendEntriesRequest) *raft.AppendEntriesResponse {
	resp := &raft.AppendEntriesResponse{}
	if err := t.call(peer.ConnectionString, opAppend, req, resp); err != nil {
		return nil
	}
	return resp
}

func (t *rpcTransport) SendSnapshotRequest(server raft.Server, peer *raft.Peer, req *raft.SnapshotRequest) *raft.SnapshotResponse {
	resp := &raft.SnapshotResponse{}
	if err := t.call(peer.ConnectionString, opSnapshot, req, resp); err != nil {
		return nil
	}
	return resp
}

func (t *rpcTransport) SendSnapshotRecoveryRequest(server raft.Server, peer *raft.Peer, req *raft.SnapshotRecoveryRequest) *raft.SnapshotRecoveryResponse {
	resp := &raft.SnapshotRecoveryResponse{}
	if err := t.call(peer.ConnectionString, opSnapshotRecovery, req, resp); err != nil {
		return nil
	}
	return resp
}

var _ raft.Transporter = (*rpcTransport)(nil)
