package consensus

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goraft/raft"

	"github.com/chunkswarm/swarmstore/messaging"
	"github.com/chunkswarm/swarmstore/xerrors"
)

// doKind tags which concrete raft.Command a doRequest carries, since gob
// can't encode an interface field without one of its own.
type doKind string

const (
	doLock     doKind = "lock"
	doUnlock   doKind = "unlock"
	doRevision doKind = "revision"
	doPrepare  doKind = "prepare"
	doJoin     doKind = "join"
	doLeave    doKind = "leave"
)

// doRequest forwards a raft.Do(cmd) call to the leader, the same role the
// teacher's transport.JoinRequest plays for joins alone; this generalizes
// it to every command kind a consensus chunk can submit.
type doRequest struct {
	Kind     doKind
	Lock     *lockCommand
	Unlock   *unlockCommand
	Revision *revisionCommand
	Prepare  *prepareCommand
	Join     *raft.DefaultJoinCommand
	Leave    *raft.DefaultLeaveCommand
}

func (r doRequest) command() (raft.Command, error) {
	switch r.Kind {
	case doLock:
		return r.Lock, nil
	case doUnlock:
		return r.Unlock, nil
	case doRevision:
		return r.Revision, nil
	case doPrepare:
		return r.Prepare, nil
	case doJoin:
		return r.Join, nil
	case doLeave:
		return r.Leave, nil
	default:
		return nil, fmt.Errorf("chunk/consensus: unknown do kind %q", r.Kind)
	}
}

func wrapDoRequest(cmd raft.Command) (doRequest, error) {
	switch v := cmd.(type) {
	case *lockCommand:
		return doRequest{Kind: doLock, Lock: v}, nil
	case *unlockCommand:
		return doRequest{Kind: doUnlock, Unlock: v}, nil
	case *revisionCommand:
		return doRequest{Kind: doRevision, Revision: v}, nil
	case *prepareCommand:
		return doRequest{Kind: doPrepare, Prepare: v}, nil
	case *raft.DefaultJoinCommand:
		return doRequest{Kind: doJoin, Join: v}, nil
	case *raft.DefaultLeaveCommand:
		return doRequest{Kind: doLeave, Leave: v}, nil
	default:
		return doRequest{}, fmt.Errorf("chunk/consensus: cannot forward command of type %T", cmd)
	}
}

// forwardDo sends cmd to addr's chunk service to be submitted there
// instead, used when this process isn't the raft leader (mirrors the
// teacher's RPCServer.Join "forward to leader" branch).
func (c *Chunk) forwardDo(addr string, cmd raft.Command) error {
	req, err := wrapDoRequest(cmd)
	if err != nil {
		return err
	}
	raw, err := gobEncode(req)
	if err != nil {
		return err
	}
	payload, err := gobEncode(rpcEnvelope{Op: opDo, Raw: raw})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	reply := messaging.Envelope{}
	if err := c.transport.Call(ctx, addr, c.serviceName, payload, &reply); err != nil {
		return fmt.Errorf("chunk %v: forward to %v: %w", c.id, addr, xerrors.ErrPeerUnreachable)
	}
	return nil
}

func encodeToBytes(v encoder) ([]byte, error) {
	buf := &bytes.Buffer{}
	if _, err := v.Encode(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// handle demultiplexes every incoming consensus-chunk RPC: raft's own
// RequestVote/AppendEntries/RequestSnapshot/SnapshotRecoveryRequest, and
// this package's Do-forward requests, all registered under one
// messaging.Transport service per chunk (chunk/legacy follows the same
// one-service-per-chunk convention for its wireMsg.Op).
func (c *Chunk) handle(ctx context.Context, in messaging.Envelope) (messaging.Envelope, error) {
	c.clk.Synchronize(in.Time)

	var env rpcEnvelope
	if err := gobDecode(in.Payload, &env); err != nil {
		return messaging.Envelope{}, fmt.Errorf("chunk/consensus: decode %s: %w", in.Kind, xerrors.ErrSerializationFailure)
	}

	var outRaw []byte
	var err error
	switch env.Op {
	case opVote:
		req := &raft.RequestVoteRequest{}
		if _, err = req.Decode(bytes.NewBuffer(env.Raw)); err == nil {
			outRaw, err = encodeToBytes(c.raft.RequestVote(req))
		}
	case opAppend:
		req := &raft.AppendEntriesRequest{}
		if _, err = req.Decode(bytes.NewBuffer(env.Raw)); err == nil {
			outRaw, err = encodeToBytes(c.raft.AppendEntries(req))
		}
	case opSnapshot:
		req := &raft.SnapshotRequest{}
		if _, err = req.Decode(bytes.NewBuffer(env.Raw)); err == nil {
			outRaw, err = encodeToBytes(c.raft.RequestSnapshot(req))
		}
	case opSnapshotRecovery:
		req := &raft.SnapshotRecoveryRequest{}
		if _, err = req.Decode(bytes.NewBuffer(env.Raw)); err == nil {
			outRaw, err = encodeToBytes(c.raft.SnapshotRecoveryRequest(req))
		}
	case opDo:
		var req doRequest
		if err = gobDecode(env.Raw, &req); err == nil {
			var cmd raft.Command
			if cmd, err = req.command(); err == nil {
				_, err = c.doCommand(cmd)
			}
		}
	default:
		err = fmt.Errorf("chunk/consensus: unknown rpc op %q", env.Op)
	}
	if err != nil {
		return messaging.Envelope{}, err
	}

	payload, err := gobEncode(rpcEnvelope{Op: env.Op, Raw: outRaw})
	if err != nil {
		return messaging.Envelope{}, err
	}
	return messaging.Envelope{Kind: c.serviceName, Payload: payload, Sender: c.self, Time: c.clk.Sample()}, nil
}
