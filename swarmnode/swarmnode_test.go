package swarmnode

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/chunkswarm/swarmstore/config"
	"github.com/chunkswarm/swarmstore/discovery"
	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/messaging"
)

// fakeNetwork routes fakeTransport.Call to whatever fakeTransport last
// Served the requested name at the requested address, entirely in
// process, mirroring chunk/legacy_test.go's stubTransport but extended to
// multiple addresses since these tests exercise cross-node control RPCs.
type fakeNetwork struct {
	mu       sync.Mutex
	handlers map[string]map[string]messaging.Handler
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{handlers: map[string]map[string]messaging.Handler{}}
}

type fakeTransport struct {
	net  *fakeNetwork
	addr string
}

func (t *fakeTransport) Serve(name string, h messaging.Handler) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if t.net.handlers[t.addr] == nil {
		t.net.handlers[t.addr] = map[string]messaging.Handler{}
	}
	t.net.handlers[t.addr][name] = h
	return nil
}

func (t *fakeTransport) Call(ctx context.Context, addr, kind string, payload []byte, reply *messaging.Envelope) error {
	t.net.mu.Lock()
	h, ok := t.net.handlers[addr][kind]
	t.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("fakeTransport: no handler %q registered at %s", kind, addr)
	}
	out, err := h.Handle(ctx, messaging.Envelope{Kind: kind, Payload: payload})
	if err != nil {
		return err
	}
	*reply = out
	return nil
}

func (t *fakeTransport) Close() error { return nil }

var _ messaging.Transport = (*fakeTransport)(nil)

// fakeDiscovery is a private, in-memory discovery.Collaborator: each Node
// under test gets its own, standing in for two hosts that don't share a
// discovery backend, exactly the situation Node.Join exists to bridge.
type fakeDiscovery struct {
	mu      sync.Mutex
	records map[id.PeerID]discovery.Record
}

func newFakeDiscovery() *fakeDiscovery {
	return &fakeDiscovery{records: map[id.PeerID]discovery.Record{}}
}

func (d *fakeDiscovery) Announce(rec discovery.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[rec.Peer] = rec
	return nil
}

func (d *fakeDiscovery) GetPeers() ([]discovery.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]discovery.Record, 0, len(d.records))
	for _, r := range d.records {
		out = append(out, r)
	}
	return out, nil
}

func (d *fakeDiscovery) Remove(peer id.PeerID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, peer)
	return nil
}

func (d *fakeDiscovery) Lock() error   { return nil }
func (d *fakeDiscovery) Unlock() error { return nil }

var _ discovery.Collaborator = (*fakeDiscovery)(nil)

func newTestNode(net *fakeNetwork, addr string) *Node {
	cfg := config.Config{Addr: addr}
	return New(cfg, &fakeTransport{net: net, addr: addr}, newFakeDiscovery())
}

func TestAnnounceRegistersSelfInDiscovery(t *testing.T) {
	n := newTestNode(newFakeNetwork(), "127.0.0.1:9001")
	if err := n.Announce(); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	peers, err := n.disc.GetPeers()
	if err != nil {
		t.Fatalf("GetPeers: %v", err)
	}
	if len(peers) != 1 || peers[0].Peer != n.Self() || peers[0].Addr != "127.0.0.1:9001" {
		t.Errorf("GetPeers() = %v, want one record for self", peers)
	}
}

func TestCreateTableIsIdempotentlyRejected(t *testing.T) {
	n := newTestNode(newFakeNetwork(), "127.0.0.1:9002")
	if err := n.Serve(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if _, err := n.CreateTable("pose"); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, err := n.CreateTable("pose"); err == nil {
		t.Errorf("second CreateTable(pose) should fail, got nil error")
	}
	tables := n.Tables()
	if len(tables) != 1 || tables[0] != "pose" {
		t.Errorf("Tables() = %v, want [pose]", tables)
	}
}

func TestJoinExchangesDiscoveryPeers(t *testing.T) {
	net := newFakeNetwork()
	a := newTestNode(net, "127.0.0.1:9101")
	b := newTestNode(net, "127.0.0.1:9102")

	if err := a.Serve(); err != nil {
		t.Fatalf("a.Serve: %v", err)
	}
	if err := b.Serve(); err != nil {
		t.Fatalf("b.Serve: %v", err)
	}
	if err := a.Announce(); err != nil {
		t.Fatalf("a.Announce: %v", err)
	}
	if err := b.Announce(); err != nil {
		t.Fatalf("b.Announce: %v", err)
	}

	if err := b.Join(context.Background(), "127.0.0.1:9101"); err != nil {
		t.Fatalf("b.Join: %v", err)
	}

	bPeers, err := b.disc.GetPeers()
	if err != nil {
		t.Fatalf("b GetPeers: %v", err)
	}
	if len(bPeers) != 2 {
		t.Errorf("b's discovery has %d peers, want 2", len(bPeers))
	}

	aPeers, err := a.disc.GetPeers()
	if err != nil {
		t.Fatalf("a GetPeers: %v", err)
	}
	if len(aPeers) != 2 {
		t.Errorf("a's discovery has %d peers, want 2 (b should have announced itself during hello)", len(aPeers))
	}
}

func TestCreateTableOnCreatesRemoteAndLocalTable(t *testing.T) {
	net := newFakeNetwork()
	a := newTestNode(net, "127.0.0.1:9201")
	b := newTestNode(net, "127.0.0.1:9202")
	if err := a.Serve(); err != nil {
		t.Fatalf("a.Serve: %v", err)
	}
	if err := b.Serve(); err != nil {
		t.Fatalf("b.Serve: %v", err)
	}

	if err := b.CreateTableOn(context.Background(), "127.0.0.1:9201", "vertex"); err != nil {
		t.Fatalf("CreateTableOn: %v", err)
	}

	if _, ok := a.Table("vertex"); !ok {
		t.Errorf("a should have created vertex remotely")
	}
	if _, ok := b.Table("vertex"); !ok {
		t.Errorf("b should have created vertex locally too")
	}
}
