// Package file implements discovery.Collaborator over a single boltdb
// file shared by every local process that wants to find its swarm peers.
// Grounded on the teacher's peer.selectPos: a metadata bucket inside a
// bolt.DB holding small, infrequently-written values.
package file

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/chunkswarm/swarmstore/discovery"
	"github.com/chunkswarm/swarmstore/id"
)

var peersBucketKey = []byte("peers")

// Collaborator is a discovery.Collaborator backed by one boltdb file. Every
// process pointed at the same path sees the same peer set. The bolt file
// lock itself (held for the process lifetime via Options.Timeout) is what
// makes concurrent opens from crashed-and-restarted processes wait rather
// than corrupt the file; Lock/Unlock additionally serialize this process's
// own discovery-mutating goroutines.
type Collaborator struct {
	mu sync.Mutex
	db *bolt.DB
}

// Open opens (creating if absent) the discovery file at path. timeout
// bounds how long Open waits for bolt's file lock if another process
// (possibly dead) is holding it — spec.md §6's discovery_timeout_seconds.
func Open(path string, timeout time.Duration) (*Collaborator, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("discovery/file: open %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(peersBucketKey)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Collaborator{db: db}, nil
}

var _ discovery.Collaborator = (*Collaborator)(nil)

func (c *Collaborator) Announce(rec discovery.Record) error {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(rec); err != nil {
		return fmt.Errorf("discovery/file: encode %v: %w", rec, err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucketKey).Put([]byte(rec.Peer), buf.Bytes())
	})
}

func (c *Collaborator) GetPeers() ([]discovery.Record, error) {
	var out []discovery.Record
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucketKey).ForEach(func(k, v []byte) error {
			rec := discovery.Record{}
			if err := gob.NewDecoder(bytes.NewBuffer(v)).Decode(&rec); err != nil {
				return fmt.Errorf("discovery/file: decode %x: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Collaborator) Remove(peer id.PeerID) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucketKey).Delete([]byte(peer))
	})
}

func (c *Collaborator) Lock() error {
	c.mu.Lock()
	return nil
}

func (c *Collaborator) Unlock() error {
	c.mu.Unlock()
	return nil
}

// Close releases the underlying boltdb file handle, freeing its lock for
// the next process.
func (c *Collaborator) Close() error {
	return c.db.Close()
}
