// Package archive implements the per-table persistence format of
// spec.md §6: a gzip-compressed stream of (4-byte LE count, then repeated
// (varint size, revision payload)). Read decodes such a stream and
// ChunkIDs lists the chunk ids its revisions declare; this package does
// not itself recreate chunks or install revisions into a
// container.Container. Grounded on the teacher's encoding/gob usage
// elsewhere (revision.Revision.MarshalBinary) for the per-revision
// payload; the outer count/varint framing is this package's own, since
// the teacher has no on-disk table snapshot format to imitate.
package archive

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/chunkswarm/swarmstore/id"
	"github.com/chunkswarm/swarmstore/revision"
)

// Write serializes every revision in revs, in the order given (not grouped
// by chunk), to w in the spec.md §6 archive format. The count written is
// len(revs), so Write(revs) then Read gives back every revision (each
// chunk's membership is recovered from each revision's own ChunkID()).
func Write(w io.Writer, revs []*revision.Revision) error {
	gz := gzip.NewWriter(w)
	bw := bufio.NewWriter(gz)

	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(revs)))
	if _, err := bw.Write(count[:]); err != nil {
		return fmt.Errorf("archive: write count: %w", err)
	}

	var varintBuf [binary.MaxVarintLen64]byte
	for i, rev := range revs {
		payload, err := rev.MarshalBinary()
		if err != nil {
			return fmt.Errorf("archive: marshal revision %d: %w", i, err)
		}
		n := binary.PutUvarint(varintBuf[:], uint64(len(payload)))
		if _, err := bw.Write(varintBuf[:n]); err != nil {
			return fmt.Errorf("archive: write size %d: %w", i, err)
		}
		if _, err := bw.Write(payload); err != nil {
			return fmt.Errorf("archive: write payload %d: %w", i, err)
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("archive: flush: %w", err)
	}
	return gz.Close()
}

// ChunkIDs returns the distinct chunk ids referenced by revs, in first-seen
// order — the "declared ids" spec.md §6 says reload uses to recreate
// chunks before installing their revisions.
func ChunkIDs(revs []*revision.Revision) []id.ChunkID {
	seen := map[id.ChunkID]bool{}
	var out []id.ChunkID
	for _, rev := range revs {
		if !seen[rev.ChunkID()] {
			seen[rev.ChunkID()] = true
			out = append(out, rev.ChunkID())
		}
	}
	return out
}

// Read decodes the spec.md §6 archive format from r, returning every
// revision in the stream in its original order.
func Read(r io.Reader) ([]*revision.Revision, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("archive: open gzip stream: %w", err)
	}
	defer gz.Close()
	br := bufio.NewReader(gz)

	var count [4]byte
	if _, err := io.ReadFull(br, count[:]); err != nil {
		return nil, fmt.Errorf("archive: read count: %w", err)
	}
	n := binary.LittleEndian.Uint32(count[:])

	out := make([]*revision.Revision, 0, n)
	for i := uint32(0); i < n; i++ {
		size, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, fmt.Errorf("archive: read size %d: %w", i, err)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(br, payload); err != nil {
			return nil, fmt.Errorf("archive: read payload %d: %w", i, err)
		}
		rev := &revision.Revision{}
		if err := rev.UnmarshalBinary(payload); err != nil {
			return nil, fmt.Errorf("archive: unmarshal revision %d: %w", i, err)
		}
		out = append(out, rev)
	}
	return out, nil
}
