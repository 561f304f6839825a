// Package fatal terminates the process on an error its caller cannot
// continue from, matching the teacher's existing log.Fatalf call sites
// (e.g. client/transaction.go's "Unable to find peer ... in the ring?").
package fatal

import (
	"os"

	"github.com/chunkswarm/swarmstore/log"
)

// Exit is os.Exit by default; tests override it to observe a fatal call
// without killing the test binary.
var Exit = os.Exit

// Check logs and terminates the process if err is non-nil, whatever its
// kind. Its one caller is chunk/legacy, which passes a failed swarm RPC
// (ErrPeerUnreachable) when FailLegacyChunkOnTimeout is set.
func Check(err error, context string) {
	if err == nil {
		return
	}
	log.Fatalf("%v: %v", context, err)
	Exit(1)
}
