// Package metrics wires VictoriaMetrics/metrics counters and histograms
// for the few quantities SPEC_FULL.md §2 calls out as worth observing:
// chunk lock wait time, consensus commit latency, and transaction retry
// count. The teacher has no metrics package of its own; this is drawn
// from the rest of the example pack per SPEC_FULL.md's domain-stack
// expansion, since "logging" alone doesn't cover latency distributions.
package metrics

import (
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// ChunkLockWaitSeconds observes how long a WriteLock call blocked before
// being granted, labeled by chunk kind (legacy or consensus).
func ChunkLockWaitSeconds(kind string, d time.Duration) {
	metrics.GetOrCreateHistogram(`swarmstore_chunk_lock_wait_seconds{kind="` + kind + `"}`).Update(d.Seconds())
}

// ConsensusCommitLatencySeconds observes the time from a consensus chunk's
// leader appending an entry to that entry being applied on a majority.
func ConsensusCommitLatencySeconds(d time.Duration) {
	metrics.GetOrCreateHistogram(`swarmstore_consensus_commit_latency_seconds`).Update(d.Seconds())
}

// TransactionRetries increments the count of commit attempts a
// Transaction needed beyond the first, i.e. it is called once per retry,
// not once per commit.
func TransactionRetries() {
	metrics.GetOrCreateCounter(`swarmstore_transaction_retries_total`).Inc()
}

// WritePrometheus writes every registered metric in Prometheus exposition
// format, for a process's /metrics handler.
func WritePrometheus(w interface {
	Write(p []byte) (n int, err error)
}) {
	metrics.WritePrometheus(w, true)
}
