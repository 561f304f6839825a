// Package clock implements the logical clock governing causal ordering
// across chunkswarm (SPEC_FULL.md §4.A), grounded on
// original_source/map-api/include/map-api/logical-time.h: a monotonic
// counter that advances on local sampling and on observing remote
// timestamps.
package clock

import (
	"fmt"
	"sync"
)

// Time is an unsigned logical timestamp. The zero value, Invalid, never
// denotes a real event.
type Time uint64

// Invalid is the zero Time, never produced by Sample.
const Invalid Time = 0

func (t Time) String() string {
	return fmt.Sprintf("Logical time(%d)", uint64(t))
}

// Valid reports whether t was produced by a Sample call.
func (t Time) Valid() bool {
	return t != Invalid
}

// Before, After, etc. compare the underlying integers; LogicalTime is a
// total order (SPEC_FULL.md §3).
func (t Time) Before(o Time) bool { return t < o }
func (t Time) After(o Time) bool  { return t > o }

// Clock is a process-wide monotonic counter. The zero value starts
// sampling at 1. Per SPEC_FULL.md §9, callers hold their own *Clock rather
// than relying on a package-level singleton.
type Clock struct {
	mu      sync.Mutex
	current uint64
}

// New returns a Clock starting at Invalid (the first Sample returns 1).
func New() *Clock {
	return &Clock{}
}

// Sample reserves and returns the next logical time. Every outbound
// message is stamped with the result of a Sample call (SPEC_FULL.md §4.A).
func (c *Clock) Sample() Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current++
	return Time(c.current)
}

// Synchronize advances the clock so that the next Sample is strictly
// greater than other, if it isn't already. Every inbound message's timestamp must be passed
// through Synchronize before its handler reads any state this clock
// guards — this is what gives message-carried causality its guarantee
// that time(A) < time(B) whenever A happens-before B via a message.
func (c *Clock) Synchronize(other Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uint64(other) > c.current {
		c.current = uint64(other)
	}
}

// Current returns the last sampled or synchronized time, without
// advancing the clock. Intended for diagnostics only — never use it to
// stamp an outbound message, since two concurrent readers could observe
// and emit the same value.
func (c *Clock) Current() Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Time(c.current)
}

// Serialize/Deserialize round-trip a Time through its wire representation
// (SPEC_FULL.md §4.A). Time already marshals as a plain uint64, so these
// exist to give callers outside this package a named conversion instead of
// reaching past the abstraction.
func Serialize(t Time) uint64 { return uint64(t) }
func Deserialize(v uint64) Time { return Time(v) }
