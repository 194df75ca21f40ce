// Package detect holds the shared dedup and rate-shaping logic used by all
// monitors: cooldown-based duplicate suppression, sliding-window burst
// counting, bulk-operation collapse, and adaptive metric sampling. Everything
// here is pure in-memory state owned by a single poller loop; no locking,
// no I/O, no failure modes.
package detect

import "time"

// Clock supplies timestamps to the detection components so tests can drive
// them deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
