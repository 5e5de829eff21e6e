package joblog

import (
	"fmt"
	"iter"
	"sync/atomic"
	"time"
)

// DefaultInterval is the minimum spacing between progress updates from Iterate.
const DefaultInterval = time.Second

var iterateSeq atomic.Uint64

type iterateConfig struct {
	interval time.Duration
	now      func() time.Time
}

// IterateOption customises Iterate.
type IterateOption func(*iterateConfig)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) IterateOption {
	return func(c *iterateConfig) { c.interval = d }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) IterateOption {
	return func(c *iterateConfig) { c.now = now }
}

// Iterate wraps seq so that consuming it reports progress under title.
// total may be 0 when the length is unknown.
//
// The returned sequence is lazy and single-pass: nothing is read from seq
// until the caller ranges over it, and a second range yields nothing.
// Updates are spaced at least one interval apart and a final update removes
// the bar when the range ends, whether exhausted or stopped early.
func Iterate[T any](r Reporter, seq iter.Seq[T], title string, total int, opts ...IterateOption) iter.Seq[T] {
	cfg := iterateConfig{interval: DefaultInterval, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	key := fmt.Sprintf("%s#%d", title, iterateSeq.Add(1))

	var used atomic.Bool
	return func(yield func(T) bool) {
		if !used.CompareAndSwap(false, true) {
			return
		}

		r.Progress(0, total, title, WithKey(key))
		defer r.Progress(0, total, title, WithKey(key), End())

		n := 0
		last := cfg.now()
		for item := range seq {
			if !yield(item) {
				return
			}
			n++
			if now := cfg.now(); now.Sub(last) >= cfg.interval {
				last = now
				r.Progress(n, total, title, WithKey(key))
			}
		}
	}
}

// Slice adapts a slice for Iterate.
func Slice[T any](items []T) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, item := range items {
			if !yield(item) {
				return
			}
		}
	}
}
