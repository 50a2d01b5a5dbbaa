package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Delay produces randomized pauses in the range [Min, Max). It is used to
// space out page visits in a single browser session.
// It is safe for concurrent use by multiple goroutines.
type Delay struct {
	min time.Duration
	max time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewDelay creates a pacing delay. A max below min is raised to min, and
// negative values are treated as zero.
func NewDelay(min, max time.Duration) *Delay {
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}
	return &Delay{
		min: min,
		max: max,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next pause length.
func (d *Delay) Next() time.Duration {
	if d == nil {
		return 0
	}
	spread := d.max - d.min
	if spread <= 0 {
		return d.min
	}
	d.mu.Lock()
	jitter := time.Duration(d.rnd.Int63n(int64(spread)))
	d.mu.Unlock()
	return d.min + jitter
}

// Sleep pauses for dur, returning early with the context error if ctx is
// canceled first. Non-positive durations return immediately.
func Sleep(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(dur)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
