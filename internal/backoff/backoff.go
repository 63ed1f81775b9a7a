// Package backoff coordinates a global quiet period across all workers.
// When archive.org signals throttling (429) or overload (503), every
// in-flight and queued transfer holds off until the shared stamp passes,
// instead of each worker hammering the site on its own schedule.
package backoff

import (
	"context"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"
)

// Reason says why the coordinator was tripped.
type Reason string

const (
	Throttled  Reason = "throttled"  // HTTP 429
	Overloaded Reason = "overloaded" // HTTP 503
)

// window is the base quiet period; each trip adds up to one more window
// of random jitter so workers do not return in lockstep.
const window = 30 * time.Second

// Coordinator holds the shared quiet-until stamp. Trips only ever
// extend it; expiry is the wall clock passing the stamp.
type Coordinator struct {
	quietUntil atomic.Int64 // unix nanos, 0 = never tripped

	// OnTrip, when set, is called once per trip. The scheduler uses it
	// as its scale-down signal. Set before the first worker starts.
	OnTrip func(Reason)

	logger *slog.Logger

	// test seams
	now    func() time.Time
	jitter func() time.Duration
	base   time.Duration
}

// New returns an idle coordinator with the production quiet window.
func New(logger *slog.Logger) *Coordinator {
	return NewWithWindow(logger, window)
}

// NewWithWindow is New with a custom base window. Tests shrink it to
// keep quiet periods sub-second.
func NewWithWindow(logger *slog.Logger, base time.Duration) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if base <= 0 {
		base = window
	}
	c := &Coordinator{logger: logger, now: time.Now, base: base}
	c.jitter = func() time.Duration { return time.Duration(rand.Int63n(int64(c.base))) }
	return c
}

// Trip stamps a quiet period of base + random(0, base) from now,
// keeping the later of the new and existing stamps.
func (c *Coordinator) Trip(reason Reason) {
	c.TripAfter(reason, 0)
}

// TripAfter is Trip with a server-supplied hint (Retry-After). The
// quiet period is never shorter than the random window; a longer hint
// extends it.
func (c *Coordinator) TripAfter(reason Reason, hint time.Duration) {
	d := c.base + c.jitter()
	if hint > d {
		d = hint
	}
	until := c.now().Add(d).UnixNano()

	extended := c.extend(until)
	if extended {
		c.logger.Warn("backing off", "reason", string(reason), "quiet", d.Round(time.Second))
	}
	if c.OnTrip != nil {
		c.OnTrip(reason)
	}
}

// extend advances the stamp if until is later, returning whether it won.
func (c *Coordinator) extend(until int64) bool {
	for {
		current := c.quietUntil.Load()
		if until <= current {
			return false
		}
		if c.quietUntil.CompareAndSwap(current, until) {
			return true
		}
	}
}

// Wait blocks until the quiet period has passed, re-checking after each
// timer fire so trips landing mid-sleep extend the wait. Returns
// immediately when no quiet period is active; ctx cancellation aborts
// with the context's error.
func (c *Coordinator) Wait(ctx context.Context) error {
	for {
		stamp := c.quietUntil.Load()
		if stamp == 0 {
			return nil
		}
		d := time.Unix(0, stamp).Sub(c.now())
		if d <= 0 {
			return nil
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Delay returns the sleep before retry attempt n (1-based): 2s doubled
// per attempt with ±10% jitter, capped at 60s.
func Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	d := time.Duration(1<<shift) * 2 * time.Second
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	jitter := (rand.Float64()*2 - 1) * 0.10
	return time.Duration(float64(d) * (1 + jitter))
}

// Active reports whether a quiet period is currently in force.
func (c *Coordinator) Active() bool {
	stamp := c.quietUntil.Load()
	return stamp != 0 && c.now().UnixNano() < stamp
}

// QuietUntil returns the stamp's wall-clock time, zero when no quiet
// period is in force.
func (c *Coordinator) QuietUntil() time.Time {
	stamp := c.quietUntil.Load()
	if stamp == 0 || c.now().UnixNano() >= stamp {
		return time.Time{}
	}
	return time.Unix(0, stamp)
}
