// Package governor paces download throughput with a shared token
// bucket. Every worker charges the bytes it is about to write, so the
// aggregate transfer rate stays at the configured ceiling no matter how
// many connections are active.
package governor

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// maxBurst caps the bucket size so a one second burst still fits in an
// int on every platform.
const maxBurst = 1 << 30

// Governor is a byte-rate limiter shared by all workers. The zero rate
// means unlimited; Consume is then a no-op.
type Governor struct {
	mu  sync.Mutex
	lim *rate.Limiter // nil when unlimited
	bps int64
}

// New returns a governor limited to bytesPerSec. A value <= 0 disables
// limiting.
func New(bytesPerSec int64) *Governor {
	g := &Governor{}
	g.SetRate(bytesPerSec)
	return g
}

// SetRate replaces the limit at runtime. Waits already in flight finish
// against the old bucket. New routes through here; no engine surface
// retunes a running job yet (resume applies a new cap by rebuilding),
// so direct callers are currently tests only.
func (g *Governor) SetRate(bytesPerSec int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if bytesPerSec <= 0 {
		g.lim = nil
		g.bps = 0
		return
	}
	burst := bytesPerSec
	if burst > maxBurst {
		burst = maxBurst
	}
	// Bucket capacity is one second of traffic at the configured rate.
	g.lim = rate.NewLimiter(rate.Limit(bytesPerSec), int(burst))
	g.bps = bytesPerSec
}

// Rate returns the configured limit in bytes per second, 0 if unlimited.
func (g *Governor) Rate() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bps
}

func (g *Governor) limiter() *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lim
}

// Consume blocks until n bytes worth of tokens are granted. Requests
// larger than the bucket are split into bucket-sized waits, so a chunk
// bigger than one second of rate still passes. Cancelling ctx aborts
// the wait with the context's error.
func (g *Governor) Consume(ctx context.Context, n int) error {
	lim := g.limiter()
	if lim == nil {
		return ctx.Err()
	}

	burst := lim.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := lim.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}
