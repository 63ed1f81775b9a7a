// Package scheduler runs the worker pool: a FIFO queue of file keys, a
// bounded set of workers draining it, and a worker target that grows
// while the archive cooperates and shrinks on failures and throttle
// trips.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grab-ia/grabia/internal/store"
)

// supervisorTick bounds how long a target increase waits for a new
// worker to spawn.
const supervisorTick = 200 * time.Millisecond

// Verdict is a worker's report on one queue unit.
type Verdict int

const (
	// VerdictSuccess: the file ended done or skipped.
	VerdictSuccess Verdict = iota
	// VerdictFailure: the file ended failed.
	VerdictFailure
	// VerdictNeutral: nothing to learn (duplicate claim, cancellation).
	VerdictNeutral
	// VerdictFatal: the job must abort.
	VerdictFatal
)

// Work processes one queued file. The error is examined only for
// VerdictFatal.
type Work func(ctx context.Context, key store.FileKey) (Verdict, error)

// Pool supervises the workers.
type Pool struct {
	queue   *Queue
	work    Work
	logger  *slog.Logger
	dynamic bool

	mu      sync.Mutex
	ceiling int
	target  int
	streak  int

	live   atomic.Int32 // spawned workers
	busy   atomic.Int32 // workers mid-file
	nextID atomic.Int32

	fatalOnce sync.Once
	fatalErr  error
	fatalCh   chan struct{}
}

// NewPool sizes the pool. With dynamic scaling the target starts at one
// worker and earns its way up; otherwise it starts at the ceiling.
func NewPool(queue *Queue, work Work, ceiling int, dynamic bool, logger *slog.Logger) *Pool {
	if ceiling < 1 {
		ceiling = 1
	}
	target := ceiling
	if dynamic {
		target = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:   queue,
		work:    work,
		logger:  logger,
		dynamic: dynamic,
		ceiling: ceiling,
		target:  target,
		fatalCh: make(chan struct{}),
	}
}

// Run drives the pool until the queue is closed and drained, the
// context is cancelled, or a fatal outcome surfaces. Workers always
// finish their current file before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	spawn := func() {
		id := int(p.nextID.Add(1))
		p.live.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.live.Add(-1)
			p.worker(ctx, id)
		}()
	}

	for i := 0; i < p.Target(); i++ {
		spawn()
	}

	ticker := time.NewTicker(supervisorTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.queue.Close()
			return ctx.Err()
		case <-p.fatalCh:
			p.queue.Close()
			return p.fatalErr
		case <-ticker.C:
			if p.queue.Closed() && p.live.Load() == 0 {
				return nil
			}
			for int(p.live.Load()) < p.Target() {
				spawn()
			}
		}
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	p.logger.Debug("worker started", "worker", id)
	defer p.logger.Debug("worker finished", "worker", id)

	for {
		if ctx.Err() != nil || p.aborted() {
			return
		}
		key, ok := p.queue.Pop()
		if !ok {
			return
		}

		p.busy.Add(1)
		verdict, err := p.work(ctx, key)
		p.busy.Add(-1)

		switch verdict {
		case VerdictSuccess:
			p.ReportOutcome(true)
		case VerdictFailure:
			p.ReportOutcome(false)
		case VerdictFatal:
			p.fatalOnce.Do(func() {
				p.fatalErr = err
				close(p.fatalCh)
			})
			return
		}

		// Scale-down: surplus workers bow out after the file they held.
		if int(p.live.Load()) > p.Target() {
			return
		}
	}
}

// ReportOutcome applies the scaling policy to one terminal file
// outcome: success grows the target by one toward the ceiling, failure
// shrinks it by one toward a single worker and resets the streak.
// Without dynamic scaling the target is pinned and outcomes are
// ignored.
func (p *Pool) ReportOutcome(success bool) {
	if !p.dynamic {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !success {
		p.scaleDownLocked("failure")
		return
	}
	p.streak++
	if p.target < p.ceiling {
		p.target++
		p.logger.Debug("scaling up", "target", p.target, "streak", p.streak)
	}
}

// ReportTrip is the backoff coordinator's scale-down hook.
func (p *Pool) ReportTrip() {
	if !p.dynamic {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scaleDownLocked("backoff trip")
}

func (p *Pool) aborted() bool {
	select {
	case <-p.fatalCh:
		return true
	default:
		return false
	}
}

func (p *Pool) scaleDownLocked(cause string) {
	p.streak = 0
	if p.target > 1 {
		p.target--
		p.logger.Debug("scaling down", "target", p.target, "cause", cause)
	}
}

// Target returns the current worker target.
func (p *Pool) Target() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// Ceiling returns the configured maximum.
func (p *Pool) Ceiling() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ceiling
}

// Streak returns the consecutive-success count since the last failure.
func (p *Pool) Streak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streak
}

// Active returns the number of workers currently holding a file.
func (p *Pool) Active() int {
	return int(p.busy.Load())
}

// Live returns the number of spawned workers, busy or waiting.
func (p *Pool) Live() int {
	return int(p.live.Load())
}
