// Package engine is the job controller. It owns the state store and the
// session lock, wires the resolver, worker pool, rate governor and
// backoff coordinator together, and publishes a metrics snapshot every
// second while a run is in flight.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/grab-ia/grabia/internal/archive"
	"github.com/grab-ia/grabia/internal/auth"
	"github.com/grab-ia/grabia/internal/backoff"
	"github.com/grab-ia/grabia/internal/fetch"
	"github.com/grab-ia/grabia/internal/governor"
	"github.com/grab-ia/grabia/internal/itemlist"
	"github.com/grab-ia/grabia/internal/resolver"
	"github.com/grab-ia/grabia/internal/scheduler"
	"github.com/grab-ia/grabia/internal/store"
)

// LockFileName guards an output root against concurrent sessions.
const LockFileName = "grabia.lock"

// Run outcomes recorded in the runs table.
const (
	OutcomeComplete    = "complete"
	OutcomeInterrupted = "interrupted"
	OutcomeFailed      = "failed"
)

// Phase is the controller's lifecycle state.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseResolving
	PhaseDownloading
	PhaseFinalizing
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseResolving:
		return "resolving"
	case PhaseDownloading:
		return "downloading"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Engine drives one job from items list to verified files. Construct
// with New or Resume, call Run once, and Close when done with it.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	st      *store.Store
	lock    *flock.Flock
	client  *archive.Client
	gov     *governor.Governor
	coord   *backoff.Coordinator
	queue   *scheduler.Queue
	pool    *scheduler.Pool
	fetcher *fetch.Fetcher
	res     *resolver.Resolver

	refreshResolved bool
	runID           string
	startedAt       time.Time

	phase     atomic.Int32
	byteCount atomic.Int64
	scanning  atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	mu     sync.Mutex
	sinks  []chan Snapshot
	final  Snapshot
	runErr error
}

// New creates a job under cfg.OutputRoot and loads the items list into
// the store. The output root's session lock is held until Close.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	identifiers, err := itemlist.Load(cfg.ItemsPath)
	if err != nil {
		return nil, err
	}

	e, err := build(cfg, logger)
	if err != nil {
		return nil, err
	}
	job := cfg.job(store.JobID(cfg.OutputRoot))
	if err := e.st.UpsertJob(&job); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}
	if err := e.st.AddItems(identifiers); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to record items: %w", err)
	}
	// A sync start re-checks manifests of items resolved by earlier
	// sessions; plain resumes trust them.
	e.refreshResolved = cfg.Sync

	e.logger.Info("job ready",
		"items", len(identifiers),
		"workers", cfg.WorkerCeiling,
		"dynamic", cfg.Dynamic,
		"sync", cfg.Sync)
	return e, nil
}

// Resume reopens the job recorded under root, applies the override
// deltas, and reclaims claims orphaned by a dead session.
func Resume(root string, ov *Overrides, logger *slog.Logger) (*Engine, error) {
	if !store.Exists(root) {
		return nil, fmt.Errorf("no session found under %s", root)
	}

	st, err := store.Open(root)
	if err != nil {
		return nil, err
	}
	job, err := st.LoadJob()
	st.Close()
	if err != nil {
		if errors.Is(err, store.ErrNoJob) {
			return nil, fmt.Errorf("state file under %s has no job", root)
		}
		return nil, err
	}

	cfg := configFromJob(job)
	cfg.OutputRoot = root
	ov.apply(&cfg)
	if err := cfg.validateLimits(); err != nil {
		return nil, err
	}

	e, err := build(cfg, logger)
	if err != nil {
		return nil, err
	}
	updated := cfg.job(store.JobID(root))
	if err := e.st.UpsertJob(&updated); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}
	reclaimed, err := e.st.ReclaimStale()
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to reclaim stale claims: %w", err)
	}
	if reclaimed > 0 {
		e.logger.Info("reclaimed stale claims", "count", reclaimed)
	}
	return e, nil
}

// build assembles the shared plumbing: lock, store, HTTP client,
// governor, coordinator, queue, pool, fetcher, resolver.
func build(cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.OutputRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output root: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.OutputRoot, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another session is already running in %s", cfg.OutputRoot)
	}

	st, err := store.Open(cfg.OutputRoot)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	filter, err := resolver.NewFilter(cfg.MetadataOnly, cfg.Extensions, cfg.NameRegex)
	if err != nil {
		st.Close()
		lock.Unlock()
		return nil, err
	}

	var creds *auth.Credentials
	if cfg.AuthPath != "" {
		creds, err = auth.Load(cfg.AuthPath)
		if err != nil {
			st.Close()
			lock.Unlock()
			return nil, err
		}
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger,
		st:     st,
		lock:   lock,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	e.client = archive.NewClient(creds, cfg.WorkerCeiling+2)
	e.gov = governor.New(cfg.BandwidthBPS)
	e.coord = backoff.New(logger)
	e.queue = scheduler.NewQueue()
	e.pool = scheduler.NewPool(e.queue, e.processFile, cfg.WorkerCeiling, cfg.Dynamic, logger)
	e.coord.OnTrip = func(backoff.Reason) { e.pool.ReportTrip() }

	e.fetcher = fetch.New(e.client, st, e.gov, e.coord, cfg.OutputRoot, &e.byteCount, logger)
	e.fetcher.Sync = cfg.Sync
	e.fetcher.HasCreds = creds != nil

	e.res = resolver.New(e.client, st, e.coord, filter, logger)
	return e, nil
}

// Run drives the job to its terminal state. It returns nil when every
// enqueued file reached done, skipped, or failed; the context error
// after a cancellation or Stop; or the first fatal error.
func (e *Engine) Run(ctx context.Context) error {
	if !e.phase.CompareAndSwap(int32(PhaseIdle), int32(PhaseResolving)) {
		return fmt.Errorf("engine already ran")
	}

	e.runID = uuid.NewString()
	e.startedAt = time.Now()
	if err := e.st.BeginRun(e.runID); err != nil {
		e.finish(fmt.Errorf("failed to record run: %w", err))
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.runErr
	}
	e.logger.Info("run started", "run", e.runID)

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-rctx.Done():
		}
	}()

	metricsDone := make(chan struct{})
	metricsExited := make(chan struct{})
	go func() {
		defer close(metricsExited)
		e.metricsLoop(rctx, metricsDone)
	}()

	g, gctx := errgroup.WithContext(rctx)
	e.scanning.Store(true)
	g.Go(func() error {
		defer e.queue.Close()
		defer e.scanning.Store(false)
		enqueue := func(keys []store.FileKey) { e.queue.Push(keys...) }
		err := e.res.Run(gctx, e.refreshResolved, enqueue)
		if err == nil {
			e.phase.CompareAndSwap(int32(PhaseResolving), int32(PhaseDownloading))
			e.logger.Info("resolution complete")
		}
		return err
	})
	g.Go(func() error {
		return e.pool.Run(gctx)
	})

	err := g.Wait()
	close(metricsDone)
	<-metricsExited
	e.finish(err)

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runErr
}

// finish records the run outcome, publishes the final snapshot, and
// releases Wait.
func (e *Engine) finish(err error) {
	e.phase.Store(int32(PhaseFinalizing))

	outcome := OutcomeComplete
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		outcome = OutcomeInterrupted
	case err != nil:
		outcome = OutcomeFailed
	}
	if e.runID != "" {
		if ferr := e.st.FinishRun(e.runID, outcome); ferr != nil {
			e.logger.Warn("failed to record run outcome", "error", ferr)
		}
	}

	snap, serr := e.buildSnapshot(0)
	if serr != nil {
		e.logger.Warn("final snapshot failed", "error", serr)
	}
	e.phase.Store(int32(PhaseStopped))
	snap.Phase = PhaseStopped.String()
	e.publish(snap)

	e.mu.Lock()
	e.final = snap
	e.runErr = err
	e.mu.Unlock()

	e.logger.Info("run finished",
		"outcome", outcome,
		"done", snap.Done,
		"skipped", snap.Skipped,
		"failed", snap.Failed,
		"bytes", snap.BytesDone)
	close(e.done)
}

// processFile is the pool's work callback: claim, download, map the
// result to a scheduling verdict.
func (e *Engine) processFile(ctx context.Context, key store.FileKey) (scheduler.Verdict, error) {
	file, err := e.st.Claim(key, e.runID)
	if errors.Is(err, store.ErrAlreadyClaimed) {
		// Someone else holds it or a duplicate enqueue; nothing to do.
		return scheduler.VerdictNeutral, nil
	}
	if err != nil {
		return scheduler.VerdictFatal, fmt.Errorf("failed to claim %s: %w", key, err)
	}

	res := e.fetcher.Download(ctx, file)
	switch {
	case res.Status == store.StatusDone || res.Status == store.StatusSkipped:
		return scheduler.VerdictSuccess, nil
	case res.Status == store.StatusFailed && res.Fatal():
		return scheduler.VerdictFatal, res.Err
	case res.Status == store.StatusFailed:
		return scheduler.VerdictFailure, nil
	default:
		// Released back to pending by a cancellation.
		return scheduler.VerdictNeutral, nil
	}
}

// Stop requests a graceful halt: workers abandon their current reads,
// partials are checkpointed, and Run returns. Safe to call twice.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.logger.Info("stop requested")
		close(e.stopCh)
	})
}

// Wait blocks until Run has finished and returns its error.
func (e *Engine) Wait() error {
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runErr
}

// Outcome returns the final snapshot and terminal error once Run has
// returned; the CLI maps these to exit codes.
func (e *Engine) Outcome() (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.final, e.runErr
}

// Close releases the session lock and the state store.
func (e *Engine) Close() error {
	var first error
	if e.st != nil {
		first = e.st.Close()
	}
	if e.lock != nil {
		if err := e.lock.Unlock(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// CurrentPhase reports the controller's lifecycle state.
func (e *Engine) CurrentPhase() Phase {
	return Phase(e.phase.Load())
}
