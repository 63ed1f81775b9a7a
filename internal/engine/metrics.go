package engine

import (
	"context"
	"time"

	"github.com/grab-ia/grabia/internal/store"
	"github.com/grab-ia/grabia/internal/utils"
)

// metricsInterval is the publish cadence; BytesPerSec is the byte
// counter delta over one interval.
const metricsInterval = time.Second

// Snapshot is one observation of the job. The counts come straight from
// SQLite so a snapshot always agrees with what a restart would see; the
// worker and rate fields are the live view.
type Snapshot struct {
	Phase string `json:"phase"`

	TotalFiles int64 `json:"total_files"`
	Done       int64 `json:"done"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
	Pending    int64 `json:"pending"`
	InProgress int64 `json:"in_progress"`

	BytesDone  int64 `json:"bytes_done"`
	BytesTotal int64 `json:"bytes_total"`

	ItemsTotal    int64 `json:"items_total"`
	ItemsResolved int64 `json:"items_resolved"`
	ItemsFailed   int64 `json:"items_failed"`

	BytesPerSec   int64     `json:"bytes_per_sec"`
	ETASeconds    int64     `json:"eta_seconds"` // -1 when unknown
	ActiveWorkers int       `json:"active_workers"`
	TargetWorkers int       `json:"target_workers"`
	WorkerCeiling int       `json:"worker_ceiling"`
	Streak        int       `json:"success_streak"`
	QueueDepth    int       `json:"queue_depth"`
	ScannerActive bool      `json:"scanner_active"`
	QuietUntil    time.Time `json:"quiet_until,omitzero"`

	DiskFree       int64  `json:"disk_free"`
	ElapsedSeconds int64  `json:"elapsed_seconds"`
	LastOutcome    string `json:"last_outcome,omitempty"`
}

// Complete reports whether nothing remains outstanding.
func (s *Snapshot) Complete() bool {
	return s.Pending == 0 && s.InProgress == 0
}

func (s *Snapshot) fill(ss *store.Snapshot) {
	s.TotalFiles = ss.TotalFiles
	s.Done = ss.Done
	s.Failed = ss.Failed
	s.Skipped = ss.Skipped
	s.Pending = ss.Pending
	s.InProgress = ss.InProgress
	s.BytesDone = ss.BytesDone
	s.BytesTotal = ss.BytesTotal
	s.ItemsTotal = ss.ItemsTotal
	s.ItemsResolved = ss.ItemsResolved
	s.ItemsFailed = ss.ItemsFailed
	s.LastOutcome = ss.LastRunOutcome
}

// buildSnapshot merges durable counts with the live view.
func (e *Engine) buildSnapshot(bytesPerSec int64) (Snapshot, error) {
	snap := Snapshot{
		Phase:         Phase(e.phase.Load()).String(),
		BytesPerSec:   bytesPerSec,
		ETASeconds:    -1,
		ActiveWorkers: e.pool.Active(),
		TargetWorkers: e.pool.Target(),
		WorkerCeiling: e.pool.Ceiling(),
		Streak:        e.pool.Streak(),
		QueueDepth:    e.queue.Len(),
		ScannerActive: e.scanning.Load(),
		QuietUntil:    e.coord.QuietUntil(),
		DiskFree:      utils.DiskFree(e.cfg.OutputRoot),
	}
	if !e.startedAt.IsZero() {
		snap.ElapsedSeconds = int64(time.Since(e.startedAt).Seconds())
	}

	ss, err := e.st.TakeSnapshot()
	if err != nil {
		return snap, err
	}
	snap.fill(ss)

	remaining := ss.BytesTotal - ss.BytesDone
	switch {
	case remaining <= 0 && ss.Complete():
		snap.ETASeconds = 0
	case bytesPerSec > 0 && remaining > 0:
		snap.ETASeconds = remaining / bytesPerSec
	}
	return snap, nil
}

// metricsLoop publishes a snapshot every second until the run ends.
func (e *Engine) metricsLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	var prev int64
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := e.byteCount.Load()
			snap, err := e.buildSnapshot(cur - prev)
			prev = cur
			if err != nil {
				e.logger.Warn("metrics snapshot failed", "error", err)
				continue
			}
			e.publish(snap)
			e.logger.Debug("progress",
				"phase", snap.Phase,
				"done", snap.Done,
				"failed", snap.Failed,
				"pending", snap.Pending,
				"workers", snap.ActiveWorkers,
				"rate", utils.HumanRate(float64(snap.BytesPerSec)))
		}
	}
}

// SubscribeMetrics returns a channel of periodic snapshots. Sends never
// block; a subscriber that falls behind misses ticks. The final
// snapshot is always sent after the run settles.
func (e *Engine) SubscribeMetrics() <-chan Snapshot {
	ch := make(chan Snapshot, 4)
	e.mu.Lock()
	e.sinks = append(e.sinks, ch)
	e.mu.Unlock()
	return ch
}

func (e *Engine) publish(snap Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.sinks {
		select {
		case ch <- snap:
		default:
		}
	}
}
