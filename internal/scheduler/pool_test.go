package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grab-ia/grabia/internal/store"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func keysFor(n int) []store.FileKey {
	keys := make([]store.FileKey, n)
	for i := range keys {
		keys[i] = store.FileKey{ItemID: "it", Name: fmt.Sprintf("f%03d", i)}
	}
	return keys
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	q.Push(keysFor(3)...)

	for i := 0; i < 3; i++ {
		key, ok := q.Pop()
		if !ok {
			t.Fatal("queue returned closed while keys remain")
		}
		if want := fmt.Sprintf("f%03d", i); key.Name != want {
			t.Errorf("pop %d = %s, want %s", i, key.Name, want)
		}
	}
	if got := q.Len(); got != 0 {
		t.Errorf("Len = %d, want 0", got)
	}
}

func TestQueueCloseDrains(t *testing.T) {
	q := NewQueue()
	q.Push(keysFor(2)...)
	q.Close()

	if _, ok := q.Pop(); !ok {
		t.Error("closed queue must still drain queued keys")
	}
	if _, ok := q.Pop(); !ok {
		t.Error("closed queue must still drain queued keys")
	}
	if _, ok := q.Pop(); ok {
		t.Error("drained closed queue must report done")
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	got := make(chan store.FileKey, 1)
	go func() {
		key, ok := q.Pop()
		if ok {
			got <- key
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(store.FileKey{ItemID: "it", Name: "late"})

	select {
	case key := <-got:
		if key.Name != "late" {
			t.Errorf("got %s, want late", key.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on Push")
	}
}

func TestScalingLadder(t *testing.T) {
	p := NewPool(NewQueue(), nil, 8, true, discardLogger())

	if p.Target() != 1 {
		t.Fatalf("dynamic pool starts at %d workers, want 1", p.Target())
	}
	for i := 0; i < 5; i++ {
		p.ReportOutcome(true)
	}
	if p.Target() != 6 {
		t.Errorf("after 5 successes target = %d, want 6", p.Target())
	}
	if p.Streak() != 5 {
		t.Errorf("streak = %d, want 5", p.Streak())
	}
}

func TestScalingRespectsCeiling(t *testing.T) {
	p := NewPool(NewQueue(), nil, 3, true, discardLogger())
	for i := 0; i < 10; i++ {
		p.ReportOutcome(true)
	}
	if p.Target() != 3 {
		t.Errorf("target = %d, want ceiling 3", p.Target())
	}
}

func TestFailureDecrementsExactlyOne(t *testing.T) {
	p := NewPool(NewQueue(), nil, 8, true, discardLogger())
	for i := 0; i < 4; i++ {
		p.ReportOutcome(true)
	}
	if p.Target() != 5 || p.Streak() != 4 {
		t.Fatalf("setup: target %d streak %d", p.Target(), p.Streak())
	}

	p.ReportOutcome(false)
	if p.Target() != 4 {
		t.Errorf("target = %d after failure, want 4", p.Target())
	}
	if p.Streak() != 0 {
		t.Errorf("streak = %d after failure, want 0", p.Streak())
	}
}

func TestScaleDownFloorsAtOne(t *testing.T) {
	p := NewPool(NewQueue(), nil, 4, true, discardLogger())
	for i := 0; i < 10; i++ {
		p.ReportOutcome(false)
	}
	if p.Target() != 1 {
		t.Errorf("target = %d, want floor 1", p.Target())
	}
}

func TestTripScalesDown(t *testing.T) {
	p := NewPool(NewQueue(), nil, 8, true, discardLogger())
	for i := 0; i < 3; i++ {
		p.ReportOutcome(true)
	}
	if p.Target() != 4 {
		t.Fatalf("setup: target %d, want 4", p.Target())
	}
	p.ReportTrip()
	if p.Target() != 3 {
		t.Errorf("target = %d after trip, want 3", p.Target())
	}
	if p.Streak() != 0 {
		t.Errorf("streak = %d after trip, want 0", p.Streak())
	}
}

func TestStaticPoolPinsTarget(t *testing.T) {
	p := NewPool(NewQueue(), nil, 4, false, discardLogger())
	if p.Target() != 4 {
		t.Fatalf("static pool starts at %d, want ceiling 4", p.Target())
	}
	p.ReportOutcome(false)
	p.ReportTrip()
	p.ReportOutcome(true)
	if p.Target() != 4 {
		t.Errorf("static pool moved to %d, want a pinned 4", p.Target())
	}
}

func TestRunDrainsQueue(t *testing.T) {
	q := NewQueue()
	var (
		mu        sync.Mutex
		processed []string
	)
	work := func(ctx context.Context, key store.FileKey) (Verdict, error) {
		mu.Lock()
		processed = append(processed, key.Name)
		mu.Unlock()
		return VerdictSuccess, nil
	}

	p := NewPool(q, work, 4, false, discardLogger())
	q.Push(keysFor(20)...)
	q.Close()

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(processed) != 20 {
		t.Errorf("processed %d units, want 20", len(processed))
	}
	seen := map[string]bool{}
	for _, name := range processed {
		if seen[name] {
			t.Errorf("unit %s processed twice", name)
		}
		seen[name] = true
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	q := NewQueue()
	var current, peak atomic.Int32
	work := func(ctx context.Context, key store.FileKey) (Verdict, error) {
		now := current.Add(1)
		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return VerdictSuccess, nil
	}

	p := NewPool(q, work, 4, false, discardLogger())
	q.Push(keysFor(40)...)
	q.Close()

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := peak.Load(); got > 4 {
		t.Errorf("peak concurrency %d exceeds ceiling 4", got)
	}
	if got := peak.Load(); got < 2 {
		t.Errorf("peak concurrency %d, expected parallel execution", got)
	}
}

func TestRunFatalAborts(t *testing.T) {
	q := NewQueue()
	fatal := errors.New("state store write failed")
	var calls atomic.Int32
	work := func(ctx context.Context, key store.FileKey) (Verdict, error) {
		if calls.Add(1) == 3 {
			return VerdictFatal, fatal
		}
		return VerdictSuccess, nil
	}

	p := NewPool(q, work, 2, false, discardLogger())
	q.Push(keysFor(50)...)

	err := p.Run(context.Background())
	if !errors.Is(err, fatal) {
		t.Errorf("Run returned %v, want the fatal error", err)
	}
}

func TestRunCancel(t *testing.T) {
	q := NewQueue()
	work := func(ctx context.Context, key store.FileKey) (Verdict, error) {
		select {
		case <-ctx.Done():
			return VerdictNeutral, nil
		case <-time.After(5 * time.Second):
			return VerdictSuccess, nil
		}
	}

	p := NewPool(q, work, 2, false, discardLogger())
	q.Push(keysFor(4)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRunSpawnsUpToRisingTarget(t *testing.T) {
	q := NewQueue()
	release := make(chan struct{})
	var current, peak atomic.Int32
	work := func(ctx context.Context, key store.FileKey) (Verdict, error) {
		now := current.Add(1)
		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}
		<-release
		current.Add(-1)
		return VerdictSuccess, nil
	}

	p := NewPool(q, work, 4, true, discardLogger())
	q.Push(keysFor(10)...)
	q.Close()

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	// Simulate successes landing elsewhere so the target rises, then
	// let the supervisor catch up.
	time.Sleep(50 * time.Millisecond)
	p.ReportOutcome(true)
	p.ReportOutcome(true)
	p.ReportOutcome(true)
	time.Sleep(3 * supervisorTick)
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := peak.Load(); got < 2 {
		t.Errorf("peak concurrency %d, want the pool to grow past 1", got)
	}
	if got := peak.Load(); got > 4 {
		t.Errorf("peak concurrency %d exceeds ceiling", got)
	}
}
