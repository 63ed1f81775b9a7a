package governor

import (
	"context"
	"testing"
	"time"
)

func TestConsumeUnlimited(t *testing.T) {
	g := New(0)

	start := time.Now()
	if err := g.Consume(context.Background(), 100<<20); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("unlimited Consume took %v, want immediate", elapsed)
	}
}

func TestConsumePaces(t *testing.T) {
	// 10 KB/s with a 10 KB bucket. The first bucket is free, the
	// remaining 20 KB must take about two seconds.
	g := New(10_000)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := g.Consume(context.Background(), 10_000); err != nil {
			t.Fatalf("Consume failed: %v", err)
		}
	}
	elapsed := time.Since(start)

	if elapsed < 1500*time.Millisecond {
		t.Errorf("30 KB at 10 KB/s finished in %v, too fast", elapsed)
	}
	if elapsed > 4*time.Second {
		t.Errorf("30 KB at 10 KB/s took %v, too slow", elapsed)
	}
}

func TestConsumeLargerThanBurst(t *testing.T) {
	// A single request three times the bucket size must still pass.
	g := New(50_000)

	start := time.Now()
	if err := g.Consume(context.Background(), 150_000); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < 1500*time.Millisecond {
		t.Errorf("150 KB at 50 KB/s finished in %v, too fast", elapsed)
	}
}

func TestConsumeCancel(t *testing.T) {
	g := New(1_000) // 1 KB/s: 100 KB would take far longer than the test

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Consume(ctx, 100_000) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("cancelled Consume returned nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not abort after cancel")
	}
}

func TestSetRateLive(t *testing.T) {
	g := New(0)
	if g.Rate() != 0 {
		t.Errorf("Rate = %d, want 0", g.Rate())
	}

	g.SetRate(5 << 20)
	if g.Rate() != 5<<20 {
		t.Errorf("Rate = %d, want %d", g.Rate(), 5<<20)
	}

	g.SetRate(0)
	start := time.Now()
	if err := g.Consume(context.Background(), 50<<20); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Consume after disabling limit took %v", elapsed)
	}
}
