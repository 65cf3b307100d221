package backoff

import (
	"context"
	"testing"
	"time"
)

func TestBackoffGrowthAndCap(t *testing.T) {
	b := New(100*time.Millisecond, 350*time.Millisecond, 2.0)
	ctx := context.Background()

	wantDelays := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		350 * time.Millisecond, // 400ms capped
		350 * time.Millisecond,
	}
	for i, want := range wantDelays {
		if got := b.CurrentDelay(); got != want {
			t.Fatalf("delay before wait %d = %v, want %v", i, got, want)
		}
		if err := b.Wait(ctx); err != nil {
			t.Fatalf("Wait() %d failed: %v", i, err)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := New(10*time.Millisecond, time.Second, 2.0)
	ctx := context.Background()

	b.Wait(ctx)
	b.Wait(ctx)
	if b.CurrentDelay() != 40*time.Millisecond {
		t.Errorf("delay after two waits = %v, want 40ms", b.CurrentDelay())
	}

	b.Reset()
	if b.CurrentDelay() != 10*time.Millisecond {
		t.Errorf("delay after Reset() = %v, want 10ms", b.CurrentDelay())
	}
}

func TestBackoffWaitCancellation(t *testing.T) {
	b := New(5*time.Second, 10*time.Second, 2.0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := b.Wait(ctx)
	if err != context.Canceled {
		t.Fatalf("Wait() under cancellation = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Wait() returned after %v, want prompt cancellation", elapsed)
	}
}
