package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemory_AdmitsUpToLimitThenRejects(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	l := NewMemory(clk, 10, 60*time.Second)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		d, err := l.Check(ctx, "user-a")
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d: expected to be allowed", i)
		}
		if d.Remaining != 10-i {
			t.Errorf("request %d: remaining got %v want %v", i, d.Remaining, 10-i)
		}
	}

	clk.Advance(15 * time.Second)
	d, _ := l.Check(ctx, "user-a")
	if d.Allowed {
		t.Fatalf("expected 11th request in window to be rejected")
	}
	if d.Remaining != 0 {
		t.Errorf("remaining got %v want 0", d.Remaining)
	}
	if d.ResetIn != 45*time.Second {
		t.Errorf("resetIn got %v want %v", d.ResetIn, 45*time.Second)
	}
	if got := d.RetryAfterSeconds(); got != 45 {
		t.Errorf("retry after got %v want 45", got)
	}
	if !d.ResetAt.Equal(time.Unix(1700000060, 0)) {
		t.Errorf("resetAt got %v want %v", d.ResetAt, time.Unix(1700000060, 0))
	}
}

func TestMemory_WindowRestartsAfterReset(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewMemory(clk, 2, time.Minute)
	ctx := context.Background()

	l.Check(ctx, "u")
	l.Check(ctx, "u")
	if d, _ := l.Check(ctx, "u"); d.Allowed {
		t.Fatalf("expected rejection at limit")
	}

	// At exactly the reset instant the window has not yet ended.
	clk.Advance(time.Minute)
	if d, _ := l.Check(ctx, "u"); d.Allowed {
		t.Fatalf("expected rejection at the reset instant")
	}

	clk.Advance(time.Millisecond)
	d, _ := l.Check(ctx, "u")
	if !d.Allowed {
		t.Fatalf("expected a fresh window after reset")
	}
	if d.Remaining != 1 {
		t.Errorf("remaining got %v want 1", d.Remaining)
	}
}

func TestMemory_CallersAreIndependent(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewMemory(clk, 1, time.Minute)
	ctx := context.Background()

	if d, _ := l.Check(ctx, "a"); !d.Allowed {
		t.Fatal("expected first request for a to be allowed")
	}
	if d, _ := l.Check(ctx, "a"); d.Allowed {
		t.Fatal("expected second request for a to be rejected")
	}
	if d, _ := l.Check(ctx, "b"); !d.Allowed {
		t.Fatal("expected b to have its own budget")
	}
}

func TestMemory_SweepRemovesOnlyExpired(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewMemory(clk, 5, time.Minute)
	ctx := context.Background()

	l.Check(ctx, "old")
	clk.Advance(30 * time.Second)
	l.Check(ctx, "new")
	clk.Advance(31 * time.Second)

	if removed := l.Sweep(clk.Now()); removed != 1 {
		t.Errorf("removed got %v want 1", removed)
	}
	if l.Len() != 1 {
		t.Errorf("len got %v want 1", l.Len())
	}
}

func TestMemory_ConcurrentChecksNeverOveradmit(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewMemory(clk, 10, time.Minute)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := l.Check(ctx, "burst")
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Errorf("allowed got %v want 10", allowed)
	}
}

func TestDecision_RetryAfterIsAtLeastOne(t *testing.T) {
	tests := []struct {
		resetIn time.Duration
		want    int
	}{
		{0, 1},
		{-time.Second, 1},
		{200 * time.Millisecond, 1},
		{1001 * time.Millisecond, 2},
		{60 * time.Second, 60},
	}
	for _, tt := range tests {
		if got := (Decision{ResetIn: tt.resetIn}).RetryAfterSeconds(); got != tt.want {
			t.Errorf("RetryAfterSeconds(%v) got %v want %v", tt.resetIn, got, tt.want)
		}
	}
}

func TestNewMemory_Defaults(t *testing.T) {
	l := NewMemory(nil, 0, 0)
	if l.limit != DefaultLimit || l.window != DefaultWindow {
		t.Errorf("defaults got %d/%v want %d/%v", l.limit, l.window, DefaultLimit, DefaultWindow)
	}
}
