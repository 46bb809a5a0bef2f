package limiter

import (
	"sync"
	"testing"
)

func TestTryAcquireRespectsBudget(t *testing.T) {
	l := New(2)

	if !l.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	if !l.TryAcquire() {
		t.Fatal("second acquire should succeed")
	}
	if l.TryAcquire() {
		t.Fatal("third acquire should fail at budget 2")
	}

	l.Release()
	if !l.TryAcquire() {
		t.Fatal("acquire after release should succeed")
	}
}

func TestStatusSnapshot(t *testing.T) {
	l := New(3)
	l.TryAcquire()
	l.TryAcquire()

	s := l.Status()
	if s.Active != 2 {
		t.Fatalf("expected 2 active, got %d", s.Active)
	}
	if s.Max != 3 {
		t.Fatalf("expected max 3, got %d", s.Max)
	}
	if s.Available != 1 {
		t.Fatalf("expected 1 available, got %d", s.Available)
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	l := New(1)
	l.Release()
	l.Release()

	if s := l.Status(); s.Active != 0 {
		t.Fatalf("expected 0 active after spurious releases, got %d", s.Active)
	}
	if !l.TryAcquire() {
		t.Fatal("acquire should still succeed after spurious releases")
	}
}

// Hammer the limiter from many goroutines and verify the admitted count
// never exceeds the budget.
func TestConcurrentAcquire(t *testing.T) {
	const budget = 4
	const workers = 64

	l := New(budget)

	var mu sync.Mutex
	inFlight := 0
	peak := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if !l.TryAcquire() {
					continue
				}
				mu.Lock()
				inFlight++
				if inFlight > peak {
					peak = inFlight
				}
				mu.Unlock()

				mu.Lock()
				inFlight--
				mu.Unlock()
				l.Release()
			}
		}()
	}
	wg.Wait()

	if peak > budget {
		t.Fatalf("observed %d concurrent holders, budget is %d", peak, budget)
	}
	if s := l.Status(); s.Active != 0 {
		t.Fatalf("expected all slots released, got %d active", s.Active)
	}
}
