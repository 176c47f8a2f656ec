package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stratus-hq/saturn/internal/clock"
	"stratus-hq/saturn/pkg/counter"
	"stratus-hq/saturn/pkg/limits"
)

func newTestTracker(t *testing.T, cfg Config, clk clock.Clock) (*Tracker, *counter.MemoryStore) {
	t.Helper()
	store := counter.NewMemoryStore(0)
	t.Cleanup(func() { store.Close() })
	tr := NewTracker(store, cfg, clk)
	t.Cleanup(tr.Close)
	return tr, store
}

func TestAcquireUpToCeiling(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, Config{MaxAge: time.Minute}, nil)

	var slots []*Slot
	for i := 0; i < 3; i++ {
		s, err := tr.Acquire(ctx, "k1", 3)
		if err != nil {
			t.Fatalf("acquire %d: %v", i+1, err)
		}
		slots = append(slots, s)
	}

	_, err := tr.Acquire(ctx, "k1", 3)
	if !errors.Is(err, limits.ErrConcurrencyLimitExceeded) {
		t.Fatalf("fourth acquire: err = %v, want ErrConcurrencyLimitExceeded", err)
	}
	var ce *limits.ConcurrencyLimitError
	if !errors.As(err, &ce) {
		t.Fatalf("err %T is not *ConcurrencyLimitError", err)
	}
	if ce.InFlight != 3 || ce.Limit != 3 {
		t.Errorf("denial reported %d/%d, want 3/3", ce.InFlight, ce.Limit)
	}

	// A different key is unaffected.
	if _, err := tr.Acquire(ctx, "k2", 1); err != nil {
		t.Fatalf("other key: %v", err)
	}

	// Releasing one slot frees exactly one admission.
	tr.Release(ctx, slots[0])
	if _, err := tr.Acquire(ctx, "k1", 3); err != nil {
		t.Fatalf("after release: %v", err)
	}
}

// With ceiling K and heavy contention, exactly K acquisitions succeed.
func TestConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, Config{MaxAge: time.Minute}, nil)

	const workers = 100
	const ceiling = 7
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Acquire(ctx, "k1", ceiling); err == nil {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != ceiling {
		t.Errorf("acquired = %d, want exactly %d", acquired, ceiling)
	}
	n, err := tr.InFlight(ctx, "k1")
	if err != nil {
		t.Fatalf("InFlight: %v", err)
	}
	if n != ceiling {
		t.Errorf("in flight = %d, want %d", n, ceiling)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, Config{MaxAge: time.Minute}, nil)

	s, err := tr.Acquire(ctx, "k1", 2)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	tr.Release(ctx, s)
	tr.Release(ctx, s)
	tr.Release(ctx, nil)

	n, err := tr.InFlight(ctx, "k1")
	if err != nil {
		t.Fatalf("InFlight: %v", err)
	}
	if n != 0 {
		t.Errorf("in flight = %d after double release, want 0", n)
	}
}

// Zero ceiling means unlimited, but the slot still counts in flight.
func TestUnlimitedCeiling(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, Config{MaxAge: time.Minute}, nil)

	for i := 0; i < 50; i++ {
		if _, err := tr.Acquire(ctx, "k1", 0); err != nil {
			t.Fatalf("acquire %d: %v", i+1, err)
		}
	}
	n, err := tr.InFlight(ctx, "k1")
	if err != nil {
		t.Fatalf("InFlight: %v", err)
	}
	if n != 50 {
		t.Errorf("in flight = %d, want 50", n)
	}
}

// The janitor reclaims slots that were never released.
func TestSweepReclaimsStaleSlots(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	// SweepInterval zero: no background janitor, sweep is driven
	// directly for determinism.
	tr, _ := newTestTracker(t, Config{MaxAge: time.Minute}, clk)

	if _, err := tr.Acquire(ctx, "k1", 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := tr.Acquire(ctx, "k1", 1); !errors.Is(err, limits.ErrConcurrencyLimitExceeded) {
		t.Fatalf("ceiling full: err = %v, want ErrConcurrencyLimitExceeded", err)
	}

	clk.Advance(2 * time.Minute)
	tr.sweep(ctx)

	if _, err := tr.Acquire(ctx, "k1", 1); err != nil {
		t.Fatalf("after sweep: %v", err)
	}
}
