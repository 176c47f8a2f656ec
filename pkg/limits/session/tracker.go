// Package session enforces the per-key concurrency ceiling.
//
// Each key's in-flight count lives in a single counter cell. Acquire
// reserves a slot with one atomic increment-with-ceiling; Release
// returns it. Unlike the cost windows, the ceiling fails closed: if
// the counter store cannot answer, the slot is denied. A concurrency
// ceiling exists to protect providers from floods, and a degraded
// gate that admits everything protects nothing.
//
// Slots are tracked in process so that leaked acquisitions (a caller
// that never released, or a crash mid-request) are reclaimed by a
// janitor after MaxAge rather than permanently shrinking the ceiling.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"stratus-hq/saturn/internal/clock"
	"stratus-hq/saturn/pkg/counter"
	"stratus-hq/saturn/pkg/limits"
)

// Config holds session tracker tunables.
type Config struct {
	// MaxAge is how long an unreleased slot may live before the
	// janitor reclaims it.
	MaxAge time.Duration

	// SweepInterval is how often the janitor scans for stale slots.
	SweepInterval time.Duration
}

// DefaultConfig returns the stock session settings.
func DefaultConfig() Config {
	return Config{
		MaxAge:        10 * time.Minute,
		SweepInterval: 30 * time.Second,
	}
}

// Slot is an acquired concurrency slot. The handle is unique per
// acquisition and makes Release idempotent.
type Slot struct {
	Handle     string
	Key        string
	AcquiredAt time.Time
}

// Tracker enforces in-flight ceilings per API key. Safe for
// concurrent use.
type Tracker struct {
	store  counter.Store
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	slots map[string]Slot // handle -> slot

	done chan struct{}
	wg   sync.WaitGroup
}

// NewTracker creates a session tracker. Call Close to stop the
// janitor.
func NewTracker(store counter.Store, cfg Config, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultConfig().MaxAge
	}
	t := &Tracker{
		store:  store,
		cfg:    cfg,
		clock:  clk,
		logger: slog.Default().With("component", "session"),
		slots:  make(map[string]Slot),
		done:   make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		t.wg.Add(1)
		go t.janitor()
	}
	return t
}

// Acquire reserves one in-flight slot for key under the given
// ceiling. A ceiling of zero or less means unlimited; the returned
// slot is still real and must be released.
//
// On a full ceiling it returns *limits.ConcurrencyLimitError. On a
// counter store failure it returns the store error: the ceiling fails
// closed.
func (t *Tracker) Acquire(ctx context.Context, key string, ceiling int) (*Slot, error) {
	now := t.clock.Now()
	if ceiling > 0 {
		value, ok, err := t.store.IncrCheck(ctx, slotKey(key), 1, int64(ceiling))
		if err != nil {
			return nil, fmt.Errorf("acquiring slot for key %s: %w", key, err)
		}
		if !ok {
			return nil, &limits.ConcurrencyLimitError{
				Key:      key,
				InFlight: int(value),
				Limit:    ceiling,
			}
		}
	} else {
		if _, err := t.store.Incr(ctx, slotKey(key), 1); err != nil {
			return nil, fmt.Errorf("acquiring slot for key %s: %w", key, err)
		}
	}

	slot := Slot{
		Handle:     uuid.NewString(),
		Key:        key,
		AcquiredAt: now,
	}
	t.mu.Lock()
	t.slots[slot.Handle] = slot
	t.mu.Unlock()
	return &slot, nil
}

// Release returns a slot. Releasing an unknown or already-released
// handle is a no-op, so callers may release defensively on every exit
// path.
func (t *Tracker) Release(ctx context.Context, slot *Slot) {
	if slot == nil {
		return
	}
	t.mu.Lock()
	_, live := t.slots[slot.Handle]
	delete(t.slots, slot.Handle)
	t.mu.Unlock()
	if !live {
		return
	}
	if _, err := t.store.Incr(ctx, slotKey(slot.Key), -1); err != nil {
		t.logger.Warn("slot release failed, janitor will reconcile",
			"key", slot.Key, "error", err)
	}
}

// InFlight reads the current in-flight count for a key.
func (t *Tracker) InFlight(ctx context.Context, key string) (int, error) {
	v, _, err := t.store.Get(ctx, slotKey(key))
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// Close stops the janitor. Outstanding slots remain acquired.
func (t *Tracker) Close() {
	close(t.done)
	t.wg.Wait()
}

// janitor reclaims slots older than MaxAge.
func (t *Tracker) janitor() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.sweep(context.Background())
		}
	}
}

func (t *Tracker) sweep(ctx context.Context) {
	cutoff := t.clock.Now().Add(-t.cfg.MaxAge)
	t.mu.Lock()
	var stale []Slot
	for handle, slot := range t.slots {
		if slot.AcquiredAt.Before(cutoff) {
			stale = append(stale, slot)
			delete(t.slots, handle)
		}
	}
	t.mu.Unlock()

	for _, slot := range stale {
		if _, err := t.store.Incr(ctx, slotKey(slot.Key), -1); err != nil {
			t.logger.Warn("stale slot reclaim failed", "key", slot.Key, "error", err)
			continue
		}
		t.logger.Info("reclaimed stale slot",
			"key", slot.Key, "age", t.clock.Now().Sub(slot.AcquiredAt).String())
	}
}

func slotKey(key string) string {
	return "s:" + key
}
