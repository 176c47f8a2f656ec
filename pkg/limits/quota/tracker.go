// Package quota enforces per-subject cost budgets across the five
// cost windows.
//
// The tracker keeps a fast path in a counter store and treats the
// durable request log as the source of truth. Window spend lives in
// counter cells keyed by subject, window, and period (fixed windows)
// or time bucket (rolling windows); a new period starts from zero
// simply because its key has never been written. When the counter
// store is unavailable the tracker falls back to summing the request
// log, so admission decisions degrade in latency, not correctness.
//
// Admission is a reserve/settle protocol:
//
//  1. CheckAndReserve projects spent + estimated cost against every
//     limited window and, if all pass, registers the estimate as
//     pending in-flight spend.
//  2. Settle replaces the estimate with the actual cost, debiting the
//     window counters.
//  3. Release drops the reservation without a debit when the request
//     never reached a provider.
//
// A small number of in-flight calls (SoftOverageCalls) are admitted on
// spent cost alone, without counting other pending estimates against
// the budget. This trades a bounded overshoot for not serializing
// concurrent traffic under a nearly-exhausted budget.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stratus-hq/saturn/internal/clock"
	"stratus-hq/saturn/pkg/counter"
	"stratus-hq/saturn/pkg/ledger"
	"stratus-hq/saturn/pkg/limits"
	"stratus-hq/saturn/pkg/money"
)

// pendingTTL bounds how long an unsettled reservation can hold
// estimated spend against a budget. Reservations normally settle or
// release within a request lifetime; the TTL only matters after a
// crash between reserve and settle.
const pendingTTL = 15 * time.Minute

// Config holds tracker tunables.
type Config struct {
	// Scheme sets the time semantics of the cost windows.
	Scheme limits.Scheme

	// SoftOverageCalls is the number of concurrent in-flight calls
	// admitted without counting other pending estimates against the
	// budget. Zero means every pending estimate counts immediately.
	SoftOverageCalls int
}

// DefaultConfig returns the stock tracker settings.
func DefaultConfig() Config {
	return Config{
		Scheme:           limits.DefaultScheme(),
		SoftOverageCalls: 1,
	}
}

// SubjectBudget pairs a subject with its configured budget.
type SubjectBudget struct {
	Subject limits.Subject
	Budget  *limits.Budget
}

// Tracker enforces cost budgets. It is safe for concurrent use.
type Tracker struct {
	store  counter.Store
	log    ledger.Storage
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
}

// NewTracker creates a quota tracker backed by the given counter
// store, with the request log as the fallback source of truth.
func NewTracker(store counter.Store, log ledger.Storage, cfg Config, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Tracker{
		store:  store,
		log:    log,
		cfg:    cfg,
		clock:  clk,
		logger: slog.Default().With("component", "quota"),
	}
}

// Reservation is an admitted request's pending claim against one or
// more budgets. Exactly one of Settle or Release must be called.
type Reservation struct {
	tracker  *Tracker
	subjects []SubjectBudget
	estimate money.Amount
	done     bool
}

// CheckAndReserve projects the estimated cost against every limited
// window of every subject. If all pass, it registers the estimate as
// pending spend and returns a reservation; otherwise it returns a
// *limits.QuotaExceededError naming the first window that denied.
//
// Subjects with a nil or zero budget are unlimited and always pass.
func (t *Tracker) CheckAndReserve(ctx context.Context, subjects []SubjectBudget, estimate money.Amount) (*Reservation, error) {
	now := t.clock.Now()
	for _, sb := range subjects {
		if sb.Budget.IsZero() {
			continue
		}
		pending := t.pendingBeyondSoftOverage(ctx, sb.Subject)
		for _, w := range limits.CostWindows() {
			limit := sb.Budget.Limit(w)
			if limit == nil {
				continue
			}
			spent, err := t.spent(ctx, sb.Subject, w, now)
			if err != nil {
				return nil, err
			}
			projected := spent.Add(pending).Add(estimate)
			if projected.GreaterThan(*limit) {
				return nil, &limits.QuotaExceededError{
					Subject:    sb.Subject,
					Window:     w,
					Spent:      spent.Add(pending),
					Estimated:  estimate,
					Limit:      *limit,
					RetryAfter: t.cfg.Scheme.NextReset(w, now),
				}
			}
		}
	}

	res := &Reservation{tracker: t, subjects: subjects, estimate: estimate}
	t.addPending(ctx, subjects, estimate.Micros(), 1)
	return res, nil
}

// Settle replaces the reservation's estimate with the actual cost,
// debiting every cost window of every reserved subject. Settling is
// idempotent per reservation.
func (r *Reservation) Settle(ctx context.Context, actual money.Amount) {
	if r == nil || r.done {
		return
	}
	r.done = true
	r.tracker.addPending(ctx, r.subjects, -r.estimate.Micros(), -1)
	for _, sb := range r.subjects {
		r.tracker.Debit(ctx, sb.Subject, actual)
	}
}

// Release drops the reservation without a debit. Safe to call after
// Settle; the first of the two wins.
func (r *Reservation) Release(ctx context.Context) {
	if r == nil || r.done {
		return
	}
	r.done = true
	r.tracker.addPending(ctx, r.subjects, -r.estimate.Micros(), -1)
}

// Debit adds cost to every cost window of a subject at the current
// instant. It is the write half of settlement and is also used
// directly for usage imported from outside the admission path.
// Counter failures are logged and swallowed: the request log already
// holds the durable record and reads fall back to it.
func (t *Tracker) Debit(ctx context.Context, subject limits.Subject, cost money.Amount) {
	if cost.IsZero() {
		return
	}
	now := t.clock.Now()
	for _, w := range limits.CostWindows() {
		key, ttl := t.windowKey(subject, w, now)
		if _, err := t.store.Incr(ctx, key, cost.Micros()); err != nil {
			t.logger.Warn("counter debit failed, request log remains authoritative",
				"subject", subject.String(), "window", string(w), "error", err)
			continue
		}
		if ttl > 0 {
			if err := t.store.Expire(ctx, key, ttl); err != nil {
				t.logger.Warn("counter expire failed", "key", key, "error", err)
			}
		}
	}
}

// Check projects an estimate against a budget without reserving. The
// router uses it to skip providers whose endpoint budget is exhausted.
func (t *Tracker) Check(ctx context.Context, subject limits.Subject, budget *limits.Budget, estimate money.Amount) error {
	if budget.IsZero() {
		return nil
	}
	now := t.clock.Now()
	for _, w := range limits.CostWindows() {
		limit := budget.Limit(w)
		if limit == nil {
			continue
		}
		spent, err := t.spent(ctx, subject, w, now)
		if err != nil {
			return err
		}
		if spent.Add(estimate).GreaterThan(*limit) {
			return &limits.QuotaExceededError{
				Subject:    subject,
				Window:     w,
				Spent:      spent,
				Estimated:  estimate,
				Limit:      *limit,
				RetryAfter: t.cfg.Scheme.NextReset(w, now),
			}
		}
	}
	return nil
}

// Usage reads the current spend of a subject across all cost windows.
func (t *Tracker) Usage(ctx context.Context, subject limits.Subject, budget *limits.Budget) ([]limits.Usage, error) {
	now := t.clock.Now()
	out := make([]limits.Usage, 0, len(limits.CostWindows()))
	for _, w := range limits.CostWindows() {
		spent, err := t.spent(ctx, subject, w, now)
		if err != nil {
			return nil, err
		}
		out = append(out, limits.Usage{
			Subject: subject,
			Window:  w,
			Spent:   spent,
			Limit:   budget.Limit(w),
			ResetAt: t.cfg.Scheme.NextReset(w, now),
		})
	}
	return out, nil
}

// NextReset exposes the scheme's reset schedule for usage reporting.
func (t *Tracker) NextReset(w limits.Window) time.Time {
	return t.cfg.Scheme.NextReset(w, t.clock.Now())
}

// spent reads a subject's accumulated cost in one window, preferring
// the counter store and falling back to the request log when the
// store is unavailable.
func (t *Tracker) spent(ctx context.Context, subject limits.Subject, w limits.Window, now time.Time) (money.Amount, error) {
	var total int64
	var unavailable bool

	if t.cfg.Scheme.IsRolling(w) {
		keys := make([]string, 0, 64)
		for _, bucket := range t.cfg.Scheme.BucketKeys(w, now) {
			keys = append(keys, rollingKey(subject, w, bucket))
		}
		values, err := t.store.GetMulti(ctx, keys)
		if err != nil {
			unavailable = errors.Is(err, counter.ErrUnavailable)
			if !unavailable {
				return 0, fmt.Errorf("reading %s window for %s: %w", w, subject, err)
			}
		} else {
			for _, v := range values {
				total += v
			}
		}
	} else {
		key, _ := t.windowKey(subject, w, now)
		v, ok, err := t.store.Get(ctx, key)
		if err != nil {
			unavailable = errors.Is(err, counter.ErrUnavailable)
			if !unavailable {
				return 0, fmt.Errorf("reading %s window for %s: %w", w, subject, err)
			}
		} else if ok {
			total = v
		}
	}

	if !unavailable {
		return money.FromMicros(total), nil
	}

	// Degraded mode: the request log is the source of truth.
	start, end := t.cfg.Scheme.Bounds(w, now)
	sum, err := t.log.SumCost(ctx, string(subject.Kind), subject.ID, start, end)
	if err != nil {
		return 0, fmt.Errorf("request log fallback for %s window of %s: %w", w, subject, err)
	}
	t.logger.Warn("counter store unavailable, served spend from request log",
		"subject", subject.String(), "window", string(w))
	return sum, nil
}

// pendingBeyondSoftOverage returns the pending in-flight estimate that
// must count against the budget. While fewer than SoftOverageCalls
// calls are in flight the pending cost is ignored entirely.
func (t *Tracker) pendingBeyondSoftOverage(ctx context.Context, subject limits.Subject) money.Amount {
	count, ok, err := t.store.Get(ctx, pendingCountKey(subject))
	if err != nil || !ok || count < int64(t.cfg.SoftOverageCalls) {
		return 0
	}
	cost, ok, err := t.store.Get(ctx, pendingCostKey(subject))
	if err != nil || !ok {
		return 0
	}
	return money.FromMicros(cost)
}

func (t *Tracker) addPending(ctx context.Context, subjects []SubjectBudget, costDelta, countDelta int64) {
	for _, sb := range subjects {
		if sb.Budget.IsZero() {
			continue
		}
		ck := pendingCostKey(sb.Subject)
		nk := pendingCountKey(sb.Subject)
		if _, err := t.store.Incr(ctx, ck, costDelta); err == nil {
			_ = t.store.Expire(ctx, ck, pendingTTL)
		}
		if _, err := t.store.Incr(ctx, nk, countDelta); err == nil {
			_ = t.store.Expire(ctx, nk, pendingTTL)
		}
	}
}

// windowKey returns the counter cell for a fixed window, or the
// current bucket cell for a rolling window, plus the TTL the cell
// should carry. Fixed cells outlive their period by a day so that
// late settlements still land; rolling cells expire one bucket past
// the horizon.
func (t *Tracker) windowKey(subject limits.Subject, w limits.Window, now time.Time) (string, time.Duration) {
	if t.cfg.Scheme.IsRolling(w) {
		bucket := t.cfg.Scheme.BucketKeys(w, now)[0]
		ttl := t.cfg.Scheme.RollingHorizon(w) + t.cfg.Scheme.BucketSize(w)
		return rollingKey(subject, w, bucket), ttl
	}
	key := fmt.Sprintf("q:%s:%s:%s:%s", subject.Kind, subject.ID, w, t.cfg.Scheme.PeriodKey(w, now))
	if w == limits.WindowTotal {
		return key, 0
	}
	_, end := t.cfg.Scheme.Bounds(w, now)
	return key, end.Sub(now) + 24*time.Hour
}

func rollingKey(subject limits.Subject, w limits.Window, bucket string) string {
	return fmt.Sprintf("q:%s:%s:%s:%s", subject.Kind, subject.ID, w, bucket)
}

func pendingCostKey(subject limits.Subject) string {
	return fmt.Sprintf("qp:%s:%s", subject.Kind, subject.ID)
}

func pendingCountKey(subject limits.Subject) string {
	return fmt.Sprintf("qpn:%s:%s", subject.Kind, subject.ID)
}
