// Package breaker trips circuits per vendor and provider type.
//
// A circuit opens after a run of consecutive failures, stays open for
// a fixed window, then admits half-open trial calls one at a time. A
// run of consecutive trial successes closes the circuit; any trial
// failure reopens it for a fresh window.
//
// State lives in the shared counter store, so every gateway instance
// sees the same circuit. Each half-open trial is claimed with a
// compare-and-swap: under any number of concurrent callers exactly one
// wins the probe and the rest stay rejected.
//
// The breaker fails open on a store outage. Refusing all traffic
// because the bookkeeping backend is down would turn a metadata
// failure into a full outage, which is the opposite of what a breaker
// is for.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"stratus-hq/saturn/internal/clock"
	"stratus-hq/saturn/pkg/counter"
)

// Config holds breaker tunables.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens a
	// circuit.
	FailureThreshold int

	// OpenDuration is how long an opened circuit rejects traffic
	// before admitting the half-open trial.
	OpenDuration time.Duration

	// HalfOpenSuccesses is the consecutive trial-success count that
	// closes a half-open circuit.
	HalfOpenSuccesses int

	// TrialTimeout bounds how long a claimed half-open trial slot can
	// stay unsettled. If the trial caller dies before recording an
	// outcome the claim expires and the next caller can probe, instead
	// of the circuit wedging half-open until a manual reset. Set it
	// past the upstream call timeout.
	TrialTimeout time.Duration
}

// DefaultConfig returns the stock breaker settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		OpenDuration:      60 * time.Second,
		HalfOpenSuccesses: 1,
		TrialTimeout:      2 * time.Minute,
	}
}

// Manager owns every circuit. Safe for concurrent use.
type Manager struct {
	store  counter.Store
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	onState func(Target, State)

	mu   sync.Mutex
	seen map[Target]struct{}
}

// Option customizes a manager.
type Option func(*Manager)

// WithStateHook registers a callback invoked on every state
// transition this manager performs, including operator resets. The
// hook runs inline on the transitioning goroutine and must be cheap.
func WithStateHook(fn func(Target, State)) Option {
	return func(m *Manager) { m.onState = fn }
}

// NewManager creates a breaker manager on the given counter store.
func NewManager(store counter.Store, cfg Config, clk clock.Clock, opts ...Option) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultConfig().OpenDuration
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = DefaultConfig().HalfOpenSuccesses
	}
	if cfg.TrialTimeout <= 0 {
		cfg.TrialTimeout = DefaultConfig().TrialTimeout
	}
	m := &Manager{
		store:  store,
		cfg:    cfg,
		clock:  clk,
		logger: slog.Default().With("component", "breaker"),
		seen:   make(map[Target]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) notify(target Target, state State) {
	if m.onState != nil {
		m.onState(target, state)
	}
}

// Eligible reports whether the circuit admits a call right now. For an
// open circuit past its window it also claims the half-open trial:
// exactly one concurrent caller gets true, and that caller's outcome
// decides the circuit.
func (m *Manager) Eligible(ctx context.Context, target Target) bool {
	m.remember(target)
	state, _, err := m.store.Get(ctx, stateKey(target))
	if err != nil {
		m.logger.Warn("breaker state unreadable, admitting", "target", target.String(), "error", err)
		return true
	}
	switch state {
	case cellClosed:
		return true
	case cellHalfOpen:
		// The next trial runs only once the previous one settled.
		return m.claimTrial(ctx, target)
	}

	openedAt, _, err := m.store.Get(ctx, openedKey(target))
	if err != nil {
		m.logger.Warn("breaker window unreadable, admitting", "target", target.String(), "error", err)
		return true
	}
	if m.clock.Now().Before(time.Unix(openedAt, 0).Add(m.cfg.OpenDuration)) {
		return false
	}

	// Window elapsed: race for the single half-open trial.
	if !m.claimTrial(ctx, target) {
		return false
	}
	_ = m.store.Set(ctx, stateKey(target), cellHalfOpen)
	m.logger.Info("circuit half-open, admitting trial call", "target", target.String())
	m.notify(target, StateHalfOpen)
	return true
}

// claimTrial wins the single in-flight trial slot, or fails open when
// the store cannot arbitrate.
func (m *Manager) claimTrial(ctx context.Context, target Target) bool {
	won, err := m.store.CompareAndSwap(ctx, trialKey(target), 0, 1)
	if err != nil {
		m.logger.Warn("breaker trial claim failed, admitting", "target", target.String(), "error", err)
		return true
	}
	if won {
		// An unsettled claim expires so a dead trial caller cannot
		// wedge the circuit half-open.
		_ = m.store.Expire(ctx, trialKey(target), m.cfg.TrialTimeout)
	}
	return won
}

// RecordOutcome folds one call result into the circuit.
//
// A trial success closes a half-open circuit and a closed-state
// success clears the failure run. A success recorded against an open
// circuit is ignored: it belongs to a call admitted before the trip,
// and only the half-open trial may close the circuit. A failure
// extends the run; reaching the threshold opens the circuit, and a
// failed half-open trial reopens it for a fresh window.
func (m *Manager) RecordOutcome(ctx context.Context, target Target, ok bool) {
	m.remember(target)
	state, _, err := m.store.Get(ctx, stateKey(target))
	if err != nil {
		m.logger.Warn("breaker outcome dropped", "target", target.String(), "error", err)
		return
	}

	if ok {
		switch state {
		case cellHalfOpen:
			_ = m.store.Set(ctx, trialKey(target), 0)
			succ, err := m.store.Incr(ctx, succKey(target), 1)
			if err != nil || succ >= int64(m.cfg.HalfOpenSuccesses) {
				m.logger.Info("trial run succeeded, closing circuit", "target", target.String())
				m.close(ctx, target)
			} else {
				m.logger.Info("trial call succeeded, awaiting more",
					"target", target.String(), "successes", succ)
			}
		case cellClosed:
			_ = m.store.Set(ctx, failKey(target), 0)
		}
		// Open: a stale success from before the trip must not cut the
		// window short.
		return
	}

	_ = m.store.Set(ctx, lastKey(target), m.clock.Now().Unix())

	switch state {
	case cellHalfOpen:
		// Failed trial: back to open with a fresh window.
		_ = m.store.Set(ctx, openedKey(target), m.clock.Now().Unix())
		_ = m.store.Set(ctx, stateKey(target), cellOpen)
		_ = m.store.Set(ctx, succKey(target), 0)
		_ = m.store.Set(ctx, trialKey(target), 0)
		m.logger.Warn("trial call failed, reopening circuit", "target", target.String())
		m.notify(target, StateOpen)
	case cellClosed:
		fails, err := m.store.Incr(ctx, failKey(target), 1)
		if err != nil {
			m.logger.Warn("breaker failure count dropped", "target", target.String(), "error", err)
			return
		}
		if fails >= int64(m.cfg.FailureThreshold) {
			_ = m.store.Set(ctx, openedKey(target), m.clock.Now().Unix())
			_ = m.store.Set(ctx, stateKey(target), cellOpen)
			m.logger.Warn("failure threshold reached, opening circuit",
				"target", target.String(), "failures", fails)
			m.notify(target, StateOpen)
		}
	}
	// Already open: further failures neither extend nor reset the
	// window.
}

// close flips a circuit to closed and zeroes its bookkeeping cells.
func (m *Manager) close(ctx context.Context, target Target) {
	_ = m.store.Set(ctx, stateKey(target), cellClosed)
	_ = m.store.Set(ctx, failKey(target), 0)
	_ = m.store.Set(ctx, succKey(target), 0)
	_ = m.store.Set(ctx, trialKey(target), 0)
	_ = m.store.Delete(ctx, openedKey(target))
	m.notify(target, StateClosed)
}

// Reset force-closes a circuit and clears its failure run. Operator
// escape hatch.
func (m *Manager) Reset(ctx context.Context, target Target) error {
	if err := m.store.Set(ctx, stateKey(target), cellClosed); err != nil {
		return err
	}
	if err := m.store.Set(ctx, failKey(target), 0); err != nil {
		return err
	}
	if err := m.store.Set(ctx, succKey(target), 0); err != nil {
		return err
	}
	if err := m.store.Set(ctx, trialKey(target), 0); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, openedKey(target)); err != nil {
		return err
	}
	m.logger.Info("circuit manually reset", "target", target.String())
	m.notify(target, StateClosed)
	return nil
}

// Status reads one circuit.
func (m *Manager) Status(ctx context.Context, target Target) (Status, error) {
	st := Status{Target: target, State: StateClosed}

	state, _, err := m.store.Get(ctx, stateKey(target))
	if err != nil {
		return st, err
	}
	fails, _, err := m.store.Get(ctx, failKey(target))
	if err != nil {
		return st, err
	}
	st.Failures = int(fails)

	if last, ok, err := m.store.Get(ctx, lastKey(target)); err != nil {
		return st, err
	} else if ok && last > 0 {
		st.LastFailure = time.Unix(last, 0).UTC()
	}

	switch state {
	case cellOpen:
		st.State = StateOpen
	case cellHalfOpen:
		st.State = StateHalfOpen
	}
	if state != cellClosed {
		openedAt, ok, err := m.store.Get(ctx, openedKey(target))
		if err != nil {
			return st, err
		}
		if ok {
			st.OpenedAt = time.Unix(openedAt, 0).UTC()
			st.RetryAt = st.OpenedAt.Add(m.cfg.OpenDuration)
		}
	}
	return st, nil
}

// StatusAll reads every circuit this manager has touched since start,
// in no particular order.
func (m *Manager) StatusAll(ctx context.Context) ([]Status, error) {
	m.mu.Lock()
	targets := make([]Target, 0, len(m.seen))
	for t := range m.seen {
		targets = append(targets, t)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(targets))
	for _, t := range targets {
		st, err := m.Status(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// RetryAt returns when an open circuit next admits a trial, for error
// reporting. Returns the zero time if the circuit is not open.
func (m *Manager) RetryAt(ctx context.Context, target Target) time.Time {
	st, err := m.Status(ctx, target)
	if err != nil || st.State != StateOpen {
		return time.Time{}
	}
	return st.RetryAt
}

func (m *Manager) remember(target Target) {
	m.mu.Lock()
	m.seen[target] = struct{}{}
	m.mu.Unlock()
}

func stateKey(t Target) string  { return "cb:" + t.Vendor + ":" + t.ProviderType + ":state" }
func failKey(t Target) string   { return "cb:" + t.Vendor + ":" + t.ProviderType + ":fails" }
func openedKey(t Target) string { return "cb:" + t.Vendor + ":" + t.ProviderType + ":opened" }
func succKey(t Target) string   { return "cb:" + t.Vendor + ":" + t.ProviderType + ":succ" }
func trialKey(t Target) string  { return "cb:" + t.Vendor + ":" + t.ProviderType + ":trial" }
func lastKey(t Target) string   { return "cb:" + t.Vendor + ":" + t.ProviderType + ":last" }
