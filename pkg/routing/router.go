package routing

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"

	"stratus-hq/saturn/pkg/breaker"
)

// Config holds router tunables.
type Config struct {
	// MaxAttempts bounds how many providers one request may try.
	MaxAttempts int
}

// DefaultConfig returns the stock router settings.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3}
}

// CallFunc invokes one provider. Return nil on success, a *CallError
// to tell the router whether to fail over, or any other error to stop
// routing immediately.
type CallFunc func(ctx context.Context, p *Provider) error

// Router selects providers and retries across them. Safe for
// concurrent use.
type Router struct {
	cfg     Config
	breaker *breaker.Manager
	budget  BudgetGate
	circuit CircuitGate
	logger  *slog.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	hits map[string]int64
}

// Option customizes a Router.
type Option func(*Router)

// WithBudgetGate installs the endpoint budget check used during
// selection.
func WithBudgetGate(g BudgetGate) Option {
	return func(r *Router) { r.budget = g }
}

// WithSeed makes the weighted draw deterministic.
func WithSeed(seed uint64) Option {
	return func(r *Router) { r.rng = rand.New(rand.NewPCG(seed, seed)) }
}

// NewRouter creates a router. The breaker may be nil, in which case
// circuits never exclude anyone.
func NewRouter(cfg Config, brk *breaker.Manager, opts ...Option) *Router {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	r := &Router{
		cfg:     cfg,
		breaker: brk,
		logger:  slog.Default().With("component", "router"),
		hits:    make(map[string]int64),
	}
	if brk != nil {
		r.circuit = func(ctx context.Context, p *Provider) bool {
			return brk.Eligible(ctx, breaker.Target{Vendor: p.Vendor, ProviderType: p.Type})
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Select picks the provider that would serve the request right now,
// without calling it. Returns *NoProviderError when nothing is
// eligible.
func (r *Router) Select(ctx context.Context, providers []*Provider, req *Request) (*Provider, error) {
	return r.selectExcluding(ctx, providers, req, nil)
}

func (r *Router) selectExcluding(ctx context.Context, providers []*Provider, req *Request, tried map[string]bool) (*Provider, error) {
	reasons := make(map[string]string)
	candidates := r.eligible(ctx, providers, req, tried, reasons)
	tier := bestTier(candidates)
	if len(tier) == 0 {
		return nil, &NoProviderError{Type: req.Type, Group: req.Group, Reasons: reasons}
	}
	p := r.draw(tier)
	r.mu.Lock()
	r.hits[p.ID]++
	r.mu.Unlock()
	return p, nil
}

// Outcome describes a completed routing run.
type Outcome struct {
	// Provider is the endpoint that served the call, nil when routing
	// failed.
	Provider *Provider

	// Attempts is how many providers were called, including the
	// successful one.
	Attempts int

	// LastTried is the most recent provider called, set even when the
	// run failed. Failure records are attributed to it.
	LastTried *Provider
}

// Route selects a provider, calls it, and fails over on transient
// errors until the attempt budget runs out.
//
// Every attempt's outcome is recorded against the provider's circuit:
// a success clears its failure run, a failure extends it. The attempt
// budget is per request; circuit failure counts accumulate across
// requests.
func (r *Router) Route(ctx context.Context, providers []*Provider, req *Request, call CallFunc) (*Outcome, error) {
	tried := make(map[string]bool)
	out := &Outcome{}
	var last error

	for out.Attempts < r.cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		p, err := r.selectExcluding(ctx, providers, req, tried)
		if err != nil {
			if last != nil {
				// At least one provider was tried and failed before
				// the pool ran dry.
				return out, &ExhaustedError{Attempts: out.Attempts, Last: last}
			}
			return out, err
		}

		tried[p.ID] = true
		out.Attempts++
		out.LastTried = p
		callErr := call(ctx, p)
		r.recordCircuit(ctx, p, callErr == nil)

		if callErr == nil {
			out.Provider = p
			return out, nil
		}
		last = callErr

		var ce *CallError
		if !errors.As(callErr, &ce) || !ce.Transient {
			return out, callErr
		}
		r.logger.Warn("provider failed, trying next",
			"provider", p.ID, "vendor", p.Vendor, "attempt", out.Attempts, "error", callErr)
	}

	return out, &ExhaustedError{Attempts: out.Attempts, Last: last}
}

// RecordOutcome feeds an out-of-band call result into the provider's
// circuit, for callers that selected with Select and invoked the
// provider themselves.
func (r *Router) RecordOutcome(ctx context.Context, p *Provider, ok bool) {
	r.recordCircuit(ctx, p, ok)
}

// Hits returns how often each provider has been selected since start.
func (r *Router) Hits() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.hits))
	for k, v := range r.hits {
		out[k] = v
	}
	return out
}

func (r *Router) recordCircuit(ctx context.Context, p *Provider, ok bool) {
	if r.breaker == nil {
		return
	}
	r.breaker.RecordOutcome(ctx, breaker.Target{Vendor: p.Vendor, ProviderType: p.Type}, ok)
}

// intn draws from the router's rng, falling back to the global source
// when no seed was installed.
func (r *Router) intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rng != nil {
		return r.rng.IntN(n)
	}
	return rand.IntN(n)
}
