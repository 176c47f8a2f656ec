// Package gateway is the admission and routing core. It decides
// whether a call may run (budgets, concurrency), which provider serves
// it (priority, weight, circuits, endpoint budgets), and records every
// outcome durably before updating the fast-path counters.
//
// The order of settlement is deliberate: the request log write comes
// first and is synchronous. Counters, circuits, and telemetry are
// derived state and tolerate loss; the log does not.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"stratus-hq/saturn/internal/clock"
	"stratus-hq/saturn/pkg/availability"
	"stratus-hq/saturn/pkg/breaker"
	"stratus-hq/saturn/pkg/ledger"
	"stratus-hq/saturn/pkg/limits"
	"stratus-hq/saturn/pkg/limits/quota"
	"stratus-hq/saturn/pkg/limits/session"
	"stratus-hq/saturn/pkg/money"
	"stratus-hq/saturn/pkg/routing"
	"stratus-hq/saturn/pkg/telemetry/metrics"
	"stratus-hq/saturn/pkg/telemetry/tracing"
)

// Config holds gateway tunables.
type Config struct {
	// InitialEstimate is the cost assumed for a subject's first call,
	// before any settled history exists.
	InitialEstimate money.Amount
}

// DefaultConfig returns the stock gateway settings.
func DefaultConfig() Config {
	return Config{InitialEstimate: money.FromUSD(0.05)}
}

// InvokeFunc performs the actual provider call. Implementations return
// the provider's result, or a *routing.CallError classifying the
// failure as transient or permanent.
type InvokeFunc func(ctx context.Context, p *routing.Provider) (*CallResult, error)

// Gateway wires admission, routing, and telemetry together. Safe for
// concurrent use.
type Gateway struct {
	cfg       Config
	source    SnapshotSource
	quota     *quota.Tracker
	sessions  *session.Tracker
	breaker   *breaker.Manager
	router    *routing.Router
	log       ledger.Storage
	recorder  *ledger.Recorder
	estimator *quota.Estimator
	live      *availability.Live
	agg       *availability.Aggregator
	metrics   *metrics.Collector
	tracer    *tracing.Tracer
	clock     clock.Clock
	logger    *slog.Logger
}

// Deps collects the gateway's collaborators.
type Deps struct {
	Source    SnapshotSource
	Quota     *quota.Tracker
	Sessions  *session.Tracker
	Breaker   *breaker.Manager
	Router    *routing.Router
	Log       ledger.Storage
	Recorder  *ledger.Recorder
	Estimator *quota.Estimator
	Live      *availability.Live
	Agg       *availability.Aggregator
	Metrics   *metrics.Collector
	Tracer    *tracing.Tracer
	Clock     clock.Clock
}

// New creates a gateway from its collaborators.
func New(cfg Config, deps Deps) *Gateway {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Estimator == nil {
		deps.Estimator = quota.NewEstimator(cfg.InitialEstimate)
	}
	if deps.Live == nil {
		deps.Live = availability.NewLive()
	}
	if deps.Metrics == nil {
		// A disabled collector: all Record methods become no-ops.
		deps.Metrics = metrics.NewCollector(metrics.Config{}, nil)
	}
	if deps.Tracer == nil {
		deps.Tracer = tracing.Noop()
	}
	return &Gateway{
		cfg:       cfg,
		source:    deps.Source,
		quota:     deps.Quota,
		sessions:  deps.Sessions,
		breaker:   deps.Breaker,
		router:    deps.Router,
		log:       deps.Log,
		recorder:  deps.Recorder,
		estimator: deps.Estimator,
		live:      deps.Live,
		agg:       deps.Agg,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		clock:     deps.Clock,
		logger:    slog.Default().With("component", "gateway"),
	}
}

// CanAdmit runs the full admission check for a key: identity, the
// concurrency ceiling, then every cost window of the key and its
// user. On success the returned admission holds a concurrency slot
// and a quota reservation; the caller must settle or release it.
//
// The slot is acquired before the quota check and rolled back on a
// quota denial, so a denied request never leaks concurrency.
func (g *Gateway) CanAdmit(ctx context.Context, req *Request) (*Admission, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.admit")
	defer span.End()

	snap := g.source.Snapshot()
	key, ok := snap.Keys[req.KeyID]
	if !ok {
		err := &KeyError{KeyID: req.KeyID, Cause: ErrUnknownKey}
		g.recordDenial(err)
		tracing.SetStatus(span, err)
		return nil, err
	}
	if key.Disabled {
		err := &KeyError{KeyID: req.KeyID, Cause: ErrKeyDisabled}
		g.recordDenial(err)
		tracing.SetStatus(span, err)
		return nil, err
	}

	estimate := req.Estimate
	if estimate <= 0 {
		estimate = g.estimator.Estimate(limits.Subject{Kind: limits.SubjectKey, ID: key.ID})
	}

	ceiling := 0
	if key.Budget != nil {
		ceiling = key.Budget.MaxConcurrent
	}
	slot, err := g.sessions.Acquire(ctx, key.ID, ceiling)
	if err != nil {
		g.recordDenial(err)
		tracing.SetStatus(span, err)
		return nil, err
	}

	subjects := []quota.SubjectBudget{{
		Subject: limits.Subject{Kind: limits.SubjectKey, ID: key.ID},
		Budget:  key.Budget,
	}}
	if key.UserID != "" {
		var userBudget *limits.Budget
		if u, ok := snap.Users[key.UserID]; ok {
			userBudget = u.Budget
		}
		subjects = append(subjects, quota.SubjectBudget{
			Subject: limits.Subject{Kind: limits.SubjectUser, ID: key.UserID},
			Budget:  userBudget,
		})
	}

	reservation, err := g.quota.CheckAndReserve(ctx, subjects, estimate)
	if err != nil {
		g.sessions.Release(ctx, slot)
		g.recordDenial(err)
		tracing.SetStatus(span, err)
		return nil, err
	}

	g.metrics.RecordAdmission(true)
	if n, inErr := g.sessions.InFlight(ctx, key.ID); inErr == nil {
		g.metrics.SetInFlight(key.ID, n)
	}
	return &Admission{
		Key:         key,
		Estimate:    estimate,
		Started:     g.clock.Now(),
		slot:        slot,
		reservation: reservation,
	}, nil
}

// Do admits, routes, invokes, and settles a call end to end. The
// admission is settled or released on every exit path.
func (g *Gateway) Do(ctx context.Context, req *Request, invoke InvokeFunc) (*Result, error) {
	adm, err := g.CanAdmit(ctx, req)
	if err != nil {
		return nil, err
	}

	snap := g.source.Snapshot()
	routeReq := &routing.Request{
		Type:     req.Type,
		Group:    adm.Key.Group,
		Estimate: adm.Estimate,
	}

	var callRes *CallResult
	outcome, routeErr := g.router.Route(ctx, snap.Providers, routeReq, func(ctx context.Context, p *routing.Provider) error {
		res, err := invoke(ctx, p)
		if err != nil {
			return err
		}
		callRes = res
		return nil
	})
	// The router already fed every attempt into the circuits.
	adm.breakerRecorded = true
	if outcome != nil {
		g.metrics.RecordRoute(outcome.Attempts)
	}

	latency := g.clock.Now().Sub(adm.Started).Milliseconds()

	if routeErr != nil {
		out := &Outcome{
			OK:        false,
			LatencyMS: latency,
			ErrorType: classifyError(routeErr),
		}
		if outcome != nil && outcome.Attempts > 0 {
			// At least one provider was reached; attribute the
			// failure record to the last one tried.
			out.Provider = outcome.LastTried
			if _, settleErr := g.Settle(ctx, adm, out); settleErr != nil {
				g.logger.Error("settling failed call", "error", settleErr)
			}
		} else {
			// Never reached a provider: nothing to bill, nothing to
			// attribute. Drop the reservation.
			g.Release(ctx, adm)
		}
		return nil, routeErr
	}

	out := &Outcome{
		Provider:         outcome.Provider,
		OK:               true,
		StatusCode:       callRes.StatusCode,
		LatencyMS:        latency,
		Cost:             callRes.Cost,
		PromptTokens:     callRes.PromptTokens,
		CompletionTokens: callRes.CompletionTokens,
	}
	record, err := g.Settle(ctx, adm, out)
	if err != nil {
		return nil, err
	}
	return &Result{
		Provider: outcome.Provider,
		Attempts: outcome.Attempts,
		Record:   record,
		Call:     callRes,
	}, nil
}

// Settle finalizes an admission with a call outcome. The request log
// write is synchronous and its failure is the only error this method
// returns; counter, circuit, and telemetry updates are best-effort
// derived state.
func (g *Gateway) Settle(ctx context.Context, adm *Admission, out *Outcome) (*ledger.CallRecord, error) {
	if adm == nil || adm.settled {
		return nil, nil
	}
	adm.settled = true
	ctx, span := g.tracer.Start(ctx, "gateway.settle")
	defer span.End()
	defer func() {
		g.sessions.Release(ctx, adm.slot)
		if n, err := g.sessions.InFlight(ctx, adm.Key.ID); err == nil {
			g.metrics.SetInFlight(adm.Key.ID, n)
		}
	}()

	record := &ledger.CallRecord{
		ID:               uuid.NewString(),
		Time:             g.clock.Now(),
		KeyID:            adm.Key.ID,
		UserID:           adm.Key.UserID,
		OK:               out.OK,
		StatusCode:       out.StatusCode,
		LatencyMS:        out.LatencyMS,
		ErrorType:        out.ErrorType,
		Source:           ledger.SourceAuto,
		Cost:             out.Cost,
		PromptTokens:     out.PromptTokens,
		CompletionTokens: out.CompletionTokens,
	}
	if out.Provider != nil {
		record.VendorID = out.Provider.Vendor
		record.EndpointID = out.Provider.ID
		record.ProviderType = out.Provider.Type
	}

	if err := g.log.Append(ctx, record); err != nil {
		// The durable record failed: keep the reservation's estimate
		// released but surface the failure loudly.
		adm.reservation.Release(ctx)
		tracing.SetStatus(span, err)
		return nil, fmt.Errorf("appending call record: %w", err)
	}

	g.metrics.RecordSettlement(adm.Key.ID, record.VendorID, record.ProviderType,
		out.OK, out.Cost.USD(), time.Duration(out.LatencyMS)*time.Millisecond)

	adm.reservation.Settle(ctx, out.Cost)
	if out.Provider != nil && !out.Cost.IsZero() {
		g.quota.Debit(ctx, limits.Subject{Kind: limits.SubjectEndpoint, ID: out.Provider.ID}, out.Cost)
	}

	keySubject := limits.Subject{Kind: limits.SubjectKey, ID: adm.Key.ID}
	g.estimator.Observe(keySubject, out.Cost)

	if out.Provider != nil {
		if !adm.breakerRecorded && g.breaker != nil {
			g.breaker.RecordOutcome(ctx, breaker.Target{
				Vendor:       out.Provider.Vendor,
				ProviderType: out.Provider.Type,
			}, out.OK)
		}
		g.live.Record(out.Provider.Vendor, out.Provider.Type, out.OK, out.LatencyMS)
	}
	return record, nil
}

// Release abandons an admission without billing: the reservation and
// the concurrency slot are returned, nothing is logged.
func (g *Gateway) Release(ctx context.Context, adm *Admission) {
	if adm == nil || adm.settled {
		return
	}
	adm.settled = true
	adm.reservation.Release(ctx)
	g.sessions.Release(ctx, adm.slot)
}

// Probe invokes one named provider out of band and records the result
// as a manual-source ledger entry. Probe outcomes feed circuits and
// availability like real traffic, so a successful probe can close an
// open circuit.
func (g *Gateway) Probe(ctx context.Context, providerID string, invoke InvokeFunc) (*ledger.CallRecord, error) {
	snap := g.source.Snapshot()
	var target *routing.Provider
	for _, p := range snap.Providers {
		if p.ID == providerID {
			target = p
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("unknown provider %q", providerID)
	}

	start := g.clock.Now()
	res, err := invoke(ctx, target)
	latency := g.clock.Now().Sub(start).Milliseconds()

	record := &ledger.CallRecord{
		ID:           uuid.NewString(),
		Time:         g.clock.Now(),
		VendorID:     target.Vendor,
		EndpointID:   target.ID,
		ProviderType: target.Type,
		OK:           err == nil,
		LatencyMS:    latency,
		Source:       ledger.SourceManual,
	}
	if err != nil {
		record.ErrorType = classifyError(err)
	} else if res != nil {
		record.StatusCode = res.StatusCode
	}

	// Probes tolerate record loss; they go through the async recorder
	// rather than the synchronous settlement path.
	if g.recorder != nil {
		if recErr := g.recorder.Record(record); recErr != nil {
			g.logger.Warn("probe record dropped", "provider", providerID, "error", recErr)
		}
	}
	if g.breaker != nil {
		g.breaker.RecordOutcome(ctx, breaker.Target{Vendor: target.Vendor, ProviderType: target.Type}, err == nil)
	}
	g.live.Record(target.Vendor, target.Type, err == nil, latency)

	if err != nil {
		return record, err
	}
	return record, nil
}

// Usage reads a subject's spend across all windows plus its in-flight
// count (keys only; users have no concurrency ceiling).
func (g *Gateway) Usage(ctx context.Context, subject limits.Subject) (*UsageReport, error) {
	snap := g.source.Snapshot()
	var budget *limits.Budget
	switch subject.Kind {
	case limits.SubjectKey:
		if k, ok := snap.Keys[subject.ID]; ok {
			budget = k.Budget
		}
	case limits.SubjectUser:
		if u, ok := snap.Users[subject.ID]; ok {
			budget = u.Budget
		}
	}

	windows, err := g.quota.Usage(ctx, subject, budget)
	if err != nil {
		return nil, err
	}
	report := &UsageReport{Windows: windows}
	if subject.Kind == limits.SubjectKey {
		n, err := g.sessions.InFlight(ctx, subject.ID)
		if err == nil {
			report.InFlight = n
		}
	}
	return report, nil
}

// Availability runs a historical availability query.
func (g *Gateway) Availability(ctx context.Context, q *availability.Query) (*availability.Report, error) {
	report, err := g.agg.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	g.metrics.SetSystemScore(report.SystemScore)
	return report, nil
}

// HealthStatus returns each provider target's current live status.
func (g *Gateway) HealthStatus() map[string]availability.Status {
	snap := g.source.Snapshot()
	out := make(map[string]availability.Status)
	for _, p := range snap.Providers {
		st, _ := g.live.Current(p.Vendor, p.Type)
		out[p.Vendor+"/"+p.Type] = st
	}
	return out
}

// Breakers returns every circuit's status.
func (g *Gateway) Breakers(ctx context.Context) ([]breaker.Status, error) {
	return g.breaker.StatusAll(ctx)
}

// ResetBreaker force-closes one circuit.
func (g *Gateway) ResetBreaker(ctx context.Context, vendor, providerType string) error {
	return g.breaker.Reset(ctx, breaker.Target{Vendor: vendor, ProviderType: providerType})
}

// recordDenial classifies a failed admission for the metrics
// collector.
func (g *Gateway) recordDenial(err error) {
	g.metrics.RecordAdmission(false)
	var qe *limits.QuotaExceededError
	var ce *limits.ConcurrencyLimitError
	switch {
	case errors.As(err, &qe):
		g.metrics.RecordDenial("quota", string(qe.Window))
	case errors.As(err, &ce):
		g.metrics.RecordDenial("concurrency", "")
	case errors.Is(err, ErrUnknownKey) || errors.Is(err, ErrKeyDisabled):
		g.metrics.RecordDenial("identity", "")
	default:
		g.metrics.RecordCounterError("session_acquire")
	}
}

// classifyError maps a failure to a ledger error type.
func classifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case isContextError(err):
		return "canceled"
	default:
		return "provider_error"
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// NewBudgetGate builds the router's endpoint budget check from the
// quota tracker: a provider whose mirrored endpoint budget cannot
// absorb the estimate is excluded from selection.
func NewBudgetGate(tracker *quota.Tracker) routing.BudgetGate {
	return func(ctx context.Context, p *routing.Provider, req *routing.Request) error {
		if p.Budget.IsZero() {
			return nil
		}
		subject := limits.Subject{Kind: limits.SubjectEndpoint, ID: p.ID}
		return tracker.Check(ctx, subject, p.Budget, req.Estimate)
	}
}
