package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"stratus-hq/saturn/internal/clock"
	"stratus-hq/saturn/pkg/availability"
	"stratus-hq/saturn/pkg/breaker"
	"stratus-hq/saturn/pkg/counter"
	"stratus-hq/saturn/pkg/ledger"
	"stratus-hq/saturn/pkg/limits"
	"stratus-hq/saturn/pkg/limits/quota"
	"stratus-hq/saturn/pkg/limits/session"
	"stratus-hq/saturn/pkg/money"
	"stratus-hq/saturn/pkg/routing"
)

func usd(s string) money.Amount { return money.MustParse(s) }

func usdPtr(s string) *money.Amount {
	a := money.MustParse(s)
	return &a
}

type harness struct {
	gw    *Gateway
	src   *StaticSource
	clk   *clock.Fake
	log   ledger.Storage
	store counter.Store
}

func newHarness(t *testing.T, snap *Snapshot) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	store := counter.NewMemoryStore(0)
	t.Cleanup(func() { store.Close() })
	log := ledger.NewMemoryStorage()

	qt := quota.NewTracker(store, log, quota.DefaultConfig(), clk)
	st := session.NewTracker(store, session.DefaultConfig(), clk)
	t.Cleanup(st.Close)
	brk := breaker.NewManager(store, breaker.DefaultConfig(), clk)
	rt := routing.NewRouter(routing.DefaultConfig(), brk,
		routing.WithSeed(1), routing.WithBudgetGate(NewBudgetGate(qt)))
	src := NewStaticSource(snap)

	gw := New(DefaultConfig(), Deps{
		Source:   src,
		Quota:    qt,
		Sessions: st,
		Breaker:  brk,
		Router:   rt,
		Log:      log,
		Agg:      availability.NewAggregator(log, clk),
		Clock:    clk,
	})
	return &harness{gw: gw, src: src, clk: clk, log: log, store: store}
}

func testSnapshot() *Snapshot {
	return &Snapshot{
		Keys: map[string]*Key{
			"k1": {
				ID:     "k1",
				UserID: "u1",
				Group:  "prod",
				Budget: &limits.Budget{Daily: usdPtr("10"), MaxConcurrent: 5},
			},
		},
		Users: map[string]*User{
			"u1": {ID: "u1"},
		},
		Providers: []*routing.Provider{
			{ID: "ep-a", Vendor: "vendor-a", Type: "chat", Priority: 1, Weight: 1, Enabled: true},
		},
	}
}

func okInvoke(cost money.Amount) InvokeFunc {
	return func(_ context.Context, _ *routing.Provider) (*CallResult, error) {
		return &CallResult{StatusCode: 200, Cost: cost, PromptTokens: 100, CompletionTokens: 50}, nil
	}
}

// Daily limit $10: three settled calls at $3 each pass, a fourth
// estimated at $2 is denied, and after the daily reset it succeeds.
func TestDailyQuotaLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testSnapshot())

	for i := 0; i < 3; i++ {
		res, err := h.gw.Do(ctx, &Request{KeyID: "k1", Type: "chat", Estimate: usd("3")}, okInvoke(usd("3")))
		if err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		if res.Provider.ID != "ep-a" {
			t.Fatalf("call %d served by %s", i+1, res.Provider.ID)
		}
	}

	_, err := h.gw.Do(ctx, &Request{KeyID: "k1", Type: "chat", Estimate: usd("2")}, okInvoke(usd("2")))
	if !errors.Is(err, limits.ErrQuotaExceeded) {
		t.Fatalf("fourth call: err = %v, want ErrQuotaExceeded", err)
	}

	// The denial must not leak a concurrency slot.
	report, err := h.gw.Usage(ctx, limits.Subject{Kind: limits.SubjectKey, ID: "k1"})
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if report.InFlight != 0 {
		t.Errorf("in flight = %d after denial, want 0", report.InFlight)
	}

	// Past midnight the daily window starts fresh.
	h.clk.Set(time.Date(2025, 3, 15, 0, 0, 1, 0, time.UTC))
	if _, err := h.gw.Do(ctx, &Request{KeyID: "k1", Type: "chat", Estimate: usd("2")}, okInvoke(usd("2"))); err != nil {
		t.Fatalf("after reset: %v", err)
	}

	// Ledger holds all four settled calls.
	n, err := h.log.Count(ctx, &ledger.Query{KeyID: "k1"})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 4 {
		t.Errorf("ledger records = %d, want 4", n)
	}
}

func TestUnknownAndDisabledKeys(t *testing.T) {
	ctx := context.Background()
	snap := testSnapshot()
	snap.Keys["dead"] = &Key{ID: "dead", Disabled: true}
	h := newHarness(t, snap)

	_, err := h.gw.CanAdmit(ctx, &Request{KeyID: "nope"})
	if !errors.Is(err, ErrUnknownKey) {
		t.Errorf("err = %v, want ErrUnknownKey", err)
	}
	_, err = h.gw.CanAdmit(ctx, &Request{KeyID: "dead"})
	if !errors.Is(err, ErrKeyDisabled) {
		t.Errorf("err = %v, want ErrKeyDisabled", err)
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	ctx := context.Background()
	snap := testSnapshot()
	snap.Keys["k1"].Budget.MaxConcurrent = 2
	h := newHarness(t, snap)

	a1, err := h.gw.CanAdmit(ctx, &Request{KeyID: "k1", Estimate: usd("0.01")})
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}
	a2, err := h.gw.CanAdmit(ctx, &Request{KeyID: "k1", Estimate: usd("0.01")})
	if err != nil {
		t.Fatalf("second admit: %v", err)
	}

	if _, err := h.gw.CanAdmit(ctx, &Request{KeyID: "k1", Estimate: usd("0.01")}); !errors.Is(err, limits.ErrConcurrencyLimitExceeded) {
		t.Fatalf("third admit: err = %v, want ErrConcurrencyLimitExceeded", err)
	}

	h.gw.Release(ctx, a1)
	if _, err := h.gw.CanAdmit(ctx, &Request{KeyID: "k1", Estimate: usd("0.01")}); err != nil {
		t.Fatalf("after release: %v", err)
	}
	h.gw.Release(ctx, a2)
}

// User budgets aggregate across all of the user's keys.
func TestUserBudgetSpansKeys(t *testing.T) {
	ctx := context.Background()
	snap := testSnapshot()
	snap.Keys["k2"] = &Key{ID: "k2", UserID: "u1", Group: "prod"}
	snap.Users["u1"].Budget = &limits.Budget{Daily: usdPtr("5")}
	h := newHarness(t, snap)

	if _, err := h.gw.Do(ctx, &Request{KeyID: "k1", Type: "chat", Estimate: usd("3")}, okInvoke(usd("3"))); err != nil {
		t.Fatalf("k1 call: %v", err)
	}
	// k2 has no key budget, but shares u1's $5 daily: 3 + 3 > 5.
	_, err := h.gw.Do(ctx, &Request{KeyID: "k2", Type: "chat", Estimate: usd("3")}, okInvoke(usd("3")))
	if !errors.Is(err, limits.ErrQuotaExceeded) {
		t.Fatalf("k2 call: err = %v, want ErrQuotaExceeded via user budget", err)
	}
	var qe *limits.QuotaExceededError
	if errors.As(err, &qe) && qe.Subject.Kind != limits.SubjectUser {
		t.Errorf("denied subject = %s, want user", qe.Subject.Kind)
	}
}

func TestFailedCallSettlesWithoutCost(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testSnapshot())

	failing := func(_ context.Context, p *routing.Provider) (*CallResult, error) {
		return nil, routing.Permanent(p.ID, p.Vendor, errors.New("bad request"))
	}
	if _, err := h.gw.Do(ctx, &Request{KeyID: "k1", Type: "chat", Estimate: usd("1")}, failing); err == nil {
		t.Fatal("expected error from failing provider")
	}

	// Failure is logged with vendor attribution and zero cost.
	records, err := h.log.List(ctx, &ledger.Query{KeyID: "k1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	r := records[0]
	if r.OK || r.VendorID != "vendor-a" || !r.Cost.IsZero() {
		t.Errorf("record = ok=%v vendor=%s cost=%s, want failed vendor-a at no cost", r.OK, r.VendorID, r.Cost)
	}

	// Nothing was billed and nothing leaked.
	report, err := h.gw.Usage(ctx, limits.Subject{Kind: limits.SubjectKey, ID: "k1"})
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	for _, u := range report.Windows {
		if !u.Spent.IsZero() {
			t.Errorf("%s spent = %s after failed call, want 0", u.Window, u.Spent)
		}
	}
	if report.InFlight != 0 {
		t.Errorf("in flight = %d, want 0", report.InFlight)
	}
}

func TestEndpointBudgetSteersRouting(t *testing.T) {
	ctx := context.Background()
	snap := testSnapshot()
	snap.Providers = []*routing.Provider{
		{ID: "ep-a", Vendor: "vendor-a", Type: "chat", Priority: 1, Weight: 1, Enabled: true,
			Budget: &limits.Budget{Daily: usdPtr("4")}},
		{ID: "ep-b", Vendor: "vendor-b", Type: "chat", Priority: 2, Weight: 1, Enabled: true},
	}
	h := newHarness(t, snap)

	// First call lands on ep-a and consumes its endpoint budget.
	res, err := h.gw.Do(ctx, &Request{KeyID: "k1", Type: "chat", Estimate: usd("3")}, okInvoke(usd("3")))
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if res.Provider.ID != "ep-a" {
		t.Fatalf("first call served by %s, want ep-a", res.Provider.ID)
	}

	// ep-a has $1 headroom left; a $3 estimate steers to ep-b.
	res, err = h.gw.Do(ctx, &Request{KeyID: "k1", Type: "chat", Estimate: usd("3")}, okInvoke(usd("3")))
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if res.Provider.ID != "ep-b" {
		t.Errorf("second call served by %s, want ep-b via endpoint budget", res.Provider.ID)
	}
}

func TestProbeRecordsManualSource(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testSnapshot())

	record, err := h.gw.Probe(ctx, "ep-a", okInvoke(0))
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if record.Source != ledger.SourceManual {
		t.Errorf("source = %s, want manual", record.Source)
	}
	if record.VendorID != "vendor-a" {
		t.Errorf("vendor = %s, want vendor-a", record.VendorID)
	}

	if _, err := h.gw.Probe(ctx, "nope", okInvoke(0)); err == nil {
		t.Error("probe of unknown provider should fail")
	}
}

func TestSnapshotSwapMidFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testSnapshot())

	adm, err := h.gw.CanAdmit(ctx, &Request{KeyID: "k1", Estimate: usd("1")})
	if err != nil {
		t.Fatalf("CanAdmit: %v", err)
	}

	// Swap in a snapshot without k1. The in-flight admission still
	// settles cleanly against its captured key.
	h.src.Update(&Snapshot{})
	record, err := h.gw.Settle(ctx, adm, &Outcome{OK: true, StatusCode: 200, Cost: usd("1")})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if record.KeyID != "k1" {
		t.Errorf("record key = %s, want k1", record.KeyID)
	}

	// New requests see the new snapshot.
	if _, err := h.gw.CanAdmit(ctx, &Request{KeyID: "k1"}); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("err = %v after snapshot swap, want ErrUnknownKey", err)
	}
}

func TestAvailabilityFromSettledTraffic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testSnapshot())

	for i := 0; i < 4; i++ {
		if _, err := h.gw.Do(ctx, &Request{KeyID: "k1", Type: "chat", Estimate: usd("0.01")}, okInvoke(usd("0.01"))); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}

	from := h.clk.Now().Add(-time.Hour)
	to := h.clk.Now().Add(time.Second)
	report, err := h.gw.Availability(ctx, &availability.Query{From: from, To: to, Step: time.Hour})
	if err != nil {
		t.Fatalf("Availability: %v", err)
	}
	if len(report.Targets) != 1 || report.Targets[0].Total != 4 {
		t.Fatalf("report targets = %+v, want one vendor-a target with 4 calls", report.Targets)
	}
	if report.SystemStatus != availability.StatusHealthy {
		t.Errorf("system status = %s, want healthy", report.SystemStatus)
	}

	if st := h.gw.HealthStatus()["vendor-a/chat"]; st != availability.StatusHealthy {
		t.Errorf("live status = %s, want healthy", st)
	}
}
