package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stratus-hq/saturn/internal/clock"
	"stratus-hq/saturn/pkg/availability"
	"stratus-hq/saturn/pkg/breaker"
	"stratus-hq/saturn/pkg/counter"
	"stratus-hq/saturn/pkg/gateway"
	"stratus-hq/saturn/pkg/ledger"
	"stratus-hq/saturn/pkg/limits"
	"stratus-hq/saturn/pkg/limits/quota"
	"stratus-hq/saturn/pkg/limits/session"
	"stratus-hq/saturn/pkg/money"
	"stratus-hq/saturn/pkg/routing"
)

func usdPtr(s string) *money.Amount {
	a := money.MustParse(s)
	return &a
}

func testServer(t *testing.T, opts ...Option) (*Server, *clock.Fake) {
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
		routing.WithSeed(1), routing.WithBudgetGate(gateway.NewBudgetGate(qt)))

	src := gateway.NewStaticSource(&gateway.Snapshot{
		Keys: map[string]*gateway.Key{
			"k1": {
				ID:     "k1",
				UserID: "u1",
				Budget: &limits.Budget{Daily: usdPtr("10"), MaxConcurrent: 2},
			},
			"dead": {ID: "dead", Disabled: true},
		},
		Users: map[string]*gateway.User{"u1": {ID: "u1"}},
		Providers: []*routing.Provider{
			{ID: "ep-a", Vendor: "vendor-a", Type: "chat", Priority: 1, Weight: 1, Enabled: true},
		},
	})

	gw := gateway.New(gateway.DefaultConfig(), gateway.Deps{
		Source:   src,
		Quota:    qt,
		Sessions: st,
		Breaker:  brk,
		Router:   rt,
		Log:      log,
		Agg:      availability.NewAggregator(log, clk),
		Clock:    clk,
	})

	srv := New(DefaultConfig(), gw, src, log, opts...)
	t.Cleanup(srv.registry.Close)
	return srv, clk
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAdmissionLifecycle(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/admissions",
		admitRequest{KeyID: "k1", Type: "chat", Estimate: "3"})
	if rec.Code != http.StatusOK {
		t.Fatalf("admit status = %d: %s", rec.Code, rec.Body.String())
	}
	var adm admitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &adm); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if adm.Token == "" {
		t.Fatal("admit returned empty token")
	}
	if adm.Estimate != money.MustParse("3").String() {
		t.Errorf("estimate = %q", adm.Estimate)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/admissions/"+adm.Token+"/settle",
		settleRequest{ProviderID: "ep-a", OK: true, StatusCode: 200, LatencyMS: 420, Cost: "3"})
	if rec.Code != http.StatusOK {
		t.Fatalf("settle status = %d: %s", rec.Code, rec.Body.String())
	}
	var record ledger.CallRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record.VendorID != "vendor-a" || !record.OK {
		t.Errorf("record = %+v, want vendor-a success", record)
	}

	// A token settles exactly once.
	rec = doJSON(t, h, http.MethodPost, "/v1/admissions/"+adm.Token+"/settle",
		settleRequest{OK: true})
	if rec.Code != http.StatusNotFound {
		t.Errorf("double settle status = %d, want 404", rec.Code)
	}
}

func TestAdmissionRelease(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/admissions",
		admitRequest{KeyID: "k1", Type: "chat", Estimate: "1"})
	var adm admitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &adm); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doJSON(t, h, http.MethodDelete, "/v1/admissions/"+adm.Token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("release status = %d, want 204", rec.Code)
	}

	// Released slot is free again; both concurrency slots usable.
	for i := 0; i < 2; i++ {
		rec = doJSON(t, h, http.MethodPost, "/v1/admissions",
			admitRequest{KeyID: "k1", Type: "chat", Estimate: "1"})
		if rec.Code != http.StatusOK {
			t.Fatalf("readmit %d status = %d", i, rec.Code)
		}
	}
}

func TestAdmissionDenials(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Handler()

	tests := []struct {
		name string
		body admitRequest
		want int
	}{
		{"unknown key", admitRequest{KeyID: "nope", Type: "chat"}, http.StatusNotFound},
		{"disabled key", admitRequest{KeyID: "dead", Type: "chat"}, http.StatusForbidden},
		{"over budget", admitRequest{KeyID: "k1", Type: "chat", Estimate: "11"}, http.StatusTooManyRequests},
		{"missing key id", admitRequest{Type: "chat"}, http.StatusBadRequest},
		{"bad estimate", admitRequest{KeyID: "k1", Estimate: "lots"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/v1/admissions", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestConcurrencyDenialOverAPI(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Handler()

	for i := 0; i < 2; i++ {
		rec := doJSON(t, h, http.MethodPost, "/v1/admissions",
			admitRequest{KeyID: "k1", Type: "chat", Estimate: "1"})
		if rec.Code != http.StatusOK {
			t.Fatalf("admit %d status = %d", i, rec.Code)
		}
	}
	rec := doJSON(t, h, http.MethodPost, "/v1/admissions",
		admitRequest{KeyID: "k1", Type: "chat", Estimate: "1"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third admit status = %d, want 429", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "concurrency limit exceeded" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestQuotaDenialCarriesRetryAfter(t *testing.T) {
	srv, _ := testServer(t)

	// $11 against k1's $10 daily limit: denied by the daily window,
	// which next resets at midnight UTC.
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/admissions",
		admitRequest{KeyID: "k1", Type: "chat", Estimate: "11"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Window != "day" {
		t.Errorf("window = %q, want day", resp.Window)
	}
	if want := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC); !resp.RetryAfter.Equal(want) {
		t.Errorf("retry_after = %v, want %v", resp.RetryAfter, want)
	}
}

func TestUsageEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Handler()

	settleOne(t, h, "3")

	rec := doJSON(t, h, http.MethodGet, "/v1/usage/key/k1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("usage status = %d: %s", rec.Code, rec.Body.String())
	}
	var report gateway.UsageReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var day *limits.Usage
	for i := range report.Windows {
		if report.Windows[i].Window == limits.WindowDaily {
			day = &report.Windows[i]
		}
	}
	if day == nil {
		t.Fatal("no daily window in usage report")
	}
	if day.Spent != money.MustParse("3") {
		t.Errorf("daily spent = %s, want $3", day.Spent)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/usage/planet/k1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad kind status = %d, want 400", rec.Code)
	}
}

func TestAvailabilityEndpoint(t *testing.T) {
	srv, clk := testServer(t)
	h := srv.Handler()

	settleOne(t, h, "1")

	from := clk.Now().Add(-time.Hour).Format(time.RFC3339)
	to := clk.Now().Add(time.Hour).Format(time.RFC3339)
	rec := doJSON(t, h, http.MethodGet,
		fmt.Sprintf("/v1/availability?from=%s&to=%s&step=30m", from, to), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("availability status = %d: %s", rec.Code, rec.Body.String())
	}
	var report availability.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(report.Targets) != 1 {
		t.Fatalf("targets = %d, want 1", len(report.Targets))
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/availability?step=banana", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad step status = %d, want 400", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet,
		fmt.Sprintf("/v1/availability?from=%s&to=%s&step=1ms", from, to), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("too many buckets status = %d, want 400", rec.Code)
	}
}

func TestBreakerEndpoints(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Handler()

	settleOne(t, h, "1")

	rec := doJSON(t, h, http.MethodGet, "/v1/breakers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("breakers status = %d", rec.Code)
	}
	var statuses []breaker.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &statuses); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(statuses) != 1 || statuses[0].State != breaker.StateClosed {
		t.Errorf("statuses = %+v, want one closed breaker", statuses)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/breakers/vendor-a/chat/reset", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("reset status = %d", rec.Code)
	}
}

func TestLedgerEndpoints(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Handler()

	settleOne(t, h, "2")
	settleOne(t, h, "3")

	rec := doJSON(t, h, http.MethodGet, "/v1/ledger?key_id=k1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ledger status = %d: %s", rec.Code, rec.Body.String())
	}
	var records []*ledger.CallRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/ledger/export?format=csv", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q, want text/csv", ct)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/ledger/export?format=xml", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad format status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/ledger?limit=-1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestProbeEndpoint(t *testing.T) {
	// Without a prober the endpoint is unavailable.
	srv, _ := testServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/probes/ep-a", nil)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}

	probe := func(_ context.Context, _ *routing.Provider) (*gateway.CallResult, error) {
		return &gateway.CallResult{StatusCode: 200}, nil
	}
	srv, _ = testServer(t, WithProber(probe))
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/probes/ep-a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("probe status = %d: %s", rec.Code, rec.Body.String())
	}
	var record ledger.CallRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record.Source != ledger.SourceManual {
		t.Errorf("source = %q, want manual", record.Source)
	}

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/probes/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown provider status = %d, want 404", rec.Code)
	}
}

func TestRegistryExpiryReleasesSlot(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/admissions",
		admitRequest{KeyID: "k1", Type: "chat", Estimate: "1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("admit status = %d", rec.Code)
	}
	if srv.registry.Size() != 1 {
		t.Fatalf("registry size = %d, want 1", srv.registry.Size())
	}
	srv.registry.Close()
	if srv.registry.Size() != 0 {
		t.Errorf("registry size after close = %d, want 0", srv.registry.Size())
	}
}

// settleOne pushes a full admit+settle cycle through the API.
func settleOne(t *testing.T, h http.Handler, cost string) {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/v1/admissions",
		admitRequest{KeyID: "k1", Type: "chat", Estimate: cost})
	if rec.Code != http.StatusOK {
		t.Fatalf("admit status = %d: %s", rec.Code, rec.Body.String())
	}
	var adm admitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &adm); err != nil {
		t.Fatalf("decode: %v", err)
	}
	rec = doJSON(t, h, http.MethodPost, "/v1/admissions/"+adm.Token+"/settle",
		settleRequest{ProviderID: "ep-a", OK: true, StatusCode: 200, LatencyMS: 100, Cost: cost})
	if rec.Code != http.StatusOK {
		t.Fatalf("settle status = %d: %s", rec.Code, rec.Body.String())
	}
}
