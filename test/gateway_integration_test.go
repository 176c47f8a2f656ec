//go:build integration

package test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"stratus-hq/saturn/internal/clock"
	"stratus-hq/saturn/pkg/breaker"
	"stratus-hq/saturn/pkg/counter"
	"stratus-hq/saturn/pkg/gateway"
	"stratus-hq/saturn/pkg/ledger"
	"stratus-hq/saturn/pkg/limits"
	"stratus-hq/saturn/pkg/limits/quota"
	"stratus-hq/saturn/pkg/limits/session"
	"stratus-hq/saturn/pkg/money"
	"stratus-hq/saturn/pkg/routing"
	"stratus-hq/saturn/pkg/server"
)

// newIntegrationServer wires the full stack against real SQLite
// backends in a temp directory and serves it over httptest.
func newIntegrationServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()

	counterCfg := counter.DefaultSQLiteConfig()
	counterCfg.Path = filepath.Join(dir, "counters.db")
	store, err := counter.NewSQLiteStore(counterCfg)
	if err != nil {
		t.Fatalf("opening counter store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ledgerCfg := ledger.DefaultSQLiteConfig()
	ledgerCfg.Path = filepath.Join(dir, "ledger.db")
	callLog, err := ledger.NewSQLiteStorage(ledgerCfg)
	if err != nil {
		t.Fatalf("opening ledger: %v", err)
	}
	t.Cleanup(func() { callLog.Close() })

	daily := money.MustParse("10.00")
	source := gateway.NewStaticSource(&gateway.Snapshot{
		Keys: map[string]*gateway.Key{
			"k1": {ID: "k1", UserID: "u1", Budget: &limits.Budget{Daily: &daily, MaxConcurrent: 4}},
		},
		Providers: []*routing.Provider{
			{ID: "ep-a", Vendor: "acme", Type: "chat", Weight: 1, Enabled: true},
		},
	})

	clk := clock.Real{}
	tracker := quota.NewTracker(store, callLog, quota.DefaultConfig(), clk)
	sessions := session.NewTracker(store, session.DefaultConfig(), clk)
	circuits := breaker.NewManager(store, breaker.Config{
		FailureThreshold: 2,
		OpenDuration:     time.Minute,
	}, clk)
	router := routing.NewRouter(routing.DefaultConfig(), circuits,
		routing.WithBudgetGate(gateway.NewBudgetGate(tracker)))

	gw := gateway.New(gateway.DefaultConfig(), gateway.Deps{
		Source:   source,
		Quota:    tracker,
		Sessions: sessions,
		Breaker:  circuits,
		Router:   router,
		Log:      callLog,
		Clock:    clk,
	})

	srv := server.New(server.DefaultConfig(), gw, source, callLog)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
	}
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
	}
	return resp.StatusCode
}

// settle completes one admission over the API and returns the settle
// status code.
func settle(t *testing.T, base, token string, ok bool, cost string) int {
	t.Helper()
	return postJSON(t, fmt.Sprintf("%s/v1/admissions/%s/settle", base, token), map[string]any{
		"provider_id": "ep-a",
		"ok":          ok,
		"status_code": 200,
		"latency_ms":  120,
		"cost":        cost,
	}, nil)
}

// TestAdmissionLifecycleSQLite drives admit, settle, usage, and ledger
// reads end to end against the SQLite backends.
func TestAdmissionLifecycleSQLite(t *testing.T) {
	ts := newIntegrationServer(t)

	var adm struct {
		Token string `json:"token"`
	}
	code := postJSON(t, ts.URL+"/v1/admissions", map[string]any{
		"key_id":   "k1",
		"type":     "chat",
		"estimate": "0.25",
	}, &adm)
	if code != http.StatusOK {
		t.Fatalf("admit status = %d", code)
	}
	if adm.Token == "" {
		t.Fatal("admit returned no token")
	}

	if code := settle(t, ts.URL, adm.Token, true, "0.20"); code != http.StatusOK {
		t.Fatalf("settle status = %d", code)
	}
	// Settling the same token twice must fail.
	if code := settle(t, ts.URL, adm.Token, true, "0.20"); code != http.StatusNotFound {
		t.Fatalf("double settle status = %d, want 404", code)
	}

	var usage struct {
		Windows []struct {
			Window string       `json:"window"`
			Spent  money.Amount `json:"spent"`
		} `json:"windows"`
		InFlight int `json:"in_flight"`
	}
	if code := getJSON(t, ts.URL+"/v1/usage/key/k1", &usage); code != http.StatusOK {
		t.Fatalf("usage status = %d", code)
	}
	if usage.InFlight != 0 {
		t.Fatalf("in-flight after settle = %d, want 0", usage.InFlight)
	}
	found := false
	want := money.MustParse("0.20")
	for _, w := range usage.Windows {
		if w.Window == "day" {
			found = true
			if w.Spent != want {
				t.Fatalf("daily spent = %s, want %s", w.Spent, want)
			}
		}
	}
	if !found {
		t.Fatal("usage report missing daily window")
	}

	var records []ledger.CallRecord
	if code := getJSON(t, ts.URL+"/v1/ledger?key_id=k1", &records); code != http.StatusOK {
		t.Fatalf("ledger status = %d", code)
	}
	if len(records) != 1 {
		t.Fatalf("ledger records = %d, want 1", len(records))
	}
	if records[0].VendorID != "acme" || !records[0].OK {
		t.Fatalf("unexpected record: %+v", records[0])
	}
}

// TestBreakerTripAndResetSQLite settles failing calls until the acme
// circuit opens, then force-closes it over the API.
func TestBreakerTripAndResetSQLite(t *testing.T) {
	ts := newIntegrationServer(t)

	for i := 0; i < 2; i++ {
		var adm struct {
			Token string `json:"token"`
		}
		if code := postJSON(t, ts.URL+"/v1/admissions", map[string]any{
			"key_id":   "k1",
			"type":     "chat",
			"estimate": "0.01",
		}, &adm); code != http.StatusOK {
			t.Fatalf("admit %d status = %d", i, code)
		}
		if code := settle(t, ts.URL, adm.Token, false, "0"); code != http.StatusOK {
			t.Fatalf("settle %d status = %d", i, code)
		}
	}

	var statuses []breaker.Status
	if code := getJSON(t, ts.URL+"/v1/breakers", &statuses); code != http.StatusOK {
		t.Fatalf("breakers status = %d", code)
	}
	if len(statuses) != 1 || statuses[0].State != breaker.StateOpen {
		t.Fatalf("breaker statuses = %+v, want one open circuit", statuses)
	}

	if code := postJSON(t, ts.URL+"/v1/breakers/acme/chat/reset", map[string]any{}, nil); code != http.StatusOK {
		t.Fatalf("reset status = %d", code)
	}
	if code := getJSON(t, ts.URL+"/v1/breakers", &statuses); code != http.StatusOK {
		t.Fatalf("breakers status = %d", code)
	}
	if len(statuses) != 1 || statuses[0].State != breaker.StateClosed {
		t.Fatalf("breaker statuses after reset = %+v, want closed", statuses)
	}
}

// TestAvailabilitySQLite checks the availability report reflects
// settled traffic.
func TestAvailabilitySQLite(t *testing.T) {
	ts := newIntegrationServer(t)

	outcomes := []bool{true, true, true, false}
	for _, ok := range outcomes {
		var adm struct {
			Token string `json:"token"`
		}
		if code := postJSON(t, ts.URL+"/v1/admissions", map[string]any{
			"key_id":   "k1",
			"type":     "chat",
			"estimate": "0.01",
		}, &adm); code != http.StatusOK {
			t.Fatalf("admit status = %d", code)
		}
		if code := settle(t, ts.URL, adm.Token, ok, "0.01"); code != http.StatusOK {
			t.Fatalf("settle status = %d", code)
		}
	}

	var report struct {
		SystemScore float64 `json:"system_score"`
		Targets     []struct {
			Vendor       string `json:"vendor"`
			ProviderType string `json:"provider_type"`
		} `json:"targets"`
	}
	if code := getJSON(t, ts.URL+"/v1/availability", &report); code != http.StatusOK {
		t.Fatalf("availability status = %d", code)
	}
	if len(report.Targets) != 1 {
		t.Fatalf("targets = %d, want 1", len(report.Targets))
	}
	if report.SystemScore < 0.74 || report.SystemScore > 0.76 {
		t.Fatalf("system score = %.2f, want 3/4 success rate", report.SystemScore)
	}
}
