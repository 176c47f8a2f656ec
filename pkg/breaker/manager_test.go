package breaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"stratus-hq/saturn/internal/clock"
	"stratus-hq/saturn/pkg/counter"
)

var chatA = Target{Vendor: "vendor-a", ProviderType: "chat"}

func newTestManager(t *testing.T, cfg Config, clk clock.Clock) *Manager {
	t.Helper()
	store := counter.NewMemoryStore(0)
	t.Cleanup(func() { store.Close() })
	return NewManager(store, cfg, clk)
}

func TestOpensAtThreshold(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	m := newTestManager(t, Config{FailureThreshold: 5, OpenDuration: time.Minute}, clk)

	for i := 0; i < 4; i++ {
		m.RecordOutcome(ctx, chatA, false)
		if !m.Eligible(ctx, chatA) {
			t.Fatalf("circuit opened after %d failures, threshold is 5", i+1)
		}
	}
	m.RecordOutcome(ctx, chatA, false)
	if m.Eligible(ctx, chatA) {
		t.Fatal("circuit still admitting after 5 consecutive failures")
	}

	st, err := m.Status(ctx, chatA)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != StateOpen {
		t.Errorf("state = %s, want open", st.State)
	}
	if want := clk.Now().Add(time.Minute); !st.RetryAt.Equal(want) {
		t.Errorf("RetryAt = %v, want %v", st.RetryAt, want)
	}
}

func TestSuccessClearsFailureRun(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{FailureThreshold: 3, OpenDuration: time.Minute}, nil)

	m.RecordOutcome(ctx, chatA, false)
	m.RecordOutcome(ctx, chatA, false)
	m.RecordOutcome(ctx, chatA, true)
	m.RecordOutcome(ctx, chatA, false)
	m.RecordOutcome(ctx, chatA, false)

	if !m.Eligible(ctx, chatA) {
		t.Error("circuit open after interleaved success, failure run should have reset")
	}
}

func TestTargetsTripIndependently(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{FailureThreshold: 2, OpenDuration: time.Minute}, nil)

	embedA := Target{Vendor: "vendor-a", ProviderType: "embedding"}
	chatB := Target{Vendor: "vendor-b", ProviderType: "chat"}

	m.RecordOutcome(ctx, chatA, false)
	m.RecordOutcome(ctx, chatA, false)

	if m.Eligible(ctx, chatA) {
		t.Error("tripped target still eligible")
	}
	if !m.Eligible(ctx, embedA) {
		t.Error("same vendor, other provider type tripped too")
	}
	if !m.Eligible(ctx, chatB) {
		t.Error("other vendor tripped too")
	}
}

func TestHalfOpenSingleTrial(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	m := newTestManager(t, Config{FailureThreshold: 1, OpenDuration: time.Minute}, clk)

	m.RecordOutcome(ctx, chatA, false)
	if m.Eligible(ctx, chatA) {
		t.Fatal("circuit should be open")
	}

	clk.Advance(61 * time.Second)

	// Exactly one of many concurrent callers wins the trial.
	const callers = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Eligible(ctx, chatA) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 1 {
		t.Fatalf("admitted = %d concurrent callers past an expired window, want exactly 1", admitted)
	}
}

func TestTrialSuccessCloses(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	m := newTestManager(t, Config{FailureThreshold: 1, OpenDuration: time.Minute}, clk)

	m.RecordOutcome(ctx, chatA, false)
	clk.Advance(2 * time.Minute)
	if !m.Eligible(ctx, chatA) {
		t.Fatal("trial not admitted after window")
	}
	m.RecordOutcome(ctx, chatA, true)

	if !m.Eligible(ctx, chatA) {
		t.Error("circuit not closed after successful trial")
	}
	st, _ := m.Status(ctx, chatA)
	if st.State != StateClosed || st.Failures != 0 {
		t.Errorf("status = %s/%d failures, want closed/0", st.State, st.Failures)
	}
}

func TestTrialFailureReopens(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	m := newTestManager(t, Config{FailureThreshold: 1, OpenDuration: time.Minute}, clk)

	m.RecordOutcome(ctx, chatA, false)
	clk.Advance(2 * time.Minute)
	if !m.Eligible(ctx, chatA) {
		t.Fatal("trial not admitted after window")
	}
	m.RecordOutcome(ctx, chatA, false)

	// Reopened with a fresh window starting at the trial failure.
	if m.Eligible(ctx, chatA) {
		t.Error("circuit admitting right after failed trial")
	}
	clk.Advance(59 * time.Second)
	if m.Eligible(ctx, chatA) {
		t.Error("fresh open window not honored")
	}
	clk.Advance(2 * time.Second)
	if !m.Eligible(ctx, chatA) {
		t.Error("next trial not admitted after fresh window")
	}
}

func TestStaleSuccessKeepsCircuitOpen(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	m := newTestManager(t, Config{FailureThreshold: 5, OpenDuration: time.Minute}, clk)

	for i := 0; i < 5; i++ {
		m.RecordOutcome(ctx, chatA, false)
	}
	if m.Eligible(ctx, chatA) {
		t.Fatal("circuit should be open")
	}

	// A success from a call admitted before the trip settles late. It
	// must not cut the open window short.
	m.RecordOutcome(ctx, chatA, true)

	st, _ := m.Status(ctx, chatA)
	if st.State != StateOpen {
		t.Fatalf("state after stale success = %s, want open", st.State)
	}
	if m.Eligible(ctx, chatA) {
		t.Error("circuit admitting before the open window elapsed")
	}

	// The window still expires on schedule and admits the trial.
	clk.Advance(61 * time.Second)
	if !m.Eligible(ctx, chatA) {
		t.Error("trial not admitted after window")
	}
}

func TestStatusReportsLastFailure(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	m := newTestManager(t, Config{FailureThreshold: 5, OpenDuration: time.Minute}, clk)

	st, err := m.Status(ctx, chatA)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.LastFailure.IsZero() {
		t.Errorf("LastFailure = %v before any failure, want zero", st.LastFailure)
	}

	m.RecordOutcome(ctx, chatA, false)
	first := clk.Now()
	clk.Advance(30 * time.Second)
	m.RecordOutcome(ctx, chatA, false)

	st, _ = m.Status(ctx, chatA)
	if !st.LastFailure.Equal(clk.Now()) {
		t.Errorf("LastFailure = %v, want %v", st.LastFailure, clk.Now())
	}
	if st.LastFailure.Equal(first) {
		t.Error("LastFailure not advanced by the second failure")
	}

	// Retained across a success that clears the failure run.
	m.RecordOutcome(ctx, chatA, true)
	st, _ = m.Status(ctx, chatA)
	if st.Failures != 0 || !st.LastFailure.Equal(clk.Now()) {
		t.Errorf("status = %d failures / last %v, want 0 failures with last failure retained",
			st.Failures, st.LastFailure)
	}
}

func TestTrialClaimExpires(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	m := newTestManager(t, Config{
		FailureThreshold: 1,
		OpenDuration:     time.Minute,
		TrialTimeout:     20 * time.Millisecond,
	}, clk)

	m.RecordOutcome(ctx, chatA, false)
	clk.Advance(2 * time.Minute)

	if !m.Eligible(ctx, chatA) {
		t.Fatal("trial not admitted after window")
	}
	if m.Eligible(ctx, chatA) {
		t.Fatal("second trial admitted while the first is in flight")
	}

	// The first trial caller never settles. Its claim expires and the
	// next caller gets the trial slot instead of the circuit wedging.
	time.Sleep(50 * time.Millisecond)
	if !m.Eligible(ctx, chatA) {
		t.Error("trial slot not reclaimed after the claim expired")
	}
}

func TestManualReset(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	m := newTestManager(t, Config{FailureThreshold: 1, OpenDuration: time.Hour}, clk)

	m.RecordOutcome(ctx, chatA, false)
	if m.Eligible(ctx, chatA) {
		t.Fatal("circuit should be open")
	}

	if err := m.Reset(ctx, chatA); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !m.Eligible(ctx, chatA) {
		t.Error("circuit not admitting after manual reset")
	}
	st, _ := m.Status(ctx, chatA)
	if st.State != StateClosed || st.Failures != 0 {
		t.Errorf("status = %s/%d failures, want closed/0", st.State, st.Failures)
	}
}

func TestStatusAll(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{FailureThreshold: 2, OpenDuration: time.Minute}, nil)

	m.RecordOutcome(ctx, chatA, false)
	m.RecordOutcome(ctx, Target{Vendor: "vendor-b", ProviderType: "chat"}, true)

	all, err := m.StatusAll(ctx)
	if err != nil {
		t.Fatalf("StatusAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}
}

func TestHalfOpenSuccessThreshold(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	m := newTestManager(t, Config{
		FailureThreshold:  1,
		OpenDuration:      time.Minute,
		HalfOpenSuccesses: 3,
	}, clk)

	m.RecordOutcome(ctx, chatA, false)
	clk.Advance(2 * time.Minute)

	// Two successful trials are not enough; the circuit stays
	// half-open, admitting one trial at a time.
	for i := 0; i < 2; i++ {
		if !m.Eligible(ctx, chatA) {
			t.Fatalf("trial %d not admitted", i+1)
		}
		if m.Eligible(ctx, chatA) {
			t.Fatalf("second concurrent trial admitted alongside trial %d", i+1)
		}
		m.RecordOutcome(ctx, chatA, true)
		st, _ := m.Status(ctx, chatA)
		if st.State != StateHalfOpen {
			t.Fatalf("state after %d successes = %s, want half_open", i+1, st.State)
		}
	}

	// The third success closes it.
	if !m.Eligible(ctx, chatA) {
		t.Fatal("third trial not admitted")
	}
	m.RecordOutcome(ctx, chatA, true)
	st, _ := m.Status(ctx, chatA)
	if st.State != StateClosed {
		t.Fatalf("state after threshold successes = %s, want closed", st.State)
	}

	// A trial failure would have reset the run; verify from a fresh
	// open circuit.
	m.RecordOutcome(ctx, chatA, false)
	clk.Advance(2 * time.Minute)
	if !m.Eligible(ctx, chatA) {
		t.Fatal("trial not admitted after reopen")
	}
	m.RecordOutcome(ctx, chatA, true)
	m.RecordOutcome(ctx, chatA, false) // not a claimed trial, but half-open failure reopens
	if m.Eligible(ctx, chatA) {
		t.Error("circuit admitting right after half-open failure")
	}
}

func TestStateHookSeesTransitions(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	store := counter.NewMemoryStore(0)
	t.Cleanup(func() { store.Close() })

	var transitions []State
	m := NewManager(store, Config{FailureThreshold: 2, OpenDuration: time.Minute}, clk,
		WithStateHook(func(target Target, state State) {
			if target != chatA {
				t.Errorf("hook target = %v, want %v", target, chatA)
			}
			transitions = append(transitions, state)
		}))

	m.RecordOutcome(ctx, chatA, false)
	m.RecordOutcome(ctx, chatA, false) // opens
	clk.Advance(61 * time.Second)
	if !m.Eligible(ctx, chatA) { // half-open trial
		t.Fatal("trial not admitted after window")
	}
	m.RecordOutcome(ctx, chatA, true) // closes

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}
