package metrics

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAdmissionAndDenialCounters(t *testing.T) {
	c := NewCollector(DefaultConfig(), nil)

	c.RecordAdmission(true)
	c.RecordAdmission(true)
	c.RecordAdmission(false)
	c.RecordDenial("quota", "day")
	c.RecordDenial("concurrency", "")

	if got := testutil.ToFloat64(c.admissions.WithLabelValues("admitted")); got != 2 {
		t.Errorf("admitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.admissions.WithLabelValues("denied")); got != 1 {
		t.Errorf("denied = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.denials.WithLabelValues("quota", "day")); got != 1 {
		t.Errorf("quota denials = %v, want 1", got)
	}
}

func TestSettlementMetrics(t *testing.T) {
	c := NewCollector(DefaultConfig(), nil)

	c.RecordSettlement("k1", "vendor-a", "chat", true, 0.25, 800*time.Millisecond)
	c.RecordSettlement("k1", "vendor-a", "chat", false, 0, 100*time.Millisecond)

	if got := testutil.ToFloat64(c.settledCost.WithLabelValues("k1")); got != 0.25 {
		t.Errorf("settled cost = %v, want 0.25", got)
	}
	if got := testutil.ToFloat64(c.callOutcomes.WithLabelValues("vendor-a", "chat", "ok")); got != 1 {
		t.Errorf("ok outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.callOutcomes.WithLabelValues("vendor-a", "chat", "error")); got != 1 {
		t.Errorf("error outcomes = %v, want 1", got)
	}
}

func TestDisabledCollectorIsInert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	c := NewCollector(cfg, nil)

	c.RecordAdmission(true)
	c.RecordSettlement("k1", "vendor-a", "chat", true, 1, time.Second)

	if got := testutil.ToFloat64(c.admissions.WithLabelValues("admitted")); got != 0 {
		t.Errorf("admitted = %v with metrics disabled, want 0", got)
	}
}

func TestCardinalityLimiterAggregatesOverflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCardinality = 3
	c := NewCollector(cfg, nil)

	for i := 0; i < 10; i++ {
		c.RecordSettlement(fmt.Sprintf("key-%d", i), "", "", true, 1, 0)
	}

	if got := c.limiter.count(); got != 3 {
		t.Errorf("limiter count = %d, want 3", got)
	}
	// Keys beyond the limit land on "other".
	if got := testutil.ToFloat64(c.settledCost.WithLabelValues("other")); got != 7 {
		t.Errorf("other bucket = %v, want 7", got)
	}
}

func TestHandlerServesFamilies(t *testing.T) {
	c := NewCollector(DefaultConfig(), nil)
	c.RecordAdmission(true)
	c.SetSystemScore(0.97)

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, ",")
	for _, want := range []string{"saturn_gateway_admissions_total", "saturn_gateway_system_score"} {
		if !strings.Contains(joined, want) {
			t.Errorf("family %s missing from %s", want, joined)
		}
	}
}
