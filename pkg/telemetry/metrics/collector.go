// Package metrics exposes the gateway's Prometheus metric families.
//
// All families share one registry owned by the Collector. Label
// cardinality is bounded by a limiter: once the unique label-set
// budget is spent, new subjects aggregate under "other" instead of
// growing the registry without bound.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config contains metrics settings.
type Config struct {
	Enabled   bool
	Namespace string
	Subsystem string

	// LatencyBuckets are the request duration histogram bounds in
	// seconds.
	LatencyBuckets []float64

	// MaxCardinality bounds the number of unique label sets across
	// subject-labeled families.
	MaxCardinality int
}

// DefaultConfig returns the stock metrics settings.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Namespace:      "saturn",
		Subsystem:      "gateway",
		LatencyBuckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		MaxCardinality: 10000,
	}
}

// Collector owns every metric family.
type Collector struct {
	cfg      Config
	registry *prometheus.Registry
	limiter  *cardinalityLimiter

	admissions    *prometheus.CounterVec
	denials       *prometheus.CounterVec
	inFlight      *prometheus.GaugeVec
	settledCost   *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	callOutcomes  *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	breakerTrips  *prometheus.CounterVec
	routeAttempts prometheus.Histogram
	failovers     prometheus.Counter
	systemScore   prometheus.Gauge
	counterErrors *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry when
// registry is nil.
func NewCollector(cfg Config, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "saturn"
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = "gateway"
	}
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	if cfg.MaxCardinality <= 0 {
		cfg.MaxCardinality = DefaultConfig().MaxCardinality
	}

	c := &Collector{
		cfg:      cfg,
		registry: registry,
		limiter:  newCardinalityLimiter(cfg.MaxCardinality),
	}
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}
	}

	c.admissions = prometheus.NewCounterVec(prometheus.CounterOpts(
		opts("admissions_total", "Admission decisions, labeled by result.")),
		[]string{"result"})
	c.denials = prometheus.NewCounterVec(prometheus.CounterOpts(
		opts("denials_total", "Admission denials, labeled by reason and window.")),
		[]string{"reason", "window"})
	c.inFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts(
		opts("in_flight", "Current in-flight calls per key.")),
		[]string{"key"})
	c.settledCost = prometheus.NewCounterVec(prometheus.CounterOpts(
		opts("settled_cost_usd_total", "Settled cost in USD per key.")),
		[]string{"key"})
	c.callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "call_duration_seconds",
		Help:      "Provider call duration.",
		Buckets:   cfg.LatencyBuckets,
	}, []string{"vendor", "type"})
	c.callOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts(
		opts("call_outcomes_total", "Provider call outcomes per vendor and type.")),
		[]string{"vendor", "type", "outcome"})
	c.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts(
		opts("breaker_state", "Circuit state: 0 closed, 1 open, 2 half-open.")),
		[]string{"vendor", "type"})
	c.breakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts(
		opts("breaker_trips_total", "Circuit open transitions per vendor and type.")),
		[]string{"vendor", "type"})
	c.routeAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "route_attempts",
		Help:      "Providers tried per request.",
		Buckets:   []float64{1, 2, 3, 4, 5},
	})
	c.failovers = prometheus.NewCounter(prometheus.CounterOpts(
		opts("failovers_total", "Requests served by a provider other than the first choice.")))
	c.systemScore = prometheus.NewGauge(prometheus.GaugeOpts(
		opts("system_score", "Volume-weighted success rate across all targets.")))
	c.counterErrors = prometheus.NewCounterVec(prometheus.CounterOpts(
		opts("counter_store_errors_total", "Counter store failures per operation.")),
		[]string{"operation"})

	registry.MustRegister(
		c.admissions, c.denials, c.inFlight, c.settledCost,
		c.callDuration, c.callOutcomes, c.breakerState, c.breakerTrips,
		c.routeAttempts, c.failovers, c.systemScore, c.counterErrors,
	)
	return c
}

// RecordAdmission counts one admission decision.
func (c *Collector) RecordAdmission(admitted bool) {
	if !c.cfg.Enabled {
		return
	}
	result := "admitted"
	if !admitted {
		result = "denied"
	}
	c.admissions.WithLabelValues(result).Inc()
}

// RecordDenial counts one denial by reason ("quota", "concurrency",
// "unknown_key", "disabled_key") and window ("" when not window
// related).
func (c *Collector) RecordDenial(reason, window string) {
	if !c.cfg.Enabled {
		return
	}
	c.denials.WithLabelValues(reason, window).Inc()
}

// SetInFlight reports a key's current in-flight count.
func (c *Collector) SetInFlight(key string, n int) {
	if !c.cfg.Enabled {
		return
	}
	c.inFlight.WithLabelValues(c.boundKey("inflight", key)).Set(float64(n))
}

// RecordSettlement counts a settled call's cost and outcome.
func (c *Collector) RecordSettlement(key, vendor, providerType string, ok bool, costUSD float64, duration time.Duration) {
	if !c.cfg.Enabled {
		return
	}
	c.settledCost.WithLabelValues(c.boundKey("cost", key)).Add(costUSD)
	if vendor != "" {
		outcome := "ok"
		if !ok {
			outcome = "error"
		}
		c.callOutcomes.WithLabelValues(vendor, providerType, outcome).Inc()
		c.callDuration.WithLabelValues(vendor, providerType).Observe(duration.Seconds())
	}
}

// RecordRoute counts a completed routing run.
func (c *Collector) RecordRoute(attempts int) {
	if !c.cfg.Enabled {
		return
	}
	c.routeAttempts.Observe(float64(attempts))
	if attempts > 1 {
		c.failovers.Inc()
	}
}

// SetBreakerState reports a circuit's state: 0 closed, 1 open, 2
// half-open.
func (c *Collector) SetBreakerState(vendor, providerType string, state int) {
	if !c.cfg.Enabled {
		return
	}
	c.breakerState.WithLabelValues(vendor, providerType).Set(float64(state))
}

// RecordBreakerTrip counts one circuit opening.
func (c *Collector) RecordBreakerTrip(vendor, providerType string) {
	if !c.cfg.Enabled {
		return
	}
	c.breakerTrips.WithLabelValues(vendor, providerType).Inc()
}

// SetSystemScore reports the current volume-weighted success rate.
func (c *Collector) SetSystemScore(score float64) {
	if !c.cfg.Enabled {
		return
	}
	c.systemScore.Set(score)
}

// RecordCounterError counts one counter store failure.
func (c *Collector) RecordCounterError(operation string) {
	if !c.cfg.Enabled {
		return
	}
	c.counterErrors.WithLabelValues(operation).Inc()
}

// Registry returns the collector's Prometheus registry, for mounting
// the scrape handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// boundKey applies the cardinality limit to a subject label.
func (c *Collector) boundKey(family, key string) string {
	if c.limiter.allow(family + ":" + key) {
		return key
	}
	return "other"
}

// cardinalityLimiter caps the number of unique label sets.
type cardinalityLimiter struct {
	max     int
	mu      sync.RWMutex
	current map[string]struct{}
}

func newCardinalityLimiter(max int) *cardinalityLimiter {
	return &cardinalityLimiter{max: max, current: make(map[string]struct{})}
}

func (cl *cardinalityLimiter) allow(labelSet string) bool {
	cl.mu.RLock()
	_, exists := cl.current[labelSet]
	cl.mu.RUnlock()
	if exists {
		return true
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if _, exists := cl.current[labelSet]; exists {
		return true
	}
	if len(cl.current) >= cl.max {
		return false
	}
	cl.current[labelSet] = struct{}{}
	return true
}

func (cl *cardinalityLimiter) count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
