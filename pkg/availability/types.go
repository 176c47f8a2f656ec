// Package availability turns the request log into health telemetry:
// per-provider status bands, bucketed success-rate series, latency
// percentiles, and a volume-weighted system score.
//
// Buckets with no traffic report StatusUnknown, never StatusHealthy.
// Silence is not evidence of health; a provider nobody called may be
// down.
package availability

import (
	"fmt"
	"time"
)

// Status is a health band derived from a success rate.
type Status string

const (
	// StatusHealthy: success rate at or above 95%.
	StatusHealthy Status = "healthy"
	// StatusMinor: success rate below 95%.
	StatusMinor Status = "minor"
	// StatusDegraded: success rate below 80%.
	StatusDegraded Status = "degraded"
	// StatusCritical: success rate below 50%.
	StatusCritical Status = "critical"
	// StatusUnknown: no traffic observed.
	StatusUnknown Status = "unknown"
)

// StatusOf maps a success rate to its band. hasData false always
// yields StatusUnknown regardless of rate.
func StatusOf(successRate float64, hasData bool) Status {
	switch {
	case !hasData:
		return StatusUnknown
	case successRate >= 0.95:
		return StatusHealthy
	case successRate >= 0.80:
		return StatusMinor
	case successRate >= 0.50:
		return StatusDegraded
	default:
		return StatusCritical
	}
}

// Bucket is one cell of an availability series.
type Bucket struct {
	Start       time.Time `json:"start"`
	Total       int       `json:"total"`
	Failures    int       `json:"failures"`
	SuccessRate float64   `json:"success_rate"`
	Status      Status    `json:"status"`
	LatencyP50  int64     `json:"latency_p50_ms"`
	LatencyP95  int64     `json:"latency_p95_ms"`
	LatencyP99  int64     `json:"latency_p99_ms"`
}

// TargetReport is one provider target's availability over a query
// range.
type TargetReport struct {
	Vendor       string   `json:"vendor"`
	ProviderType string   `json:"provider_type"`
	Buckets      []Bucket `json:"buckets"`
	Total        int      `json:"total"`
	Failures     int      `json:"failures"`
	SuccessRate  float64  `json:"success_rate"`
	Status       Status   `json:"status"`
}

// Report is a full availability query result.
type Report struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
	Step string    `json:"step"`

	Targets []TargetReport `json:"targets"`

	// SystemScore is the volume-weighted success rate across all
	// targets: total successes over total calls. A target serving ten
	// times the traffic moves the score ten times as much.
	SystemScore float64 `json:"system_score"`
	// SystemStatus bands the system score, unknown when no traffic.
	SystemStatus Status `json:"system_status"`
}

// maxBuckets caps the grid size of one query.
const maxBuckets = 1000

// Query describes an availability request.
type Query struct {
	// From and To bound the half-open range [From, To).
	From time.Time
	To   time.Time

	// Step is the bucket width. The grid is anchored at From: bucket
	// i covers [From+i*Step, From+(i+1)*Step).
	Step time.Duration

	// Vendor and ProviderType optionally narrow the targets.
	Vendor       string
	ProviderType string
}

// Validate checks the query shape.
func (q *Query) Validate() error {
	if !q.To.After(q.From) {
		return &InvalidQueryError{Field: "to", Reason: "must be after from"}
	}
	if q.Step <= 0 {
		return &InvalidQueryError{Field: "step", Reason: "must be positive"}
	}
	if n := int(q.To.Sub(q.From) / q.Step); n > maxBuckets {
		return &InvalidQueryError{
			Field:  "step",
			Reason: fmt.Sprintf("range/step yields %d buckets, max %d", n, maxBuckets),
		}
	}
	return nil
}

// buckets returns the number of grid cells the query spans.
func (q *Query) buckets() int {
	n := int(q.To.Sub(q.From) / q.Step)
	if q.From.Add(time.Duration(n) * q.Step).Before(q.To) {
		n++
	}
	return n
}

// InvalidQueryError reports a malformed availability query.
type InvalidQueryError struct {
	Field  string
	Reason string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid availability query: %s %s", e.Field, e.Reason)
}
