package limits

import (
	"errors"
	"fmt"
	"time"

	"stratus-hq/saturn/pkg/money"
)

// SubjectKind identifies what a budget is attached to.
type SubjectKind string

const (
	// SubjectKey scopes a budget to a single API key.
	SubjectKey SubjectKind = "key"
	// SubjectUser scopes a budget to a user, aggregated across all of
	// the user's keys.
	SubjectUser SubjectKind = "user"
	// SubjectEndpoint scopes a budget to a provider endpoint, used for
	// endpoint-level spend ceilings mirrored from provider dashboards.
	SubjectEndpoint SubjectKind = "endpoint"
)

// Subject is a budgeted entity: a kind plus its identifier.
type Subject struct {
	Kind SubjectKind
	ID   string
}

func (s Subject) String() string {
	return string(s.Kind) + ":" + s.ID
}

// Window is one of the six budget dimensions. The set is closed:
// callers switch over these values and a default branch is a bug.
type Window string

const (
	// WindowFiveHour is a rolling 5-hour cost window.
	WindowFiveHour Window = "5h"
	// WindowDaily is a fixed-reset daily cost window. The reset time
	// of day is configurable per deployment and defaults to 00:00 UTC.
	WindowDaily Window = "day"
	// WindowWeekly is a fixed-reset weekly cost window, resetting at
	// Monday 00:00 UTC.
	WindowWeekly Window = "week"
	// WindowMonthly is a fixed-reset monthly cost window, resetting at
	// 00:00 UTC on the first of the month.
	WindowMonthly Window = "month"
	// WindowTotal is the all-time cost window. It never resets.
	WindowTotal Window = "total"
	// WindowConcurrency is the in-flight request ceiling. It is a
	// count, not a cost, and is enforced by the session tracker.
	WindowConcurrency Window = "concurrency"
)

// CostWindows lists the five cost dimensions in ascending horizon
// order. WindowConcurrency is excluded: it is count-based and handled
// by a separate tracker.
func CostWindows() []Window {
	return []Window{WindowFiveHour, WindowDaily, WindowWeekly, WindowMonthly, WindowTotal}
}

// Valid reports whether w is a member of the closed window set.
func (w Window) Valid() bool {
	switch w {
	case WindowFiveHour, WindowDaily, WindowWeekly, WindowMonthly, WindowTotal, WindowConcurrency:
		return true
	}
	return false
}

// Budget holds the limits for one subject. Nil cost fields and a zero
// MaxConcurrent mean "unlimited" for that dimension.
type Budget struct {
	FiveHour      *money.Amount `json:"five_hour,omitempty" yaml:"five_hour,omitempty"`
	Daily         *money.Amount `json:"daily,omitempty" yaml:"daily,omitempty"`
	Weekly        *money.Amount `json:"weekly,omitempty" yaml:"weekly,omitempty"`
	Monthly       *money.Amount `json:"monthly,omitempty" yaml:"monthly,omitempty"`
	Total         *money.Amount `json:"total,omitempty" yaml:"total,omitempty"`
	MaxConcurrent int           `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
}

// Limit returns the configured ceiling for a cost window, or nil when
// the dimension is unlimited. WindowConcurrency has no cost limit and
// always returns nil.
func (b *Budget) Limit(w Window) *money.Amount {
	if b == nil {
		return nil
	}
	switch w {
	case WindowFiveHour:
		return b.FiveHour
	case WindowDaily:
		return b.Daily
	case WindowWeekly:
		return b.Weekly
	case WindowMonthly:
		return b.Monthly
	case WindowTotal:
		return b.Total
	}
	return nil
}

// IsZero reports whether no dimension is limited.
func (b *Budget) IsZero() bool {
	if b == nil {
		return true
	}
	return b.FiveHour == nil && b.Daily == nil && b.Weekly == nil &&
		b.Monthly == nil && b.Total == nil && b.MaxConcurrent == 0
}

// Usage is a point-in-time reading of one subject's consumption
// against one window. ResetAt is zero for rolling and all-time
// windows, which have no fixed boundary.
type Usage struct {
	Subject Subject       `json:"subject"`
	Window  Window        `json:"window"`
	Spent   money.Amount  `json:"spent"`
	Limit   *money.Amount `json:"limit,omitempty"`
	ResetAt time.Time     `json:"reset_at,omitzero"`
}

// Remaining returns the headroom left under the limit, or nil when the
// dimension is unlimited. A subject already over its limit reports
// zero remaining, never a negative amount.
func (u Usage) Remaining() *money.Amount {
	if u.Limit == nil {
		return nil
	}
	r := u.Limit.Sub(u.Spent)
	if r.IsNegative() {
		r = 0
	}
	return &r
}

// Sentinel errors for admission denials. Wrapped by the typed errors
// below so callers can branch with errors.Is.
var (
	ErrQuotaExceeded            = errors.New("quota exceeded")
	ErrConcurrencyLimitExceeded = errors.New("concurrency limit exceeded")
)

// QuotaExceededError reports which subject and window denied an
// admission, with the numbers behind the decision. RetryAfter is when
// the denying window next resets; zero for rolling and all-time
// windows, which free headroom continuously.
type QuotaExceededError struct {
	Subject    Subject
	Window     Window
	Spent      money.Amount
	Estimated  money.Amount
	Limit      money.Amount
	RetryAfter time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s in %s window: spent %s + estimated %s > limit %s",
		e.Subject, e.Window, e.Spent, e.Estimated, e.Limit)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// ConcurrencyLimitError reports a denied slot acquisition.
type ConcurrencyLimitError struct {
	Key      string
	InFlight int
	Limit    int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("concurrency limit exceeded for key %s: %d in flight, limit %d",
		e.Key, e.InFlight, e.Limit)
}

func (e *ConcurrencyLimitError) Unwrap() error { return ErrConcurrencyLimitExceeded }
