package limits

import (
	"fmt"
	"strconv"
	"time"
)

// ResetMode selects how the daily window resets.
type ResetMode string

const (
	// ResetFixed resets the window at a fixed time of day in UTC.
	ResetFixed ResetMode = "fixed"
	// ResetRolling makes the window a rolling 24-hour horizon instead
	// of a calendar day.
	ResetRolling ResetMode = "rolling"
)

// Scheme configures the time semantics of the cost windows. The
// five-hour window is always rolling; the weekly, monthly, and total
// windows are always fixed. Only the daily window is configurable.
type Scheme struct {
	// DailyResetMode selects fixed or rolling daily accounting.
	DailyResetMode ResetMode
	// DailyResetTime is the "HH:MM" UTC reset boundary used when
	// DailyResetMode is ResetFixed.
	DailyResetTime string
}

// DefaultScheme returns the stock window semantics: fixed daily reset
// at midnight UTC.
func DefaultScheme() Scheme {
	return Scheme{
		DailyResetMode: ResetFixed,
		DailyResetTime: "00:00",
	}
}

// Validate checks that the scheme's fields are well formed.
func (s Scheme) Validate() error {
	switch s.DailyResetMode {
	case ResetFixed, ResetRolling:
	default:
		return fmt.Errorf("invalid daily reset mode %q", s.DailyResetMode)
	}
	if _, _, err := parseResetTime(s.DailyResetTime); err != nil {
		return err
	}
	return nil
}

// IsRolling reports whether w accumulates over a sliding horizon
// rather than resetting at fixed boundaries.
func (s Scheme) IsRolling(w Window) bool {
	switch w {
	case WindowFiveHour:
		return true
	case WindowDaily:
		return s.DailyResetMode == ResetRolling
	}
	return false
}

// RollingHorizon returns the sliding-window length for a rolling
// window. It must only be called for windows where IsRolling is true.
func (s Scheme) RollingHorizon(w Window) time.Duration {
	switch w {
	case WindowFiveHour:
		return 5 * time.Hour
	case WindowDaily:
		return 24 * time.Hour
	}
	panic("limits: RollingHorizon called for non-rolling window " + string(w))
}

// BucketSize returns the accumulation granularity for a rolling
// window. Rolling spend is tracked in fixed-size time buckets; the
// window total is the sum of the buckets inside the horizon.
func (s Scheme) BucketSize(w Window) time.Duration {
	switch w {
	case WindowFiveHour:
		return 5 * time.Minute
	case WindowDaily:
		return 15 * time.Minute
	}
	panic("limits: BucketSize called for non-rolling window " + string(w))
}

// Bounds returns the half-open interval [start, end) that window w
// covers at instant now. For fixed windows this is the current period;
// for rolling windows it is the trailing horizon ending at now. All
// computation is in UTC.
func (s Scheme) Bounds(w Window, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	if s.IsRolling(w) {
		return now.Add(-s.RollingHorizon(w)), now
	}
	switch w {
	case WindowDaily:
		start := s.dailyBoundary(now)
		return start, start.Add(24 * time.Hour)
	case WindowWeekly:
		start := weekStart(now)
		return start, start.AddDate(0, 0, 7)
	case WindowMonthly:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	case WindowTotal:
		return time.Time{}, now.Add(time.Nanosecond)
	}
	panic("limits: Bounds called for window " + string(w))
}

// NextReset returns when the current period of a fixed window ends.
// Rolling windows and the total window never reset; NextReset returns
// the zero time for them.
func (s Scheme) NextReset(w Window, now time.Time) time.Time {
	if s.IsRolling(w) || w == WindowTotal || w == WindowConcurrency {
		return time.Time{}
	}
	_, end := s.Bounds(w, now)
	return end
}

// PeriodKey returns a stable identifier for the fixed period that
// contains now. Counter keys embed it so that a new period naturally
// starts from zero without any explicit reset step.
func (s Scheme) PeriodKey(w Window, now time.Time) string {
	now = now.UTC()
	switch w {
	case WindowDaily:
		return s.dailyBoundary(now).Format("2006-01-02T15:04")
	case WindowWeekly:
		year, week := weekStart(now).ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case WindowMonthly:
		return now.Format("2006-01")
	case WindowTotal:
		return "all"
	}
	panic("limits: PeriodKey called for rolling window " + string(w))
}

// BucketKeys returns the identifiers of every rolling bucket the
// horizon ending at now touches, newest first. The first entry is the
// bucket that a write at now lands in. Mid-bucket the horizon reaches
// into one extra bucket, and that oldest bucket is included whole:
// rolling spend ages out at bucket granularity, never early.
func (s Scheme) BucketKeys(w Window, now time.Time) []string {
	size := s.BucketSize(w)
	horizon := s.RollingHorizon(w)
	n := int(horizon/size) + 1
	cur := now.UTC().Truncate(size)
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		keys = append(keys, strconv.FormatInt(cur.Add(-time.Duration(i)*size).Unix(), 10))
	}
	return keys
}

// dailyBoundary returns the most recent fixed daily reset instant at
// or before now.
func (s Scheme) dailyBoundary(now time.Time) time.Time {
	h, m, err := parseResetTime(s.DailyResetTime)
	if err != nil {
		h, m = 0, 0
	}
	b := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, time.UTC)
	if b.After(now) {
		b = b.AddDate(0, 0, -1)
	}
	return b
}

// weekStart returns Monday 00:00 UTC of the week containing now.
func weekStart(now time.Time) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func parseResetTime(v string) (hour, minute int, err error) {
	if v == "" {
		return 0, 0, nil
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid reset time %q: expected HH:MM", v)
	}
	return t.Hour(), t.Minute(), nil
}
