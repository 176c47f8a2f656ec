package config

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"stratus-hq/saturn/pkg/money"
)

// ValidationError reports one invalid configuration field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the whole configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level", "unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid("log.format", "unknown format %q", c.Log.Format)
	}

	switch c.Counter.Backend {
	case "memory":
	case "sqlite":
		if c.Counter.Path == "" {
			return invalid("counter.path", "required for sqlite backend")
		}
	default:
		return invalid("counter.backend", "unknown backend %q", c.Counter.Backend)
	}

	switch c.Ledger.Backend {
	case "memory":
	case "sqlite":
		if c.Ledger.Path == "" {
			return invalid("ledger.path", "required for sqlite backend")
		}
	default:
		return invalid("ledger.backend", "unknown backend %q", c.Ledger.Backend)
	}
	if c.Ledger.RetentionDays < 0 {
		return invalid("ledger.retention_days", "must not be negative")
	}
	if c.Ledger.PruneSchedule != "" {
		if _, err := cron.ParseStandard(c.Ledger.PruneSchedule); err != nil {
			return invalid("ledger.prune_schedule", "%v", err)
		}
	}

	if err := c.Scheme().Validate(); err != nil {
		return invalid("quota", "%v", err)
	}
	if c.Quota.SoftOverageCalls < 0 {
		return invalid("quota.soft_overage_calls", "must not be negative")
	}
	if c.Quota.InitialEstimate != "" {
		if _, err := money.Parse(c.Quota.InitialEstimate); err != nil {
			return invalid("quota.initial_estimate", "%v", err)
		}
	}

	if c.Breaker.FailureThreshold <= 0 {
		return invalid("breaker.failure_threshold", "must be positive")
	}
	if c.Breaker.OpenDuration.Std() <= 0 {
		return invalid("breaker.open_duration", "must be positive")
	}
	if c.Breaker.HalfOpenSuccesses <= 0 {
		return invalid("breaker.half_open_successes", "must be positive")
	}
	if c.Breaker.TrialTimeout.Std() <= 0 {
		return invalid("breaker.trial_timeout", "must be positive")
	}
	if c.Router.MaxAttempts <= 0 {
		return invalid("router.max_attempts", "must be positive")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return invalid("tracing.sample_rate", "must be within 0 to 1")
	}

	seenKeys := make(map[string]bool, len(c.Keys))
	for _, k := range c.Keys {
		if k.ID == "" {
			return invalid("keys", "key with empty id")
		}
		if seenKeys[k.ID] {
			return invalid("keys", "duplicate key id %q", k.ID)
		}
		seenKeys[k.ID] = true
		if _, err := k.Budget.ToBudget(); err != nil {
			return invalid("keys", "key %s: %v", k.ID, err)
		}
		if k.Budget.MaxConcurrent < 0 {
			return invalid("keys", "key %s: max_concurrent must not be negative", k.ID)
		}
	}

	seenUsers := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u.ID == "" {
			return invalid("users", "user with empty id")
		}
		if seenUsers[u.ID] {
			return invalid("users", "duplicate user id %q", u.ID)
		}
		seenUsers[u.ID] = true
		if _, err := u.Budget.ToBudget(); err != nil {
			return invalid("users", "user %s: %v", u.ID, err)
		}
	}
	for _, k := range c.Keys {
		if k.UserID != "" && !seenUsers[k.UserID] {
			return invalid("keys", "key %s references unknown user %q", k.ID, k.UserID)
		}
	}

	seenProviders := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return invalid("providers", "provider with empty id")
		}
		if seenProviders[p.ID] {
			return invalid("providers", "duplicate provider id %q", p.ID)
		}
		seenProviders[p.ID] = true
		if p.Vendor == "" {
			return invalid("providers", "provider %s: vendor required", p.ID)
		}
		if p.Type == "" {
			return invalid("providers", "provider %s: type required", p.ID)
		}
		if p.Weight != nil && *p.Weight < 0 {
			return invalid("providers", "provider %s: weight must not be negative", p.ID)
		}
		if _, err := p.Budget.ToBudget(); err != nil {
			return invalid("providers", "provider %s: %v", p.ID, err)
		}
	}
	return nil
}
