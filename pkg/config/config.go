// Package config loads, validates, and watches the gateway
// configuration file.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"stratus-hq/saturn/pkg/gateway"
	"stratus-hq/saturn/pkg/limits"
	"stratus-hq/saturn/pkg/money"
	"stratus-hq/saturn/pkg/routing"
)

// Duration wraps time.Duration with YAML support for strings like
// "90s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full gateway configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Log       LogConfig        `yaml:"log"`
	Tracing   TracingConfig    `yaml:"tracing"`
	Counter   CounterConfig    `yaml:"counter"`
	Ledger    LedgerConfig     `yaml:"ledger"`
	Quota     QuotaConfig      `yaml:"quota"`
	Session   SessionConfig    `yaml:"session"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Router    RouterConfig     `yaml:"router"`
	Keys      []KeyConfig      `yaml:"keys"`
	Users     []UserConfig     `yaml:"users"`
	Providers []ProviderConfig `yaml:"providers"`
}

// ServerConfig holds the admin API listener settings.
type ServerConfig struct {
	ListenAddr      string   `yaml:"listen_addr"`
	MetricsAddr     string   `yaml:"metrics_addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds structured logging settings.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

// TracingConfig holds OTLP trace export settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	// SampleRate is the fraction of requests traced, 0 to 1.
	SampleRate float64 `yaml:"sample_rate"`
}

// CounterConfig selects the counter store backend.
type CounterConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the sqlite database file for the sqlite backend.
	Path string `yaml:"path"`
}

// LedgerConfig holds the request log settings.
type LedgerConfig struct {
	// Backend is "sqlite" or "memory". Memory is for tests only; a
	// restart loses the source of truth.
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`

	// RetentionDays prunes records older than this. Zero disables
	// age-based pruning.
	RetentionDays int `yaml:"retention_days"`
	// MaxRecords caps the log size. Zero disables count-based pruning.
	MaxRecords int64 `yaml:"max_records"`
	// PruneSchedule is a cron expression for the retention job.
	PruneSchedule string `yaml:"prune_schedule"`
}

// QuotaConfig holds cost-window settings.
type QuotaConfig struct {
	// DailyResetMode is "fixed" or "rolling".
	DailyResetMode string `yaml:"daily_reset_mode"`
	// DailyResetTime is the "HH:MM" UTC boundary for fixed mode.
	DailyResetTime string `yaml:"daily_reset_time"`
	// SoftOverageCalls is how many in-flight calls are admitted
	// without counting other pending estimates.
	SoftOverageCalls int `yaml:"soft_overage_calls"`
	// InitialEstimate is the assumed cost of a subject's first call,
	// in USD.
	InitialEstimate string `yaml:"initial_estimate"`
}

// SessionConfig holds concurrency tracker settings.
type SessionConfig struct {
	MaxAge        Duration `yaml:"max_age"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold  int      `yaml:"failure_threshold"`
	OpenDuration      Duration `yaml:"open_duration"`
	HalfOpenSuccesses int      `yaml:"half_open_successes"`
	TrialTimeout      Duration `yaml:"trial_timeout"`
}

// RouterConfig holds routing settings.
type RouterConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// BudgetConfig expresses window limits as USD decimal strings, the
// way operators write them. Empty fields are unlimited.
type BudgetConfig struct {
	FiveHour      string `yaml:"five_hour"`
	Daily         string `yaml:"daily"`
	Weekly        string `yaml:"weekly"`
	Monthly       string `yaml:"monthly"`
	Total         string `yaml:"total"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// ToBudget parses the USD strings into a budget. Returns nil when
// nothing is limited.
func (b BudgetConfig) ToBudget() (*limits.Budget, error) {
	out := &limits.Budget{MaxConcurrent: b.MaxConcurrent}
	fields := []struct {
		raw  string
		dest **money.Amount
		name string
	}{
		{b.FiveHour, &out.FiveHour, "five_hour"},
		{b.Daily, &out.Daily, "daily"},
		{b.Weekly, &out.Weekly, "weekly"},
		{b.Monthly, &out.Monthly, "monthly"},
		{b.Total, &out.Total, "total"},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		amount, err := money.Parse(f.raw)
		if err != nil {
			return nil, fmt.Errorf("budget %s: %w", f.name, err)
		}
		*f.dest = &amount
	}
	if out.IsZero() {
		return nil, nil
	}
	return out, nil
}

// KeyConfig declares one API key.
type KeyConfig struct {
	ID       string       `yaml:"id"`
	UserID   string       `yaml:"user_id"`
	Group    string       `yaml:"group"`
	Disabled bool         `yaml:"disabled"`
	Budget   BudgetConfig `yaml:"budget"`
}

// UserConfig declares one user.
type UserConfig struct {
	ID     string       `yaml:"id"`
	Budget BudgetConfig `yaml:"budget"`
}

// ProviderConfig declares one routable endpoint.
type ProviderConfig struct {
	ID       string       `yaml:"id"`
	Vendor   string       `yaml:"vendor"`
	Type     string       `yaml:"type"`
	Priority int `yaml:"priority"`
	// Weight defaults to 1 when omitted. An explicit 0 drains the
	// provider: it stays enabled but receives no traffic.
	Weight *int `yaml:"weight"`
	// Enabled defaults to true when omitted.
	Enabled *bool        `yaml:"enabled"`
	Groups  string       `yaml:"groups"`
	Budget  BudgetConfig `yaml:"budget"`
}

// Snapshot converts the declared keys, users, and providers into the
// gateway's immutable admission view.
func (c *Config) Snapshot() (*gateway.Snapshot, error) {
	snap := &gateway.Snapshot{
		Keys:  make(map[string]*gateway.Key, len(c.Keys)),
		Users: make(map[string]*gateway.User, len(c.Users)),
	}
	for _, kc := range c.Keys {
		budget, err := kc.Budget.ToBudget()
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", kc.ID, err)
		}
		snap.Keys[kc.ID] = &gateway.Key{
			ID:       kc.ID,
			UserID:   kc.UserID,
			Group:    kc.Group,
			Disabled: kc.Disabled,
			Budget:   budget,
		}
	}
	for _, uc := range c.Users {
		budget, err := uc.Budget.ToBudget()
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", uc.ID, err)
		}
		snap.Users[uc.ID] = &gateway.User{ID: uc.ID, Budget: budget}
	}
	for _, pc := range c.Providers {
		budget, err := pc.Budget.ToBudget()
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.ID, err)
		}
		enabled := true
		if pc.Enabled != nil {
			enabled = *pc.Enabled
		}
		weight := 1
		if pc.Weight != nil {
			weight = *pc.Weight
		}
		snap.Providers = append(snap.Providers, &routing.Provider{
			ID:       pc.ID,
			Vendor:   pc.Vendor,
			Type:     pc.Type,
			Priority: pc.Priority,
			Weight:   weight,
			Enabled:  enabled,
			Groups:   pc.Groups,
			Budget:   budget,
		})
	}
	return snap, nil
}

// Scheme converts the quota settings into window semantics.
func (c *Config) Scheme() limits.Scheme {
	return limits.Scheme{
		DailyResetMode: limits.ResetMode(c.Quota.DailyResetMode),
		DailyResetTime: c.Quota.DailyResetTime,
	}
}
