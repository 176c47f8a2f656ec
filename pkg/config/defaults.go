package config

import "time"

// Default returns the stock configuration. Loading merges the file
// and environment on top of these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8484",
			MetricsAddr:     ":9094",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "saturn",
			SampleRate:  0.1,
		},
		Counter: CounterConfig{
			Backend: "sqlite",
			Path:    "saturn-counters.db",
		},
		Ledger: LedgerConfig{
			Backend:       "sqlite",
			Path:          "saturn-ledger.db",
			RetentionDays: 90,
			MaxRecords:    0,
			PruneSchedule: "0 3 * * *",
		},
		Quota: QuotaConfig{
			DailyResetMode:   "fixed",
			DailyResetTime:   "00:00",
			SoftOverageCalls: 1,
			InitialEstimate:  "0.05",
		},
		Session: SessionConfig{
			MaxAge:        Duration(10 * time.Minute),
			SweepInterval: Duration(30 * time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			OpenDuration:      Duration(60 * time.Second),
			HalfOpenSuccesses: 1,
			TrialTimeout:      Duration(2 * time.Minute),
		},
		Router: RouterConfig{
			MaxAttempts: 3,
		},
	}
}
