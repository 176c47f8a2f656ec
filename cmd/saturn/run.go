package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"stratus-hq/saturn/internal/clock"
	"stratus-hq/saturn/pkg/availability"
	"stratus-hq/saturn/pkg/breaker"
	"stratus-hq/saturn/pkg/cli"
	"stratus-hq/saturn/pkg/config"
	"stratus-hq/saturn/pkg/counter"
	"stratus-hq/saturn/pkg/gateway"
	"stratus-hq/saturn/pkg/ledger"
	"stratus-hq/saturn/pkg/ledger/retention"
	"stratus-hq/saturn/pkg/limits/quota"
	"stratus-hq/saturn/pkg/limits/session"
	"stratus-hq/saturn/pkg/money"
	"stratus-hq/saturn/pkg/routing"
	"stratus-hq/saturn/pkg/server"
	"stratus-hq/saturn/pkg/telemetry/logging"
	"stratus-hq/saturn/pkg/telemetry/metrics"
	"stratus-hq/saturn/pkg/telemetry/tracing"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Saturn gateway",
	Long: `Start the Saturn gateway with the specified configuration.

The gateway serves the admission and admin API on the configured
listen address and Prometheus metrics on the metrics address. The
configuration file is watched; key, user, and provider changes apply
without a restart.

Examples:
  # Start with default config
  saturn run

  # Start with custom config
  saturn run --config /etc/saturn/config.yaml

  # Override listen address
  saturn run --listen 0.0.0.0:8080

  # Validate config without starting
  saturn run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting the gateway")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cli.NewCommandError("run", err)
	}

	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddr = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Log.Level = runFlags.logLevel
	}

	if _, err := logging.Setup(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	}); err != nil {
		return cli.NewCommandError("run", err)
	}

	if runFlags.dryRun {
		fmt.Println("configuration valid")
		return nil
	}

	fmt.Printf("Saturn v%s\n", Version)
	fmt.Printf("configuration loaded from %s\n", cfgFile)

	ctx, stop := cli.SetupSignalHandler()
	defer stop()

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("trace shutdown failed", "error", err)
		}
	}()

	store, err := openCounterStore(cfg)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer store.Close()

	log, err := openLedger(cfg)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer log.Close()

	recorder := ledger.NewRecorder(log, nil)
	defer recorder.Close()

	pruner := retention.NewPruner(log, &retention.Config{
		RetentionDays: cfg.Ledger.RetentionDays,
		MaxRecords:    cfg.Ledger.MaxRecords,
		PruneSchedule: cfg.Ledger.PruneSchedule,
	})
	if err := pruner.Start(ctx); err != nil {
		slog.Warn("retention scheduler not started", "error", err)
	} else {
		defer pruner.Stop()
	}

	snap, err := cfg.Snapshot()
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	source := gateway.NewStaticSource(snap)

	initialEstimate, err := money.Parse(cfg.Quota.InitialEstimate)
	if err != nil {
		return cli.NewCommandError("run", err)
	}

	clk := clock.Real{}
	quotaTracker := quota.NewTracker(store, log, quota.Config{
		Scheme:           cfg.Scheme(),
		SoftOverageCalls: cfg.Quota.SoftOverageCalls,
	}, clk)
	sessionTracker := session.NewTracker(store, session.Config{
		MaxAge:        cfg.Session.MaxAge.Std(),
		SweepInterval: cfg.Session.SweepInterval.Std(),
	}, clk)
	defer sessionTracker.Close()

	collector := metrics.NewCollector(metrics.DefaultConfig(), nil)

	circuits := breaker.NewManager(store, breaker.Config{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		OpenDuration:      cfg.Breaker.OpenDuration.Std(),
		HalfOpenSuccesses: cfg.Breaker.HalfOpenSuccesses,
		TrialTimeout:      cfg.Breaker.TrialTimeout.Std(),
	}, clk, breaker.WithStateHook(func(target breaker.Target, state breaker.State) {
		collector.SetBreakerState(target.Vendor, target.ProviderType, breakerStateValue(state))
		if state == breaker.StateOpen {
			collector.RecordBreakerTrip(target.Vendor, target.ProviderType)
		}
	}))

	router := routing.NewRouter(routing.Config{MaxAttempts: cfg.Router.MaxAttempts},
		circuits, routing.WithBudgetGate(gateway.NewBudgetGate(quotaTracker)))

	gw := gateway.New(gateway.Config{InitialEstimate: initialEstimate}, gateway.Deps{
		Source:   source,
		Quota:    quotaTracker,
		Sessions: sessionTracker,
		Breaker:  circuits,
		Router:   router,
		Log:      log,
		Recorder: recorder,
		Agg:      availability.NewAggregator(log, clk),
		Metrics:  collector,
		Tracer:   tracer,
		Clock:    clk,
	})

	srv := server.New(server.Config{
		ListenAddr:      cfg.Server.ListenAddr,
		ReadTimeout:     cfg.Server.ReadTimeout.Std(),
		WriteTimeout:    cfg.Server.WriteTimeout.Std(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
	}, gw, source, log, server.WithMetrics(collector))

	watcher, err := config.NewWatcher(cfgFile, func(next *config.Config) {
		nextSnap, snapErr := next.Snapshot()
		if snapErr != nil {
			slog.Error("config reload rejected", "error", snapErr)
			return
		}
		source.Update(nextSnap)
		slog.Info("configuration reloaded",
			"keys", len(nextSnap.Keys),
			"users", len(nextSnap.Users),
			"providers", len(nextSnap.Providers),
		)
	})
	if err != nil {
		slog.Warn("config watcher not started", "error", err)
	} else {
		go watcher.Run(ctx)
	}

	metricsSrv := startMetricsServer(cfg.Server.MetricsAddr, collector)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	fmt.Printf("admin api listening on %s\n", cfg.Server.ListenAddr)
	fmt.Printf("metrics listening on %s\n", cfg.Server.MetricsAddr)
	fmt.Println("\nPress Ctrl+C to stop")

	select {
	case err := <-errChan:
		return cli.NewCommandError("run", err)
	case <-ctx.Done():
		fmt.Println("\nshutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()

		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown failed", "error", err)
			return cli.NewCommandError("run", err)
		}
		fmt.Println("gateway stopped")
		return nil
	}
}

func openCounterStore(cfg *config.Config) (counter.Store, error) {
	switch cfg.Counter.Backend {
	case "memory":
		return counter.NewMemoryStore(0), nil
	case "sqlite":
		storeCfg := counter.DefaultSQLiteConfig()
		if cfg.Counter.Path != "" {
			storeCfg.Path = cfg.Counter.Path
		}
		return counter.NewSQLiteStore(storeCfg)
	default:
		return nil, fmt.Errorf("unsupported counter backend: %s", cfg.Counter.Backend)
	}
}

func openLedger(cfg *config.Config) (ledger.Storage, error) {
	switch cfg.Ledger.Backend {
	case "memory":
		return ledger.NewMemoryStorage(), nil
	case "sqlite":
		storeCfg := ledger.DefaultSQLiteConfig()
		if cfg.Ledger.Path != "" {
			storeCfg.Path = cfg.Ledger.Path
		}
		return ledger.NewSQLiteStorage(storeCfg)
	default:
		return nil, fmt.Errorf("unsupported ledger backend: %s", cfg.Ledger.Backend)
	}
}

func breakerStateValue(state breaker.State) int {
	switch state {
	case breaker.StateOpen:
		return 1
	case breaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func startMetricsServer(addr string, collector *metrics.Collector) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
