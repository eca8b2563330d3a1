package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/actions"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/browser"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/checkpoint"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/compliance"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/config"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/executor"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/health"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/httpapi"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/orchestrator"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "autopilot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	}

	hm := health.NewManager(30*time.Second, logger)

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		_ = hm.RegisterChecker(health.NewRedisHealthChecker(rdb))
	}

	// ------------------------------------------------------------------
	// Compliance: rate store, OPA engine, policy file hot reload
	// ------------------------------------------------------------------
	var gateOpts []compliance.Option
	if cfg.Compliance.RateStore == "redis" {
		gateOpts = append(gateOpts, compliance.WithRateStore(ratecontrol.NewRedisStore(rdb, "autopilot:rate")))
	} else {
		gateOpts = append(gateOpts, compliance.WithRateStore(ratecontrol.NewMemoryStore()))
	}

	pcfg := policyConfig(cfg.Compliance.OPA)
	engine, err := policy.NewOPAEngine(pcfg, logger)
	switch {
	case err != nil && pcfg.FailClosed:
		return fmt.Errorf("policy engine: %w", err)
	case err != nil:
		logger.Warn("Policy engine unavailable, continuing without OPA", zap.Error(err))
	case engine.IsEnabled():
		gateOpts = append(gateOpts, compliance.WithPolicyEngine(engine, pcfg.Environment))
	}

	extra, err := approvalKinds(cfg.Compliance.ApprovalRequired)
	if err != nil {
		return err
	}
	gate := compliance.New(compliance.Policy{ApprovalRequired: extra}, logger, gateOpts...)

	var watchers []*config.ConfigManager
	defer func() {
		for _, w := range watchers {
			_ = w.Stop()
		}
	}()
	if cfg.Compliance.PolicyFile != "" {
		cm, err := config.NewConfigManager(filepath.Dir(cfg.Compliance.PolicyFile), logger)
		if err != nil {
			return err
		}
		pm, err := config.NewCompliancePolicyManager(cm, cfg.Compliance.PolicyFile, cfg.Compliance.ApprovalRequired, gate, logger)
		if err != nil {
			return err
		}
		pm.Initialize()
		if err := cm.Start(ctx); err != nil {
			return fmt.Errorf("compliance policy: %w", err)
		}
		watchers = append(watchers, cm)
	}
	if engine != nil && engine.IsEnabled() {
		cm, err := config.NewConfigManager(pcfg.Path, logger)
		if err != nil {
			return err
		}
		cm.RegisterPolicyHandler(func() error {
			logger.Info("Reloading policy engine due to .rego file change")
			return engine.LoadPolicies()
		})
		if err := cm.Start(ctx); err != nil {
			logger.Warn("Policy watcher not started", zap.Error(err))
		} else {
			watchers = append(watchers, cm)
		}
	}

	// ------------------------------------------------------------------
	// Event bus and checkpoints
	// ------------------------------------------------------------------
	var busOpts []streaming.Option
	var streamOpts []httpapi.StreamOption
	if cfg.Streaming.RedisMirror {
		sink := streaming.NewRedisSink(rdb, "autopilot:events", cfg.Streaming.MaxLen)
		busOpts = append(busOpts, streaming.WithSink(sink, 2*time.Second))
		streamOpts = append(streamOpts, httpapi.WithReplayer(sink))
	}
	bus := streaming.NewManager(cfg.Streaming.RingCapacity, logger, busOpts...)

	var orchOpts []orchestrator.Option
	switch cfg.Checkpoint.Backend {
	case "redis":
		store := checkpoint.NewRedisStore(rdb, "autopilot:checkpoint", cfg.Checkpoint.TTL)
		orchOpts = append(orchOpts, orchestrator.WithStore(store))
		_ = hm.RegisterChecker(health.NewCheckpointHealthChecker(store))
	case "postgres", "sqlite":
		driver := "postgres"
		if cfg.Checkpoint.Backend == "sqlite" {
			driver = "sqlite3"
		}
		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		store, err := checkpoint.OpenSQL(openCtx, checkpoint.SQLConfig{
			Driver:         driver,
			DSN:            cfg.Checkpoint.DSN,
			MaxConnections: cfg.Checkpoint.MaxConnections,
		}, logger)
		cancel()
		if err != nil {
			return fmt.Errorf("checkpoint store: %w", err)
		}
		defer store.Close()
		orchOpts = append(orchOpts, orchestrator.WithStore(store))
		_ = hm.RegisterChecker(health.NewCheckpointHealthChecker(store))
	}

	// ------------------------------------------------------------------
	// Executor
	// ------------------------------------------------------------------
	var execOpts []executor.Option
	if cfg.Executor.Breaker.Enabled {
		breakers := circuitbreaker.NewGroup("browser", breakerConfig(cfg.Executor.Breaker), logger)
		execOpts = append(execOpts, executor.WithBreakers(breakers))
		_ = hm.RegisterChecker(health.NewBreakerHealthChecker(breakers))
	}
	var adapter executor.Adapter
	if cfg.Browser.BaseURL != "" {
		b := browser.NewHTTPAdapter(browser.Config{
			BaseURL: cfg.Browser.BaseURL,
			Timeout: cfg.Browser.Timeout,
			Token:   cfg.Browser.Token,
		}, logger)
		adapter = b
		_ = hm.RegisterChecker(health.NewBrowserHealthChecker(b))
	} else {
		logger.Warn("browser.base_url not set, actions run in dry-run mode")
		adapter = executor.DryRunAdapter(logger)
	}
	exec := executor.New(adapter, executor.Config{
		ActionTimeout:    cfg.Executor.ActionTimeout,
		MaxRetries:       cfg.Executor.MaxRetries,
		BackoffBase:      cfg.Executor.BackoffBase,
		BackoffMax:       cfg.Executor.BackoffMax,
		ActionsPerSecond: cfg.Executor.ActionsPerSecond,
		Burst:            cfg.Executor.Burst,
	}, logger, execOpts...)

	// ------------------------------------------------------------------
	// Orchestrator
	// ------------------------------------------------------------------
	orch := orchestrator.New(orchestrator.Config{
		MaxConcurrentRuns: cfg.Orchestrator.MaxConcurrentRuns,
		ApprovalTimeout:   cfg.Orchestrator.ApprovalTimeout,
		RetainStopped:     cfg.Orchestrator.RetainStopped,
		CleanupInterval:   cfg.Orchestrator.CleanupInterval,
		StoreTimeout:      cfg.Checkpoint.StoreTimeout,
	}, gate, exec, bus, logger, orchOpts...)
	if err := orch.Restore(ctx); err != nil {
		logger.Warn("Failed to restore checkpointed runs", zap.Error(err))
	}
	_ = hm.RegisterChecker(health.NewCustomHealthChecker("orchestrator", false, time.Second, func(context.Context) health.CheckResult {
		return health.CheckResult{
			Status:  health.StatusHealthy,
			Message: "accepting runs",
			Details: map[string]interface{}{
				"active_runs":  len(orch.GetActiveRuns()),
				"queue_length": orch.QueueLength(),
			},
		}
	}))

	// ------------------------------------------------------------------
	// HTTP surface
	// ------------------------------------------------------------------
	var jwtManager *auth.JWTManager
	if cfg.HTTP.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(cfg.HTTP.JWTSecret, 0)
	}
	mw := auth.NewMiddleware(cfg.HTTP.AuthToken, jwtManager, logger)
	if !mw.Enabled() {
		logger.Warn("HTTP authentication disabled; set http.auth_token or http.jwt_secret")
	}

	mux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(mux)
	httpapi.NewServer(orch, bus, mw, logger, streamOpts...).RegisterRoutes(mux)
	// no WriteTimeout: SSE and WebSocket responses are long-lived
	apiServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:           httpapi.Instrument(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var metricsServer *http.Server
	if cfg.Observability.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.Observability.Metrics.Port),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	hm.Start(ctx)
	defer hm.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.RunJanitor(gctx) })
	g.Go(func() error { return serve(apiServer, "API", logger) })
	if metricsServer != nil {
		g.Go(func() error { return serve(metricsServer, "Metrics", logger) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api server: %w", err))
		}
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if shutdownTracing != nil {
			if err := shutdownTracing(shutdownCtx); err != nil {
				logger.Warn("Failed to flush traces", zap.Error(err))
			}
		}
		return errors.Join(errs...)
	})

	logger.Info("Autopilot started",
		zap.Int("port", cfg.HTTP.Port),
		zap.Int("max_concurrent_runs", cfg.Orchestrator.MaxConcurrentRuns),
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.Bool("opa_enabled", engine != nil && engine.IsEnabled()),
	)
	if err := g.Wait(); err != nil {
		logger.Error("Autopilot stopped with error", zap.Error(err))
		return err
	}
	logger.Info("Autopilot stopped")
	return nil
}

func serve(srv *http.Server, name string, logger *zap.Logger) error {
	logger.Info(name+" server listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func newLogger(level, format string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	zc.Level = lvl
	return zc.Build()
}

// policyConfig starts from the AUTOPILOT_POLICY_* environment and lets the
// service config switch the engine on
func policyConfig(c config.OPAConfig) *policy.Config {
	pc := policy.LoadConfig()
	if c.Enabled {
		pc.Enabled = true
		pc.Mode = policy.Mode(c.Mode)
		pc.Path = c.Path
		pc.FailClosed = c.FailClosed
		pc.Environment = c.Environment
		pc.Normalize()
	}
	return pc
}

// breakerConfig overlays the service config on the CB_ADAPTER_* defaults
func breakerConfig(c config.BreakerConfig) circuitbreaker.Config {
	bc := circuitbreaker.AdapterConfig()
	if c.MaxRequests > 0 {
		bc.MaxRequests = c.MaxRequests
	}
	if c.Interval > 0 {
		bc.Interval = c.Interval
	}
	if c.Timeout > 0 {
		bc.Timeout = c.Timeout
	}
	if c.MaxFailures > 0 {
		bc.FailureThreshold = c.MaxFailures
	}
	bc.IsFailure = executor.BreakerFailure
	return bc
}

func approvalKinds(names []string) ([]actions.Kind, error) {
	kinds := make([]actions.Kind, 0, len(names))
	for _, n := range names {
		k := actions.Kind(n)
		if !actions.IsKnown(k) {
			return nil, fmt.Errorf("unknown action kind %q in compliance.approval_required", n)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
