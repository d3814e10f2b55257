package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/billrun/pkg/api"
	"github.com/platinummonkey/billrun/pkg/async"
	"github.com/platinummonkey/billrun/pkg/audit"
	"github.com/platinummonkey/billrun/pkg/auth"
	"github.com/platinummonkey/billrun/pkg/billing"
	"github.com/platinummonkey/billrun/pkg/config"
	"github.com/platinummonkey/billrun/pkg/gateway"
	"github.com/platinummonkey/billrun/pkg/middleware"
	"github.com/platinummonkey/billrun/pkg/observability"
	"github.com/platinummonkey/billrun/pkg/storage"
	"github.com/platinummonkey/billrun/pkg/storage/lock"
	"github.com/platinummonkey/billrun/pkg/storage/postgres"
)

var version = "dev"

var (
	runOnce        = flag.Bool("run-once", false, "Execute a single billing run and exit")
	subscriptionID = flag.String("subscription", "", "Only charge this subscription. Only used with --run-once")
	accountID      = flag.String("account", "", "Only charge this account's subscriptions. Only used with --run-once")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("billrun exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    1.0,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	shutdown.RegisterShutdownFunc("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	deps, err := openStorage(ctx, cfg, logger, metrics, shutdown)
	if err != nil {
		return err
	}

	gateways, err := buildGateways(cfg.Gateway, logger)
	if err != nil {
		return err
	}

	policy := cfg.Billing.RetryPolicy()
	ledger := billing.NewLedger(deps.store, logger, metrics)
	orchestrator := billing.NewOrchestrator(gateways, ledger, deps.locker, billing.OrchestratorConfig{
		Policy:         policy,
		GatewayTimeout: cfg.Billing.GatewayTimeout,
		LockTTL:        cfg.Billing.LockTTL,
	}, logger, metrics)
	scheduler := billing.NewScheduler(deps.store, orchestrator, billing.SchedulerConfig{
		Policy:     policy,
		Workers:    cfg.Billing.Workers,
		RunTimeout: cfg.Billing.RunTimeout,
	}, logger, metrics)
	reconciler := billing.NewReconciler(deps.store, ledger, deps.locker, policy, logger, metrics)

	if *runOnce {
		defer shutdown.Shutdown()
		return runOnceAndExit(ctx, scheduler, logger)
	}

	callers, err := buildCallerMiddleware(ctx, cfg.Auth, logger)
	if err != nil {
		return err
	}

	otelMetrics, err := observability.NewOTelMetrics()
	if err != nil {
		logger.WithError(err).Warn("OpenTelemetry metrics unavailable")
		otelMetrics = nil
	}

	runLimiter, webhookLimiter := buildRateLimiters(ctx, deps.redis, logger)

	auditLogger, err := buildAuditLogger(cfg.Observability.AuditLogDir, shutdown, logger)
	if err != nil {
		return err
	}

	server := api.NewServer(api.ServerConfig{
		Scheduler:      scheduler,
		Reconciler:     reconciler,
		Gateways:       gateways,
		Callers:        callers,
		RunLimiter:     runLimiter,
		WebhookLimiter: webhookLimiter,
		Logger:         logger,
		Metrics:        metrics,
		OTelMetrics:    otelMetrics,
		Audit:          auditLogger,
	})

	// Manual runs execute synchronously, so the write deadline must outlast one.
	writeTimeout := cfg.Server.WriteTimeout
	if cfg.Billing.RunTimeout > 0 && writeTimeout < cfg.Billing.RunTimeout+cfg.Billing.GatewayTimeout {
		writeTimeout = cfg.Billing.RunTimeout + cfg.Billing.GatewayTimeout
	}
	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	shutdown.AddServer("api", apiServer)

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(deps.db, deps.redis, version))
	observability.RegisterMetricsEndpoint(healthMux, registry)
	healthServer := &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	shutdown.AddServer("health", healthServer)

	if cfg.Billing.Schedule != "" {
		c, err := scheduleRuns(cfg.Billing.Schedule, scheduler, logger)
		if err != nil {
			return err
		}
		c.Start()
		shutdown.RegisterShutdownFunc("cron", func(ctx context.Context) error {
			select {
			case <-c.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		logger.WithField("schedule", cfg.Billing.Schedule).Info("billing schedule started")
	} else {
		logger.Info("in-process schedule disabled; runs are triggered over HTTP only")
	}

	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()

	serverErrors := make(chan error, 2)
	for _, srv := range []*http.Server{apiServer, healthServer} {
		srv := srv
		go func() {
			logger.WithField("addr", srv.Addr).Info("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- fmt.Errorf("server %s failed: %w", srv.Addr, err)
				stopWaiting()
			}
		}()
	}

	if err := shutdown.WaitForShutdown(waitCtx); err != nil {
		return err
	}
	select {
	case err := <-serverErrors:
		return err
	default:
		return nil
	}
}

type storageDeps struct {
	store  billing.Store
	db     *sql.DB
	redis  *redis.Client
	locker billing.Locker
}

func openStorage(ctx context.Context, cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics, shutdown *observability.ShutdownManager) (*storageDeps, error) {
	deps := &storageDeps{}

	switch cfg.Storage.Driver {
	case storage.DriverMemory:
		logger.Warn("using in-memory storage; billing state is lost on exit")
		deps.store = billing.NewMemoryStore()
	default:
		conns, err := postgres.NewConnectionManager(postgres.ConnectionConfigFrom(cfg.Storage), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		shutdown.RegisterShutdownFunc("database", func(context.Context) error {
			return conns.Close()
		})

		if err := postgres.EnsureSchema(ctx, conns.Primary()); err != nil {
			return nil, err
		}

		conns.StartHealthCheckRoutine(ctx, 30*time.Second)
		if metrics != nil {
			statsTicker := time.NewTicker(15 * time.Second)
			go func() {
				defer statsTicker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-statsTicker.C:
						async.SafeGo(ctx, logger, 5*time.Second, "pool stats", func(context.Context) error {
							conns.RecordStats(metrics)
							return nil
						})
					}
				}
			}()
		}

		deps.db = conns.Primary()
		deps.store = postgres.NewStore(conns, postgres.StoreOptions{
			AccountCacheSize: cfg.Storage.AccountCacheSize,
			AccountCacheTTL:  cfg.Storage.AccountCacheTTL,
		}, logger, metrics)
	}

	if cfg.Storage.RedisURL == "" {
		logger.Warn("redis not configured; charge locks are process local")
		deps.locker = lock.NewLocalLocker()
		return deps, nil
	}

	client, err := lock.NewRedisClient(cfg.Storage)
	if err != nil {
		return nil, err
	}
	shutdown.RegisterShutdownFunc("redis", func(context.Context) error {
		return client.Close()
	})
	deps.redis = client
	deps.locker = lock.NewRedisLocker(client)
	return deps, nil
}

// buildAuditLogger opens the audit trail when a directory is configured
func buildAuditLogger(dir string, shutdown *observability.ShutdownManager, logger *observability.Logger) (audit.Logger, error) {
	if dir == "" {
		return audit.NopLogger(), nil
	}
	fileCfg := audit.DefaultFileLoggerConfig()
	fileCfg.BasePath = dir
	fl, err := audit.NewFileLogger(fileCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	shutdown.RegisterShutdownFunc("audit", func(context.Context) error {
		return fl.Close()
	})
	logger.WithField("dir", dir).Info("Audit logging enabled")
	return fl, nil
}

func buildGateways(cfg config.GatewayConfig, logger *observability.Logger) (*gateway.Registry, error) {
	registry := gateway.NewRegistry()
	if cfg.StripeSecretKey == "" {
		logger.Warn("stripe not configured; automated charges will fail as unsupported_gateway")
		return registry, nil
	}
	stripeAdapter := gateway.NewStripeAdapter(gateway.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		APIURL:        cfg.StripeAPIURL,
		Logger:        logger.WithField("gateway", "stripe"),
	})
	if err := registry.Register(gateway.KindStripe, stripeAdapter); err != nil {
		return nil, err
	}
	return registry, nil
}

func buildCallerMiddleware(ctx context.Context, cfg config.AuthConfig, logger *observability.Logger) (*middleware.CallerMiddleware, error) {
	secret := auth.NewSecretVerifier(cfg.SchedulerSecret)
	if !secret.Enabled() {
		logger.Warn("scheduler secret not configured; only operator tokens can trigger runs")
	}

	var operators middleware.TokenVerifier
	if cfg.OIDCIssuerURL != "" {
		verifier, err := auth.NewOperatorVerifier(ctx, auth.OperatorConfig{
			IssuerURL:    cfg.OIDCIssuerURL,
			Audience:     cfg.OIDCAudience,
			RoleClaim:    cfg.OIDCRoleClaim,
			OperatorRole: cfg.OperatorRole,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize operator token verification: %w", err)
		}
		operators = verifier
	}

	return middleware.NewCallerMiddleware(secret, operators, logger), nil
}

func buildRateLimiters(ctx context.Context, client *redis.Client, logger *observability.Logger) (middleware.Limiter, middleware.Limiter) {
	if client != nil {
		return middleware.NewRedisRateLimiter(client, middleware.RunRateLimitConfig(), "billrun:ratelimit:runs"),
			middleware.NewRedisRateLimiter(client, middleware.WebhookRateLimitConfig(), "billrun:ratelimit:webhooks")
	}
	runs := middleware.NewRateLimiter(middleware.RunRateLimitConfig())
	webhooks := middleware.NewRateLimiter(middleware.WebhookRateLimitConfig())
	runs.StartCleanup(ctx, logger)
	webhooks.StartCleanup(ctx, logger)
	return runs, webhooks
}

func scheduleRuns(spec string, scheduler *billing.Scheduler, logger *observability.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		defer observability.RecoverPanic(logger, "scheduled billing run")
		summary, err := scheduler.Run(context.Background(), billing.RunRequest{Caller: auth.SystemCaller()})
		if err != nil {
			logger.WithError(err).Error("scheduled billing run failed")
			return
		}
		logSummary(logger, summary)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule billing runs: %w", err)
	}
	return c, nil
}

func runOnceAndExit(ctx context.Context, scheduler *billing.Scheduler, logger *observability.Logger) error {
	summary, err := scheduler.Run(ctx, billing.RunRequest{
		Caller:         auth.SystemCaller(),
		SubscriptionID: *subscriptionID,
		AccountID:      *accountID,
	})
	if err != nil {
		return fmt.Errorf("billing run failed: %w", err)
	}
	logSummary(logger, summary)
	return nil
}

func logSummary(logger *observability.Logger, summary *billing.RunSummary) {
	logger.WithFields(map[string]interface{}{
		"run_id":    summary.RunID,
		"processed": summary.Processed,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
	}).Info("billing run completed")
}
