package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tsunagi-ai/tsunagi/internal/ai"
	"github.com/tsunagi-ai/tsunagi/internal/auth"
	"github.com/tsunagi-ai/tsunagi/internal/billing"
	"github.com/tsunagi-ai/tsunagi/internal/clock"
	"github.com/tsunagi-ai/tsunagi/internal/config"
	"github.com/tsunagi-ai/tsunagi/internal/credential"
	"github.com/tsunagi-ai/tsunagi/internal/ingest"
	"github.com/tsunagi-ai/tsunagi/internal/integration"
	"github.com/tsunagi-ai/tsunagi/internal/model"
	"github.com/tsunagi-ai/tsunagi/internal/ratelimit"
	"github.com/tsunagi-ai/tsunagi/internal/server"
	"github.com/tsunagi-ai/tsunagi/internal/storage"
	"github.com/tsunagi-ai/tsunagi/internal/syncer"
	"github.com/tsunagi-ai/tsunagi/internal/telemetry"
	"github.com/tsunagi-ai/tsunagi/internal/topics"
	"github.com/tsunagi-ai/tsunagi/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TSUNAGI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("tsunagi starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// Run embedded migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate real
	// failures (not "already exists").
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	clk := clock.System{}

	// Provider adapters: refresh, verification, decoding, OAuth connect.
	registry := integration.NewRegistryFromConfig(cfg)
	connector := integration.NewConnectorFromConfig(cfg)

	// Credential lifecycle manager.
	credMgr := credential.New(db, registry, clk, logger, cfg.SafetyWindow, cfg.ProactiveRefreshWindow)

	// Webhook ingestion and reconciliation.
	ingestor := ingest.New(db, registry, clk, logger)

	// Sync orchestrator.
	orchestrator := syncer.New(db, credMgr, ingestor, syncer.DefaultPullers(cfg.RESTTimeout), clk, logger, syncer.Options{
		CatchUpThreshold: cfg.CatchUpThreshold,
		CatchUpWindow:    cfg.CatchUpWindow,
		Concurrency:      cfg.TickConcurrency,
	})

	// Topic aggregation engine.
	topicEngine := topics.New(db, clk, logger).
		WithBatchSize(cfg.TopicBatchSize).
		WithThreshold(cfg.SimilarityThreshold)

	// Remote contact directories consulted by dossier assembly. Both read
	// through the credential manager, so a needs_reconnect tenant degrades
	// to local-only lookups.
	directories := []ai.Directory{
		integration.NewHubSpotDirectory(credMgr, "", cfg.RESTTimeout),
		integration.NewBullhornDirectory(credMgr, "", cfg.RESTTimeout),
	}

	// Review notifications.
	var notifier ai.Notifier
	if cfg.SlackBotToken != "" && cfg.SlackReviewChannel != "" {
		notifier = ai.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackReviewChannel)
		logger.Info("review notifications: slack", "channel", cfg.SlackReviewChannel)
	} else {
		logger.Info("review notifications: disabled (no SLACK_BOT_TOKEN / SLACK_REVIEW_CHANNEL)")
	}

	// AI recommendation pipeline.
	aiSvc := ai.New(db, directories, notifier, clk, logger)

	// Stripe billing (disabled mode when no secret key).
	billingSvc, err := billing.New(db, billing.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		PriceIDPro:    cfg.StripeProPriceID,
	}, logger)
	if err != nil {
		return fmt.Errorf("billing: %w", err)
	}
	if billingSvc.Enabled() {
		logger.Info("billing: stripe enabled")
	} else {
		logger.Info("billing: disabled (no STRIPE_SECRET_KEY)")
	}

	// Create rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Create HTTP server.
	handlers := server.NewHandlers(server.HandlersDeps{
		Store:       db,
		Credentials: credMgr,
		Syncer:      orchestrator,
		Ingestor:    ingestor,
		Topics:      topicEngine,
		AI:          aiSvc,
		Billing:     billingSvc,
		Connector:   connector,
		Registry:    registry,
		Clock:       clk,
		Logger:      logger,
		FrontendURL: cfg.FrontendCallbackURL,
	})
	srv := server.New(server.Config{
		Handlers:            handlers,
		JWTMgr:              jwtMgr,
		Limiter:             limiter,
		Logger:              logger,
		ServiceKeyHash:      cfg.ServiceKeyHash,
		CronSecret:          cfg.CronSecret,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Background loops: requeued-event drain, topic extraction drain,
	// expired-state and terminal-work cleanup.
	go retryDrainLoop(ctx, orchestrator, logger, cfg.RetryDrainInterval, cfg.RetryDrainBatch)
	go topicDrainLoop(ctx, topicEngine, logger, cfg.TopicDrainInterval)
	go janitorLoop(ctx, db, logger, cfg.JanitorInterval, cfg.WorkRetention)

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting new HTTP requests and drain
	// in-flight ones. Background loops observe ctx and stop on their own;
	// parked work survives restarts in the work queue.
	slog.Info("tsunagi shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	slog.Info("tsunagi stopped")
	return nil
}

// retryDrainLoop periodically replays events parked in the work queue after
// transient ingest failures.
func retryDrainLoop(ctx context.Context, orch *syncer.Orchestrator, logger *slog.Logger, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, interval)
			n, err := orch.ProcessRetries(opCtx, batch)
			cancel()
			if err != nil {
				logger.Warn("retry drain failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("retry drain processed", "count", n)
			}
		}
	}
}

// topicDrainLoop runs incremental topic aggregation over queued meetings.
func topicDrainLoop(ctx context.Context, engine *topics.Engine, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, interval)
			report, err := engine.Aggregate(opCtx, topics.Request{Mode: model.AggregateIncremental})
			cancel()
			if err != nil {
				logger.Warn("topic drain failed", "error", err)
				continue
			}
			if report.Processed > 0 {
				logger.Info("topic drain processed",
					"processed", report.Processed, "merged", report.Merged,
					"created", report.Created, "failed", report.Failed)
			}
		}
	}
}

// janitorLoop removes expired OAuth state tokens and terminal work-queue rows.
func janitorLoop(ctx context.Context, db *storage.DB, logger *slog.Logger, interval, workRetention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, time.Minute)
			if n, err := db.CleanupOAuthStates(opCtx); err != nil {
				logger.Warn("oauth state cleanup failed", "error", err)
			} else if n > 0 {
				logger.Info("oauth state cleanup deleted rows", "deleted", n)
			}
			if n, err := db.PurgeTerminalWork(opCtx, workRetention); err != nil {
				logger.Warn("work queue purge failed", "error", err)
			} else if n > 0 {
				logger.Info("work queue purge deleted rows", "deleted", n)
			}
			cancel()
		}
	}
}
