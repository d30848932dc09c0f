// Casedesk is a customer support case management service: it ingests inbound
// messages from email and chat, maintains one open case per customer,
// escalates cases that match urgency rules, and notifies support staff.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-casedesk/internal/config"
	httpapi "github.com/tbourn/go-casedesk/internal/http"
	"github.com/tbourn/go-casedesk/internal/ingest"
	"github.com/tbourn/go-casedesk/internal/notify"
	"github.com/tbourn/go-casedesk/internal/observability"
	"github.com/tbourn/go-casedesk/internal/repo"
	"github.com/tbourn/go-casedesk/internal/rules"
	"github.com/tbourn/go-casedesk/internal/services"
	"github.com/tbourn/go-casedesk/internal/sweeper"
	"github.com/tbourn/go-casedesk/internal/sysutil"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// ledgerRepoShim adapts the ledger free functions to services.LedgerRepo.
type ledgerRepoShim struct{}

func (ledgerRepoShim) HasProcessed(ctx context.Context, db *gorm.DB, externalID, source string) (bool, error) {
	return repo.HasProcessed(ctx, db, externalID, source)
}

func (ledgerRepoShim) RecordProcessed(ctx context.Context, db *gorm.DB, externalID, source string, caseID *string) error {
	return repo.RecordProcessed(ctx, db, externalID, source, caseID)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	// Best-effort .env load for local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	logger := log.With().Str("service", "casedesk").Logger()
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if sqlDB, derr := db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
	}()
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info().Str("db_path", cfg.DBPath).Msg("database ready")

	otelShutdown, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	if cfg.OTEL.Enabled {
		// Per-query spans under the request and lifecycle spans.
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return fmt.Errorf("gorm tracing: %w", err)
		}
	}

	ruleCfg := rules.Config{
		UrgentKeywords:      cfg.Escalation.UrgentKeywords,
		InactivityThreshold: cfg.Escalation.InactivityThreshold,
		FollowupThreshold:   cfg.Escalation.FollowupThreshold,
	}

	// The worker pools get their own context: the signal context stops the
	// server and the producers, while events already queued drain with a
	// live context. workerCancel fires only after the pools have closed.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	notifier := notify.NewSlackNotifier(notify.SlackConfig{
		BotToken: cfg.Slack.BotToken,
		Channels: map[notify.Category]string{
			notify.CategorySupport:    cfg.Slack.SupportChannel,
			notify.CategoryEscalation: cfg.Slack.AlertingChannel,
			notify.CategoryClosure:    cfg.Slack.LoggingChannel,
		},
		MaxRetries: cfg.Slack.MaxRetries,
		BaseDelay:  cfg.Slack.BaseDelay,
		MaxDelay:   cfg.Slack.MaxDelay,
		RPS:        cfg.Slack.RPS,
		Burst:      cfg.Slack.Burst,
	}, logger)
	dispatcher := notify.NewDispatcher(workerCtx, notifier, cfg.Dispatch.QueueSize, cfg.Dispatch.Workers, logger)

	cases := httpapi.NewCaseService(db)
	lifecycle := &services.LifecycleService{
		DB:           db,
		Cases:        cases,
		Ledger:       ledgerRepoShim{},
		Notify:       dispatcher,
		Admins:       cfg.AdminIDs,
		Rules:        ruleCfg,
		MaxBodyRunes: cfg.MaxBodyRunes,
	}

	queue := ingest.NewQueue(workerCtx, lifecycle, cfg.Ingest.QueueSize, cfg.Ingest.Workers, logger)

	if cfg.Ingest.EmailEnabled {
		fetcher, err := ingest.NewSpoolFetcher(cfg.Ingest.EmailSpoolDir, logger)
		if err != nil {
			return fmt.Errorf("email spool: %w", err)
		}
		poller := ingest.NewPoller(fetcher, queue, cfg.Ingest.EmailPollInterval, logger)
		go poller.Run(ctx)
		logger.Info().
			Str("spool_dir", cfg.Ingest.EmailSpoolDir).
			Dur("interval", cfg.Ingest.EmailPollInterval).
			Msg("email ingestion enabled")
	}

	sw := sweeper.New(db, cases, dispatcher, sweeper.Config{
		SweepInterval:   cfg.Escalation.SweepInterval,
		AlertInterval:   cfg.Escalation.AlertResendInterval,
		LedgerRetention: cfg.LedgerRetention,
		Rules:           ruleCfg,
	}, logger)
	go sw.Run(ctx)

	r := gin.New()
	httpapi.RegisterRoutes(r, db, cases, queue, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}

	// Drain in dependency order: stop accepting work, then stop delivering.
	// Only then cancel the worker context, so queued events and pending
	// notifications complete instead of failing on a dead context.
	queue.Close()
	dispatcher.Close()
	workerCancel()

	if err := otelShutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("otel shutdown")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// compile-time interface checks
var (
	_ services.LedgerRepo = ledgerRepoShim{}
	_ ingest.Fetcher      = (*ingest.SpoolFetcher)(nil)
	_ ingest.Processor    = (*services.LifecycleService)(nil)
)
