package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/inkread/backend/internal/auth"
	"github.com/inkread/backend/internal/config"
	"github.com/inkread/backend/internal/entitlement"
	"github.com/inkread/backend/internal/fx"
	"github.com/inkread/backend/internal/gateway/paypal"
	"github.com/inkread/backend/internal/gateway/razorpay"
	"github.com/inkread/backend/internal/ledger"
	"github.com/inkread/backend/internal/pricing"
	"github.com/inkread/backend/internal/reconcile"
	"github.com/inkread/backend/internal/sweeper"
	"github.com/inkread/backend/internal/users"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Repositories
	userRepo := users.NewRepository(pool)
	ledgerRepo := ledger.NewRepository(pool)

	// Pricing: fx rates with fallback, catalog bounds from config
	rates := fx.NewService(cfg.FXRatesURL, logger)
	resolver := pricing.NewResolver(rates,
		cfg.CompletePackPricePaise, cfg.PerChapterPricePaise,
		cfg.MinCustomChapters, cfg.FreeChapterLimit, cfg.TotalChapters)

	// Gateway adapters: razorpay for INR checkouts, paypal for everything else
	domestic := razorpay.New(cfg.RazorpayKeyID, cfg.RazorpayKeySecret)
	intl := paypal.New(cfg.PayPalBaseURL, cfg.PayPalClientID, cfg.PayPalClientSecret, cfg.PayPalWebhookID)

	granter := entitlement.NewGranter(userRepo)
	engine := reconcile.NewEngine(pool, ledgerRepo, resolver, granter, domestic, intl, logger)

	// Auth
	authSvc := auth.NewService(userRepo, cfg.JWTSecret)
	authHandler := auth.NewHandler(authSvc, logger)

	// Stale-pending sweeper (hourly)
	workers := river.NewWorkers()
	river.AddWorker(workers, sweeper.NewWorker(ledgerRepo, cfg.StalePendingAfter, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 2},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(time.Hour),
				func() (river.JobArgs, *river.InsertOpts) {
					return sweeper.SweepStalePurchasesArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, engine, intl, authSvc, authHandler, userRepo, logger)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (runs the sweeper)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	serverAddr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
