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

	"github.com/cassiomorais/paylink/internal/bootstrap"
	"github.com/cassiomorais/paylink/internal/controller"
	"github.com/cassiomorais/paylink/internal/repository/postgres"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "paylink-api", "paylink")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := postgres.MigrateUp(app.Config.Database.DatabaseURL()); err != nil {
		app.Logger.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	svc, err := app.Wire()
	if err != nil {
		app.Logger.Fatal().Err(err).Msg("Failed to wire services")
	}

	router := controller.NewRouter(controller.RouterDeps{
		HealthChecks: []controller.HealthCheck{
			{Name: "database", Ping: app.PingDatabase},
			{Name: "redis", Ping: app.PingRedis},
		},
		PaymentService:   svc.Payments,
		WebhookService:   svc.Webhooks,
		IdempotencyStore: svc.IdempotencyRepo,
		Metrics:          app.Metrics,
		CORSConfig:       app.Config.Server.CORS,
		JWTSecret:        app.Config.Auth.JWTSecret,
		WebhookRateLimit: app.Config.RateLimit.WebhookPerMinute,
	})

	addr := fmt.Sprintf(":%d", app.Config.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  app.Config.Server.ReadTimeout,
		WriteTimeout: app.Config.Server.WriteTimeout,
		IdleTimeout:  app.Config.Server.IdleTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.Logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return cleanupIdempotencyKeys(gCtx, app.Logger, svc.IdempotencyRepo, time.Hour)
	})

	g.Go(func() error {
		<-gCtx.Done()
		app.Logger.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Server error")
	}
	app.Logger.Info().Msg("Server exited")
}

// cleanupIdempotencyKeys drops expired idempotency entries until ctx ends.
func cleanupIdempotencyKeys(ctx context.Context, logger zerolog.Logger, repo *postgres.IdempotencyRepository, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		n, err := repo.Cleanup(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("Idempotency cleanup failed")
			continue
		}
		if n > 0 {
			logger.Debug().Int64("removed", n).Msg("Expired idempotency keys removed")
		}
	}
}
