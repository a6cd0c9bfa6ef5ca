// Civitas: group discussion platform backend.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	civitasapi "github.com/jmcalloway/civitas/internal/api"
	"github.com/jmcalloway/civitas/internal/api/handler"
	"github.com/jmcalloway/civitas/internal/api/middleware"
	"github.com/jmcalloway/civitas/internal/auth"
	"github.com/jmcalloway/civitas/internal/config"
	"github.com/jmcalloway/civitas/internal/db"
	"github.com/jmcalloway/civitas/internal/health"
	"github.com/jmcalloway/civitas/internal/media"
	"github.com/jmcalloway/civitas/internal/observability"
	"github.com/jmcalloway/civitas/internal/publish"
	"github.com/jmcalloway/civitas/internal/seed"
	"github.com/jmcalloway/civitas/internal/storage"
	"github.com/jmcalloway/civitas/internal/version"
	"github.com/jmcalloway/civitas/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability -------------------------------------------------------
	obs, log, err := observability.New(ctx, &observability.Config{
		ServiceName:    "civitas",
		ServiceVersion: version.Version,
		Environment:    cfg.OTel.Environment,
		LogLevel:       cfg.Log.Level,
		LogFormat:      cfg.Log.Format,
		OTLPEndpoint:   cfg.OTel.OTLPEndpoint,
		SampleRatio:    cfg.OTel.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer obs.Shutdown(context.Background())
	slog.SetDefault(log)
	log.Info("starting civitas", "version", version.Version, "commit", version.Commit, "db_driver", cfg.DB.Driver)

	// --- Database ------------------------------------------------------------
	// db.New opens the connection, runs migrations (AutoMigrate for SQLite,
	// golang-migrate for Postgres), and returns the GORM handle plus an
	// optional pgxpool (non-nil only for postgres, used by River).
	gormDB, pool, err := db.New(ctx, &cfg.DB)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	if pool != nil {
		defer pool.Close()
	}
	log.Info("database ready", "driver", cfg.DB.Driver)

	// --- Seed defaults -------------------------------------------------------
	if err := seed.EnsureDefaults(ctx, gormDB, seed.Options{
		AdminEmail:    cfg.App.SeedAdminEmail,
		AdminPassword: cfg.App.SeedAdminPassword,
		GroupSlug:     cfg.App.SeedGroupSlug,
	}, log); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}

	// --- Blob store ----------------------------------------------------------
	blobStore, err := storage.NewS3Store(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	// --- Domain services -----------------------------------------------------
	events := auth.NewRecorder(gormDB, log)
	identities := auth.NewIdentityResolver(gormDB, events)
	sessions := auth.NewSessionManager(gormDB, cfg.Auth.SessionTTL)
	rotator := auth.NewRefreshRotator(gormDB, sessions, events, cfg.Auth.RefreshTTL)
	usernames := auth.NewUsernameAllocator(gormDB)

	mediaSvc := media.NewService(gormDB, blobStore, log, media.Options{
		MaxFileSize:      cfg.Upload.MaxFileSize,
		MaxFilesPerDraft: cfg.Upload.MaxFilesPerDraft,
		UploadURLTTL:     cfg.Upload.URLTTL,
		StaleThreshold:   cfg.Upload.StaleAfter,
	})

	// The publisher is built first without a queue, then wired once the
	// worker exists; fanout is best-effort either way.
	publisher := publish.NewService(gormDB, publish.NewSanitizer(), nil, log, publish.Options{
		MaxContentLength: cfg.Publish.MaxContentLength,
		PostBaseURL:      cfg.Publish.PostBaseURL,
	})

	// --- Worker queue --------------------------------------------------------
	// River migrations only run when Postgres is available.
	if pool != nil {
		if err := worker.MigrateRiver(ctx, pool); err != nil {
			return fmt.Errorf("river migrations: %w", err)
		}
		log.Info("river migrations applied")
	}

	wq, err := worker.New(ctx, pool, publisher, mediaSvc, worker.Options{
		Driver:        cfg.DB.Driver,
		Concurrency:   cfg.Worker.Concurrency,
		SweepInterval: cfg.Worker.SweepInterval,
	}, log)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	publisher.SetQueue(wq)
	if err := wq.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := wq.Stop(stopCtx); err != nil {
			log.Error("worker stop error", "err", err)
		}
	}()

	// --- HTTP routes ---------------------------------------------------------
	healthHandler := health.New(health.Dependency{Name: "db", Pinger: db.NewPinger(gormDB)})

	handlers := civitasapi.Handlers{
		Health: healthHandler,
		Auth: handler.NewAuthHandler(
			gormDB, identities, sessions, rotator, usernames, events, log,
			cfg.JWT.Secret, cfg.JWT.AccessTTL,
		),
		Username: handler.NewUsernameHandler(usernames),
		Drafts:   handler.NewDraftHandler(publisher, mediaSvc),
		Uploads:  handler.NewUploadHandler(mediaSvc),
		Publish:  handler.NewPublishHandler(publisher),
	}

	mux := http.NewServeMux()
	civitasapi.RegisterRoutes(mux, handlers, civitasapi.Options{
		JWTSecret:     cfg.JWT.Secret,
		GatewaySecret: cfg.Auth.GatewaySecret,
		Sessions:      sessions,
		RateLimiter:   middleware.NewRateLimiter(cfg.Auth.RateLimitRPS, cfg.Auth.RateLimitBurst),
	})
	// Prometheus metrics endpoint
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Start server --------------------------------------------------------
	log.Info("http server listening", "addr", srv.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info("server stopped cleanly")
	return nil
}
