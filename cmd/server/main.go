package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/camforge/camforge-ledger/internal/api/middleware"
	"github.com/camforge/camforge-ledger/internal/api/rest"
	"github.com/camforge/camforge-ledger/internal/config"
	"github.com/camforge/camforge-ledger/internal/ledger"
	"github.com/camforge/camforge-ledger/internal/pkg/logger"
	"github.com/camforge/camforge-ledger/internal/pkg/tracing"
	"github.com/camforge/camforge-ledger/internal/repository"
	"github.com/camforge/camforge-ledger/migrations"
)

const serviceName = "camforge-ledger"

func main() {
	log := logger.StdLogger()

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load config", "error", err.Error())
		os.Exit(1)
	}
	log.Info("configuration loaded",
		"port", cfg.Port, "driver", cfg.DatabaseDriver, "archive_dir", cfg.ArchiveDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := tracing.Init(serviceName, cfg.OTLPEndpoint, cfg.TraceSamplingRate)
		if err != nil {
			log.Warn("tracing disabled", "error", err.Error())
		} else {
			defer shutdown()
			log.Info("tracing enabled", "endpoint", cfg.OTLPEndpoint)
		}
	}

	repo, err := openRepository(cfg)
	if err != nil {
		log.Error("failed to open store", "error", err.Error())
		os.Exit(1)
	}
	defer repo.Close()

	if err := runMigrations(repo, cfg.DatabaseDriver); err != nil {
		log.Error("failed to run migrations", "error", err.Error())
		os.Exit(1)
	}
	log.Info("database migrations completed")

	chain := ledger.NewChain(repo, log)
	verifier := ledger.NewVerifier(repo, log, cfg.VerifyPageSize)
	archiver := ledger.NewArchiver(repo, verifier, cfg.ArchiveDir, log)

	if cfg.VerifyIntervalSec > 0 {
		scheduler := ledger.NewVerifyScheduler(verifier, time.Duration(cfg.VerifyIntervalSec)*time.Second, log)
		go scheduler.Run(ctx)
		log.Info("scheduled verification enabled", "interval_sec", cfg.VerifyIntervalSec)
	}

	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Tracing)
	router.Use(middleware.StructuredLog)
	maxBody := int64(cfg.MaxBodyBytes)
	if maxBody <= 0 {
		maxBody = 512 * 1024
	}
	router.Use(middleware.MaxBodySize(maxBody))

	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	handler := rest.NewHandler(chain, verifier, archiver, repo, retention, log)
	handler.SetupRoutes(router)

	healthz := rest.NewHealthzHandler(repo, chain)
	router.HandleFunc("/healthz/live", healthz.Live).Methods("GET")
	router.HandleFunc("/healthz/ready", healthz.Ready).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: true,
	})

	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      c.Handler(router),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err.Error())
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ShutdownTimeoutSec)*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("forced shutdown", "error", err.Error())
	}
	log.Info("server exited")
}

func openRepository(cfg *config.Config) (repository.LedgerRepository, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		return repository.NewPostgresRepository(cfg.DatabaseDSN)
	default:
		return repository.NewSQLiteRepository(cfg.DatabaseDSN)
	}
}

func runMigrations(repo repository.LedgerRepository, driver string) error {
	name := fmt.Sprintf("001_ledger_%s.sql", driver)
	sql, err := migrations.FS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}
	type migrator interface{ RunMigrations(string) error }
	m, ok := repo.(migrator)
	if !ok {
		return fmt.Errorf("store does not support migrations")
	}
	return m.RunMigrations(string(sql))
}
