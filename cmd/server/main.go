package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetforge/backend/internal/api"
	"github.com/fleetforge/backend/internal/app"
	"github.com/fleetforge/backend/internal/config"
	"github.com/fleetforge/backend/internal/logging"
)

func main() {
	processTasks := flag.Bool("process-tasks", true, "run task handlers in this process (always on without NATS)")
	flag.Parse()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid config: %v", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	// 2. Service graph
	a, err := app.Build(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to start: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Background tasks
	if *processTasks || !a.Distributed() {
		if err := a.StartWorkers(ctx); err != nil {
			logger.Fatalf("Failed to start workers: %v", err)
		}
	}

	// 4. API Server
	handler := api.NewServer(a.Service, a.Auth, api.Options{
		CORSOrigins: cfg.CORSOrigins,
		Metrics:     a.Metrics.Handler(),
		Logger:      logger,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":          cfg.Port,
			"auth_disabled": cfg.AuthDisabled,
			"cors_origins":  cfg.CORSOrigins,
		}).Info("FleetForge API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown incomplete")
	}
	a.Close()
}
