// Command worker consumes instance tasks from NATS. Run as many as needed; they share
// one queue group.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/fleetforge/backend/internal/app"
	"github.com/fleetforge/backend/internal/config"
	"github.com/fleetforge/backend/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if cfg.NATSURL == "" {
		logrus.Fatal("NATS_URL is required for a standalone worker")
	}
	// workers never issue tokens
	cfg.AuthDisabled = true
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid config: %v", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	a, err := app.Build(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to start: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.StartWorkers(ctx); err != nil {
		logger.Fatalf("Failed to consume tasks: %v", err)
	}
	logger.WithFields(logrus.Fields{
		"workers": cfg.QueueWorkers,
		"subject": cfg.NATSSubjectPrefix,
	}).Info("Worker running")

	<-ctx.Done()
	logger.Info("Draining tasks")
	a.Close()
}
