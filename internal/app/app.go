// Package app assembles the service graph shared by the API server and the worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/fleetforge/backend/internal/auth"
	"github.com/fleetforge/backend/internal/bootstrap"
	"github.com/fleetforge/backend/internal/cache"
	"github.com/fleetforge/backend/internal/config"
	"github.com/fleetforge/backend/internal/dns"
	"github.com/fleetforge/backend/internal/gitlab"
	"github.com/fleetforge/backend/internal/metrics"
	"github.com/fleetforge/backend/internal/notify"
	"github.com/fleetforge/backend/internal/orchestrator"
	"github.com/fleetforge/backend/internal/provisioner"
	"github.com/fleetforge/backend/internal/sshutil"
	"github.com/fleetforge/backend/internal/store"
	"github.com/fleetforge/backend/internal/tasks"
)

type App struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Catalog *config.Catalog
	Store   *store.SQLStore
	Cache   *cache.BadgerCache
	Metrics *metrics.Metrics
	Drivers *provisioner.Registry
	Zones   *dns.Registry
	Worker  *tasks.Worker
	Service *orchestrator.Service
	Auth    *auth.Authenticator

	memory *tasks.MemoryQueue
	nats   *tasks.NATSQueue
}

// Build opens the store, cache and queue and wires the orchestrator on top of them.
// With NATS_URL unset tasks run on an in-process pool.
func Build(cfg *config.Config, logger *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	catalog, err := LoadCatalog(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Catalog = catalog

	a.Store, err = store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	a.Cache, err = cache.Open(cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	// DNS
	var records dns.Records
	if cfg.CloudflareAPIToken != "" {
		records = dns.NewCloudflareClient(dns.CloudflareConfig{APIToken: cfg.CloudflareAPIToken}, logger)
	}
	a.Zones = dns.NewRegistry(catalog, cfg.DNSZones, records)

	a.Drivers = BuildDrivers(cfg, catalog, a.Zones, a.Cache, logger)
	if len(a.Drivers.Names()) == 0 {
		return nil, errors.New("no provider configured (set PROVIDER_MOCK, AWS_ACCESS_KEY_ID or GCP_PROJECT)")
	}

	sshKey := ""
	if cfg.OperatorSSHKey != "" {
		key, err := sshutil.ParseAuthorizedKey(cfg.OperatorSSHKey)
		if err != nil {
			return nil, fmt.Errorf("invalid OPERATOR_SSH_KEY: %w", err)
		}
		sshKey = key.Line
		logger.WithField("fingerprint", key.Fingerprint).Info("Operator SSH key loaded")
	}

	stager := bootstrap.NewStager(bootstrap.Config{
		PlaybookRepoURL:  cfg.GitPlaybookRepoURL,
		ScriptPath:       cfg.AnsibleScriptPath,
		TemplatesDir:     cfg.TemplatesDir,
		WorkDir:          cfg.WorkDir,
		GitUsername:      cfg.GitUsername,
		GitEmail:         cfg.GitEmail,
		APIURL:           cfg.APIURL,
		SSHAuthorizedKey: sshKey,
	}, nil, logger)

	a.Metrics = metrics.New()
	a.Worker = tasks.NewWorker(logger, a.Metrics)

	var queue tasks.Queue
	var notifier notify.Notifier
	if cfg.NATSURL != "" {
		a.nats, err = tasks.NewNATSQueue(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
		if err != nil {
			return nil, err
		}
		queue = a.nats
		notifier = notify.NewNATSNotifier(a.nats.Conn(), cfg.NATSSubjectPrefix)
	} else {
		a.memory = tasks.NewMemoryQueue(a.Worker, cfg.QueueWorkers, cfg.QueueWorkers*16)
		queue = a.memory
		notifier = notify.NewLogNotifier(logger)
	}

	a.Service = orchestrator.NewService(orchestrator.Deps{
		Store:    a.Store,
		Drivers:  a.Drivers,
		Git:      gitlab.NewClient(logger),
		Zones:    a.Zones,
		Records:  a.Zones,
		Stager:   stager,
		Queue:    queue,
		Notifier: notifier,
		Metrics:  a.Metrics,
		Logger:   logger,
	}, orchestrator.Config{
		MaxRetry:           cfg.MaxRetry,
		WaitTime:           cfg.WaitTime,
		GitDefaultUsername: cfg.GitDefaultUsername,
		GitDefaultToken:    cfg.GitDefaultToken,
	})
	a.Service.RegisterHandlers(a.Worker)

	a.Auth = auth.New(cfg.JWTSecret, a.Store, cfg.AuthDisabled, logger)

	logger.WithFields(logrus.Fields{
		"providers": a.Drivers.Names(),
		"dns_zones": a.Zones.Zones(),
		"nats":      cfg.NATSURL != "",
	}).Info("Service graph ready")
	ok = true
	return a, nil
}

// Distributed reports whether tasks travel through NATS.
func (a *App) Distributed() bool { return a.nats != nil }

// StartWorkers begins processing tasks. With NATS this joins the shared consumer group.
func (a *App) StartWorkers(ctx context.Context) error {
	if a.memory != nil {
		a.memory.Start(ctx)
		return nil
	}
	return a.nats.Consume(ctx, a.Worker, a.Config.QueueWorkers)
}

// Close drains the queue first so running handlers still have a store.
func (a *App) Close() {
	if a.memory != nil {
		a.memory.Close()
	}
	if a.nats != nil {
		if err := a.nats.Close(); err != nil {
			a.Logger.WithError(err).Warn("Failed to close task queue")
		}
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.Logger.WithError(err).Warn("Failed to close cache")
		}
	}
	if a.Store != nil {
		a.Store.Close()
	}
}

// LoadCatalog reads the provider catalog. A missing file yields an empty catalog.
func LoadCatalog(cfg *config.Config, logger *logrus.Logger) (*config.Catalog, error) {
	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err == nil {
		return catalog, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		logger.WithField("path", cfg.CatalogPath).Warn("Provider catalog not found, starting with an empty one")
		return &config.Catalog{}, nil
	}
	return nil, err
}

// BuildDrivers registers every provider the configuration enables.
func BuildDrivers(cfg *config.Config, catalog *config.Catalog, zones provisioner.RecordPublisher, c provisioner.Cache, logger *logrus.Logger) *provisioner.Registry {
	drivers := provisioner.NewRegistry()
	if cfg.ProviderMock {
		drivers.Register(provisioner.NewMockDriver("mock", catalog))
	}
	if cfg.AWSAccessKeyID != "" {
		drivers.Register(provisioner.NewAWSDriver(provisioner.AWSConfig{
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			Catalog:         catalog,
			DNS:             zones,
			Cache:           c,
			Logger:          logger,
		}))
	}
	if cfg.GCPProject != "" {
		drivers.Register(provisioner.NewGCPDriver(provisioner.GCPConfig{
			Project: cfg.GCPProject,
			Catalog: catalog,
			DNS:     zones,
			Logger:  logger,
		}))
	}
	return drivers
}
