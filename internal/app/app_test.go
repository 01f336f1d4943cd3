package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetforge/backend/internal/config"
	"github.com/fleetforge/backend/internal/store"
)

const testCatalog = `
providers:
  mock:
    regions:
      - name: local
        zones:
          - name: a
            instance_types: [small]
dns_zones:
  - name: example.com
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(catalogPath, []byte(testCatalog), 0o644); err != nil {
		t.Fatal(err)
	}
	return &config.Config{
		AuthDisabled: true,
		DatabaseURL:  "sqlite://" + filepath.Join(dir, "app.db"),
		CatalogPath:  catalogPath,
		ProviderMock: true,
		WorkDir:      dir,
		MaxRetry:     1,
		WaitTime:     time.Millisecond,
		QueueWorkers: 1,
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func TestBuild(t *testing.T) {
	cfg := testConfig(t)
	a, err := Build(cfg, quietLogger())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer a.Close()

	if _, ok := a.Drivers.Get("mock"); !ok {
		t.Error("mock driver not registered")
	}
	if names := a.Drivers.Names(); len(names) != 1 {
		t.Errorf("drivers = %v, want only mock", names)
	}
	if !a.Zones.Configured() || a.Zones.Default() != "example.com" {
		t.Errorf("zones = %v", a.Zones.Zones())
	}
	if a.Distributed() {
		t.Error("Distributed() = true without NATS_URL")
	}
	if err := a.StartWorkers(context.Background()); err != nil {
		t.Fatalf("StartWorkers() error = %v", err)
	}

	u := &store.User{Email: "dev@example.com"}
	if err := a.Store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
}

func TestBuildMissingCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.CatalogPath = filepath.Join(t.TempDir(), "absent.yaml")
	a, err := Build(cfg, quietLogger())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer a.Close()
	if a.Zones.Configured() {
		t.Error("zones configured from an absent catalog")
	}
}

func TestBuildRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"no provider", func(c *config.Config) { c.ProviderMock = false }},
		{"bad ssh key", func(c *config.Config) { c.OperatorSSHKey = "not a key" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			if a, err := Build(cfg, quietLogger()); err == nil {
				a.Close()
				t.Fatal("Build() error = nil")
			}
		})
	}
}
