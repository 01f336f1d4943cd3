package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server
	Port         string
	APIURL       string
	AuthDisabled bool
	JWTSecret    string
	CORSOrigins  []string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// Provider catalog and credentials
	CatalogPath        string
	ProviderMock       bool
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	GCPProject         string

	// DNS
	DNSZones           []string
	CloudflareAPIToken string

	// Git hosting
	GitPlaybookRepoURL string
	GitUsername        string
	GitEmail           string
	GitDefaultUsername string
	GitDefaultToken    string

	// Configuration stage
	AnsibleScriptPath string
	TemplatesDir      string
	WorkDir           string
	OperatorSSHKey    string

	// Background tasks
	MaxRetry          int
	WaitTime          time.Duration
	QueueWorkers      int
	NATSURL           string
	NATSSubjectPrefix string

	// Cache
	CacheDir string
}

// Load reads .env (local development), then the environment, then overlays secrets from
// GCP Secret Manager when GCP_PROJECT is set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Printf("Loaded environment from .env")
	}

	gcpProject := getEnv("GCP_PROJECT", "")

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		APIURL:             getEnv("API_URL", "http://localhost:8080"),
		AuthDisabled:       getEnv("AUTH_DISABLED", "") == "true",
		JWTSecret:          getEnv("JWT_SECRET", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
		DatabaseURL:        getEnv("DATABASE_URL", "sqlite://./fleetforge.db"),
		CatalogPath:        getEnv("CATALOG_PATH", "./catalog.yaml"),
		ProviderMock:       getEnv("PROVIDER_MOCK", "") == "true",
		AWSAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		GCPProject:         gcpProject,
		DNSZones:           splitList(getEnv("DNS_ZONES", "")),
		CloudflareAPIToken: getEnv("CLOUDFLARE_API_TOKEN", ""),
		GitPlaybookRepoURL: getEnv("GIT_PLAYBOOK_REPO_URL", ""),
		GitUsername:        getEnv("GIT_USERNAME", "fleetforge"),
		GitEmail:           getEnv("GIT_EMAIL", "fleetforge@localhost"),
		GitDefaultUsername: getEnv("GIT_DEFAULT_USERNAME", ""),
		GitDefaultToken:    getEnv("GIT_DEFAULT_TOKEN", ""),
		AnsibleScriptPath:  getEnv("ANSIBLE_SCRIPT_PATH", "./ansible_script.sh"),
		TemplatesDir:       getEnv("TEMPLATES_DIR", ""),
		WorkDir:            getEnv("WORK_DIR", os.TempDir()),
		OperatorSSHKey:     getEnv("OPERATOR_SSH_KEY", ""),
		MaxRetry:           getEnvInt("MAX_RETRY", 5),
		WaitTime:           time.Duration(getEnvInt("WAIT_TIME", 10)) * time.Second,
		QueueWorkers:       getEnvInt("QUEUE_WORKERS", 4),
		NATSURL:            getEnv("NATS_URL", ""),
		NATSSubjectPrefix:  getEnv("NATS_SUBJECT_PREFIX", "fleetforge.tasks"),
		CacheDir:           getEnv("CACHE_DIR", "./data/cache"),
	}

	// Sensitive values: Secret Manager first, environment as fallback
	secrets := map[string]*string{
		"DATABASE_URL":          &cfg.DatabaseURL,
		"AWS_SECRET_ACCESS_KEY": &cfg.AWSSecretAccessKey,
		"GIT_DEFAULT_TOKEN":     &cfg.GitDefaultToken,
		"CLOUDFLARE_API_TOKEN":  &cfg.CloudflareAPIToken,
		"JWT_SECRET":            &cfg.JWTSecret,
	}
	for name, dst := range secrets {
		if value, err := getSecret(gcpProject, name); err == nil && value != "" {
			*dst = value
		}
	}

	corsOrigins := getEnv("CORS_ORIGINS", "*")
	if corsOrigins == "" || corsOrigins == "*" {
		cfg.CORSOrigins = []string{"*"}
	} else {
		cfg.CORSOrigins = splitList(corsOrigins)
	}

	return cfg, nil
}

// Validate checks that required configuration is present
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required (set via GCP Secret Manager or environment)")
	}
	if !c.AuthDisabled && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required unless AUTH_DISABLED=true")
	}
	if c.MaxRetry < 0 {
		return fmt.Errorf("MAX_RETRY must be >= 0, got %d", c.MaxRetry)
	}
	if c.QueueWorkers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be >= 1, got %d", c.QueueWorkers)
	}
	return nil
}

// getSecret retrieves a secret from GCP Secret Manager
// Returns empty string and nil error if Secret Manager is not available
func getSecret(project, secretName string) (string, error) {
	if project == "" {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		log.Printf("Secret Manager client creation failed (falling back to env): %v", err)
		return "", nil
	}
	defer client.Close()

	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", project, secretName)
	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: name,
	})
	if err != nil {
		// secret may not exist, env value stays
		return "", nil
	}

	return string(result.Payload.Data), nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid integer for %s=%q, using %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
