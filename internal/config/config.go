package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPAddr           = ":8080"
	defaultMetricsAddr        = ":9090"
	defaultSyncPageLimit      = 100
	defaultSyncConcurrency    = 4
	defaultAuthRefreshBuffer  = 60 * time.Second
	defaultSyncLockMode       = "memory"
	defaultRateLimitTier      = "free"
	defaultProviderMaxRetries = 2
)

type Config struct {
	DatabaseURL             string
	HTTPAddr                string
	MetricsAddr             string
	PublicBaseURL           string
	OAuthStateSecret        string
	SyncPageLimit           int
	SyncConcurrency         int
	AuthRefreshBuffer       time.Duration
	SyncLockMode            string
	RateLimitTier           string
	ConnectorDefinitionsDir string
	ProviderMaxRetries      int
}

type LoadOptions struct {
	RequireDatabaseURL bool
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: true})
}

func LoadOptionalDB() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: false})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		HTTPAddr:                getenvDefault("HTTP_ADDR", defaultHTTPAddr),
		MetricsAddr:             getenvDefault("METRICS_ADDR", defaultMetricsAddr),
		PublicBaseURL:           strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/"),
		OAuthStateSecret:        os.Getenv("OAUTH_STATE_SECRET"),
		SyncPageLimit:           getenvIntDefault("SYNC_PAGE_LIMIT", defaultSyncPageLimit),
		SyncConcurrency:         getenvIntDefault("SYNC_CONCURRENCY", defaultSyncConcurrency),
		AuthRefreshBuffer:       defaultAuthRefreshBuffer,
		SyncLockMode:            strings.ToLower(strings.TrimSpace(getenvDefault("SYNC_LOCK_MODE", defaultSyncLockMode))),
		RateLimitTier:           strings.ToLower(strings.TrimSpace(getenvDefault("RATE_LIMIT_TIER", defaultRateLimitTier))),
		ConnectorDefinitionsDir: strings.TrimSpace(os.Getenv("CONNECTOR_DEFINITIONS_DIR")),
		ProviderMaxRetries:      defaultProviderMaxRetries,
	}

	if v := strings.TrimSpace(os.Getenv("AUTH_REFRESH_BUFFER")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return cfg, fmt.Errorf("AUTH_REFRESH_BUFFER must be a non-negative duration, got %q", v)
		}
		cfg.AuthRefreshBuffer = d
	}
	if v := strings.TrimSpace(os.Getenv("PROVIDER_MAX_RETRIES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("PROVIDER_MAX_RETRIES must be a non-negative integer, got %q", v)
		}
		cfg.ProviderMaxRetries = n
	}

	switch cfg.SyncLockMode {
	case "memory", "advisory", "lease":
	default:
		return cfg, fmt.Errorf("SYNC_LOCK_MODE must be one of: memory, advisory, lease")
	}

	if opts.RequireDatabaseURL && cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	return cfg, nil
}

// OAuthClient returns the {PROVIDER}_CLIENT_ID and {PROVIDER}_CLIENT_SECRET
// values for a connector slug.
func OAuthClient(slug string) (clientID, clientSecret string) {
	prefix := EnvPrefix(slug)
	return strings.TrimSpace(os.Getenv(prefix + "_CLIENT_ID")), strings.TrimSpace(os.Getenv(prefix + "_CLIENT_SECRET"))
}

// EnvPrefix upper-cases a connector slug for use in environment variable
// names, e.g. "google-ads" becomes "GOOGLE_ADS".
func EnvPrefix(slug string) string {
	name := strings.ToUpper(strings.TrimSpace(slug))
	return strings.NewReplacer("-", "_", ".", "_").Replace(name)
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
