package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_URL", "HTTP_ADDR", "METRICS_ADDR", "PUBLIC_BASE_URL", "OAUTH_STATE_SECRET",
		"SYNC_PAGE_LIMIT", "SYNC_CONCURRENCY", "AUTH_REFRESH_BUFFER", "SYNC_LOCK_MODE",
		"RATE_LIMIT_TIER", "CONNECTOR_DEFINITIONS_DIR", "PROVIDER_MAX_RETRIES",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadWithOptions_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadWithOptions(LoadOptions{RequireDatabaseURL: false})
	if err != nil {
		t.Fatalf("LoadWithOptions() error = %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.MetricsAddr != ":9090" {
		t.Fatalf("addrs = %q/%q, want :8080/:9090", cfg.HTTPAddr, cfg.MetricsAddr)
	}
	if cfg.SyncPageLimit != 100 || cfg.SyncConcurrency != 4 {
		t.Fatalf("SyncPageLimit/SyncConcurrency = %d/%d, want 100/4", cfg.SyncPageLimit, cfg.SyncConcurrency)
	}
	if cfg.AuthRefreshBuffer != time.Minute {
		t.Fatalf("AuthRefreshBuffer = %s, want 1m0s", cfg.AuthRefreshBuffer)
	}
	if cfg.SyncLockMode != "memory" || cfg.RateLimitTier != "free" || cfg.ProviderMaxRetries != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadWithOptions_ParsesOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SYNC_PAGE_LIMIT", "250")
	t.Setenv("AUTH_REFRESH_BUFFER", "2m")
	t.Setenv("SYNC_LOCK_MODE", "Advisory")
	t.Setenv("PUBLIC_BASE_URL", "https://tally.example.com/")
	t.Setenv("PROVIDER_MAX_RETRIES", "0")

	cfg, err := LoadWithOptions(LoadOptions{RequireDatabaseURL: false})
	if err != nil {
		t.Fatalf("LoadWithOptions() error = %v", err)
	}
	if cfg.SyncPageLimit != 250 || cfg.AuthRefreshBuffer.String() != "2m0s" || cfg.SyncLockMode != "advisory" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.PublicBaseURL != "https://tally.example.com" || cfg.ProviderMaxRetries != 0 {
		t.Fatalf("PublicBaseURL/ProviderMaxRetries = %q/%d", cfg.PublicBaseURL, cfg.ProviderMaxRetries)
	}
}

func TestLoadWithOptions_RejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"AUTH_REFRESH_BUFFER":  "soon",
		"SYNC_LOCK_MODE":       "zookeeper",
		"PROVIDER_MAX_RETRIES": "-1",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			if _, err := LoadWithOptions(LoadOptions{}); err == nil {
				t.Fatalf("LoadWithOptions() with %s=%q error = nil, want error", key, value)
			}
		})
	}
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want DATABASE_URL error")
	}
}

func TestOAuthClient(t *testing.T) {
	t.Setenv("GOOGLE_ADS_CLIENT_ID", " id ")
	t.Setenv("GOOGLE_ADS_CLIENT_SECRET", "secret")

	id, secret := OAuthClient("google-ads")
	if id != "id" || secret != "secret" {
		t.Fatalf("OAuthClient() = %q, %q", id, secret)
	}
}
