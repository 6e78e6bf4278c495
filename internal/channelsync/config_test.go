package channelsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const sampleConfig = `
listen: ":9090"
auth_secret: "api-secret"
credential_store_dsn: "sqlite:///var/lib/channelsync/creds.db"
session_store_dsn: "redis://localhost:6379/0"
state_backend_dsn: "file:///var/lib/channelsync/state.json"
remote_store_url: "https://objects.example.com"
remote_store_bucket: "snapshots"
upstream_base_url: "https://graph.example.com"
reconcile_interval: "12h"
session_ttl: "30m"
max_parallel: 8
providers:
  facebook:
    shared_secret: "fb-secret"
    verify_token: "fb-verify"
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Listen != ":9090" {
		t.Fatalf("listen: %q", cfg.Listen)
	}
	if cfg.ReconcileInterval.Std() != 12*time.Hour {
		t.Fatalf("interval: %s", cfg.ReconcileInterval.Std())
	}
	if cfg.SessionTTL.Std() != 30*time.Minute {
		t.Fatalf("session ttl: %s", cfg.SessionTTL.Std())
	}
	if cfg.MaxParallel != 8 {
		t.Fatalf("max parallel: %d", cfg.MaxParallel)
	}
	secrets, ok := cfg.Providers["facebook"]
	if !ok || secrets.SharedSecret != "fb-secret" || secrets.VerifyToken != "fb-verify" {
		t.Fatalf("providers: %+v", cfg.Providers)
	}
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("{}"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Fatalf("listen default: %q", cfg.Listen)
	}
	if cfg.CredentialStoreDSN != "memory://" || cfg.StateBackendDSN != "memory://" {
		t.Fatalf("dsn defaults: %q %q", cfg.CredentialStoreDSN, cfg.StateBackendDSN)
	}
	if cfg.ReconcileInterval.Std() != 24*time.Hour {
		t.Fatalf("interval default: %s", cfg.ReconcileInterval.Std())
	}
	if cfg.MaxParallel != 4 {
		t.Fatalf("max parallel default: %d", cfg.MaxParallel)
	}
}

func TestParseConfigRejectsBadDuration(t *testing.T) {
	if _, err := ParseConfig([]byte(`reconcile_interval: "soon"`)); err == nil {
		t.Fatal("invalid duration should error")
	}
}

func TestSecretsReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	secrets := NewSecrets(path, cfg.Providers, zerolog.Nop())

	if _, ok := secrets.Provider("shopify"); ok {
		t.Fatal("shopify should not exist yet")
	}

	updated := sampleConfig + `
  shopify:
    shared_secret: "shop-secret"
    verify_token: "shop-verify"
`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := secrets.reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := secrets.Provider("shopify")
	if !ok || got.SharedSecret != "shop-secret" {
		t.Fatalf("reload missed new provider: %+v ok=%v", got, ok)
	}
}

func TestSecretsReloadKeepsOldOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	secrets := NewSecrets(path, cfg.Providers, zerolog.Nop())

	if err := os.WriteFile(path, []byte("{{{not yaml"), 0o600); err != nil {
		t.Fatalf("corrupt config: %v", err)
	}
	if err := secrets.reload(); err == nil {
		t.Fatal("reload of broken file should error")
	}
	if _, ok := secrets.Provider("facebook"); !ok {
		t.Fatal("failed reload dropped previous secrets")
	}
}
