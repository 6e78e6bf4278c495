package channelsync

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Duration parses human-readable values like "24h" or "90s" from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return errors.Wrapf(err, "config: invalid duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Listen             string                     `yaml:"listen"`
	AuthSecret         string                     `yaml:"auth_secret"`
	CredentialStoreDSN string                     `yaml:"credential_store_dsn"`
	SessionStoreDSN    string                     `yaml:"session_store_dsn"`
	StateBackendDSN    string                     `yaml:"state_backend_dsn"`
	RemoteStoreURL     string                     `yaml:"remote_store_url"`
	RemoteStoreBucket  string                     `yaml:"remote_store_bucket"`
	RemoteStoreToken   string                     `yaml:"remote_store_token"`
	UpstreamBaseURL    string                     `yaml:"upstream_base_url"`
	UpstreamAPIVersion string                     `yaml:"upstream_api_version"`
	ReconcileInterval  Duration                   `yaml:"reconcile_interval"`
	MaxParallel        int                        `yaml:"max_parallel"`
	SessionTTL         Duration                   `yaml:"session_ttl"`
	Providers          map[string]ProviderSecrets `yaml:"providers"`
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.CredentialStoreDSN == "" {
		c.CredentialStoreDSN = "memory://"
	}
	if c.SessionStoreDSN == "" {
		c.SessionStoreDSN = "memory://"
	}
	if c.StateBackendDSN == "" {
		c.StateBackendDSN = "memory://"
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = Duration(defaultReconcileInterval)
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = defaultMaxParallel
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = Duration(15 * time.Minute)
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read file")
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: parse yaml")
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Secrets is a SecretSource backed by the config file. Watch keeps it
// current while the service runs, so operators can rotate a provider's
// shared secret with a file edit.
type Secrets struct {
	mu        sync.RWMutex
	path      string
	providers map[string]ProviderSecrets
	log       zerolog.Logger
}

func NewSecrets(path string, providers map[string]ProviderSecrets, logger zerolog.Logger) *Secrets {
	copied := make(map[string]ProviderSecrets, len(providers))
	for name, secrets := range providers {
		copied[name] = secrets
	}
	return &Secrets{path: path, providers: copied, log: logger}
}

func (s *Secrets) Provider(name string) (ProviderSecrets, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secrets, ok := s.providers[name]
	return secrets, ok
}

func (s *Secrets) reload() error {
	cfg, err := LoadConfig(s.path)
	if err != nil {
		return err
	}
	copied := make(map[string]ProviderSecrets, len(cfg.Providers))
	for name, secrets := range cfg.Providers {
		copied[name] = secrets
	}
	s.mu.Lock()
	s.providers = copied
	s.mu.Unlock()
	return nil
}

// Watch reloads provider secrets when the config file changes. Editors
// often replace the file, so the watch is on the directory and events
// are filtered by name.
func (s *Secrets) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "config: create watcher")
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "config: watch %s", dir)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.reload(); err != nil {
				s.log.Error().Err(err).Msg("config: secret reload failed, keeping previous secrets")
				continue
			}
			s.log.Info().Str("path", s.path).Msg("config: provider secrets reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Error().Err(err).Msg("config: watcher error")
		}
	}
}
