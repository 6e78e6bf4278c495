package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/channelworks/channelsync/internal/channelsync"
	"github.com/channelworks/channelsync/internal/httpapi"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if strings.EqualFold(os.Getenv("CHANNELSYNC_LOG_PRETTY"), "true") {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	var configPath string
	root := &cobra.Command{
		Use:           "channelsync",
		Short:         "Sync engine for provider-hosted entities and conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", envOr("CHANNELSYNC_CONFIG", ""), "path to the YAML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, logger)
		},
	}
	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a single reconciliation pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcileOnce(cmd.Context(), configPath, logger)
		},
	}
	root.AddCommand(serve, reconcile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("command failed")
	}
}

type app struct {
	cfg        *channelsync.Config
	secrets    *channelsync.Secrets
	creds      channelsync.CredentialStore
	sessions   channelsync.SessionStore
	store      *channelsync.Store
	push       *channelsync.PushHandler
	bootstrap  *channelsync.Bootstrap
	reconciler *channelsync.Reconciler
	log        zerolog.Logger
}

func buildApp(configPath string, logger zerolog.Logger) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	creds, err := channelsync.BuildCredentialStoreFromDSN(cfg.CredentialStoreDSN)
	if err != nil {
		return nil, fmt.Errorf("credential store: %w", err)
	}
	sessions, err := channelsync.BuildSessionStoreFromDSN(cfg.SessionStoreDSN)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	backend, err := channelsync.BuildStateBackendFromDSN(cfg.StateBackendDSN)
	if err != nil {
		return nil, fmt.Errorf("state backend: %w", err)
	}
	store, err := channelsync.NewStore(channelsync.StoreOptions{
		Backend: backend,
		Logger:  logger.With().Str("component", "store").Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("state load: %w", err)
	}

	var remote channelsync.RemoteStore
	if cfg.RemoteStoreURL != "" {
		remote = channelsync.NewHTTPObjectStore(channelsync.ObjectStoreOptions{
			BaseURL: cfg.RemoteStoreURL,
			Bucket:  cfg.RemoteStoreBucket,
			TokenProvider: func(ctx context.Context) (string, error) {
				return cfg.RemoteStoreToken, nil
			},
			UserAgent: "channelsync/1.0",
		})
	} else {
		logger.Warn().Msg("no remote store configured, publishing to memory")
		remote = channelsync.NewInMemoryRemoteStore()
	}
	publisher := channelsync.NewPublisher(remote, logger.With().Str("component", "publisher").Logger())

	fetcher := channelsync.NewHTTPGraphFetcher(channelsync.GraphFetcherOptions{
		BaseURL:    cfg.UpstreamBaseURL,
		APIVersion: cfg.UpstreamAPIVersion,
	})

	secrets := channelsync.NewSecrets(configPath, cfg.Providers, logger.With().Str("component", "secrets").Logger())
	push, err := channelsync.NewPushHandler(secrets, creds, store, fetcher, publisher, logger.With().Str("component", "push").Logger())
	if err != nil {
		return nil, err
	}
	bootstrap := &channelsync.Bootstrap{
		Sessions:    sessions,
		Credentials: creds,
		Store:       store,
		SessionTTL:  cfg.SessionTTL.Std(),
		Logger:      logger.With().Str("component", "bootstrap").Logger(),
	}
	reconciler := channelsync.NewReconciler(channelsync.ReconcilerOptions{
		Credentials: creds,
		Store:       store,
		Fetcher:     fetcher,
		Publisher:   publisher,
		Interval:    cfg.ReconcileInterval.Std(),
		MaxParallel: cfg.MaxParallel,
		Logger:      logger.With().Str("component", "reconciler").Logger(),
	})

	return &app{
		cfg:        cfg,
		secrets:    secrets,
		creds:      creds,
		sessions:   sessions,
		store:      store,
		push:       push,
		bootstrap:  bootstrap,
		reconciler: reconciler,
		log:        logger,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Error().Err(err).Msg("store close failed")
	}
	if err := a.sessions.Close(); err != nil {
		a.log.Error().Err(err).Msg("session store close failed")
	}
	if err := a.creds.Close(); err != nil {
		a.log.Error().Err(err).Msg("credential store close failed")
	}
}

func runServe(ctx context.Context, configPath string, logger zerolog.Logger) error {
	a, err := buildApp(configPath, logger)
	if err != nil {
		return err
	}
	defer a.close()

	server := httpapi.NewServer(a.store, a.push, a.bootstrap, a.reconciler, httpapi.ServerConfig{
		AuthSecret: a.cfg.AuthSecret,
	}, logger.With().Str("component", "http").Logger())

	httpServer := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go a.reconciler.Run(ctx)
	if configPath != "" {
		go func() {
			if err := a.secrets.Watch(ctx); err != nil {
				logger.Error().Err(err).Msg("secret watcher stopped")
			}
		}()
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", a.cfg.Listen).Msg("channelsync listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func runReconcileOnce(ctx context.Context, configPath string, logger zerolog.Logger) error {
	a, err := buildApp(configPath, logger)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.reconciler.RunPass(ctx)
	if err != nil {
		return err
	}
	logger.Info().
		Int("entities", report.Entities).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Msg("reconcile finished")
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d entities failed to reconcile", report.Failed, report.Entities)
	}
	return nil
}

// loadConfig reads the YAML file when one is given and lets environment
// variables override the connection-level settings, so container
// deployments can run without a mounted config.
func loadConfig(path string) (*channelsync.Config, error) {
	var cfg *channelsync.Config
	if path != "" {
		loaded, err := channelsync.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		parsed, err := channelsync.ParseConfig(nil)
		if err != nil {
			return nil, err
		}
		cfg = parsed
	}

	cfg.Listen = envOr("CHANNELSYNC_ADDR", cfg.Listen)
	cfg.AuthSecret = envOr("CHANNELSYNC_AUTH_SECRET", cfg.AuthSecret)
	cfg.CredentialStoreDSN = envOr("CHANNELSYNC_CREDENTIAL_STORE_DSN", cfg.CredentialStoreDSN)
	cfg.SessionStoreDSN = envOr("CHANNELSYNC_SESSION_STORE_DSN", cfg.SessionStoreDSN)
	cfg.StateBackendDSN = envOr("CHANNELSYNC_STATE_BACKEND_DSN", cfg.StateBackendDSN)
	cfg.RemoteStoreURL = envOr("CHANNELSYNC_REMOTE_STORE_URL", cfg.RemoteStoreURL)
	cfg.RemoteStoreBucket = envOr("CHANNELSYNC_REMOTE_STORE_BUCKET", cfg.RemoteStoreBucket)
	cfg.RemoteStoreToken = envOr("CHANNELSYNC_REMOTE_STORE_TOKEN", cfg.RemoteStoreToken)
	cfg.UpstreamBaseURL = envOr("CHANNELSYNC_UPSTREAM_BASE_URL", cfg.UpstreamBaseURL)
	if interval := durationEnv("CHANNELSYNC_RECONCILE_INTERVAL", 0); interval > 0 {
		cfg.ReconcileInterval = channelsync.Duration(interval)
	}
	return cfg, nil
}

func envOr(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
