package cli

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ledgergate/ledgergate/internal/alerts"
	"github.com/ledgergate/ledgergate/internal/api"
	"github.com/ledgergate/ledgergate/internal/audit"
	"github.com/ledgergate/ledgergate/internal/cache"
	"github.com/ledgergate/ledgergate/internal/config"
	"github.com/ledgergate/ledgergate/internal/gateway"
	"github.com/ledgergate/ledgergate/internal/health"
	"github.com/ledgergate/ledgergate/internal/logging"
	"github.com/ledgergate/ledgergate/internal/metrics"
	"github.com/ledgergate/ledgergate/internal/refresh"
	"github.com/ledgergate/ledgergate/internal/telegram"
	"github.com/ledgergate/ledgergate/internal/tokenstore"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "run"},
	Short:   "Start the gateway server",
	Long: `Start the gateway server in main mode.

This command loads the encrypted credential store, wires the token
refresh pipeline, and serves the authenticated proxy API.

Example:
  ledgergate serve --config config.yaml

The server listens on the address configured in the config file.`,
	RunE: runServe,
}

var serveFlags struct {
	Host    string
	Port    int
	Timeout time.Duration
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().DurationVar(&serveFlags.Timeout, "timeout", envDuration("LEDGERGATE_SHUTDOWN_TIMEOUT", 30*time.Second), "Shutdown timeout")

	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.HTTPPort = serveFlags.Port
	}
	if cfg.Server.ShutdownTimeout > 0 && !cmd.Flags().Changed("timeout") {
		serveFlags.Timeout = cfg.Server.ShutdownTimeout
	}

	level := logging.ParseLevel(cfg.Server.LogLevel)
	if globalFlags.Verbose {
		level = logging.LevelDebug
	}
	logger := logging.NewLogger(logging.WithLevel(level))
	m := metrics.NewMetrics("ledgergate")

	store, err := tokenstore.New(cfg.Credentials, logger)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	if err := store.Load(); err != nil {
		return fmt.Errorf("failed to load credential store: %w", err)
	}
	logger.Info("credential store ready",
		"path", store.Path(),
		"tenants", store.Len(),
	)
	m.SetCredentialsStored(store.Len())
	for _, id := range store.TenantIDs() {
		if rec, ok := store.Get(id); ok {
			m.SetCredentialExpiry(id, float64(rec.ExpiresAt))
		}
	}

	var recorder audit.Recorder = audit.Nop{}
	var auditStore *audit.Store
	if cfg.Audit.Enabled {
		dbPath := cfg.Audit.DBPath
		if dbPath == "" {
			dbPath = "./data/ledgergate-audit.db"
		}
		auditStore, err = audit.NewStore(dbPath, cfg.Audit.RetentionDays, logger)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		recorder = auditStore
		defer func() {
			if err := auditStore.Close(); err != nil {
				logger.Error("error closing audit store", "error", err.Error())
			}
		}()
	}
	if store.Migrated() {
		recorder.Record(audit.Event{
			Type:    audit.EventStoreMigration,
			Outcome: "success",
			Detail:  "re-sealed under random-salt key derivation",
		})
	}

	var notifier alerts.Notifier = alerts.Nop{}
	if cfg.Alerts.Telegram.Enabled {
		sender, err := telegram.NewClient(cfg.Alerts.Telegram.BotToken, cfg.Alerts.Telegram.ChatID)
		if err != nil {
			logger.Warn("telegram alerts disabled", "error", err.Error())
		} else {
			notifier = alerts.NewService(sender, cfg.Alerts.DedupWindow, logger)
		}
	}

	coordinator := refresh.New(store, cfg.OAuth, logger, m)
	gw := gateway.New(gateway.Options{
		Store:         store,
		Coordinator:   coordinator,
		Cache:         cache.New(cfg.Cache.Capacity),
		CacheConfig:   cfg.Cache,
		Remote:        cfg.Remote,
		OAuth:         cfg.OAuth,
		DefaultTenant: cfg.Credentials.DefaultTenant,
		Logger:        logger,
		Metrics:       m,
		Audit:         recorder,
		Alerts:        notifier,
	})

	server := api.NewServer(cfg.Server, cfg.API, gw, store, m, logger)

	monitor := health.NewMonitor(health.Config{}, store, logger, m, notifier)
	monitor.Start()

	// Config changes that matter at runtime (thresholds, cache TTLs,
	// endpoints) only take effect on restart; the watch exists so a
	// broken edit gets flagged the moment it is saved.
	loader.SetOnChange(func(updated *config.Config) {
		logger.Info("configuration file reloaded",
			"http_port", updated.Server.HTTPPort,
			"default_tenant", updated.Credentials.DefaultTenant,
		)
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config watch unavailable", "error", err.Error())
	}
	defer loader.StopWatch()

	if cfg.API.Auth.Enabled {
		logger.Info("API key authentication enabled",
			"keys", api.MaskAPIKeys(cfg.API.Auth.APIKeys),
		)
	}

	setupGracefulShutdown(server, monitor, auditStore, loader, serveFlags.Timeout, logger)

	logger.Info("starting ledgergate",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		"remote", cfg.Remote.BaseURL,
		"cache_enabled", cfg.Cache.Enabled,
	)

	if err := server.Run(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// setupGracefulShutdown handles graceful shutdown of all components
func setupGracefulShutdown(server *api.Server, monitor *health.Monitor, auditStore *audit.Store, loader *config.Loader, timeout time.Duration, logger *logging.Logger) {
	sigChan := api.SetupSignalHandler()

	go func() {
		sig := api.WaitForSignal(sigChan)
		logger.Info("received signal", "signal", sig.String())

		components := []api.Shutdownable{monitor, loader}
		if auditStore != nil {
			components = append(components, auditStore)
		}
		if err := api.ShutdownWithComponents(server, timeout, components); err != nil {
			logger.Error("error during shutdown", "error", err.Error())
		}

		logger.Info("graceful shutdown completed")
		os.Exit(0)
	}()
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	return fallback
}
