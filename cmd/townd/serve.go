package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ElizenDevVini/eliza-town-sub000/internal/config"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/gateway/httpapi"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/gateway/ws"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/observability"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/ratelimit"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/sandbox"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/storage"
	pgstore "github.com/ElizenDevVini/eliza-town-sub000/internal/storage/postgres"
	sqlitestore "github.com/ElizenDevVini/eliza-town-sub000/internal/storage/sqlite"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/workspace"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the workspace service (HTTP API + WebSocket events)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `townd --config path` and `townd serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen port (e.g. :8080)")
	}
}

// loadConfig reads the config file, falling back to built-in defaults when
// the default path does not exist yet (first run, dev).
func loadConfig(path string) (*config.Config, error) {
	resolved := goutils.Env("ELIZA_CONFIG", path)
	if _, err := os.Stat(resolved); err != nil && resolved == config.DefaultConfigPath() {
		cfg := &config.Config{}
		return cfg, nil
	}
	return config.Load(resolved)
}

// runServe starts the workspace service: shared workspace, session
// manager, WebSocket event hub, and the HTTP API gateway.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Gateway.ListenAddr = servePort
	}

	logger.Info("starting town workspace service",
		slog.String("workspace", cfg.ResolvedWorkspace()),
		slog.String("mode", cfg.Sandbox.SandboxMode()),
	)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability (optional).
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}
	defer obs.Shutdown(context.Background())

	// Change-audit store (optional).
	var audit storage.ChangeStore
	if cfg.Storage != nil {
		audit, err = openAuditStore(cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := audit.Close(); cerr != nil {
				logger.Warn("closing audit store", slog.String("error", cerr.Error()))
			}
		}()
	}

	// WebSocket event hub. Observers authenticate with the first API key.
	hubToken := ""
	if len(cfg.Gateway.APIKeys) > 0 {
		hubToken = cfg.Gateway.APIKeys[0]
	}
	hub := ws.NewHub(hubToken, logger)
	defer hub.Close()

	// Shared town workspace.
	sharedOpts := []workspace.Option{workspace.WithMetrics(obs.MetricsOrNil())}
	if audit != nil {
		sharedOpts = append(sharedOpts, workspace.WithAuditStore(audit, "shared"))
	}
	shared := workspace.NewService(sandbox.Config{
		Mode:             sandbox.Mode(cfg.Sandbox.SandboxMode()),
		Root:             cfg.ResolvedWorkspace(),
		RemoteEndpoint:   cfg.Sandbox.RemoteEndpoint,
		RemoteCredential: cfg.Sandbox.RemoteCredential,
		CommandTimeout:   cfg.Sandbox.CommandTimeout(),
		MaxOutputBytes:   int(cfg.Sandbox.MaxOutputBytes),
		MaxFileSizeBytes: cfg.Sandbox.MaxFileSizeBytes,
	}, logger, sharedOpts...)
	if err := shared.Initialize(ctx, hub); err != nil {
		return fmt.Errorf("initializing shared workspace: %w", err)
	}
	defer func() {
		if cerr := shared.Close(context.Background()); cerr != nil {
			logger.Warn("closing shared workspace", slog.String("error", cerr.Error()))
		}
	}()

	// Per-session sandbox manager.
	mgrOpts := []workspace.ManagerOption{workspace.WithManagerMetrics(obs.MetricsOrNil())}
	if audit != nil {
		mgrOpts = append(mgrOpts, workspace.WithManagerAuditStore(audit))
	}
	sessions := workspace.NewManager(workspace.ManagerConfig{
		BaseDir:        cfg.SessionsBaseDir(),
		MaxIdle:        cfg.Sessions.IdleTimeout(),
		SweepInterval:  cfg.Sessions.SweepInterval(),
		CommandTimeout: cfg.Sandbox.CommandTimeout(),
	}, hub, logger, mgrOpts...)
	if err := sessions.Start(); err != nil {
		return err
	}
	defer sessions.CloseAll(context.Background())

	// Readiness checks.
	registerHealthChecks(cfg, obs, shared, audit)

	// HTTP API gateway.
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Gateway.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Gateway.RateLimit.BurstSize,
	})

	httpCfg := httpapi.Config{
		ListenAddr:     cfg.Gateway.Addr(),
		EnableDocs:     cfg.Gateway.EnableDocs,
		EnableCORS:     cfg.Gateway.EnableCORS,
		APIKeys:        cfg.Gateway.APIKeys,
		MaxRequestSize: cfg.Gateway.MaxRequestSizeBytes,
	}
	if obs != nil {
		httpCfg.Metrics = obs.Metrics
		httpCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			httpCfg.MetricsRegistry = obs.Metrics.Registry
		}
		if obs.Tracer != nil {
			httpCfg.Tracer = obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		}
	}

	gw := httpapi.NewGateway(httpCfg, shared, sessions, limiter, logger).
		WithHandler("/ws/events", hub.Handler())

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}

	return nil
}

// openAuditStore opens the configured change-audit backend.
func openAuditStore(cfg *config.Config, logger *slog.Logger) (storage.ChangeStore, error) {
	switch cfg.StorageDriverName() {
	case "postgres":
		pg := cfg.Storage.Postgres
		return pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
	default:
		sq := config.SQLiteStorageConfig{}
		if cfg.Storage.SQLite != nil {
			sq = *cfg.Storage.SQLite
		}
		return sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.DatabasePath(),
			JournalMode: sq.JournalMode,
		}, logger)
	}
}

// registerHealthChecks wires readiness probes for the database and the
// shared workspace root.
func registerHealthChecks(cfg *config.Config, obs *observability.Observability, shared *workspace.Service, audit storage.ChangeStore) {
	health := obs.HealthOrNil()
	if health == nil || cfg.Observability == nil || cfg.Observability.Health == nil {
		return
	}
	hc := cfg.Observability.Health

	if hc.IncludeDB && audit != nil {
		health.AddCheck("database", func(ctx context.Context) error {
			return audit.Ping(ctx)
		})
	}
	if hc.IncludeWorkspace {
		health.AddCheck("workspace", func(_ context.Context) error {
			_, err := os.Stat(shared.Root())
			return err
		})
	}
}
