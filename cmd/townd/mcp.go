package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ElizenDevVini/eliza-town-sub000/internal/config"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/sandbox"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/tools"
	mcpserver "github.com/ElizenDevVini/eliza-town-sub000/internal/tools/mcp"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/tools/workspacetools"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/workspace"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the workspace tools over MCP on stdio",
	RunE:  runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

// runMCP serves the workspace tool set to a single MCP client on stdio.
// Logs go to stderr; stdout belongs to the protocol.
func runMCP(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := loadConfig(mcpConfigPath)
	if err != nil {
		return err
	}
	if !cfg.Tools.CodeExecutionEnabled {
		return fmt.Errorf("workspace tools are disabled (set tools.code_execution_enabled)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The MCP surface is always local; remote execution is an HTTP-gateway
	// concern.
	shared := workspace.NewService(sandbox.Config{
		Mode:             sandbox.ModeLocal,
		Root:             cfg.ResolvedWorkspace(),
		CommandTimeout:   cfg.Sandbox.CommandTimeout(),
		MaxOutputBytes:   int(cfg.Sandbox.MaxOutputBytes),
		MaxFileSizeBytes: cfg.Sandbox.MaxFileSizeBytes,
	}, logger)
	if err := shared.Initialize(ctx, nil); err != nil {
		return fmt.Errorf("initializing shared workspace: %w", err)
	}
	defer func() { _ = shared.Close(context.Background()) }()

	sessions := workspace.NewManager(workspace.ManagerConfig{
		BaseDir:        cfg.SessionsBaseDir(),
		MaxIdle:        cfg.Sessions.IdleTimeout(),
		SweepInterval:  cfg.Sessions.SweepInterval(),
		CommandTimeout: cfg.Sandbox.CommandTimeout(),
	}, nil, logger)
	if err := sessions.Start(); err != nil {
		return err
	}
	defer sessions.CloseAll(context.Background())

	reg := tools.NewRegistry()
	workspacetools.RegisterAll(reg, workspacetools.NewResolver(shared, sessions), logger)

	srv := mcpserver.NewServer(reg, version, logger)
	if err := srv.ServeStdio(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
