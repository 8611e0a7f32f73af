// townd — sandboxed execution service for town agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "townd",
	Short: "townd — shared workspace and per-session sandboxes for autonomous town agents.",
	Long: `townd runs the sandboxed execution subsystem for a town of autonomous agents.
It exposes one shared workspace visible to every agent plus isolated per-session
sandboxes, over an HTTP API, a WebSocket event stream, and an MCP tool surface.
All file and shell operations are confined to their workspace root and screened
against a destructive-command policy.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
