// Package mcp exposes the workspace tool registry as an MCP (Model
// Context Protocol) server over stdio. Agent runtimes connect as MCP
// clients, list the workspace tools, and call them without speaking the
// HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ElizenDevVini/eliza-town-sub000/internal/tools"
)

// Server bridges the tool registry to MCP clients.
type Server struct {
	mcpServer *server.MCPServer
	logger    *slog.Logger
}

// NewServer creates an MCP server publishing every tool in the registry.
func NewServer(reg *tools.Registry, version string, logger *slog.Logger) *Server {
	s := server.NewMCPServer(
		"elizatown",
		version,
		server.WithToolCapabilities(false),
	)

	for _, t := range reg.All() {
		s.AddTool(toMCPTool(t), adaptHandler(t, logger))
	}

	return &Server{mcpServer: s, logger: logger}
}

// ServeStdio blocks serving MCP over stdin/stdout until the client
// disconnects or ctx is canceled.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("mcp server starting on stdio")
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ServeStdio(s.mcpServer)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// toMCPTool converts a registry tool definition into an MCP tool,
// carrying the JSON schema through unchanged.
func toMCPTool(t tools.Tool) mcp.Tool {
	schema, err := json.Marshal(t.InputSchema())
	if err != nil {
		// Schemas are static maps built in code; a marshal failure is a
		// programming error.
		panic(fmt.Sprintf("marshaling schema for %s: %v", t.Name(), err))
	}
	return mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema)
}

// adaptHandler wraps a registry tool as an MCP tool handler. Unsuccessful
// results become MCP error results so the model sees the rejection text.
func adaptHandler(t tools.Tool, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params := req.GetArguments()

		if err := t.Validate(params); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		logger.InfoContext(ctx, "mcp tool call", slog.String("tool", t.Name()))

		result, err := t.Execute(ctx, params)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !result.Success {
			return mcp.NewToolResultError(result.Output), nil
		}
		return mcp.NewToolResultText(result.Output), nil
	}
}
