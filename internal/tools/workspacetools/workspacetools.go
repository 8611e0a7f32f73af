// Package workspacetools adapts workspace operations into agent-facing
// tools. Every tool accepts an optional "session_id" parameter: absent, it
// targets the shared town workspace; present, the caller's private session
// sandbox, created on first use.
//
// Operation failures — rejected paths, forbidden commands, missing files —
// come back as unsuccessful results so the agent runtime can show them to
// the model. Errors are reserved for malformed parameters.
package workspacetools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ElizenDevVini/eliza-town-sub000/internal/sandbox"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/tools"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/workspace"
)

// ServiceResolver maps a session id to its workspace service. An empty
// session id resolves to the shared workspace.
type ServiceResolver func(ctx context.Context, sessionID string) (*workspace.Service, *sandbox.OpError)

// NewResolver builds the standard resolver over the shared service and
// the session manager.
func NewResolver(shared *workspace.Service, sessions *workspace.Manager) ServiceResolver {
	return func(ctx context.Context, sessionID string) (*workspace.Service, *sandbox.OpError) {
		if sessionID == "" {
			return shared, nil
		}
		return sessions.GetOrCreate(ctx, sessionID)
	}
}

// RegisterAll registers every workspace tool on the registry.
func RegisterAll(reg *tools.Registry, resolve ServiceResolver, logger *slog.Logger) {
	reg.Register(&ReadTool{resolve: resolve, logger: logger})
	reg.Register(&WriteTool{resolve: resolve, logger: logger})
	reg.Register(&EditTool{resolve: resolve, logger: logger})
	reg.Register(&ListTool{resolve: resolve, logger: logger})
	reg.Register(&SearchTool{resolve: resolve, logger: logger})
	reg.Register(&ExecTool{resolve: resolve, logger: logger})
}

// failure converts a classified operation error into an unsuccessful result.
func failure(err *sandbox.OpError) *tools.Result {
	return &tools.Result{
		Output:  err.Message,
		Success: false,
		Metadata: map[string]any{
			"kind": string(err.Kind),
		},
	}
}

func sessionParam() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "Session sandbox to target; omit for the shared workspace",
	}
}

// --- workspace_read ---

// ReadTool returns file contents from a workspace.
type ReadTool struct {
	resolve ServiceResolver
	logger  *slog.Logger
}

func (t *ReadTool) Name() string        { return "workspace_read" }
func (t *ReadTool) Description() string { return "Read a file from the workspace" }
func (t *ReadTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":       map[string]any{"type": "string", "description": "File path relative to the workspace root"},
			"session_id": sessionParam(),
		},
		"required": []string{"path"},
	}
}

func (t *ReadTool) Validate(params map[string]any) error {
	_, err := tools.RequireString(params, "path")
	return err
}

func (t *ReadTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	path, err := tools.RequireString(params, "path")
	if err != nil {
		return nil, err
	}
	svc, perr := t.resolve(ctx, tools.OptionalString(params, "session_id"))
	if perr != nil {
		return failure(perr), nil
	}

	res := svc.Read(ctx, path)
	if !res.OK {
		return failure(res.Err), nil
	}
	return &tools.Result{
		Output:  tools.TruncateOutput(res.Content, tools.MaxOutputBytes),
		Success: true,
	}, nil
}

// --- workspace_write ---

// WriteTool creates or overwrites a file in a workspace.
type WriteTool struct {
	resolve ServiceResolver
	logger  *slog.Logger
}

func (t *WriteTool) Name() string { return "workspace_write" }
func (t *WriteTool) Description() string {
	return "Create or overwrite a file in the workspace, creating parent directories as needed"
}
func (t *WriteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":       map[string]any{"type": "string", "description": "File path relative to the workspace root"},
			"content":    map[string]any{"type": "string", "description": "Full file content"},
			"actor":      map[string]any{"type": "string", "description": "Agent name recorded in the change log"},
			"session_id": sessionParam(),
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteTool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "path"); err != nil {
		return err
	}
	if _, ok := params["content"].(string); !ok {
		return fmt.Errorf("missing required parameter: content")
	}
	return nil
}

func (t *WriteTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	path, err := tools.RequireString(params, "path")
	if err != nil {
		return nil, err
	}
	content, ok := params["content"].(string)
	if !ok {
		return nil, fmt.Errorf("missing required parameter: content")
	}
	svc, perr := t.resolve(ctx, tools.OptionalString(params, "session_id"))
	if perr != nil {
		return failure(perr), nil
	}

	actor := tools.OptionalString(params, "actor")
	if actor == "" {
		actor = "agent"
	}

	t.logger.InfoContext(ctx, "workspace write",
		slog.String("path", path),
		slog.String("actor", actor),
	)

	res := svc.Write(ctx, actor, path, content)
	if !res.OK {
		return failure(res.Err), nil
	}
	return &tools.Result{
		Output:  fmt.Sprintf("%s %s (%d bytes)", res.Change, res.Path, res.SizeBytes),
		Success: true,
		Metadata: map[string]any{
			"path":        res.Path,
			"change_type": string(res.Change),
			"size_bytes":  res.SizeBytes,
		},
	}, nil
}

// --- workspace_edit ---

// EditTool replaces the first occurrence of a string in a file.
type EditTool struct {
	resolve ServiceResolver
	logger  *slog.Logger
}

func (t *EditTool) Name() string { return "workspace_edit" }
func (t *EditTool) Description() string {
	return "Replace the first occurrence of a string in a workspace file"
}
func (t *EditTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":       map[string]any{"type": "string", "description": "File path relative to the workspace root"},
			"old_string": map[string]any{"type": "string", "description": "Exact text to replace; only the first occurrence is changed"},
			"new_string": map[string]any{"type": "string", "description": "Replacement text"},
			"actor":      map[string]any{"type": "string", "description": "Agent name recorded in the change log"},
			"session_id": sessionParam(),
		},
		"required": []string{"path", "old_string", "new_string"},
	}
}

func (t *EditTool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "path"); err != nil {
		return err
	}
	if _, err := tools.RequireString(params, "old_string"); err != nil {
		return err
	}
	if _, ok := params["new_string"].(string); !ok {
		return fmt.Errorf("missing required parameter: new_string")
	}
	return nil
}

func (t *EditTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	path, err := tools.RequireString(params, "path")
	if err != nil {
		return nil, err
	}
	oldStr, err := tools.RequireString(params, "old_string")
	if err != nil {
		return nil, err
	}
	newStr, ok := params["new_string"].(string)
	if !ok {
		return nil, fmt.Errorf("missing required parameter: new_string")
	}
	svc, perr := t.resolve(ctx, tools.OptionalString(params, "session_id"))
	if perr != nil {
		return failure(perr), nil
	}

	actor := tools.OptionalString(params, "actor")
	if actor == "" {
		actor = "agent"
	}

	res := svc.Edit(ctx, actor, path, oldStr, newStr)
	if !res.OK {
		return failure(res.Err), nil
	}
	return &tools.Result{
		Output:  fmt.Sprintf("edited %s (%d bytes)", res.Path, res.SizeBytes),
		Success: true,
		Metadata: map[string]any{
			"path":       res.Path,
			"size_bytes": res.SizeBytes,
		},
	}, nil
}

// --- workspace_list ---

// ListTool lists the immediate children of a workspace directory.
type ListTool struct {
	resolve ServiceResolver
	logger  *slog.Logger
}

func (t *ListTool) Name() string        { return "workspace_list" }
func (t *ListTool) Description() string { return "List files in a workspace directory" }
func (t *ListTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":       map[string]any{"type": "string", "description": "Directory path relative to the workspace root; defaults to the root"},
			"session_id": sessionParam(),
		},
	}
}

func (t *ListTool) Validate(_ map[string]any) error { return nil }

func (t *ListTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	path := tools.OptionalString(params, "path")
	if path == "" {
		path = "."
	}
	svc, perr := t.resolve(ctx, tools.OptionalString(params, "session_id"))
	if perr != nil {
		return failure(perr), nil
	}

	res := svc.List(ctx, path)
	if !res.OK {
		return failure(res.Err), nil
	}

	var sb strings.Builder
	for _, e := range res.Entries {
		if e.IsDir {
			sb.WriteString(e.Name + "/\n")
		} else {
			fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Name, e.Size)
		}
	}
	return &tools.Result{
		Output:  sb.String(),
		Success: true,
		Metadata: map[string]any{
			"entries": len(res.Entries),
		},
	}, nil
}

// --- workspace_search ---

// SearchTool searches file contents for a substring.
type SearchTool struct {
	resolve ServiceResolver
	logger  *slog.Logger
}

func (t *SearchTool) Name() string { return "workspace_search" }
func (t *SearchTool) Description() string {
	return "Search workspace file contents for a case-insensitive substring"
}
func (t *SearchTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern":    map[string]any{"type": "string", "description": "Substring to look for"},
			"path":       map[string]any{"type": "string", "description": "Directory to search under; defaults to the root"},
			"session_id": sessionParam(),
		},
		"required": []string{"pattern"},
	}
}

func (t *SearchTool) Validate(params map[string]any) error {
	_, err := tools.RequireString(params, "pattern")
	return err
}

func (t *SearchTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	pattern, err := tools.RequireString(params, "pattern")
	if err != nil {
		return nil, err
	}
	path := tools.OptionalString(params, "path")
	if path == "" {
		path = "."
	}
	svc, perr := t.resolve(ctx, tools.OptionalString(params, "session_id"))
	if perr != nil {
		return failure(perr), nil
	}

	res := svc.Search(ctx, pattern, path, 0)
	if !res.OK {
		return failure(res.Err), nil
	}

	var sb strings.Builder
	for _, m := range res.Matches {
		fmt.Fprintf(&sb, "%s:%d: %s\n", m.File, m.Line, m.Snippet)
	}
	return &tools.Result{
		Output:  tools.TruncateOutput(sb.String(), tools.MaxOutputBytes),
		Success: true,
		Metadata: map[string]any{
			"matches": len(res.Matches),
		},
	}, nil
}

// --- workspace_exec ---

// ExecTool executes a shell command inside a workspace.
type ExecTool struct {
	resolve ServiceResolver
	logger  *slog.Logger
}

func (t *ExecTool) Name() string { return "workspace_exec" }
func (t *ExecTool) Description() string {
	return "Execute a shell command inside the workspace sandbox"
}
func (t *ExecTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":    map[string]any{"type": "string", "description": "The shell command to execute"},
			"session_id": sessionParam(),
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Validate(params map[string]any) error {
	_, err := tools.RequireString(params, "command")
	return err
}

func (t *ExecTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	command, err := tools.RequireString(params, "command")
	if err != nil {
		return nil, err
	}
	svc, perr := t.resolve(ctx, tools.OptionalString(params, "session_id"))
	if perr != nil {
		return failure(perr), nil
	}

	t.logger.InfoContext(ctx, "workspace exec",
		slog.String("command", command),
	)

	res := svc.Exec(ctx, command)

	output := res.Stdout
	if res.Stderr != "" {
		if output != "" {
			output += "\n"
		}
		output += res.Stderr
	}

	return &tools.Result{
		Output:  tools.TruncateOutput(output, tools.MaxOutputBytes),
		Success: res.OK,
		Metadata: map[string]any{
			"exit_code": res.ExitCode,
			"ran_in":    res.RanIn,
		},
	}, nil
}
