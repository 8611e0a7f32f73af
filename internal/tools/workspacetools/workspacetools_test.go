package workspacetools

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ElizenDevVini/eliza-town-sub000/internal/sandbox"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/tools"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	shared := workspace.NewService(sandbox.Config{
		Mode: sandbox.ModeLocal,
		Root: filepath.Join(t.TempDir(), "shared"),
	}, logger)
	if err := shared.Initialize(ctx, nil); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { shared.Close(context.Background()) })

	sessions := workspace.NewManager(workspace.ManagerConfig{
		BaseDir: filepath.Join(t.TempDir(), "sessions"),
	}, nil, logger)
	if err := sessions.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sessions.CloseAll(context.Background()) })

	reg := tools.NewRegistry()
	RegisterAll(reg, NewResolver(shared, sessions), logger)
	return reg
}

func call(t *testing.T, reg *tools.Registry, name string, params map[string]any) *tools.Result {
	t.Helper()
	tool := reg.Get(name)
	if tool == nil {
		t.Fatalf("tool %q not registered", name)
	}
	if err := tool.Validate(params); err != nil {
		t.Fatalf("%s Validate: %v", name, err)
	}
	res, err := tool.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("%s Execute: %v", name, err)
	}
	return res
}

func TestRegisterAll(t *testing.T) {
	reg := newTestRegistry(t)
	for _, name := range []string{
		"workspace_read", "workspace_write", "workspace_edit",
		"workspace_list", "workspace_search", "workspace_exec",
	} {
		if reg.Get(name) == nil {
			t.Errorf("tool %q not registered", name)
		}
	}
}

func TestWriteThenRead(t *testing.T) {
	reg := newTestRegistry(t)

	res := call(t, reg, "workspace_write", map[string]any{
		"path":    "plan.md",
		"content": "# Plan",
		"actor":   "alice",
	})
	if !res.Success {
		t.Fatalf("write failed: %s", res.Output)
	}
	if res.Metadata["change_type"] != "created" {
		t.Errorf("change_type = %v", res.Metadata["change_type"])
	}

	res = call(t, reg, "workspace_read", map[string]any{"path": "plan.md"})
	if !res.Success || res.Output != "# Plan" {
		t.Errorf("read = %+v", res)
	}
}

func TestSessionRouting(t *testing.T) {
	reg := newTestRegistry(t)

	call(t, reg, "workspace_write", map[string]any{
		"path": "shared.txt", "content": "everyone sees this",
	})
	call(t, reg, "workspace_write", map[string]any{
		"path": "private.txt", "content": "session only", "session_id": "agent-1",
	})

	// The session file is invisible from the shared workspace.
	res := call(t, reg, "workspace_read", map[string]any{"path": "private.txt"})
	if res.Success {
		t.Error("session file visible in shared workspace")
	}
	if res.Metadata["kind"] != "not_found" {
		t.Errorf("kind = %v", res.Metadata["kind"])
	}

	// And the shared file is invisible from the session.
	res = call(t, reg, "workspace_read", map[string]any{
		"path": "shared.txt", "session_id": "agent-1",
	})
	if res.Success {
		t.Error("shared file visible in session sandbox")
	}

	res = call(t, reg, "workspace_read", map[string]any{
		"path": "private.txt", "session_id": "agent-1",
	})
	if !res.Success || res.Output != "session only" {
		t.Errorf("session read = %+v", res)
	}
}

func TestInvalidSessionID(t *testing.T) {
	reg := newTestRegistry(t)
	res := call(t, reg, "workspace_read", map[string]any{
		"path": "f.txt", "session_id": "../..",
	})
	if res.Success {
		t.Error("invalid session id succeeded")
	}
	if res.Metadata["kind"] != "invalid_session_id" {
		t.Errorf("kind = %v", res.Metadata["kind"])
	}
}

func TestEditTool(t *testing.T) {
	reg := newTestRegistry(t)

	call(t, reg, "workspace_write", map[string]any{
		"path": "f.txt", "content": "foo foo",
	})
	res := call(t, reg, "workspace_edit", map[string]any{
		"path": "f.txt", "old_string": "foo", "new_string": "bar",
	})
	if !res.Success {
		t.Fatalf("edit failed: %s", res.Output)
	}

	res = call(t, reg, "workspace_read", map[string]any{"path": "f.txt"})
	if res.Output != "bar foo" {
		t.Errorf("content = %q", res.Output)
	}

	res = call(t, reg, "workspace_edit", map[string]any{
		"path": "f.txt", "old_string": "absent", "new_string": "x",
	})
	if res.Success {
		t.Error("edit of absent string succeeded")
	}
	if res.Metadata["kind"] != "pattern_not_found" {
		t.Errorf("kind = %v", res.Metadata["kind"])
	}
}

func TestListTool(t *testing.T) {
	reg := newTestRegistry(t)

	call(t, reg, "workspace_write", map[string]any{"path": "a.txt", "content": "a"})
	call(t, reg, "workspace_write", map[string]any{"path": "sub/b.txt", "content": "b"})

	res := call(t, reg, "workspace_list", map[string]any{})
	if !res.Success {
		t.Fatalf("list failed: %s", res.Output)
	}
	if !strings.Contains(res.Output, "sub/") || !strings.Contains(res.Output, "a.txt") {
		t.Errorf("output = %q", res.Output)
	}
	if res.Metadata["entries"] != 2 {
		t.Errorf("entries = %v", res.Metadata["entries"])
	}
}

func TestSearchTool(t *testing.T) {
	reg := newTestRegistry(t)

	call(t, reg, "workspace_write", map[string]any{
		"path": "notes.txt", "content": "alpha\nthe needle here\n",
	})

	res := call(t, reg, "workspace_search", map[string]any{"pattern": "NEEDLE"})
	if !res.Success {
		t.Fatalf("search failed: %s", res.Output)
	}
	if !strings.Contains(res.Output, "notes.txt:2:") {
		t.Errorf("output = %q", res.Output)
	}
	if res.Metadata["matches"] != 1 {
		t.Errorf("matches = %v", res.Metadata["matches"])
	}
}

func TestExecTool(t *testing.T) {
	reg := newTestRegistry(t)

	res := call(t, reg, "workspace_exec", map[string]any{"command": "echo hi"})
	if !res.Success {
		t.Fatalf("exec failed: %s", res.Output)
	}
	if strings.TrimSpace(res.Output) != "hi" {
		t.Errorf("output = %q", res.Output)
	}
	if res.Metadata["exit_code"] != 0 {
		t.Errorf("exit_code = %v", res.Metadata["exit_code"])
	}
}

func TestExecToolForbidden(t *testing.T) {
	reg := newTestRegistry(t)

	res := call(t, reg, "workspace_exec", map[string]any{"command": "rm -rf /"})
	if res.Success {
		t.Error("forbidden command succeeded")
	}
	if !strings.Contains(res.Output, "Command forbidden by security policy") {
		t.Errorf("output = %q", res.Output)
	}
	if res.Metadata["exit_code"] != 1 {
		t.Errorf("exit_code = %v", res.Metadata["exit_code"])
	}
}

func TestValidateRejectsMissingParams(t *testing.T) {
	reg := newTestRegistry(t)
	tests := []struct {
		tool   string
		params map[string]any
	}{
		{"workspace_read", map[string]any{}},
		{"workspace_write", map[string]any{"path": "f.txt"}},
		{"workspace_edit", map[string]any{"path": "f.txt", "old_string": "a"}},
		{"workspace_search", map[string]any{}},
		{"workspace_exec", map[string]any{}},
	}
	for _, tc := range tests {
		t.Run(tc.tool, func(t *testing.T) {
			tool := reg.Get(tc.tool)
			if tool == nil {
				t.Fatalf("tool %q not registered", tc.tool)
			}
			if err := tool.Validate(tc.params); err == nil {
				t.Errorf("Validate(%v) = nil, want error", tc.params)
			}
		})
	}
}
