package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// RemoteBackend forwards every operation to an external cloud
// code-execution provider over its HTTP API, translating the provider's
// response shapes into the same result types the local backend produces.
// It holds one provider sandbox for its lifetime, created on Initialize
// and released on Close.
type RemoteBackend struct {
	cfg    Config
	client *http.Client

	mu        sync.Mutex
	sandboxID string
	cwd       string
}

// NewRemoteBackend creates a remote backend. The provider sandbox is
// established on Initialize.
func NewRemoteBackend(cfg Config) *RemoteBackend {
	return &RemoteBackend{
		cfg: cfg,
		client: &http.Client{
			// Exec calls block server-side for up to the command timeout;
			// leave headroom for transport.
			Timeout: cfg.commandTimeout() * 2,
		},
	}
}

func (b *RemoteBackend) Mode() Mode   { return ModeRemote }
func (b *RemoteBackend) Root() string { return b.cfg.Root }

// Initialize creates the provider sandbox. Idempotent.
func (b *RemoteBackend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sandboxID != "" {
		return nil
	}

	var resp struct {
		SandboxID string `json:"sandbox_id"`
	}
	if perr := b.call(ctx, http.MethodPost, "/v1/sandboxes", map[string]any{
		"workdir":         b.cfg.Root,
		"timeout_seconds": int(b.cfg.commandTimeout().Seconds()),
	}, &resp); perr != nil {
		return fmt.Errorf("creating provider sandbox: %s", perr.Message)
	}
	if resp.SandboxID == "" {
		return fmt.Errorf("provider returned no sandbox id")
	}

	b.sandboxID = resp.SandboxID
	b.cwd = "."
	return nil
}

// Close releases the provider sandbox. Idempotent; safe to call even if
// Initialize never ran.
func (b *RemoteBackend) Close(ctx context.Context) error {
	b.mu.Lock()
	id := b.sandboxID
	b.sandboxID = ""
	b.mu.Unlock()
	if id == "" {
		return nil
	}
	if perr := b.call(ctx, http.MethodDelete, "/v1/sandboxes/"+id, nil, nil); perr != nil {
		return fmt.Errorf("releasing provider sandbox: %s", perr.Message)
	}
	return nil
}

func (b *RemoteBackend) session() (string, *OpError) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sandboxID == "" {
		return "", opErr(ErrNotInitialized, "backend not initialized")
	}
	return b.sandboxID, nil
}

func (b *RemoteBackend) Read(ctx context.Context, path string) ReadResult {
	id, perr := b.session()
	if perr != nil {
		return ReadResult{Err: perr}
	}
	var resp struct {
		Content string `json:"content"`
	}
	if perr := b.call(ctx, http.MethodPost, "/v1/sandboxes/"+id+"/files/read", map[string]any{
		"path": path,
	}, &resp); perr != nil {
		return ReadResult{Err: perr}
	}
	return ReadResult{OK: true, Content: resp.Content}
}

func (b *RemoteBackend) Write(ctx context.Context, path, content string) WriteResult {
	id, perr := b.session()
	if perr != nil {
		return WriteResult{Err: perr}
	}
	var resp struct {
		Path      string `json:"path"`
		SizeBytes int64  `json:"size_bytes"`
		Created   bool   `json:"created"`
	}
	if perr := b.call(ctx, http.MethodPost, "/v1/sandboxes/"+id+"/files/write", map[string]any{
		"path":    path,
		"content": content,
	}, &resp); perr != nil {
		return WriteResult{Err: perr}
	}
	change := ChangeModified
	if resp.Created {
		change = ChangeCreated
	}
	return WriteResult{OK: true, Path: resp.Path, SizeBytes: resp.SizeBytes, Change: change}
}

// Edit is composed client-side from read and write; execution providers do
// not expose a first-occurrence replace primitive. Semantics match the
// local backend exactly.
func (b *RemoteBackend) Edit(ctx context.Context, path, oldStr, newStr string) WriteResult {
	current := b.Read(ctx, path)
	if !current.OK {
		return WriteResult{Err: current.Err}
	}
	if !strings.Contains(current.Content, oldStr) {
		return WriteResult{Err: opErr(ErrPatternNotFound, fmt.Sprintf("string not found in %s", path))}
	}
	updated := strings.Replace(current.Content, oldStr, newStr, 1)
	res := b.Write(ctx, path, updated)
	if res.OK {
		res.Change = ChangeModified
	}
	return res
}

func (b *RemoteBackend) List(ctx context.Context, path string) ListResult {
	id, perr := b.session()
	if perr != nil {
		return ListResult{Err: perr}
	}
	var resp struct {
		Entries []ListEntry `json:"entries"`
	}
	if perr := b.call(ctx, http.MethodPost, "/v1/sandboxes/"+id+"/files/list", map[string]any{
		"path": path,
	}, &resp); perr != nil {
		return ListResult{Err: perr}
	}
	return ListResult{OK: true, Entries: resp.Entries}
}

func (b *RemoteBackend) Search(ctx context.Context, pattern, path string, maxMatches int) SearchResult {
	id, perr := b.session()
	if perr != nil {
		return SearchResult{Err: perr}
	}
	var resp struct {
		Matches []SearchMatch `json:"matches"`
	}
	if perr := b.call(ctx, http.MethodPost, "/v1/sandboxes/"+id+"/files/search", map[string]any{
		"pattern":     pattern,
		"path":        path,
		"max_matches": maxMatches,
	}, &resp); perr != nil {
		return SearchResult{Err: perr}
	}
	return SearchResult{OK: true, Matches: resp.Matches}
}

// Exec forwards the command to the provider. The denylist still runs here
// first — a forbidden command never leaves the process.
func (b *RemoteBackend) Exec(ctx context.Context, command string) ShellResult {
	id, perr := b.session()
	if perr != nil {
		return ShellResult{ExitCode: 1, Err: perr}
	}
	if perr := CheckCommand(command); perr != nil {
		return ShellResult{Stderr: perr.Message, ExitCode: 1, Err: perr}
	}

	b.mu.Lock()
	cwd := b.cwd
	b.mu.Unlock()

	var resp struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exit_code"`
		TimedOut bool   `json:"timed_out"`
	}
	if perr := b.call(ctx, http.MethodPost, "/v1/sandboxes/"+id+"/exec", map[string]any{
		"command":         command,
		"cwd":             cwd,
		"timeout_seconds": int(b.cfg.commandTimeout().Seconds()),
	}, &resp); perr != nil {
		return ShellResult{ExitCode: 1, Err: perr}
	}

	result := ShellResult{
		Stdout:   truncateString(resp.Stdout, b.cfg.maxOutputBytes()),
		Stderr:   truncateString(resp.Stderr, b.cfg.maxOutputBytes()),
		ExitCode: resp.ExitCode,
		RanIn:    cwd,
	}
	if resp.TimedOut {
		result.Err = opErr(ErrTimeout, fmt.Sprintf("command timed out after %s", b.cfg.commandTimeout()))
		return result
	}
	result.OK = resp.ExitCode == 0
	return result
}

func (b *RemoteBackend) Chdir(path string) ShellResult {
	id, perr := b.session()
	if perr != nil {
		return ShellResult{ExitCode: 1, Err: perr}
	}
	var resp struct {
		Cwd string `json:"cwd"`
	}
	if perr := b.call(context.Background(), http.MethodPost, "/v1/sandboxes/"+id+"/chdir", map[string]any{
		"path": path,
	}, &resp); perr != nil {
		return ShellResult{ExitCode: 1, Stderr: perr.Message, Err: perr}
	}

	b.mu.Lock()
	b.cwd = resp.Cwd
	b.mu.Unlock()
	return ShellResult{OK: true, Stdout: resp.Cwd, RanIn: resp.Cwd}
}

// call performs one provider request and decodes the JSON response into
// out. Provider errors come back as {"error": "..."} with an HTTP status;
// the status is mapped onto the error taxonomy.
func (b *RemoteBackend) call(ctx context.Context, method, path string, body any, out any) *OpError {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return opErr(ErrBackendFailure, err.Error())
		}
		reader = bytes.NewReader(data)
	}

	url := strings.TrimSuffix(b.cfg.RemoteEndpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return opErr(ErrBackendFailure, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.RemoteCredential != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.RemoteCredential)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return opErr(ErrBackendFailure, fmt.Sprintf("provider request failed: %v", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(b.cfg.maxOutputBytes())+4096))
	if err != nil {
		return opErr(ErrBackendFailure, err.Error())
	}

	if resp.StatusCode >= 400 {
		var eb struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &eb)
		msg := eb.Error
		if msg == "" {
			msg = fmt.Sprintf("provider returned HTTP %d", resp.StatusCode)
		}
		switch resp.StatusCode {
		case http.StatusNotFound:
			return opErr(ErrNotFound, msg)
		case http.StatusForbidden, http.StatusBadRequest:
			return opErr(ErrPathRejected, msg)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return opErr(ErrTimeout, msg)
		default:
			return opErr(ErrBackendFailure, msg)
		}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return opErr(ErrBackendFailure, fmt.Sprintf("decoding provider response: %v", err))
		}
	}
	return nil
}

func truncateString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
