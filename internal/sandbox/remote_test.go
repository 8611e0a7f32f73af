package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeProvider is a minimal in-memory stand-in for the cloud execution
// provider's HTTP API.
type fakeProvider struct {
	mu        sync.Mutex
	files     map[string]string
	sandboxes map[string]bool
	released  []string
	authSeen  string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		files:     make(map[string]string),
		sandboxes: make(map[string]bool),
	}
}

func (f *fakeProvider) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/sandboxes", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.authSeen = r.Header.Get("Authorization")
		f.sandboxes["sb-1"] = true
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"sandbox_id": "sb-1"})
	})
	mux.HandleFunc("DELETE /v1/sandboxes/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		id := r.PathValue("id")
		delete(f.sandboxes, id)
		f.released = append(f.released, id)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /v1/sandboxes/{id}/files/write", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		_, existed := f.files[req.Path]
		f.files[req.Path] = req.Content
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"path":       req.Path,
			"size_bytes": len(req.Content),
			"created":    !existed,
		})
	})
	mux.HandleFunc("POST /v1/sandboxes/{id}/files/read", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Path string `json:"path"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		content, ok := f.files[req.Path]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "file not found: " + req.Path})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"content": content})
	})
	mux.HandleFunc("POST /v1/sandboxes/{id}/exec", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Command string `json:"command"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if strings.Contains(req.Command, "slow") {
			json.NewEncoder(w).Encode(map[string]any{
				"stdout": "partial", "stderr": "", "exit_code": -1, "timed_out": true,
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"stdout": "ran: " + req.Command, "stderr": "", "exit_code": 0,
		})
	})
	mux.HandleFunc("POST /v1/sandboxes/{id}/chdir", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Path string `json:"path"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]string{"cwd": req.Path})
	})

	return mux
}

func newRemoteTestBackend(t *testing.T) (*RemoteBackend, *fakeProvider) {
	t.Helper()
	provider := newFakeProvider()
	srv := httptest.NewServer(provider.handler())
	t.Cleanup(srv.Close)

	b := NewRemoteBackend(Config{
		Mode:             ModeRemote,
		Root:             "/workspace",
		RemoteEndpoint:   srv.URL,
		RemoteCredential: "secret-token",
	})
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return b, provider
}

func TestRemoteInitialize(t *testing.T) {
	b, provider := newRemoteTestBackend(t)

	if b.Mode() != ModeRemote {
		t.Errorf("Mode = %q", b.Mode())
	}
	if provider.authSeen != "Bearer secret-token" {
		t.Errorf("Authorization = %q", provider.authSeen)
	}

	// Idempotent: no second sandbox is created.
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if len(provider.sandboxes) != 1 {
		t.Errorf("sandboxes = %d, want 1", len(provider.sandboxes))
	}
}

func TestRemoteNotInitialized(t *testing.T) {
	b := NewRemoteBackend(Config{RemoteEndpoint: "http://127.0.0.1:1"})
	res := b.Read(context.Background(), "f.txt")
	if res.OK || res.Err == nil || res.Err.Kind != ErrNotInitialized {
		t.Errorf("Read = %+v, want not_initialized", res)
	}
}

func TestRemoteWriteReadRoundTrip(t *testing.T) {
	b, _ := newRemoteTestBackend(t)
	ctx := context.Background()

	wr := b.Write(ctx, "f.txt", "hello")
	if !wr.OK {
		t.Fatalf("Write: %+v", wr.Err)
	}
	if wr.Change != ChangeCreated {
		t.Errorf("Change = %q, want %q", wr.Change, ChangeCreated)
	}

	wr = b.Write(ctx, "f.txt", "hello again")
	if !wr.OK || wr.Change != ChangeModified {
		t.Errorf("rewrite = %+v, want modified", wr)
	}

	rd := b.Read(ctx, "f.txt")
	if !rd.OK || rd.Content != "hello again" {
		t.Errorf("Read = %+v", rd)
	}
}

func TestRemoteReadMissing(t *testing.T) {
	b, _ := newRemoteTestBackend(t)
	res := b.Read(context.Background(), "missing.txt")
	if res.OK || res.Err == nil || res.Err.Kind != ErrNotFound {
		t.Errorf("Read missing = %+v, want not_found", res)
	}
}

func TestRemoteEditComposedClientSide(t *testing.T) {
	b, _ := newRemoteTestBackend(t)
	ctx := context.Background()

	b.Write(ctx, "f.txt", "foo foo")
	res := b.Edit(ctx, "f.txt", "foo", "bar")
	if !res.OK || res.Change != ChangeModified {
		t.Fatalf("Edit = %+v", res)
	}

	rd := b.Read(ctx, "f.txt")
	if rd.Content != "bar foo" {
		t.Errorf("content = %q, want %q", rd.Content, "bar foo")
	}

	miss := b.Edit(ctx, "f.txt", "absent", "x")
	if miss.OK || miss.Err == nil || miss.Err.Kind != ErrPatternNotFound {
		t.Errorf("Edit absent = %+v, want pattern_not_found", miss)
	}
}

func TestRemoteExec(t *testing.T) {
	b, _ := newRemoteTestBackend(t)
	res := b.Exec(context.Background(), "echo hi")
	if !res.OK {
		t.Fatalf("Exec: %+v", res.Err)
	}
	if res.Stdout != "ran: echo hi" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRemoteExecForbiddenNeverLeavesProcess(t *testing.T) {
	b, _ := newRemoteTestBackend(t)
	res := b.Exec(context.Background(), "rm -rf /")
	if res.OK {
		t.Error("OK = true for forbidden command")
	}
	if res.Err == nil || res.Err.Kind != ErrCommandForbidden {
		t.Fatalf("err = %+v, want command_forbidden", res.Err)
	}
	if res.Stderr != "Command forbidden by security policy" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestRemoteExecTimeout(t *testing.T) {
	b, _ := newRemoteTestBackend(t)
	res := b.Exec(context.Background(), "slow build")
	if res.OK {
		t.Error("OK = true for timed-out command")
	}
	if res.Err == nil || res.Err.Kind != ErrTimeout {
		t.Fatalf("err = %+v, want timeout", res.Err)
	}
	if res.Stdout != "partial" {
		t.Errorf("partial stdout lost: %q", res.Stdout)
	}
}

func TestRemoteChdir(t *testing.T) {
	b, _ := newRemoteTestBackend(t)
	res := b.Chdir("sub")
	if !res.OK || res.RanIn != "sub" {
		t.Fatalf("Chdir = %+v", res)
	}
}

func TestRemoteClose(t *testing.T) {
	b, provider := newRemoteTestBackend(t)
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(provider.released) != 1 || provider.released[0] != "sb-1" {
		t.Errorf("released = %v", provider.released)
	}
	// Idempotent.
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if len(provider.released) != 1 {
		t.Errorf("released twice: %v", provider.released)
	}
}
