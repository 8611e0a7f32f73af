package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
workspace: /srv/town/workspace
data_dir: /srv/town/data
sandbox:
  mode: local
  command_timeout_s: 60
sessions:
  idle_timeout_s: 1800
  sweep_interval_s: 60
tools:
  code_execution_enabled: true
gateway:
  listen_addr: ":9090"
  api_keys:
    - key-one
  rate_limit:
    requests_per_minute: 120
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != "/srv/town/workspace" {
		t.Errorf("Workspace = %q", cfg.Workspace)
	}
	if cfg.Sandbox.CommandTimeout() != 60*time.Second {
		t.Errorf("CommandTimeout = %v", cfg.Sandbox.CommandTimeout())
	}
	if cfg.Sessions.IdleTimeout() != 30*time.Minute {
		t.Errorf("IdleTimeout = %v", cfg.Sessions.IdleTimeout())
	}
	if !cfg.Tools.CodeExecutionEnabled {
		t.Error("CodeExecutionEnabled = false")
	}
	if cfg.Gateway.Addr() != ":9090" {
		t.Errorf("Addr = %q", cfg.Gateway.Addr())
	}
	if len(cfg.Gateway.APIKeys) != 1 || cfg.Gateway.APIKeys[0] != "key-one" {
		t.Errorf("APIKeys = %v", cfg.Gateway.APIKeys)
	}
	if cfg.Gateway.RateLimit.RequestsPerMinute != 120 {
		t.Errorf("RequestsPerMinute = %d", cfg.Gateway.RateLimit.RequestsPerMinute)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "workspace": "/srv/town/ws",
  "sandbox": {"mode": "local"}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != "/srv/town/ws" {
		t.Errorf("Workspace = %q", cfg.Workspace)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load on missing file succeeded")
	}
}

func TestDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", "sandbox:\n  mode: local\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Sandbox.SandboxMode() != "local" {
		t.Errorf("SandboxMode = %q", cfg.Sandbox.SandboxMode())
	}
	if cfg.Sandbox.CommandTimeout() != 30*time.Second {
		t.Errorf("CommandTimeout = %v", cfg.Sandbox.CommandTimeout())
	}
	if cfg.Sessions.IdleTimeout() != time.Hour {
		t.Errorf("IdleTimeout = %v", cfg.Sessions.IdleTimeout())
	}
	if cfg.Sessions.SweepInterval() != 5*time.Minute {
		t.Errorf("SweepInterval = %v", cfg.Sessions.SweepInterval())
	}
	if cfg.Gateway.Addr() != ":8080" {
		t.Errorf("Addr = %q", cfg.Gateway.Addr())
	}
	if cfg.Tools.CodeExecutionEnabled {
		t.Error("code execution enabled by default")
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("StorageDriverName = %q", cfg.StorageDriverName())
	}
	if !strings.HasSuffix(cfg.SessionsBaseDir(), "sessions") {
		t.Errorf("SessionsBaseDir = %q", cfg.SessionsBaseDir())
	}
	if filepath.Base(cfg.DatabasePath()) != "changes.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath())
	}
}

func TestRemoteModeRequiresEndpoint(t *testing.T) {
	path := writeConfig(t, "config.yaml", "sandbox:\n  mode: remote\n")
	if _, err := Load(path); err == nil {
		t.Error("remote mode without endpoint validated")
	}

	path = writeConfig(t, "config.yaml", `
sandbox:
  mode: remote
  remote_endpoint: https://provider.example.com
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.RemoteEndpoint != "https://provider.example.com" {
		t.Errorf("RemoteEndpoint = %q", cfg.Sandbox.RemoteEndpoint)
	}
}

func TestInvalidMode(t *testing.T) {
	path := writeConfig(t, "config.yaml", "sandbox:\n  mode: docker\n")
	if _, err := Load(path); err == nil {
		t.Error("unsupported mode validated")
	}
}

func TestNegativeValuesRejected(t *testing.T) {
	tests := []struct {
		name, body string
	}{
		{"timeout", "sandbox:\n  command_timeout_s: -1\n"},
		{"output", "sandbox:\n  max_output_bytes: -1\n"},
		{"idle", "sessions:\n  idle_timeout_s: -1\n"},
		{"rate", "gateway:\n  rate_limit:\n    requests_per_minute: -1\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "config.yaml", tc.body)
			if _, err := Load(path); err == nil {
				t.Errorf("negative %s validated", tc.name)
			}
		})
	}
}

func TestPostgresRequiresDSN(t *testing.T) {
	path := writeConfig(t, "config.yaml", "storage:\n  driver: postgres\n")
	if _, err := Load(path); err == nil {
		t.Error("postgres without DSN validated")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ELIZA_WORKSPACE", "/env/workspace")
	t.Setenv("ELIZA_SANDBOX_ENDPOINT", "https://env.example.com")
	t.Setenv("ELIZA_SANDBOX_CREDENTIAL", "env-cred")
	t.Setenv("ELIZA_API_KEY", "env-key")
	t.Setenv("ELIZA_DB_DSN", "postgres://env/db")

	path := writeConfig(t, "config.yaml", `
workspace: /file/workspace
sandbox:
  mode: remote
  remote_endpoint: https://file.example.com
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Workspace != "/env/workspace" {
		t.Errorf("Workspace = %q, env override lost", cfg.Workspace)
	}
	if cfg.Sandbox.RemoteEndpoint != "https://env.example.com" {
		t.Errorf("RemoteEndpoint = %q", cfg.Sandbox.RemoteEndpoint)
	}
	if cfg.Sandbox.RemoteCredential != "env-cred" {
		t.Errorf("RemoteCredential = %q", cfg.Sandbox.RemoteCredential)
	}
	if len(cfg.Gateway.APIKeys) != 1 || cfg.Gateway.APIKeys[0] != "env-key" {
		t.Errorf("APIKeys = %v", cfg.Gateway.APIKeys)
	}
	if cfg.Storage == nil || cfg.Storage.Postgres == nil || cfg.Storage.Postgres.DSN != "postgres://env/db" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.StorageDriverName() != "postgres" {
		t.Errorf("StorageDriverName = %q", cfg.StorageDriverName())
	}
}

func TestSessionsBaseDirFollowsDataDir(t *testing.T) {
	path := writeConfig(t, "config.yaml", "data_dir: /srv/town/data\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.SessionsBaseDir(); got != filepath.Join("/srv/town/data", "sessions") {
		t.Errorf("SessionsBaseDir = %q", got)
	}

	path = writeConfig(t, "config.yaml", "sessions:\n  base_dir: /custom/sessions\n")
	cfg, err = Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.SessionsBaseDir(); got != "/custom/sessions" {
		t.Errorf("SessionsBaseDir = %q", got)
	}
}
