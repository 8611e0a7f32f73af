// Package sandbox provides confined execution backends for the town
// workspace. A backend exposes file and shell operations against a single
// confinement root; every path is validated against that root and every
// command is screened against a denylist before any I/O occurs.
//
// The local backend is a directory-confinement convention, not a kernel
// sandbox. It narrows the blast radius of an unsupervised agent; it does
// not guarantee safety against a determined adversary.
package sandbox

import (
	"context"
	"time"
)

// Mode selects the backend implementation.
type Mode string

const (
	// ModeLocal runs against the real filesystem and a spawned shell.
	ModeLocal Mode = "local"
	// ModeRemote forwards every call to an external code-execution provider.
	ModeRemote Mode = "remote"
)

// Config configures a backend. Immutable after construction.
type Config struct {
	Mode Mode
	// Root is the confinement root. All path-based operations must resolve
	// below it.
	Root string
	// RemoteEndpoint is the base URL of the cloud execution provider
	// (remote mode only).
	RemoteEndpoint string
	// RemoteCredential authenticates against the provider (remote mode only).
	RemoteCredential string
	// CommandTimeout bounds the wall clock of a single shell command.
	// Zero = 30s default.
	CommandTimeout time.Duration
	// MaxOutputBytes caps captured stdout/stderr. Zero = 1 MB default.
	MaxOutputBytes int
	// MaxFileSizeBytes caps file reads and writes. Zero = 10 MB default.
	MaxFileSizeBytes int64
}

// Backend is the capability interface implemented by the local and remote
// executors. All operations return results as data — errors cross the
// boundary inside the result, never as a panic.
//
// The rest of the system never branches on the implementation except to
// report the mode for observability.
type Backend interface {
	// Initialize prepares the backend: ensures the confinement root exists
	// (local) or establishes the provider session (remote). Idempotent.
	Initialize(ctx context.Context) error

	Read(ctx context.Context, path string) ReadResult
	Write(ctx context.Context, path, content string) WriteResult
	Edit(ctx context.Context, path, oldStr, newStr string) WriteResult
	List(ctx context.Context, path string) ListResult
	Search(ctx context.Context, pattern, path string, maxMatches int) SearchResult
	Exec(ctx context.Context, command string) ShellResult
	// Chdir changes the backend's notion of the current directory for
	// subsequent relative operations, still confined to the root.
	Chdir(path string) ShellResult

	// Mode reports which implementation this is, for observability only.
	Mode() Mode
	// Root returns the confinement root.
	Root() string

	// Close releases backend resources. Idempotent.
	Close(ctx context.Context) error
}

// New constructs the backend selected by cfg.Mode. The choice is made once
// here; callers hold only the Backend interface afterwards.
func New(cfg Config) Backend {
	if cfg.Mode == ModeRemote {
		return NewRemoteBackend(cfg)
	}
	return NewLocalBackend(cfg)
}

const (
	defaultCommandTimeout = 30 * time.Second
	defaultMaxOutputBytes = 1 << 20  // 1 MB
	defaultMaxFileSize    = 10 << 20 // 10 MB
)

func (c Config) commandTimeout() time.Duration {
	if c.CommandTimeout > 0 {
		return c.CommandTimeout
	}
	return defaultCommandTimeout
}

func (c Config) maxOutputBytes() int {
	if c.MaxOutputBytes > 0 {
		return c.MaxOutputBytes
	}
	return defaultMaxOutputBytes
}

func (c Config) maxFileSize() int64 {
	if c.MaxFileSizeBytes > 0 {
		return c.MaxFileSizeBytes
	}
	return defaultMaxFileSize
}
