// Package workspace implements the shared multi-agent workspace service
// and the per-session sandbox manager built on top of it.
//
// A Service wraps one sandbox backend rooted at one confinement root. The
// shared instance is visible to every agent in the town simultaneously;
// per-session instances are created and evicted by the Manager. Isolation
// between instances is structural — separate roots, separate backends —
// not enforced by locking.
package workspace

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ElizenDevVini/eliza-town-sub000/internal/observability"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/protocol"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/sandbox"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/storage"
)

// maxChangeLog caps the in-memory change ring buffer per service instance.
const maxChangeLog = 100

// Notifier receives broadcast events. Implementations must not block; the
// service never waits on delivery and never assumes it succeeded.
type Notifier interface {
	Notify(env *protocol.Envelope)
}

// FileChangeRecord is a logged fact that a file was created, modified, or
// deleted under this service's confinement root. Filepath is always
// relative to that root.
type FileChangeRecord struct {
	ChangeType sandbox.ChangeType `json:"change_type"`
	Filepath   string             `json:"filepath"`
	Actor      string             `json:"actor"`
	Timestamp  time.Time          `json:"timestamp"`
	SizeBytes  int64              `json:"size_bytes,omitempty"`
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithMetrics attaches a metrics collector. Nil-safe.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithAuditStore attaches a durable change-audit store. Append failures
// are logged, never surfaced to the caller.
func WithAuditStore(store storage.ChangeStore, scope string) Option {
	return func(s *Service) {
		s.audit = store
		s.auditScope = scope
	}
}

// Service is one workspace execution environment: a sandbox backend plus a
// bounded change log and change broadcasting. Safe for concurrent use;
// concurrent writes to the same file are last-write-wins with no merge,
// which is a documented limitation, not a defect.
type Service struct {
	backend sandbox.Backend
	logger  *slog.Logger
	metrics *observability.MetricsCollector

	audit      storage.ChangeStore
	auditScope string

	mu          sync.Mutex
	notifier    Notifier
	changes     []FileChangeRecord
	initialized bool
}

// NewService creates a workspace service over a backend selected by cfg.
// Call Initialize before any operation.
func NewService(cfg sandbox.Config, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		backend: sandbox.New(cfg),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize prepares the backend and stores the broadcast notifier.
// Idempotent; later calls with a different notifier replace it.
func (s *Service) Initialize(ctx context.Context, notifier Notifier) error {
	if err := s.backend.Initialize(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.notifier = notifier
	s.initialized = true
	s.mu.Unlock()

	s.logger.Info("workspace service initialized",
		slog.String("mode", string(s.backend.Mode())),
		slog.String("root", s.backend.Root()),
	)
	return nil
}

// Mode reports the backend mode for observability.
func (s *Service) Mode() sandbox.Mode { return s.backend.Mode() }

// Root returns the confinement root.
func (s *Service) Root() string { return s.backend.Root() }

func (s *Service) ready() *sandbox.OpError {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return &sandbox.OpError{Kind: sandbox.ErrNotInitialized, Message: "workspace not initialized"}
	}
	return nil
}

// Read returns the contents of a file under the root.
func (s *Service) Read(ctx context.Context, path string) sandbox.ReadResult {
	if perr := s.ready(); perr != nil {
		return sandbox.ReadResult{Err: perr}
	}
	start := time.Now()
	res := s.backend.Read(ctx, path)
	s.observe("read", res.OK, time.Since(start))
	return res
}

// Write replaces the whole file at path, creating parents as needed, and
// records the change.
func (s *Service) Write(ctx context.Context, actor, path, content string) sandbox.WriteResult {
	if perr := s.ready(); perr != nil {
		return sandbox.WriteResult{Err: perr}
	}
	start := time.Now()
	res := s.backend.Write(ctx, path, content)
	s.observe("write", res.OK, time.Since(start))
	if res.OK {
		s.recordChange(ctx, res.Change, res.Path, actor, res.SizeBytes)
	}
	return res
}

// Edit replaces the first occurrence of oldStr in the file and records the
// change as a modification.
func (s *Service) Edit(ctx context.Context, actor, path, oldStr, newStr string) sandbox.WriteResult {
	if perr := s.ready(); perr != nil {
		return sandbox.WriteResult{Err: perr}
	}
	start := time.Now()
	res := s.backend.Edit(ctx, path, oldStr, newStr)
	s.observe("edit", res.OK, time.Since(start))
	if res.OK {
		s.recordChange(ctx, sandbox.ChangeModified, res.Path, actor, res.SizeBytes)
	}
	return res
}

// List returns the immediate children of a directory.
func (s *Service) List(ctx context.Context, path string) sandbox.ListResult {
	if perr := s.ready(); perr != nil {
		return sandbox.ListResult{Err: perr}
	}
	start := time.Now()
	res := s.backend.List(ctx, path)
	s.observe("list", res.OK, time.Since(start))
	return res
}

// Search looks for a case-insensitive substring under path.
func (s *Service) Search(ctx context.Context, pattern, path string, maxMatches int) sandbox.SearchResult {
	if perr := s.ready(); perr != nil {
		return sandbox.SearchResult{Err: perr}
	}
	start := time.Now()
	res := s.backend.Search(ctx, pattern, path, maxMatches)
	s.observe("search", res.OK, time.Since(start))
	return res
}

// Exec runs a shell command inside the confinement root.
func (s *Service) Exec(ctx context.Context, command string) sandbox.ShellResult {
	if perr := s.ready(); perr != nil {
		return sandbox.ShellResult{ExitCode: 1, Err: perr}
	}
	start := time.Now()
	res := s.backend.Exec(ctx, command)
	s.observe("exec", res.OK, time.Since(start))
	if res.Err != nil && res.Err.Kind == sandbox.ErrCommandForbidden && s.metrics != nil {
		s.metrics.PolicyRejectionsTotal.WithLabelValues("command").Inc()
	}
	return res
}

// Chdir moves the working directory for subsequent relative operations.
func (s *Service) Chdir(path string) sandbox.ShellResult {
	if perr := s.ready(); perr != nil {
		return sandbox.ShellResult{ExitCode: 1, Err: perr}
	}
	start := time.Now()
	res := s.backend.Chdir(path)
	s.observe("chdir", res.OK, time.Since(start))
	return res
}

// RecentChanges returns the most recent limit records, newest last. Every
// committed write is visible to any call issued after that write returned;
// no ordering is guaranteed between unsequenced concurrent writes.
func (s *Service) RecentChanges(limit int) []FileChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.changes) {
		limit = len(s.changes)
	}
	out := make([]FileChangeRecord, limit)
	copy(out, s.changes[len(s.changes)-limit:])
	return out
}

// FileCount walks the root and counts files, excluding dotfiles and
// anything under dot-directories. Observability only.
func (s *Service) FileCount() int {
	root := s.backend.Root()
	count := 0
	_ = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasPrefix(d.Name(), ".") {
			count++
		}
		return nil
	})
	return count
}

// Close releases the backend and clears the change log. Idempotent and
// safe to call even if Initialize never ran.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	wasInitialized := s.initialized
	s.initialized = false
	s.changes = nil
	s.notifier = nil
	s.mu.Unlock()

	if !wasInitialized {
		return nil
	}
	if err := s.backend.Close(ctx); err != nil {
		return err
	}
	s.logger.Info("workspace service closed", slog.String("root", s.backend.Root()))
	return nil
}

// recordChange appends to the ring buffer, broadcasts, and persists to the
// audit store if one is attached.
func (s *Service) recordChange(ctx context.Context, change sandbox.ChangeType, relPath, actor string, size int64) {
	rec := FileChangeRecord{
		ChangeType: change,
		Filepath:   relPath,
		Actor:      actor,
		Timestamp:  time.Now().UTC(),
		SizeBytes:  size,
	}

	s.mu.Lock()
	s.changes = append(s.changes, rec)
	if len(s.changes) > maxChangeLog {
		s.changes = s.changes[len(s.changes)-maxChangeLog:]
	}
	notifier := s.notifier
	s.mu.Unlock()

	if notifier != nil {
		env, err := protocol.NewEnvelope(protocol.EvtFileChanged, protocol.FileChangedPayload{
			ChangeType: string(rec.ChangeType),
			Filepath:   rec.Filepath,
			Actor:      rec.Actor,
			SizeBytes:  rec.SizeBytes,
			Timestamp:  rec.Timestamp,
		})
		if err == nil {
			env.SessionID = s.auditScope
			notifier.Notify(env)
		}
	}

	if s.audit != nil {
		if err := s.audit.Append(ctx, &storage.ChangeRecord{
			Scope:      s.auditScope,
			ChangeType: string(rec.ChangeType),
			Filepath:   rec.Filepath,
			Actor:      rec.Actor,
			SizeBytes:  rec.SizeBytes,
			CreatedAt:  rec.Timestamp,
		}); err != nil {
			s.logger.Warn("audit append failed", slog.String("error", err.Error()))
		}
	}
}

func (s *Service) observe(op string, ok bool, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	mode := string(s.backend.Mode())
	s.metrics.WorkspaceOpsTotal.WithLabelValues(op, mode, status).Inc()
	s.metrics.WorkspaceOpDuration.WithLabelValues(op, mode).Observe(elapsed.Seconds())
}
