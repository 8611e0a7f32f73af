package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ElizenDevVini/eliza-town-sub000/internal/observability"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/protocol"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/sandbox"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/storage"
)

const (
	defaultMaxIdle       = time.Hour
	defaultSweepInterval = 5 * time.Minute
	maxSessionIDLen      = 128
)

// sessionIDStrip removes every character outside [A-Za-z0-9_-]. This runs
// before a session id is ever used to build a filesystem path; it is the
// sole defense against traversal or collision through a malformed id.
var sessionIDStrip = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SanitizeSessionID strips disallowed characters and validates length.
func SanitizeSessionID(raw string) (string, *sandbox.OpError) {
	cleaned := sessionIDStrip.ReplaceAllString(raw, "")
	if cleaned == "" || len(cleaned) > maxSessionIDLen {
		return "", &sandbox.OpError{
			Kind:    sandbox.ErrInvalidSessionID,
			Message: fmt.Sprintf("invalid session id %q", raw),
		}
	}
	return cleaned, nil
}

// ManagerConfig configures the per-session sandbox manager.
type ManagerConfig struct {
	// BaseDir is the directory holding one sub-directory per session.
	BaseDir string
	// MaxIdle evicts sessions untouched for longer than this. Zero = 1 h.
	MaxIdle time.Duration
	// SweepInterval is the eviction sweep period. Zero = 5 min.
	SweepInterval time.Duration
	// CommandTimeout is passed through to each session's backend.
	CommandTimeout time.Duration
}

func (c ManagerConfig) maxIdle() time.Duration {
	if c.MaxIdle > 0 {
		return c.MaxIdle
	}
	return defaultMaxIdle
}

func (c ManagerConfig) sweepInterval() time.Duration {
	if c.SweepInterval > 0 {
		return c.SweepInterval
	}
	return defaultSweepInterval
}

// SessionInfo describes one active session sandbox for Stats.
type SessionInfo struct {
	SessionID      string    `json:"session_id"`
	Directory      string    `json:"directory"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	FileCount      int       `json:"file_count"`
}

type sessionEntry struct {
	svc            *Service
	directory      string
	createdAt      time.Time
	lastAccessedAt time.Time
}

// Manager owns the registry of per-session workspace services, each rooted
// at BaseDir/<sanitized-id> and always in local mode — remote execution is
// reserved for the shared agent workspace. Sessions are created lazily,
// touched on every access, and evicted after MaxIdle by a periodic sweep.
type Manager struct {
	cfg      ManagerConfig
	logger   *slog.Logger
	notifier Notifier
	metrics  *observability.MetricsCollector
	audit    storage.ChangeStore

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	cron     *cron.Cron
	started  bool
}

// ManagerOption configures optional Manager collaborators.
type ManagerOption func(*Manager)

// WithManagerMetrics attaches a metrics collector.
func WithManagerMetrics(m *observability.MetricsCollector) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithManagerAuditStore attaches the change-audit store; each session's
// service records under its own scope.
func WithManagerAuditStore(store storage.ChangeStore) ManagerOption {
	return func(mgr *Manager) { mgr.audit = store }
}

// NewManager creates a per-session sandbox manager. Call Start before use.
func NewManager(cfg ManagerConfig, notifier Notifier, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		notifier: notifier,
		sessions: make(map[string]*sessionEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the idle-eviction sweep. Must be called before any other
// operation; using an unstarted manager is a programming error and panics.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	m.cron = cron.New()
	schedule := fmt.Sprintf("@every %s", m.cfg.sweepInterval())
	if _, err := m.cron.AddFunc(schedule, m.Sweep); err != nil {
		return fmt.Errorf("scheduling eviction sweep: %w", err)
	}
	m.cron.Start()
	m.started = true

	m.logger.Info("session sandbox manager started",
		slog.String("base_dir", m.cfg.BaseDir),
		slog.Duration("max_idle", m.cfg.maxIdle()),
		slog.Duration("sweep_interval", m.cfg.sweepInterval()),
	)
	return nil
}

func (m *Manager) mustBeStarted() {
	if !m.started {
		panic("workspace: manager used before Start")
	}
}

// GetOrCreate returns the workspace service for the session, creating and
// initializing it on first access. Touches the last-accessed timestamp.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string) (*Service, *sandbox.OpError) {
	cleaned, perr := SanitizeSessionID(sessionID)
	if perr != nil {
		return nil, perr
	}

	m.mu.Lock()
	m.mustBeStarted()
	if entry, ok := m.sessions[cleaned]; ok {
		entry.lastAccessedAt = time.Now().UTC()
		svc := entry.svc
		m.mu.Unlock()
		return svc, nil
	}
	m.mu.Unlock()

	dir := filepath.Join(m.cfg.BaseDir, cleaned)
	opts := []Option{WithMetrics(m.metrics)}
	if m.audit != nil {
		opts = append(opts, WithAuditStore(m.audit, cleaned))
	}
	svc := NewService(sandbox.Config{
		Mode:           sandbox.ModeLocal,
		Root:           dir,
		CommandTimeout: m.cfg.CommandTimeout,
	}, m.logger.With(slog.String("session_id", cleaned)), opts...)

	if err := svc.Initialize(ctx, m.notifier); err != nil {
		return nil, &sandbox.OpError{
			Kind:    sandbox.ErrBackendFailure,
			Message: fmt.Sprintf("initializing session sandbox: %v", err),
		}
	}

	now := time.Now().UTC()
	m.mu.Lock()
	// Another request may have created the session while the lock was
	// released; keep the registered one and discard ours.
	if existing, ok := m.sessions[cleaned]; ok {
		existing.lastAccessedAt = now
		winner := existing.svc
		m.mu.Unlock()
		_ = svc.Close(ctx)
		return winner, nil
	}
	m.sessions[cleaned] = &sessionEntry{
		svc:            svc,
		directory:      svc.Root(),
		createdAt:      now,
		lastAccessedAt: now,
	}
	active := len(m.sessions)
	m.mu.Unlock()

	m.setActiveSessions(active)
	m.logger.Info("session sandbox created",
		slog.String("session_id", cleaned),
		slog.String("directory", svc.Root()),
	)
	m.notifyLifecycle(protocol.EvtSessionCreated, cleaned, svc.Root(), "")

	return svc, nil
}

// Close tears down one session explicitly. Unknown ids are a no-op.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	cleaned, perr := SanitizeSessionID(sessionID)
	if perr != nil {
		return perr
	}

	m.mu.Lock()
	m.mustBeStarted()
	entry, ok := m.sessions[cleaned]
	if ok {
		delete(m.sessions, cleaned)
	}
	active := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	m.setActiveSessions(active)
	if err := entry.svc.Close(ctx); err != nil {
		m.logger.Warn("session sandbox close failed",
			slog.String("session_id", cleaned),
			slog.String("error", err.Error()),
		)
	}
	m.logger.Info("session sandbox closed", slog.String("session_id", cleaned))
	m.notifyLifecycle(protocol.EvtSessionClosed, cleaned, entry.directory, "explicit")
	return nil
}

// Sweep evicts every session idle for longer than MaxIdle. Removal from
// the registry and resource close happen as one step from the registry's
// point of view: entries are unregistered under the lock, then closed. An
// in-flight operation against an evicted session may fail with a backend
// error; the registry never holds a half-closed entry.
func (m *Manager) Sweep() {
	cutoff := time.Now().UTC().Add(-m.cfg.maxIdle())

	m.mu.Lock()
	var evicted []struct {
		id    string
		entry *sessionEntry
	}
	for id, entry := range m.sessions {
		if entry.lastAccessedAt.Before(cutoff) {
			evicted = append(evicted, struct {
				id    string
				entry *sessionEntry
			}{id, entry})
			delete(m.sessions, id)
		}
	}
	active := len(m.sessions)
	m.mu.Unlock()

	if len(evicted) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, e := range evicted {
		if err := e.entry.svc.Close(ctx); err != nil {
			m.logger.Warn("evicted session close failed",
				slog.String("session_id", e.id),
				slog.String("error", err.Error()),
			)
		}
		m.logger.Info("session sandbox evicted",
			slog.String("session_id", e.id),
			slog.Time("last_accessed_at", e.entry.lastAccessedAt),
		)
		if m.metrics != nil {
			m.metrics.SessionEvictionsTotal.Inc()
		}
		m.notifyLifecycle(protocol.EvtSessionClosed, e.id, e.entry.directory, "idle")
	}
	m.setActiveSessions(active)
}

// Stats enumerates all active sessions. Observability only, no side
// effects — last-accessed timestamps are not touched.
func (m *Manager) Stats() []SessionInfo {
	m.mu.Lock()
	m.mustBeStarted()
	// Timestamps are mutated under m.mu on every access; snapshot them
	// before releasing the lock.
	infos := make([]SessionInfo, 0, len(m.sessions))
	svcs := make([]*Service, 0, len(m.sessions))
	for id, e := range m.sessions {
		infos = append(infos, SessionInfo{
			SessionID:      id,
			Directory:      e.directory,
			CreatedAt:      e.createdAt,
			LastAccessedAt: e.lastAccessedAt,
		})
		svcs = append(svcs, e.svc)
	}
	m.mu.Unlock()

	// File counts walk the session directory; keep that outside the lock.
	for i := range infos {
		infos[i].FileCount = svcs[i].FileCount()
	}
	return infos
}

// CloseAll stops the sweep and closes every session sequentially,
// tolerating individual failures. Used at shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	if m.cron != nil {
		m.cron.Stop()
	}
	sessions := m.sessions
	m.sessions = make(map[string]*sessionEntry)
	m.mu.Unlock()

	for id, entry := range sessions {
		if err := entry.svc.Close(ctx); err != nil {
			m.logger.Warn("session sandbox close failed",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	m.setActiveSessions(0)
	m.logger.Info("all session sandboxes closed", slog.Int("count", len(sessions)))
}

func (m *Manager) notifyLifecycle(evt protocol.EventType, sessionID, dir, reason string) {
	if m.notifier == nil {
		return
	}
	env, err := protocol.NewEnvelope(evt, protocol.SessionLifecyclePayload{
		SessionID: sessionID,
		Directory: dir,
		Reason:    reason,
	})
	if err != nil {
		return
	}
	env.SessionID = sessionID
	m.notifier.Notify(env)
}

func (m *Manager) setActiveSessions(n int) {
	if m.metrics != nil {
		m.metrics.ActiveSessions.Set(float64(n))
	}
}
