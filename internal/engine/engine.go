package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"squadline/internal/backend"
	"squadline/internal/config"
	"squadline/internal/domain"
	"squadline/internal/events"
	"squadline/internal/metrics"
	"squadline/internal/registry"
	"squadline/internal/repo"
	"squadline/internal/session"
)

// ErrNoStore is returned by operations that need the workspace database.
var ErrNoStore = errors.New("no workspace database configured")

// Engine coordinates dispatches against one immutable config version.
// Copies share the session store and playbook locks.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Registry *registry.Registry
	Sessions *session.Store
	Adapter  *backend.Adapter
	// Runner executes gate checks.
	Runner  backend.Runner
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time

	locks *keyedLocks
}

// New wires an engine. db may be nil, in which case sessions live only in
// memory and playbook operations fail with ErrNoStore.
func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	var persister session.Persister
	if db != nil {
		persister = r
	}
	logger := zap.NewNop()
	runner := backend.ExecRunner{}
	adapter := backend.NewAdapter(runner, logger)
	if cfg.Dispatch.Timeout > 0 {
		adapter.DefaultTimeout = cfg.Dispatch.Timeout
	}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Registry: registry.New(cfg),
		Sessions: session.New(persister),
		Adapter:  adapter,
		Runner:   runner,
		Logger:   logger,
		Metrics:  metrics.New(),
		Now:      time.Now,
		locks:    newKeyedLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// WithLogger returns a copy logging to l.
func (e Engine) WithLogger(l *zap.Logger) Engine {
	if l == nil {
		l = zap.NewNop()
	}
	a := *e.Adapter
	a.Logger = l
	e.Adapter = &a
	e.Logger = l
	return e
}

// WithRunner returns a copy running backends and gate checks through r.
func (e Engine) WithRunner(r backend.Runner) Engine {
	a := *e.Adapter
	a.Runner = r
	e.Adapter = &a
	e.Runner = r
	return e
}

// WithConfig returns a copy bound to a new config version. Live sessions
// are kept.
func (e Engine) WithConfig(cfg *config.Config) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return e, err
	}
	e.Config = cfg
	e.Registry = e.Registry.WithConfig(cfg)
	a := *e.Adapter
	if cfg.Dispatch.Timeout > 0 {
		a.DefaultTimeout = cfg.Dispatch.Timeout
	}
	e.Adapter = &a
	return e, nil
}

// Restore primes the session store from the workspace database.
func (e Engine) Restore(ctx context.Context) error {
	if e.DB == nil {
		return nil
	}
	snaps, err := e.Repo.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	e.Sessions.Restore(snaps)
	return nil
}

func (e Engine) projectID() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Project.ID
}

// Roles lists every role with its default backend.
func (e Engine) Roles() []registry.RoleBinding {
	return e.Registry.Roles()
}

// ListSessions returns snapshots of all live sessions.
func (e Engine) ListSessions() []domain.SessionSnapshot {
	return e.Sessions.List()
}

// Reset discards the conversation for (role, backend). It waits for an
// in-flight turn on the same key.
func (e Engine) Reset(ctx context.Context, role domain.Role, backendName string) (domain.SessionSnapshot, error) {
	if !domain.ValidRole(role) {
		return domain.SessionSnapshot{}, registry.UnknownRoleError{Role: string(role)}
	}
	if _, ok := e.Config.Backend(backendName); !ok {
		return domain.SessionSnapshot{}, registry.UnknownBackendError{Backend: backendName}
	}
	s, err := e.Sessions.Reset(ctx, role, backendName)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	snap := s.Snapshot()
	e.appendEvent(ctx, events.TypeSessionReset, "session", s.Key().String(), events.EventPayload{"session_id": snap.ID})
	e.Logger.Info("session reset", zap.String("session", s.Key().String()), zap.String("session_id", snap.ID))
	return snap, nil
}

// appendEvent records an audit event. Failures are logged, the operation
// that produced the event has already happened.
func (e Engine) appendEvent(ctx context.Context, evtType, entityKind, entityID string, payload events.EventPayload) {
	if e.DB == nil {
		return
	}
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	if err := w.Append(ctx, nil, evtType, e.projectID(), entityKind, entityID, payload); err != nil {
		e.Logger.Warn("append event", zap.String("type", evtType), zap.Error(err))
	}
}

// keyedLocks hands out one mutex per key.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedLocks) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}
