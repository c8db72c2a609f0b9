// Package session keeps one conversation per (role, backend) pair.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"squadline/internal/domain"
)

// Key identifies a session.
type Key struct {
	Role    domain.Role
	Backend string
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.Role, k.Backend)
}

// Session is the single live handle for a key. Callers must hold the turn
// lock (Lock/Unlock) while running a prompt through it.
type Session struct {
	key  Key
	turn chan struct{}

	mu         sync.Mutex
	id         string
	history    []domain.Message
	turns      int
	createdAt  time.Time
	lastUsedAt time.Time
}

func newSession(key Key, id string, now time.Time) *Session {
	return &Session{
		key:        key,
		turn:       make(chan struct{}, 1),
		id:         id,
		createdAt:  now,
		lastUsedAt: now,
	}
}

func (s *Session) Key() Key { return s.key }

// Lock acquires the turn lock. Waiters are served in arrival order and a
// canceled context abandons the wait.
func (s *Session) Lock(ctx context.Context) error {
	select {
	case s.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the turn lock.
func (s *Session) Unlock() {
	select {
	case <-s.turn:
	default:
		panic("session: unlock of unlocked session " + s.key.String())
	}
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// History returns a copy of the orchestrator-held transcript.
func (s *Session) History() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.history...)
}

func (s *Session) Snapshot() domain.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SessionSnapshot{
		Role:       s.key.Role,
		Backend:    s.key.Backend,
		ID:         s.id,
		History:    append([]domain.Message(nil), s.history...),
		Turns:      s.turns,
		CreatedAt:  s.createdAt,
		LastUsedAt: s.lastUsedAt,
	}
}

// Persister stores session snapshots beyond the process lifetime.
type Persister interface {
	SaveSession(ctx context.Context, snap domain.SessionSnapshot) error
}

// Store owns the key to handle map.
type Store struct {
	mu        sync.Mutex
	sessions  map[Key]*Session
	persister Persister

	Now   func() time.Time
	NewID func() string
}

// New returns an empty store. persister may be nil.
func New(persister Persister) *Store {
	return &Store{
		sessions:  make(map[Key]*Session),
		persister: persister,
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
}

func (st *Store) now() time.Time {
	if st.Now != nil {
		return st.Now()
	}
	return time.Now()
}

func (st *Store) newID() string {
	if st.NewID != nil {
		return st.NewID()
	}
	return uuid.NewString()
}

// Restore primes the store from persisted snapshots. Keys already live are
// left alone.
func (st *Store) Restore(snaps []domain.SessionSnapshot) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, snap := range snaps {
		key := Key{Role: snap.Role, Backend: snap.Backend}
		if _, ok := st.sessions[key]; ok {
			continue
		}
		s := newSession(key, snap.ID, snap.CreatedAt)
		s.history = append([]domain.Message(nil), snap.History...)
		s.turns = snap.Turns
		s.lastUsedAt = snap.LastUsedAt
		st.sessions[key] = s
	}
}

// GetOrCreate returns the live handle for the key, creating it on first use.
func (st *Store) GetOrCreate(role domain.Role, backend string) *Session {
	key := Key{Role: role, Backend: backend}
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[key]; ok {
		return s
	}
	s := newSession(key, st.newID(), st.now())
	st.sessions[key] = s
	return s
}

// Lookup returns the live handle without creating one.
func (st *Store) Lookup(role domain.Role, backend string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[Key{Role: role, Backend: backend}]
	return s, ok
}

// Touch records a completed turn. msgs are appended to the transcript.
// The caller must hold the session's turn lock.
func (st *Store) Touch(ctx context.Context, s *Session, msgs ...domain.Message) error {
	s.mu.Lock()
	s.turns++
	s.lastUsedAt = st.now()
	s.history = append(s.history, msgs...)
	s.mu.Unlock()
	return st.persist(ctx, s)
}

// Reset discards the conversation for a key and starts a new one. It waits
// for any in-flight turn on the key to finish.
func (st *Store) Reset(ctx context.Context, role domain.Role, backend string) (*Session, error) {
	s := st.GetOrCreate(role, backend)
	if err := s.Lock(ctx); err != nil {
		return nil, err
	}
	defer s.Unlock()
	now := st.now()
	s.mu.Lock()
	s.id = st.newID()
	s.history = nil
	s.turns = 0
	s.createdAt = now
	s.lastUsedAt = now
	s.mu.Unlock()
	if err := st.persist(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// List returns snapshots of all live sessions ordered by key.
func (st *Store) List() []domain.SessionSnapshot {
	st.mu.Lock()
	handles := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		handles = append(handles, s)
	}
	st.mu.Unlock()
	out := make([]domain.SessionSnapshot, 0, len(handles))
	for _, s := range handles {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].Backend < out[j].Backend
	})
	return out
}

// persist saves the snapshot even when ctx is already done, so the stored
// turn count never lags the live one.
func (st *Store) persist(ctx context.Context, s *Session) error {
	if st.persister == nil {
		return nil
	}
	if err := st.persister.SaveSession(context.WithoutCancel(ctx), s.Snapshot()); err != nil {
		return fmt.Errorf("persist session %s: %w", s.key, err)
	}
	return nil
}
