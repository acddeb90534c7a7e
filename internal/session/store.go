package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cleared-dev/tally/internal/importer"
	"github.com/cleared-dev/tally/internal/logging"
)

// ErrNotFound means no session has the requested ID.
var ErrNotFound = errors.New("session not found")

// Store keeps live sessions in memory. Nothing is persisted.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session

	ttl    time.Duration
	opts   importer.Options
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a store whose sessions expire after ttl of inactivity.
// A zero ttl disables expiry.
func NewStore(ttl time.Duration, opts importer.Options, logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Create starts a new session.
func (st *Store) Create() *Session {
	s := New(uuid.NewString(), st.opts, st.logger)
	s.now = st.now
	s.createdAt = st.now()
	s.lastSeen = s.createdAt

	st.mu.Lock()
	st.sessions[s.ID] = s
	n := len(st.sessions)
	st.mu.Unlock()

	st.logger.Debug("session created", "session", s.ID, "live", n)
	return s
}

// Get returns the session with id and marks it as used.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	st.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	s.touch()
	return s, nil
}

// Delete removes the session with id.
func (st *Store) Delete(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(st.sessions, id)
	return nil
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Sweep removes sessions idle for longer than the TTL and returns how many
// were removed.
func (st *Store) Sweep() int {
	if st.ttl <= 0 {
		return 0
	}
	cutoff := st.now().Add(-st.ttl)

	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	for id, s := range st.sessions {
		if s.idleSince().Before(cutoff) {
			delete(st.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		st.logger.Info("expired sessions removed", "count", removed, "live", len(st.sessions))
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (st *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || st.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.Sweep()
		}
	}
}
