// Package session holds the per-user reconciliation state: the two uploaded
// files, the processing flag and the current result.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cleared-dev/tally/internal/importer"
	"github.com/cleared-dev/tally/internal/logging"
	"github.com/cleared-dev/tally/internal/model"
	"github.com/cleared-dev/tally/internal/normalize"
)

var (
	// ErrNotReady means a side has no successfully loaded file.
	ErrNotReady = errors.New("both files must be loaded before reconciling")
	// ErrRunInProgress means a reconciliation is already running.
	ErrRunInProgress = errors.New("a reconciliation is already in progress")
	// ErrNoResult means no reconciliation has completed since the last change.
	ErrNoResult = errors.New("no reconciliation result available")
	// ErrStale means the inputs changed while a reconciliation was running,
	// so its result was discarded.
	ErrStale = errors.New("inputs changed during reconciliation")
)

// Reconciler compares internal records against provider records.
// *reconcile.Engine implements it.
type Reconciler interface {
	Reconcile(internal, provider []model.Record) (model.Result, error)
}

// SideError ties a load failure to the side it came from.
type SideError struct {
	Side model.Side
	Err  error
}

func (e *SideError) Error() string { return fmt.Sprintf("%s file: %v", e.Side, e.Err) }

func (e *SideError) Unwrap() error { return e.Err }

// Upload is the outcome of the last load for one side. Exactly one of Batch
// and Err is set.
type Upload struct {
	FileName string
	Batch    *normalize.Batch
	Err      error
	LoadedAt time.Time
}

// Ready reports whether the upload produced records.
func (u *Upload) Ready() bool { return u != nil && u.Err == nil && u.Batch != nil }

// State is a point-in-time copy of a session.
type State struct {
	ID         string
	Internal   *Upload
	Provider   *Upload
	Processing bool
	Result     *model.Result
	CreatedAt  time.Time
	LastSeen   time.Time
}

// Session is safe for concurrent use.
type Session struct {
	ID string

	mu         sync.Mutex
	opts       importer.Options
	uploads    map[model.Side]*Upload
	result     *model.Result
	processing bool
	generation uint64 // bumped on every change that invalidates a result
	createdAt  time.Time
	lastSeen   time.Time

	logger *slog.Logger
	now    func() time.Time
}

// New creates an empty session.
func New(id string, opts importer.Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Session{
		ID:      id,
		opts:    opts,
		uploads: make(map[model.Side]*Upload, 2),
		logger:  logger.With("session", id),
		now:     time.Now,
	}
	s.createdAt = s.now()
	s.lastSeen = s.createdAt
	return s
}

// Load reads and normalizes r as the file for side. A failure is recorded
// for that side and returned wrapped in a SideError; the other side is left
// alone. A successful load discards any previous result.
func (s *Session) Load(side model.Side, name string, r io.Reader) (*normalize.Batch, error) {
	batch, err := normalize.ReadBatch(r, s.opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	up := &Upload{FileName: name, LoadedAt: s.now()}
	s.lastSeen = up.LoadedAt
	if err != nil {
		up.Err = err
		s.uploads[side] = up
		s.invalidate()
		s.logger.Warn("file rejected", "side", side, "file", name, "error", err)
		return nil, &SideError{Side: side, Err: err}
	}

	up.Batch = batch
	s.uploads[side] = up
	s.invalidate()
	s.logger.Info("file loaded",
		"side", side,
		"file", name,
		"records", len(batch.Records),
		"discarded", batch.Discarded,
		"warnings", len(batch.Warnings),
	)
	return batch, nil
}

// Reconcile runs engine over the loaded records and replaces the current
// result. Only one run per session may be in flight. If a load or reset
// happens while the run is in flight, the result is dropped and ErrStale is
// returned.
func (s *Session) Reconcile(engine Reconciler) (model.Result, error) {
	s.mu.Lock()
	if s.processing {
		s.mu.Unlock()
		return model.Result{}, ErrRunInProgress
	}
	in, pr := s.uploads[model.SideInternal], s.uploads[model.SideProvider]
	if !in.Ready() || !pr.Ready() {
		s.mu.Unlock()
		return model.Result{}, ErrNotReady
	}
	internal, provider := in.Batch.Records, pr.Batch.Records
	gen := s.generation
	s.processing = true
	s.lastSeen = s.now()
	s.mu.Unlock()

	start := time.Now()
	res, err := engine.Reconcile(internal, provider)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = false
	if err != nil {
		s.logger.Warn("reconcile failed", "error", err)
		return model.Result{}, err
	}
	if gen != s.generation {
		s.logger.Info("reconcile result discarded", "reason", "inputs changed")
		return model.Result{}, ErrStale
	}
	s.result = &res
	s.logger.Info("reconciled",
		"matched", res.Summary.Matched,
		"internal_only", res.Summary.InternalOnly,
		"provider_only", res.Summary.ProviderOnly,
		"amount_mismatches", res.Summary.AmountMismatches,
		"status_mismatches", res.Summary.StatusMismatches,
		"duration", time.Since(start),
	)
	return res, nil
}

// Result returns the current result.
func (s *Session) Result() (model.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = s.now()
	if s.result == nil {
		return model.Result{}, ErrNoResult
	}
	return *s.result, nil
}

// Columns returns the header order of the file loaded for side.
func (s *Session) Columns(side model.Side) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if up := s.uploads[side]; up.Ready() {
		return append([]string(nil), up.Batch.Columns...)
	}
	return nil
}

// Snapshot copies the session state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		ID:         s.ID,
		Processing: s.processing,
		CreatedAt:  s.createdAt,
		LastSeen:   s.lastSeen,
	}
	if up := s.uploads[model.SideInternal]; up != nil {
		cp := *up
		st.Internal = &cp
	}
	if up := s.uploads[model.SideProvider]; up != nil {
		cp := *up
		st.Provider = &cp
	}
	if s.result != nil {
		res := *s.result
		st.Result = &res
	}
	return st
}

// Reset discards both uploads and the result.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = make(map[model.Side]*Upload, 2)
	s.invalidate()
	s.lastSeen = s.now()
	s.logger.Info("session reset")
}

// idleSince reports when the session was last used.
func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = s.now()
	s.mu.Unlock()
}

// invalidate must be called with mu held.
func (s *Session) invalidate() {
	s.result = nil
	s.generation++
}
