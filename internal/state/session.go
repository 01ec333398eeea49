// internal/state/session.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/agentgate/internal/types"
)

// DefaultRunHistory is how many runs a session keeps when no limit is given.
const DefaultRunHistory = 50

// SessionStore is a JSON-file-backed session store.
// It stores every session (with its run history) in sessions/sessions.json
// and creates per-session directories at sessions/<sessionID>/.
type SessionStore struct {
	root       string
	runHistory int
	mu         sync.RWMutex
	// stopPending holds sessions whose process stopped while a run was in
	// flight. FinishRun settles them as stopped instead of idle.
	stopPending map[types.SessionID]bool
}

// NewSessionStore creates a new file-backed SessionStore rooted at the given
// directory. runHistory bounds the runs kept per session; zero means
// DefaultRunHistory.
func NewSessionStore(root string, runHistory int) *SessionStore {
	if runHistory <= 0 {
		runHistory = DefaultRunHistory
	}
	return &SessionStore{root: root, runHistory: runHistory, stopPending: make(map[types.SessionID]bool)}
}

func (s *SessionStore) indexPath() string {
	return filepath.Join(s.root, "sessions", "sessions.json")
}

func (s *SessionStore) sessionsDir() string {
	return filepath.Join(s.root, "sessions")
}

// SessionDir returns the per-session directory holding triggers and transcripts.
func (s *SessionStore) SessionDir(id types.SessionID) string {
	return filepath.Join(s.root, "sessions", string(id))
}

// loadIndex reads sessions.json and returns a map keyed by SessionID.
func (s *SessionStore) loadIndex() (map[types.SessionID]*types.Session, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.SessionID]*types.Session), nil
		}
		return nil, fmt.Errorf("read session index: %w", err)
	}

	var sessions []*types.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("unmarshal session index: %w", err)
	}

	index := make(map[types.SessionID]*types.Session, len(sessions))
	for _, sess := range sessions {
		index[sess.ID] = sess
	}
	return index, nil
}

// saveIndex converts the map to a slice, marshals with indentation, and writes atomically.
func (s *SessionStore) saveIndex(index map[types.SessionID]*types.Session) error {
	sessions := make([]*types.Session, 0, len(index))
	for _, sess := range index {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}

	dir := s.sessionsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp index: %w", err)
	}
	return nil
}

// update runs fn against the session under the write lock and persists the
// whole index if fn succeeds.
func (s *SessionStore) update(id types.SessionID, fn func(index map[types.SessionID]*types.Session, sess *types.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	sess, ok := index[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	if err := fn(index, sess); err != nil {
		return err
	}
	sess.UpdatedAt = time.Now()
	return s.saveIndex(index)
}

// Create allocates a new idle session.
func (s *SessionStore) Create(_ context.Context, opts types.SessionOptions) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &types.Session{
		ID:             types.NewSessionID(),
		Status:         types.SessionIdle,
		Model:          opts.Model,
		Cwd:            opts.Cwd,
		TimeoutMs:      opts.TimeoutMs,
		IdleTimeoutMs:  opts.IdleTimeoutMs,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
		Runs:           []*types.Run{},
	}
	index[sess.ID] = sess

	if err := s.saveIndex(index); err != nil {
		return nil, err
	}

	// Create session directory on demand
	if err := os.MkdirAll(s.SessionDir(sess.ID), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	return sess.Clone(), nil
}

// Get returns the session with the given internal ID.
func (s *SessionStore) Get(_ context.Context, id types.SessionID) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	sess, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	return sess.Clone(), nil
}

// Resolve looks a session up by internal id first, then by agent-native
// thread id.
func (s *SessionStore) Resolve(_ context.Context, ref string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ref == "" {
		return nil, fmt.Errorf("empty session reference: %w", types.ErrNotFound)
	}
	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	if sess, ok := index[types.SessionID(ref)]; ok {
		return sess.Clone(), nil
	}
	for _, sess := range index {
		if sess.ThreadID == ref {
			return sess.Clone(), nil
		}
	}
	return nil, fmt.Errorf("session %s: %w", ref, types.ErrNotFound)
}

// List returns all sessions, most recently active first.
func (s *SessionStore) List(_ context.Context) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	sessions := make([]*types.Session, 0, len(index))
	for _, sess := range index {
		sessions = append(sessions, sess.Clone())
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})
	return sessions, nil
}

// BeginRun records a new running Run, enforcing one in-flight run per session.
func (s *SessionStore) BeginRun(_ context.Context, id types.SessionID, run *types.Run) error {
	return s.update(id, func(_ map[types.SessionID]*types.Session, sess *types.Session) error {
		if active := sess.ActiveRun(); active != nil {
			return fmt.Errorf("session %s has run %s in flight: %w", id, active.ID, types.ErrBusy)
		}
		rc := *run
		rc.Status = types.RunRunning
		sess.Runs = append(sess.Runs, &rc)
		sess.Status = types.SessionRunning
		delete(s.stopPending, id)
		sess.LastActivityAt = rc.StartedAt
		s.trimHistory(sess)
		return nil
	})
}

// FinishRun moves a running Run to its terminal status and latches the
// agent-native thread id onto the session the first time one is reported.
func (s *SessionStore) FinishRun(_ context.Context, id types.SessionID, runID types.RunID, out types.RunOutcome) (*types.Run, error) {
	var finished *types.Run
	err := s.update(id, func(index map[types.SessionID]*types.Session, sess *types.Session) error {
		var run *types.Run
		for _, r := range sess.Runs {
			if r.ID == runID {
				run = r
				break
			}
		}
		if run == nil {
			return fmt.Errorf("run %s: %w", runID, types.ErrNotFound)
		}
		if run.Status.Terminal() {
			return fmt.Errorf("run %s already %s", runID, run.Status)
		}

		now := time.Now()
		run.Status = out.Status
		run.CompletedAt = &now
		run.DurationMs = now.Sub(run.StartedAt).Milliseconds()
		run.ContentPreview = types.Preview(out.Content)
		run.Error = out.Error

		if s.stopPending[id] {
			delete(s.stopPending, id)
			sess.Status = types.SessionStopped
		} else if sess.Status == types.SessionRunning {
			sess.Status = types.SessionIdle
		}
		sess.LastActivityAt = now

		if out.ThreadID != "" && sess.ThreadID == "" {
			if owner := threadOwner(index, out.ThreadID); owner != "" && owner != sess.ID {
				slog.Warn("thread id already mapped to another session",
					"thread_id", out.ThreadID, "session_id", string(sess.ID), "owner", string(owner))
			} else {
				sess.ThreadID = out.ThreadID
			}
		}

		rc := *run
		finished = &rc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return finished, nil
}

// SetStatus records the session's process status. While a run is in flight
// the run owns the status; a stop is remembered and applied by FinishRun.
func (s *SessionStore) SetStatus(_ context.Context, id types.SessionID, status types.SessionStatus) error {
	return s.update(id, func(_ map[types.SessionID]*types.Session, sess *types.Session) error {
		if sess.ActiveRun() != nil && status != types.SessionRunning {
			if status == types.SessionStopped {
				s.stopPending[id] = true
			}
			return nil
		}
		delete(s.stopPending, id)
		sess.Status = status
		return nil
	})
}

// RecoverInterrupted fails every run left running by a previous process.
// It returns how many runs were recovered.
func (s *SessionStore) RecoverInterrupted(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	recovered := 0
	for _, sess := range index {
		for _, r := range sess.Runs {
			if r.Status != types.RunRunning {
				continue
			}
			r.Status = types.RunError
			r.Error = "interrupted by gateway restart"
			r.CompletedAt = &now
			r.DurationMs = now.Sub(r.StartedAt).Milliseconds()
			recovered++
		}
		if sess.Status != types.SessionStopped {
			sess.Status = types.SessionStopped
			sess.UpdatedAt = now
		}
	}
	if len(index) == 0 {
		return 0, nil
	}
	return recovered, s.saveIndex(index)
}

func (s *SessionStore) trimHistory(sess *types.Session) {
	excess := len(sess.Runs) - s.runHistory
	if excess <= 0 {
		return
	}
	kept := make([]*types.Run, 0, s.runHistory)
	for _, r := range sess.Runs {
		if excess > 0 && r.Status != types.RunRunning {
			excess--
			continue
		}
		kept = append(kept, r)
	}
	sess.Runs = kept
}

func threadOwner(index map[types.SessionID]*types.Session, threadID string) types.SessionID {
	for _, sess := range index {
		if sess.ThreadID == threadID {
			return sess.ID
		}
	}
	return ""
}
