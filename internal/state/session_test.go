// internal/state/session_test.go
package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/agentgate/internal/types"
)

func TestSessionStore(t *testing.T) {
	dir := t.TempDir()
	store := NewSessionStore(dir, 0)
	ctx := context.Background()

	sess, err := store.Create(ctx, types.SessionOptions{Model: "o4-mini", TimeoutMs: 60000})
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID == "" {
		t.Error("expected non-empty session ID")
	}
	if sess.Status != types.SessionIdle {
		t.Errorf("expected idle, got %s", sess.Status)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Model != "o4-mini" {
		t.Errorf("expected model o4-mini, got %s", got.Model)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionStoreSingleFlight(t *testing.T) {
	store := NewSessionStore(t.TempDir(), 0)
	ctx := context.Background()

	sess, err := store.Create(ctx, types.SessionOptions{})
	if err != nil {
		t.Fatal(err)
	}

	first := &types.Run{ID: types.NewRunID(), StartedAt: time.Now(), PromptPreview: "one"}
	if err := store.BeginRun(ctx, sess.ID, first); err != nil {
		t.Fatal(err)
	}
	second := &types.Run{ID: types.NewRunID(), StartedAt: time.Now(), PromptPreview: "two"}
	if err := store.BeginRun(ctx, sess.ID, second); !errors.Is(err, types.ErrBusy) {
		t.Fatalf("expected ErrBusy for second run, got %v", err)
	}

	got, _ := store.Get(ctx, sess.ID)
	if got.Status != types.SessionRunning {
		t.Errorf("expected running session, got %s", got.Status)
	}

	run, err := store.FinishRun(ctx, sess.ID, first.ID, types.RunOutcome{
		Status:   types.RunCompleted,
		Content:  "done",
		ThreadID: "thread-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != types.RunCompleted || run.CompletedAt == nil {
		t.Errorf("expected completed run with completion time, got %+v", run)
	}

	if err := store.BeginRun(ctx, sess.ID, second); err != nil {
		t.Fatalf("expected second run accepted after first finished, got %v", err)
	}

	if _, err := store.FinishRun(ctx, sess.ID, first.ID, types.RunOutcome{Status: types.RunError}); err == nil {
		t.Error("expected error finishing an already terminal run")
	}
}

func TestSessionStoreResolveByThreadID(t *testing.T) {
	store := NewSessionStore(t.TempDir(), 0)
	ctx := context.Background()

	a, _ := store.Create(ctx, types.SessionOptions{})
	b, _ := store.Create(ctx, types.SessionOptions{})

	for _, sess := range []*types.Session{a, b} {
		run := &types.Run{ID: types.NewRunID(), StartedAt: time.Now()}
		if err := store.BeginRun(ctx, sess.ID, run); err != nil {
			t.Fatal(err)
		}
		// Both report the same thread; only the first may own it.
		if _, err := store.FinishRun(ctx, sess.ID, run.ID, types.RunOutcome{Status: types.RunCompleted, ThreadID: "thr"}); err != nil {
			t.Fatal(err)
		}
	}

	byThread, err := store.Resolve(ctx, "thr")
	if err != nil {
		t.Fatal(err)
	}
	if byThread.ID != a.ID {
		t.Errorf("expected thread to resolve to %s, got %s", a.ID, byThread.ID)
	}
	byID, err := store.Resolve(ctx, string(a.ID))
	if err != nil {
		t.Fatal(err)
	}
	if byID.ID != byThread.ID {
		t.Error("internal id and thread id resolved to different sessions")
	}

	gotB, _ := store.Get(ctx, b.ID)
	if gotB.ThreadID != "" {
		t.Errorf("expected second session to stay unmapped, got %q", gotB.ThreadID)
	}
}

func TestSessionStoreThreadLatchedOnce(t *testing.T) {
	store := NewSessionStore(t.TempDir(), 0)
	ctx := context.Background()
	sess, _ := store.Create(ctx, types.SessionOptions{})

	for _, thread := range []string{"first", "second"} {
		run := &types.Run{ID: types.NewRunID(), StartedAt: time.Now()}
		if err := store.BeginRun(ctx, sess.ID, run); err != nil {
			t.Fatal(err)
		}
		if _, err := store.FinishRun(ctx, sess.ID, run.ID, types.RunOutcome{Status: types.RunCompleted, ThreadID: thread}); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := store.Get(ctx, sess.ID)
	if got.ThreadID != "first" {
		t.Errorf("expected thread id latched to first, got %q", got.ThreadID)
	}
}

func TestSessionStoreStopDuringRun(t *testing.T) {
	store := NewSessionStore(t.TempDir(), 0)
	ctx := context.Background()
	sess, _ := store.Create(ctx, types.SessionOptions{})

	run := &types.Run{ID: types.NewRunID(), StartedAt: time.Now()}
	if err := store.BeginRun(ctx, sess.ID, run); err != nil {
		t.Fatal(err)
	}
	// The process dies before the run is recorded as finished.
	if err := store.SetStatus(ctx, sess.ID, types.SessionStopped); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, sess.ID)
	if got.Status != types.SessionRunning {
		t.Fatalf("status while run active = %s, want running", got.Status)
	}
	if _, err := store.FinishRun(ctx, sess.ID, run.ID, types.RunOutcome{Status: types.RunError, Error: "exit status 1"}); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Get(ctx, sess.ID)
	if got.Status != types.SessionStopped {
		t.Errorf("status after finish = %s, want stopped", got.Status)
	}

	// A later run on a fresh process settles as idle again.
	next := &types.Run{ID: types.NewRunID(), StartedAt: time.Now()}
	if err := store.BeginRun(ctx, sess.ID, next); err != nil {
		t.Fatal(err)
	}
	if _, err := store.FinishRun(ctx, sess.ID, next.ID, types.RunOutcome{Status: types.RunCompleted}); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Get(ctx, sess.ID)
	if got.Status != types.SessionIdle {
		t.Errorf("status after next run = %s, want idle", got.Status)
	}
}

func TestSessionStoreRecoverInterrupted(t *testing.T) {
	dir := t.TempDir()
	store := NewSessionStore(dir, 0)
	ctx := context.Background()

	sess, _ := store.Create(ctx, types.SessionOptions{})
	run := &types.Run{ID: types.NewRunID(), StartedAt: time.Now()}
	if err := store.BeginRun(ctx, sess.ID, run); err != nil {
		t.Fatal(err)
	}

	// A new store over the same directory models a gateway restart.
	restarted := NewSessionStore(dir, 0)
	n, err := restarted.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 recovered run, got %d", n)
	}

	got, _ := restarted.Get(ctx, sess.ID)
	if got.ActiveRun() != nil {
		t.Error("expected no running run after recovery")
	}
	if got.Runs[0].Status != types.RunError {
		t.Errorf("expected error status, got %s", got.Runs[0].Status)
	}
	if got.Status != types.SessionStopped {
		t.Errorf("expected stopped session, got %s", got.Status)
	}
}

func TestSessionStoreRunHistoryBound(t *testing.T) {
	store := NewSessionStore(t.TempDir(), 3)
	ctx := context.Background()
	sess, _ := store.Create(ctx, types.SessionOptions{})

	for i := 0; i < 5; i++ {
		run := &types.Run{ID: types.NewRunID(), StartedAt: time.Now()}
		if err := store.BeginRun(ctx, sess.ID, run); err != nil {
			t.Fatal(err)
		}
		if _, err := store.FinishRun(ctx, sess.ID, run.ID, types.RunOutcome{Status: types.RunCompleted}); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := store.Get(ctx, sess.ID)
	if len(got.Runs) != 3 {
		t.Errorf("expected 3 runs kept, got %d", len(got.Runs))
	}
}
