// internal/types/interfaces.go
package types

import (
	"context"
)

// SessionStore is the run metadata store. It is the only owner of session
// state; every mutation goes through one of its methods.
type SessionStore interface {
	Create(ctx context.Context, opts SessionOptions) (*Session, error)
	Get(ctx context.Context, id SessionID) (*Session, error)
	// Resolve accepts either an internal session id or an agent-native
	// thread id.
	Resolve(ctx context.Context, ref string) (*Session, error)
	List(ctx context.Context) ([]*Session, error)
	// BeginRun appends a running Run. It fails with ErrBusy if the session
	// already has one.
	BeginRun(ctx context.Context, id SessionID, run *Run) error
	FinishRun(ctx context.Context, id SessionID, runID RunID, out RunOutcome) (*Run, error)
	SetStatus(ctx context.Context, id SessionID, status SessionStatus) error
	RecoverInterrupted(ctx context.Context) (int, error)
}
