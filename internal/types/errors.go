package types

import "errors"

// Failure classes shared by the orchestrator, workers and schedulers.
// Callers match them with errors.Is.
var (
	// ErrBusy means the session already has a run in flight.
	ErrBusy = errors.New("session busy")
	// ErrNotFound means an unknown session or trigger id.
	ErrNotFound = errors.New("not found")
	// ErrTimeout means a run exceeded its allotted time.
	ErrTimeout = errors.New("run timed out")
	// ErrProcess means the agent process crashed, exited or could not spawn.
	ErrProcess = errors.New("agent process error")
	// ErrConfig means a trigger cannot be scheduled.
	ErrConfig = errors.New("invalid trigger configuration")
	// ErrInvalidRequest means a submission was rejected before any run existed.
	ErrInvalidRequest = errors.New("invalid request")
)
