// internal/types/models.go
package types

import (
	"time"
	"unicode/utf8"
)

type SessionStatus string

const (
	SessionIdle    SessionStatus = "idle"
	SessionRunning SessionStatus = "running"
	SessionStopped SessionStatus = "stopped"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunTimeout   RunStatus = "timeout"
	RunError     RunStatus = "error"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunTimeout || s == RunError
}

// PreviewLimit bounds the prompt and content previews stored on a Run.
const PreviewLimit = 500

type Session struct {
	ID             SessionID     `json:"id"`
	ThreadID       string        `json:"thread_id,omitempty"`
	Status         SessionStatus `json:"status"`
	Model          string        `json:"model,omitempty"`
	Cwd            string        `json:"cwd,omitempty"`
	TimeoutMs      int64         `json:"timeout_ms"`
	IdleTimeoutMs  int64         `json:"idle_timeout_ms"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	Runs           []*Run        `json:"runs"`
}

// ActiveRun returns the run currently in flight, if any.
func (s *Session) ActiveRun() *Run {
	for _, r := range s.Runs {
		if r.Status == RunRunning {
			return r
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand out of a store.
func (s *Session) Clone() *Session {
	c := *s
	c.Runs = make([]*Run, len(s.Runs))
	for i, r := range s.Runs {
		rc := *r
		c.Runs[i] = &rc
	}
	return &c
}

type Run struct {
	ID             RunID      `json:"id"`
	Status         RunStatus  `json:"status"`
	Persistent     bool       `json:"persistent"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	DurationMs     int64      `json:"duration_ms"`
	PromptPreview  string     `json:"prompt_preview"`
	ContentPreview string     `json:"content_preview,omitempty"`
	ResumeID       string     `json:"resume_id,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// SessionOptions seeds a new session.
type SessionOptions struct {
	Model         string
	Cwd           string
	TimeoutMs     int64
	IdleTimeoutMs int64
}

// RunOutcome is what a finished run writes back to its record.
type RunOutcome struct {
	Status   RunStatus
	Content  string
	ThreadID string
	Error    string
}

// Message is one entry of the conversation handed to the agent.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Preview truncates s to at most PreviewLimit runes.
func Preview(s string) string {
	if utf8.RuneCountInString(s) <= PreviewLimit {
		return s
	}
	runes := []rune(s)
	return string(runes[:PreviewLimit-1]) + "…"
}
