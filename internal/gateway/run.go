package gateway

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/user/agentgate/internal/agent"
	"github.com/user/agentgate/internal/types"
)

// Default lower clamp bounds for per-run timeouts.
const (
	MinTimeout     = 5 * time.Second
	MinIdleTimeout = 60 * time.Second
)

// Request is one prompt submission. A SessionRef or Persistent routes it to
// a session worker; otherwise it runs as a one-shot execution.
type Request struct {
	Messages      []types.Message `json:"messages"`
	SystemPrompt  string          `json:"system_prompt,omitempty"`
	SessionRef    string          `json:"session_id,omitempty"`
	ResumeID      string          `json:"resume_id,omitempty"`
	Persistent    bool            `json:"persistent,omitempty"`
	TimeoutMs     int64           `json:"timeout_ms,omitempty"`
	IdleTimeoutMs int64           `json:"idle_timeout_ms,omitempty"`
	Cwd           string          `json:"cwd,omitempty"`
	Env           map[string]any  `json:"env,omitempty"`
	Model         string          `json:"model,omitempty"`
}

// Result is the terminal outcome of a submission. Both ids can be passed
// back as a SessionRef.
type Result struct {
	SessionID types.SessionID `json:"session_id"`
	ThreadID  string          `json:"thread_id,omitempty"`
	RunID     types.RunID     `json:"run_id"`
	Status    types.RunStatus `json:"status"`
	Content   string          `json:"content"`
	Events    []agent.Event   `json:"events"`
	Error     string          `json:"error,omitempty"`
}

// OK reports whether the run completed.
func (r *Result) OK() bool {
	return r.Status == types.RunCompleted
}

// Err returns the run's failure as an error wrapping ErrTimeout or
// ErrProcess, or nil when the run completed.
func (r *Result) Err() error {
	switch r.Status {
	case types.RunTimeout:
		return fmt.Errorf("%s: %w", r.Error, types.ErrTimeout)
	case types.RunError:
		return fmt.Errorf("%s: %w", r.Error, types.ErrProcess)
	default:
		return nil
	}
}

// Limits bounds per-run and idle timeouts.
type Limits struct {
	DefaultTimeout     time.Duration
	MinTimeout         time.Duration
	MaxTimeout         time.Duration
	DefaultIdleTimeout time.Duration
	MinIdleTimeout     time.Duration
	MaxIdleTimeout     time.Duration
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		DefaultTimeout:     10 * time.Minute,
		MinTimeout:         MinTimeout,
		MaxTimeout:         60 * time.Minute,
		DefaultIdleTimeout: 15 * time.Minute,
		MinIdleTimeout:     MinIdleTimeout,
		MaxIdleTimeout:     24 * time.Hour,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.DefaultTimeout <= 0 {
		l.DefaultTimeout = d.DefaultTimeout
	}
	if l.MinTimeout <= 0 {
		l.MinTimeout = d.MinTimeout
	}
	if l.MaxTimeout <= 0 {
		l.MaxTimeout = d.MaxTimeout
	}
	if l.DefaultIdleTimeout <= 0 {
		l.DefaultIdleTimeout = d.DefaultIdleTimeout
	}
	if l.MinIdleTimeout <= 0 {
		l.MinIdleTimeout = d.MinIdleTimeout
	}
	if l.MaxIdleTimeout <= 0 {
		l.MaxIdleTimeout = d.MaxIdleTimeout
	}
	return l
}

// Timeout resolves a requested run timeout in milliseconds, falling back to
// fallbackMs and then the default, and clamps it to [MinTimeout, MaxTimeout].
func (l Limits) Timeout(requestedMs, fallbackMs int64) time.Duration {
	return clamp(pick(requestedMs, fallbackMs, l.DefaultTimeout), l.MinTimeout, l.MaxTimeout)
}

// IdleTimeout is Timeout for the idle-shutdown timer.
func (l Limits) IdleTimeout(requestedMs, fallbackMs int64) time.Duration {
	return clamp(pick(requestedMs, fallbackMs, l.DefaultIdleTimeout), l.MinIdleTimeout, l.MaxIdleTimeout)
}

func pick(requestedMs, fallbackMs int64, def time.Duration) time.Duration {
	switch {
	case requestedMs > 0:
		return time.Duration(requestedMs) * time.Millisecond
	case fallbackMs > 0:
		return time.Duration(fallbackMs) * time.Millisecond
	}
	return def
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if hi < lo {
		hi = lo
	}
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// NormalizeEnv upper-cases variable names and keeps string values only.
func NormalizeEnv(env map[string]any) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		key := strings.ToUpper(strings.TrimSpace(k))
		if key == "" || strings.ContainsAny(key, "= ") {
			slog.Warn("dropping invalid env name", "name", k)
			continue
		}
		s, ok := v.(string)
		if !ok {
			slog.Warn("dropping non-string env value", "name", key, "type", fmt.Sprintf("%T", v))
			continue
		}
		out[key] = s
	}
	return out
}

func promptPreview(messages []types.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.EqualFold(messages[i].Role, "user") || messages[i].Role == "" {
			return types.Preview(messages[i].Content)
		}
	}
	return types.Preview(messages[len(messages)-1].Content)
}
