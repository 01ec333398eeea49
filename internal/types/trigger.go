package types

import (
	"encoding/json"
	"time"
)

type ScheduleMode string

const (
	ModeDaily    ScheduleMode = "daily"
	ModeInterval ScheduleMode = "interval"
	ModeOnce     ScheduleMode = "once"
	ModeCron     ScheduleMode = "cron"
)

// Schedule describes when a trigger fires. Which fields matter depends on
// Mode: Time+Timezone for daily, IntervalMinutes for interval, At for once,
// Expression(+Timezone) for cron.
type Schedule struct {
	Mode            ScheduleMode `json:"mode"`
	Time            string       `json:"time,omitempty"`
	Timezone        string       `json:"timezone,omitempty"`
	IntervalMinutes float64      `json:"interval_minutes,omitempty"`
	At              *time.Time   `json:"at,omitempty"`
	Expression      string       `json:"expression,omitempty"`
}

// Trigger is one entry of a schedule-definition file.
type Trigger struct {
	ID               TriggerID      `json:"id"`
	Title            string         `json:"title,omitempty"`
	Description      string         `json:"description,omitempty"`
	Schedule         Schedule       `json:"schedule"`
	PromptText       string         `json:"prompt_text"`
	Enabled          bool           `json:"enabled"`
	Tags             []string       `json:"tags,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	LastFired        *time.Time     `json:"last_fired"`
	GatewaySessionID string         `json:"gateway_session_id,omitempty"`
	SystemPrompt     string         `json:"system_prompt,omitempty"`
	Env              map[string]any `json:"env,omitempty"`
	Cwd              string         `json:"cwd,omitempty"`
	TimeoutMs        int64          `json:"timeout_ms,omitempty"`
	IdleTimeoutMs    int64          `json:"idle_timeout_ms,omitempty"`
}

// Fingerprint identifies the trigger's full content; two triggers with the
// same fingerprint schedule identically.
func (t *Trigger) Fingerprint() string {
	data, err := json.Marshal(t)
	if err != nil {
		return string(t.ID)
	}
	return string(data)
}

// TriggerDocument is the decoded form of a schedule-definition file.
type TriggerDocument struct {
	Version   int        `json:"version"`
	UpdatedAt time.Time  `json:"updated_at"`
	Triggers  []*Trigger `json:"triggers"`
}
