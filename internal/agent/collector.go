package agent

import "strings"

// Collector folds the events of one turn into its outcome. Partial output is
// kept so that timeouts and crashes still return what was produced.
type Collector struct {
	threadID string
	events   []Event
	messages []string
	deltas   strings.Builder
	final    string
	failure  string
	done     bool
}

// Apply records ev and reports whether it ended the turn.
func (c *Collector) Apply(ev Event) bool {
	c.events = append(c.events, ev)
	switch ev.Kind {
	case EventThreadStarted:
		if c.threadID == "" {
			c.threadID = ev.ThreadID
		}
	case EventMessageDelta:
		c.deltas.WriteString(ev.Text)
	case EventMessage:
		c.deltas.Reset()
		if ev.Text != "" {
			c.messages = append(c.messages, ev.Text)
		}
	case EventTaskComplete:
		c.final = ev.Text
	case EventTurnFailed:
		c.failure = ev.Text
		if c.failure == "" {
			c.failure = "agent reported turn failure"
		}
	}
	if ev.Terminal() {
		c.done = true
	}
	return c.done
}

// Done reports whether a terminal event was seen.
func (c *Collector) Done() bool { return c.done }

// ThreadID is the first agent-native thread id observed, if any.
func (c *Collector) ThreadID() string { return c.threadID }

// Failure is the message of a turn-failed event, empty otherwise.
func (c *Collector) Failure() string { return c.failure }

// Events returns the decoded events in arrival order.
func (c *Collector) Events() []Event { return c.events }

// Content returns the final message when the agent reported one, otherwise
// everything gathered so far.
func (c *Collector) Content() string {
	if c.final != "" {
		return c.final
	}
	parts := append([]string(nil), c.messages...)
	if c.deltas.Len() > 0 {
		parts = append(parts, c.deltas.String())
	}
	return strings.Join(parts, "\n\n")
}
