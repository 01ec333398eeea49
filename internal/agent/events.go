package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// EventKind names the variants of the agent event stream the gateway acts on.
type EventKind string

const (
	EventThreadStarted EventKind = "thread_started"
	EventMessageDelta  EventKind = "message_delta"
	EventMessage       EventKind = "message"
	EventToolBegin     EventKind = "tool_begin"
	EventToolEnd       EventKind = "tool_end"
	EventTaskComplete  EventKind = "task_complete"
	EventTurnCompleted EventKind = "turn_completed"
	EventTurnFailed    EventKind = "turn_failed"
)

// Event is one decoded line of agent output.
type Event struct {
	Kind     EventKind       `json:"kind"`
	ThreadID string          `json:"thread_id,omitempty"`
	Text     string          `json:"text,omitempty"`
	Tool     string          `json:"tool,omitempty"`
	Raw      json.RawMessage `json:"raw"`
}

// Terminal reports whether the event ends the current turn.
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventTaskComplete, EventTurnCompleted, EventTurnFailed:
		return true
	}
	return false
}

// wireLine covers both stream dialects the agent CLI speaks: the flat
// {"type": ...} form of one-shot runs and the {"id", "msg": {...}} envelope
// of the long-lived protocol mode.
type wireLine struct {
	Type     string     `json:"type"`
	ThreadID string     `json:"thread_id"`
	Message  string     `json:"message"`
	Item     *wireItem  `json:"item"`
	Error    *wireError `json:"error"`
	Msg      *wireMsg   `json:"msg"`
}

type wireItem struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Command string `json:"command"`
	Server  string `json:"server"`
	Tool    string `json:"tool"`
}

type wireError struct {
	Message string `json:"message"`
}

type wireMsg struct {
	Type             string          `json:"type"`
	SessionID        string          `json:"session_id"`
	Delta            string          `json:"delta"`
	Message          string          `json:"message"`
	LastAgentMessage string          `json:"last_agent_message"`
	Invocation       *wireInvocation `json:"invocation"`
}

type wireInvocation struct {
	Server string `json:"server"`
	Tool   string `json:"tool"`
}

var toolItems = map[string]bool{
	"command_execution": true,
	"mcp_tool_call":     true,
	"web_search":        true,
	"file_change":       true,
}

// Decode parses one line of agent output. It returns false for blank lines,
// malformed JSON and shapes the gateway does not act on.
func Decode(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}
	var w wireLine
	if err := json.Unmarshal(line, &w); err != nil {
		return Event{}, false
	}
	raw := json.RawMessage(append([]byte(nil), line...))
	if w.Msg != nil {
		return decodeProto(w.Msg, raw)
	}

	switch w.Type {
	case "thread.started":
		if w.ThreadID == "" {
			return Event{}, false
		}
		return Event{Kind: EventThreadStarted, ThreadID: w.ThreadID, Raw: raw}, true
	case "turn.completed":
		return Event{Kind: EventTurnCompleted, Raw: raw}, true
	case "turn.failed", "error":
		msg := w.Message
		if w.Error != nil && w.Error.Message != "" {
			msg = w.Error.Message
		}
		return Event{Kind: EventTurnFailed, Text: msg, Raw: raw}, true
	case "item.started", "item.completed":
		if w.Item == nil {
			return Event{}, false
		}
		if w.Item.Type == "agent_message" && w.Type == "item.completed" {
			return Event{Kind: EventMessage, Text: w.Item.Text, Raw: raw}, true
		}
		if toolItems[w.Item.Type] {
			kind := EventToolBegin
			if w.Type == "item.completed" {
				kind = EventToolEnd
			}
			return Event{Kind: kind, Tool: itemTool(w.Item), Raw: raw}, true
		}
	}
	return Event{}, false
}

func decodeProto(m *wireMsg, raw json.RawMessage) (Event, bool) {
	switch m.Type {
	case "session_configured":
		if m.SessionID == "" {
			return Event{}, false
		}
		return Event{Kind: EventThreadStarted, ThreadID: m.SessionID, Raw: raw}, true
	case "agent_message_delta":
		return Event{Kind: EventMessageDelta, Text: m.Delta, Raw: raw}, true
	case "agent_message":
		return Event{Kind: EventMessage, Text: m.Message, Raw: raw}, true
	case "exec_command_begin":
		return Event{Kind: EventToolBegin, Tool: "exec", Raw: raw}, true
	case "exec_command_end":
		return Event{Kind: EventToolEnd, Tool: "exec", Raw: raw}, true
	case "mcp_tool_call_begin", "mcp_tool_call_end":
		kind := EventToolBegin
		if strings.HasSuffix(m.Type, "_end") {
			kind = EventToolEnd
		}
		tool := "mcp"
		if m.Invocation != nil && m.Invocation.Tool != "" {
			tool = m.Invocation.Server + "." + m.Invocation.Tool
		}
		return Event{Kind: kind, Tool: tool, Raw: raw}, true
	case "task_complete":
		return Event{Kind: EventTaskComplete, Text: m.LastAgentMessage, Raw: raw}, true
	case "error":
		return Event{Kind: EventTurnFailed, Text: m.Message, Raw: raw}, true
	}
	return Event{}, false
}

func itemTool(item *wireItem) string {
	switch {
	case item.Tool != "" && item.Server != "":
		return item.Server + "." + item.Tool
	case item.Tool != "":
		return item.Tool
	case item.Command != "":
		return "exec"
	}
	return item.Type
}

// Stream decodes r line by line, sending every recognized event on out and
// closing out when r is exhausted. Each raw line is copied to tap first when
// tap is non-nil. Undecodable lines are skipped; only read errors other than
// EOF are returned.
func Stream(r io.Reader, out chan<- Event, tap io.Writer) error {
	defer close(out)

	buf := bufio.NewReader(r)
	for {
		line, err := buf.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if tap != nil {
				tap.Write(line)
			}
			if ev, ok := Decode(line); ok {
				out <- ev
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}
