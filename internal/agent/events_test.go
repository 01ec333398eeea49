package agent

import (
	"bytes"
	"strings"
	"testing"
)

func TestDecodeExecDialect(t *testing.T) {
	cases := []struct {
		line string
		kind EventKind
		text string
	}{
		{`{"type":"thread.started","thread_id":"th-1"}`, EventThreadStarted, ""},
		{`{"type":"item.completed","item":{"id":"i","type":"agent_message","text":"hello"}}`, EventMessage, "hello"},
		{`{"type":"item.started","item":{"id":"i","type":"command_execution","command":"ls"}}`, EventToolBegin, ""},
		{`{"type":"item.completed","item":{"id":"i","type":"command_execution","command":"ls"}}`, EventToolEnd, ""},
		{`{"type":"turn.completed","usage":{}}`, EventTurnCompleted, ""},
		{`{"type":"turn.failed","error":{"message":"boom"}}`, EventTurnFailed, "boom"},
	}
	for _, tc := range cases {
		ev, ok := Decode([]byte(tc.line))
		if !ok {
			t.Fatalf("Decode(%s) not recognized", tc.line)
		}
		if ev.Kind != tc.kind {
			t.Errorf("Decode(%s) kind = %s, want %s", tc.line, ev.Kind, tc.kind)
		}
		if ev.Text != tc.text {
			t.Errorf("Decode(%s) text = %q, want %q", tc.line, ev.Text, tc.text)
		}
	}

	ev, _ := Decode([]byte(`{"type":"thread.started","thread_id":"th-1"}`))
	if ev.ThreadID != "th-1" {
		t.Errorf("thread id = %q", ev.ThreadID)
	}
}

func TestDecodeProtoDialect(t *testing.T) {
	ev, ok := Decode([]byte(`{"id":"0","msg":{"type":"session_configured","session_id":"s-9","model":"x"}}`))
	if !ok || ev.Kind != EventThreadStarted || ev.ThreadID != "s-9" {
		t.Fatalf("session_configured decoded as %+v, %v", ev, ok)
	}
	ev, ok = Decode([]byte(`{"id":"1","msg":{"type":"agent_message_delta","delta":"par"}}`))
	if !ok || ev.Kind != EventMessageDelta || ev.Text != "par" {
		t.Fatalf("delta decoded as %+v", ev)
	}
	ev, ok = Decode([]byte(`{"id":"1","msg":{"type":"mcp_tool_call_begin","invocation":{"server":"fs","tool":"read"}}}`))
	if !ok || ev.Kind != EventToolBegin || ev.Tool != "fs.read" {
		t.Fatalf("mcp begin decoded as %+v", ev)
	}
	ev, ok = Decode([]byte(`{"id":"1","msg":{"type":"task_complete","last_agent_message":"done"}}`))
	if !ok || !ev.Terminal() || ev.Text != "done" {
		t.Fatalf("task_complete decoded as %+v", ev)
	}
}

func TestDecodeIgnoresNoise(t *testing.T) {
	for _, line := range []string{
		"",
		"   ",
		"not json at all",
		`{"type":"item.started","item":{"type":"reasoning"}}`,
		`{"type":"something.new"}`,
		`{"id":"1","msg":{"type":"token_count"}}`,
		`{"type":"thread.started"}`,
		`[1,2,3]`,
	} {
		if ev, ok := Decode([]byte(line)); ok {
			t.Errorf("Decode(%q) = %+v, want ignored", line, ev)
		}
	}
}

func TestStreamSkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"thread.started","thread_id":"t"}`,
		`{garbage`,
		`Reading prompt from stdin...`,
		`{"type":"item.completed","item":{"type":"agent_message","text":"hi"}}`,
		`{"type":"turn.completed"}`,
	}, "\n")

	var tap bytes.Buffer
	out := make(chan Event, 16)
	if err := Stream(strings.NewReader(input), out, &tap); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var kinds []EventKind
	for ev := range out {
		kinds = append(kinds, ev.Kind)
	}
	want := []EventKind{EventThreadStarted, EventMessage, EventTurnCompleted}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
	if n := strings.Count(tap.String(), "\n"); n != 4 {
		t.Errorf("tap has %d newline-terminated lines, want 4 (last line unterminated)", n)
	}
	if !strings.Contains(tap.String(), "{garbage") {
		t.Error("tap should keep undecodable lines")
	}
}
