// Package agenttest provides a scriptable in-memory agent for tests.
package agenttest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/user/agentgate/internal/agent"
)

// Script reacts to a prompt sent to a fake process. It runs on its own
// goroutine.
type Script func(p *Process, prompt string)

// Executor hands out fake processes.
type Executor struct {
	mu        sync.Mutex
	Script    Script
	SpawnErr  error
	processes []*Process
}

// NewExecutor returns an executor whose processes run script on each prompt.
func NewExecutor(script Script) *Executor {
	return &Executor{Script: script}
}

func (e *Executor) Spawn(ctx context.Context, opts agent.SpawnOptions) (agent.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.SpawnErr != nil {
		return nil, e.SpawnErr
	}
	p := NewProcess(opts, e.Script)
	e.processes = append(e.processes, p)
	return p, nil
}

// Spawns counts processes started so far.
func (e *Executor) Spawns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.processes)
}

// Processes returns every spawned process in order.
func (e *Executor) Processes() []*Process {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Process(nil), e.processes...)
}

// Last returns the most recently spawned process, or nil.
func (e *Executor) Last() *Process {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.processes) == 0 {
		return nil
	}
	return e.processes[len(e.processes)-1]
}

// Process is a fake agent process driven by its Script.
type Process struct {
	Opts agent.SpawnOptions

	script Script
	pr     *io.PipeReader
	pw     *io.PipeWriter
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	err     error
	killed  bool
	prompts []string
	stderr  string
}

func NewProcess(opts agent.SpawnOptions, script Script) *Process {
	pr, pw := io.Pipe()
	return &Process{Opts: opts, script: script, pr: pr, pw: pw, done: make(chan struct{})}
}

func (p *Process) Send(prompt string) error {
	select {
	case <-p.done:
		return errors.New("agent process has exited")
	default:
	}
	p.mu.Lock()
	p.prompts = append(p.prompts, prompt)
	p.mu.Unlock()
	if p.script != nil {
		go p.script(p, prompt)
	}
	return nil
}

// Emit writes lines to the process output. Lines emitted after exit are
// dropped.
func (p *Process) Emit(lines ...string) {
	for _, l := range lines {
		if _, err := p.pw.Write([]byte(l + "\n")); err != nil {
			return
		}
	}
}

// Exit ends the process with err as its exit status.
func (p *Process) Exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		p.pw.Close()
		close(p.done)
	})
}

// SetStderr sets what Stderr reports.
func (p *Process) SetStderr(s string) {
	p.mu.Lock()
	p.stderr = s
	p.mu.Unlock()
}

func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit(errors.New("signal: killed"))
	return nil
}

func (p *Process) Output() io.Reader      { return p.pr }
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Process) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr
}

func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *Process) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.prompts...)
}

// Exited reports whether the process has ended.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Line builders for the one-shot stream dialect.

func ThreadStarted(id string) string {
	return mustJSON(map[string]any{"type": "thread.started", "thread_id": id})
}

func Message(text string) string {
	return mustJSON(map[string]any{
		"type": "item.completed",
		"item": map[string]any{"id": "item_0", "type": "agent_message", "text": text},
	})
}

func TurnCompleted() string {
	return mustJSON(map[string]any{"type": "turn.completed", "usage": map[string]any{"input_tokens": 1, "output_tokens": 1}})
}

func TurnFailed(msg string) string {
	return mustJSON(map[string]any{"type": "turn.failed", "error": map[string]any{"message": msg}})
}

// Line builders for the persistent protocol dialect.

func SessionConfigured(id string) string {
	return mustJSON(map[string]any{"id": "0", "msg": map[string]any{"type": "session_configured", "session_id": id}})
}

func Delta(text string) string {
	return mustJSON(map[string]any{"id": "1", "msg": map[string]any{"type": "agent_message_delta", "delta": text}})
}

func TaskComplete(text string) string {
	return mustJSON(map[string]any{"id": "1", "msg": map[string]any{"type": "task_complete", "last_agent_message": text}})
}

// Reply returns a script answering every prompt with text. The thread id is
// announced on the first prompt only. One-shot processes exit after the turn.
func Reply(threadID, text string) Script {
	return func(p *Process, prompt string) {
		first := len(p.Prompts()) == 1
		if p.Opts.Mode == agent.ModePersistent {
			if first && threadID != "" {
				p.Emit(SessionConfigured(threadID))
			}
			p.Emit(Delta(text), TaskComplete(text))
			return
		}
		if threadID != "" {
			p.Emit(ThreadStarted(threadID))
		}
		p.Emit(Message(text), TurnCompleted())
		p.Exit(nil)
	}
}

// Silent returns a script that never answers.
func Silent() Script {
	return func(*Process, string) {}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
