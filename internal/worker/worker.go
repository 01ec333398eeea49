// Package worker supervises the long-lived agent process behind one session.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/user/agentgate/internal/agent"
	"github.com/user/agentgate/internal/types"
)

// ErrStopped is returned by a worker whose process has ended. Workers are
// single-use; callers build a new one to continue the session.
var ErrStopped = errors.New("worker stopped")

// Stop reasons recorded in logs and passed to OnExit.
const (
	ReasonIdleTimeout = "idle_timeout"
	ReasonRunTimeout  = "run_timeout"
	ReasonCanceled    = "canceled"
	ReasonStopped     = "stopped"
	ReasonShutdown    = "shutdown"
)

// Config describes the process a worker supervises.
type Config struct {
	SessionID   types.SessionID
	Executor    agent.Executor
	Spawn       agent.SpawnOptions
	IdleTimeout time.Duration
	Logger      *slog.Logger
	// OnExit runs once after the process has ended, for any reason.
	OnExit func(w *Worker, reason string)
}

// Submission is one prompt for the worker's process.
type Submission struct {
	Messages     []types.Message
	SystemPrompt string
	Timeout      time.Duration
	// Transcript receives every raw output line seen while the run is pending.
	Transcript io.Writer
}

// Outcome is the terminal result of a submission.
type Outcome struct {
	Status   types.RunStatus
	Content  string
	ThreadID string
	Events   []agent.Event
	Error    string
	// Stderr is the process's recent stderr, set when the run did not complete.
	Stderr string
}

type pendingRun struct {
	collector agent.Collector
	tap       io.Writer
	result    chan Outcome
	resolved  bool
}

// Worker owns at most one agent process and runs one submission at a time
// against it.
type Worker struct {
	cfg   Config
	log   *slog.Logger
	start singleflight.Group
	done  chan struct{}

	mu         sync.Mutex
	proc       agent.Process
	status     types.SessionStatus
	threadID   string
	pending    *pendingRun
	idle       *time.Timer
	idleGen    int
	stopped    bool
	stopReason string
}

// New creates a worker. Nothing is spawned until Start or Submit.
func New(cfg Config) *Worker {
	cfg.Spawn.Mode = agent.ModePersistent
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:      cfg,
		log:      log.With("session_id", string(cfg.SessionID)),
		done:     make(chan struct{}),
		status:   types.SessionIdle,
		threadID: cfg.Spawn.ResumeID,
	}
}

func (w *Worker) SessionID() types.SessionID { return w.cfg.SessionID }

// Status reports the worker's process status.
func (w *Worker) Status() types.SessionStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// ThreadID returns the agent-native thread id, once known.
func (w *Worker) ThreadID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.threadID
}

// Done is closed after the worker has stopped and OnExit has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Start spawns the agent process if it is not running yet. Concurrent callers
// share a single spawn.
func (w *Worker) Start(ctx context.Context) error {
	_, err, _ := w.start.Do("start", func() (any, error) {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return nil, ErrStopped
		}
		if w.proc != nil {
			w.mu.Unlock()
			return nil, nil
		}
		w.mu.Unlock()

		proc, err := w.cfg.Executor.Spawn(ctx, w.cfg.Spawn)
		if err != nil {
			return nil, fmt.Errorf("spawn agent: %w: %w", types.ErrProcess, err)
		}

		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			proc.Kill()
			return nil, ErrStopped
		}
		w.proc = proc
		w.status = types.SessionIdle
		w.armIdleLocked()
		w.mu.Unlock()

		go w.consume(proc)
		w.log.Info("agent process started", "resume_id", w.cfg.Spawn.ResumeID)
		return nil, nil
	})
	return err
}

// Submit runs one prompt and waits for its terminal outcome. It fails with
// types.ErrBusy while another submission is pending. Once a prompt has been
// sent, failures are reported in the Outcome rather than as an error.
func (w *Worker) Submit(ctx context.Context, sub Submission) (Outcome, error) {
	if len(sub.Messages) == 0 {
		return Outcome{}, fmt.Errorf("no messages: %w", types.ErrInvalidRequest)
	}
	if err := w.Start(ctx); err != nil {
		return Outcome{}, err
	}

	w.mu.Lock()
	if w.stopped || w.proc == nil {
		w.mu.Unlock()
		return Outcome{}, ErrStopped
	}
	if w.pending != nil {
		w.mu.Unlock()
		return Outcome{}, fmt.Errorf("session %s: %w", w.cfg.SessionID, types.ErrBusy)
	}
	p := &pendingRun{tap: sub.Transcript, result: make(chan Outcome, 1)}
	w.pending = p
	w.status = types.SessionRunning
	w.cancelIdleLocked()
	proc := w.proc
	w.mu.Unlock()

	if err := proc.Send(agent.BuildPrompt(sub.Messages, sub.SystemPrompt)); err != nil {
		w.resolve(p, types.RunError, fmt.Sprintf("send prompt: %v", err))
		w.Stop(ReasonStopped)
		return <-p.result, nil
	}

	var timeout <-chan time.Time
	if sub.Timeout > 0 {
		t := time.NewTimer(sub.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case out := <-p.result:
		return out, nil
	case <-timeout:
		w.log.Warn("run timed out, terminating agent process", "timeout", sub.Timeout)
		w.resolve(p, types.RunTimeout, fmt.Sprintf("run exceeded %s", sub.Timeout))
		w.Stop(ReasonRunTimeout)
	case <-ctx.Done():
		w.resolve(p, types.RunError, ctx.Err().Error())
		w.Stop(ReasonCanceled)
	}
	return <-p.result, nil
}

// Stop terminates the process. It does not wait; use Done for that.
func (w *Worker) Stop(reason string) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	if w.stopReason == "" {
		w.stopReason = reason
	}
	w.cancelIdleLocked()
	proc := w.proc
	if proc == nil {
		w.stopped = true
		w.status = types.SessionStopped
		w.mu.Unlock()
		w.notifyExit(reason)
		close(w.done)
		return
	}
	w.mu.Unlock()

	if err := proc.Kill(); err != nil {
		w.log.Warn("kill agent process", "error", err)
	}
}

// consume is the single reader of a process's output.
func (w *Worker) consume(proc agent.Process) {
	events := make(chan agent.Event, 64)
	go func() {
		if err := agent.Stream(proc.Output(), events, tapFunc(w.tap)); err != nil {
			w.log.Warn("read agent output", "error", err)
		}
	}()
	for ev := range events {
		w.handle(ev)
	}
	<-proc.Done()
	w.exited(proc)
}

type tapFunc func([]byte) (int, error)

func (f tapFunc) Write(b []byte) (int, error) { return f(b) }

func (w *Worker) tap(line []byte) (int, error) {
	w.mu.Lock()
	var dst io.Writer
	if w.pending != nil && !w.pending.resolved {
		dst = w.pending.tap
	}
	w.mu.Unlock()
	if dst == nil {
		return len(line), nil
	}
	return dst.Write(line)
}

func (w *Worker) handle(ev agent.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ev.Kind == agent.EventThreadStarted && w.threadID == "" {
		w.threadID = ev.ThreadID
		w.log.Info("agent thread started", "thread_id", ev.ThreadID)
	}
	p := w.pending
	if p == nil || p.resolved {
		return
	}
	if !p.collector.Apply(ev) {
		return
	}
	if msg := p.collector.Failure(); msg != "" {
		w.resolveLocked(p, types.RunError, msg)
		return
	}
	w.resolveLocked(p, types.RunCompleted, "")
}

func (w *Worker) exited(proc agent.Process) {
	w.mu.Lock()
	if w.proc != proc {
		w.mu.Unlock()
		return
	}
	reason := w.stopReason
	cause := agent.DescribeExit(proc.Err())
	if reason == "" {
		reason = cause
	}
	w.stopped = true
	w.status = types.SessionStopped
	w.cancelIdleLocked()
	if p := w.pending; p != nil && !p.resolved {
		msg := cause
		if stderr := strings.TrimSpace(proc.Stderr()); stderr != "" {
			msg += ": " + lastLine(stderr)
		}
		w.resolveLocked(p, types.RunError, msg)
	}
	w.mu.Unlock()

	w.log.Info("agent process stopped", "reason", reason)
	w.notifyExit(reason)
	close(w.done)
}

func (w *Worker) notifyExit(reason string) {
	if w.cfg.OnExit != nil {
		w.cfg.OnExit(w, reason)
	}
}

func (w *Worker) resolve(p *pendingRun, status types.RunStatus, msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resolveLocked(p, status, msg)
}

func (w *Worker) resolveLocked(p *pendingRun, status types.RunStatus, msg string) {
	if p.resolved {
		return
	}
	p.resolved = true
	if w.pending == p {
		w.pending = nil
	}

	threadID := w.threadID
	if threadID == "" {
		threadID = p.collector.ThreadID()
	}
	out := Outcome{
		Status:   status,
		Content:  p.collector.Content(),
		ThreadID: threadID,
		Events:   p.collector.Events(),
		Error:    msg,
	}
	if status != types.RunCompleted && w.proc != nil {
		out.Stderr = w.proc.Stderr()
	}
	p.result <- out

	if !w.stopped {
		w.status = types.SessionIdle
		w.armIdleLocked()
	}
}

func (w *Worker) armIdleLocked() {
	w.cancelIdleLocked()
	if w.cfg.IdleTimeout <= 0 {
		return
	}
	w.idleGen++
	gen := w.idleGen
	w.idle = time.AfterFunc(w.cfg.IdleTimeout, func() { w.idleExpired(gen) })
}

func (w *Worker) cancelIdleLocked() {
	if w.idle != nil {
		w.idle.Stop()
		w.idle = nil
	}
}

func (w *Worker) idleExpired(gen int) {
	w.mu.Lock()
	stale := gen != w.idleGen || w.pending != nil || w.stopped
	w.mu.Unlock()
	if stale {
		return
	}
	w.log.Info("agent idle, stopping", "idle_timeout", w.cfg.IdleTimeout)
	w.Stop(ReasonIdleTimeout)
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
