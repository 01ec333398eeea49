package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/agentgate/internal/agent"
	"github.com/user/agentgate/internal/state"
	"github.com/user/agentgate/internal/types"
	"github.com/user/agentgate/internal/worker"
)

// Options wires a Gateway.
type Options struct {
	Sessions    types.SessionStore
	Transcripts *state.TranscriptStore
	Executor    agent.Executor
	// MaxConcurrent caps simultaneous one-shot executions.
	MaxConcurrent int64
	Limits        Limits
	// Defaults applied when neither the request nor the session sets them.
	Model  string
	Cwd    string
	Env    map[string]string
	Logger *slog.Logger
}

// Gateway routes prompt submissions to persistent session workers or
// one-shot executions and records every run in the session store.
type Gateway struct {
	sessions    types.SessionStore
	transcripts *state.TranscriptStore
	exec        agent.Executor
	limiter     *Limiter
	limits      Limits
	opts        Options
	log         *slog.Logger

	mu      sync.Mutex
	workers map[types.SessionID]*worker.Worker
	closed  bool
}

// New creates a Gateway. Call Start before submitting.
func New(opts Options) *Gateway {
	concurrency := opts.MaxConcurrent
	if concurrency <= 0 {
		concurrency = 2
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		sessions:    opts.Sessions,
		transcripts: opts.Transcripts,
		exec:        opts.Executor,
		limiter:     NewLimiter(concurrency),
		limits:      opts.Limits.withDefaults(),
		opts:        opts,
		log:         log,
		workers:     make(map[types.SessionID]*worker.Worker),
	}
}

// Start settles run records left in flight by a previous process.
func (g *Gateway) Start(ctx context.Context) error {
	n, err := g.sessions.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted runs: %w", err)
	}
	if n > 0 {
		g.log.Warn("marked interrupted runs as failed", "count", n)
	}
	return nil
}

// Stats is a point-in-time view of gateway load.
type Stats struct {
	Workers   int   `json:"workers"`
	Ephemeral int64 `json:"ephemeral"`
}

func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Workers: len(g.workers), Ephemeral: g.limiter.Active()}
}

// Submit runs a prompt to completion. Errors are returned only when the
// request is rejected before a run exists (busy, not found, invalid, closed
// or canceled while waiting for a slot); run failures are reported in the
// Result.
func (g *Gateway) Submit(ctx context.Context, req Request) (*Result, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages must not be empty: %w", types.ErrInvalidRequest)
	}
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return nil, errors.New("gateway closed")
	}

	if req.SessionRef != "" || req.Persistent {
		return g.submitPersistent(ctx, req)
	}
	return g.submitEphemeral(ctx, req)
}

func (g *Gateway) submitPersistent(ctx context.Context, req Request) (*Result, error) {
	var sess *types.Session
	var err error
	if req.SessionRef != "" {
		sess, err = g.sessions.Resolve(ctx, req.SessionRef)
	} else {
		sess, err = g.CreateSession(ctx, g.sessionOptions(req))
	}
	if err != nil {
		return nil, err
	}

	run := &types.Run{
		ID:            types.NewRunID(),
		Persistent:    true,
		StartedAt:     time.Now(),
		PromptPreview: promptPreview(req.Messages),
		ResumeID:      sess.ThreadID,
	}
	if err := g.sessions.BeginRun(ctx, sess.ID, run); err != nil {
		return nil, err
	}
	log := g.log.With("session_id", string(sess.ID), "run_id", string(run.ID))
	log.Info("run started", "persistent", true)

	transcript := g.openTranscript(sess.ID, run.ID)
	sub := worker.Submission{
		Messages:     req.Messages,
		SystemPrompt: req.SystemPrompt,
		Timeout:      g.limits.Timeout(req.TimeoutMs, sess.TimeoutMs),
		Transcript:   writerOrNil(transcript),
	}

	out, err := g.submitToWorker(ctx, sess, req, sub)
	if err != nil {
		out = worker.Outcome{Status: types.RunError, Error: err.Error()}
	}
	return g.finish(sess, run.ID, out, transcript, out.Stderr, log), nil
}

// submitToWorker retries once on a fresh worker when the pooled one stopped
// between lookup and submit.
func (g *Gateway) submitToWorker(ctx context.Context, sess *types.Session, req Request, sub worker.Submission) (worker.Outcome, error) {
	for attempt := 0; ; attempt++ {
		w, err := g.worker(sess, req)
		if err != nil {
			return worker.Outcome{}, err
		}
		out, err := w.Submit(ctx, sub)
		if errors.Is(err, worker.ErrStopped) && attempt == 0 {
			g.dropWorker(w)
			continue
		}
		return out, err
	}
}

func (g *Gateway) worker(sess *types.Session, req Request) (*worker.Worker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, errors.New("gateway closed")
	}
	if w, ok := g.workers[sess.ID]; ok {
		return w, nil
	}

	w := worker.New(worker.Config{
		SessionID: sess.ID,
		Executor:  g.exec,
		Spawn: agent.SpawnOptions{
			Model:    firstNonEmpty(req.Model, sess.Model, g.opts.Model),
			Cwd:      firstNonEmpty(req.Cwd, sess.Cwd, g.opts.Cwd),
			Env:      g.env(req.Env),
			ResumeID: sess.ThreadID,
		},
		IdleTimeout: g.limits.IdleTimeout(req.IdleTimeoutMs, sess.IdleTimeoutMs),
		Logger:      g.log,
		OnExit:      g.workerExited,
	})
	g.workers[sess.ID] = w
	return w, nil
}

// workerExited records the stop before releasing the pool slot, so no run on
// a replacement worker can begin in between.
func (g *Gateway) workerExited(w *worker.Worker, reason string) {
	if err := g.sessions.SetStatus(context.Background(), w.SessionID(), types.SessionStopped); err != nil {
		g.log.Warn("record worker stop", "session_id", string(w.SessionID()), "reason", reason, "error", err)
	}
	g.dropWorker(w)
}

func (g *Gateway) dropWorker(w *worker.Worker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.workers[w.SessionID()] == w {
		delete(g.workers, w.SessionID())
	}
}

func (g *Gateway) submitEphemeral(ctx context.Context, req Request) (*Result, error) {
	if err := g.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer g.limiter.Release()

	resumeID := req.ResumeID
	var sess *types.Session
	if resumeID != "" {
		if known, err := g.sessions.Resolve(ctx, resumeID); err == nil {
			sess = known
			if known.ThreadID != "" {
				resumeID = known.ThreadID
			}
		}
	}
	if sess == nil {
		created, err := g.CreateSession(ctx, g.sessionOptions(req))
		if err != nil {
			return nil, err
		}
		sess = created
	}

	run := &types.Run{
		ID:            types.NewRunID(),
		StartedAt:     time.Now(),
		PromptPreview: promptPreview(req.Messages),
		ResumeID:      resumeID,
	}
	if err := g.sessions.BeginRun(ctx, sess.ID, run); err != nil {
		return nil, err
	}
	log := g.log.With("session_id", string(sess.ID), "run_id", string(run.ID))
	log.Info("run started", "persistent", false, "resume_id", resumeID)

	transcript := g.openTranscript(sess.ID, run.ID)
	out, stderr := g.execOnce(ctx, req, sess, resumeID, writerOrNil(transcript))
	return g.finish(sess, run.ID, out, transcript, stderr, log), nil
}

// execOnce spawns a one-shot agent and collects its turn. The second return
// is whatever the process wrote to stderr.
func (g *Gateway) execOnce(ctx context.Context, req Request, sess *types.Session, resumeID string, transcript io.Writer) (worker.Outcome, string) {
	proc, err := g.exec.Spawn(ctx, agent.SpawnOptions{
		Mode:     agent.ModeOneShot,
		Model:    firstNonEmpty(req.Model, sess.Model, g.opts.Model),
		Cwd:      firstNonEmpty(req.Cwd, sess.Cwd, g.opts.Cwd),
		Env:      g.env(req.Env),
		ResumeID: resumeID,
	})
	if err != nil {
		return worker.Outcome{Status: types.RunError, Error: fmt.Sprintf("spawn agent: %v", err)}, ""
	}

	events := make(chan agent.Event, 64)
	go agent.Stream(proc.Output(), events, transcript)

	if err := proc.Send(agent.BuildPrompt(req.Messages, req.SystemPrompt)); err != nil {
		proc.Kill()
		for range events {
		}
		return worker.Outcome{Status: types.RunError, Error: fmt.Sprintf("send prompt: %v", err)}, proc.Stderr()
	}

	timeout := g.limits.Timeout(req.TimeoutMs, sess.TimeoutMs)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Output keeps draining after a kill so partial content survives.
	var c agent.Collector
	status, msg := types.RunStatus(""), ""
	expired, canceled := timer.C, ctx.Done()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.Apply(ev)
		case <-expired:
			status, msg = types.RunTimeout, fmt.Sprintf("run exceeded %s", timeout)
			expired, canceled = nil, nil
			proc.Kill()
		case <-canceled:
			status, msg = types.RunError, ctx.Err().Error()
			expired, canceled = nil, nil
			proc.Kill()
		}
	}
	<-proc.Done()

	if status == "" {
		switch {
		case c.Failure() != "":
			status, msg = types.RunError, c.Failure()
		case c.Done(), proc.Err() == nil:
			status = types.RunCompleted
		default:
			status, msg = types.RunError, agent.DescribeExit(proc.Err())
			if stderr := strings.TrimSpace(proc.Stderr()); stderr != "" {
				msg += ": " + lastLine(stderr)
			}
		}
	}
	return worker.Outcome{
		Status:   status,
		Content:  c.Content(),
		ThreadID: c.ThreadID(),
		Events:   c.Events(),
		Error:    msg,
	}, proc.Stderr()
}

func (g *Gateway) finish(sess *types.Session, runID types.RunID, out worker.Outcome, transcript *state.TranscriptWriter, stderr string, log *slog.Logger) *Result {
	ctx := context.Background()
	if transcript != nil {
		if out.Status != types.RunCompleted {
			line, _ := json.Marshal(map[string]string{
				"type":   "gateway.stderr",
				"status": string(out.Status),
				"error":  out.Error,
				"stderr": stderr,
			})
			transcript.Write(line)
		}
		if err := transcript.Close(); err != nil {
			log.Warn("close transcript", "error", err)
		}
	}

	if _, err := g.sessions.FinishRun(ctx, sess.ID, runID, types.RunOutcome{
		Status:   out.Status,
		Content:  out.Content,
		ThreadID: out.ThreadID,
		Error:    out.Error,
	}); err != nil {
		log.Error("record run outcome", "error", err)
	}

	threadID := out.ThreadID
	if updated, err := g.sessions.Get(ctx, sess.ID); err == nil && updated.ThreadID != "" {
		threadID = updated.ThreadID
	}

	attrs := []any{"status", string(out.Status), "thread_id", threadID}
	if out.Error != "" {
		attrs = append(attrs, "error", out.Error)
	}
	log.Info("run finished", attrs...)

	events := out.Events
	if events == nil {
		events = []agent.Event{}
	}
	return &Result{
		SessionID: sess.ID,
		ThreadID:  threadID,
		RunID:     runID,
		Status:    out.Status,
		Content:   out.Content,
		Events:    events,
		Error:     out.Error,
	}
}

func (g *Gateway) openTranscript(sessionID types.SessionID, runID types.RunID) *state.TranscriptWriter {
	if g.transcripts == nil {
		return nil
	}
	tw, err := g.transcripts.Create(sessionID, runID)
	if err != nil {
		g.log.Warn("open transcript", "session_id", string(sessionID), "run_id", string(runID), "error", err)
		return nil
	}
	return tw
}

func (g *Gateway) sessionOptions(req Request) types.SessionOptions {
	opts := types.SessionOptions{
		Model: firstNonEmpty(req.Model, g.opts.Model),
		Cwd:   firstNonEmpty(req.Cwd, g.opts.Cwd),
	}
	if req.TimeoutMs > 0 {
		opts.TimeoutMs = req.TimeoutMs
	}
	if req.IdleTimeoutMs > 0 {
		opts.IdleTimeoutMs = req.IdleTimeoutMs
	}
	return opts
}

func (g *Gateway) env(requested map[string]any) map[string]string {
	env := make(map[string]string, len(g.opts.Env)+len(requested))
	for k, v := range g.opts.Env {
		env[strings.ToUpper(k)] = v
	}
	for k, v := range NormalizeEnv(requested) {
		env[k] = v
	}
	return env
}

// CreateSession creates an idle session with clamped timeouts.
func (g *Gateway) CreateSession(ctx context.Context, opts types.SessionOptions) (*types.Session, error) {
	opts.TimeoutMs = g.limits.Timeout(opts.TimeoutMs, 0).Milliseconds()
	opts.IdleTimeoutMs = g.limits.IdleTimeout(opts.IdleTimeoutMs, 0).Milliseconds()
	sess, err := g.sessions.Create(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Resolve maps an internal session id or agent-native thread id to its
// session.
func (g *Gateway) Resolve(ctx context.Context, ref string) (*types.Session, error) {
	return g.sessions.Resolve(ctx, ref)
}

// GetSession is Resolve for read-only inspection. The status reflects a live
// worker when there is one.
func (g *Gateway) GetSession(ctx context.Context, ref string) (*types.Session, error) {
	sess, err := g.sessions.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	w, ok := g.workers[sess.ID]
	g.mu.Unlock()
	if ok && sess.ActiveRun() == nil {
		sess.Status = w.Status()
	}
	return sess, nil
}

// ListSessions returns every session, most recently active first.
func (g *Gateway) ListSessions(ctx context.Context) ([]*types.Session, error) {
	return g.sessions.List(ctx)
}

// StopSession terminates the session's worker, if any, and waits for it.
func (g *Gateway) StopSession(ctx context.Context, ref string) error {
	sess, err := g.sessions.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	g.mu.Lock()
	w, ok := g.workers[sess.ID]
	g.mu.Unlock()
	if !ok {
		return g.sessions.SetStatus(ctx, sess.ID, types.SessionStopped)
	}
	w.Stop(worker.ReasonStopped)
	select {
	case <-w.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops every worker and waits up to timeout for workers and one-shot
// executions to finish. Later submissions are rejected.
func (g *Gateway) Close(timeout time.Duration) {
	g.mu.Lock()
	g.closed = true
	workers := make([]*worker.Worker, 0, len(g.workers))
	for _, w := range g.workers {
		workers = append(workers, w)
	}
	g.mu.Unlock()

	deadline := time.After(timeout)
	for _, w := range workers {
		w.Stop(worker.ReasonShutdown)
	}
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-deadline:
			g.log.Warn("workers still running at shutdown")
			return
		}
	}
	if !g.limiter.WaitIdle(timeout) {
		g.log.Warn("one-shot runs still active at shutdown", "count", g.limiter.Active())
	}
}

// writerOrNil keeps a nil transcript from becoming a non-nil io.Writer.
func writerOrNil(tw *state.TranscriptWriter) io.Writer {
	if tw == nil {
		return nil
	}
	return tw
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
