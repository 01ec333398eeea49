// Package scheduler fires prompts from schedule-definition files.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/user/agentgate/internal/gateway"
	"github.com/user/agentgate/internal/state"
	"github.com/user/agentgate/internal/types"
)

// Submitter runs a prompt to completion. *gateway.Gateway implements it.
type Submitter interface {
	Submit(ctx context.Context, req gateway.Request) (*gateway.Result, error)
}

// Options tunes a Scheduler. Zero values take the defaults below.
type Options struct {
	Clock Clock
	// Location interprets schedules that carry no timezone.
	Location *time.Location
	// MinDelay is the shortest timer ever armed.
	MinDelay time.Duration
	// RetryDelay re-arms a once trigger whose run failed.
	RetryDelay time.Duration
	// Debounce is the quiet window before a file change triggers a reload.
	Debounce time.Duration
	// Session owns the schedule file. Triggers not bound to a session run
	// in it.
	Session types.SessionID
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = RealClock()
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.MinDelay <= 0 {
		o.MinDelay = time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Minute
	}
	if o.Debounce <= 0 {
		o.Debounce = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type entry struct {
	trigger     *types.Trigger
	fingerprint string
	next        time.Time
	timer       Timer
	gen         int
	firing      bool
	err         error
}

// Scheduler arms one timer per enabled trigger of a single schedule file.
type Scheduler struct {
	file   *state.TriggerFile
	submit Submitter
	opts   Options
	clock  Clock
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	reload *Coalescer
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[types.TriggerID]*entry
	stopped bool
}

// New creates a scheduler for file. Nothing is armed until Start.
func New(file *state.TriggerFile, submit Submitter, opts Options) *Scheduler {
	opts = opts.withDefaults()
	return &Scheduler{
		file:    file,
		submit:  submit,
		opts:    opts,
		clock:   opts.Clock,
		log:     opts.Logger.With("file", file.Path()),
		entries: make(map[types.TriggerID]*entry),
	}
}

// File returns the schedule file this scheduler owns.
func (s *Scheduler) File() *state.TriggerFile { return s.file }

// Start loads the file and arms its triggers. A load error is returned but
// leaves the scheduler running with nothing armed, so a later change can
// still be picked up.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.reload = NewCoalescer(s.opts.Debounce, func() {
		if err := s.Reload(); err != nil {
			s.log.Error("reload schedule file", "error", err)
		}
	})
	return s.Reload()
}

// NotifyChanged schedules a debounced Reload.
func (s *Scheduler) NotifyChanged() {
	if s.reload != nil {
		s.reload.Notify()
	}
}

// Reload reconciles armed timers with the file: removed triggers are
// cancelled, new or edited ones are re-armed and unchanged ones are left
// alone. Triggers that are firing are settled when their run finishes.
// On a read error the current timers are kept.
func (s *Scheduler) Reload() error {
	doc, err := s.file.Load()
	if err != nil {
		return fmt.Errorf("load %s: %w", s.file.Path(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}

	seen := make(map[types.TriggerID]bool, len(doc.Triggers))
	for _, t := range doc.Triggers {
		seen[t.ID] = true
		e, ok := s.entries[t.ID]
		if ok && (e.firing || e.fingerprint == t.Fingerprint()) {
			continue
		}
		s.armLocked(t)
	}
	for id, e := range s.entries {
		if seen[id] || e.firing {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, id)
		s.log.Info("trigger removed", "trigger_id", string(id))
	}
	return nil
}

// armLocked replaces any entry for t and arms its next fire.
func (s *Scheduler) armLocked(t *types.Trigger) {
	if old, ok := s.entries[t.ID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	e := &entry{trigger: t, fingerprint: t.Fingerprint()}
	s.entries[t.ID] = e

	next, ok, err := NextFireIn(t, s.clock.Now(), s.opts.Location)
	if err != nil {
		e.err = err
		s.log.Warn("skipping unschedulable trigger", "trigger_id", string(t.ID), "error", err)
		return
	}
	if !ok {
		s.log.Debug("trigger not scheduled", "trigger_id", string(t.ID), "enabled", t.Enabled)
		return
	}
	s.scheduleLocked(e, next)
}

func (s *Scheduler) scheduleLocked(e *entry, at time.Time) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delay := at.Sub(s.clock.Now())
	if delay < s.opts.MinDelay {
		delay = s.opts.MinDelay
	}
	e.next = at
	e.gen++
	gen, id := e.gen, e.trigger.ID
	e.timer = s.clock.AfterFunc(delay, func() { s.onTimer(id, gen) })
	s.log.Info("trigger armed", "trigger_id", string(id), "next_fire", at.Format(time.RFC3339), "delay", delay)
}

func (s *Scheduler) onTimer(id types.TriggerID, gen int) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.gen != gen || e.firing || s.stopped {
		s.mu.Unlock()
		return
	}
	e.firing = true
	e.timer = nil
	t := e.trigger
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.fire(t)
}

// FireNow runs a trigger immediately through the normal firing path and
// returns the run result. It fails with types.ErrBusy while the trigger is
// already firing.
func (s *Scheduler) FireNow(ctx context.Context, id types.TriggerID) (*gateway.Result, error) {
	t, err := s.file.Get(id)
	if err != nil {
		return nil, err
	}
	if !t.Enabled {
		return nil, fmt.Errorf("trigger %s is disabled: %w", id, types.ErrConfig)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, errors.New("scheduler stopped")
	}
	e, ok := s.entries[id]
	if ok && e.firing {
		s.mu.Unlock()
		return nil, fmt.Errorf("trigger %s is firing: %w", id, types.ErrBusy)
	}
	if !ok {
		e = &entry{trigger: t, fingerprint: t.Fingerprint()}
		s.entries[id] = e
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	e.firing = true
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	return s.fireWith(ctx, t)
}

func (s *Scheduler) fire(t *types.Trigger) {
	s.fireWith(s.ctx, t)
}

// fireWith submits the trigger's prompt, records a success in the file and
// then removes a spent once trigger or re-arms it.
func (s *Scheduler) fireWith(ctx context.Context, t *types.Trigger) (*gateway.Result, error) {
	log := s.log.With("trigger_id", string(t.ID))
	firedAt := s.clock.Now()
	log.Info("trigger firing", "title", t.Title, "mode", string(t.Schedule.Mode))

	res, err := s.run(ctx, t, log)
	success := err == nil && res.OK()
	switch {
	case err != nil:
		log.Error("trigger run rejected", "error", err)
	case !success:
		log.Error("trigger run failed", "status", string(res.Status), "error", res.Err())
	default:
		if err := s.file.MarkFired(t.ID, firedAt, res.SessionID); err != nil {
			log.Error("record trigger fire", "error", err)
		}
		log.Info("trigger fired", "session_id", string(res.SessionID), "thread_id", res.ThreadID)
	}

	if success && t.Schedule.Mode == types.ModeOnce {
		if err := s.file.Remove(t.ID); err != nil && !errors.Is(err, types.ErrNotFound) {
			log.Error("remove spent once trigger", "error", err)
		}
	}
	s.settle(t, success)
	return res, err
}

func (s *Scheduler) run(ctx context.Context, t *types.Trigger, log *slog.Logger) (*gateway.Result, error) {
	req := gateway.Request{
		Messages:      []types.Message{{Role: "user", Content: t.PromptText}},
		SystemPrompt:  t.SystemPrompt,
		SessionRef:    t.GatewaySessionID,
		Persistent:    true,
		TimeoutMs:     t.TimeoutMs,
		IdleTimeoutMs: t.IdleTimeoutMs,
		Cwd:           t.Cwd,
		Env:           t.Env,
	}
	if req.SessionRef == "" {
		req.SessionRef = string(s.opts.Session)
	}
	res, err := s.submit.Submit(ctx, req)
	if errors.Is(err, types.ErrNotFound) && req.SessionRef != "" {
		log.Warn("bound session is gone, starting a new one", "session_id", req.SessionRef)
		req.SessionRef = ""
		res, err = s.submit.Submit(ctx, req)
	}
	return res, err
}

// settle clears the firing flag and arms the trigger again from the file's
// current contents.
func (s *Scheduler) settle(fired *types.Trigger, success bool) {
	current, err := s.file.Get(fired.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fired.ID]
	if !ok {
		return
	}
	e.firing = false
	if s.stopped {
		return
	}
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			s.log.Error("reload fired trigger", "trigger_id", string(fired.ID), "error", err)
		}
		delete(s.entries, fired.ID)
		return
	}
	if current.Schedule.Mode == types.ModeOnce && !success && current.Enabled {
		e.trigger = current
		e.fingerprint = current.Fingerprint()
		s.scheduleLocked(e, s.clock.Now().Add(s.opts.RetryDelay))
		return
	}
	s.armLocked(current)
}

// Scheduled is a read-only view of one trigger's scheduling state.
type Scheduled struct {
	Trigger *types.Trigger
	Next    *time.Time
	Firing  bool
	Error   string
}

// Triggers lists the known triggers ordered by id.
func (s *Scheduler) Triggers() []Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Scheduled, 0, len(s.entries))
	for _, e := range s.entries {
		v := Scheduled{Trigger: e.trigger, Firing: e.firing}
		if e.timer != nil {
			next := e.next
			v.Next = &next
		}
		if e.err != nil {
			v.Error = e.err.Error()
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Trigger.ID < out[j].Trigger.ID })
	return out
}

// Next returns the armed fire time of a trigger.
func (s *Scheduler) Next(id types.TriggerID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.timer == nil {
		return time.Time{}, false
	}
	return e.next, true
}

// Stop cancels all timers and in-flight runs and waits for fires to settle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	s.mu.Unlock()

	if s.reload != nil {
		s.reload.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
