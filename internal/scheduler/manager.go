package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/user/agentgate/internal/gateway"
	"github.com/user/agentgate/internal/state"
	"github.com/user/agentgate/internal/types"
)

// ManagerOptions configures discovery of schedule files.
type ManagerOptions struct {
	// DefaultFile is always scheduled, even before it exists.
	DefaultFile string
	// SessionsDir holds one subdirectory per session, each of which may
	// contain a state.TriggerFileName file.
	SessionsDir string
	// Debounce is the quiet window before a directory change triggers a
	// refresh.
	Debounce  time.Duration
	Scheduler Options
	Logger    *slog.Logger
}

// Manager keeps one Scheduler per discovered schedule file and a single
// watcher that routes file events to them.
type Manager struct {
	opts   ManagerOptions
	submit Submitter
	log    *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	watcher *fsnotify.Watcher
	refresh *Coalescer
	done    chan struct{}

	mu         sync.Mutex
	schedulers map[string]*Scheduler
	watched    map[string]bool
}

// NewManager creates a manager. Call Start to discover and arm triggers.
func NewManager(submit Submitter, opts ManagerOptions) *Manager {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Scheduler.Logger == nil {
		opts.Scheduler.Logger = opts.Logger
	}
	if opts.DefaultFile != "" {
		opts.DefaultFile = filepath.Clean(opts.DefaultFile)
	}
	if opts.SessionsDir != "" {
		opts.SessionsDir = filepath.Clean(opts.SessionsDir)
	}
	return &Manager{
		opts:       opts,
		submit:     submit,
		log:        opts.Logger,
		done:       make(chan struct{}),
		schedulers: make(map[string]*Scheduler),
		watched:    make(map[string]bool),
	}
}

// Start runs the first refresh and begins watching. Watch and discovery
// failures are logged; the manager keeps whatever it could schedule.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	if m.opts.SessionsDir != "" {
		if err := os.MkdirAll(m.opts.SessionsDir, 0o755); err != nil {
			m.log.Error("create sessions dir", "dir", m.opts.SessionsDir, "error", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Error("start file watcher, schedule edits need a restart", "error", err)
	} else {
		m.watcher = watcher
	}
	m.refresh = NewCoalescer(m.opts.Debounce, func() {
		if err := m.Refresh(); err != nil {
			m.log.Error("refresh schedulers", "error", err)
		}
	})

	if m.watcher != nil {
		if m.opts.DefaultFile != "" {
			m.watchDir(filepath.Dir(m.opts.DefaultFile))
		}
		if m.opts.SessionsDir != "" {
			m.watchDir(m.opts.SessionsDir)
		}
		go m.watch()
	} else {
		close(m.done)
	}
	if err := m.Refresh(); err != nil {
		m.log.Error("discover schedule files, continuing with those found", "error", err)
	}
	return nil
}

// Refresh reconciles running schedulers with the files currently on disk.
// A bad candidate is logged and skipped; it never blocks the others.
func (m *Manager) Refresh() error {
	desired, sessionDirs, err := m.discover()

	m.mu.Lock()
	if m.ctx == nil || m.ctx.Err() != nil {
		m.mu.Unlock()
		return nil
	}
	for _, dir := range sessionDirs {
		m.watchDirLocked(dir)
	}

	var stale []*Scheduler
	for path, s := range m.schedulers {
		if !desired[path] {
			stale = append(stale, s)
			delete(m.schedulers, path)
			m.log.Info("schedule file gone, scheduler stopped", "file", path)
		}
	}
	for path := range desired {
		if _, ok := m.schedulers[path]; ok {
			continue
		}
		s := New(state.NewTriggerFile(path), m.submit, m.schedulerOptions(path))
		if err := s.Start(m.ctx); err != nil {
			m.log.Error("load schedule file", "file", path, "error", err)
		}
		m.schedulers[path] = s
		m.log.Info("scheduler started", "file", path)
	}
	m.mu.Unlock()

	for _, s := range stale {
		s.Stop()
	}
	return err
}

// schedulerOptions gives a per-session file its owning session, taken from
// the directory name.
func (m *Manager) schedulerOptions(path string) Options {
	opts := m.opts.Scheduler
	dir := filepath.Dir(path)
	if path != m.opts.DefaultFile && m.opts.SessionsDir != "" && filepath.Dir(dir) == m.opts.SessionsDir {
		opts.Session = types.SessionID(filepath.Base(dir))
	}
	return opts
}

// discover lists the default file plus every per-session schedule file.
// The returned error only reports an unreadable sessions directory.
func (m *Manager) discover() (map[string]bool, []string, error) {
	desired := make(map[string]bool)
	if m.opts.DefaultFile != "" {
		desired[m.opts.DefaultFile] = true
	}
	if m.opts.SessionsDir == "" {
		return desired, nil, nil
	}

	entries, err := os.ReadDir(m.opts.SessionsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return desired, nil, nil
		}
		return desired, nil, fmt.Errorf("list sessions dir: %w", err)
	}

	var dirs []string
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}
		dir := filepath.Join(m.opts.SessionsDir, de.Name())
		dirs = append(dirs, dir)
		path := filepath.Join(dir, state.TriggerFileName)
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			m.log.Warn("skipping schedule file", "file", path, "error", err)
		case info.Mode().IsRegular():
			desired[path] = true
		}
	}
	return desired, dirs, nil
}

func (m *Manager) watchDir(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchDirLocked(dir)
}

func (m *Manager) watchDirLocked(dir string) {
	if m.watcher == nil || m.watched[dir] {
		return
	}
	if err := m.watcher.Add(dir); err != nil {
		m.log.Warn("watch directory", "dir", dir, "error", err)
		return
	}
	m.watched[dir] = true
}

func (m *Manager) watch() {
	defer close(m.done)
	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.route(ev)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("file watcher", "error", err)
		case <-m.ctx.Done():
			return
		}
	}
}

// route forwards an event to the scheduler owning the file and requests a
// refresh when the set of schedule files may have changed.
func (m *Manager) route(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)

	m.mu.Lock()
	s := m.schedulers[path]
	wasWatched := m.watched[path]
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && wasWatched {
		delete(m.watched, path)
	}
	m.mu.Unlock()

	if s != nil {
		s.NotifyChanged()
	}
	if m.needsRefresh(ev, wasWatched) {
		m.refresh.Notify()
	}
}

// needsRefresh reports whether ev may add or remove a schedule file: a
// schedule file appearing or going away, or a session directory doing so.
// Plain files next to the session directories, such as the session index,
// are ignored.
func (m *Manager) needsRefresh(ev fsnotify.Event, wasWatched bool) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	path := filepath.Clean(ev.Name)
	if filepath.Base(path) == state.TriggerFileName {
		return true
	}
	if m.opts.SessionsDir == "" || filepath.Dir(path) != m.opts.SessionsDir {
		return false
	}
	if ev.Op&fsnotify.Create != 0 {
		info, err := os.Stat(path)
		return err == nil && info.IsDir()
	}
	return wasWatched
}

// Schedulers returns the watched schedule file paths, sorted.
func (m *Manager) Schedulers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.schedulers))
	for p := range m.schedulers {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Scheduler returns the scheduler for a schedule file path.
func (m *Manager) Scheduler(path string) (*Scheduler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedulers[filepath.Clean(path)]
	return s, ok
}

// FireNow fires the trigger with the given id from whichever file holds it.
func (m *Manager) FireNow(ctx context.Context, id types.TriggerID) (*gateway.Result, error) {
	m.mu.Lock()
	all := make([]*Scheduler, 0, len(m.schedulers))
	for _, s := range m.schedulers {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		if _, err := s.File().Get(id); err == nil {
			return s.FireNow(ctx, id)
		}
	}
	return nil, fmt.Errorf("trigger %s: %w", id, types.ErrNotFound)
}

// Stop stops watching and every scheduler.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	if m.watcher != nil {
		m.watcher.Close()
	}
	<-m.done
	if m.refresh != nil {
		m.refresh.Stop()
	}

	m.mu.Lock()
	all := make([]*Scheduler, 0, len(m.schedulers))
	for path, s := range m.schedulers {
		all = append(all, s)
		delete(m.schedulers, path)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.Stop()
	}
}
