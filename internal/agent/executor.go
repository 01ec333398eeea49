package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Mode selects how a spawned agent is driven.
type Mode int

const (
	// ModeOneShot runs a single turn: the prompt is written to stdin, stdin
	// is closed and the process exits after the turn.
	ModeOneShot Mode = iota
	// ModePersistent keeps the process alive across turns, reading one
	// input op per line on stdin.
	ModePersistent
)

// SpawnOptions configures one agent process.
type SpawnOptions struct {
	Mode     Mode
	Model    string
	Cwd      string
	Env      map[string]string
	ResumeID string
}

// Executor launches agent processes.
type Executor interface {
	Spawn(ctx context.Context, opts SpawnOptions) (Process, error)
}

// Process is a running agent. Output yields newline-delimited JSON events
// and reaches EOF once the process has exited.
type Process interface {
	Send(prompt string) error
	Output() io.Reader
	Kill() error
	Done() <-chan struct{}
	Err() error
	Stderr() string
}

// CommandExecutor runs the agent CLI as a child process in its own process
// group.
type CommandExecutor struct {
	Command   string
	ExecArgs  []string
	ProtoArgs []string
	BaseEnv   []string
	KillGrace time.Duration
}

// NewCommandExecutor returns an executor for command using the stock
// argument sets for one-shot and protocol modes.
func NewCommandExecutor(command string) *CommandExecutor {
	return &CommandExecutor{
		Command:   command,
		ExecArgs:  []string{"exec", "--json", "--skip-git-repo-check"},
		ProtoArgs: []string{"proto"},
		BaseEnv:   os.Environ(),
		KillGrace: 5 * time.Second,
	}
}

func (e *CommandExecutor) args(opts SpawnOptions) []string {
	var args []string
	if opts.Mode == ModePersistent {
		args = append(args, e.ProtoArgs...)
		if opts.Model != "" {
			args = append(args, "-c", "model="+opts.Model)
		}
		if opts.ResumeID != "" {
			args = append(args, "-c", "experimental_resume="+opts.ResumeID)
		}
		return args
	}
	args = append(args, e.ExecArgs...)
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeID != "" {
		args = append(args, "resume", opts.ResumeID)
	}
	return append(args, "-")
}

// Spawn starts the agent. ctx only bounds startup; the process lives until
// it exits or is killed.
func (e *CommandExecutor) Spawn(ctx context.Context, opts SpawnOptions) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.Command == "" {
		return nil, errors.New("agent command not configured")
	}

	cmd := exec.Command(e.Command, e.args(opts)...)
	cmd.Dir = opts.Cwd
	cmd.Env = mergeEnv(e.BaseEnv, opts.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 5 * time.Second

	pr, pw := io.Pipe()
	p := &commandProcess{
		mode:  opts.Mode,
		cmd:   cmd,
		out:   pr,
		done:  make(chan struct{}),
		grace: e.KillGrace,
	}
	cmd.Stdout = pw
	cmd.Stderr = &p.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	p.stdin = stdin

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("start %s: %w", e.Command, err)
	}

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		pw.Close()
		close(p.done)
	}()
	return p, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	env := append([]string(nil), base...)
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

type commandProcess struct {
	mode   Mode
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	out    *io.PipeReader
	stderr tailBuffer
	done   chan struct{}
	grace  time.Duration

	mu     sync.Mutex
	err    error
	sent   bool
	killed bool
}

type inputOp struct {
	ID string    `json:"id"`
	Op inputBody `json:"op"`
}

type inputBody struct {
	Type  string      `json:"type"`
	Items []inputItem `json:"items"`
}

type inputItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (p *commandProcess) Send(prompt string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.done:
		return errors.New("agent process has exited")
	default:
	}

	if p.mode == ModeOneShot {
		if p.sent {
			return errors.New("one-shot agent already received its prompt")
		}
		p.sent = true
		if _, err := io.WriteString(p.stdin, prompt); err != nil {
			return fmt.Errorf("write prompt: %w", err)
		}
		return p.stdin.Close()
	}

	line, err := json.Marshal(inputOp{
		ID: uuid.New().String(),
		Op: inputBody{Type: "user_input", Items: []inputItem{{Type: "text", Text: prompt}}},
	})
	if err != nil {
		return err
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write input op: %w", err)
	}
	return nil
}

func (p *commandProcess) Output() io.Reader      { return p.out }
func (p *commandProcess) Done() <-chan struct{} { return p.done }
func (p *commandProcess) Stderr() string        { return p.stderr.String() }

func (p *commandProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Kill sends SIGTERM to the process group and escalates to SIGKILL if the
// group has not exited after the grace period.
func (p *commandProcess) Kill() error {
	p.mu.Lock()
	if p.killed {
		p.mu.Unlock()
		return nil
	}
	p.killed = true
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}

	pgid := -p.cmd.Process.Pid
	if err := unix.Kill(pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal agent: %w", err)
	}
	go func() {
		select {
		case <-p.done:
		case <-time.After(p.grace):
			unix.Kill(pgid, unix.SIGKILL)
		}
	}()
	return nil
}

// DescribeExit renders a process exit error for run records.
func DescribeExit(err error) string {
	if err == nil {
		return "agent exited"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return fmt.Sprintf("agent killed by signal %s", ws.Signal())
		}
		return fmt.Sprintf("agent exited with code %d", exitErr.ExitCode())
	}
	return "agent exited: " + err.Error()
}

// stderrTail is how much of a process's stderr is kept.
const stderrTail = 64 << 10

// tailBuffer keeps the last limit bytes written to it, starting at a line
// boundary once anything has been dropped.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit := b.limit
	if limit <= 0 {
		limit = stderrTail
	}
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - limit; over > 0 {
		kept := b.buf[over:]
		if b.buf[over-1] != '\n' {
			if i := bytes.IndexByte(kept, '\n'); i >= 0 && i < len(kept)-1 {
				kept = kept[i+1:]
			}
		}
		b.buf = append(b.buf[:0], kept...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
