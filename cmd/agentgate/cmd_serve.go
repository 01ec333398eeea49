package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/agentgate/internal/agent"
	"github.com/user/agentgate/internal/config"
	"github.com/user/agentgate/internal/gateway"
	"github.com/user/agentgate/internal/scheduler"
	"github.com/user/agentgate/internal/state"
	"github.com/user/agentgate/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agentgate daemon",
	RunE:  runServe,
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "agentgate.pid")
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := pidFilePath(dataDir)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func newExecutor(cfg *config.Config) *agent.CommandExecutor {
	exec := agent.NewCommandExecutor(cfg.Agent.Command)
	if len(cfg.Agent.ExecArgs) > 0 {
		exec.ExecArgs = cfg.Agent.ExecArgs
	}
	if len(cfg.Agent.ProtoArgs) > 0 {
		exec.ProtoArgs = cfg.Agent.ProtoArgs
	}
	return exec
}

func newGateway(cfg *config.Config) *gateway.Gateway {
	return gateway.New(gateway.Options{
		Sessions:      state.NewSessionStore(cfg.DataDir, cfg.RunHistory),
		Transcripts:   state.NewTranscriptStore(cfg.DataDir),
		Executor:      newExecutor(cfg),
		MaxConcurrent: int64(cfg.MaxConcurrent),
		Limits: gateway.Limits{
			DefaultTimeout:     ms(cfg.Limits.DefaultTimeoutMs),
			MaxTimeout:         ms(cfg.Limits.MaxTimeoutMs),
			DefaultIdleTimeout: ms(cfg.Limits.DefaultIdleTimeoutMs),
			MaxIdleTimeout:     ms(cfg.Limits.MaxIdleTimeoutMs),
		},
		Model: cfg.Agent.Model,
		Cwd:   cfg.Agent.Cwd,
		Env:   cfg.Agent.Env,
	})
}

func newTriggerManager(cfg *config.Config, gw *gateway.Gateway) (*scheduler.Manager, error) {
	loc, err := scheduleLocation(cfg)
	if err != nil {
		return nil, err
	}
	return scheduler.NewManager(gw, scheduler.ManagerOptions{
		DefaultFile: cfg.DefaultTriggerFile(),
		SessionsDir: cfg.SessionsDir(),
		Debounce:    ms(cfg.Triggers.DebounceMs),
		Scheduler: scheduler.Options{
			Location:   loc,
			MinDelay:   ms(cfg.Triggers.MinDelayMs),
			RetryDelay: ms(cfg.Triggers.RetryDelayMs),
			Debounce:   ms(cfg.Triggers.DebounceMs),
		},
	}), nil
}

// scheduleLocation is the zone for schedules that name none.
func scheduleLocation(cfg *config.Config) (*time.Location, error) {
	if cfg.Triggers.DefaultTimezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(cfg.Triggers.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("triggers.default_timezone: %w", err)
	}
	return loc, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Write PID file
	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := newGateway(cfg)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	defer gw.Close(shutdownTimeout)

	slog.Info("agentgate started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"agent_command", cfg.Agent.Command,
		"model", cfg.Agent.Model,
		"pid_file", pidPath,
	)

	// Trigger schedulers
	triggers, err := newTriggerManager(cfg, gw)
	if err != nil {
		return err
	}
	if err := triggers.Start(ctx); err != nil {
		return fmt.Errorf("start trigger manager: %w", err)
	}
	defer triggers.Stop()
	slog.Info("trigger manager started", "default_file", cfg.DefaultTriggerFile(), "sessions_dir", cfg.SessionsDir(), "files", len(triggers.Schedulers()))

	// HTTP server
	if cfg.HTTP.Enabled {
		httpServer := &http.Server{
			Addr:    cfg.HTTP.Listen,
			Handler: webhook.NewServer(gw, triggers),
		}
		go func() {
			slog.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("http server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Workers hold agent processes; release them before re-exec.
			triggers.Stop()
			gw.Close(shutdownTimeout)
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				return fmt.Errorf("re-exec: %w", err)
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
