package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/agentgate/internal/state"
	"github.com/user/agentgate/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionTranscriptCmd)
}

func sessionStore() *state.SessionStore {
	cfg := loadConfig()
	return state.NewSessionStore(cfg.DataDir, cfg.RunHistory)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := sessionStore().List(context.Background())
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTHREAD\tSTATUS\tRUNS\tLAST ACTIVITY")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				s.ID,
				orDash(s.ThreadID),
				s.Status,
				len(s.Runs),
				s.LastActivityAt.Local().Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id|thread-id>",
	Short: "Show a session and its runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := sessionStore().Resolve(context.Background(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Session:  %s\n", sess.ID)
		fmt.Printf("Thread:   %s\n", orDash(sess.ThreadID))
		fmt.Printf("Status:   %s\n", sess.Status)
		fmt.Printf("Model:    %s\n", orDash(sess.Model))
		fmt.Printf("Timeouts: run %dms, idle %dms\n", sess.TimeoutMs, sess.IdleTimeoutMs)
		fmt.Println()

		if len(sess.Runs) == 0 {
			fmt.Println("No runs.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tSTATUS\tSTARTED\tDURATION\tPROMPT\tERROR")
		for _, r := range sess.Runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%dms\t%s\t%s\n",
				r.ID,
				r.Status,
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.DurationMs,
				truncate(r.PromptPreview, 40),
				truncate(r.Error, 60),
			)
		}
		return w.Flush()
	},
}

var sessionTranscriptCmd = &cobra.Command{
	Use:   "transcript <id|thread-id> <run-id>",
	Short: "Print the raw agent output recorded for a run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sess, err := state.NewSessionStore(cfg.DataDir, cfg.RunHistory).Resolve(context.Background(), args[0])
		if err != nil {
			return err
		}
		lines, err := state.NewTranscriptStore(cfg.DataDir).Read(sess.ID, types.RunID(args[1]))
		if err != nil {
			return fmt.Errorf("read transcript: %w", err)
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
