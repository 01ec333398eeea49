package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/agentgate/internal/config"
	"github.com/user/agentgate/internal/scheduler"
	"github.com/user/agentgate/internal/state"
	"github.com/user/agentgate/internal/types"
)

func init() {
	rootCmd.AddCommand(triggerCmd)
	triggerCmd.AddCommand(triggerAddCmd, triggerListCmd, triggerRemoveCmd, triggerEnableCmd, triggerDisableCmd, triggerFireCmd)
	triggerCmd.PersistentFlags().String("session", "", "use the schedule file of this session instead of the default one")

	f := triggerAddCmd.Flags()
	f.String("id", "", "trigger id (generated when empty)")
	f.String("title", "", "short title")
	f.String("prompt", "", "prompt text (required)")
	f.String("mode", "daily", "schedule mode: daily, interval, once or cron")
	f.String("time", "", "HH:MM for daily triggers")
	f.String("timezone", "", "IANA zone for daily and cron triggers")
	f.Float64("every", 0, "minutes between interval fires")
	f.String("at", "", "RFC3339 time for once triggers")
	f.String("cron", "", "cron expression for cron triggers")
	f.StringSlice("tag", nil, "tag, repeatable")
	f.Bool("disabled", false, "add the trigger disabled")
	_ = triggerAddCmd.MarkFlagRequired("prompt")
}

// triggerFile opens the schedule file selected by --session, and returns the
// session id the file belongs to.
func triggerFile(cmd *cobra.Command, cfg *config.Config) (*state.TriggerFile, types.SessionID, error) {
	ref, _ := cmd.Flags().GetString("session")
	if ref == "" {
		return state.NewTriggerFile(cfg.DefaultTriggerFile()), "", nil
	}
	sess, err := state.NewSessionStore(cfg.DataDir, cfg.RunHistory).Resolve(context.Background(), ref)
	if err != nil {
		return nil, "", err
	}
	path := filepath.Join(cfg.SessionsDir(), string(sess.ID), state.TriggerFileName)
	return state.NewTriggerFile(path), sess.ID, nil
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Manage scheduled triggers",
}

var triggerAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new trigger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		file, sessionID, err := triggerFile(cmd, cfg)
		if err != nil {
			return err
		}
		t, err := triggerFromFlags(cmd)
		if err != nil {
			return err
		}
		t.GatewaySessionID = string(sessionID)

		loc, err := scheduleLocation(cfg)
		if err != nil {
			return err
		}
		next, ok, err := scheduler.NextFireIn(t, time.Now(), loc)
		if err != nil {
			return err
		}
		if err := file.Add(t); err != nil {
			return fmt.Errorf("add trigger: %w", err)
		}

		fmt.Fprintf(os.Stdout, "Trigger %q added to %s.\n", t.ID, file.Path())
		if ok {
			fmt.Fprintf(os.Stdout, "Next fire: %s\n", next.Local().Format(time.RFC1123))
		}
		return nil
	},
}

func triggerFromFlags(cmd *cobra.Command) (*types.Trigger, error) {
	f := cmd.Flags()
	id, _ := f.GetString("id")
	title, _ := f.GetString("title")
	prompt, _ := f.GetString("prompt")
	mode, _ := f.GetString("mode")
	clock, _ := f.GetString("time")
	zone, _ := f.GetString("timezone")
	every, _ := f.GetFloat64("every")
	at, _ := f.GetString("at")
	expr, _ := f.GetString("cron")
	tags, _ := f.GetStringSlice("tag")
	disabled, _ := f.GetBool("disabled")

	t := &types.Trigger{
		ID:         types.TriggerID(id),
		Title:      title,
		PromptText: prompt,
		Enabled:    !disabled,
		Tags:       tags,
		Schedule: types.Schedule{
			Mode:            types.ScheduleMode(strings.ToLower(mode)),
			Time:            clock,
			Timezone:        zone,
			IntervalMinutes: every,
			Expression:      expr,
		},
	}
	if at != "" {
		when, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return nil, fmt.Errorf("--at: %w", err)
		}
		t.Schedule.At = &when
	}
	return t, nil
}

var triggerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List triggers and their next fire time",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		file, _, err := triggerFile(cmd, cfg)
		if err != nil {
			return err
		}
		doc, err := file.Load()
		if err != nil {
			return fmt.Errorf("load triggers: %w", err)
		}
		if len(doc.Triggers) == 0 {
			fmt.Println("No triggers configured.")
			return nil
		}
		loc, err := scheduleLocation(cfg)
		if err != nil {
			return err
		}

		now := time.Now()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSCHEDULE\tENABLED\tNEXT\tLAST FIRED\tSESSION")
		for _, t := range doc.Triggers {
			next := "-"
			if at, ok, err := scheduler.NextFireIn(t, now, loc); err != nil {
				next = "invalid: " + err.Error()
			} else if ok {
				next = at.Local().Format("2006-01-02 15:04")
			}
			last := "-"
			if t.LastFired != nil {
				last = t.LastFired.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\t%s\n",
				t.ID,
				describeSchedule(t.Schedule),
				t.Enabled,
				next,
				last,
				orDash(t.GatewaySessionID),
			)
		}
		return w.Flush()
	},
}

func describeSchedule(s types.Schedule) string {
	var desc string
	switch s.Mode {
	case types.ModeDaily:
		desc = "daily " + s.Time
	case types.ModeInterval:
		desc = fmt.Sprintf("every %gm", s.IntervalMinutes)
	case types.ModeOnce:
		if s.At != nil {
			desc = "once " + s.At.Local().Format("2006-01-02 15:04")
		} else {
			desc = "once"
		}
	case types.ModeCron:
		desc = "cron " + s.Expression
	default:
		desc = string(s.Mode)
	}
	if s.Timezone != "" {
		desc += " (" + s.Timezone + ")"
	}
	return desc
}

var triggerRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a trigger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _, err := triggerFile(cmd, loadConfig())
		if err != nil {
			return err
		}
		if err := file.Remove(types.TriggerID(args[0])); err != nil {
			return fmt.Errorf("remove trigger: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Trigger %q removed.\n", args[0])
		return nil
	},
}

var triggerEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a trigger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTriggerEnabled(cmd, args[0], true)
	},
}

var triggerDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a trigger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTriggerEnabled(cmd, args[0], false)
	},
}

func setTriggerEnabled(cmd *cobra.Command, id string, enabled bool) error {
	file, _, err := triggerFile(cmd, loadConfig())
	if err != nil {
		return err
	}
	if err := file.SetEnabled(types.TriggerID(id), enabled); err != nil {
		return fmt.Errorf("update trigger: %w", err)
	}
	word := "disabled"
	if enabled {
		word = "enabled"
	}
	fmt.Fprintf(os.Stdout, "Trigger %q %s.\n", id, word)
	return nil
}

var triggerFireCmd = &cobra.Command{
	Use:   "fire <id>",
	Short: "Ask the running daemon to fire a trigger now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if !cfg.HTTP.Enabled {
			return fmt.Errorf("http is disabled; the daemon cannot be reached")
		}
		url := fmt.Sprintf("http://%s/api/triggers/%s/fire", cfg.HTTP.Listen, args[0])
		resp, err := http.Post(url, "application/json", nil)
		if err != nil {
			return fmt.Errorf("contact daemon: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			var e struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(body, &e) == nil && e.Error != "" {
				return fmt.Errorf("fire %s: %s", args[0], e.Error)
			}
			return fmt.Errorf("fire %s: %s", args[0], resp.Status)
		}

		var res struct {
			SessionID string `json:"session_id"`
			Status    string `json:"status"`
			Content   string `json:"content"`
			Error     string `json:"error"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Session %s: %s\n", res.SessionID, res.Status)
		if res.Error != "" {
			fmt.Fprintln(os.Stdout, res.Error)
		}
		if res.Content != "" {
			fmt.Fprintln(os.Stdout, res.Content)
		}
		return nil
	},
}
