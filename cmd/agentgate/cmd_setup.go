package main

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/agentgate/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("agentgate setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Agent.Command = prompt(scanner, "Agent command", cfg.Agent.Command)
		if _, err := exec.LookPath(cfg.Agent.Command); err != nil {
			fmt.Printf("  warning: %s not found on PATH\n", cfg.Agent.Command)
		}
		cfg.Agent.Model = prompt(scanner, "Default model (optional)", cfg.Agent.Model)
		cfg.Agent.Cwd = prompt(scanner, "Default working directory (optional)", cfg.Agent.Cwd)

		maxStr := prompt(scanner, "Max concurrent one-shot runs", strconv.Itoa(cfg.MaxConcurrent))
		if n, err := strconv.Atoi(maxStr); err == nil && n > 0 {
			cfg.MaxConcurrent = n
		}

		for {
			zone := prompt(scanner, "Default trigger timezone (optional)", cfg.Triggers.DefaultTimezone)
			if zone == "" {
				break
			}
			if _, err := time.LoadLocation(zone); err != nil {
				fmt.Printf("  unknown timezone %q\n", zone)
				continue
			}
			cfg.Triggers.DefaultTimezone = zone
			break
		}

		enabled := prompt(scanner, "Enable HTTP API (y/n)", yesNo(cfg.HTTP.Enabled))
		cfg.HTTP.Enabled = strings.HasPrefix(strings.ToLower(enabled), "y")
		if cfg.HTTP.Enabled {
			cfg.HTTP.Listen = prompt(scanner, "HTTP listen address", cfg.HTTP.Listen)
		}

		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

func yesNo(b bool) string {
	if b {
		return "y"
	}
	return "n"
}
