package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/agentgate/internal/config"
)

var (
	configReveal bool
	configPrefix string
)

func init() {
	configShowCmd.Flags().BoolVar(&configReveal, "reveal", false, "print agent.env values unmasked")
	configShowCmd.Flags().StringVar(&configPrefix, "prefix", "", "only keys under this prefix, e.g. limits")
	configGetCmd.Flags().BoolVar(&configReveal, "reveal", false, "print agent.env values unmasked")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd, configPathCmd, configCheckCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the config file",
}

var configShowCmd = &cobra.Command{
	Use:     "show",
	Aliases: []string{"list"},
	Short:   "Show the effective config as dotted keys",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := config.ListValues(loadConfig(), !configReveal)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}
		return writeConfigValues(os.Stdout, values, configPrefix)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one config value; objects print as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		val, err := config.GetValue(cfgPath, key)
		if err != nil {
			return err
		}
		if !configReveal {
			val = maskValue(key, val)
		}
		fmt.Fprintln(os.Stdout, formatConfigValue(val))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one config value; JSON literals are stored as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		loadConfig() // writes defaults on a fresh install
		if err := config.SetValue(cfgPath, key, args[1]); err != nil {
			return err
		}
		if _, err := config.Load(cfgPath); err != nil {
			return fmt.Errorf("%s was written but the config no longer loads: %w", key, err)
		}
		val, err := config.GetValue(cfgPath, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s = %s\n", key, formatConfigValue(maskValue(key, val)))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stdout, cfgPath)
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load the config and report whether serve would accept it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s: ok (agent %q, %d concurrent, data in %s)\n",
			cfgPath, cfg.Agent.Command, cfg.MaxConcurrent, cfg.DataDir)
		return nil
	},
}

// writeConfigValues prints the flat values sorted by key in two columns.
func writeConfigValues(out io.Writer, values map[string]any, prefix string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		if prefix == "" || k == prefix || strings.HasPrefix(k, strings.TrimSuffix(prefix, ".")+".") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", k, formatConfigValue(values[k]))
	}
	return w.Flush()
}

// formatConfigValue prints scalars bare and everything else as compact JSON.
func formatConfigValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// maskValue masks the secrets in v, which is the value stored under key.
func maskValue(key string, v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		if config.IsSecretKey(key) {
			return config.MaskSecrets(map[string]any{key: v})[key]
		}
		return v
	}
	out := make(map[string]any, len(m))
	for k, child := range m {
		out[k] = maskValue(key+"."+k, child)
	}
	return out
}
