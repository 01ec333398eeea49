package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	LogFormat     string `json:"log_format"`
	MaxConcurrent int    `json:"max_concurrent"`
	RunHistory    int    `json:"run_history"`
	Agent         struct {
		Command   string            `json:"command"`
		ExecArgs  []string          `json:"exec_args,omitempty"`
		ProtoArgs []string          `json:"proto_args,omitempty"`
		Model     string            `json:"model"`
		Cwd       string            `json:"cwd"`
		Env       map[string]string `json:"env,omitempty"`
	} `json:"agent"`
	Limits struct {
		DefaultTimeoutMs     int64 `json:"default_timeout_ms"`
		MaxTimeoutMs         int64 `json:"max_timeout_ms"`
		DefaultIdleTimeoutMs int64 `json:"default_idle_timeout_ms"`
		MaxIdleTimeoutMs     int64 `json:"max_idle_timeout_ms"`
	} `json:"limits"`
	Triggers struct {
		DefaultFile     string `json:"default_file"`
		SessionsDir     string `json:"sessions_dir"`
		DebounceMs      int64  `json:"debounce_ms"`
		MinDelayMs      int64  `json:"min_delay_ms"`
		RetryDelayMs    int64  `json:"retry_delay_ms"`
		DefaultTimezone string `json:"default_timezone"`
	} `json:"triggers"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
}

// DefaultPath is ~/.agentgate/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".agentgate", "config.json")
}

// Defaults returns the configuration used for keys absent from the file.
func Defaults() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".agentgate"),
		MaxConcurrent: 2,
		RunHistory:    50,
	}
	cfg.LogLevel = "info"
	cfg.LogFormat = "text"
	cfg.Agent.Command = "codex"
	cfg.Limits.DefaultTimeoutMs = 10 * 60 * 1000
	cfg.Limits.MaxTimeoutMs = 60 * 60 * 1000
	cfg.Limits.DefaultIdleTimeoutMs = 15 * 60 * 1000
	cfg.Limits.MaxIdleTimeoutMs = 24 * 60 * 60 * 1000
	cfg.Triggers.DebounceMs = 500
	cfg.Triggers.MinDelayMs = 1000
	cfg.Triggers.RetryDelayMs = 60 * 1000
	cfg.HTTP.Enabled = true
	cfg.HTTP.Listen = "127.0.0.1:8787"
	return cfg
}

// Load reads the config at path on top of Defaults, writing the defaults out
// when the file does not exist yet. Comments and trailing commas are allowed.
// Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if dir := os.Getenv("AGENTGATE_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if level := os.Getenv("AGENTGATE_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if command := os.Getenv("AGENTGATE_AGENT_COMMAND"); command != "" {
		cfg.Agent.Command = command
	}
	if model := os.Getenv("AGENTGATE_MODEL"); model != "" {
		cfg.Agent.Model = model
	}

	return cfg, cfg.Validate()
}

// Validate rejects values the gateway cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}
	if c.Limits.MaxTimeoutMs > 0 && c.Limits.DefaultTimeoutMs > c.Limits.MaxTimeoutMs {
		return fmt.Errorf("limits.default_timeout_ms exceeds limits.max_timeout_ms")
	}
	if c.Limits.MaxIdleTimeoutMs > 0 && c.Limits.DefaultIdleTimeoutMs > c.Limits.MaxIdleTimeoutMs {
		return fmt.Errorf("limits.default_idle_timeout_ms exceeds limits.max_idle_timeout_ms")
	}
	return nil
}

// SessionsDir is where per-session schedule files and transcripts live.
func (c *Config) SessionsDir() string {
	if c.Triggers.SessionsDir != "" {
		return c.Triggers.SessionsDir
	}
	return filepath.Join(c.DataDir, "sessions")
}

// DefaultTriggerFile is the schedule file not bound to any session.
func (c *Config) DefaultTriggerFile() string {
	if c.Triggers.DefaultFile != "" {
		return c.Triggers.DefaultFile
	}
	return filepath.Join(c.DataDir, "triggers.json")
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, append(data, '\n'))
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its nested JSON map form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues flattens cfg to dot-separated keys, masking secrets when asked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value stored under a dot-separated key in the file at
// path. The file is created with defaults if missing.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	res := gjson.GetBytes(jsonc.ToJSON(data), key)
	if !res.Exists() {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return res.Value(), nil
}

// SetValue stores raw under a dot-separated key in the existing file at
// path. raw is stored as JSON when it parses as JSON and as a string
// otherwise. Other keys are kept; comments are not.
func SetValue(path, key, raw string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	doc := jsonc.ToJSON(data)
	if json.Valid([]byte(raw)) {
		doc, err = sjson.SetRawBytes(doc, key, []byte(raw))
	} else {
		doc, err = sjson.SetBytes(doc, key, raw)
	}
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}

	var check Config
	if err := json.Unmarshal(doc, &check); err != nil {
		return fmt.Errorf("set %s: value has the wrong type: %w", key, err)
	}
	return writeFile(path, pretty.Pretty(doc))
}
