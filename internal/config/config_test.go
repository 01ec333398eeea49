package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"AGENTGATE_DATA_DIR", "AGENTGATE_LOG_LEVEL", "AGENTGATE_AGENT_COMMAND", "AGENTGATE_MODEL"} {
		t.Setenv(k, "")
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.Command != "codex" || cfg.MaxConcurrent != 2 || cfg.Triggers.RetryDelayMs != 60000 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("defaults not written: %v", err)
	}
	if cfg.SessionsDir() != filepath.Join(cfg.DataDir, "sessions") {
		t.Errorf("SessionsDir = %s", cfg.SessionsDir())
	}
	if cfg.DefaultTriggerFile() != filepath.Join(cfg.DataDir, "triggers.json") {
		t.Errorf("DefaultTriggerFile = %s", cfg.DefaultTriggerFile())
	}
}

func TestLoad_AcceptsCommentsAndKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	data := `{
  // local agent build
  "agent": {"command": "/opt/agent/bin/codex", "model": "o3",},
  "triggers": {"default_timezone": "Europe/Berlin"},
}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.Command != "/opt/agent/bin/codex" || cfg.Agent.Model != "o3" {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Triggers.DefaultTimezone != "Europe/Berlin" {
		t.Errorf("timezone = %q", cfg.Triggers.DefaultTimezone)
	}
	if cfg.Limits.MaxTimeoutMs != 3600000 {
		t.Errorf("missing keys should keep defaults, max_timeout_ms = %d", cfg.Limits.MaxTimeoutMs)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	t.Setenv("AGENTGATE_DATA_DIR", "/srv/agentgate")
	t.Setenv("AGENTGATE_LOG_LEVEL", "debug")
	t.Setenv("AGENTGATE_AGENT_COMMAND", "agent-cli")
	t.Setenv("AGENTGATE_MODEL", "gpt-5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir != "/srv/agentgate" || cfg.LogLevel != "debug" || cfg.Agent.Command != "agent-cli" || cfg.Agent.Model != "gpt-5" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	cfg := Defaults()
	cfg.MaxConcurrent = 0
	writeTestConfig(t, path, cfg)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for max_concurrent=0")
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	original := Defaults()
	original.DataDir = "/tmp/test-data"
	original.LogLevel = "debug"
	original.MaxConcurrent = 4
	original.Agent.Model = "o4-mini"
	original.Agent.Env = map[string]string{"OPENAI_API_KEY": "sk-test-round-trip"}
	original.Limits.MaxTimeoutMs = 120000
	original.Triggers.SessionsDir = "/tmp/test-data/sessions"

	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.DataDir != original.DataDir {
		t.Errorf("DataDir mismatch: %v != %v", loaded.DataDir, original.DataDir)
	}
	if loaded.MaxConcurrent != original.MaxConcurrent {
		t.Errorf("MaxConcurrent mismatch: %v != %v", loaded.MaxConcurrent, original.MaxConcurrent)
	}
	if loaded.Agent.Env["OPENAI_API_KEY"] != "sk-test-round-trip" {
		t.Errorf("Agent.Env mismatch: %v", loaded.Agent.Env)
	}
	if loaded.Limits.MaxTimeoutMs != 120000 {
		t.Errorf("Limits.MaxTimeoutMs mismatch: %v", loaded.Limits.MaxTimeoutMs)
	}
	if loaded.SessionsDir() != "/tmp/test-data/sessions" {
		t.Errorf("SessionsDir = %s", loaded.SessionsDir())
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Verify no temp file left behind
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func TestListValues_Mask(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	cfg.Agent.Env = map[string]string{"OPENAI_API_KEY": "sk-secret-key-1234"}

	flat, err := ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["agent.env.OPENAI_API_KEY"] != "sk-secret-key-1234" {
		t.Errorf("expected unmasked key, got %v", flat["agent.env.OPENAI_API_KEY"])
	}

	flat, err = ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["agent.env.OPENAI_API_KEY"] != "***1234" {
		t.Errorf("expected masked key ***1234, got %v", flat["agent.env.OPENAI_API_KEY"])
	}
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
	// JSON numbers are float64
	if flat["max_concurrent"] != float64(0) {
		t.Errorf("expected max_concurrent=0, got %v", flat["max_concurrent"])
	}
}

func TestGetValue(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg := Defaults()
	cfg.Agent.Model = "o3"
	cfg.MaxConcurrent = 8
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "agent.model")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "o3" {
		t.Errorf("expected agent.model=o3, got %v", v)
	}

	v, err = GetValue(path, "max_concurrent")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != float64(8) {
		t.Errorf("expected max_concurrent=8, got %v (%T)", v, v)
	}

	_, err = GetValue(path, "nonexistent.key")
	if err == nil || err.Error() != "unknown config key: nonexistent.key" {
		t.Errorf("unexpected error for unknown key: %v", err)
	}
}

func TestSetValue(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())

	cases := []struct {
		key  string
		raw  string
		want any
	}{
		{"log_level", "debug", "debug"},
		{"max_concurrent", "16", float64(16)},
		{"http.enabled", "false", false},
		{"agent.env.OPENAI_API_KEY", "sk-new", "sk-new"},
		{"custom.setting", "value", "value"},
	}
	for _, tc := range cases {
		if err := SetValue(path, tc.key, tc.raw); err != nil {
			t.Fatalf("SetValue(%s) failed: %v", tc.key, err)
		}
		v, err := GetValue(path, tc.key)
		if err != nil {
			t.Fatalf("GetValue(%s) failed: %v", tc.key, err)
		}
		if v != tc.want {
			t.Errorf("%s = %v (%T), want %v", tc.key, v, v, tc.want)
		}
	}

	// Other values are preserved
	v, _ := GetValue(path, "agent.command")
	if v != "codex" {
		t.Errorf("expected agent.command=codex (preserved), got %v", v)
	}
}

func TestSetValue_RejectsWrongType(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())

	if err := SetValue(path, "max_concurrent", "lots"); err == nil {
		t.Fatal("expected error when a number field gets a string")
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	if err := SetValue(path, "log_level", "debug"); err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}
