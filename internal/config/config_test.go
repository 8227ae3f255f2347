package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestGenerateDefault(t *testing.T) {
	cfg := GenerateDefault()

	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, ".", cfg.WorkspaceRoot)

	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, filepath.Join("state", "agentq.db"), cfg.Store.Path)

	assert.Equal(t, 3, cfg.Instances.MaxPerUser)
	assert.Equal(t, 3000, cfg.Instances.SilenceThresholdMs)
	assert.Equal(t, "@every 60s", cfg.Instances.SweepSchedule)

	assert.Equal(t, 30, cfg.Queue.ReadyTimeoutS)
	assert.Equal(t, 300, cfg.Queue.TaskTimeoutS)
	assert.Equal(t, 5, cfg.Queue.StoreBackoffS)
	assert.Equal(t, "claude", cfg.Queue.DefaultProvider)

	assert.Equal(t, 300, cfg.Notifications.ResponseTimeoutS)
	assert.Equal(t, "info", cfg.Log.Level)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "claude", cfg.Providers[0].Name)
	assert.Equal(t, "fake", cfg.Providers[1].Name)

	require.NoError(t, cfg.Validate())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"missing version", func(c *Config) { c.Version = "" }, "missing required field 'version'"},
		{"missing workspace", func(c *Config) { c.WorkspaceRoot = "" }, "'workspace_root'"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "invalid 'store.backend'"},
		{"redis unsupported", func(c *Config) { c.Store.Backend = "redis" }, "'redis' is not supported"},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, "'store.path' is required"},
		{"zero capacity", func(c *Config) { c.Instances.MaxPerUser = 0 }, "'instances.max_per_user'"},
		{"zero silence threshold", func(c *Config) { c.Instances.SilenceThresholdMs = 0 }, "'instances.silence_threshold_ms'"},
		{"negative task timeout", func(c *Config) { c.Queue.TaskTimeoutS = -1 }, "'queue.task_timeout_s'"},
		{"missing queue key", func(c *Config) { c.Queue.Key = "" }, "'queue.key'"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "'log.level'"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "'log.format'"},
		{"bad provider regex", func(c *Config) { c.Providers[0].ReadyPattern = "(" }, "configuration error"},
		{"provider without command", func(c *Config) { c.Providers[0].Command = "" }, "configuration error"},
		{"duplicate provider", func(c *Config) { c.Providers[1].Name = "claude" }, "duplicate provider"},
		{"unknown default provider", func(c *Config) { c.Queue.DefaultProvider = "nope" }, "'queue.default_provider'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GenerateDefault()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Contains(t, err.Error(), "Hint:")
		})
	}
}

func TestValidate_DefaultProviderFromProvidersFile(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Queue.DefaultProvider = "codex"
	cfg.ProvidersFile = "providers.yaml"

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	content := `version: "1.0"
workspace_root: work
store:
  backend: memory
queue:
  task_timeout_s: 60
  default_provider: sh
providers:
  - name: sh
    command: /bin/sh
    env:
      LOG_LEVEL: debug
    ready_pattern: Ready
    completion_patterns: ['Done\.']
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "work"), cfg.WorkspaceRoot)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 60, cfg.Queue.TaskTimeoutS)
	assert.Equal(t, "sh", cfg.Queue.DefaultProvider)

	// Unset fields keep their defaults
	assert.Equal(t, 30, cfg.Queue.ReadyTimeoutS)
	assert.Equal(t, 3, cfg.Instances.MaxPerUser)
	assert.Equal(t, "agentq:queue", cfg.Queue.Key)

	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "debug", cfg.Providers[0].Env["LOG_LEVEL"])
	assert.Equal(t, []string{`Done\.`}, cfg.Providers[0].CompletionPatterns)

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile_EnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("version: \"1.0\"\n"), 0600))

	t.Setenv("AGENTQ_QUEUE_TASK_TIMEOUT_S", "42")
	t.Setenv("AGENTQ_LOG_LEVEL", "debug")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Queue.TaskTimeoutS)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentq.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": "2.0", "instances": {"max_per_user": 7}}`), 0600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2.0", cfg.Version)
	assert.Equal(t, 7, cfg.Instances.MaxPerUser)
	assert.Len(t, cfg.Providers, 2)
}

func TestLoadFromFile_NonExistent(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("version: [unclosed\n"), 0600))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestSaveToFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)

	cfg := GenerateDefault()
	cfg.Queue.TaskTimeoutS = 99
	require.NoError(t, cfg.SaveToFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, yaml.Unmarshal(data, &raw))
	assert.Contains(t, raw, "providers")

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 99, loaded.Queue.TaskTimeoutS)
	assert.Equal(t, cfg.Providers, loaded.Providers)
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0700))
	require.NoError(t, GenerateDefault().SaveToFile(filepath.Join(root, FileName)))

	path, err := Discover(nested)
	require.NoError(t, err)
	assert.Equal(t, FileName, filepath.Base(path))

	_, err = Discover(t.TempDir())
	if err != nil {
		assert.Contains(t, err.Error(), "agentq init")
	}
}

func TestResolve(t *testing.T) {
	cfg := GenerateDefault()
	cfg.WorkspaceRoot = "/srv/agentq"

	assert.Equal(t, "/srv/agentq/state/agentq.db", cfg.Resolve("state/agentq.db"))
	assert.Equal(t, "/tmp/x.db", cfg.Resolve("/tmp/x.db"))
	assert.Equal(t, "", cfg.Resolve(""))
}
