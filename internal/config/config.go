package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/iambrandonn/agentq/internal/fsutil"
	"github.com/iambrandonn/agentq/internal/provider"
)

// FileName is the config file name searched for by Discover
const FileName = "agentq.yaml"

// EnvPrefix prefixes environment overrides, e.g. AGENTQ_QUEUE_TASK_TIMEOUT_S
const EnvPrefix = "AGENTQ"

// Config represents the agentq.yaml configuration file
type Config struct {
	Version       string                `yaml:"version" mapstructure:"version"`
	WorkspaceRoot string                `yaml:"workspace_root" mapstructure:"workspace_root"`
	Store         StoreConfig           `yaml:"store" mapstructure:"store"`
	Instances     InstancesConfig       `yaml:"instances" mapstructure:"instances"`
	Queue         QueueConfig           `yaml:"queue" mapstructure:"queue"`
	Notifications NotificationsConfig   `yaml:"notifications" mapstructure:"notifications"`
	Retention     RetentionConfig       `yaml:"retention" mapstructure:"retention"`
	Log           LogConfig             `yaml:"log" mapstructure:"log"`
	ProvidersFile string                `yaml:"providers_file,omitempty" mapstructure:"providers_file"`
	Providers     []provider.Definition `yaml:"providers" mapstructure:"providers"`
}

// StoreConfig selects the durable store backend
type StoreConfig struct {
	Backend     string `yaml:"backend" mapstructure:"backend"`
	Path        string `yaml:"path,omitempty" mapstructure:"path"`
	GCIntervalS int    `yaml:"gc_interval_s" mapstructure:"gc_interval_s"`
}

// InstancesConfig contains instance manager policy
type InstancesConfig struct {
	MaxPerUser          int    `yaml:"max_per_user" mapstructure:"max_per_user"`
	SilenceThresholdMs  int    `yaml:"silence_threshold_ms" mapstructure:"silence_threshold_ms"`
	IdleTimeoutS        int    `yaml:"idle_timeout_s" mapstructure:"idle_timeout_s"`
	SweepSchedule       string `yaml:"sweep_schedule" mapstructure:"sweep_schedule"`
	OutputBufferLines   int    `yaml:"output_buffer_lines" mapstructure:"output_buffer_lines"`
	WaitingContextLines int    `yaml:"waiting_context_lines" mapstructure:"waiting_context_lines"`
	StopGraceS          int    `yaml:"stop_grace_s" mapstructure:"stop_grace_s"`
}

// QueueConfig contains task scheduler policy
type QueueConfig struct {
	Key             string `yaml:"key" mapstructure:"key"`
	PollTimeoutMs   int    `yaml:"poll_timeout_ms" mapstructure:"poll_timeout_ms"`
	ReadyTimeoutS   int    `yaml:"ready_timeout_s" mapstructure:"ready_timeout_s"`
	TaskTimeoutS    int    `yaml:"task_timeout_s" mapstructure:"task_timeout_s"`
	StoreBackoffS   int    `yaml:"store_backoff_s" mapstructure:"store_backoff_s"`
	ResultChunks    int    `yaml:"result_chunks" mapstructure:"result_chunks"`
	DefaultProvider string `yaml:"default_provider" mapstructure:"default_provider"`
}

// NotificationsConfig contains notification broker policy
type NotificationsConfig struct {
	ResponseTimeoutS int  `yaml:"response_timeout_s" mapstructure:"response_timeout_s"`
	NotifyCompletion bool `yaml:"notify_completion" mapstructure:"notify_completion"`
}

// RetentionConfig bounds how long records stay in the store
type RetentionConfig struct {
	RecordTTLHours int `yaml:"record_ttl_hours" mapstructure:"record_ttl_hours"`
}

// LogConfig configures the slog handler
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version:       "1.0",
		WorkspaceRoot: ".",
		Store: StoreConfig{
			Backend:     "sqlite",
			Path:        filepath.Join("state", "agentq.db"),
			GCIntervalS: 60,
		},
		Instances: InstancesConfig{
			MaxPerUser:          3,
			SilenceThresholdMs:  3000,
			IdleTimeoutS:        1800,
			SweepSchedule:       "@every 60s",
			OutputBufferLines:   1000,
			WaitingContextLines: 10,
			StopGraceS:          5,
		},
		Queue: QueueConfig{
			Key:             "agentq:queue",
			PollTimeoutMs:   1000,
			ReadyTimeoutS:   30,
			TaskTimeoutS:    300,
			StoreBackoffS:   5,
			ResultChunks:    50,
			DefaultProvider: "claude",
		},
		Notifications: NotificationsConfig{
			ResponseTimeoutS: 300,
			NotifyCompletion: true,
		},
		Retention: RetentionConfig{
			RecordTTLHours: 168,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Providers: []provider.Definition{
			{
				Name:               "claude",
				Command:            "claude",
				CompletionPatterns: []string{`(?m)^>\s*$`},
				ErrorPatterns:      []string{`(?i)^error:`},
			},
			{
				Name:               "fake",
				Command:            "agentq-fakeagent",
				ReadyPattern:       "Ready",
				CompletionPatterns: []string{`Done\.`},
				ErrorPatterns:      []string{"fatal"},
			},
		},
	}
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  version: \"1.0\"")
	}

	if c.WorkspaceRoot == "" {
		return fmt.Errorf("configuration error: missing required field 'workspace_root'\n\nHint: Point it at the directory holding instance working directories:\n  workspace_root: \".\"")
	}

	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("configuration error: 'store.path' is required for the sqlite backend\n\nHint: Add a database path (relative paths resolve against workspace_root):\n  store:\n    backend: sqlite\n    path: state/agentq.db")
		}
	case "redis":
		return fmt.Errorf("configuration error: store backend 'redis' is not supported by this build\n\nHint: Use sqlite for a shared queue between processes:\n  store:\n    backend: sqlite")
	default:
		return fmt.Errorf("configuration error: invalid 'store.backend' value: %q\n\nHint: Use one of: memory, sqlite", c.Store.Backend)
	}

	if c.Instances.MaxPerUser < 1 {
		return fmt.Errorf("configuration error: invalid 'instances.max_per_user' value: %d\n\nHint: Allow at least one instance per user:\n  instances:\n    max_per_user: 3", c.Instances.MaxPerUser)
	}

	positive := []struct {
		field string
		value int
	}{
		{"instances.silence_threshold_ms", c.Instances.SilenceThresholdMs},
		{"instances.idle_timeout_s", c.Instances.IdleTimeoutS},
		{"queue.poll_timeout_ms", c.Queue.PollTimeoutMs},
		{"queue.ready_timeout_s", c.Queue.ReadyTimeoutS},
		{"queue.task_timeout_s", c.Queue.TaskTimeoutS},
		{"notifications.response_timeout_s", c.Notifications.ResponseTimeoutS},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("configuration error: invalid '%s' value: %d\n\nHint: Durations must be positive", p.field, p.value)
		}
	}

	if c.Queue.Key == "" {
		return fmt.Errorf("configuration error: missing required field 'queue.key'\n\nHint: Name the durable queue:\n  queue:\n    key: agentq:queue")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("configuration error: invalid 'log.level' value: %q\n\nHint: Use one of: debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("configuration error: invalid 'log.format' value: %q\n\nHint: Use one of: text, json", c.Log.Format)
	}

	names := make(map[string]bool, len(c.Providers))
	for _, def := range c.Providers {
		if _, err := provider.Compile(def); err != nil {
			return fmt.Errorf("configuration error: %v\n\nHint: Each provider needs a name, a command and valid regular expressions:\n  providers:\n    - name: claude\n      command: claude\n      completion_patterns: [\"^>\"]", err)
		}
		if names[def.Name] {
			return fmt.Errorf("configuration error: duplicate provider %q\n\nHint: Provider names must be unique", def.Name)
		}
		names[def.Name] = true
	}

	// Providers from providers_file are only known at runtime
	if c.Queue.DefaultProvider != "" && c.ProvidersFile == "" && !names[c.Queue.DefaultProvider] {
		return fmt.Errorf("configuration error: 'queue.default_provider' %q is not a configured provider\n\nHint: Set it to one of the names under 'providers'", c.Queue.DefaultProvider)
	}

	return nil
}

// Resolve makes path absolute relative to the workspace root
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.WorkspaceRoot, path)
}

// LoadFromFile loads a configuration file over the defaults. YAML and JSON
// are accepted by extension and AGENTQ_* environment variables override
// file values (AGENTQ_QUEUE_TASK_TIMEOUT_S=60). A relative workspace_root is
// resolved against the config file's directory.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	defaults, err := yaml.Marshal(GenerateDefault())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal defaults: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	v.SetConfigType(configType(path))
	if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	// viper lowercases map keys; provider env names are case-sensitive
	var raw struct {
		Providers []provider.Definition `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &raw); err == nil && raw.Providers != nil {
		cfg.Providers = raw.Providers
	}

	if !filepath.IsAbs(cfg.WorkspaceRoot) {
		abs, err := filepath.Abs(filepath.Join(filepath.Dir(path), cfg.WorkspaceRoot))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve workspace_root: %w", err)
		}
		cfg.WorkspaceRoot = abs
	}

	return &cfg, nil
}

// Discover finds agentq.yaml in start or one of its parents
func Discover(start string) (string, error) {
	path, err := fsutil.FindUp(start, FileName)
	if errors.Is(err, fsutil.ErrNotFound) {
		return "", fmt.Errorf("no %s found in %s or any parent directory\n\nHint: Run 'agentq init' to create one", FileName, start)
	}
	return path, err
}

// SaveToFile writes the configuration as YAML with 0600 permissions
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := fsutil.AtomicWrite(path, data); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}
