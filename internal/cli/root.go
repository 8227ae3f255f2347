package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/agentq/internal/config"
	"github.com/iambrandonn/agentq/internal/orchestrator"
)

var rootCmd = &cobra.Command{
	Use:   "agentq",
	Short: "Queue commands onto supervised AI agent instances",
	Long: `agentq runs interactive AI coding agents as long-lived processes, feeds
them queued commands one at a time per instance, and raises a notification
whenever an agent goes quiet waiting for a human answer.

Start the server with 'agentq serve'; every other command talks to it through
the shared store configured in agentq.yaml.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(instancesCmd)
	rootCmd.AddCommand(notificationsCmd)
	rootCmd.AddCommand(journalCmd)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to agentq.yaml (default: search up directory tree)")
	rootCmd.PersistentFlags().StringP("user", "u", defaultUser(), "User id commands act on behalf of")
	rootCmd.PersistentFlags().String("log-level", "", "Override log.level (debug, info, warn, error)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func defaultUser() string {
	if u := os.Getenv(config.EnvPrefix + "_USER"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

// loadConfig loads the --config file or the nearest agentq.yaml above the
// working directory
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", err
	}

	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, "", fmt.Errorf("failed to get current directory: %w", err)
		}
		path, err = config.Discover(cwd)
		if err != nil {
			return nil, "", err
		}
	}

	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, "", err
	}
	if level != "" {
		cfg.Log.Level = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openClient builds an orchestrator for a one-shot command. Nothing is run;
// the command reads and writes the shared store and leaves execution to the
// serving process.
func openClient(cmd *cobra.Command) (*orchestrator.Orchestrator, string, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, "", err
	}
	if cfg.Store.Backend == "memory" {
		return nil, "", fmt.Errorf("store backend 'memory' is private to the serving process\nHint: Set store.backend to 'sqlite' to use client commands")
	}

	// Client commands keep stderr quiet unless asked
	if !cmd.Flags().Changed("log-level") && cfg.Log.Level == "info" {
		cfg.Log.Level = "warn"
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	orch, err := orchestrator.New(cfg, logger)
	if err != nil {
		return nil, "", err
	}

	user, err := cmd.Flags().GetString("user")
	if err != nil {
		orch.Close()
		return nil, "", err
	}
	return orch, user, nil
}
