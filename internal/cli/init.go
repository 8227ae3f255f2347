package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/agentq/internal/config"
	"github.com/iambrandonn/agentq/internal/workspace"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Write a default agentq.yaml and create the workspace",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolP("force", "f", false, "Overwrite an existing agentq.yaml")
	initCmd.Flags().String("backend", "", "Store backend to write (memory or sqlite)")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory: %w", err)
	}

	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}
	backend, err := cmd.Flags().GetString("backend")
	if err != nil {
		return err
	}

	path := filepath.Join(dir, config.FileName)
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists\nHint: Use --force to overwrite it", path)
	}

	cfg := config.GenerateDefault()
	if backend != "" {
		cfg.Store.Backend = backend
		if backend == "memory" {
			cfg.Store.Path = ""
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := cfg.SaveToFile(path); err != nil {
		return err
	}
	if err := workspace.Initialize(dir); err != nil {
		return fmt.Errorf("failed to initialize workspace: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Wrote %s\n", path)
	fmt.Fprintf(out, "Workspace ready at %s\n", dir)
	return nil
}
