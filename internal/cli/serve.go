package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/agentq/internal/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the task consumer and supervise agent instances",
	Long: `Run the orchestrator in the foreground: consume the task queue, spawn and
reuse agent instances, raise notifications for waiting agents and apply
requests submitted by client commands. SIGINT or SIGTERM stops every instance
before exiting.

Run a single serve process per store. On start it fails any task a previous
server left in processing.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	logger.Info("loaded configuration", "path", cfgPath)

	orch, err := orchestrator.New(cfg, logger)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return orch.Run(ctx)
}
