package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/agentq/internal/eventlog"
	"github.com/iambrandonn/agentq/internal/protocol"
	"github.com/iambrandonn/agentq/internal/transcript"
	"github.com/iambrandonn/agentq/internal/workspace"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Print the lifecycle journal",
	Long: `Print recent records from the append-only lifecycle journal
(journal/events.ndjson in the workspace), oldest first.`,
	Example: `  agentq journal -n 100
  agentq journal --kind task --task 6f1c...
  agentq journal --mine`,
	Args: cobra.NoArgs,
	RunE: runJournal,
}

func init() {
	journalCmd.Flags().IntP("limit", "n", 50, "Number of records to print (0 prints all)")
	journalCmd.Flags().String("kind", "", "Only records of this kind (task, instance, notification)")
	journalCmd.Flags().String("task", "", "Only records for this task id")
	journalCmd.Flags().Bool("mine", false, "Only records for --user")
	journalCmd.Flags().Bool("json", false, "Print records as JSON")
}

func runJournal(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	limit, _ := cmd.Flags().GetInt("limit")
	kind, _ := cmd.Flags().GetString("kind")
	taskID, _ := cmd.Flags().GetString("task")
	mine, _ := cmd.Flags().GetBool("mine")
	asJSON, _ := cmd.Flags().GetBool("json")

	filter := eventlog.Filter{Kind: protocol.RecordKind(kind), TaskID: taskID}
	if kind != "" && !filter.Kind.Valid() {
		return protocol.ValidationError("journal", "unknown record kind %q", kind)
	}
	if mine {
		filter.UserID, _ = cmd.Flags().GetString("user")
	}

	logger := newLogger(cfg, cmd.ErrOrStderr()).With("component", "journal")
	if cfg.Log.Level == "info" {
		logger = slog.New(slog.DiscardHandler)
	}

	records, err := eventlog.ReadRecords(workspace.JournalPath(cfg.WorkspaceRoot), filter, limit, logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, records)
	}
	formatter := transcript.NewFormatter()
	for _, rec := range records {
		fmt.Fprintln(out, formatter.FormatRecord(rec))
	}
	return nil
}
