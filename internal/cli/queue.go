package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/agentq/internal/orchestrator"
	"github.com/iambrandonn/agentq/internal/protocol"
	"github.com/iambrandonn/agentq/internal/transcript"
)

const waitPollInterval = 250 * time.Millisecond

var queueCmd = &cobra.Command{
	Use:   "queue <command...>",
	Short: "Queue a command for an agent",
	Long: `Queue a single-line command. The serving process runs it on one of the
user's instances for the chosen provider, spawning one when none is free.

With --wait the command blocks until the task finishes, printing any
questions the agent raises on the way. Answer them with
'agentq notifications respond'.`,
	Example: `  agentq queue "add a unit test for the parser"
  agentq queue -p codex --wait "rename Foo to Bar"
  agentq queue --meta ticket=ENG-12 "fix the flaky test"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQueue,
}

func init() {
	queueCmd.Flags().StringP("provider", "p", "", "Provider to run the command on (default: queue.default_provider)")
	queueCmd.Flags().StringP("session", "s", "", "Session id recorded on the task")
	queueCmd.Flags().StringToString("meta", nil, "Metadata key=value pairs")
	queueCmd.Flags().BoolP("wait", "w", false, "Wait for the task to finish")
	queueCmd.Flags().Duration("timeout", 0, "Give up waiting after this long (0 waits forever)")
	queueCmd.Flags().Bool("json", false, "Print the task as JSON")
}

func runQueue(cmd *cobra.Command, args []string) error {
	orch, user, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer orch.Close()

	providerName, _ := cmd.Flags().GetString("provider")
	session, _ := cmd.Flags().GetString("session")
	meta, _ := cmd.Flags().GetStringToString("meta")
	wait, _ := cmd.Flags().GetBool("wait")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx := commandContext(cmd)
	task, err := orch.QueueTask(ctx, user, session, strings.Join(args, " "), providerName, meta)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !wait {
		if asJSON {
			return printJSON(out, task)
		}
		fmt.Fprintf(out, "Queued %s\n", task.ID)
		return nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	final, err := waitForTask(ctx, orch, user, task.ID, out)
	if err != nil {
		return err
	}

	if asJSON {
		if err := printJSON(out, final); err != nil {
			return err
		}
	} else {
		fmt.Fprint(out, transcript.NewFormatter().FormatTaskDetail(final))
	}
	if final.Status == protocol.TaskStatusFailed {
		return fmt.Errorf("task %s failed: %s", final.ID, final.Error)
	}
	return nil
}

// waitForTask polls until the task is terminal, announcing each new
// notification that asks about it
func waitForTask(ctx context.Context, orch *orchestrator.Orchestrator, user, taskID string, out io.Writer) (*protocol.Task, error) {
	formatter := transcript.NewFormatter()
	announced := make(map[string]bool)

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		task, err := orch.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.Status.IsTerminal() {
			return task, nil
		}

		notes, err := orch.GetNotifications(ctx, user, true, 20)
		if err == nil {
			for _, n := range notes {
				if n.TaskID != taskID || !n.RequiresResponse || announced[n.ID] {
					continue
				}
				announced[n.ID] = true
				fmt.Fprintln(out, formatter.FormatNotification(n))
				for _, line := range n.Context {
					fmt.Fprintf(out, "    | %s\n", line)
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("stopped waiting for task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}
