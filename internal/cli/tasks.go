package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/agentq/internal/orchestrator"
	"github.com/iambrandonn/agentq/internal/transcript"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List the user's most recent tasks",
	Args:  cobra.NoArgs,
	RunE:  runTasks,
}

var taskCmd = &cobra.Command{
	Use:   "task <task-id>",
	Short: "Show a task with its result and message log",
	Args:  cobra.ExactArgs(1),
	RunE:  runTask,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a queued or processing task",
	Long: `Cancel a task. A queued task is failed immediately. A processing task is
cancelled by the serving process, which picks the request up from the store.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	tasksCmd.Flags().IntP("limit", "n", 20, "Maximum number of tasks to list")
	tasksCmd.Flags().Bool("json", false, "Print tasks as JSON")
	taskCmd.Flags().Bool("json", false, "Print the task as JSON")
}

func runTasks(cmd *cobra.Command, args []string) error {
	orch, user, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer orch.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	tasks, err := orch.GetUserTasks(commandContext(cmd), user, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, tasks)
	}
	if len(tasks) == 0 {
		fmt.Fprintf(out, "No tasks for %s\n", user)
		return nil
	}
	formatter := transcript.NewFormatter()
	for _, task := range tasks {
		fmt.Fprintln(out, formatter.FormatTask(task))
	}
	return nil
}

func runTask(cmd *cobra.Command, args []string) error {
	orch, _, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer orch.Close()

	asJSON, _ := cmd.Flags().GetBool("json")

	task, err := orch.GetTask(commandContext(cmd), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, task)
	}
	fmt.Fprint(out, transcript.NewFormatter().FormatTaskDetail(task))
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	orch, _, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx := commandContext(cmd)
	out := cmd.OutOrStdout()
	taskID := args[0]

	cancelled, err := orch.CancelTask(ctx, taskID)
	if err != nil {
		return err
	}
	if cancelled {
		fmt.Fprintf(out, "Cancelled %s\n", taskID)
		return nil
	}

	task, err := orch.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		fmt.Fprintf(out, "Task %s already %s\n", taskID, task.Status)
		return nil
	}

	// Processing in the serving process
	if err := orch.SubmitControl(ctx, &orchestrator.ControlRequest{Op: orchestrator.ControlCancel, TaskID: taskID}); err != nil {
		return err
	}
	fmt.Fprintf(out, "Cancellation of %s requested\n", taskID)
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
