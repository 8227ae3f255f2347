package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/agentq/internal/orchestrator"
	"github.com/iambrandonn/agentq/internal/protocol"
	"github.com/iambrandonn/agentq/internal/transcript"
)

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notes"},
	Short:   "List notifications, newest first",
	Long: `List the user's notifications. Unread notifications are marked with '*'.
An agent waiting for input shows the answers it appears to expect, or
[free text] when it did not offer a choice.`,
	Args: cobra.NoArgs,
	RunE: runNotifications,
}

var respondCmd = &cobra.Command{
	Use:   "respond <notification-id> <answer...>",
	Short: "Answer an agent that is waiting for input",
	Long: `Send a one-line answer to the agent behind an ai_waiting notification.
The serving process forwards it to the instance as long as the instance is
still working on the notification's task.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRespond,
}

var readCmd = &cobra.Command{
	Use:   "read <notification-id...>",
	Short: "Mark notifications as read",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRead,
}

func init() {
	notificationsCmd.Flags().Bool("unread", false, "Only list unread notifications")
	notificationsCmd.Flags().IntP("limit", "n", 20, "Maximum number of notifications to list")
	notificationsCmd.Flags().BoolP("verbose", "v", false, "Include the output that preceded each question")
	notificationsCmd.Flags().Bool("json", false, "Print notifications as JSON")

	notificationsCmd.AddCommand(respondCmd)
	notificationsCmd.AddCommand(readCmd)
}

func runNotifications(cmd *cobra.Command, args []string) error {
	orch, user, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer orch.Close()

	unread, _ := cmd.Flags().GetBool("unread")
	limit, _ := cmd.Flags().GetInt("limit")
	verbose, _ := cmd.Flags().GetBool("verbose")
	asJSON, _ := cmd.Flags().GetBool("json")

	notes, err := orch.GetNotifications(commandContext(cmd), user, unread, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, notes)
	}
	if len(notes) == 0 {
		fmt.Fprintln(out, "No notifications")
		return nil
	}

	formatter := transcript.NewFormatter()
	for _, n := range notes {
		fmt.Fprintln(out, formatter.FormatNotification(n))
		if verbose {
			for _, line := range n.Context {
				fmt.Fprintf(out, "    | %s\n", line)
			}
		}
	}
	return nil
}

func runRespond(cmd *cobra.Command, args []string) error {
	orch, user, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx := commandContext(cmd)
	id := args[0]
	answer := strings.Join(args[1:], " ")

	// Reject what the server would reject before queuing
	target, err := orch.GetNotification(ctx, user, id)
	if err != nil {
		return err
	}
	if !target.RequiresResponse {
		return protocol.ValidationError("respond", "notification %s does not take a response", id)
	}
	if target.Responded {
		return protocol.ValidationError("respond", "notification %s was already answered", id)
	}
	if target.Expired(time.Now()) {
		return protocol.ResponseTimeoutError("respond", "notification %s expired", id)
	}

	req := &orchestrator.ControlRequest{
		Op:             orchestrator.ControlRespond,
		UserID:         user,
		NotificationID: id,
		Response:       answer,
	}
	if err := orch.SubmitControl(ctx, req); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Response to %s submitted\n", id)
	return nil
}

func runRead(cmd *cobra.Command, args []string) error {
	orch, user, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx := commandContext(cmd)
	for _, id := range args {
		if err := orch.MarkAsRead(ctx, user, id); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Marked %d notification(s) read\n", len(args))
	return nil
}
