package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/agentq/internal/orchestrator"
	"github.com/iambrandonn/agentq/internal/transcript"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth and task counts",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List running agent instances with CPU and memory usage",
	Args:  cobra.NoArgs,
	RunE:  runInstances,
}

var instancesStopCmd = &cobra.Command{
	Use:   "stop <instance-id>",
	Short: "Ask the serving process to stop an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstancesStop,
}

func init() {
	statsCmd.Flags().Bool("json", false, "Print stats as JSON")

	instancesCmd.Flags().Bool("all", false, "List every user's instances")
	instancesCmd.Flags().Bool("json", false, "Print instances as JSON")
	instancesCmd.AddCommand(instancesStopCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	orch, _, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer orch.Close()

	asJSON, _ := cmd.Flags().GetBool("json")

	stats, err := orch.GetQueueStats(commandContext(cmd))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, stats)
	}

	fmt.Fprintf(out, "Queue depth:  %d\n", stats.QueueDepth)
	fmt.Fprintf(out, "Queued:       %d\n", stats.Queued)
	fmt.Fprintf(out, "Processing:   %d\n", stats.Processing)
	fmt.Fprintf(out, "Completed:    %d\n", stats.Completed)
	fmt.Fprintf(out, "Failed:       %d\n", stats.Failed)

	if len(stats.ByProvider) > 0 {
		names := make([]string, 0, len(stats.ByProvider))
		for name := range stats.ByProvider {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(out, "By provider:")
		for _, name := range names {
			fmt.Fprintf(out, "  %-12s %d\n", name, stats.ByProvider[name])
		}
	}
	return nil
}

func runInstances(cmd *cobra.Command, args []string) error {
	orch, user, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer orch.Close()

	all, _ := cmd.Flags().GetBool("all")
	asJSON, _ := cmd.Flags().GetBool("json")
	if all {
		user = ""
	}

	stats, err := orch.GetSharedInstanceStats(commandContext(cmd), user)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, stats)
	}
	if stats.Total == 0 {
		fmt.Fprintln(out, "No running instances")
		return nil
	}

	formatter := transcript.NewFormatter()
	for _, usage := range stats.Instances {
		var cpu float64
		var rss uint64
		if usage.Process != nil {
			cpu, rss = usage.Process.CPUPercent, usage.Process.RSSBytes
		}
		line := formatter.FormatInstance(usage.Instance, cpu, rss)
		if all {
			line += "  user=" + usage.Instance.UserID
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runInstancesStop(cmd *cobra.Command, args []string) error {
	orch, _, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer orch.Close()

	req := &orchestrator.ControlRequest{Op: orchestrator.ControlStopInstance, InstanceID: args[0]}
	if err := orch.SubmitControl(commandContext(cmd), req); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stop of %s requested\n", args[0])
	return nil
}
