package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/iambrandonn/agentq/internal/protocol"
)

const commandWidth = 48

// Formatter formats tasks, notifications, instances and journal records for
// console output
type Formatter struct{}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatRecord formats a journal record for console display
func (f *Formatter) FormatRecord(rec *protocol.JournalRecord) string {
	var subject string
	switch rec.Kind {
	case protocol.RecordKindTask:
		subject = rec.TaskID
	case protocol.RecordKindInstance:
		subject = rec.InstanceID
	case protocol.RecordKindNotification:
		subject = rec.NotificationID
	}

	var details []string
	if rec.UserID != "" {
		details = append(details, "user: "+rec.UserID)
	}
	if rec.Kind != protocol.RecordKindTask && rec.TaskID != "" {
		details = append(details, "task: "+rec.TaskID)
	}
	if rec.Kind == protocol.RecordKindTask && rec.InstanceID != "" {
		details = append(details, "instance: "+rec.InstanceID)
	}
	if rec.Status != "" {
		details = append(details, "status: "+rec.Status)
	}
	if rec.Detail != "" {
		details = append(details, rec.Detail)
	}

	line := fmt.Sprintf("%s [%s] %s %s", rec.OccurredAt.Local().Format("15:04:05"), rec.Kind, rec.Event, subject)
	if len(details) > 0 {
		line += ": " + strings.Join(details, ", ")
	}
	return line
}

// FormatTask formats a one-line task summary
func (f *Formatter) FormatTask(task *protocol.Task) string {
	line := fmt.Sprintf("%s  %-10s  %-8s  %s", task.ID, task.Status, task.Provider, truncate(task.Command, commandWidth))

	if task.StartedAt != nil && task.CompletedAt != nil {
		line += fmt.Sprintf("  (%s)", f.formatDuration(task.CompletedAt.Sub(*task.StartedAt)))
	}
	if task.Error != "" {
		line += "  error: " + truncate(task.Error, commandWidth)
	}
	return line
}

// FormatTaskDetail formats a task with its result or error and message log
func (f *Formatter) FormatTaskDetail(task *protocol.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:      %s\n", task.ID)
	fmt.Fprintf(&b, "User:      %s\n", task.UserID)
	if task.SessionID != "" {
		fmt.Fprintf(&b, "Session:   %s\n", task.SessionID)
	}
	fmt.Fprintf(&b, "Provider:  %s\n", task.Provider)
	fmt.Fprintf(&b, "Status:    %s\n", task.Status)
	if task.InstanceID != "" {
		fmt.Fprintf(&b, "Instance:  %s\n", task.InstanceID)
	}
	fmt.Fprintf(&b, "Command:   %s\n", task.Command)
	fmt.Fprintf(&b, "Created:   %s\n", task.CreatedAt.Local().Format(time.RFC3339))
	if task.StartedAt != nil && task.CompletedAt != nil {
		fmt.Fprintf(&b, "Duration:  %s\n", f.formatDuration(task.CompletedAt.Sub(*task.StartedAt)))
	}
	if task.Error != "" {
		fmt.Fprintf(&b, "Error:     %s", task.Error)
		if task.ErrorKind != "" {
			fmt.Fprintf(&b, " (%s)", task.ErrorKind)
		}
		b.WriteString("\n")
	}
	if task.Result != "" {
		b.WriteString("\nResult:\n")
		b.WriteString(indent(task.Result))
	}
	if len(task.Messages) > 0 {
		fmt.Fprintf(&b, "\nMessages (%d):\n", len(task.Messages))
		for _, m := range task.Messages {
			fmt.Fprintf(&b, "  %s %s %s\n", m.Timestamp.Local().Format("15:04:05.000"), m.Channel, strings.TrimRight(m.Content, "\n"))
		}
	}
	return b.String()
}

// FormatNotification formats a notification for console display
func (f *Formatter) FormatNotification(n *protocol.Notification) string {
	marker := " "
	if !n.Read {
		marker = "*"
	}

	line := fmt.Sprintf("%s %s  %-13s  %s", marker, n.ID, n.Type, n.Title)
	if n.Message != "" {
		line += ": " + truncate(n.Message, commandWidth)
	}
	if n.RequiresResponse && !n.Responded {
		if len(n.ResponseOptions) > 0 {
			line += fmt.Sprintf("  [%s]", strings.Join(n.ResponseOptions, "/"))
		} else {
			line += "  [free text]"
		}
	}
	if n.Responded {
		line += "  (answered)"
	}
	return line
}

// FormatInstance formats a one-line instance summary. rss is omitted when zero.
func (f *Formatter) FormatInstance(inst *protocol.Instance, cpuPercent float64, rss uint64) string {
	line := fmt.Sprintf("%s  %-8s  %-8s  pid=%d", inst.ID, inst.Status, inst.Provider, inst.PID)
	if inst.CurrentTaskID != "" {
		line += "  task=" + inst.CurrentTaskID
	}
	if rss > 0 {
		line += fmt.Sprintf("  cpu=%.1f%%  rss=%s", cpuPercent, f.formatSize(int64(rss)))
	}
	return line
}

// formatSize formats a byte size in a human-readable format
func (f *Formatter) formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GiB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MiB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KiB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func (f *Formatter) formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(100 * time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n") + "\n"
}
