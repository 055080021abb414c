package notify

import (
	"fmt"
	"strings"
	"time"

	"taskrunner/internal/eventbus"
)

// maxListed caps the failed handles included in a run summary.
const maxListed = 20

// FormatEvent renders an event as a notification. ok is false for events
// that are not forwarded.
func FormatEvent(ev eventbus.Event) (text string, ok bool) {
	switch ev.Kind {
	case eventbus.RunFinished, eventbus.RunAborted:
		d, _ := ev.Data.(eventbus.RunData)
		return formatSummary(ev.Kind, d), true
	case eventbus.TaskFailed:
		d, ok := ev.Data.(eventbus.TaskData)
		if !ok {
			return "", false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "❌ task %s failed: exit %d after %d attempt(s)", d.Handle, d.ExitCode, d.Attempt)
		if d.Duration > 0 {
			fmt.Fprintf(&b, " (%s)", d.Duration.Round(time.Millisecond))
		}
		if d.Err != "" {
			fmt.Fprintf(&b, "\n%s", d.Err)
		}
		return b.String(), true
	case eventbus.GateWithheld:
		reason, _ := ev.Data.(string)
		if reason == "" {
			reason = "utilization above threshold"
		}
		return "⏸ admission withheld: " + reason, true
	}
	return "", false
}

func formatSummary(kind string, d eventbus.RunData) string {
	var b strings.Builder
	if kind == eventbus.RunAborted {
		b.WriteString("🛑 run aborted")
	} else {
		b.WriteString("✅ run finished")
	}
	if d.RunID != "" {
		fmt.Fprintf(&b, " [%s]", d.RunID)
	}
	fmt.Fprintf(&b, "\ntotal %d, completed %d, successful %d, failed %d, skipped %d, remaining %d",
		d.Total, d.Completed, d.Successful, d.Failed, d.Skipped, d.Remaining)
	if d.Uptime > 0 {
		fmt.Fprintf(&b, "\nuptime %s", d.Uptime.Round(time.Second))
	}
	if len(d.FailedList) > 0 {
		list := d.FailedList
		more := 0
		if len(list) > maxListed {
			more = len(list) - maxListed
			list = list[:maxListed]
		}
		fmt.Fprintf(&b, "\nfailed: %s", strings.Join(list, ", "))
		if more > 0 {
			fmt.Fprintf(&b, " (+%d more)", more)
		}
	}
	return b.String()
}
