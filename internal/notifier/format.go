package notifier

import (
	"fmt"
	"strings"
	"time"

	"autocheckin/internal/eventbus"
)

// Format renders a bus event as an operator message. ok is false for events
// that are not forwarded.
func Format(ev eventbus.Event, checkins bool) (text string, ok bool) {
	switch d := ev.Data.(type) {
	case eventbus.CheckinAccepted:
		if !checkins {
			return "", false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "✅ Checked in %s", d.Email)
		if d.Activity != "" {
			fmt.Fprintf(&b, "\n%s", d.Activity)
		}
		fmt.Fprintf(&b, "\ncode %s, attempt %d", d.Code, d.Attempts)
		return b.String(), true
	case eventbus.CycleCompleted:
		// Quiet cycles are not worth a message.
		if d.Total == 0 {
			return "", false
		}
		mark := "🔁"
		if d.Failed > 0 {
			mark = "⚠️"
		}
		return fmt.Sprintf("%s Cycle (%s): %d/%d users processed, %d failed in %s",
			mark, d.Trigger, d.Processed, d.Total, d.Failed, d.Duration.Round(time.Second)), true
	case eventbus.SessionFailed:
		return fmt.Sprintf("⚠️ Session refresh failed for %s: %s", d.Email, d.Reason), true
	}
	return "", false
}
