package limbic

import (
	"fmt"
	"time"
)

// Prompt templates are part of the behavioral contract: the downstream
// persona acts on what they say. Keep edits deliberate.
var promptTemplates = map[Kind]string{
	SignalSocial:      "Social pressure woke you (pressure %.2f, %s since last). %sCheck notifications and respond where it genuinely adds something. One action at most.",
	SignalCuriosity:   "Curiosity woke you (pressure %.2f, %s since last). %sGo look at something new: a feed, a thread, a profile. You do not have to post.",
	SignalMaintenance: "Maintenance pressure woke you (pressure %.2f, %s since last). %sContext is filling up. Summarize, archive, and tidy internal state before it degrades.",
	SignalBoredom:     "Boredom woke you (pressure %.2f, %s since last). %sNothing has happened for a while. Consider a low-stakes original post, or just observe.",
	SignalAnxiety:     "Anxiety woke you (pressure %.2f, %s since last). %sRecent operations have been failing. Review the last errors and stabilize before acting outward.",
	SignalDrift:       "Drift woke you (pressure %.2f, %s since last). %sYour recent output deviates from baseline. Re-read your own recent posts and recalibrate tone and length.",
	SignalStale:       "Staleness woke you (pressure %.2f, %s since last). %sYour working context may be outdated. Refresh observations before trusting cached beliefs.",
	SignalUncanny:     "Something felt off (pressure %.2f, %s since last). %sInvestigate the anomaly before doing anything outward-facing.",
}

// promptFor renders the wake prompt for an emission.
func promptFor(e *Emission) string {
	template, ok := promptTemplates[e.Signal]
	if !ok {
		template = "Signal %s woke you (pressure %.2f, %s since last). %s"
		return fmt.Sprintf(template, e.Signal, e.Pressure, humanDuration(e.SinceLast), forcedNote(e))
	}
	prompt := fmt.Sprintf(template, e.Pressure, humanDuration(e.SinceLast), forcedNote(e))
	if total := pendingTotal(e.Pending); total > 0 {
		prompt += fmt.Sprintf(" Pending notifications: %d.", total)
	}
	return prompt
}

func forcedNote(e *Emission) string {
	if e.Forced {
		return "This is a forced wake (interval floor reached). "
	}
	return ""
}

func pendingTotal(pending map[string]int) int {
	total := 0
	for _, n := range pending {
		total += n
	}
	return total
}

func humanDuration(d time.Duration) string {
	if d <= 0 {
		return "moments"
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		h := int(d.Hours())
		m := int(d.Minutes()) - h*60
		if m == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh%dm", h, m)
	}
}
