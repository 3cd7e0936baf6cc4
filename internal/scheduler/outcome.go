package scheduler

import (
	"magenta/internal/flow"
)

// Outcome kinds recorded against an emitted signal.
const (
	OutcomeHighEngagement = "high_engagement"
	OutcomeAcknowledged   = "acknowledged"
	OutcomeSkipped        = "skipped"
	OutcomeError          = "error"
)

// DetectOutcome classifies a pipeline run for the limbic feedback loop.
func DetectOutcome(report *flow.RunReport, err error) string {
	if err != nil {
		return OutcomeError
	}
	if report == nil {
		return OutcomeError
	}
	switch report.AbortReason {
	case "error", "commit_failed", "preflight_failed":
		return OutcomeError
	}
	if report.Committed {
		if report.Action.TextBearing() {
			return OutcomeHighEngagement
		}
		return OutcomeAcknowledged
	}
	switch report.AbortReason {
	case "poll_unchanged", "no_actions", "salience_too_low", "j_below_threshold":
		return OutcomeSkipped
	}
	return OutcomeAcknowledged
}
