package scheduler

import (
	"math"
	"time"

	"magenta/internal/flow"
	"magenta/internal/limbic"
	"magenta/internal/store"
)

// NewStateProvider wires the limbic boost inputs from the local
// stores. Any nil collaborator degrades that input to neutral.
func NewStateProvider(tel *flow.Telemetry, notifs *store.NotificationDB, states *flow.StateStore, usage func() float64) limbic.FuncProvider {
	return limbic.FuncProvider{
		PendingFn: func() limbic.PendingSummary {
			if notifs == nil {
				return limbic.PendingSummary{}
			}
			count, err := notifs.PendingCount()
			if err != nil {
				return limbic.PendingSummary{}
			}
			return limbic.PendingSummary{
				PerPlatform:     map[string]int{"bluesky": count},
				Total:           count,
				ActionableTotal: count,
			}
		},
		UsageFn: func() float64 {
			if usage == nil {
				return 0
			}
			return usage()
		},
		IdleFn: func() time.Duration {
			if states == nil {
				return 0
			}
			last := states.Load().LastCommitAt
			if last.IsZero() {
				// Never having acted counts as maximally idle, so the
				// boredom boost can fire on a fresh install.
				return time.Duration(math.MaxInt64)
			}
			return time.Since(last)
		},
		ErrorsFn: func() int {
			if tel == nil {
				return 0
			}
			return tel.ErrorCountSince(time.Now().Add(-time.Hour))
		},
		OutputStatsFn: func() (float64, float64, int) {
			if tel == nil {
				return 0, 0, 0
			}
			stats := tel.OutputStatsSince(time.Now().Add(-24 * time.Hour))
			return stats.AvgLength, stats.BaselineLength, stats.SampleCount
		},
	}
}
