package limbic

import "time"

// PendingSummary counts unhandled notifications per platform.
type PendingSummary struct {
	PerPlatform     map[string]int `json:"per_platform,omitempty"`
	Total           int            `json:"total"`
	ActionableTotal int            `json:"actionable_total"`
}

// ExternalStateProvider feeds the boost computation. Implementations
// return neutral values on failure; boosts then stay zero.
type ExternalStateProvider interface {
	PendingNotifications() PendingSummary
	ContextUsage() float64
	TimeSinceLastAction() time.Duration
	ErrorCountLastHour() int
	IsHumanActive() bool
	OutputStats() (avgLength, baselineLength float64, sampleCount int)
}

// NeutralProvider reports nothing pending and no activity. It is the
// fallback when no real provider is wired.
type NeutralProvider struct{}

func (NeutralProvider) PendingNotifications() PendingSummary { return PendingSummary{} }
func (NeutralProvider) ContextUsage() float64                { return 0 }
func (NeutralProvider) TimeSinceLastAction() time.Duration   { return 0 }
func (NeutralProvider) ErrorCountLastHour() int              { return 0 }
func (NeutralProvider) IsHumanActive() bool                  { return false }
func (NeutralProvider) OutputStats() (float64, float64, int) { return 0, 0, 0 }

// FuncProvider adapts standalone closures into a provider. Nil fields
// fall back to neutral values.
type FuncProvider struct {
	PendingFn     func() PendingSummary
	UsageFn       func() float64
	IdleFn        func() time.Duration
	ErrorsFn      func() int
	HumanActiveFn func() bool
	OutputStatsFn func() (float64, float64, int)
}

func (f FuncProvider) PendingNotifications() PendingSummary {
	if f.PendingFn == nil {
		return PendingSummary{}
	}
	return f.PendingFn()
}

func (f FuncProvider) ContextUsage() float64 {
	if f.UsageFn == nil {
		return 0
	}
	return f.UsageFn()
}

func (f FuncProvider) TimeSinceLastAction() time.Duration {
	if f.IdleFn == nil {
		return 0
	}
	return f.IdleFn()
}

func (f FuncProvider) ErrorCountLastHour() int {
	if f.ErrorsFn == nil {
		return 0
	}
	return f.ErrorsFn()
}

func (f FuncProvider) IsHumanActive() bool {
	if f.HumanActiveFn == nil {
		return false
	}
	return f.HumanActiveFn()
}

func (f FuncProvider) OutputStats() (float64, float64, int) {
	if f.OutputStatsFn == nil {
		return 0, 0, 0
	}
	return f.OutputStatsFn()
}
