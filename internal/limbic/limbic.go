package limbic

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"magenta/internal/logging"
)

// Per-signal emission floors. These suppress emission regardless of
// pressure, except the ANXIETY bypass at saturated pressure.
const (
	uncannyCooldown      = 10 * time.Minute
	anxietyCooldown      = 3 * time.Minute
	anxietyBypassMin     = 1.0
	boredomCooldown      = 30 * time.Minute
	lastOutcomesCap      = 32
	ReasonMaxInterval    = "max_interval_exceeded"
	ReasonThreshold      = "pressure_threshold"
	ReasonManualForce    = "manual_force"
)

// Limbic owns the interoception state and implements the tick loop.
// It is not safe for concurrent use; the scheduler drives it from a
// single goroutine.
type Limbic struct {
	configs  map[Kind]Config
	store    *StateStore
	state    *InteroceptionState
	provider ExternalStateProvider
	log      *zap.Logger
	now      func() time.Time
	rng      *rand.Rand
}

// New loads persisted state and wires the provider. A nil provider
// falls back to neutral values.
func New(store *StateStore, configs map[Kind]Config, provider ExternalStateProvider, log *zap.Logger) *Limbic {
	if configs == nil {
		configs = DefaultConfigs()
	}
	if provider == nil {
		provider = NeutralProvider{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Limbic{
		configs:  configs,
		store:    store,
		state:    store.Load(),
		provider: provider,
		log:      log,
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// State exposes the live snapshot for the mirror and the CLI.
func (l *Limbic) State() *InteroceptionState { return l.state }

// ReplaceState installs a reconciled snapshot (mirror pull result).
func (l *Limbic) ReplaceState(state *InteroceptionState) {
	state.normalize()
	l.state = state
}

// Tick advances every accumulator and returns at most one emission.
func (l *Limbic) Tick() *Emission {
	now := l.now().UTC()

	if l.state.Quiet(now) {
		l.persist()
		return nil
	}
	if l.provider.IsHumanActive() {
		l.log.Debug("human active, holding emissions")
		l.persist()
		return nil
	}

	boosts := l.computeBoosts(now)

	for _, kind := range EmittableKinds {
		l.updatePressure(kind, boosts[kind], now)
	}

	emission := l.pickEmission(now)
	if emission != nil {
		ps := l.state.Pressures[emission.Signal]
		ps.Pressure = 0
		ps.LastEmitted = now
		ps.EmissionCount++
		l.state.TotalEmissions++
		l.state.LastWake = now
		emission.Prompt = promptFor(emission)
		logging.Limbic("emitted %s reason=%s pressure=%.3f forced=%v",
			emission.Signal, emission.Reason, emission.Pressure, emission.Forced)
		l.log.Info("signal emitted",
			zap.String("signal", string(emission.Signal)),
			zap.String("reason", emission.Reason),
			zap.Float64("pressure", emission.Pressure),
			zap.Bool("forced", emission.Forced))
	}
	l.persist()
	return emission
}

// Force emits a chosen signal immediately, bypassing accumulation.
func (l *Limbic) Force(kind Kind) *Emission {
	now := l.now().UTC()
	ps := l.state.Pressures[kind]
	if ps == nil {
		return nil
	}
	emission := &Emission{
		Signal:    kind,
		Reason:    ReasonManualForce,
		Pressure:  ps.Pressure,
		Forced:    true,
		SinceLast: sinceLast(ps, now),
		Pending:   ps.KnownPending,
		At:        now,
	}
	ps.Pressure = 0
	ps.LastEmitted = now
	ps.EmissionCount++
	l.state.TotalEmissions++
	l.state.LastWake = now
	emission.Prompt = promptFor(emission)
	l.persist()
	return emission
}

// SetQuiet suppresses all emissions until now+d.
func (l *Limbic) SetQuiet(d time.Duration) {
	l.state.QuietUntil = l.now().UTC().Add(d)
	l.persist()
}

// ClearQuiet lifts quiet mode.
func (l *Limbic) ClearQuiet() {
	l.state.QuietUntil = time.Time{}
	l.persist()
}

// RecordOutcome notes how a dispatched emission went. Error outcomes
// feed the ANXIETY boost through the telemetry error count.
func (l *Limbic) RecordOutcome(kind Kind, signalID, outcome string) {
	ps := l.state.Pressures[kind]
	if ps == nil {
		return
	}
	if ps.LastOutcomes == nil {
		ps.LastOutcomes = map[string]string{}
	}
	if len(ps.LastOutcomes) >= lastOutcomesCap {
		ps.LastOutcomes = map[string]string{}
	}
	ps.LastOutcomes[signalID] = outcome
	l.persist()
}

// RecordAction stamps the last side-effecting action for a signal.
func (l *Limbic) RecordAction(kind Kind) {
	if ps := l.state.Pressures[kind]; ps != nil {
		ps.LastAction = l.now().UTC()
		l.persist()
	}
}

// SignalStatus is one row of the status report.
type SignalStatus struct {
	Signal        Kind      `json:"signal"`
	Pressure      float64   `json:"pressure"`
	Threshold     float64   `json:"threshold"`
	Priority      int       `json:"priority"`
	LastEmitted   time.Time `json:"last_emitted,omitzero"`
	EmissionCount int       `json:"emission_count"`
}

// Status summarizes all signals for the CLI, sorted by priority.
type Status struct {
	Signals        []SignalStatus `json:"signals"`
	QuietUntil     time.Time      `json:"quiet_until,omitzero"`
	LastWake       time.Time      `json:"last_wake,omitzero"`
	TotalEmissions int            `json:"total_emissions"`
}

// Report builds the status snapshot.
func (l *Limbic) Report() Status {
	status := Status{
		QuietUntil:     l.state.QuietUntil,
		LastWake:       l.state.LastWake,
		TotalEmissions: l.state.TotalEmissions,
	}
	for _, kind := range EmittableKinds {
		cfg := l.configs[kind]
		ps := l.state.Pressures[kind]
		status.Signals = append(status.Signals, SignalStatus{
			Signal:        kind,
			Pressure:      ps.Pressure,
			Threshold:     cfg.EmitThreshold,
			Priority:      cfg.Priority,
			LastEmitted:   ps.LastEmitted,
			EmissionCount: ps.EmissionCount,
		})
	}
	sort.Slice(status.Signals, func(i, j int) bool {
		return status.Signals[i].Priority > status.Signals[j].Priority
	})
	return status
}

func (l *Limbic) computeBoosts(now time.Time) map[Kind]float64 {
	boosts := map[Kind]float64{}

	pending := l.provider.PendingNotifications()
	social := l.state.Pressures[SignalSocial]
	social.KnownPending = pending.PerPlatform
	if pending.Total > 0 {
		boosts[SignalSocial] = math.Min(0.3, 0.05*float64(pending.Total))
	}

	if usage := l.provider.ContextUsage(); usage > 0.5 {
		boost := (usage - 0.5) * 0.5
		if usage > 0.7 {
			boost += 0.2
		}
		boosts[SignalMaintenance] = boost
	}

	if errs := l.provider.ErrorCountLastHour(); errs > 0 {
		boosts[SignalAnxiety] = math.Min(0.4, 0.1*float64(errs))
	}

	if idle := l.provider.TimeSinceLastAction(); idle > 2*time.Hour {
		boredom := l.state.Pressures[SignalBoredom]
		if sinceLast(boredom, now) > l.configs[SignalBoredom].BaseInterval {
			boost := 0.1
			if idle > 4*time.Hour {
				boost += 0.2
			}
			boosts[SignalBoredom] = boost
		}
	}

	avg, baseline, samples := l.provider.OutputStats()
	if samples > 0 && baseline > 0 {
		deviation := math.Abs(avg-baseline) / baseline
		l.state.OutputStats = map[string]float64{
			"avg_length":      avg,
			"baseline_length": baseline,
			"sample_count":    float64(samples),
			"deviation":       deviation,
		}
		if deviation > 0.3 {
			boosts[SignalDrift] = deviation * 0.3
		}
	}

	if len(boosts) > 0 {
		logging.LimbicDebug("boosts: %v", boosts)
	}
	return boosts
}

func (l *Limbic) updatePressure(kind Kind, boost float64, now time.Time) {
	cfg := l.configs[kind]
	ps := l.state.Pressures[kind]

	// Fresh accumulators anchor to the current instant so a cold start
	// does not trip every cron floor at once.
	if ps.LastEmitted.IsZero() {
		ps.LastEmitted = now
	}
	if ps.LastUpdated.IsZero() {
		ps.LastUpdated = now
	}

	sinceEmit := now.Sub(ps.LastEmitted)
	dt := now.Sub(ps.LastUpdated)
	if sinceEmit > cfg.BaseInterval && dt > 0 {
		window := sinceEmit - cfg.BaseInterval
		if dt < window {
			window = dt
		}
		accum := window.Seconds() * cfg.AccumulationRate
		accum *= 1 + l.jitter(cfg.JitterFactor)
		ps.Pressure += accum
	}
	ps.Pressure += boost
	if cfg.MaxPressure > 0 && ps.Pressure > cfg.MaxPressure {
		ps.Pressure = cfg.MaxPressure
	}
	if ps.Pressure < 0 {
		ps.Pressure = 0
	}
	ps.LastUpdated = now
}

type candidate struct {
	kind     Kind
	reason   string
	forced   bool
	pressure float64
	priority int
}

func (l *Limbic) pickEmission(now time.Time) *Emission {
	var candidates []candidate
	for _, kind := range EmittableKinds {
		cfg := l.configs[kind]
		ps := l.state.Pressures[kind]
		sinceEmit := sinceLast(ps, now)

		if !l.cooldownClear(kind, ps, sinceEmit) {
			continue
		}

		switch {
		case cfg.MaxInterval > 0 && sinceEmit >= cfg.MaxInterval:
			candidates = append(candidates, candidate{kind, ReasonMaxInterval, true, ps.Pressure, cfg.Priority})
		case ps.Pressure >= cfg.EmitThreshold*(1+l.jitter(cfg.JitterFactor)):
			candidates = append(candidates, candidate{kind, ReasonThreshold, false, ps.Pressure, cfg.Priority})
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].pressure > candidates[j].pressure
	})

	top := candidates[0]
	ps := l.state.Pressures[top.kind]
	return &Emission{
		Signal:    top.kind,
		Reason:    top.reason,
		Pressure:  top.pressure,
		Forced:    top.forced,
		SinceLast: sinceLast(ps, now),
		Pending:   ps.KnownPending,
		At:        now,
	}
}

func (l *Limbic) cooldownClear(kind Kind, ps *PressureState, sinceEmit time.Duration) bool {
	switch kind {
	case SignalUncanny:
		return sinceEmit >= uncannyCooldown
	case SignalAnxiety:
		return sinceEmit >= anxietyCooldown || ps.Pressure >= anxietyBypassMin
	case SignalBoredom:
		return sinceEmit >= boredomCooldown
	}
	return true
}

func (l *Limbic) jitter(factor float64) float64 {
	if factor <= 0 {
		return 0
	}
	return (l.rng.Float64()*2 - 1) * factor
}

func (l *Limbic) persist() {
	if err := l.store.Save(l.state); err != nil {
		l.log.Warn("limbic state save failed", zap.Error(err))
	}
}

func sinceLast(ps *PressureState, now time.Time) time.Duration {
	if ps.LastEmitted.IsZero() {
		return 0
	}
	return now.Sub(ps.LastEmitted)
}
