// Package limbic is the pressure-based emission engine that replaces
// cron. Each drive signal accumulates pressure over time and from
// external observations; one tick emits at most one signal.
package limbic

import "time"

// Kind names a drive signal.
type Kind string

const (
	SignalSocial      Kind = "SOCIAL"
	SignalCuriosity   Kind = "CURIOSITY"
	SignalMaintenance Kind = "MAINTENANCE"
	SignalBoredom     Kind = "BOREDOM"
	SignalAnxiety     Kind = "ANXIETY"
	SignalDrift       Kind = "DRIFT"
	SignalStale       Kind = "STALE"
	SignalUncanny     Kind = "UNCANNY"
	// SignalQuiet is a suppression sentinel, never emitted.
	SignalQuiet Kind = "QUIET"
)

// Config is the static tuning of one signal.
type Config struct {
	BaseInterval     time.Duration `yaml:"base_interval"`
	AccumulationRate float64       `yaml:"accumulation_rate"`
	DecayRate        float64       `yaml:"decay_rate"`
	EmitThreshold    float64       `yaml:"emit_threshold"`
	MaxPressure      float64       `yaml:"max_pressure"`
	JitterFactor     float64       `yaml:"jitter_factor"`
	Priority         int           `yaml:"priority"`
	// MaxInterval forces emission regardless of pressure. Zero means
	// no cron floor.
	MaxInterval time.Duration `yaml:"max_interval"`
}

const (
	defaultMaxPressure  = 1.5
	defaultJitterFactor = 0.15
)

// DefaultConfigs returns the production signal tuning.
func DefaultConfigs() map[Kind]Config {
	base := func(interval time.Duration, rate, threshold float64, priority int, maxInterval time.Duration) Config {
		return Config{
			BaseInterval:     interval,
			AccumulationRate: rate,
			EmitThreshold:    threshold,
			MaxPressure:      defaultMaxPressure,
			JitterFactor:     defaultJitterFactor,
			Priority:         priority,
			MaxInterval:      maxInterval,
		}
	}
	return map[Kind]Config{
		SignalSocial:      base(20*time.Minute, 0.0008, 0.7, 7, 2*time.Hour),
		SignalCuriosity:   base(time.Hour, 0.0003, 0.6, 4, 4*time.Hour),
		SignalMaintenance: base(3*time.Hour, 0.0001, 0.75, 6, 0),
		SignalBoredom:     base(4*time.Hour, 0.0002, 0.8, 2, 6*time.Hour),
		SignalAnxiety:     base(6*time.Hour, 0.0001, 0.8, 8, 0),
		SignalDrift:       base(6*time.Hour, 0.0001, 0.7, 3, 12*time.Hour),
		SignalStale:       base(2*time.Hour, 0.0002, 0.6, 4, 8*time.Hour),
		SignalUncanny:     base(30*time.Minute, 0.001, 0.5, 9, 0),
		SignalQuiet:       {Priority: 10},
	}
}

// EmittableKinds lists every kind the tick loop accumulates, in a
// stable order so jitter draws are reproducible under a seeded RNG.
var EmittableKinds = []Kind{
	SignalSocial,
	SignalCuriosity,
	SignalMaintenance,
	SignalBoredom,
	SignalAnxiety,
	SignalDrift,
	SignalStale,
	SignalUncanny,
}

// Emission is one wake decision handed to the dispatcher.
type Emission struct {
	Signal    Kind           `json:"signal"`
	Reason    string         `json:"reason"`
	Pressure  float64        `json:"pressure"`
	Forced    bool           `json:"forced"`
	SinceLast time.Duration  `json:"since_last"`
	Pending   map[string]int `json:"pending,omitempty"`
	Prompt    string         `json:"prompt"`
	At        time.Time      `json:"at"`
}
