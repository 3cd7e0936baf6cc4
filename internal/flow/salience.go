package flow

import (
	"math"
	"math/rand"
)

// SalienceConfig weights the domain-labeled salience components and
// carries the gate thresholds used by the runner.
type SalienceConfig struct {
	Weights       map[string]float64 `yaml:"weights"`
	LowThreshold  float64            `yaml:"low_threshold"`
	HighThreshold float64            `yaml:"high_threshold"`
}

// DecisionPolicy configures scoring and selection.
type DecisionPolicy struct {
	Salience           SalienceConfig     `yaml:"salience"`
	JWeights           map[string]float64 `yaml:"j_weights"`
	LowActionThreshold float64            `yaml:"low_action_threshold"`
	Epsilon            float64            `yaml:"epsilon"`
	Temperature        float64            `yaml:"temperature"`
}

// DefaultDecisionPolicy mirrors the production tuning.
func DefaultDecisionPolicy() DecisionPolicy {
	return DecisionPolicy{
		Salience: SalienceConfig{
			Weights:       map[string]float64{"delta_u": 0.4, "risk": -0.4},
			LowThreshold:  0.35,
			HighThreshold: 0.7,
		},
		JWeights: map[string]float64{
			"voi":         1.0,
			"optionality": 0.5,
			"risk":        1.0,
			"fatigue":     1.0,
		},
		LowActionThreshold: 0.0,
		Epsilon:            0.15,
		Temperature:        0.8,
	}
}

// MemoryPolicy gates the out-of-band memory writes after a commit.
type MemoryPolicy struct {
	CoreThreshold    float64 `yaml:"core_threshold"`
	SummaryThreshold float64 `yaml:"summary_threshold"`
}

// DefaultMemoryPolicy returns the production thresholds.
func DefaultMemoryPolicy() MemoryPolicy {
	return MemoryPolicy{CoreThreshold: 0.7, SummaryThreshold: 0.45}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// ComputeSalience folds weighted components into [0,1].
func ComputeSalience(components map[string]float64, cfg SalienceConfig) float64 {
	total := 0.0
	for key, weight := range cfg.Weights {
		total += weight * components[key]
	}
	return clamp01(total)
}

// ComputeJScore is the control law:
// J = Δu + w_voi·voi + w_opt·optionality − cost − w_risk·risk − w_fatigue·fatigue.
func ComputeJScore(c CandidateAction, weights map[string]float64) float64 {
	w := func(key string) float64 {
		if v, ok := weights[key]; ok {
			return v
		}
		return 1.0
	}
	return c.DeltaU + w("voi")*c.VOI + w("optionality")*c.Optionality -
		c.Cost - w("risk")*c.Risk - w("fatigue")*c.Fatigue
}

// ScoreActions attaches J scores to every candidate.
func ScoreActions(actions []CandidateAction, policy DecisionPolicy) []ScoredAction {
	scored := make([]ScoredAction, 0, len(actions))
	for _, action := range actions {
		scored = append(scored, ScoredAction{
			CandidateAction: action,
			JScore:          ComputeJScore(action, policy.JWeights),
		})
	}
	return scored
}

// PickAction selects one scored action: with probability ε a uniform
// random choice, otherwise a softmax(J/T) draw, falling back to argmax
// when the softmax weights collapse to zero.
func PickAction(scored []ScoredAction, policy DecisionPolicy, rng *rand.Rand) ScoredAction {
	if len(scored) == 0 {
		return ScoredAction{CandidateAction: CandidateAction{Kind: ActionIgnore, Intent: "ignore", Notes: "fallback ignore"}}
	}

	if policy.Epsilon > 0 && rng.Float64() < policy.Epsilon {
		return scored[rng.Intn(len(scored))]
	}

	if policy.Temperature > 0 {
		weights := make([]float64, len(scored))
		total := 0.0
		for i, action := range scored {
			weights[i] = math.Exp(action.JScore / policy.Temperature)
			total += weights[i]
		}
		if total > 0 && !math.IsInf(total, 1) {
			pick := rng.Float64() * total
			upto := 0.0
			for i, weight := range weights {
				upto += weight
				if upto >= pick {
					return scored[i]
				}
			}
		}
	}

	best := scored[0]
	for _, action := range scored[1:] {
		if action.JScore > best.JScore {
			best = action
		}
	}
	return best
}
