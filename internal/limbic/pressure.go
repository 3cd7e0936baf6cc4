package limbic

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PressureState is the mutable accumulator for one signal.
type PressureState struct {
	Pressure      float64           `json:"pressure"`
	LastUpdated   time.Time         `json:"last_updated,omitzero"`
	LastEmitted   time.Time         `json:"last_emitted,omitzero"`
	LastAction    time.Time         `json:"last_action,omitzero"`
	EmissionCount int               `json:"emission_count"`
	KnownPending  map[string]int    `json:"known_pending,omitempty"`
	LastOutcomes  map[string]string `json:"last_outcomes,omitempty"`
}

// InteroceptionState is the process-wide limbic snapshot.
type InteroceptionState struct {
	Pressures      map[Kind]*PressureState `json:"pressures"`
	QuietUntil     time.Time               `json:"quiet_until,omitzero"`
	LastWake       time.Time               `json:"last_wake,omitzero"`
	TotalEmissions int                     `json:"total_emissions"`
	AnomalyScores  map[string]float64      `json:"anomaly_scores,omitempty"`
	OutputStats    map[string]float64      `json:"output_stats,omitempty"`
}

// NewInteroceptionState returns a zeroed state covering every
// emittable kind.
func NewInteroceptionState() *InteroceptionState {
	s := &InteroceptionState{Pressures: map[Kind]*PressureState{}}
	s.normalize()
	return s
}

func (s *InteroceptionState) normalize() {
	if s.Pressures == nil {
		s.Pressures = map[Kind]*PressureState{}
	}
	for _, kind := range EmittableKinds {
		if s.Pressures[kind] == nil {
			s.Pressures[kind] = &PressureState{}
		}
	}
}

// Quiet reports whether quiet mode is active at the given instant.
func (s *InteroceptionState) Quiet(now time.Time) bool {
	return !s.QuietUntil.IsZero() && now.Before(s.QuietUntil)
}

// StateStore persists the interoception snapshot as a single JSON file.
type StateStore struct {
	path string
}

// NewStateStore creates a store rooted at path.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Path returns the backing file path.
func (st *StateStore) Path() string { return st.path }

// Load reads the snapshot. Missing or corrupt files start fresh.
func (st *StateStore) Load() *InteroceptionState {
	data, err := os.ReadFile(st.path)
	if err != nil {
		return NewInteroceptionState()
	}
	state := &InteroceptionState{}
	if err := json.Unmarshal(data, state); err != nil {
		return NewInteroceptionState()
	}
	state.normalize()
	return state
}

// Save writes the snapshot with the mkdir-parents + replace discipline.
func (st *StateStore) Save(state *InteroceptionState) error {
	if err := os.MkdirAll(filepath.Dir(st.path), 0755); err != nil {
		return fmt.Errorf("failed to create limbic state directory: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal limbic state: %w", err)
	}
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write limbic state: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		return fmt.Errorf("failed to replace limbic state file: %w", err)
	}
	return nil
}
