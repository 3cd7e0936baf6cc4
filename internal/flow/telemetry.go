package flow

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Telemetry is an append-only JSONL trace of run outcomes. The limbic
// layer reads it back to count recent errors for ANXIETY boosts.
type Telemetry struct {
	path string
	now  func() time.Time
}

// NewTelemetry creates the parent directory if needed.
func NewTelemetry(path string) (*Telemetry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}
	return &Telemetry{path: path, now: time.Now}, nil
}

// Path returns the backing file path.
func (t *Telemetry) Path() string { return t.path }

// Append writes one event as a JSON line. Timestamp is stamped here so
// callers never race the wall clock.
func (t *Telemetry) Append(event TelemetryEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = t.now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry event: %w", err)
	}
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open telemetry log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append telemetry event: %w", err)
	}
	return nil
}

// ReadAll returns every parseable event. Malformed lines are skipped.
func (t *Telemetry) ReadAll() []TelemetryEvent {
	f, err := os.Open(t.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var events []TelemetryEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event TelemetryEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events
}

// ErrorCountSince counts run failures recorded after the cutoff.
func (t *Telemetry) ErrorCountSince(cutoff time.Time) int {
	count := 0
	for _, event := range t.ReadAll() {
		if event.Timestamp.Before(cutoff) {
			continue
		}
		switch event.AbortReason {
		case "commit_failed", "preflight_failed", "error":
			count++
		}
	}
	return count
}

// OutputStats summarizes recent committed text lengths for drift
// detection. Zero sample count means no data.
type OutputStats struct {
	AvgLength      float64 `json:"avg_length"`
	BaselineLength float64 `json:"baseline_length"`
	SampleCount    int     `json:"sample_count"`
}

// OutputStatsSince computes average committed-text length since the
// cutoff, with the all-time average as the baseline.
func (t *Telemetry) OutputStatsSince(cutoff time.Time) OutputStats {
	var recent, all []float64
	for _, event := range t.ReadAll() {
		if event.CommitResult == nil || !event.CommitResult.Success {
			continue
		}
		length, ok := event.JComponents["text_length"]
		if !ok {
			continue
		}
		all = append(all, length)
		if !event.Timestamp.Before(cutoff) {
			recent = append(recent, length)
		}
	}
	if len(recent) == 0 {
		return OutputStats{}
	}
	return OutputStats{
		AvgLength:      mean(recent),
		BaselineLength: mean(all),
		SampleCount:    len(recent),
	}
}

func mean(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}
