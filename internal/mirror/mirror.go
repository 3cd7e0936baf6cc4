package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"magenta/internal/limbic"
	"magenta/internal/logging"
)

var stateTags = []string{"magenta", "interoception"}

// Mirror reconciles local interoception state with the remote passage
// store. All remote operations are bounded by the configured timeout.
type Mirror struct {
	store    PassageStore
	syncPath string
	log      *zap.Logger
	timeout  time.Duration
	now      func() time.Time
}

// New builds a mirror. syncPath is where the compact sync snapshot is
// written after every push.
func New(store PassageStore, syncPath string, log *zap.Logger) *Mirror {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mirror{
		store:    store,
		syncPath: syncPath,
		log:      log,
		timeout:  15 * time.Second,
		now:      time.Now,
	}
}

// fetchRemote returns the newest remote interoception state, or nil
// when no usable passage exists. Absent and malformed are equivalent.
func (m *Mirror) fetchRemote(ctx context.Context) (*limbic.InteroceptionState, []Passage, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	passages, err := m.store.List(ctx, "interoception", 50)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list state passages: %w", err)
	}

	var matching []Passage
	var newest *Passage
	for i, p := range passages {
		if !strings.HasPrefix(p.Text, StateSentinel) {
			continue
		}
		matching = append(matching, p)
		if newest == nil || p.Recency().After(newest.Recency()) {
			newest = &passages[i]
		}
	}
	if newest == nil {
		return nil, matching, nil
	}

	remote := &limbic.InteroceptionState{}
	body := strings.TrimPrefix(newest.Text, StateSentinel)
	if err := json.Unmarshal([]byte(body), remote); err != nil {
		m.log.Warn("remote state passage malformed, keeping local", zap.Error(err))
		return nil, matching, nil
	}
	return remote, matching, nil
}

// Pull merges remote state into local and returns the reconciled
// snapshot. A missing remote leaves local untouched.
func (m *Mirror) Pull(ctx context.Context, local *limbic.InteroceptionState) (*limbic.InteroceptionState, error) {
	timer := logging.StartTimer(logging.CategoryMirror, "pull")
	defer timer.Stop()

	remote, _, err := m.fetchRemote(ctx)
	if err != nil {
		return local, err
	}
	if remote == nil {
		logging.Mirror("pull: no remote state, keeping local")
		return local, nil
	}
	logging.Mirror("pull: merged remote state (remote last_wake=%s)", remote.LastWake.Format(time.RFC3339))
	return Merge(local, remote), nil
}

// PullQuiet applies only the remote quiet_until so external "go quiet"
// commands take effect within one tick. Returns the effective value.
func (m *Mirror) PullQuiet(ctx context.Context, local *limbic.InteroceptionState) (time.Time, error) {
	remote, _, err := m.fetchRemote(ctx)
	if err != nil || remote == nil {
		return local.QuietUntil, err
	}
	local.QuietUntil = newerTime(local.QuietUntil, remote.QuietUntil)
	return local.QuietUntil, nil
}

// Push serializes local state to a single sentinel passage, removing
// every prior one first. The delete/create pair is intentionally not
// atomic; a reader in between sees "no remote state" and keeps local.
func (m *Mirror) Push(ctx context.Context, state *limbic.InteroceptionState, snapshot SnapshotContext) error {
	_, stale, err := m.fetchRemote(ctx)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(opCtx)
	g.SetLimit(4)
	for _, p := range stale {
		g.Go(func() error {
			if err := m.store.Delete(gctx, p.ID); err != nil {
				return fmt.Errorf("failed to delete stale state passage %s: %w", p.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal limbic state: %w", err)
	}
	if _, err := m.store.Create(opCtx, StateSentinel+string(data), stateTags); err != nil {
		return fmt.Errorf("failed to create state passage: %w", err)
	}
	logging.Mirror("push: replaced %d stale passage(s)", len(stale))

	if err := m.WriteSnapshot(state, snapshot); err != nil {
		m.log.Warn("sync snapshot write failed", zap.Error(err))
	}
	return nil
}

// Merge reconciles two interoception snapshots per-signal and
// per-field. It is pure and idempotent: Merge(Merge(l, r), r) equals
// Merge(l, r).
func Merge(local, remote *limbic.InteroceptionState) *limbic.InteroceptionState {
	merged := limbic.NewInteroceptionState()

	kinds := map[limbic.Kind]bool{}
	for k := range local.Pressures {
		kinds[k] = true
	}
	for k := range remote.Pressures {
		kinds[k] = true
	}

	for kind := range kinds {
		l := local.Pressures[kind]
		r := remote.Pressures[kind]
		switch {
		case l == nil:
			merged.Pressures[kind] = clonePressure(r)
		case r == nil:
			merged.Pressures[kind] = clonePressure(l)
		default:
			merged.Pressures[kind] = mergePressure(l, r)
		}
	}

	merged.QuietUntil = newerTime(local.QuietUntil, remote.QuietUntil)
	merged.LastWake = newerTime(local.LastWake, remote.LastWake)
	merged.TotalEmissions = max(local.TotalEmissions, remote.TotalEmissions)
	merged.AnomalyScores = overlayFloats(local.AnomalyScores, remote.AnomalyScores)
	merged.OutputStats = overlayFloats(local.OutputStats, remote.OutputStats)
	return merged
}

func mergePressure(l, r *limbic.PressureState) *limbic.PressureState {
	// The side updated more recently carries the live pressure value;
	// remote wins an exact tie.
	base := r
	if l.LastUpdated.After(r.LastUpdated) {
		base = l
	}
	merged := clonePressure(base)
	merged.LastEmitted = newerTime(l.LastEmitted, r.LastEmitted)
	merged.LastAction = newerTime(l.LastAction, r.LastAction)
	merged.EmissionCount = max(l.EmissionCount, r.EmissionCount)
	merged.KnownPending = overlayInts(l.KnownPending, r.KnownPending)
	merged.LastOutcomes = overlayStrings(l.LastOutcomes, r.LastOutcomes)
	return merged
}

func clonePressure(p *limbic.PressureState) *limbic.PressureState {
	c := *p
	c.KnownPending = overlayInts(nil, p.KnownPending)
	c.LastOutcomes = overlayStrings(nil, p.LastOutcomes)
	return &c
}

func newerTime(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if b.After(a) {
		return b
	}
	return a
}

func overlayInts(base, overlay map[string]int) map[string]int {
	if base == nil && overlay == nil {
		return nil
	}
	out := map[string]int{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func overlayStrings(base, overlay map[string]string) map[string]string {
	if base == nil && overlay == nil {
		return nil
	}
	out := map[string]string{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func overlayFloats(base, overlay map[string]float64) map[string]float64 {
	if base == nil && overlay == nil {
		return nil
	}
	out := map[string]float64{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// SnapshotContext carries the agent-side numbers the compact snapshot
// reports alongside the limbic state.
type SnapshotContext struct {
	UsagePct               float64
	PendingTotal           int
	ProcessedNotifications int
	LastCommitAt           time.Time
}

// SyncSnapshot is the compact file preflight's fresh-sync check reads.
type SyncSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Context   struct {
		UsagePct float64 `json:"usage_pct"`
	} `json:"context"`
	Pending                     int       `json:"pending"`
	ProcessedNotificationsCount int       `json:"processed_notifications_count"`
	LastCommitAt                time.Time `json:"last_commit_at,omitzero"`
	Limbic                      struct {
		LastWake       time.Time `json:"last_wake,omitzero"`
		TotalEmissions int       `json:"total_emissions"`
		QuietUntil     time.Time `json:"quiet_until,omitzero"`
	} `json:"limbic"`
}

// WriteSnapshot writes sync_state.json for the preflight fresh-sync
// check.
func (m *Mirror) WriteSnapshot(state *limbic.InteroceptionState, sctx SnapshotContext) error {
	snap := SyncSnapshot{Timestamp: m.now().UTC()}
	snap.Context.UsagePct = sctx.UsagePct
	snap.Pending = sctx.PendingTotal
	snap.ProcessedNotificationsCount = sctx.ProcessedNotifications
	snap.LastCommitAt = sctx.LastCommitAt
	snap.Limbic.LastWake = state.LastWake
	snap.Limbic.TotalEmissions = state.TotalEmissions
	snap.Limbic.QuietUntil = state.QuietUntil

	if err := os.MkdirAll(filepath.Dir(m.syncPath), 0755); err != nil {
		return fmt.Errorf("failed to create sync state directory: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sync snapshot: %w", err)
	}
	tmp := m.syncPath + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write sync snapshot: %w", err)
	}
	if err := os.Rename(tmp, m.syncPath); err != nil {
		return fmt.Errorf("failed to replace sync snapshot: %w", err)
	}
	return nil
}
