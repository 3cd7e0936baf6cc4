// Package scheduler runs the heartbeat loop: tick the limbic engine,
// dispatch emissions into pipeline runs, and keep the state mirror
// cadence.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"magenta/internal/flow"
	"magenta/internal/limbic"
	"magenta/internal/mirror"
	"magenta/internal/store"
)

const (
	defaultTickInterval = time.Minute
	defaultSyncEvery    = 5
	cleanupEveryNth     = 6
	draftMaxAge         = 24 * time.Hour
	notifRetention      = 7 * 24 * time.Hour
)

// NotificationLedger is the slice of store.NotificationDB the
// scheduler needs; tests stub it.
type NotificationLedger interface {
	MarkProcessed(uri, status string) error
	PendingCount() (int, error)
	PruneProcessed(olderThan time.Duration) (int64, error)
}

// Scheduler owns the single-goroutine heartbeat. It never runs ticks
// in parallel and never cancels a run mid-flight.
type Scheduler struct {
	limbic       *limbic.Limbic
	runner       *flow.Runner
	mirror       *mirror.Mirror
	outbox       *flow.Outbox
	states       *flow.StateStore
	notifs       NotificationLedger
	usage        func() float64
	log          *zap.Logger
	tickInterval time.Duration
	syncEvery    int
	tickCount    int
	now          func() time.Time
}

// Deps carries the scheduler's collaborators. Mirror and notification
// DB are optional.
type Deps struct {
	Limbic       *limbic.Limbic
	Runner       *flow.Runner
	Mirror       *mirror.Mirror
	Outbox       *flow.Outbox
	States       *flow.StateStore
	Notifs       *store.NotificationDB
	Usage        func() float64
	Logger       *zap.Logger
	TickInterval time.Duration
	SyncEvery    int
}

// New assembles a scheduler with defaults filled in.
func New(deps Deps) *Scheduler {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	interval := deps.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	syncEvery := deps.SyncEvery
	if syncEvery <= 0 {
		syncEvery = defaultSyncEvery
	}
	var notifs NotificationLedger
	if deps.Notifs != nil {
		notifs = deps.Notifs
	}
	return &Scheduler{
		limbic:       deps.Limbic,
		runner:       deps.Runner,
		mirror:       deps.Mirror,
		outbox:       deps.Outbox,
		states:       deps.States,
		notifs:       notifs,
		usage:        deps.Usage,
		log:          log,
		tickInterval: interval,
		syncEvery:    syncEvery,
		now:          time.Now,
	}
}

// Run ticks until the context is cancelled. Downstream failures are
// recorded, never fatal.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler starting", zap.Duration("tick_interval", s.tickInterval))
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		s.TickOnce(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// TickOnce performs one full heartbeat iteration.
func (s *Scheduler) TickOnce(ctx context.Context) {
	s.tickCount++

	// Quiet mode syncs from remote every tick so external "go quiet"
	// commands land within one interval.
	if s.mirror != nil {
		if _, err := s.mirror.PullQuiet(ctx, s.limbic.State()); err != nil {
			s.log.Warn("quiet sync failed", zap.Error(err))
		}
		if s.tickCount%s.syncEvery == 0 {
			if merged, err := s.mirror.Pull(ctx, s.limbic.State()); err != nil {
				s.log.Warn("state pull failed", zap.Error(err))
			} else {
				s.limbic.ReplaceState(merged)
			}
		}
	}

	emission := s.limbic.Tick()
	if emission != nil {
		s.handleSignal(ctx, emission)
	}

	if s.mirror != nil && (emission != nil || s.tickCount%s.syncEvery == 0) {
		if err := s.mirror.Push(ctx, s.limbic.State(), s.snapshotContext()); err != nil {
			s.log.Warn("state push failed", zap.Error(err))
		}
	}
}

func (s *Scheduler) handleSignal(ctx context.Context, emission *limbic.Emission) {
	trigger := flow.Trigger{
		Signal:   string(emission.Signal),
		Prompt:   emission.Prompt,
		Pressure: emission.Pressure,
	}
	report, err := s.runner.RunOnce(ctx, trigger)
	outcome := DetectOutcome(report, err)

	emissionID := fmt.Sprintf("%s-%d", emission.Signal, emission.At.Unix())
	s.limbic.RecordOutcome(emission.Signal, emissionID, outcome)
	if report != nil && report.Committed {
		s.limbic.RecordAction(emission.Signal)
	}
	s.log.Info("signal handled",
		zap.String("signal", string(emission.Signal)),
		zap.String("outcome", outcome))

	switch emission.Signal {
	case limbic.SignalSocial:
		if outcome != OutcomeError {
			s.markProcessedNotifications()
		}
	case limbic.SignalMaintenance:
		if _, err := s.runner.RunQueueOnce(ctx); err != nil {
			s.log.Warn("maintenance queue cycle failed", zap.Error(err))
		}
	}

	if emission.Signal == limbic.SignalMaintenance || emission.Signal == limbic.SignalStale {
		if s.limbic.State().TotalEmissions%cleanupEveryNth == 0 {
			s.cleanup()
		}
	}
}

// markProcessedNotifications mirrors the agent-state processed set
// into the notification ledger so pending counts deflate.
func (s *Scheduler) markProcessedNotifications() {
	if s.notifs == nil || s.states == nil {
		return
	}
	state := s.states.Load()
	for _, uri := range state.ProcessedNotifications {
		// One failed mark must not starve the rest of the set.
		if err := s.notifs.MarkProcessed(uri, store.NotifProcessed); err != nil {
			s.log.Warn("notification mark failed", zap.String("uri", uri), zap.Error(err))
			continue
		}
	}
}

func (s *Scheduler) cleanup() {
	if s.outbox != nil {
		if purged := s.outbox.PurgeStale(draftMaxAge); purged > 0 {
			s.log.Info("purged stale drafts", zap.Int("count", purged))
		}
	}
	if s.notifs != nil {
		if removed, err := s.notifs.PruneProcessed(notifRetention); err != nil {
			s.log.Warn("notification prune failed", zap.Error(err))
		} else if removed > 0 {
			s.log.Info("pruned notification ledger", zap.Int64("count", removed))
		}
	}
}

func (s *Scheduler) snapshotContext() mirror.SnapshotContext {
	sctx := mirror.SnapshotContext{}
	if s.usage != nil {
		sctx.UsagePct = s.usage()
	}
	if s.notifs != nil {
		if count, err := s.notifs.PendingCount(); err == nil {
			sctx.PendingTotal = count
		}
	}
	if s.states != nil {
		state := s.states.Load()
		sctx.ProcessedNotifications = len(state.ProcessedNotifications)
		sctx.LastCommitAt = state.LastCommitAt
	}
	return sctx
}
