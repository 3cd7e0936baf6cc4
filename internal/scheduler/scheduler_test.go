package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"magenta/internal/flow"
	"magenta/internal/limbic"
	"magenta/internal/mirror"
)

type stubObserver struct {
	obs *flow.Observation
	err error
}

func (s *stubObserver) Observe(ctx context.Context, trigger flow.Trigger) (*flow.Observation, error) {
	return s.obs, s.err
}

type stubProposer struct {
	candidates []flow.CandidateAction
	triggers   []string
}

func (s *stubProposer) Propose(ctx context.Context, trigger flow.Trigger, obs *flow.Observation) ([]flow.CandidateAction, error) {
	s.triggers = append(s.triggers, trigger.Signal)
	return s.candidates, nil
}

type stubPlatform struct {
	mu      sync.Mutex
	posts   []string
	replies []string
	fail    bool
	seq     int
}

func (s *stubPlatform) next() string {
	s.seq++
	return fmt.Sprintf("at://magenta/post/%d", s.seq)
}

func (s *stubPlatform) Post(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", errors.New("platform unavailable")
	}
	s.posts = append(s.posts, text)
	return s.next(), nil
}

func (s *stubPlatform) Reply(ctx context.Context, text, targetURI, rootURI string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", errors.New("platform unavailable")
	}
	s.replies = append(s.replies, text)
	return s.next(), nil
}

func (s *stubPlatform) Quote(ctx context.Context, text, quoteURI string) (string, error) {
	return s.next(), nil
}

func (s *stubPlatform) Like(ctx context.Context, targetURI string) error { return nil }
func (s *stubPlatform) Follow(ctx context.Context, actor string) error   { return nil }
func (s *stubPlatform) Mute(ctx context.Context, actor string) error     { return nil }
func (s *stubPlatform) Block(ctx context.Context, actor string) error    { return nil }

type nullPassageStore struct{}

func (nullPassageStore) List(ctx context.Context, tagSearch string, limit int) ([]mirror.Passage, error) {
	return nil, nil
}
func (nullPassageStore) Create(ctx context.Context, text string, tags []string) (string, error) {
	return "p1", nil
}
func (nullPassageStore) Delete(ctx context.Context, id string) error { return nil }

type schedFixture struct {
	sched    *Scheduler
	limbic   *limbic.Limbic
	outbox   *flow.Outbox
	states   *flow.StateStore
	platform *stubPlatform
	proposer *stubProposer
}

func newSchedFixture(t *testing.T, candidates []flow.CandidateAction) *schedFixture {
	t.Helper()
	dir := t.TempDir()

	platform := &stubPlatform{}
	proposer := &stubProposer{candidates: candidates}
	observer := &stubObserver{obs: &flow.Observation{
		Notifications:  []flow.Notification{{URI: "at://alice/post/1", Reason: "mention", Actor: "alice.example"}},
		ConsentUpdates: map[string]bool{"alice.example": true},
	}}

	outbox, err := flow.NewOutbox(filepath.Join(dir, "outbox"))
	require.NoError(t, err)
	states := flow.NewStateStore(filepath.Join(dir, "agent_state.json"))
	telemetry, err := flow.NewTelemetry(filepath.Join(dir, "telemetry.jsonl"))
	require.NoError(t, err)

	runner := flow.NewRunner(flow.RunnerDeps{
		Observer:  observer,
		Proposer:  proposer,
		Committer: flow.NewCommitter(platform),
		Validator: flow.NewValidator(flow.DefaultPreflightPolicy(), ""),
		Outbox:    outbox,
		States:    states,
		Telemetry: telemetry,
	})

	limb := limbic.New(limbic.NewStateStore(filepath.Join(dir, "limbic_state.json")), nil, nil, nil)

	sched := New(Deps{
		Limbic:       limb,
		Runner:       runner,
		Outbox:       outbox,
		States:       states,
		TickInterval: 10 * time.Millisecond,
	})
	return &schedFixture{
		sched:    sched,
		limbic:   limb,
		outbox:   outbox,
		states:   states,
		platform: platform,
		proposer: proposer,
	}
}

// prime pushes one signal's pressure well past its emission threshold
// so the next tick emits it deterministically.
func (f *schedFixture) prime(kind limbic.Kind) {
	state := f.limbic.State()
	now := time.Now().UTC()
	for _, k := range limbic.EmittableKinds {
		ps := state.Pressures[k]
		ps.LastUpdated = now
		ps.LastEmitted = now
	}
	state.Pressures[kind].Pressure = 1.4
}

func replyCandidate() flow.CandidateAction {
	return flow.CandidateAction{
		Kind:       flow.ActionReply,
		TargetURI:  "at://alice/post/1",
		DraftText:  "good point, here is how I see it",
		Intent:     "engage",
		DeltaU:     0.8,
		VOI:        0.5,
		Salience:   0.9,
		Confidence: 0.9,
		Metadata:   map[string]any{"actor": "alice.example", "notification_id": "at://alice/post/1"},
	}
}

func TestTickOnceDispatchesEmission(t *testing.T) {
	f := newSchedFixture(t, []flow.CandidateAction{replyCandidate()})
	f.prime(limbic.SignalSocial)

	f.sched.TickOnce(context.Background())

	require.Len(t, f.platform.replies, 1)
	require.Equal(t, []string{"SOCIAL"}, f.proposer.triggers)

	ps := f.limbic.State().Pressures[limbic.SignalSocial]
	assert.Zero(t, ps.Pressure)
	assert.Equal(t, 1, ps.EmissionCount)
	assert.False(t, ps.LastAction.IsZero(), "committed run should record an action")

	outcomes := ps.LastOutcomes
	require.Len(t, outcomes, 1)
	for _, outcome := range outcomes {
		assert.Equal(t, OutcomeHighEngagement, outcome)
	}
}

func TestTickOnceQuietStateSkipsDispatch(t *testing.T) {
	f := newSchedFixture(t, []flow.CandidateAction{replyCandidate()})
	f.prime(limbic.SignalSocial)
	f.limbic.SetQuiet(time.Hour)

	f.sched.TickOnce(context.Background())

	assert.Empty(t, f.platform.replies)
	assert.Empty(t, f.proposer.triggers)
}

func TestTickOnceNoPressureNoDispatch(t *testing.T) {
	f := newSchedFixture(t, []flow.CandidateAction{replyCandidate()})

	f.sched.TickOnce(context.Background())

	assert.Empty(t, f.platform.replies)
	assert.Empty(t, f.proposer.triggers)
}

func TestMaintenanceEmissionDrainsQueue(t *testing.T) {
	f := newSchedFixture(t, nil) // no fresh candidates, only the queued draft

	draft := &flow.Draft{
		Kind:       flow.ActionPost,
		Text:       "the write-up on thread pacing is out",
		Intent:     "share",
		Confidence: 0.9,
		Salience:   0.8,
	}
	require.NoError(t, f.outbox.Create(draft))
	_, err := f.outbox.MarkQueued(draft.ID, "medium_salience")
	require.NoError(t, err)

	f.prime(limbic.SignalMaintenance)
	f.sched.TickOnce(context.Background())

	require.Len(t, f.platform.posts, 1)
	assert.Equal(t, draft.Text, f.platform.posts[0])
	assert.Equal(t, flow.StatusCommitted, f.outbox.Get(draft.ID).Status)
}

func TestErrorOutcomeRecorded(t *testing.T) {
	f := newSchedFixture(t, []flow.CandidateAction{replyCandidate()})
	f.platform.fail = true
	f.prime(limbic.SignalSocial)

	f.sched.TickOnce(context.Background())

	ps := f.limbic.State().Pressures[limbic.SignalSocial]
	require.Len(t, ps.LastOutcomes, 1)
	for _, outcome := range ps.LastOutcomes {
		assert.Equal(t, OutcomeError, outcome)
	}
	assert.True(t, ps.LastAction.IsZero(), "failed commit must not count as an action")
}

func TestPushCadenceAfterEmission(t *testing.T) {
	f := newSchedFixture(t, []flow.CandidateAction{replyCandidate()})
	f.sched.mirror = mirror.New(nullPassageStore{}, filepath.Join(t.TempDir(), "sync_state.json"), nil)
	f.prime(limbic.SignalSocial)

	// Tick 1 emits, so a push happens despite being off-cadence.
	f.sched.TickOnce(context.Background())
	require.Len(t, f.platform.replies, 1)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newSchedFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestDetectOutcome(t *testing.T) {
	cases := []struct {
		name   string
		report *flow.RunReport
		err    error
		want   string
	}{
		{"run error", nil, errors.New("boom"), OutcomeError},
		{"commit failed", &flow.RunReport{AbortReason: "commit_failed"}, nil, OutcomeError},
		{"committed reply", &flow.RunReport{Committed: true, Action: flow.ActionReply}, nil, OutcomeHighEngagement},
		{"committed like", &flow.RunReport{Committed: true, Action: flow.ActionLike}, nil, OutcomeAcknowledged},
		{"nothing to do", &flow.RunReport{AbortReason: "no_actions"}, nil, OutcomeSkipped},
		{"poll unchanged", &flow.RunReport{AbortReason: "poll_unchanged"}, nil, OutcomeSkipped},
		{"ignored", &flow.RunReport{Action: flow.ActionIgnore}, nil, OutcomeAcknowledged},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectOutcome(tc.report, tc.err))
		})
	}
}

// stubLedger fails marks for the URIs in failOn and records the rest.
type stubLedger struct {
	marked []string
	failOn map[string]bool
}

func (s *stubLedger) MarkProcessed(uri, status string) error {
	if s.failOn[uri] {
		return errors.New("ledger locked")
	}
	s.marked = append(s.marked, uri)
	return nil
}

func (s *stubLedger) PendingCount() (int, error) { return 0, nil }

func (s *stubLedger) PruneProcessed(olderThan time.Duration) (int64, error) { return 0, nil }

func TestMarkProcessedContinuesPastFailures(t *testing.T) {
	f := newSchedFixture(t, nil)
	ledger := &stubLedger{failOn: map[string]bool{"at://alice/post/2": true}}
	f.sched.notifs = ledger

	state := flow.NewAgentState()
	state.AddProcessedNotification("at://alice/post/1")
	state.AddProcessedNotification("at://alice/post/2")
	state.AddProcessedNotification("at://alice/post/3")
	require.NoError(t, f.states.Save(state))

	f.sched.markProcessedNotifications()

	assert.Equal(t, []string{"at://alice/post/1", "at://alice/post/3"}, ledger.marked)
}

func TestIdleProviderTreatsNeverActedAsMaximal(t *testing.T) {
	dir := t.TempDir()
	states := flow.NewStateStore(filepath.Join(dir, "agent_state.json"))
	provider := NewStateProvider(nil, nil, states, nil)

	// A fresh install has no last commit, which must read as maximally
	// idle rather than freshly active.
	assert.Equal(t, time.Duration(math.MaxInt64), provider.IdleFn())

	state := flow.NewAgentState()
	state.MarkCommit(time.Now().Add(-30 * time.Minute))
	require.NoError(t, states.Save(state))
	idle := provider.IdleFn()
	assert.Greater(t, idle, 29*time.Minute)
	assert.Less(t, idle, time.Hour)
}
