package flow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObserver struct {
	obs *Observation
	err error
}

func (f *fakeObserver) Observe(ctx context.Context, trigger Trigger) (*Observation, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.obs == nil {
		return &Observation{}, nil
	}
	return f.obs, nil
}

type fakeProposer struct {
	candidates []CandidateAction
	err        error
}

func (f *fakeProposer) Propose(ctx context.Context, trigger Trigger, obs *Observation) ([]CandidateAction, error) {
	return f.candidates, f.err
}

type fakePlatform struct {
	posts   []string
	replies []string
	quotes  []string
	likes   []string
	fail    bool
	seq     int
}

func (f *fakePlatform) next() string {
	f.seq++
	return fmt.Sprintf("at://self/post/%d", f.seq)
}

func (f *fakePlatform) Post(ctx context.Context, text string) (string, error) {
	if f.fail {
		return "", errors.New("network down")
	}
	f.posts = append(f.posts, text)
	return f.next(), nil
}

func (f *fakePlatform) Reply(ctx context.Context, text, target, root string) (string, error) {
	if f.fail {
		return "", errors.New("network down")
	}
	f.replies = append(f.replies, text)
	return f.next(), nil
}

func (f *fakePlatform) Quote(ctx context.Context, text, quoteURI string) (string, error) {
	if f.fail {
		return "", errors.New("network down")
	}
	f.quotes = append(f.quotes, text)
	return f.next(), nil
}

func (f *fakePlatform) Like(ctx context.Context, target string) error {
	f.likes = append(f.likes, target)
	return nil
}

func (f *fakePlatform) Follow(ctx context.Context, actor string) error { return nil }
func (f *fakePlatform) Mute(ctx context.Context, actor string) error   { return nil }
func (f *fakePlatform) Block(ctx context.Context, actor string) error  { return nil }

type runnerFixture struct {
	runner   *Runner
	platform *fakePlatform
	proposer *fakeProposer
	observer *fakeObserver
	states   *StateStore
	outbox   *Outbox
	tel      *Telemetry
	clock    *time.Time
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	dir := t.TempDir()

	outbox, err := NewOutbox(filepath.Join(dir, "outbox"))
	require.NoError(t, err)
	tel, err := NewTelemetry(filepath.Join(dir, "state", "telemetry.jsonl"))
	require.NoError(t, err)
	states := NewStateStore(filepath.Join(dir, "state", "agent_state.json"))

	policy := DefaultDecisionPolicy()
	policy.Epsilon = 0
	policy.Temperature = 0

	platform := &fakePlatform{}
	proposer := &fakeProposer{}
	observer := &fakeObserver{}

	runner := NewRunner(RunnerDeps{
		Observer:  observer,
		Proposer:  proposer,
		Committer: NewCommitter(platform),
		Validator: NewValidator(DefaultPreflightPolicy(), ""),
		Outbox:    outbox,
		States:    states,
		Telemetry: tel,
		Policy:    policy,
		Memory:    DefaultMemoryPolicy(),
	})

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	clock := &now
	runner.now = func() time.Time { return *clock }
	runner.rng = rand.New(rand.NewSource(1))
	runner.validator.now = runner.now
	outbox.now = runner.now

	return &runnerFixture{
		runner:   runner,
		platform: platform,
		proposer: proposer,
		observer: observer,
		states:   states,
		outbox:   outbox,
		tel:      tel,
		clock:    clock,
	}
}

func (fx *runnerFixture) advance(d time.Duration) {
	*fx.clock = fx.clock.Add(d)
}

func replyCandidate(target, actor, text string) CandidateAction {
	return CandidateAction{
		Kind:       ActionReply,
		TargetURI:  target,
		DeltaU:     0.8,
		Salience:   0.75,
		Confidence: 0.8,
		Intent:     "answer the mention",
		DraftText:  text,
		Metadata:   map[string]any{"notification_id": target, "actor": actor},
	}
}

func TestRunOnceFreshReply(t *testing.T) {
	fx := newRunnerFixture(t)
	fx.observer.obs = &Observation{Notifications: []Notification{
		{URI: "at://x/post/1", CID: "c1", Reason: "reply", Actor: "@alice"},
	}}
	fx.proposer.candidates = []CandidateAction{
		replyCandidate("at://x/post/1", "@alice", "Hi Alice, got it."),
	}

	report, err := fx.runner.RunOnce(context.Background(), Trigger{Signal: "SOCIAL"})
	require.NoError(t, err)
	assert.True(t, report.Committed)
	assert.Equal(t, ActionReply, report.Action)
	require.Len(t, fx.platform.replies, 1)

	state := fx.states.Load()
	assert.Equal(t, []string{"at://x/post/1"}, state.ProcessedNotifications)
	assert.Equal(t, 1, state.PerUserCounts["@alice"])
	assert.True(t, state.RespondedURIs["at://x/post/1"])
	assert.False(t, state.LastCommitAt.IsZero())

	events := fx.tel.ReadAll()
	require.Len(t, events, 1)
	assert.Equal(t, "reply", events[0].ChosenAction)
	require.NotNil(t, events[0].CommitResult)
	assert.True(t, events[0].CommitResult.Success)

	draft := fx.outbox.Get(report.DraftID)
	require.NotNil(t, draft)
	assert.Equal(t, StatusCommitted, draft.Status)
}

func TestRunOnceCooldownBlocks(t *testing.T) {
	fx := newRunnerFixture(t)
	fx.proposer.candidates = []CandidateAction{
		replyCandidate("at://x/post/1", "@alice", "first"),
	}
	_, err := fx.runner.RunOnce(context.Background(), Trigger{Signal: "SOCIAL"})
	require.NoError(t, err)

	state := fx.states.Load()
	state.ConsentedUsers["@alice"] = true
	require.NoError(t, fx.states.Save(state))

	fx.advance(10 * time.Second)
	fx.proposer.candidates = []CandidateAction{
		replyCandidate("at://x/post/2", "@alice", "second"),
	}
	report, err := fx.runner.RunOnce(context.Background(), Trigger{Signal: "SOCIAL"})
	require.NoError(t, err)
	assert.False(t, report.Committed)
	assert.Equal(t, "preflight_failed", report.AbortReason)
	require.Len(t, fx.platform.replies, 1)

	draft := fx.outbox.Get(report.DraftID)
	require.NotNil(t, draft)
	assert.Equal(t, StatusAborted, draft.Status)
	assert.Contains(t, draft.MetaString("abort_reason"), "cooldown_active")
}

func TestRunOnceConsentFilter(t *testing.T) {
	fx := newRunnerFixture(t)
	state := NewAgentState()
	state.PerUserCounts["@alice"] = 1
	require.NoError(t, fx.states.Save(state))

	fx.proposer.candidates = []CandidateAction{
		replyCandidate("at://x/post/9", "@alice", "following up again"),
	}
	report, err := fx.runner.RunOnce(context.Background(), Trigger{Signal: "SOCIAL"})
	require.NoError(t, err)
	assert.False(t, report.Committed)
	assert.Equal(t, ActionIgnore, report.Action)
	assert.Empty(t, fx.platform.replies)

	loaded := fx.states.Load()
	assert.True(t, loaded.IsProcessed("at://x/post/9"))
}

func TestRunOnceConsentedUserPasses(t *testing.T) {
	fx := newRunnerFixture(t)
	state := NewAgentState()
	state.PerUserCounts["@alice"] = 3
	state.ConsentedUsers["@alice"] = true
	require.NoError(t, fx.states.Save(state))

	fx.proposer.candidates = []CandidateAction{
		replyCandidate("at://x/post/9", "@alice", "happy to keep chatting"),
	}
	report, err := fx.runner.RunOnce(context.Background(), Trigger{Signal: "SOCIAL"})
	require.NoError(t, err)
	assert.True(t, report.Committed)
}

func TestRunOnceConsentFilterIsHumansOnly(t *testing.T) {
	fx := newRunnerFixture(t)
	state := NewAgentState()
	state.PerUserCounts["feedbot.example"] = 2
	require.NoError(t, fx.states.Save(state))

	// The observer flags the actor; no metadata hint is present, so the
	// exemption rests on the observation alone.
	fx.observer.obs = &Observation{BotActors: map[string]bool{"feedbot.example": true}}
	fx.proposer.candidates = []CandidateAction{
		replyCandidate("at://x/post/3", "feedbot.example", "acknowledged"),
	}
	report, err := fx.runner.RunOnce(context.Background(), Trigger{Signal: "SOCIAL"})
	require.NoError(t, err)
	assert.True(t, report.Committed)
}

func TestRunOnceBurstCooldown(t *testing.T) {
	fx := newRunnerFixture(t)

	for i := 0; i < 5; i++ {
		fx.proposer.candidates = []CandidateAction{
			replyCandidate(fmt.Sprintf("at://x/post/%d", i), fmt.Sprintf("@u%d", i), fmt.Sprintf("reply %d", i)),
		}
		report, err := fx.runner.RunOnce(context.Background(), Trigger{Signal: "SOCIAL"})
		require.NoError(t, err)
		require.True(t, report.Committed, "commit %d", i)
		fx.advance(11 * time.Minute)
	}

	state := fx.states.Load()
	until, ok := state.Cooldowns["global"]
	require.True(t, ok)
	assert.True(t, until.After(*fx.clock))

	fx.proposer.candidates = []CandidateAction{
		replyCandidate("at://x/post/6", "@u6", "one more"),
	}
	report, err := fx.runner.RunOnce(context.Background(), Trigger{Signal: "SOCIAL"})
	require.NoError(t, err)
	assert.False(t, report.Committed)
	draft := fx.outbox.Get(report.DraftID)
	require.NotNil(t, draft)
	assert.Contains(t, draft.MetaString("abort_reason"), "burst_cooldown_active")
}

func TestRunOnceCommitmentGate(t *testing.T) {
	fx := newRunnerFixture(t)

	fx.proposer.candidates = []CandidateAction{{
		Kind:       ActionPost,
		DeltaU:     0.9,
		Salience:   0.8,
		Confidence: 0.9,
		Intent:     "announce followup",
		DraftText:  "Interesting thread today. I will link the write-up tomorrow.",
		Metadata:   map[string]any{"root_uri": "at://r/1", "artifact_ok": true},
	}}
	report, err := fx.runner.RunOnce(context.Background(), Trigger{Signal: "CURIOSITY"})
	require.NoError(t, err)
	require.True(t, report.Committed)

	state := fx.states.Load()
	require.Len(t, state.OpenCommitments, 1)
	assert.Equal(t, "at://r/1", state.OpenCommitments[0].RootURI)

	// Unrelated reply is parked while the promise is open.
	fx.advance(time.Hour)
	fx.proposer.candidates = []CandidateAction{
		replyCandidate("at://other/post/1", "@bob", "off topic reply"),
	}
	report, err = fx.runner.RunOnce(context.Background(), Trigger{Signal: "SOCIAL"})
	require.NoError(t, err)
	assert.False(t, report.Committed)
	assert.Equal(t, "queued_for_open_commitments", report.AbortReason)
	draft := fx.outbox.Get(report.DraftID)
	require.NotNil(t, draft)
	assert.Equal(t, StatusQueued, draft.Status)
	assert.Equal(t, "queued_for_open_commitments", draft.MetaString("queue_reason"))

	// Linking the write-up in the committed thread discharges it.
	fx.advance(time.Hour)
	fx.proposer.candidates = []CandidateAction{{
		Kind:       ActionReply,
		TargetURI:  "at://r/1/reply",
		DeltaU:     0.9,
		Salience:   0.8,
		Confidence: 0.9,
		Intent:     "deliver the promised link",
		DraftText:  "As promised: https://x.example/writeup",
		Metadata:   map[string]any{"root_uri": "at://r/1"},
	}}
	report, err = fx.runner.RunOnce(context.Background(), Trigger{Signal: "CURIOSITY"})
	require.NoError(t, err)
	require.True(t, report.Committed)

	state = fx.states.Load()
	assert.Empty(t, state.OpenCommitments)
}

func TestRunOnceAtMostOneCommit(t *testing.T) {
	fx := newRunnerFixture(t)
	fx.proposer.candidates = []CandidateAction{
		replyCandidate("at://x/post/1", "@alice", "one"),
		replyCandidate("at://x/post/2", "@bob", "two"),
		replyCandidate("at://x/post/3", "@carol", "three"),
	}
	_, err := fx.runner.RunOnce(context.Background(), Trigger{Signal: "SOCIAL"})
	require.NoError(t, err)

	total := len(fx.platform.posts) + len(fx.platform.replies) + len(fx.platform.quotes)
	assert.Equal(t, 1, total)

	successes := 0
	for _, ev := range fx.tel.ReadAll() {
		if ev.CommitResult != nil && ev.CommitResult.Success {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
}

func TestRunOnceNoCandidates(t *testing.T) {
	fx := newRunnerFixture(t)
	fx.proposer.candidates = nil

	report, err := fx.runner.RunOnce(context.Background(), Trigger{Signal: "CURIOSITY"})
	require.NoError(t, err)
	assert.Equal(t, "no_actions", report.AbortReason)
	assert.Empty(t, fx.platform.posts)
}

func TestRunOnceLowSalienceSkipped(t *testing.T) {
	fx := newRunnerFixture(t)
	c := replyCandidate("at://x/post/1", "@alice", "meh")
	c.Salience = 0.2
	fx.proposer.candidates = []CandidateAction{c}

	report, err := fx.runner.RunOnce(context.Background(), Trigger{Signal: "SOCIAL"})
	require.NoError(t, err)
	assert.Equal(t, "salience_too_low", report.AbortReason)
	assert.Empty(t, report.DraftID)
}

func TestRunOnceMediumSalienceQueues(t *testing.T) {
	fx := newRunnerFixture(t)
	c := replyCandidate("at://x/post/1", "@alice", "maybe worth saying")
	c.Salience = 0.5
	fx.proposer.candidates = []CandidateAction{c}

	report, err := fx.runner.RunOnce(context.Background(), Trigger{Signal: "SOCIAL"})
	require.NoError(t, err)
	assert.Equal(t, "medium_salience", report.AbortReason)
	draft := fx.outbox.Get(report.DraftID)
	require.NotNil(t, draft)
	assert.Equal(t, StatusQueued, draft.Status)
	assert.Equal(t, "medium_salience", draft.MetaString("queue_reason"))
	assert.Empty(t, fx.platform.replies)
}

func TestRunOnceCommitFailureAborts(t *testing.T) {
	fx := newRunnerFixture(t)
	fx.platform.fail = true
	fx.proposer.candidates = []CandidateAction{
		replyCandidate("at://x/post/1", "@alice", "hello"),
	}

	report, err := fx.runner.RunOnce(context.Background(), Trigger{Signal: "SOCIAL"})
	require.NoError(t, err)
	assert.Equal(t, "commit_failed", report.AbortReason)
	draft := fx.outbox.Get(report.DraftID)
	require.NotNil(t, draft)
	assert.Equal(t, StatusAborted, draft.Status)

	state := fx.states.Load()
	assert.True(t, state.LastCommitAt.IsZero())
}

func TestRunOncePollUnchangedSkips(t *testing.T) {
	fx := newRunnerFixture(t)
	fx.observer.obs = &Observation{Notifications: []Notification{
		{URI: "at://x/post/1"}, {URI: "at://x/post/2"},
	}}
	c := replyCandidate("at://x/post/1", "@alice", "hi")
	c.Salience = 0.2 // keep runs side-effect free
	fx.proposer.candidates = []CandidateAction{c}

	for i := 0; i < 3; i++ {
		_, err := fx.runner.RunOnce(context.Background(), Trigger{Signal: "SOCIAL"})
		require.NoError(t, err)
		fx.advance(time.Minute)
	}

	report, err := fx.runner.RunOnce(context.Background(), Trigger{Signal: "SOCIAL"})
	require.NoError(t, err)
	assert.Equal(t, "poll_unchanged", report.AbortReason)

	// A new notification resets the counter.
	fx.observer.obs.Notifications = append(fx.observer.obs.Notifications, Notification{URI: "at://x/post/3"})
	report, err = fx.runner.RunOnce(context.Background(), Trigger{Signal: "SOCIAL"})
	require.NoError(t, err)
	assert.NotEqual(t, "poll_unchanged", report.AbortReason)
	assert.Equal(t, 0, fx.states.Load().ConsecutiveUnchangedPolls)
}

func TestRunOnceRiskFlagRequiresHuman(t *testing.T) {
	fx := newRunnerFixture(t)
	c := replyCandidate("at://x/post/1", "@alice", "spicy take")
	c.RiskFlags = []string{"political"}
	fx.proposer.candidates = []CandidateAction{c}

	report, err := fx.runner.RunOnce(context.Background(), Trigger{Signal: "SOCIAL"})
	require.NoError(t, err)
	assert.Equal(t, "require_human", report.AbortReason)
	draft := fx.outbox.Get(report.DraftID)
	require.NotNil(t, draft)
	assert.Equal(t, StatusAborted, draft.Status)
	assert.Contains(t, draft.MetaString("abort_reason"), "risk_flag:political")
	assert.Empty(t, fx.platform.replies)
}

func TestRunQueueOnceCommitsFirstPassing(t *testing.T) {
	fx := newRunnerFixture(t)

	for i := 0; i < 3; i++ {
		draft := &Draft{
			Kind:       ActionReply,
			TargetURI:  fmt.Sprintf("at://x/post/%d", i),
			Text:       fmt.Sprintf("queued reply %d", i),
			Intent:     "catch up",
			Confidence: 0.8,
			Salience:   0.6,
		}
		require.NoError(t, fx.outbox.Create(draft))
		_, err := fx.outbox.MarkQueued(draft.ID, "medium_salience")
		require.NoError(t, err)
		fx.advance(time.Second)
	}

	report, err := fx.runner.RunQueueOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Committed)
	assert.Len(t, fx.platform.replies, 1)
	assert.Equal(t, "queued reply 0", fx.platform.replies[0])

	// The other two remain queued for the next cycle.
	assert.Len(t, fx.outbox.ListByStatus(StatusQueued), 2)
}

func TestRunQueueOnceAbortsFailingDrafts(t *testing.T) {
	fx := newRunnerFixture(t)

	bad := &Draft{Kind: ActionReply, TargetURI: "at://x/post/1", Intent: "broken", Confidence: 0.1, Salience: 0.6, Text: "low confidence"}
	require.NoError(t, fx.outbox.Create(bad))
	_, err := fx.outbox.MarkQueued(bad.ID, "medium_salience")
	require.NoError(t, err)
	fx.advance(time.Second)

	good := &Draft{Kind: ActionReply, TargetURI: "at://x/post/2", Intent: "fine", Confidence: 0.8, Salience: 0.6, Text: "solid reply"}
	require.NoError(t, fx.outbox.Create(good))
	_, err = fx.outbox.MarkQueued(good.ID, "medium_salience")
	require.NoError(t, err)

	report, err := fx.runner.RunQueueOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Committed)
	assert.Equal(t, good.ID, report.DraftID)

	aborted := fx.outbox.Get(bad.ID)
	require.NotNil(t, aborted)
	assert.Equal(t, StatusAborted, aborted.Status)
	assert.Contains(t, aborted.MetaString("abort_reason"), "confidence_below_threshold")
}

func TestRunQueueOnceHoldsCommitmentParkedDrafts(t *testing.T) {
	fx := newRunnerFixture(t)
	state := NewAgentState()
	state.AddOpenCommitment(OpenCommitment{ID: "c1", CreatedAt: *fx.clock, RootURI: "at://r/1"})
	require.NoError(t, fx.states.Save(state))

	parked := &Draft{Kind: ActionReply, TargetURI: "at://other/1", Intent: "wait", Confidence: 0.8, Salience: 0.6, Text: "parked"}
	require.NoError(t, fx.outbox.Create(parked))
	_, err := fx.outbox.MarkQueued(parked.ID, "queued_for_open_commitments")
	require.NoError(t, err)

	report, err := fx.runner.RunQueueOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Committed)
	assert.Equal(t, StatusQueued, fx.outbox.Get(parked.ID).Status)
}

func TestRunOnceObserverError(t *testing.T) {
	fx := newRunnerFixture(t)
	fx.observer.err = errors.New("feed unavailable")

	report, err := fx.runner.RunOnce(context.Background(), Trigger{Signal: "SOCIAL"})
	require.Error(t, err)
	assert.Equal(t, "error", report.AbortReason)
}

func TestCommitPrunesIdleThreadWindows(t *testing.T) {
	fx := newRunnerFixture(t)
	now := *fx.clock

	state := NewAgentState()
	state.PerThreadReplies["at://did:plc:alice/app.bsky.feed.post/rootA"] = []time.Time{now.Add(-7 * time.Hour)}
	state.PerThreadReplies["at://did:plc:carol/app.bsky.feed.post/rootC"] = []time.Time{
		now.Add(-7 * time.Hour), now.Add(-10 * time.Minute),
	}

	draft := &Draft{
		Kind:      ActionReply,
		Text:      "still thinking about this",
		TargetURI: "at://did:plc:bob/app.bsky.feed.post/leaf",
		Metadata:  map[string]any{"root_uri": "at://did:plc:bob/app.bsky.feed.post/rootB"},
	}
	fx.runner.applyCommitState(state, draft, now)

	// A window whose stamps all aged out disappears, even though the
	// commit went to a different thread.
	_, ok := state.PerThreadReplies["at://did:plc:alice/app.bsky.feed.post/rootA"]
	assert.False(t, ok)
	// Mixed windows keep only the fresh stamps.
	assert.Len(t, state.PerThreadReplies["at://did:plc:carol/app.bsky.feed.post/rootC"], 1)
	// The committed thread gains its stamp.
	assert.Len(t, state.PerThreadReplies["at://did:plc:bob/app.bsky.feed.post/rootB"], 1)
}
