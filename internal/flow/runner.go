package flow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"magenta/internal/logging"
)

// Trigger identifies why a run started.
type Trigger struct {
	Signal   string  `json:"signal"`
	Prompt   string  `json:"prompt,omitempty"`
	Pressure float64 `json:"pressure,omitempty"`
}

// Observer produces the read-only snapshot a run acts on.
type Observer interface {
	Observe(ctx context.Context, trigger Trigger) (*Observation, error)
}

// Proposer turns a trigger and observation into candidate actions.
type Proposer interface {
	Propose(ctx context.Context, trigger Trigger, obs *Observation) ([]CandidateAction, error)
}

// MemoryWriter receives post-commit memory writes. Both calls are
// best-effort; the runner logs and continues on error.
type MemoryWriter interface {
	WriteSummary(ctx context.Context, draft *Draft, result CommitResult) error
	WriteCore(ctx context.Context, draft *Draft, result CommitResult) error
}

// RunReport summarizes one run for callers and the CLI.
type RunReport struct {
	RunID       string     `json:"run_id"`
	Trigger     string     `json:"trigger"`
	Action      ActionKind `json:"action,omitempty"`
	DraftID     string     `json:"draft_id,omitempty"`
	Committed   bool       `json:"committed"`
	CommitURI   string     `json:"commit_uri,omitempty"`
	AbortReason string     `json:"abort_reason,omitempty"`
}

// commitmentMarkers harvest promises from committed text.
var commitmentMarkers = []string{
	"i will", "i'll", "will link", "writing up", "i promise", "as promised",
}

const (
	burstWindow       = time.Hour
	burstLimit        = 5
	burstCooldown     = 3 * time.Hour
	threadPaceWindow  = 30 * time.Minute
	threadPaceLimit   = 3
	threadCooldown    = time.Hour
	unchangedPollCap  = 3
	defaultQueueLimit = 10
)

// Runner drives the observe→decide→draft→preflight→commit pipeline.
// One RunOnce produces at most one committed side effect.
type Runner struct {
	observer   Observer
	proposer   Proposer
	committer  *Committer
	validator  *Validator
	outbox     *Outbox
	states     *StateStore
	telemetry  *Telemetry
	policy     DecisionPolicy
	memory     MemoryPolicy
	memories   MemoryWriter
	queueLimit int
	log        *zap.Logger
	now        func() time.Time
	rng        *rand.Rand
}

// RunnerDeps carries the collaborators a Runner needs.
type RunnerDeps struct {
	Observer   Observer
	Proposer   Proposer
	Committer  *Committer
	Validator  *Validator
	Outbox     *Outbox
	States     *StateStore
	Telemetry  *Telemetry
	Policy     DecisionPolicy
	Memory     MemoryPolicy
	Memories   MemoryWriter
	QueueLimit int
	Logger     *zap.Logger
}

// NewRunner assembles a runner with wall-clock time and a seeded RNG.
func NewRunner(deps RunnerDeps) *Runner {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	limit := deps.QueueLimit
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	return &Runner{
		observer:   deps.Observer,
		proposer:   deps.Proposer,
		committer:  deps.Committer,
		validator:  deps.Validator,
		outbox:     deps.Outbox,
		states:     deps.States,
		telemetry:  deps.Telemetry,
		policy:     deps.Policy,
		memory:     deps.Memory,
		memories:   deps.Memories,
		queueLimit: limit,
		log:        log,
		now:        time.Now,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RunOnce executes one full pipeline pass for a trigger.
func (r *Runner) RunOnce(ctx context.Context, trigger Trigger) (*RunReport, error) {
	runID := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	report := &RunReport{RunID: runID, Trigger: trigger.Signal}
	event := TelemetryEvent{RunID: runID}
	state := r.states.Load()
	logging.FlowDebug("run %s started signal=%s pressure=%.2f", runID, trigger.Signal, trigger.Pressure)

	obs, err := r.observer.Observe(ctx, trigger)
	if err != nil {
		r.log.Warn("observation failed", zap.String("run_id", runID), zap.Error(err))
		event.AbortReason = "error"
		r.record(event)
		report.AbortReason = "error"
		return report, err
	}
	event.ToolsCalled = append(event.ToolsCalled, "observe")

	for actor, consented := range obs.ConsentUpdates {
		state.ConsentedUsers[actor] = consented
	}

	// State is persisted right after observe so the unchanged-poll
	// counter and consent updates survive an aborted run.
	skipPoll := trigger.Signal == "SOCIAL" && r.applyPollHash(state, obs)
	r.saveState(state)
	if skipPoll {
		event.AbortReason = "poll_unchanged"
		r.record(event)
		report.AbortReason = "poll_unchanged"
		return report, nil
	}

	candidates, err := r.proposer.Propose(ctx, trigger, obs)
	if err != nil {
		r.log.Warn("proposal failed", zap.String("run_id", runID), zap.Error(err))
		event.AbortReason = "error"
		r.record(event)
		report.AbortReason = "error"
		return report, err
	}
	event.ToolsCalled = append(event.ToolsCalled, "propose")

	candidates = r.applyConsentFilter(candidates, state, obs)
	if len(candidates) == 0 {
		event.AbortReason = "no_actions"
		r.record(event)
		report.AbortReason = "no_actions"
		return report, nil
	}

	for i := range candidates {
		candidates[i].Salience = clamp01(candidates[i].Salience)
	}
	chosen := PickAction(ScoreActions(candidates, r.policy), r.policy, r.rng)
	report.Action = chosen.Kind
	event.ChosenAction = string(chosen.Kind)
	event.JComponents = map[string]float64{
		"j_score":     chosen.JScore,
		"delta_u":     chosen.DeltaU,
		"voi":         chosen.VOI,
		"optionality": chosen.Optionality,
		"cost":        chosen.Cost,
		"risk":        chosen.Risk,
		"fatigue":     chosen.Fatigue,
		"salience":    chosen.Salience,
	}

	// While promises are open, only a reply or quote into a committed
	// thread proceeds; everything else waits in the queue.
	queueReason := "proposed_queue"
	if len(state.OpenCommitments) > 0 && !r.referencesCommitment(state, chosen) {
		chosen.Kind = ActionQueue
		queueReason = "queued_for_open_commitments"
		report.Action = chosen.Kind
		event.ChosenAction = string(chosen.Kind)
	}

	if chosen.JScore < r.policy.LowActionThreshold {
		event.AbortReason = "j_below_threshold"
		r.record(event)
		report.AbortReason = "j_below_threshold"
		return report, nil
	}

	if chosen.Kind == ActionIgnore || chosen.Kind == ActionQueue {
		if id := chosen.MetaString("notification_id"); id != "" {
			state.AddProcessedNotification(id)
		}
		if chosen.Kind == ActionQueue {
			draft := draftFromCandidate(chosen)
			if err := r.outbox.Create(draft); err != nil {
				return r.finishError(report, event, err)
			}
			if _, err := r.outbox.MarkQueued(draft.ID, queueReason); err != nil {
				return r.finishError(report, event, err)
			}
			report.DraftID = draft.ID
			if queueReason == "queued_for_open_commitments" {
				report.AbortReason = queueReason
				event.AbortReason = queueReason
			}
		}
		r.saveState(state)
		r.record(event)
		return report, nil
	}

	if chosen.Salience < r.policy.Salience.LowThreshold && chosen.Kind != ActionLike {
		event.AbortReason = "salience_too_low"
		r.record(event)
		report.AbortReason = "salience_too_low"
		return report, nil
	}

	draft := draftFromCandidate(chosen)
	if err := r.outbox.Create(draft); err != nil {
		return r.finishError(report, event, err)
	}
	report.DraftID = draft.ID

	if chosen.Salience < r.policy.Salience.HighThreshold {
		if _, err := r.outbox.MarkQueued(draft.ID, "medium_salience"); err != nil {
			return r.finishError(report, event, err)
		}
		event.AbortReason = "medium_salience"
		r.record(event)
		report.AbortReason = "medium_salience"
		return report, nil
	}

	pre := r.validator.Validate(draft, state)
	event.Preflight = &pre
	event.ToolsCalled = append(event.ToolsCalled, "preflight")
	if !pre.Passed {
		if _, err := r.outbox.MarkAborted(draft.ID, strings.Join(pre.Reasons, ";")); err != nil {
			return r.finishError(report, event, err)
		}
		reason := "preflight_failed"
		if pre.RequireHuman {
			reason = "require_human"
		}
		logging.Preflight("run %s draft %s rejected: %s", runID, draft.ID, strings.Join(pre.Reasons, ";"))
		r.log.Info("preflight rejected draft",
			zap.String("run_id", runID),
			zap.String("draft_id", draft.ID),
			zap.Strings("reasons", pre.Reasons))
		event.AbortReason = reason
		r.record(event)
		report.AbortReason = reason
		return report, nil
	}

	result := r.committer.Commit(ctx, draft)
	event.ToolsCalled = append(event.ToolsCalled, "commit")
	event.CommitResult = &result
	if !result.Success {
		if _, err := r.outbox.MarkAborted(draft.ID, result.Error); err != nil {
			return r.finishError(report, event, err)
		}
		r.log.Warn("commit failed",
			zap.String("run_id", runID),
			zap.String("draft_id", draft.ID),
			zap.String("error", result.Error))
		event.AbortReason = "commit_failed"
		r.record(event)
		report.AbortReason = "commit_failed"
		return report, nil
	}

	if _, err := r.outbox.MarkCommitted(draft.ID, result.ExternalURI); err != nil {
		return r.finishError(report, event, err)
	}
	r.applyCommitState(state, draft, r.now().UTC())
	r.saveState(state)
	event.ToolsCalled = append(event.ToolsCalled, r.writeMemories(ctx, draft, result)...)

	if draft.Kind.TextBearing() {
		event.JComponents["text_length"] = float64(GraphemeCount(draft.Text))
	}
	r.record(event)
	logging.Flow("run %s committed %s draft=%s uri=%s", runID, draft.Kind, draft.ID, result.ExternalURI)
	r.log.Info("committed action",
		zap.String("run_id", runID),
		zap.String("draft_id", draft.ID),
		zap.String("kind", string(draft.Kind)),
		zap.String("uri", result.ExternalURI))

	report.Committed = true
	report.CommitURI = result.ExternalURI
	return report, nil
}

// RunQueueOnce re-validates queued drafts oldest first. Preflight
// failures abort the draft; the first successful commit ends the run.
func (r *Runner) RunQueueOnce(ctx context.Context) (*RunReport, error) {
	runID := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	report := &RunReport{RunID: runID, Trigger: "queue"}
	state := r.states.Load()

	drafts := r.outbox.ListByStatus(StatusQueued)
	if len(drafts) > r.queueLimit {
		drafts = drafts[:r.queueLimit]
	}

	for _, draft := range drafts {
		// Drafts parked behind open promises stay parked until the
		// promises discharge.
		if draft.MetaString("queue_reason") == "queued_for_open_commitments" &&
			len(state.OpenCommitments) > 0 && !containsURL(draft.Text) {
			continue
		}

		pre := r.validator.Validate(draft, state)
		if !pre.Passed {
			if _, err := r.outbox.MarkAborted(draft.ID, strings.Join(pre.Reasons, ";")); err != nil {
				return report, err
			}
			r.log.Info("queued draft aborted",
				zap.String("draft_id", draft.ID),
				zap.Strings("reasons", pre.Reasons))
			continue
		}

		result := r.committer.Commit(ctx, draft)
		event := TelemetryEvent{RunID: runID, ChosenAction: string(draft.Kind), CommitResult: &result}
		if !result.Success {
			if _, err := r.outbox.MarkAborted(draft.ID, result.Error); err != nil {
				return report, err
			}
			event.AbortReason = "commit_failed"
			r.record(event)
			continue
		}
		if _, err := r.outbox.MarkCommitted(draft.ID, result.ExternalURI); err != nil {
			return report, err
		}
		r.applyCommitState(state, draft, r.now().UTC())
		r.saveState(state)
		r.writeMemories(ctx, draft, result)
		if draft.Kind.TextBearing() {
			event.JComponents = map[string]float64{"text_length": float64(GraphemeCount(draft.Text))}
		}
		r.record(event)
		report.DraftID = draft.ID
		report.Action = draft.Kind
		report.Committed = true
		report.CommitURI = result.ExternalURI
		return report, nil
	}

	r.saveState(state)
	return report, nil
}

// applyConsentFilter drops action candidates against non-bot actors who
// have been engaged once already without consenting. IGNORE and QUEUE
// always survive; an empty survivor set collapses to a single IGNORE so
// the notification still gets marked processed. Bot status comes from
// the observation's profile-derived flags; the proposer's metadata flag
// can only widen the bot set, never shrink it.
func (r *Runner) applyConsentFilter(candidates []CandidateAction, state *AgentState, obs *Observation) []CandidateAction {
	kept := make([]CandidateAction, 0, len(candidates))
	var blocked *CandidateAction
	for i, c := range candidates {
		if c.Kind == ActionIgnore || c.Kind == ActionQueue {
			kept = append(kept, c)
			continue
		}
		actor := c.MetaString("actor")
		isBot := obs != nil && obs.BotActors[actor]
		if !isBot && c.Metadata != nil {
			isBot, _ = c.Metadata["actor_is_bot"].(bool)
		}
		if actor != "" && !isBot && !state.ConsentedUsers[actor] && state.PerUserCounts[actor] >= 1 {
			if blocked == nil {
				blocked = &candidates[i]
			}
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) == 0 && blocked != nil {
		kept = append(kept, CandidateAction{
			Kind:     ActionIgnore,
			Intent:   "ignore",
			Notes:    "awaiting consent",
			Metadata: blocked.Metadata,
		})
	}
	return kept
}

// referencesCommitment reports whether a reply or quote lands in a
// thread that carries an open promise.
func (r *Runner) referencesCommitment(state *AgentState, chosen ScoredAction) bool {
	if chosen.Kind != ActionReply && chosen.Kind != ActionQuote {
		return false
	}
	root := chosen.MetaString("root_uri")
	if root == "" {
		root = chosen.TargetURI
	}
	for _, c := range state.OpenCommitments {
		if (root != "" && c.RootURI == root) ||
			(chosen.TargetURI != "" && c.TargetURI == chosen.TargetURI) {
			return true
		}
	}
	return false
}

// applyCommitState folds one successful commit into agent state.
func (r *Runner) applyCommitState(state *AgentState, draft *Draft, now time.Time) {
	state.MarkCommit(now)

	if draft.Kind.TextBearing() && draft.Text != "" {
		state.AddPostHash(TextHash(draft.Text), string(draft.Kind), now)
	}

	if draft.TargetURI != "" {
		state.LastActionHashes[draft.TargetURI] = TargetHash(draft.TargetURI)
		state.LastActionTimestamps[draft.TargetURI] = now
		state.RespondedURIs[draft.TargetURI] = true
	}

	if actor := draft.MetaString("actor"); actor != "" {
		state.PerUserCounts[actor]++
		state.PerUserLastInteraction[actor] = now
	}

	if id := draft.MetaString("notification_id"); id != "" {
		state.AddProcessedNotification(id)
	}

	// Every thread window prunes on every commit, not just the one
	// written, so idle threads never hold stale stamps.
	for thread, stamps := range state.PerThreadReplies {
		kept := stamps[:0]
		for _, ts := range stamps {
			if now.Sub(ts) <= commitWindowRetention {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(state.PerThreadReplies, thread)
			continue
		}
		state.PerThreadReplies[thread] = kept
	}

	if root := draft.RootURI(); draft.Kind == ActionReply && root != "" {
		stamps := append(state.PerThreadReplies[root], now)
		state.PerThreadReplies[root] = stamps

		recent := 0
		for _, ts := range stamps {
			if now.Sub(ts) <= threadPaceWindow {
				recent++
			}
		}
		if recent >= threadPaceLimit {
			state.ThreadCooldowns[root] = now.Add(threadCooldown)
		}
	}

	commits := state.RecentCommitTimes[:0]
	for _, ts := range state.RecentCommitTimes {
		if now.Sub(ts) <= commitWindowRetention {
			commits = append(commits, ts)
		}
	}
	commits = append(commits, now)
	state.RecentCommitTimes = commits

	inWindow := 0
	for _, ts := range commits {
		if now.Sub(ts) <= burstWindow {
			inWindow++
		}
	}
	if inWindow >= burstLimit {
		state.Cooldowns["global"] = now.Add(burstCooldown)
	}

	r.harvestCommitments(state, draft, now)
	r.dischargeCommitments(state, draft)
}

func (r *Runner) harvestCommitments(state *AgentState, draft *Draft, now time.Time) {
	if !draft.Kind.TextBearing() || draft.Text == "" {
		return
	}
	lowered := strings.ToLower(draft.Text)
	for _, marker := range commitmentMarkers {
		if strings.Contains(lowered, marker) {
			prefix := draft.Text
			if runes := []rune(prefix); len(runes) > 200 {
				prefix = string(runes[:200])
			}
			state.AddOpenCommitment(OpenCommitment{
				ID:         NewDraftID(),
				CreatedAt:  now,
				RootURI:    draft.RootURI(),
				TargetURI:  draft.TargetURI,
				TextPrefix: prefix,
			})
			return
		}
	}
}

func (r *Runner) dischargeCommitments(state *AgentState, draft *Draft) {
	if !draft.Kind.TextBearing() || !containsURL(draft.Text) {
		return
	}
	root := draft.RootURI()
	kept := state.OpenCommitments[:0]
	for _, c := range state.OpenCommitments {
		matches := (root != "" && c.RootURI == root) ||
			(draft.TargetURI != "" && c.TargetURI == draft.TargetURI)
		if !matches {
			kept = append(kept, c)
		}
	}
	state.OpenCommitments = append([]OpenCommitment(nil), kept...)
}

// applyPollHash updates the unchanged-poll counter and reports whether
// the run should stop early because nothing new arrived.
func (r *Runner) applyPollHash(state *AgentState, obs *Observation) bool {
	uris := make([]string, 0, len(obs.Notifications))
	for _, n := range obs.Notifications {
		uris = append(uris, n.URI)
	}
	sort.Strings(uris)
	sum := sha256.Sum256([]byte(strings.Join(uris, "\n")))
	hash := hex.EncodeToString(sum[:])[:16]

	if hash == state.NotificationPollHash {
		state.ConsecutiveUnchangedPolls++
		return state.ConsecutiveUnchangedPolls >= unchangedPollCap
	}
	state.NotificationPollHash = hash
	state.ConsecutiveUnchangedPolls = 0
	return false
}

func (r *Runner) writeMemories(ctx context.Context, draft *Draft, result CommitResult) []string {
	if r.memories == nil {
		return nil
	}
	var written []string
	if draft.Salience >= r.memory.CoreThreshold {
		if err := r.memories.WriteCore(ctx, draft, result); err != nil {
			r.log.Warn("core memory write failed", zap.Error(err))
		} else {
			written = append(written, "memory_update_core")
		}
	}
	if draft.Salience >= r.memory.SummaryThreshold {
		if err := r.memories.WriteSummary(ctx, draft, result); err != nil {
			r.log.Warn("summary memory write failed", zap.Error(err))
		} else {
			written = append(written, "memory_write")
		}
	}
	return written
}

func (r *Runner) finishError(report *RunReport, event TelemetryEvent, err error) (*RunReport, error) {
	event.AbortReason = "error"
	r.record(event)
	report.AbortReason = "error"
	return report, err
}

func (r *Runner) saveState(state *AgentState) {
	if err := r.states.Save(state); err != nil {
		r.log.Warn("state save failed", zap.Error(err))
	}
}

func (r *Runner) record(event TelemetryEvent) {
	if r.telemetry == nil {
		return
	}
	if err := r.telemetry.Append(event); err != nil {
		r.log.Warn("telemetry append failed", zap.Error(err))
	}
}

func draftFromCandidate(c ScoredAction) *Draft {
	return &Draft{
		Kind:        c.Kind,
		TargetURI:   c.TargetURI,
		Text:        c.DraftText,
		Intent:      c.Intent,
		Constraints: c.Constraints,
		Confidence:  c.Confidence,
		Salience:    c.Salience,
		RiskFlags:   c.RiskFlags,
		AbortIf:     c.AbortIf,
		Metadata:    c.Metadata,
	}
}

func containsURL(text string) bool {
	lowered := strings.ToLower(text)
	return strings.Contains(lowered, "http://") || strings.Contains(lowered, "https://")
}
