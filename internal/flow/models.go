// Package flow implements the observe→decide→draft→preflight→commit
// pipeline. A run turns one observation into at most one committed side
// effect, with a persistent draft outbox between decision and commit.
package flow

import "time"

// ActionKind is the closed set of side-effecting (or deliberately
// non-side-effecting) actions a candidate can propose.
type ActionKind string

const (
	ActionReply  ActionKind = "reply"
	ActionQuote  ActionKind = "quote"
	ActionPost   ActionKind = "post"
	ActionFollow ActionKind = "follow"
	ActionMute   ActionKind = "mute"
	ActionBlock  ActionKind = "block"
	ActionLike   ActionKind = "like"
	ActionIgnore ActionKind = "ignore"
	ActionQueue  ActionKind = "queue"
)

// TextBearing reports whether the action kind carries post text.
func (k ActionKind) TextBearing() bool {
	switch k {
	case ActionPost, ActionReply, ActionQuote:
		return true
	}
	return false
}

// Draft lifecycle states. A draft reaches at most one terminal state
// (committed or aborted); error counts as terminal for GC purposes.
const (
	StatusDraft     = "draft"
	StatusQueued    = "queued"
	StatusCommitted = "committed"
	StatusAborted   = "aborted"
	StatusError     = "error"
)

// CandidateAction is a proposed action with its utility components.
type CandidateAction struct {
	Kind        ActionKind     `json:"action_type"`
	TargetURI   string         `json:"target_uri,omitempty"`
	DeltaU      float64        `json:"delta_u"`
	VOI         float64        `json:"voi"`
	Optionality float64        `json:"optionality"`
	Cost        float64        `json:"cost"`
	Risk        float64        `json:"risk"`
	Fatigue     float64        `json:"fatigue"`
	Salience    float64        `json:"salience"`
	Notes       string         `json:"notes,omitempty"`
	Intent      string         `json:"intent"`
	DraftText   string         `json:"text,omitempty"`
	Constraints []string       `json:"constraints,omitempty"`
	RiskFlags   []string       `json:"risk_flags,omitempty"`
	AbortIf     []string       `json:"abort_if,omitempty"`
	Confidence  float64        `json:"confidence"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// MetaString returns a string metadata value, or "" when absent.
func (c CandidateAction) MetaString(key string) string {
	if c.Metadata == nil {
		return ""
	}
	s, _ := c.Metadata[key].(string)
	return s
}

// ScoredAction is a candidate with its computed J score.
type ScoredAction struct {
	CandidateAction
	JScore float64 `json:"j_score"`
}

// Draft is the reversible, persistent record of a proposed action. It
// is written to the outbox before any side effect can occur.
type Draft struct {
	ID              string             `json:"id"`
	Kind            ActionKind         `json:"type"`
	TargetURI       string             `json:"target_uri,omitempty"`
	Text            string             `json:"text,omitempty"`
	Intent          string             `json:"intent"`
	Constraints     []string           `json:"constraints,omitempty"`
	Confidence      float64            `json:"confidence"`
	Salience        float64            `json:"salience"`
	SalienceFactors map[string]float64 `json:"salience_factors,omitempty"`
	RiskFlags       []string           `json:"risk_flags,omitempty"`
	AbortIf         []string           `json:"abort_if,omitempty"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	Status          string             `json:"status"`
}

// MetaString returns a string metadata value, or "" when absent.
func (d *Draft) MetaString(key string) string {
	if d.Metadata == nil {
		return ""
	}
	s, _ := d.Metadata[key].(string)
	return s
}

// RootURI resolves the thread root for pacing checks: explicit
// metadata root_uri first, target URI otherwise.
func (d *Draft) RootURI() string {
	if root := d.MetaString("root_uri"); root != "" {
		return root
	}
	return d.TargetURI
}

// PreflightResult is the outcome of validating a draft. Passed is true
// only when no reasons accumulated and no human review is required.
type PreflightResult struct {
	Passed          bool     `json:"passed"`
	Reasons         []string `json:"reasons"`
	SuggestedEdits  []string `json:"suggested_edits,omitempty"`
	RequireHuman    bool     `json:"require_human"`
	NeedMoreContext bool     `json:"need_more_context"`
}

// Notification is one inbound platform event.
type Notification struct {
	URI       string         `json:"uri"`
	CID       string         `json:"cid,omitempty"`
	Reason    string         `json:"reason"`
	Actor     string         `json:"actor,omitempty"`
	Text      string         `json:"text,omitempty"`
	IsRead    bool           `json:"is_read"`
	IndexedAt string         `json:"indexed_at,omitempty"`
	Profile   map[string]any `json:"profile,omitempty"`
}

// Observation is the read-only snapshot a run acts on.
type Observation struct {
	Notifications     []Notification   `json:"notifications"`
	Threads           []map[string]any `json:"threads,omitempty"`
	Profiles          []map[string]any `json:"profiles,omitempty"`
	ReplyRefs         map[string]any   `json:"reply_refs,omitempty"`
	ConsentUpdates    map[string]bool  `json:"consent_updates,omitempty"`
	BotActors         map[string]bool  `json:"bot_actors,omitempty"`
	NeedMoreContext   bool             `json:"need_more_context"`
	SkipPollSuggested bool             `json:"skip_poll_suggested"`
}

// CommitResult reports the outcome of one executor invocation.
type CommitResult struct {
	Success     bool   `json:"success"`
	ExternalURI string `json:"external_uri,omitempty"`
	Error       string `json:"error,omitempty"`
}

// TelemetryEvent is one run trace record, appended to telemetry.jsonl.
type TelemetryEvent struct {
	Timestamp          time.Time          `json:"timestamp"`
	RunID              string             `json:"run_id"`
	LoopIter           int                `json:"loop_iter"`
	ToolsCalled        []string           `json:"tools_called"`
	ChosenAction       string             `json:"chosen_action,omitempty"`
	JComponents        map[string]float64 `json:"j_components,omitempty"`
	SalienceComponents map[string]float64 `json:"salience_components,omitempty"`
	Preflight          *PreflightResult   `json:"preflight,omitempty"`
	CommitResult       *CommitResult      `json:"commit_result,omitempty"`
	AbortReason        string             `json:"abort_reason,omitempty"`
}

// OpenCommitment is a promise harvested from committed text, tracked
// until a later post with a URL discharges it.
type OpenCommitment struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	RootURI    string    `json:"root_uri,omitempty"`
	TargetURI  string    `json:"target_uri,omitempty"`
	TextPrefix string    `json:"text_prefix"`
}

// PostHash is a recent committed-text fingerprint used for the
// 24h duplicate window.
type PostHash struct {
	Hash string    `json:"hash"`
	TS   time.Time `json:"ts"`
	Type string    `json:"type"`
}
