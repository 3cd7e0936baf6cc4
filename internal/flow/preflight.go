package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rivo/uniseg"
)

// PreflightPolicy configures the validation gate. Zero values are
// replaced by production defaults in NewValidator.
type PreflightPolicy struct {
	MinConfidence        float64  `yaml:"min_confidence"`
	MaxPostLength        int      `yaml:"max_post_length"`
	CooldownSeconds      int      `yaml:"cooldown_seconds"`
	DedupeTTLHours       int      `yaml:"dedupe_ttl_hours"`
	RequireHumanOnRisk   []string `yaml:"require_human_on_risk"`
	RequireFreshSync     bool     `yaml:"require_fresh_sync"`
	SyncStateMaxAge      int      `yaml:"sync_state_max_age_seconds"`
	DuplicateTextWindow  time.Duration
}

// DefaultPreflightPolicy returns the production gate configuration.
func DefaultPreflightPolicy() PreflightPolicy {
	return PreflightPolicy{
		MinConfidence:       0.55,
		MaxPostLength:       300,
		CooldownSeconds:     30,
		DedupeTTLHours:      24,
		RequireHumanOnRisk:  []string{"harassment", "personal_data", "political", "escalation", "high"},
		RequireFreshSync:    true,
		SyncStateMaxAge:     300,
		DuplicateTextWindow: 2 * time.Hour,
	}
}

// metaMarkers flag self-referential posts that need an artifact link.
// Matching is case-insensitive against the lowered text.
var metaMarkers = []string{
	"system matured",
	"lesson learned",
	"broke loop",
	"signal loop",
	"context",
	"pressure",
	"maintenance",
	"uncanny",
	"anxiety",
	"social signal",
	"interoception",
	"hypercontext",
}

// Validator is the pure gate between draft creation and commit. Every
// check accumulates a reason; nothing short-circuits.
type Validator struct {
	policy   PreflightPolicy
	syncPath string
	now      func() time.Time
}

// NewValidator builds a validator. syncPath points at the compact
// snapshot the mirror writes; empty disables the fresh-sync check.
func NewValidator(policy PreflightPolicy, syncPath string) *Validator {
	if policy.MaxPostLength == 0 {
		policy = DefaultPreflightPolicy()
	}
	if policy.DuplicateTextWindow == 0 {
		policy.DuplicateTextWindow = 2 * time.Hour
	}
	return &Validator{policy: policy, syncPath: syncPath, now: time.Now}
}

// TextHash fingerprints lowercased trimmed text for duplicate checks.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
	return hex.EncodeToString(sum[:])[:16]
}

// TargetHash coarsely fingerprints a target URI.
func TargetHash(target string) string {
	sum := sha256.Sum256([]byte(target))
	return hex.EncodeToString(sum[:])[:16]
}

// GraphemeCount counts user-perceived characters, not bytes or runes.
func GraphemeCount(s string) int {
	return uniseg.GraphemeClusterCount(s)
}

// Validate runs the full check table against a draft and state.
func (v *Validator) Validate(draft *Draft, state *AgentState) PreflightResult {
	now := v.now().UTC()
	var reasons, suggested []string
	requireHuman := false

	if v.policy.RequireFreshSync && v.syncPath != "" {
		reasons = append(reasons, v.checkFreshSync(now)...)
	}

	if draft.Confidence < v.policy.MinConfidence {
		reasons = append(reasons, "confidence_below_threshold")
	}

	if draft.Kind.TextBearing() {
		text := strings.TrimSpace(draft.Text)
		if text == "" {
			reasons = append(reasons, "missing_text")
		} else if GraphemeCount(draft.Text) > v.policy.MaxPostLength {
			reasons = append(reasons, "text_too_long")
			suggested = append(suggested, "shorten_text")
		}
		if quoteURI := draft.MetaString("quote_uri"); quoteURI != "" && text != "" {
			suffix := fmt.Sprintf("\n\n🔗 %s", quoteURI)
			if GraphemeCount(draft.Text)+GraphemeCount(suffix) > v.policy.MaxPostLength {
				reasons = append(reasons, "text_too_long_with_quote")
				suggested = append(suggested, "shorten_text")
			}
		}
	}

	if (draft.Kind == ActionPost || draft.Kind == ActionQuote) && draft.Text != "" {
		lowered := strings.ToLower(draft.Text)
		hasURL := strings.Contains(lowered, "http://") || strings.Contains(lowered, "https://")
		artifactOK := false
		if draft.Metadata != nil {
			artifactOK, _ = draft.Metadata["artifact_ok"].(bool)
		}
		if !hasURL && !artifactOK {
			for _, marker := range metaMarkers {
				if strings.Contains(lowered, marker) {
					reasons = append(reasons, "meta_needs_artifact")
					break
				}
			}
		}
	}

	if draft.Kind.TextBearing() && draft.Text != "" {
		hash := TextHash(draft.Text)
		for _, entry := range state.RecentPostHashes {
			if entry.Hash == hash && now.Sub(entry.TS) <= v.policy.DuplicateTextWindow {
				reasons = append(reasons, "duplicate_recent_post")
				break
			}
		}
	}

	for _, risk := range v.policy.RequireHumanOnRisk {
		for _, flag := range draft.RiskFlags {
			if flag == risk {
				requireHuman = true
				reasons = append(reasons, "risk_flag:"+risk)
			}
		}
	}

	if draft.TargetURI != "" {
		ttl := time.Duration(v.policy.DedupeTTLHours) * time.Hour
		if last, ok := state.LastActionTimestamps[draft.TargetURI]; ttl > 0 && ok && !last.IsZero() {
			if now.Sub(last) <= ttl {
				reasons = append(reasons, "duplicate_target_recent")
			}
		} else if _, ok := state.LastActionHashes[draft.TargetURI]; ok {
			reasons = append(reasons, "duplicate_target")
		}
	}

	if id := draft.MetaString("notification_id"); id != "" && state.IsProcessed(id) {
		reasons = append(reasons, "notification_already_processed")
	}

	if cooldown := time.Duration(v.policy.CooldownSeconds) * time.Second; cooldown > 0 && !state.LastCommitAt.IsZero() {
		if now.Sub(state.LastCommitAt) < cooldown {
			reasons = append(reasons, "cooldown_active")
		}
	}

	if until, ok := state.Cooldowns["global"]; ok && now.Before(until) {
		reasons = append(reasons, "burst_cooldown_active")
	}

	if root := draft.RootURI(); root != "" {
		paced := false
		if until, ok := state.ThreadCooldowns[root]; ok && now.Before(until) {
			reasons = append(reasons, "thread_pacing_cooldown")
			paced = true
		}
		if !paced {
			recent := 0
			for _, ts := range state.PerThreadReplies[root] {
				if now.Sub(ts) <= 30*time.Minute {
					recent++
				}
			}
			if recent >= 3 {
				reasons = append(reasons, "thread_pacing_cooldown")
			}
		}
	}

	return PreflightResult{
		Passed:         len(reasons) == 0 && !requireHuman,
		Reasons:        reasons,
		SuggestedEdits: suggested,
		RequireHuman:   requireHuman,
	}
}

func (v *Validator) checkFreshSync(now time.Time) []string {
	data, err := os.ReadFile(v.syncPath)
	if err != nil {
		return []string{"sync_state_missing"}
	}
	var snapshot struct {
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return []string{"sync_state_read_failed"}
	}
	if snapshot.Timestamp.IsZero() {
		return []string{"sync_state_missing_timestamp"}
	}
	maxAge := time.Duration(v.policy.SyncStateMaxAge) * time.Second
	if now.Sub(snapshot.Timestamp) > maxAge {
		return []string{"sync_state_stale"}
	}
	return nil
}
