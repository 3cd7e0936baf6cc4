package flow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Bounded-list discipline for the append-only parts of AgentState.
const (
	processedNotificationsCap    = 500
	processedNotificationsRetain = 400
	openCommitmentsCap           = 50
	openCommitmentsRetain        = 40
	recentPostHashesCap          = 100
	recentPostHashWindow         = 24 * time.Hour
	commitWindowRetention        = 6 * time.Hour
)

// AgentState carries the cooldown, dedupe and pacing state a run
// consults and updates. The Runner owns all writes during a run.
type AgentState struct {
	LastActionHashes          map[string]string       `json:"last_action_hashes"`
	LastActionTimestamps      map[string]time.Time    `json:"last_action_timestamps"`
	PerUserCounts             map[string]int          `json:"per_user_counts"`
	PerUserLastInteraction    map[string]time.Time    `json:"per_user_last_interaction"`
	ConsentedUsers            map[string]bool         `json:"consented_users"`
	Cooldowns                 map[string]time.Time    `json:"cooldowns"`
	ProcessedNotifications    []string                `json:"processed_notifications"`
	LastCommitAt              time.Time               `json:"last_commit_at,omitzero"`
	RecentCommitTimes         []time.Time             `json:"recent_commit_times"`
	RecentPostHashes          []PostHash              `json:"recent_post_hashes"`
	RespondedURIs             map[string]bool         `json:"responded_uris"`
	NotificationPollHash      string                  `json:"notification_poll_hash,omitempty"`
	ConsecutiveUnchangedPolls int                     `json:"consecutive_unchanged_polls"`
	PerThreadReplies          map[string][]time.Time  `json:"per_thread_replies"`
	ThreadCooldowns           map[string]time.Time    `json:"thread_cooldowns"`
	OpenCommitments           []OpenCommitment        `json:"open_commitments"`
}

// NewAgentState returns an empty state with all maps initialized.
func NewAgentState() *AgentState {
	s := &AgentState{}
	s.normalize()
	return s
}

func (s *AgentState) normalize() {
	if s.LastActionHashes == nil {
		s.LastActionHashes = map[string]string{}
	}
	if s.LastActionTimestamps == nil {
		s.LastActionTimestamps = map[string]time.Time{}
	}
	if s.PerUserCounts == nil {
		s.PerUserCounts = map[string]int{}
	}
	if s.PerUserLastInteraction == nil {
		s.PerUserLastInteraction = map[string]time.Time{}
	}
	if s.ConsentedUsers == nil {
		s.ConsentedUsers = map[string]bool{}
	}
	if s.Cooldowns == nil {
		s.Cooldowns = map[string]time.Time{}
	}
	if s.RespondedURIs == nil {
		s.RespondedURIs = map[string]bool{}
	}
	if s.PerThreadReplies == nil {
		s.PerThreadReplies = map[string][]time.Time{}
	}
	if s.ThreadCooldowns == nil {
		s.ThreadCooldowns = map[string]time.Time{}
	}
}

// MarkCommit stamps last_commit_at. The timestamp never moves backward.
func (s *AgentState) MarkCommit(now time.Time) {
	if now.After(s.LastCommitAt) {
		s.LastCommitAt = now
	}
}

// IsProcessed reports whether a notification id is in the bounded
// processed set.
func (s *AgentState) IsProcessed(notificationID string) bool {
	for _, id := range s.ProcessedNotifications {
		if id == notificationID {
			return true
		}
	}
	return false
}

// AddProcessedNotification appends a notification id, trimming the
// list to the most recent entries once it exceeds the cap.
func (s *AgentState) AddProcessedNotification(notificationID string) {
	if notificationID == "" || s.IsProcessed(notificationID) {
		return
	}
	s.ProcessedNotifications = append(s.ProcessedNotifications, notificationID)
	if len(s.ProcessedNotifications) > processedNotificationsCap {
		keep := s.ProcessedNotifications[len(s.ProcessedNotifications)-processedNotificationsRetain:]
		s.ProcessedNotifications = append([]string(nil), keep...)
	}
}

// AddOpenCommitment pushes a harvested commitment, trimming to the
// most recent entries once the list exceeds the cap.
func (s *AgentState) AddOpenCommitment(c OpenCommitment) {
	s.OpenCommitments = append(s.OpenCommitments, c)
	if len(s.OpenCommitments) > openCommitmentsCap {
		keep := s.OpenCommitments[len(s.OpenCommitments)-openCommitmentsRetain:]
		s.OpenCommitments = append([]OpenCommitment(nil), keep...)
	}
}

// AddPostHash records a committed-text fingerprint, pruning entries
// older than the 24h window and capping the list.
func (s *AgentState) AddPostHash(hash, kind string, now time.Time) {
	pruned := s.RecentPostHashes[:0]
	for _, entry := range s.RecentPostHashes {
		if now.Sub(entry.TS) <= recentPostHashWindow {
			pruned = append(pruned, entry)
		}
	}
	s.RecentPostHashes = append(pruned, PostHash{Hash: hash, TS: now, Type: kind})
	if len(s.RecentPostHashes) > recentPostHashesCap {
		s.RecentPostHashes = append([]PostHash(nil), s.RecentPostHashes[len(s.RecentPostHashes)-recentPostHashesCap:]...)
	}
}

// StateStore persists AgentState as pretty-printed JSON. A missing or
// unreadable file yields a fresh state.
type StateStore struct {
	path string
}

// NewStateStore creates a store rooted at path.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Path returns the backing file path.
func (st *StateStore) Path() string { return st.path }

// Load reads the state file. Corrupt or absent files start fresh.
func (st *StateStore) Load() *AgentState {
	data, err := os.ReadFile(st.path)
	if err != nil {
		return NewAgentState()
	}
	state := &AgentState{}
	if err := json.Unmarshal(data, state); err != nil {
		return NewAgentState()
	}
	state.normalize()
	return state
}

// Save writes the state with the mkdir-parents + replace discipline.
func (st *StateStore) Save(state *AgentState) error {
	return writeJSONFile(st.path, state)
}

// writeJSONFile writes pretty-printed JSON via a temp file rename so
// readers never observe a partially written document.
func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
