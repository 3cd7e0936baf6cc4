package flow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PassageLogger mirrors outbox transitions into an append-only remote
// log. Calls are best-effort; failures never block the outbox.
type PassageLogger interface {
	LogDraft(draft *Draft, status string)
}

// Outbox stores one JSON file per draft, named by draft id. Drafts are
// the only path to a side effect: they exist on disk before commit.
type Outbox struct {
	root   string
	log    PassageLogger
	now    func() time.Time
}

// NewOutbox creates the outbox directory if needed.
func NewOutbox(root string) (*Outbox, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}
	return &Outbox{root: root, now: time.Now}, nil
}

// AttachPassageLog enables best-effort mirroring of transitions.
func (o *Outbox) AttachPassageLog(log PassageLogger) { o.log = log }

func (o *Outbox) draftPath(id string) string {
	return filepath.Join(o.root, id+".json")
}

// NewDraftID returns an opaque 12-char draft identifier.
func NewDraftID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Create assigns an id if missing, stamps timestamps and writes the
// draft with status "draft".
func (o *Outbox) Create(draft *Draft) error {
	if draft.ID == "" {
		draft.ID = NewDraftID()
	}
	now := o.now().UTC()
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	draft.UpdatedAt = now
	if draft.Status == "" {
		draft.Status = StatusDraft
	}
	if err := o.write(draft); err != nil {
		return err
	}
	if o.log != nil {
		o.log.LogDraft(draft, draft.Status)
	}
	return nil
}

// Get loads a draft by id, or nil when absent or unreadable.
func (o *Outbox) Get(id string) *Draft {
	data, err := os.ReadFile(o.draftPath(id))
	if err != nil {
		return nil
	}
	draft := &Draft{}
	if err := json.Unmarshal(data, draft); err != nil {
		return nil
	}
	return draft
}

func (o *Outbox) transition(id, status string, mutate func(*Draft)) (*Draft, error) {
	draft := o.Get(id)
	if draft == nil {
		return nil, fmt.Errorf("draft not found: %s", id)
	}
	if mutate != nil {
		mutate(draft)
	}
	draft.Status = status
	draft.UpdatedAt = o.now().UTC()
	if err := o.write(draft); err != nil {
		return nil, err
	}
	if o.log != nil {
		o.log.LogDraft(draft, status)
	}
	return draft, nil
}

// MarkQueued parks a draft for a later queue run.
func (o *Outbox) MarkQueued(id, reason string) (*Draft, error) {
	return o.transition(id, StatusQueued, func(d *Draft) {
		d.setMeta("queue_reason", reason)
	})
}

// MarkAborted moves a draft to its aborted terminal state.
func (o *Outbox) MarkAborted(id, reason string) (*Draft, error) {
	return o.transition(id, StatusAborted, func(d *Draft) {
		d.setMeta("abort_reason", reason)
	})
}

// MarkCommitted moves a draft to its committed terminal state,
// recording the external URI of the side effect.
func (o *Outbox) MarkCommitted(id, externalURI string) (*Draft, error) {
	return o.transition(id, StatusCommitted, func(d *Draft) {
		if externalURI != "" {
			d.setMeta("commit_uri", externalURI)
		}
	})
}

func (d *Draft) setMeta(key string, value any) {
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
	d.Metadata[key] = value
}

// ListIDs returns all draft ids present on disk, sorted.
func (o *Outbox) ListIDs() []string {
	entries, err := os.ReadDir(o.root)
	if err != nil {
		return nil
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids
}

// ListByStatus returns all drafts currently in the given status,
// oldest first by creation time.
func (o *Outbox) ListByStatus(status string) []*Draft {
	var drafts []*Draft
	for _, id := range o.ListIDs() {
		if draft := o.Get(id); draft != nil && draft.Status == status {
			drafts = append(drafts, draft)
		}
	}
	sort.Slice(drafts, func(i, j int) bool {
		return drafts[i].CreatedAt.Before(drafts[j].CreatedAt)
	})
	return drafts
}

// PurgeStale deletes aborted/error drafts older than maxAge and
// returns the count removed.
func (o *Outbox) PurgeStale(maxAge time.Duration) int {
	cutoff := o.now().UTC().Add(-maxAge)
	purged := 0
	for _, id := range o.ListIDs() {
		draft := o.Get(id)
		if draft == nil {
			continue
		}
		if draft.Status != StatusAborted && draft.Status != StatusError {
			continue
		}
		stamp := draft.UpdatedAt
		if stamp.IsZero() {
			stamp = draft.CreatedAt
		}
		if stamp.IsZero() || !stamp.Before(cutoff) {
			continue
		}
		if err := os.Remove(o.draftPath(id)); err == nil {
			purged++
		}
	}
	return purged
}

func (o *Outbox) write(draft *Draft) error {
	return writeJSONFile(o.draftPath(draft.ID), draft)
}
