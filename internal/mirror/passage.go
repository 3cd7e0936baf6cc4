// Package mirror keeps the scheduler's local limbic state and the
// remote passage store convergent, and exposes the append-only draft
// passage log.
package mirror

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"magenta/internal/flow"
)

// StateSentinel marks the single interoception passage.
const StateSentinel = "[INTEROCEPTION_STATE]\n"

// Passage is an immutable remote blob with tags.
type Passage struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Recency orders passages; update time wins over creation time.
func (p Passage) Recency() time.Time {
	if !p.UpdatedAt.IsZero() {
		return p.UpdatedAt
	}
	return p.CreatedAt
}

// PassageStore is the remote archival contract.
type PassageStore interface {
	List(ctx context.Context, tagSearch string, limit int) ([]Passage, error)
	Create(ctx context.Context, text string, tags []string) (string, error)
	Delete(ctx context.Context, id string) error
}

// DraftLog mirrors outbox transitions into tagged passages. It
// satisfies flow.PassageLogger; failures are logged and swallowed.
type DraftLog struct {
	store   PassageStore
	log     *zap.Logger
	timeout time.Duration
}

// NewDraftLog builds a best-effort draft passage log.
func NewDraftLog(store PassageStore, log *zap.Logger) *DraftLog {
	if log == nil {
		log = zap.NewNop()
	}
	return &DraftLog{store: store, log: log, timeout: 10 * time.Second}
}

// LogDraft appends one passage per outbox transition.
func (d *DraftLog) LogDraft(draft *flow.Draft, status string) {
	data, err := json.Marshal(draft)
	if err != nil {
		d.log.Warn("draft passage marshal failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	tags := []string{"magenta", "outbox", "draft_id:" + draft.ID, "status:" + status}
	if _, err := d.store.Create(ctx, string(data), tags); err != nil {
		d.log.Warn("draft passage write failed",
			zap.String("draft_id", draft.ID),
			zap.Error(err))
	}
}
