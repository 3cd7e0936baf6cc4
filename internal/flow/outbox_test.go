package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPassageLog struct {
	entries []string
}

func (r *recordingPassageLog) LogDraft(draft *Draft, status string) {
	r.entries = append(r.entries, draft.ID+":"+status)
}

func newTestOutbox(t *testing.T) (*Outbox, *time.Time) {
	t.Helper()
	outbox, err := NewOutbox(t.TempDir())
	require.NoError(t, err)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	clock := &now
	outbox.now = func() time.Time { return *clock }
	return outbox, clock
}

func TestOutboxCreateAssignsIDAndStatus(t *testing.T) {
	outbox, _ := newTestOutbox(t)
	draft := &Draft{Kind: ActionPost, Text: "hello", Intent: "say hi"}
	require.NoError(t, outbox.Create(draft))

	assert.Len(t, draft.ID, 12)
	assert.Equal(t, StatusDraft, draft.Status)
	assert.False(t, draft.CreatedAt.IsZero())

	loaded := outbox.Get(draft.ID)
	require.NotNil(t, loaded)
	assert.Equal(t, "hello", loaded.Text)
}

func TestOutboxTransitions(t *testing.T) {
	outbox, _ := newTestOutbox(t)
	draft := &Draft{Kind: ActionReply, Text: "hi", Intent: "reply"}
	require.NoError(t, outbox.Create(draft))

	queued, err := outbox.MarkQueued(draft.ID, "medium_salience")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, queued.Status)
	assert.Equal(t, "medium_salience", queued.MetaString("queue_reason"))

	committed, err := outbox.MarkCommitted(draft.ID, "at://self/post/1")
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, committed.Status)
	assert.Equal(t, "at://self/post/1", committed.MetaString("commit_uri"))

	_, err = outbox.MarkAborted("missing-id", "nope")
	assert.Error(t, err)
}

func TestOutboxPassageLogMirrorsTransitions(t *testing.T) {
	outbox, _ := newTestOutbox(t)
	log := &recordingPassageLog{}
	outbox.AttachPassageLog(log)

	draft := &Draft{Kind: ActionPost, Text: "x", Intent: "post"}
	require.NoError(t, outbox.Create(draft))
	_, err := outbox.MarkAborted(draft.ID, "test")
	require.NoError(t, err)

	require.Len(t, log.entries, 2)
	assert.Equal(t, draft.ID+":draft", log.entries[0])
	assert.Equal(t, draft.ID+":aborted", log.entries[1])
}

func TestOutboxListByStatusOrdersByCreation(t *testing.T) {
	outbox, clock := newTestOutbox(t)

	first := &Draft{Kind: ActionPost, Text: "first", Intent: "a"}
	require.NoError(t, outbox.Create(first))
	*clock = clock.Add(time.Minute)
	second := &Draft{Kind: ActionPost, Text: "second", Intent: "b"}
	require.NoError(t, outbox.Create(second))

	for _, d := range []*Draft{second, first} {
		_, err := outbox.MarkQueued(d.ID, "medium_salience")
		require.NoError(t, err)
	}

	queued := outbox.ListByStatus(StatusQueued)
	require.Len(t, queued, 2)
	assert.Equal(t, "first", queued[0].Text)
	assert.Equal(t, "second", queued[1].Text)
}

func TestOutboxPurgeStale(t *testing.T) {
	outbox, clock := newTestOutbox(t)

	stale := &Draft{Kind: ActionPost, Text: "stale", Intent: "a"}
	require.NoError(t, outbox.Create(stale))
	_, err := outbox.MarkAborted(stale.ID, "old")
	require.NoError(t, err)

	*clock = clock.Add(25 * time.Hour)

	fresh := &Draft{Kind: ActionPost, Text: "fresh", Intent: "b"}
	require.NoError(t, outbox.Create(fresh))
	_, err = outbox.MarkAborted(fresh.ID, "new")
	require.NoError(t, err)

	keep := &Draft{Kind: ActionPost, Text: "keep", Intent: "c"}
	require.NoError(t, outbox.Create(keep))
	_, err = outbox.MarkQueued(keep.ID, "medium_salience")
	require.NoError(t, err)

	purged := outbox.PurgeStale(24 * time.Hour)
	assert.Equal(t, 1, purged)
	assert.Nil(t, outbox.Get(stale.ID))
	assert.NotNil(t, outbox.Get(fresh.ID))
	assert.NotNil(t, outbox.Get(keep.ID))
}
