package flow

import (
	"context"
	"fmt"
)

// PlatformClient is the minimal surface the commit layer needs from the
// social platform. Implementations wrap the real network client.
type PlatformClient interface {
	Post(ctx context.Context, text string) (uri string, err error)
	Reply(ctx context.Context, text, targetURI, rootURI string) (uri string, err error)
	Quote(ctx context.Context, text, quoteURI string) (uri string, err error)
	Like(ctx context.Context, targetURI string) error
	Follow(ctx context.Context, actor string) error
	Mute(ctx context.Context, actor string) error
	Block(ctx context.Context, actor string) error
}

// CommitHandler executes one draft kind against the platform.
type CommitHandler func(ctx context.Context, draft *Draft) CommitResult

// Committer dispatches drafts to per-kind handlers. Kinds without a
// handler fail the commit rather than silently succeeding.
type Committer struct {
	handlers map[ActionKind]CommitHandler
}

// NewCommitter wires the standard handlers over a platform client.
func NewCommitter(client PlatformClient) *Committer {
	c := &Committer{handlers: map[ActionKind]CommitHandler{}}

	c.handlers[ActionPost] = func(ctx context.Context, d *Draft) CommitResult {
		uri, err := client.Post(ctx, d.Text)
		return resultFor(uri, err)
	}
	c.handlers[ActionReply] = func(ctx context.Context, d *Draft) CommitResult {
		uri, err := client.Reply(ctx, d.Text, d.TargetURI, d.RootURI())
		return resultFor(uri, err)
	}
	c.handlers[ActionQuote] = func(ctx context.Context, d *Draft) CommitResult {
		quoteURI := d.MetaString("quote_uri")
		if quoteURI == "" {
			quoteURI = d.TargetURI
		}
		uri, err := client.Quote(ctx, d.Text, quoteURI)
		return resultFor(uri, err)
	}
	c.handlers[ActionLike] = func(ctx context.Context, d *Draft) CommitResult {
		return resultFor(d.TargetURI, client.Like(ctx, d.TargetURI))
	}
	c.handlers[ActionFollow] = func(ctx context.Context, d *Draft) CommitResult {
		return resultFor("", client.Follow(ctx, actorOf(d)))
	}
	c.handlers[ActionMute] = func(ctx context.Context, d *Draft) CommitResult {
		return resultFor("", client.Mute(ctx, actorOf(d)))
	}
	c.handlers[ActionBlock] = func(ctx context.Context, d *Draft) CommitResult {
		return resultFor("", client.Block(ctx, actorOf(d)))
	}
	return c
}

// Register installs or replaces a handler for a kind.
func (c *Committer) Register(kind ActionKind, handler CommitHandler) {
	c.handlers[kind] = handler
}

// Commit executes the draft. Unknown kinds return a failed result.
func (c *Committer) Commit(ctx context.Context, draft *Draft) CommitResult {
	handler, ok := c.handlers[draft.Kind]
	if !ok {
		return CommitResult{Error: fmt.Sprintf("No commit handler for %s", draft.Kind)}
	}
	return handler(ctx, draft)
}

func actorOf(d *Draft) string {
	if actor := d.MetaString("actor"); actor != "" {
		return actor
	}
	return d.TargetURI
}

func resultFor(uri string, err error) CommitResult {
	if err != nil {
		return CommitResult{Error: err.Error()}
	}
	return CommitResult{Success: true, ExternalURI: uri}
}
