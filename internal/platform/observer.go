package platform

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"magenta/internal/flow"
	"magenta/internal/store"
)

// consentPhrases grant a non-bot actor standing permission to receive
// unprompted replies. Matching is case-insensitive.
var consentPhrases = []string{
	"you can reply",
	"feel free to reply",
	"feel free to respond",
	"please respond",
	"you're welcome to reply",
	"go ahead and reply",
}

// Bot tokens matched against handle and profile description. A handle
// token or a configured suffix alone is enough; descriptions also catch
// "automated".
var (
	botHandleTokens      = []string{"bot", "agent", "ai"}
	botDescriptionTokens = []string{"bot", "agent", "ai", "automated"}
)

// threadContextLimit caps how many notifications get profile and
// thread enrichment per observation.
const threadContextLimit = 5

// notifier is the slice of Client the observer needs; tests stub it.
type notifier interface {
	ListNotifications(ctx context.Context, limit int) ([]notificationView, error)
	GetProfile(ctx context.Context, actor string) (map[string]any, error)
	GetPostThread(ctx context.Context, uri string, depth, parentHeight int) (map[string]any, error)
}

// Observer builds the read-only snapshot a pipeline run acts on. Every
// fetched notification is also recorded in the local ledger so pending
// counts feed the SOCIAL pressure boost.
type Observer struct {
	client      notifier
	notifs      *store.NotificationDB
	states      *flow.StateStore
	botSuffixes []string
	limit       int
	log         *zap.Logger
}

// NewObserver wires the observer. The notification DB and state store
// are optional; without a state store no processed filtering applies.
func NewObserver(client *Client, notifs *store.NotificationDB, states *flow.StateStore, botSuffixes []string, log *zap.Logger) *Observer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Observer{
		client:      client,
		notifs:      notifs,
		states:      states,
		botSuffixes: botSuffixes,
		limit:       50,
		log:         log,
	}
}

// Observe fetches recent notifications, harvests consent grants, and
// enriches the most recent ones with profile and thread context.
// Notifications already marked processed are filtered out of the
// snapshot; the ledger still records every fetched one.
func (o *Observer) Observe(ctx context.Context, trigger flow.Trigger) (*flow.Observation, error) {
	views, err := o.client.ListNotifications(ctx, o.limit)
	if err != nil {
		return nil, err
	}

	var state *flow.AgentState
	if o.states != nil {
		state = o.states.Load()
	}

	obs := &flow.Observation{
		ConsentUpdates: map[string]bool{},
		BotActors:      map[string]bool{},
		ReplyRefs:      map[string]any{},
	}
	profiles := map[string]map[string]any{}

	for i, view := range views {
		if o.notifs != nil {
			if err := o.notifs.RecordSeen(view.URI, view.IndexedAt, view.Reason); err != nil {
				o.log.Warn("notification ledger write failed",
					zap.String("uri", view.URI), zap.Error(err))
			}
		}
		if grantsConsent(view.Record.Text) {
			obs.ConsentUpdates[view.Author.Handle] = true
		}

		if i < threadContextLimit {
			o.enrich(ctx, view, obs, profiles)
		}

		if state != nil && state.IsProcessed(view.URI) {
			continue
		}
		obs.Notifications = append(obs.Notifications, flow.Notification{
			URI:       view.URI,
			CID:       view.CID,
			Reason:    view.Reason,
			Actor:     view.Author.Handle,
			Text:      view.Record.Text,
			IsRead:    view.IsRead,
			IndexedAt: view.IndexedAt,
			Profile:   profiles[view.Author.Handle],
		})
	}

	o.log.Debug("observation built",
		zap.String("trigger", trigger.Signal),
		zap.Int("notifications", len(obs.Notifications)),
		zap.Int("threads", len(obs.Threads)),
		zap.Int("consent_grants", len(obs.ConsentUpdates)))
	return obs, nil
}

// enrich fetches the actor's profile and, for mentions and replies, the
// surrounding thread. Fetch failures degrade: a missing profile still
// allows handle-based bot detection, a missing thread raises the
// need-more-context flag.
func (o *Observer) enrich(ctx context.Context, view notificationView, obs *flow.Observation, profiles map[string]map[string]any) {
	handle := view.Author.Handle
	profile := profiles[handle]
	if handle != "" && profile == nil {
		fetched, err := o.client.GetProfile(ctx, handle)
		if err != nil {
			o.log.Warn("profile fetch failed", zap.String("actor", handle), zap.Error(err))
		} else {
			profile = fetched
			profiles[handle] = fetched
			obs.Profiles = append(obs.Profiles, fetched)
		}
	}
	if handle != "" && o.actorIsBot(handle, profile) {
		obs.BotActors[handle] = true
	}

	if view.Reason != "mention" && view.Reason != "reply" {
		return
	}
	thread, err := o.client.GetPostThread(ctx, view.URI, 6, 3)
	if err != nil {
		o.log.Warn("thread fetch failed", zap.String("uri", view.URI), zap.Error(err))
		obs.NeedMoreContext = true
		return
	}
	obs.Threads = append(obs.Threads, thread)
	if ref := buildReplyRef(thread); ref != nil {
		obs.ReplyRefs[view.URI] = ref
	}
}

// actorIsBot derives bot status from the handle and profile, never from
// model output: configured handle suffixes, then handle tokens, then
// description tokens.
func (o *Observer) actorIsBot(handle string, profile map[string]any) bool {
	lowered := strings.ToLower(handle)
	for _, suffix := range o.botSuffixes {
		if suffix != "" && strings.HasSuffix(lowered, strings.ToLower(suffix)) {
			return true
		}
	}
	for _, token := range botHandleTokens {
		if strings.Contains(lowered, token) {
			return true
		}
	}
	if profile != nil {
		description, _ := profile["description"].(string)
		description = strings.ToLower(description)
		for _, token := range botDescriptionTokens {
			if strings.Contains(description, token) {
				return true
			}
		}
	}
	return false
}

// buildReplyRef walks a thread view to its top post and returns the
// {root, parent} strong-ref pair a threaded reply record needs.
func buildReplyRef(thread map[string]any) map[string]any {
	node, _ := thread["thread"].(map[string]any)
	parent, _ := node["post"].(map[string]any)
	if parent == nil {
		return nil
	}

	root := parent
	cursor := node
	for {
		up, ok := cursor["parent"].(map[string]any)
		if !ok {
			break
		}
		cursor = up
		post, ok := cursor["post"].(map[string]any)
		if !ok {
			break
		}
		root = post
	}

	ref := func(post map[string]any) map[string]any {
		return map[string]any{"uri": post["uri"], "cid": post["cid"]}
	}
	return map[string]any{"root": ref(root), "parent": ref(parent)}
}

func grantsConsent(text string) bool {
	lowered := strings.ToLower(text)
	for _, phrase := range consentPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}
