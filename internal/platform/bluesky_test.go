package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magenta/internal/flow"
	"magenta/internal/store"
)

// fakePDS serves the handful of XRPC endpoints the client touches.
// Profiles are keyed by DID, threads by post URI; missing entries 404.
type fakePDS struct {
	t        *testing.T
	sessions int
	records  []map[string]any
	mutes    []string
	profiles map[string]map[string]any
	threads  map[string]map[string]any
	reject   bool // force 401 on authed calls until next session
}

func (f *fakePDS) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		f.sessions++
		f.reject = false
		json.NewEncoder(w).Encode(map[string]string{
			"accessJwt": "jwt-token",
			"did":       "did:plc:magenta",
		})
	})
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if f.reject || r.Header.Get("Authorization") != "Bearer jwt-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/xrpc/com.atproto.repo.createRecord", authed(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.records = append(f.records, body)
		json.NewEncoder(w).Encode(map[string]string{
			"uri": "at://did:plc:magenta/app.bsky.feed.post/abc",
			"cid": "bafynew",
		})
	}))
	mux.HandleFunc("/xrpc/app.bsky.feed.getPosts", authed(func(w http.ResponseWriter, r *http.Request) {
		uri := r.URL.Query().Get("uris")
		json.NewEncoder(w).Encode(map[string]any{
			"posts": []map[string]string{{"uri": uri, "cid": "bafyparent"}},
		})
	}))
	mux.HandleFunc("/xrpc/com.atproto.identity.resolveHandle", authed(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"did": "did:plc:" + strings.SplitN(r.URL.Query().Get("handle"), ".", 2)[0],
		})
	}))
	mux.HandleFunc("/xrpc/app.bsky.actor.getProfile", authed(func(w http.ResponseWriter, r *http.Request) {
		profile, ok := f.profiles[r.URL.Query().Get("actor")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(profile)
	}))
	mux.HandleFunc("/xrpc/app.bsky.feed.getPostThread", authed(func(w http.ResponseWriter, r *http.Request) {
		thread, ok := f.threads[r.URL.Query().Get("uri")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(thread)
	}))
	mux.HandleFunc("/xrpc/app.bsky.graph.muteActor", authed(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.mutes = append(f.mutes, body["actor"])
		w.Write([]byte("{}"))
	}))
	mux.HandleFunc("/xrpc/app.bsky.notification.listNotifications", authed(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"notifications": []map[string]any{
				{
					"uri":       "at://did:plc:alice/app.bsky.feed.post/1",
					"cid":       "bafy1",
					"reason":    "mention",
					"isRead":    false,
					"indexedAt": "2026-03-14T12:00:00Z",
					"author":    map[string]string{"handle": "alice.example"},
					"record":    map[string]string{"text": "hey @magenta, feel free to reply anytime"},
				},
				{
					"uri":       "at://did:plc:bob/app.bsky.feed.post/2",
					"cid":       "bafy2",
					"reason":    "reply",
					"isRead":    true,
					"indexedAt": "2026-03-14T12:01:00Z",
					"author":    map[string]string{"handle": "bob.example"},
					"record":    map[string]string{"text": "interesting take"},
				},
			},
		})
	}))
	return mux
}

func newTestClient(t *testing.T) (*Client, *fakePDS) {
	t.Helper()
	pds := &fakePDS{t: t}
	server := httptest.NewServer(pds.handler())
	t.Cleanup(server.Close)
	return NewClient(server.URL, "magenta.bsky.social", "app-pass", nil), pds
}

func TestPostCreatesRecord(t *testing.T) {
	client, pds := newTestClient(t)

	uri, err := client.Post(context.Background(), "hello from the loop")
	require.NoError(t, err)
	assert.Equal(t, "at://did:plc:magenta/app.bsky.feed.post/abc", uri)
	assert.Equal(t, 1, pds.sessions)

	require.Len(t, pds.records, 1)
	record := pds.records[0]["record"].(map[string]any)
	assert.Equal(t, "hello from the loop", record["text"])
	assert.Equal(t, "did:plc:magenta", pds.records[0]["repo"])
}

func TestReplyResolvesParentAndRoot(t *testing.T) {
	client, pds := newTestClient(t)

	_, err := client.Reply(context.Background(), "agreed",
		"at://did:plc:alice/app.bsky.feed.post/7", "at://did:plc:alice/app.bsky.feed.post/7")
	require.NoError(t, err)

	record := pds.records[0]["record"].(map[string]any)
	reply := record["reply"].(map[string]any)
	parent := reply["parent"].(map[string]any)
	assert.Equal(t, "at://did:plc:alice/app.bsky.feed.post/7", parent["uri"])
	assert.Equal(t, "bafyparent", parent["cid"])
	// Same URI for root and parent resolves once.
	assert.Equal(t, parent, reply["root"].(map[string]any))
}

func TestLikeUsesStrongRef(t *testing.T) {
	client, pds := newTestClient(t)

	require.NoError(t, client.Like(context.Background(), "at://did:plc:alice/app.bsky.feed.post/9"))

	require.Len(t, pds.records, 1)
	assert.Equal(t, "app.bsky.feed.like", pds.records[0]["collection"])
	subject := pds.records[0]["record"].(map[string]any)["subject"].(map[string]any)
	assert.Equal(t, "bafyparent", subject["cid"])
}

func TestMuteResolvesHandle(t *testing.T) {
	client, pds := newTestClient(t)

	require.NoError(t, client.Mute(context.Background(), "troll.example"))
	assert.Equal(t, []string{"did:plc:troll"}, pds.mutes)
}

func TestSessionRefreshOn401(t *testing.T) {
	client, pds := newTestClient(t)

	_, err := client.Post(context.Background(), "first")
	require.NoError(t, err)

	pds.reject = true
	_, err = client.Post(context.Background(), "second")
	require.NoError(t, err)
	assert.Equal(t, 2, pds.sessions)
	assert.Len(t, pds.records, 2)
}

// seedContext gives both notification actors profiles and both posts a
// thread view, so enrichment runs without degradation.
func seedContext(pds *fakePDS) {
	pds.profiles = map[string]map[string]any{
		"did:plc:alice": {"did": "did:plc:alice", "handle": "alice.example", "description": "painter, occasional poster"},
		"did:plc:bob":   {"did": "did:plc:bob", "handle": "bob.example", "description": "just here for the discourse"},
	}
	pds.threads = map[string]map[string]any{
		"at://did:plc:alice/app.bsky.feed.post/1": {
			"thread": map[string]any{
				"post": map[string]any{"uri": "at://did:plc:alice/app.bsky.feed.post/1", "cid": "bafy1"},
				"parent": map[string]any{
					"post": map[string]any{"uri": "at://did:plc:alice/app.bsky.feed.post/0", "cid": "bafy0"},
				},
			},
		},
		"at://did:plc:bob/app.bsky.feed.post/2": {
			"thread": map[string]any{
				"post": map[string]any{"uri": "at://did:plc:bob/app.bsky.feed.post/2", "cid": "bafy2"},
			},
		},
	}
}

func TestObserverBuildsObservation(t *testing.T) {
	client, pds := newTestClient(t)
	seedContext(pds)
	notifs, err := store.OpenNotificationDB(filepath.Join(t.TempDir(), "notifications.db"))
	require.NoError(t, err)
	defer notifs.Close()

	obs, err := NewObserver(client, notifs, nil, nil, nil).Observe(context.Background(), flow.Trigger{Signal: "SOCIAL"})
	require.NoError(t, err)

	require.Len(t, obs.Notifications, 2)
	assert.Equal(t, "alice.example", obs.Notifications[0].Actor)
	assert.Equal(t, "mention", obs.Notifications[0].Reason)
	assert.False(t, obs.NeedMoreContext)

	// "feel free to reply" grants consent; plain replies do not.
	assert.True(t, obs.ConsentUpdates["alice.example"])
	_, ok := obs.ConsentUpdates["bob.example"]
	assert.False(t, ok)

	pending, err := notifs.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestObserverEnrichesThreadContext(t *testing.T) {
	client, pds := newTestClient(t)
	seedContext(pds)

	obs, err := NewObserver(client, nil, nil, nil, nil).Observe(context.Background(), flow.Trigger{Signal: "SOCIAL"})
	require.NoError(t, err)

	require.Len(t, obs.Threads, 2)
	require.NotNil(t, obs.Notifications[0].Profile)
	assert.Equal(t, "painter, occasional poster", obs.Notifications[0].Profile["description"])

	// The reply ref walks alice's thread up to its top post.
	ref, ok := obs.ReplyRefs["at://did:plc:alice/app.bsky.feed.post/1"].(map[string]any)
	require.True(t, ok)
	root := ref["root"].(map[string]any)
	parent := ref["parent"].(map[string]any)
	assert.Equal(t, "at://did:plc:alice/app.bsky.feed.post/0", root["uri"])
	assert.Equal(t, "at://did:plc:alice/app.bsky.feed.post/1", parent["uri"])

	// Bob's post is its own root.
	ref, ok = obs.ReplyRefs["at://did:plc:bob/app.bsky.feed.post/2"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, ref["root"], ref["parent"])
}

func TestObserverThreadFetchFailureNeedsContext(t *testing.T) {
	client, pds := newTestClient(t)
	seedContext(pds)
	pds.threads = nil

	obs, err := NewObserver(client, nil, nil, nil, nil).Observe(context.Background(), flow.Trigger{Signal: "SOCIAL"})
	require.NoError(t, err)

	assert.True(t, obs.NeedMoreContext)
	assert.Empty(t, obs.Threads)
	require.Len(t, obs.Notifications, 2)
}

func TestObserverFlagsAutomatedActors(t *testing.T) {
	client, pds := newTestClient(t)
	seedContext(pds)
	pds.profiles["did:plc:bob"]["description"] = "Automated reply service, runs unattended"

	obs, err := NewObserver(client, nil, nil, nil, nil).Observe(context.Background(), flow.Trigger{Signal: "SOCIAL"})
	require.NoError(t, err)

	assert.True(t, obs.BotActors["bob.example"])
	assert.False(t, obs.BotActors["alice.example"])
}

func TestObserverFiltersProcessedNotifications(t *testing.T) {
	client, pds := newTestClient(t)
	seedContext(pds)
	notifs, err := store.OpenNotificationDB(filepath.Join(t.TempDir(), "notifications.db"))
	require.NoError(t, err)
	defer notifs.Close()

	states := flow.NewStateStore(filepath.Join(t.TempDir(), "agent_state.json"))
	state := flow.NewAgentState()
	state.AddProcessedNotification("at://did:plc:alice/app.bsky.feed.post/1")
	require.NoError(t, states.Save(state))

	obs, err := NewObserver(client, notifs, states, nil, nil).Observe(context.Background(), flow.Trigger{Signal: "SOCIAL"})
	require.NoError(t, err)

	// Alice's processed mention is filtered from the snapshot, but the
	// ledger still records every fetched notification.
	require.Len(t, obs.Notifications, 1)
	assert.Equal(t, "bob.example", obs.Notifications[0].Actor)
	pending, err := notifs.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestActorIsBot(t *testing.T) {
	o := &Observer{botSuffixes: []string{".deck.blue"}}
	assert.True(t, o.actorIsBot("poster.deck.blue", nil))
	assert.True(t, o.actorIsBot("newsbot.example", nil))
	assert.True(t, o.actorIsBot("alice.example", map[string]any{"description": "Automated mirror of a feed"}))
	assert.False(t, o.actorIsBot("alice.example", map[string]any{"description": "painter"}))
	assert.False(t, o.actorIsBot("alice.example", nil))
}

func TestGrantsConsent(t *testing.T) {
	assert.True(t, grantsConsent("You Can Reply whenever"))
	assert.True(t, grantsConsent("please respond when you see this"))
	assert.False(t, grantsConsent("replying is overrated"))
}
