// Package platform implements the Bluesky side of the agent: an XRPC
// client satisfying flow.PlatformClient, and the notification observer
// the pipeline runs on.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultPDSHost = "https://bsky.social"

// Client is a minimal XRPC client for the app.bsky surface magenta
// uses. Sessions are created lazily and refreshed on 401.
type Client struct {
	host     string
	handle   string
	password string
	http     *http.Client
	log      *zap.Logger

	mu        sync.Mutex
	accessJWT string
	did       string
}

// NewClient builds a client; the session is established on first use.
func NewClient(host, handle, appPassword string, log *zap.Logger) *Client {
	if host == "" {
		host = defaultPDSHost
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		host:     strings.TrimRight(host, "/"),
		handle:   handle,
		password: appPassword,
		http:     &http.Client{Timeout: 30 * time.Second},
		log:      log,
	}
}

type sessionResponse struct {
	AccessJWT string `json:"accessJwt"`
	DID       string `json:"did"`
}

func (c *Client) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessJWT != "" {
		return nil
	}
	return c.createSessionLocked(ctx)
}

func (c *Client) createSessionLocked(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"identifier": c.handle,
		"password":   c.password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.host+"/xrpc/com.atproto.server.createSession", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("session request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("session creation failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return fmt.Errorf("failed to decode session: %w", err)
	}
	c.accessJWT = session.AccessJWT
	c.did = session.DID
	c.log.Debug("bluesky session established", zap.String("did", c.did))
	return nil
}

// xrpc performs one authenticated call. A 401 drops the session and
// retries once with a fresh one.
func (c *Client) xrpc(ctx context.Context, method, nsid string, params url.Values, body, out any) error {
	if err := c.ensureSession(ctx); err != nil {
		return err
	}
	for attempt := 0; attempt < 2; attempt++ {
		status, err := c.doXRPC(ctx, method, nsid, params, body, out)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized && attempt == 0 {
			c.mu.Lock()
			c.accessJWT = ""
			err = c.createSessionLocked(ctx)
			c.mu.Unlock()
			if err != nil {
				return err
			}
			continue
		}
		if status != http.StatusOK {
			return fmt.Errorf("%s failed with status %d", nsid, status)
		}
		return nil
	}
	return fmt.Errorf("%s failed after session refresh", nsid)
}

func (c *Client) doXRPC(ctx context.Context, method, nsid string, params url.Values, body, out any) (int, error) {
	endpoint := c.host + "/xrpc/" + nsid
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal %s request: %w", nsid, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build %s request: %w", nsid, err)
	}
	c.mu.Lock()
	req.Header.Set("Authorization", "Bearer "+c.accessJWT)
	c.mu.Unlock()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s request failed: %w", nsid, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode %s response: %w", nsid, err)
		}
	}
	return resp.StatusCode, nil
}

// DID returns the session DID, establishing a session if needed.
func (c *Client) DID(ctx context.Context) (string, error) {
	if err := c.ensureSession(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.did, nil
}

type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// resolveRef looks up the CID a record reference needs. Replies, quotes
// and likes all require a full strong ref, not just the URI.
func (c *Client) resolveRef(ctx context.Context, uri string) (strongRef, error) {
	params := url.Values{}
	params.Add("uris", uri)
	var out struct {
		Posts []struct {
			URI string `json:"uri"`
			CID string `json:"cid"`
		} `json:"posts"`
	}
	if err := c.xrpc(ctx, http.MethodGet, "app.bsky.feed.getPosts", params, nil, &out); err != nil {
		return strongRef{}, err
	}
	if len(out.Posts) == 0 {
		return strongRef{}, fmt.Errorf("post not found: %s", uri)
	}
	return strongRef{URI: out.Posts[0].URI, CID: out.Posts[0].CID}, nil
}

func (c *Client) resolveActor(ctx context.Context, actor string) (string, error) {
	if strings.HasPrefix(actor, "did:") {
		return actor, nil
	}
	params := url.Values{}
	params.Set("handle", strings.TrimPrefix(actor, "@"))
	var out struct {
		DID string `json:"did"`
	}
	if err := c.xrpc(ctx, http.MethodGet, "com.atproto.identity.resolveHandle", params, nil, &out); err != nil {
		return "", err
	}
	return out.DID, nil
}

type createRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

func (c *Client) createRecord(ctx context.Context, collection string, record map[string]any) (string, error) {
	did, err := c.DID(ctx)
	if err != nil {
		return "", err
	}
	record["createdAt"] = time.Now().UTC().Format(time.RFC3339)
	var out createRecordResponse
	err = c.xrpc(ctx, http.MethodPost, "com.atproto.repo.createRecord", nil, map[string]any{
		"repo":       did,
		"collection": collection,
		"record":     record,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.URI, nil
}

// Post publishes a standalone post and returns its AT URI.
func (c *Client) Post(ctx context.Context, text string) (string, error) {
	return c.createRecord(ctx, "app.bsky.feed.post", map[string]any{
		"$type": "app.bsky.feed.post",
		"text":  text,
	})
}

// Reply publishes a reply under targetURI, threading to rootURI.
func (c *Client) Reply(ctx context.Context, text, targetURI, rootURI string) (string, error) {
	parent, err := c.resolveRef(ctx, targetURI)
	if err != nil {
		return "", err
	}
	root := parent
	if rootURI != "" && rootURI != targetURI {
		if root, err = c.resolveRef(ctx, rootURI); err != nil {
			return "", err
		}
	}
	return c.createRecord(ctx, "app.bsky.feed.post", map[string]any{
		"$type": "app.bsky.feed.post",
		"text":  text,
		"reply": map[string]any{"root": root, "parent": parent},
	})
}

// Quote publishes a quote post embedding quoteURI.
func (c *Client) Quote(ctx context.Context, text, quoteURI string) (string, error) {
	ref, err := c.resolveRef(ctx, quoteURI)
	if err != nil {
		return "", err
	}
	return c.createRecord(ctx, "app.bsky.feed.post", map[string]any{
		"$type": "app.bsky.feed.post",
		"text":  text,
		"embed": map[string]any{
			"$type":  "app.bsky.embed.record",
			"record": ref,
		},
	})
}

// Like likes the post at targetURI.
func (c *Client) Like(ctx context.Context, targetURI string) error {
	ref, err := c.resolveRef(ctx, targetURI)
	if err != nil {
		return err
	}
	_, err = c.createRecord(ctx, "app.bsky.feed.like", map[string]any{
		"$type":   "app.bsky.feed.like",
		"subject": ref,
	})
	return err
}

// Follow follows an actor (handle or DID).
func (c *Client) Follow(ctx context.Context, actor string) error {
	did, err := c.resolveActor(ctx, actor)
	if err != nil {
		return err
	}
	_, err = c.createRecord(ctx, "app.bsky.graph.follow", map[string]any{
		"$type":   "app.bsky.graph.follow",
		"subject": did,
	})
	return err
}

// Mute mutes an actor.
func (c *Client) Mute(ctx context.Context, actor string) error {
	did, err := c.resolveActor(ctx, actor)
	if err != nil {
		return err
	}
	return c.xrpc(ctx, http.MethodPost, "app.bsky.graph.muteActor", nil,
		map[string]any{"actor": did}, nil)
}

// Block blocks an actor.
func (c *Client) Block(ctx context.Context, actor string) error {
	did, err := c.resolveActor(ctx, actor)
	if err != nil {
		return err
	}
	_, err = c.createRecord(ctx, "app.bsky.graph.block", map[string]any{
		"$type":   "app.bsky.graph.block",
		"subject": did,
	})
	return err
}

// GetProfile fetches an actor's profile view. The handle is resolved
// to a DID first so stale handle caches cannot serve the wrong actor.
func (c *Client) GetProfile(ctx context.Context, actor string) (map[string]any, error) {
	did, err := c.resolveActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("actor", did)
	var profile map[string]any
	if err := c.xrpc(ctx, http.MethodGet, "app.bsky.actor.getProfile", params, nil, &profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// GetPostThread fetches the thread around a post, depth levels down and
// parentHeight levels up, for reply drafting context.
func (c *Client) GetPostThread(ctx context.Context, uri string, depth, parentHeight int) (map[string]any, error) {
	params := url.Values{}
	params.Set("uri", uri)
	params.Set("depth", fmt.Sprintf("%d", depth))
	params.Set("parentHeight", fmt.Sprintf("%d", parentHeight))
	var thread map[string]any
	if err := c.xrpc(ctx, http.MethodGet, "app.bsky.feed.getPostThread", params, nil, &thread); err != nil {
		return nil, err
	}
	return thread, nil
}

// Notification is the wire shape of one inbound event.
type notificationView struct {
	URI       string `json:"uri"`
	CID       string `json:"cid"`
	Reason    string `json:"reason"`
	IsRead    bool   `json:"isRead"`
	IndexedAt string `json:"indexedAt"`
	Author    struct {
		Handle      string `json:"handle"`
		DisplayName string `json:"displayName"`
	} `json:"author"`
	Record struct {
		Text string `json:"text"`
	} `json:"record"`
}

// ListNotifications fetches up to limit recent notifications.
func (c *Client) ListNotifications(ctx context.Context, limit int) ([]notificationView, error) {
	if limit <= 0 {
		limit = 50
	}
	params := url.Values{}
	params.Set("limit", fmt.Sprintf("%d", limit))
	var out struct {
		Notifications []notificationView `json:"notifications"`
	}
	if err := c.xrpc(ctx, http.MethodGet, "app.bsky.notification.listNotifications", params, nil, &out); err != nil {
		return nil, err
	}
	return out.Notifications, nil
}
