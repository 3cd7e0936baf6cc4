// Package letta is the REST client for the agent server that hosts the
// persona. It backs two contracts: the mirror's passage store (archival
// memory) and the runner's post-commit memory writer (event passages
// plus a core journal block).
package letta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"magenta/internal/flow"
	"magenta/internal/mirror"
)

const (
	defaultTimeout  = 30 * time.Second
	journalBlock    = "journal"
	journalMaxRunes = 8000

	// Context usage is estimated from the agent's message count; the
	// server does not expose token counts directly.
	tokensPerMessage  = 500
	contextWindowSize = 128000
)

// steeringMarkers are stripped from text before it reaches the
// persona's memory. Committed posts quoting hostile instructions must
// not become standing instructions.
var steeringMarkers = []string{
	"[system",
	"ignore previous instructions",
	"ignore all previous",
	"new instructions:",
	"your new persona",
	mirror.StateSentinel,
}

// Client talks to one agent on a Letta server.
type Client struct {
	baseURL string
	apiKey  string
	agentID string
	http    *http.Client
	log     *zap.Logger
}

// New builds a client for the given agent.
func New(baseURL, apiKey, agentID string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		agentID: agentID,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

func (c *Client) request(ctx context.Context, method, path string, params url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s failed (%d): %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

type passageView struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// List returns passages matching the tag search, newest allocation
// order preserved as the server returns them.
func (c *Client) List(ctx context.Context, tagSearch string, limit int) ([]mirror.Passage, error) {
	params := url.Values{}
	if tagSearch != "" {
		params.Set("search", tagSearch)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	var views []passageView
	err := c.request(ctx, http.MethodGet,
		"/v1/agents/"+c.agentID+"/archival-memory", params, nil, &views)
	if err != nil {
		return nil, fmt.Errorf("failed to list passages: %w", err)
	}
	passages := make([]mirror.Passage, 0, len(views))
	for _, v := range views {
		passages = append(passages, mirror.Passage{
			ID:        v.ID,
			Text:      v.Text,
			Tags:      v.Tags,
			CreatedAt: v.CreatedAt,
			UpdatedAt: v.UpdatedAt,
		})
	}
	return passages, nil
}

// Create inserts one archival passage and returns its id.
func (c *Client) Create(ctx context.Context, text string, tags []string) (string, error) {
	var created []passageView
	err := c.request(ctx, http.MethodPost,
		"/v1/agents/"+c.agentID+"/archival-memory", nil,
		map[string]any{"text": text, "tags": tags}, &created)
	if err != nil {
		return "", fmt.Errorf("failed to create passage: %w", err)
	}
	if len(created) == 0 {
		return "", fmt.Errorf("passage creation returned no passage")
	}
	return created[0].ID, nil
}

// Delete removes one archival passage.
func (c *Client) Delete(ctx context.Context, id string) error {
	err := c.request(ctx, http.MethodDelete,
		"/v1/agents/"+c.agentID+"/archival-memory/"+id, nil, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to delete passage %s: %w", id, err)
	}
	return nil
}

type blockView struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type agentView struct {
	ID         string   `json:"id"`
	MessageIDs []string `json:"message_ids"`
}

// ContextUsage estimates the agent's context window usage as a
// fraction in [0, 1]. It feeds the MAINTENANCE pressure boost.
func (c *Client) ContextUsage(ctx context.Context) (float64, error) {
	var agent agentView
	err := c.request(ctx, http.MethodGet, "/v1/agents/"+c.agentID, nil, nil, &agent)
	if err != nil {
		return 0, fmt.Errorf("failed to retrieve agent: %w", err)
	}
	estimated := float64(len(agent.MessageIDs) * tokensPerMessage)
	usage := estimated / contextWindowSize
	if usage > 1 {
		usage = 1
	}
	return usage, nil
}

// WriteSummary records a committed action as an event passage.
func (c *Client) WriteSummary(ctx context.Context, draft *flow.Draft, result flow.CommitResult) error {
	event := map[string]any{
		"kind":     string(draft.Kind),
		"intent":   draft.Intent,
		"text":     Sanitize(draft.Text),
		"target":   draft.TargetURI,
		"uri":      result.ExternalURI,
		"salience": draft.Salience,
		"at":       time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event summary: %w", err)
	}
	if _, err := c.Create(ctx, string(data), []string{"magenta", "event"}); err != nil {
		return err
	}
	return nil
}

// WriteCore appends a journal line to the persona's core memory block,
// trimming the oldest lines once the block outgrows its budget.
func (c *Client) WriteCore(ctx context.Context, draft *flow.Draft, result flow.CommitResult) error {
	var block blockView
	err := c.request(ctx, http.MethodGet,
		"/v1/agents/"+c.agentID+"/core-memory/blocks/"+journalBlock, nil, nil, &block)
	if err != nil {
		return fmt.Errorf("failed to read journal block: %w", err)
	}

	line := fmt.Sprintf("%s %s %s: %s",
		time.Now().UTC().Format("2006-01-02 15:04"),
		draft.Kind, draft.Intent, Sanitize(draft.Text))
	value := strings.TrimSpace(block.Value + "\n" + line)
	if runes := []rune(value); len(runes) > journalMaxRunes {
		value = string(runes[len(runes)-journalMaxRunes:])
		if idx := strings.IndexByte(value, '\n'); idx >= 0 {
			value = value[idx+1:]
		}
	}

	err = c.request(ctx, http.MethodPatch,
		"/v1/agents/"+c.agentID+"/core-memory/blocks/"+journalBlock, nil,
		map[string]string{"value": value}, nil)
	if err != nil {
		return fmt.Errorf("failed to update journal block: %w", err)
	}
	return nil
}

// Sanitize strips lines carrying instruction-steering markers before
// text is written into persona memory.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		lowered := strings.ToLower(line)
		tainted := false
		for _, marker := range steeringMarkers {
			if strings.Contains(lowered, strings.ToLower(strings.TrimSpace(marker))) {
				tainted = true
				break
			}
		}
		if !tainted {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
