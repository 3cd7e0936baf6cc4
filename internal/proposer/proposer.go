// Package proposer turns a wake trigger and an observation into
// candidate actions using Gemini. Malformed model output degrades to a
// single IGNORE candidate instead of failing the run.
package proposer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"magenta/internal/flow"
)

const (
	maxCandidates      = 3
	defaultTemperature = 0.7
	defaultTimeout     = 120 * time.Second
)

// generator abstracts the model call so tests stay offline.
type generator interface {
	generate(ctx context.Context, prompt string) (string, error)
}

type genaiGenerator struct {
	client      *genai.Client
	model       string
	temperature float32
}

func (g *genaiGenerator) generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx,
		g.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{Temperature: genai.Ptr(g.temperature)},
	)
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}
	return resp.Text(), nil
}

// LLMProposer implements flow.Proposer over a Gemini model.
type LLMProposer struct {
	gen     generator
	persona string
	timeout time.Duration
	log     *zap.Logger
}

// New creates a proposer. persona is the standing instruction block
// prepended to every prompt; zero temperature or timeout fall back to
// the defaults.
func New(apiKey, model, persona string, temperature float64, timeout time.Duration, log *zap.Logger) (*LLMProposer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if log == nil {
		log = zap.NewNop()
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &LLMProposer{
		gen:     &genaiGenerator{client: client, model: model, temperature: resolveTemperature(temperature)},
		persona: persona,
		timeout: resolveTimeout(timeout),
		log:     log,
	}, nil
}

func resolveTemperature(t float64) float32 {
	if t <= 0 {
		return defaultTemperature
	}
	return float32(t)
}

func resolveTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultTimeout
	}
	return d
}

// Propose asks the model for at most three candidates. Transport
// errors propagate; malformed output degrades to IGNORE.
func (p *LLMProposer) Propose(ctx context.Context, trigger flow.Trigger, obs *flow.Observation) ([]flow.CandidateAction, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	raw, err := p.gen.generate(ctx, p.buildPrompt(trigger, obs))
	if err != nil {
		return nil, err
	}

	candidates, err := parseCandidates(raw)
	if err != nil {
		p.log.Warn("proposal output unparseable, degrading to ignore", zap.Error(err))
		return []flow.CandidateAction{ignoreFallback("unparseable_proposal")}, nil
	}
	if len(candidates) == 0 {
		return []flow.CandidateAction{ignoreFallback("empty_proposal")}, nil
	}
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}
	for i := range candidates {
		candidates[i].Confidence = clamp01(candidates[i].Confidence)
		candidates[i].Salience = clamp01(candidates[i].Salience)
	}
	return candidates, nil
}

func (p *LLMProposer) buildPrompt(trigger flow.Trigger, obs *flow.Observation) string {
	var b strings.Builder
	if p.persona != "" {
		b.WriteString(p.persona)
		b.WriteString("\n\n")
	}
	b.WriteString("Wake reason: ")
	b.WriteString(trigger.Signal)
	if trigger.Prompt != "" {
		b.WriteString("\n")
		b.WriteString(trigger.Prompt)
	}
	b.WriteString("\n\nObservation:\n")
	if data, err := json.Marshal(obs); err == nil {
		b.Write(data)
	}
	b.WriteString("\n\nPropose at most 3 candidate actions as a JSON array. Each element:\n")
	b.WriteString(`{"action_type": one of reply|quote|post|follow|mute|block|like|ignore|queue, "target_uri", "text", "intent", "confidence" 0..1, "salience" 0..1, "delta_u", "voi", "optionality", "cost", "risk", "fatigue", "risk_flags" [], "metadata" {"notification_id", "actor", "root_uri"}}`)
	b.WriteString("\nReturn only the JSON array. Include an ignore candidate when nothing is worth doing.")
	return b.String()
}

// parseCandidates extracts the first JSON array from model output,
// tolerating markdown fences and prose around it.
func parseCandidates(raw string) ([]flow.CandidateAction, error) {
	text := strings.TrimSpace(raw)
	if start := strings.Index(text, "```"); start >= 0 {
		text = text[start+3:]
		text = strings.TrimPrefix(text, "json")
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	}
	open := strings.Index(text, "[")
	last := strings.LastIndex(text, "]")
	if open < 0 || last <= open {
		return nil, fmt.Errorf("no JSON array in proposal output")
	}
	var candidates []flow.CandidateAction
	if err := json.Unmarshal([]byte(text[open:last+1]), &candidates); err != nil {
		return nil, fmt.Errorf("failed to parse proposal JSON: %w", err)
	}
	return candidates, nil
}

func ignoreFallback(note string) flow.CandidateAction {
	return flow.CandidateAction{
		Kind:       flow.ActionIgnore,
		Intent:     "ignore",
		Notes:      note,
		Confidence: 1,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
