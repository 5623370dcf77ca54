package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/bioage/reset-backend/internal/assessment"
	"github.com/bioage/reset-backend/internal/config"
)

const systemPrompt = `You are a careful longevity coach. You produce structured
90-day protocols from questionnaire answers. You must answer with a single JSON
object and nothing else: no markdown fences, no commentary. The object has
exactly these fields:
  "disclaimer": string, a short not-medical-advice notice
  "summary": {"bioage_estimate": string, "key_focus": [string]}
  "scores": object mapping "sleep", "nutrition", "training", "stress" to an integer 0-100
  "narrative": string, 3-6 sentences referencing the user's stated goal
  "plan_90_days": [{"week": int, "focus": string, "actions": [string]}] covering weeks 1-12
  "warnings": [string], may be empty
Never prescribe medication and never contradict the disclaimer.`

// ClaudeGenerator produces insight payloads via the Anthropic Messages API.
// Responses that fail schema validation are contract errors and must not be
// retried; transport failures are returned as-is so the caller can retry.
type ClaudeGenerator struct {
	client      anthropic.Client
	model       anthropic.Model
	maxTokens   int64
	temperature float64
	timeout     time.Duration
}

// NewClaudeGenerator builds a generator from the insight config section.
func NewClaudeGenerator(cfg *config.InsightConfig) *ClaudeGenerator {
	return &ClaudeGenerator{
		client:      anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey)),
		model:       anthropic.Model(cfg.Model),
		maxTokens:   int64(cfg.MaxTokens),
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
	}
}

func (g *ClaudeGenerator) Name() string { return "claude" }

// Generate sends the assessment answers to the model and parses the JSON
// reply into a validated payload.
func (g *ClaudeGenerator) Generate(ctx context.Context, a *assessment.Assessment) (*Payload, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	prompt, err := buildPrompt(a)
	if err != nil {
		return nil, fmt.Errorf("failed to build prompt: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if g.temperature > 0 {
		params.Temperature = anthropic.Float(g.temperature)
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	text := collectText(resp)
	if text == "" {
		return nil, fmt.Errorf("%w: response contains no text block", ErrMalformedResponse)
	}

	return ParseResponse(text)
}

// ParseResponse turns raw model output into a validated payload. It tolerates
// a fenced code block around the JSON since models add one despite
// instructions, but anything beyond that is a contract violation.
func ParseResponse(text string) (*Payload, error) {
	text = stripFences(text)

	var p Payload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func buildPrompt(a *assessment.Assessment) (string, error) {
	answers, err := json.MarshalIndent(a.Answers, "", "  ")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Questionnaire answers (language: %s):\n%s\n\n", a.Language, answers)
	b.WriteString("Questions for reference:\n")
	for _, q := range assessment.Questions {
		fmt.Fprintf(&b, "- %s: %s\n", q.ID, q.Label)
	}
	b.WriteString("\nProduce the JSON protocol now.")
	return b.String(), nil
}

func collectText(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// NewGenerator selects the generator variant once at process start: Claude
// when an API key is configured, the deterministic mock otherwise.
func NewGenerator(cfg *config.InsightConfig) Generator {
	if cfg.AnthropicAPIKey != "" {
		return NewClaudeGenerator(cfg)
	}
	return NewMockGenerator()
}
