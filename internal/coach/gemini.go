package coach

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/apex-data/racecoach/internal/window"
)

// modePrompts shape the register of the enriched text per coaching mode.
var modePrompts = map[string]string{
	"beginner":     "Explain in plain language, one concept at a time, encouraging tone.",
	"intermediate": "Concise and technical, assume the driver knows racing vocabulary.",
	"advanced":     "Telemetry-level precision, reference the numbers in the context.",
	"race":         "Radio style: under ten words, imperative, no pleasantries.",
}

const enrichPrompt = `You are a race engineer coaching a sim driver over the radio.

Coaching mode: %s. %s

The local analyzer produced this insight:
  category: %s
  text: %s

Telemetry context (JSON):
%s

Rewrite the insight as a single coaching message for this driver right now.
Respond with JSON only: {"enriched_text": "...", "confidence": 0.0}`

// GeminiCoach enriches insights through the Gemini API.
type GeminiCoach struct {
	client *genai.Client
	model  string
}

// NewGeminiCoach builds the remote adapter. model defaults to
// gemini-2.0-flash.
func NewGeminiCoach(ctx context.Context, apiKey, model string) (*GeminiCoach, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiCoach{client: client, model: model}, nil
}

// Enrich sends one insight with its context snapshot and returns the
// rewritten text. The caller owns the deadline.
func (g *GeminiCoach) Enrich(ctx context.Context, ins *Insight, snap *window.Snapshot, mode string) (*Enrichment, error) {
	style, ok := modePrompts[mode]
	if !ok {
		style = modePrompts["intermediate"]
	}

	ctxJSON := []byte("{}")
	if snap != nil {
		if b, err := json.Marshal(snap); err == nil {
			ctxJSON = b
		}
	}

	prompt := fmt.Sprintf(enrichPrompt, mode, style, ins.Category, ins.Text, ctxJSON)
	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"})
	if err != nil {
		return nil, fmt.Errorf("enrichment request failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var enr Enrichment
	if err := json.Unmarshal([]byte(text), &enr); err != nil {
		return nil, fmt.Errorf("enrichment response is not valid JSON: %w", err)
	}
	if enr.Text == "" {
		return nil, fmt.Errorf("enrichment response missing text")
	}
	return &enr, nil
}
