package track

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiSource generates track layouts with the Gemini API when no local
// metadata exists. Output is strict JSON matching the Layout schema; callers
// validate it before caching, so a hallucinated layout never reaches the
// analyzers.
type GeminiSource struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGeminiSource builds a remote source against the Gemini API.
func NewGeminiSource(ctx context.Context, apiKey, model string) (*GeminiSource, error) {
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
	return &GeminiSource{client: client, model: model, timeout: 15 * time.Second}, nil
}

const layoutPrompt = `You are a motorsport track database. For the race track %q,
list its named segments as JSON with this exact shape and nothing else:

{"track": "...", "segments": [{"name": "...", "start_pct": 0.0, "end_pct": 0.08,
 "kind": "corner|straight|chicane", "description": "..."}]}

Rules: start_pct/end_pct are lap distance fractions in [0,1); segments must not
overlap; name corners by their common names (e.g. "Parabolica"); cover the
whole lap.`

// GenerateLayout asks the model for the segment list of a track.
func (g *GeminiSource) GenerateLayout(ctx context.Context, track string) (*Layout, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		genai.Text(fmt.Sprintf(layoutPrompt, track)),
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"})
	if err != nil {
		return nil, fmt.Errorf("layout generation failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	// Some models wrap JSON in a fenced block despite the MIME hint.
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var l Layout
	if err := json.Unmarshal([]byte(text), &l); err != nil {
		return nil, fmt.Errorf("layout response is not valid JSON: %w", err)
	}
	if l.Track == "" {
		l.Track = track
	}
	return &l, nil
}
