// -----------------------------------------------------------------------
// Extract - Google Gemini provider
// -----------------------------------------------------------------------

package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/models"
)

// GeminiExtractor runs structured extraction through the Gemini API.
type GeminiExtractor struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  arbor.ILogger
}

// NewGeminiExtractor builds a Gemini-backed extractor.
func NewGeminiExtractor(cfg *common.GeminiConfig, logger arbor.ILogger) (*GeminiExtractor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required (set GEMINI_API_KEY or llm.gemini.api_key)")
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	logger.Debug().
		Str("model", model).
		Msg("Gemini extractor initialized")

	return &GeminiExtractor{
		client:  client,
		model:   model,
		timeout: defaultTimeout,
		logger:  logger,
	}, nil
}

// Extract applies the extract options to the document content. Gemini
// supports a JSON response MIME type, which cuts down on fence stripping.
func (e *GeminiExtractor) Extract(ctx context.Context, doc *models.Document, opts models.ExtractOptions) (json.RawMessage, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	config := &genai.GenerateContentConfig{
		ResponseMIMEType:  "application/json",
		SystemInstruction: genai.NewContentFromText(systemPromptFor(opts), genai.RoleUser),
	}
	text, err := e.complete(timeoutCtx, buildPrompt(doc, opts), config)
	if err != nil {
		return nil, err
	}
	return decodeResult(text)
}

// HealthCheck exercises the API with a minimal probe.
func (e *GeminiExtractor) HealthCheck(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	text, err := e.complete(probeCtx, "Respond with the single word: ok", nil)
	if err != nil {
		return fmt.Errorf("gemini probe failed: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("gemini probe returned empty response")
	}
	return nil
}

func (e *GeminiExtractor) complete(ctx context.Context, prompt string, config *genai.GenerateContentConfig) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	resp, err := e.client.Models.GenerateContent(ctx, e.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("Gemini API call failed: %w", err)
	}

	var text strings.Builder
	if resp != nil {
		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					text.WriteString(part.Text)
				}
			}
			if text.Len() > 0 {
				break
			}
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("empty response from Gemini API")
	}
	return text.String(), nil
}
