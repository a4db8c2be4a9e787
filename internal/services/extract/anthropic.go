// -----------------------------------------------------------------------
// Extract - Anthropic Claude provider
// -----------------------------------------------------------------------

package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/models"
)

// AnthropicExtractor runs structured extraction through the Claude API.
type AnthropicExtractor struct {
	client    anthropic.Client
	model     string
	maxTokens int
	timeout   time.Duration
	logger    arbor.ILogger
}

// NewAnthropicExtractor builds a Claude-backed extractor.
func NewAnthropicExtractor(cfg *common.AnthropicConfig, logger arbor.ILogger) (*AnthropicExtractor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required (set ANTHROPIC_API_KEY or llm.anthropic.api_key)")
	}

	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	timeout := defaultTimeout
	if cfg.Timeout != "" {
		parsed, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid anthropic timeout %q: %w", cfg.Timeout, err)
		}
		timeout = parsed
	}

	client := anthropic.NewClient(
		option.WithAPIKey(cfg.APIKey),
	)

	logger.Debug().
		Str("model", model).
		Int("max_tokens", maxTokens).
		Dur("timeout", timeout).
		Msg("Anthropic extractor initialized")

	return &AnthropicExtractor{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

// Extract applies the extract options to the document content.
func (e *AnthropicExtractor) Extract(ctx context.Context, doc *models.Document, opts models.ExtractOptions) (json.RawMessage, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	text, err := e.complete(timeoutCtx, systemPromptFor(opts), buildPrompt(doc, opts))
	if err != nil {
		return nil, err
	}
	return decodeResult(text)
}

// HealthCheck exercises the API with a minimal probe.
func (e *AnthropicExtractor) HealthCheck(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	text, err := e.complete(probeCtx, "Respond with the single word: ok", "ping")
	if err != nil {
		return fmt.Errorf("anthropic probe failed: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("anthropic probe returned empty response")
	}
	return nil
}

func (e *AnthropicExtractor) complete(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: int64(e.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: system},
		}
	}

	resp, err := e.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("Claude API call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("empty response from Claude API")
	}
	return text.String(), nil
}
