// -----------------------------------------------------------------------
// Extract - structured JSON extraction from page content via LLM providers
// -----------------------------------------------------------------------

package extract

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/interfaces"
	"github.com/ternarybob/trawl/internal/models"
)

const (
	// maxContentChars bounds how much page content goes into the prompt.
	maxContentChars = 80000

	defaultTimeout = 60 * time.Second

	defaultSystemPrompt = "You are a data extraction engine. Extract structured data from the " +
		"provided page content. Respond with a single JSON value and nothing else: no prose, " +
		"no code fences, no explanations."
)

// New builds the configured extraction provider. Returns nil when no
// provider is configured, which disables the json format.
func New(cfg *common.LLMConfig, logger arbor.ILogger) (interfaces.Extractor, error) {
	switch strings.ToLower(cfg.Provider) {
	case "":
		return nil, nil
	case "anthropic", "claude":
		return NewAnthropicExtractor(&cfg.Anthropic, logger)
	case "gemini", "google":
		return NewGeminiExtractor(&cfg.Gemini, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider %q (expected 'anthropic' or 'gemini')", cfg.Provider)
	}
}

// documentContent picks the richest available content body, markdown
// first, truncated to the prompt budget.
func documentContent(doc *models.Document) string {
	content := doc.Markdown
	if content == "" {
		content = doc.HTML
	}
	if content == "" {
		content = doc.RawHTML
	}
	if len(content) > maxContentChars {
		content = content[:maxContentChars]
	}
	return content
}

// buildPrompt composes the extraction prompt from the request's schema
// and prompt plus the page content.
func buildPrompt(doc *models.Document, opts models.ExtractOptions) string {
	var b strings.Builder
	if len(opts.Schema) > 0 {
		b.WriteString("Extract data from the page matching this JSON schema:\n")
		b.Write(opts.Schema)
		b.WriteString("\n\n")
	}
	if opts.Prompt != "" {
		b.WriteString(opts.Prompt)
		b.WriteString("\n\n")
	}
	if len(opts.Schema) == 0 && opts.Prompt == "" {
		b.WriteString("Extract the key information from the page as a JSON object.\n\n")
	}
	if doc.Metadata.SourceURL != "" {
		b.WriteString("Page URL: ")
		b.WriteString(doc.Metadata.SourceURL)
		b.WriteString("\n\n")
	}
	b.WriteString("Page content:\n")
	b.WriteString(documentContent(doc))
	return b.String()
}

// systemPromptFor returns the request's system prompt or the default.
// Schema extraction never carries a custom system prompt; request
// validation rejects that combination upstream.
func systemPromptFor(opts models.ExtractOptions) string {
	if opts.SystemPrompt != "" {
		return opts.SystemPrompt
	}
	return defaultSystemPrompt
}

// decodeResult recovers the JSON value from model output, tolerating
// code fences and surrounding prose that providers sometimes add despite
// instructions.
func decodeResult(text string) (json.RawMessage, error) {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		if i := strings.LastIndex(cleaned, "```"); i >= 0 {
			cleaned = cleaned[:i]
		}
		cleaned = strings.TrimSpace(cleaned)
	}

	if !json.Valid([]byte(cleaned)) {
		// Fall back to the outermost object or array inside the text.
		start := strings.IndexAny(cleaned, "{[")
		end := strings.LastIndexAny(cleaned, "}]")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("extraction output is not valid JSON")
		}
		cleaned = cleaned[start : end+1]
		if !json.Valid([]byte(cleaned)) {
			return nil, fmt.Errorf("extraction output is not valid JSON")
		}
	}
	return json.RawMessage(cleaned), nil
}
