package interfaces

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/trawl/internal/models"
)

// Extractor produces structured JSON from page content using an LLM
// provider. Implementations exist for Anthropic and Gemini; which one is
// active is a config decision.
type Extractor interface {
	// Extract applies the extract options (schema and/or prompt) to the
	// document's content and returns the structured result.
	Extract(ctx context.Context, doc *models.Document, opts models.ExtractOptions) (json.RawMessage, error)

	// HealthCheck verifies the provider is reachable and authenticated.
	HealthCheck(ctx context.Context) error
}
