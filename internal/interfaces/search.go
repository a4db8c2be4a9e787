package interfaces

import (
	"context"

	"github.com/ternarybob/trawl/internal/models"
)

// SearchProvider queries an external web search engine.
type SearchProvider interface {
	Search(ctx context.Context, query string, limit int) ([]models.SearchResult, error)
}
