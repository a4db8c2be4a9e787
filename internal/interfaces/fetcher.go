package interfaces

import (
	"context"

	"github.com/ternarybob/trawl/internal/models"
)

// Fetcher turns a URL into a Document in the formats the options request.
// Implementations classify failures as *models.FetchError so callers can
// route retriable errors back through the queue.
type Fetcher interface {
	// Scrape fetches the URL and produces the requested formats. The
	// options' timeout bounds the whole operation; ctx cancellation
	// aborts it early.
	Scrape(ctx context.Context, url string, opts models.ScrapeOptions) (*models.Document, error)
}
