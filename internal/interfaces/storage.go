// -----------------------------------------------------------------------
// Storage Manager - composite interface for all storage operations
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/trawl/internal/models"
)

// CrawlStore persists crawl records and their page results.
type CrawlStore interface {
	// SaveCrawl inserts or updates a crawl record.
	SaveCrawl(ctx context.Context, crawl *models.CrawlRecord) error

	// GetCrawl retrieves a crawl record, models.ErrCrawlNotFound if missing.
	GetCrawl(ctx context.Context, id string) (*models.CrawlRecord, error)

	// ListOngoing returns a team's crawls still in the scraping state.
	ListOngoing(ctx context.Context, teamID string) ([]*models.CrawlRecord, error)

	// AddResult appends a finished unit's result to the crawl.
	AddResult(ctx context.Context, crawlID string, result *models.UnitResult) error

	// ListResults pages through results after the cursor, oldest first.
	// Returns the next cursor, empty when the listing is exhausted.
	ListResults(ctx context.Context, crawlID string, cursor string, limit int) ([]*models.UnitResult, string, error)

	// CountResults returns how many results the crawl has stored.
	CountResults(ctx context.Context, crawlID string) (int, error)

	// PurgeExpired deletes terminal crawls (and their results) finished
	// before the cutoff. Returns how many crawls were removed.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	KV() KVStore
	Crawls() CrawlStore
	Close() error
}
