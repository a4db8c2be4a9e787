package interfaces

import (
	"context"

	"github.com/ternarybob/trawl/internal/models"
)

// CrawlEngine is the part of the crawl core the worker pool drives:
// kickoff execution and per-unit settlement. Workers never touch crawl
// records directly; every state change flows through these calls.
type CrawlEngine interface {
	// RunKickoff executes a kickoff unit: robots and sitemap enumeration,
	// seed locking, and submission of the first scrape units.
	RunKickoff(ctx context.Context, unit *models.Unit) error

	// OnUnitResult settles a completed unit: stores the page, discovers
	// links, advances counters, and finishes the crawl when done.
	OnUnitResult(ctx context.Context, unit *models.Unit, result *models.UnitResult) error

	// FailUnit settles a unit that will not be retried. Standalone units
	// publish a failed result; crawl units record the error and advance
	// the crawl.
	FailUnit(ctx context.Context, unit *models.Unit, errMsg string, code models.ErrorCode)

	// IsCancelled reports whether the unit's crawl has been cancelled,
	// letting workers skip the fetch.
	IsCancelled(ctx context.Context, crawlID string) (bool, error)
}
