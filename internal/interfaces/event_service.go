package interfaces

import (
	"context"

	"github.com/ternarybob/trawl/internal/models"
)

// Events carries live progress notifications over the shared store, so an
// API node waiting on a synchronous scrape hears about completions
// performed by any worker in the fleet.
type Events interface {
	// PublishUnitResult announces a unit's terminal outcome.
	PublishUnitResult(ctx context.Context, result *models.UnitResult) error

	// WaitUnitResult blocks until the unit finishes or ctx is done.
	WaitUnitResult(ctx context.Context, unitID string) (*models.UnitResult, error)

	// PublishCrawlEvent announces a crawl lifecycle event to watchers.
	PublishCrawlEvent(ctx context.Context, crawlID string, event *models.WebhookEvent) error

	// SubscribeCrawlEvents opens a live feed of a crawl's events.
	SubscribeCrawlEvents(ctx context.Context, crawlID string) (Subscription, error)

	// PublishCancel signals workers to abandon the crawl's in-flight units.
	PublishCancel(ctx context.Context, crawlID string) error

	// SubscribeCancel opens the crawl's cancel channel.
	SubscribeCancel(ctx context.Context, crawlID string) (Subscription, error)
}
