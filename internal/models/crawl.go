package models

import (
	"time"
)

// CrawlState represents the lifecycle state of a crawl or batch scrape.
// A crawl starts in Scraping and moves to exactly one terminal state.
type CrawlState string

const (
	CrawlStateScraping  CrawlState = "scraping"
	CrawlStateCompleted CrawlState = "completed"
	CrawlStateFailed    CrawlState = "failed"
	CrawlStateCancelled CrawlState = "cancelled"
)

// IsTerminal reports whether the state is final. Terminal states never
// transition again.
func (s CrawlState) IsTerminal() bool {
	switch s {
	case CrawlStateCompleted, CrawlStateFailed, CrawlStateCancelled:
		return true
	}
	return false
}

// CrawlKind distinguishes link-discovering crawls from batch scrapes.
type CrawlKind string

const (
	CrawlKindCrawl CrawlKind = "crawl"
	CrawlKindBatch CrawlKind = "batch_scrape"
)

// WebhookSpec is the client's webhook subscription for a crawl.
type WebhookSpec struct {
	URL      string                 `json:"url" validate:"required,url"`
	Headers  map[string]string      `json:"headers,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	// Events filters delivery; empty means all events.
	Events []string `json:"events,omitempty"`
}

// CrawlRecord is the shared crawl state persisted in storage so any worker
// in a fleet can advance the crawl. Visited/locked URL sets and counters
// live in dedicated KV keys, not on the record.
type CrawlRecord struct {
	ID     string     `json:"id" badgerhold:"key"`
	Kind   CrawlKind  `json:"kind"`
	TeamID string     `json:"team_id" badgerhold:"index"`
	Plan   string     `json:"plan,omitempty"`
	State  CrawlState `json:"state" badgerhold:"index"`

	// URL is the seed exactly as submitted; OriginURL is its normalized form
	// used for scoping and deduplication.
	URL       string `json:"url"`
	OriginURL string `json:"origin_url"`

	Options       CrawlerOptions  `json:"options"`
	ScrapeOptions ScrapeOptions   `json:"scrape_options"`
	Internal      InternalOptions `json:"internal_options"`
	Webhook       *WebhookSpec    `json:"webhook,omitempty"`

	// RobotsTxt is the robots.txt body fetched at kickoff, cached on the
	// record so every worker applies the same rules.
	RobotsTxt string `json:"robots_txt,omitempty"`

	// KickoffFinished is set once seeding (origin + sitemap) is done. The
	// completion evaluator only considers the crawl finishable after this.
	KickoffFinished bool `json:"kickoff_finished"`

	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// IsCancelled reports whether the crawl was cancelled.
func (c *CrawlRecord) IsCancelled() bool {
	return c.State == CrawlStateCancelled
}

// CrawlCounters is the live progress snapshot assembled from KV counters.
type CrawlCounters struct {
	Total       int `json:"total"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	CreditsUsed int `json:"credits_used"`
}

// CrawlStatus is the response shape for status polling. Cancelled and
// failed crawls keep their completed pages in PartialData with Data empty.
type CrawlStatus struct {
	ID          string     `json:"id"`
	Status      CrawlState `json:"status"`
	Total       int        `json:"total"`
	Completed   int        `json:"completed"`
	Failed      int        `json:"failed"`
	CreditsUsed int        `json:"credits_used"`
	ExpiresAt   time.Time  `json:"expires_at,omitempty"`
	Next        string     `json:"next,omitempty"`
	Data        []Document `json:"data"`
	PartialData []Document `json:"partial_data,omitempty"`
}

// CrawlErrorsResponse lists per-unit failures and robots-blocked URLs.
type CrawlErrorsResponse struct {
	Errors        []UnitError `json:"errors"`
	RobotsBlocked []string    `json:"robots_blocked"`
}

// UnitError is one failed unit in a crawl error listing.
type UnitError struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Error     string    `json:"error"`
	Code      ErrorCode `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
