package models

import (
	"time"
)

// EventType identifies a lifecycle webhook event.
type EventType string

const (
	EventCrawlStarted   EventType = "crawl.started"
	EventCrawlPage      EventType = "crawl.page"
	EventCrawlCompleted EventType = "crawl.completed"
	EventCrawlFailed    EventType = "crawl.failed"

	EventBatchStarted   EventType = "batch_scrape.started"
	EventBatchPage      EventType = "batch_scrape.page"
	EventBatchCompleted EventType = "batch_scrape.completed"
	EventBatchFailed    EventType = "batch_scrape.failed"
)

// PageEvent returns the page event type for the crawl kind.
func PageEvent(kind CrawlKind) EventType {
	if kind == CrawlKindBatch {
		return EventBatchPage
	}
	return EventCrawlPage
}

// StartedEvent returns the started event type for the crawl kind.
func StartedEvent(kind CrawlKind) EventType {
	if kind == CrawlKindBatch {
		return EventBatchStarted
	}
	return EventCrawlStarted
}

// CompletedEvent returns the completed event type for the crawl kind.
func CompletedEvent(kind CrawlKind) EventType {
	if kind == CrawlKindBatch {
		return EventBatchCompleted
	}
	return EventCrawlCompleted
}

// FailedEvent returns the failed event type for the crawl kind.
func FailedEvent(kind CrawlKind) EventType {
	if kind == CrawlKindBatch {
		return EventBatchFailed
	}
	return EventCrawlFailed
}

// WebhookEvent is the POST body delivered to the client's webhook.
// Delivery is at-least-once; EventID lets receivers deduplicate replays.
type WebhookEvent struct {
	Type      EventType              `json:"type"`
	ID        string                 `json:"id"`
	EventID   string                 `json:"event_id"`
	Success   bool                   `json:"success"`
	Data      []Document             `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
