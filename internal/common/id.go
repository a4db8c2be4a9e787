package common

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewCrawlID generates a unique crawl/batch job ID.
func NewCrawlID() string {
	return uuid.New().String()
}

// NewUnitID generates a unique unit-of-work ID. ULIDs sort by creation
// time, which keeps result pagination cursors monotone.
func NewUnitID() string {
	return ulid.Make().String()
}

// NewEventID generates a unique webhook event ID for receiver-side
// deduplication of at-least-once deliveries.
func NewEventID() string {
	return ulid.Make().String()
}
