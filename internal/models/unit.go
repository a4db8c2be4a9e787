package models

import (
	"encoding/json"
	"time"
)

// UnitType routes a queued unit to its worker handler.
type UnitType string

const (
	// UnitTypeKickoff seeds a crawl: fetches robots/sitemap and locks the
	// initial frontier.
	UnitTypeKickoff UnitType = "kickoff"
	// UnitTypeScrape fetches a single URL and records its result.
	UnitTypeScrape UnitType = "scrape"
)

// UnitStatus tracks a unit through the queue.
type UnitStatus string

const (
	UnitStatusQueued    UnitStatus = "queued"
	UnitStatusActive    UnitStatus = "active"
	UnitStatusCompleted UnitStatus = "completed"
	UnitStatusFailed    UnitStatus = "failed"
	UnitStatusCancelled UnitStatus = "cancelled"
)

// Unit is the unit of work flowing through the job queue. Self-contained:
// a worker needs nothing beyond the unit and shared KV state to execute it.
type Unit struct {
	ID     string   `json:"id"`
	Type   UnitType `json:"type"`
	TeamID string   `json:"team_id"`

	// URL is the normalized fetch target; SourceURL preserves the exact
	// string that produced it, and is what results report back.
	URL       string `json:"url"`
	SourceURL string `json:"source_url,omitempty"`

	// CrawlID ties the unit to its crawl; empty for standalone scrapes.
	CrawlID string    `json:"crawl_id,omitempty"`
	Kind    CrawlKind `json:"kind,omitempty"`

	// Priority orders reservation; lower reserves first.
	Priority int `json:"priority"`

	// DiscoveryDepth counts link hops from the seed, independent of URL
	// path depth.
	DiscoveryDepth int `json:"discovery_depth,omitempty"`

	// IsSingleURL marks a synchronous single-URL submission, which gets one
	// in-worker retry at double timeout.
	IsSingleURL bool `json:"is_single_url,omitempty"`

	ScrapeOptions ScrapeOptions   `json:"scrape_options"`
	Internal      InternalOptions `json:"internal_options"`
	Webhook       *WebhookSpec    `json:"webhook,omitempty"`

	AttemptCount int       `json:"attempt_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// UnitResult is the stored outcome of a finished unit. URL echoes the
// unit's submitted URL so error listings stay useful when no document
// was produced.
type UnitResult struct {
	UnitID      string     `json:"unit_id"`
	CrawlID     string     `json:"crawl_id,omitempty"`
	URL         string     `json:"url,omitempty"`
	Status      UnitStatus `json:"status"`
	Document    *Document  `json:"document,omitempty"`
	Error       string     `json:"error,omitempty"`
	Code        ErrorCode  `json:"code,omitempty"`
	CreditsUsed int        `json:"credits_used"`
	FinishedAt  time.Time  `json:"finished_at"`
}

// Marshal serializes the unit for queue storage.
func (u *Unit) Marshal() ([]byte, error) {
	return json.Marshal(u)
}

// UnmarshalUnit deserializes a unit from queue storage.
func UnmarshalUnit(data []byte) (*Unit, error) {
	var u Unit
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, err
	}
	return &u, nil
}
