package models

import (
	"encoding/json"
	"time"
)

// Document is a scraped page in the formats the client requested.
// PRIMARY CONTENT FORMAT: Markdown (Markdown field).
type Document struct {
	Markdown   string          `json:"markdown,omitempty"`
	HTML       string          `json:"html,omitempty"`
	RawHTML    string          `json:"raw_html,omitempty"`
	Links      []string        `json:"links,omitempty"`
	Screenshot string          `json:"screenshot,omitempty"`
	JSON       json.RawMessage `json:"json,omitempty"`

	Metadata DocumentMetadata `json:"metadata"`
}

// DocumentMetadata carries page-level metadata alongside the content.
type DocumentMetadata struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Language    string `json:"language,omitempty"`

	// SourceURL is the URL exactly as submitted or discovered; URL is the
	// final location after redirects.
	SourceURL string `json:"source_url"`
	URL       string `json:"url,omitempty"`

	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Error       string `json:"error,omitempty"`

	// NumPages is set for PDF documents.
	NumPages int `json:"num_pages,omitempty"`

	ProxyUsed   string    `json:"proxy_used,omitempty"`
	CreditsUsed int       `json:"credits_used,omitempty"`
	ScrapedAt   time.Time `json:"scraped_at,omitempty"`
}

// ScrapeResponse is the synchronous scrape response body.
type ScrapeResponse struct {
	Success bool      `json:"success"`
	Data    *Document `json:"data,omitempty"`
	Error   string    `json:"error,omitempty"`
	Code    ErrorCode `json:"code,omitempty"`
}

// SubmitResponse acknowledges an async crawl or batch submission.
type SubmitResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// MapResponse is the response for URL discovery without scraping.
type MapResponse struct {
	Success bool     `json:"success"`
	Links   []string `json:"links"`
}

// SearchResult is one hit from the search provider, optionally scraped.
type SearchResult struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url"`
	Document    *Document `json:"document,omitempty"`
}
