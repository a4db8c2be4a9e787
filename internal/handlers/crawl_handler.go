// -----------------------------------------------------------------------
// Crawl Handler - crawl submission, status, errors, cancel, ongoing
// -----------------------------------------------------------------------

package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/models"
	"github.com/ternarybob/trawl/internal/services/crawl"
	"github.com/ternarybob/trawl/internal/services/idempotency"
)

// idempotencyHeader carries the client's replay-protection key.
const idempotencyHeader = "x-idempotency-key"

// crawlRequest is the POST /v1/crawl body: a seed URL, inline crawler
// options, and optional nested scrape options and webhook subscription.
type crawlRequest struct {
	URL string `json:"url"`
	models.CrawlerOptions
	ScrapeOptions     *models.ScrapeOptions `json:"scrape_options,omitempty"`
	Webhook           *models.WebhookSpec   `json:"webhook,omitempty"`
	ZeroDataRetention bool                  `json:"zero_data_retention,omitempty"`
}

// CrawlHandler serves the crawl lifecycle endpoints.
type CrawlHandler struct {
	crawls      *crawl.Service
	idempotency *idempotency.Service
	logger      arbor.ILogger
}

// NewCrawlHandler creates a crawl handler.
func NewCrawlHandler(crawls *crawl.Service, idem *idempotency.Service, logger arbor.ILogger) *CrawlHandler {
	return &CrawlHandler{
		crawls:      crawls,
		idempotency: idem,
		logger:      logger,
	}
}

// CreateHandler handles POST /v1/crawl.
func (h *CrawlHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	team, ok := RequireTeam(w, r)
	if !ok {
		return
	}

	var req crawlRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteRequestError(w, err)
		return
	}
	if req.URL == "" {
		WriteError(w, http.StatusBadRequest, models.ErrCodeBadRequest, "url is required")
		return
	}

	key := r.Header.Get(idempotencyHeader)
	if err := h.idempotency.Validate(key); err != nil {
		WriteRequestError(w, err)
		return
	}

	createReq := &crawl.Request{
		Kind:    models.CrawlKindCrawl,
		SeedURL: req.URL,
		Crawler: req.CrawlerOptions,
		Webhook: req.Webhook,
		Internal: models.InternalOptions{
			ZeroDataRetention: req.ZeroDataRetention,
		},
	}
	if req.ScrapeOptions != nil {
		createReq.Scrape = *req.ScrapeOptions
	}

	// Claim the key before creating; the loser of a concurrent replay
	// gets 409 and the crawl is created exactly once.
	if err := h.idempotency.Claim(r.Context(), team.ID, key); err != nil {
		WriteRequestError(w, err)
		return
	}

	record, err := h.crawls.Create(r.Context(), team, createReq)
	if err != nil {
		WriteRequestError(w, err)
		return
	}

	h.logger.Info().
		Str("crawl_id", record.ID).
		Str("team_id", team.ID).
		Str("url", record.URL).
		Int("limit", record.Options.Limit).
		Msg("Crawl accepted")

	WriteJSON(w, http.StatusOK, models.SubmitResponse{
		ID:  record.ID,
		URL: fmt.Sprintf("/v1/crawl/%s", record.ID),
	})
}

// StatusHandler handles GET /v1/crawl/{id} with cursor pagination.
func (h *CrawlHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	team, ok := RequireTeam(w, r)
	if !ok {
		return
	}
	id := PathID(r.URL.Path, "/v1/crawl/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, models.ErrCodeBadRequest, "crawl id is required")
		return
	}

	cursor := r.URL.Query().Get("next")
	limit := QueryInt(r, "limit", 0)

	status, err := h.crawls.Status(r.Context(), team.ID, id, cursor, limit)
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// ErrorsHandler handles GET /v1/crawl/{id}/errors.
func (h *CrawlHandler) ErrorsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	team, ok := RequireTeam(w, r)
	if !ok {
		return
	}
	id := PathID(r.URL.Path, "/v1/crawl/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, models.ErrCodeBadRequest, "crawl id is required")
		return
	}

	errs, err := h.crawls.Errors(r.Context(), team.ID, id)
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, errs)
}

// CancelHandler handles DELETE /v1/crawl/{id}.
func (h *CrawlHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}
	team, ok := RequireTeam(w, r)
	if !ok {
		return
	}
	id := PathID(r.URL.Path, "/v1/crawl/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, models.ErrCodeBadRequest, "crawl id is required")
		return
	}

	if err := h.crawls.Cancel(r.Context(), team.ID, id); err != nil {
		WriteRequestError(w, err)
		return
	}

	h.logger.Info().
		Str("crawl_id", id).
		Str("team_id", team.ID).
		Msg("Crawl cancelled by client")

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  models.CrawlStateCancelled,
	})
}

// ongoingCrawl is one entry in the ongoing-crawls listing.
type ongoingCrawl struct {
	ID        string                `json:"id"`
	Kind      models.CrawlKind      `json:"kind"`
	URL       string                `json:"url"`
	Options   models.CrawlerOptions `json:"options"`
	CreatedAt time.Time             `json:"created_at"`
}

// OngoingHandler handles GET /v1/crawl/ongoing.
func (h *CrawlHandler) OngoingHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	team, ok := RequireTeam(w, r)
	if !ok {
		return
	}

	records, err := h.crawls.Ongoing(r.Context(), team.ID)
	if err != nil {
		WriteRequestError(w, err)
		return
	}

	crawls := make([]ongoingCrawl, 0, len(records))
	for _, rec := range records {
		crawls = append(crawls, ongoingCrawl{
			ID:        rec.ID,
			Kind:      rec.Kind,
			URL:       rec.URL,
			Options:   rec.Options,
			CreatedAt: rec.CreatedAt,
		})
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"crawls":  crawls,
	})
}
