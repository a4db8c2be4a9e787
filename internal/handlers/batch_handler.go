// -----------------------------------------------------------------------
// Batch Handler - batch scrape submission and status
// -----------------------------------------------------------------------

package handlers

import (
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/models"
	"github.com/ternarybob/trawl/internal/services/crawl"
	"github.com/ternarybob/trawl/internal/services/idempotency"
)

// maxBatchURLs caps a single batch submission.
const maxBatchURLs = 1000

// batchRequest is the POST /v1/batch/scrape body: a URL list with inline
// scrape options and an optional webhook subscription.
type batchRequest struct {
	URLs []string `json:"urls"`
	models.ScrapeOptions
	Webhook           *models.WebhookSpec `json:"webhook,omitempty"`
	ZeroDataRetention bool                `json:"zero_data_retention,omitempty"`
}

// BatchHandler serves batch scrapes. A batch is a crawl without link
// discovery: every URL is locked and submitted at creation and the same
// status machinery tracks it.
type BatchHandler struct {
	crawls      *crawl.Service
	idempotency *idempotency.Service
	logger      arbor.ILogger
}

// NewBatchHandler creates a batch scrape handler.
func NewBatchHandler(crawls *crawl.Service, idem *idempotency.Service, logger arbor.ILogger) *BatchHandler {
	return &BatchHandler{
		crawls:      crawls,
		idempotency: idem,
		logger:      logger,
	}
}

// CreateHandler handles POST /v1/batch/scrape.
func (h *BatchHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	team, ok := RequireTeam(w, r)
	if !ok {
		return
	}

	var req batchRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteRequestError(w, err)
		return
	}
	if len(req.URLs) == 0 {
		WriteError(w, http.StatusBadRequest, models.ErrCodeBadRequest, "urls is required and must not be empty")
		return
	}
	if len(req.URLs) > maxBatchURLs {
		WriteError(w, http.StatusBadRequest, models.ErrCodeBadRequest,
			fmt.Sprintf("too many urls: %d exceeds the %d per-batch limit", len(req.URLs), maxBatchURLs))
		return
	}

	key := r.Header.Get(idempotencyHeader)
	if err := h.idempotency.Validate(key); err != nil {
		WriteRequestError(w, err)
		return
	}
	if err := h.idempotency.Claim(r.Context(), team.ID, key); err != nil {
		WriteRequestError(w, err)
		return
	}

	record, err := h.crawls.Create(r.Context(), team, &crawl.Request{
		Kind:    models.CrawlKindBatch,
		URLs:    req.URLs,
		Scrape:  req.ScrapeOptions,
		Webhook: req.Webhook,
		Internal: models.InternalOptions{
			ZeroDataRetention: req.ZeroDataRetention,
		},
	})
	if err != nil {
		WriteRequestError(w, err)
		return
	}

	h.logger.Info().
		Str("crawl_id", record.ID).
		Str("team_id", team.ID).
		Int("urls", len(req.URLs)).
		Msg("Batch scrape accepted")

	WriteJSON(w, http.StatusOK, models.SubmitResponse{
		ID:  record.ID,
		URL: fmt.Sprintf("/v1/batch/scrape/%s", record.ID),
	})
}

// StatusHandler handles GET /v1/batch/scrape/{id}.
func (h *BatchHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	team, ok := RequireTeam(w, r)
	if !ok {
		return
	}
	id := PathID(r.URL.Path, "/v1/batch/scrape/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, models.ErrCodeBadRequest, "batch id is required")
		return
	}

	status, err := h.crawls.Status(r.Context(), team.ID, id, r.URL.Query().Get("next"), QueryInt(r, "limit", 0))
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// ErrorsHandler handles GET /v1/batch/scrape/{id}/errors.
func (h *BatchHandler) ErrorsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	team, ok := RequireTeam(w, r)
	if !ok {
		return
	}
	id := PathID(r.URL.Path, "/v1/batch/scrape/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, models.ErrCodeBadRequest, "batch id is required")
		return
	}

	errs, err := h.crawls.Errors(r.Context(), team.ID, id)
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, errs)
}
