// -----------------------------------------------------------------------
// Scrape Handler - synchronous single-URL scrape
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/interfaces"
	"github.com/ternarybob/trawl/internal/models"
	"github.com/ternarybob/trawl/internal/services/policy"
)

const (
	// scrapeWaitMargin pads the response wait beyond the unit's own fetch
	// budget, which already covers the in-worker retry at double timeout.
	scrapeWaitMargin = 10 * time.Second

	creditsPerPage    = 1
	creditsPerExtract = 5
)

// scrapeRequest is the POST /v1/scrape body: a URL plus inline scrape
// options.
type scrapeRequest struct {
	URL string `json:"url"`
	models.ScrapeOptions
}

// ScrapeHandler serves synchronous scrapes. The unit goes through the
// same queue and worker pool as crawl pages; the handler blocks on the
// result channel and echoes the unit id on timeout so the caller can
// correlate logs.
type ScrapeHandler struct {
	scheduler interfaces.Scheduler
	events    interfaces.Events
	billing   interfaces.Billing
	blocklist *policy.Blocklist
	logger    arbor.ILogger
}

// NewScrapeHandler creates a scrape handler.
func NewScrapeHandler(scheduler interfaces.Scheduler, events interfaces.Events, billing interfaces.Billing, blocklist *policy.Blocklist, logger arbor.ILogger) *ScrapeHandler {
	return &ScrapeHandler{
		scheduler: scheduler,
		events:    events,
		billing:   billing,
		blocklist: blocklist,
		logger:    logger,
	}
}

// ScrapeHandler handles POST /v1/scrape.
func (h *ScrapeHandler) ScrapeHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	team, ok := RequireTeam(w, r)
	if !ok {
		return
	}

	var req scrapeRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteRequestError(w, err)
		return
	}
	if req.URL == "" {
		WriteError(w, http.StatusBadRequest, models.ErrCodeBadRequest, "url is required")
		return
	}

	opts := req.ScrapeOptions
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		WriteRequestError(w, err)
		return
	}

	normalized, err := policy.Normalize(policy.EnsureScheme(req.URL), false)
	if err != nil {
		WriteError(w, http.StatusBadRequest, models.ErrCodeBadRequest, fmt.Sprintf("invalid url: %v", err))
		return
	}
	if !policy.ValidHost(normalized) {
		WriteError(w, http.StatusBadRequest, models.ErrCodeBadRequest, "invalid url: host must be an IP or include a valid TLD")
		return
	}
	if h.blocklist.IsBlocked(normalized) {
		WriteError(w, http.StatusForbidden, models.ErrCodeForbidden, "URL is blocked. Trawl currently does not support scraping this site.")
		return
	}

	cost := creditsPerPage
	if opts.Extract != nil && opts.WantsFormat(models.FormatJSON) {
		cost = creditsPerExtract
	}
	if h.billing != nil {
		ok, remaining, err := h.billing.CheckCredits(r.Context(), team.ID, cost)
		if err != nil {
			WriteRequestError(w, err)
			return
		}
		if !ok {
			WriteError(w, http.StatusPaymentRequired, models.ErrCodePaymentRequired,
				fmt.Sprintf("Insufficient credits: %d remaining, %d required", remaining, cost))
			return
		}
	}

	unit := &models.Unit{
		ID:            common.NewUnitID(),
		Type:          models.UnitTypeScrape,
		TeamID:        team.ID,
		URL:           normalized,
		SourceURL:     req.URL,
		Priority:      team.BasePriority(),
		IsSingleURL:   true,
		ScrapeOptions: opts,
		CreatedAt:     time.Now().UTC(),
	}

	if err := h.scheduler.Submit(r.Context(), unit); err != nil {
		WriteRequestError(w, err)
		return
	}

	// The worker may retry once at double timeout, so the wait budget is
	// three fetch budgets plus queue slack.
	budget := opts.TimeoutDuration()*3 + scrapeWaitMargin
	waitCtx, cancel := context.WithTimeout(r.Context(), budget)
	defer cancel()

	result, err := h.events.WaitUnitResult(waitCtx, unit.ID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			h.logger.Warn().
				Str("unit_id", unit.ID).
				Str("url", normalized).
				Dur("budget", budget).
				Msg("Synchronous scrape timed out")
			WriteJSON(w, http.StatusRequestTimeout, ErrorResponse{
				Success: false,
				Code:    models.ErrCodeTimeout,
				Error:   fmt.Sprintf("Scrape did not complete within %s", budget),
				ID:      unit.ID,
			})
			return
		}
		WriteRequestError(w, err)
		return
	}

	if result.Status != models.UnitStatusCompleted {
		WriteJSON(w, StatusForCode(result.Code), ErrorResponse{
			Success: false,
			Code:    result.Code,
			Error:   result.Error,
			ID:      unit.ID,
		})
		return
	}

	WriteJSON(w, http.StatusOK, models.ScrapeResponse{
		Success: true,
		Data:    result.Document,
	})
}
