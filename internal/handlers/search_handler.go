// -----------------------------------------------------------------------
// Search Handler - web search with optional inline scraping
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/models"
	"github.com/ternarybob/trawl/internal/services/search"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 20
)

// searchRequest is the POST /v1/search body.
type searchRequest struct {
	Query         string                `json:"query"`
	Limit         int                   `json:"limit,omitempty"`
	ScrapeOptions *models.ScrapeOptions `json:"scrape_options,omitempty"`
}

// searchResponse is the POST /v1/search response body.
type searchResponse struct {
	Success bool                  `json:"success"`
	Data    []models.SearchResult `json:"data"`
}

// SearchHandler serves search queries. A nil service means no provider is
// configured and the endpoint reports itself unavailable.
type SearchHandler struct {
	search *search.Service
	logger arbor.ILogger
}

// NewSearchHandler creates a search handler.
func NewSearchHandler(searchService *search.Service, logger arbor.ILogger) *SearchHandler {
	return &SearchHandler{
		search: searchService,
		logger: logger,
	}
}

// SearchHandler handles POST /v1/search.
func (h *SearchHandler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	team, ok := RequireTeam(w, r)
	if !ok {
		return
	}
	if h.search == nil {
		WriteError(w, http.StatusNotImplemented, models.ErrCodeInternal, "search is not configured on this deployment")
		return
	}

	var req searchRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteRequestError(w, err)
		return
	}
	if req.Query == "" {
		WriteError(w, http.StatusBadRequest, models.ErrCodeBadRequest, "query is required")
		return
	}
	if req.Limit <= 0 {
		req.Limit = defaultSearchLimit
	}
	if req.Limit > maxSearchLimit {
		req.Limit = maxSearchLimit
	}
	if req.ScrapeOptions != nil {
		req.ScrapeOptions.ApplyDefaults()
		if err := req.ScrapeOptions.Validate(); err != nil {
			WriteRequestError(w, err)
			return
		}
	}

	results, err := h.search.Search(r.Context(), team, req.Query, req.Limit, req.ScrapeOptions)
	if err != nil {
		WriteRequestError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, searchResponse{
		Success: true,
		Data:    results,
	})
}
