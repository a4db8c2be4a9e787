// -----------------------------------------------------------------------
// Routes - API surface wiring
// -----------------------------------------------------------------------

package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/trawl/internal/handlers"
	"github.com/ternarybob/trawl/internal/metrics"
	"github.com/ternarybob/trawl/internal/models"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Operational endpoints (no auth)
	mux.HandleFunc("/health", s.app.StatusHandler.HealthHandler)
	mux.HandleFunc("/ready", s.app.StatusHandler.ReadyHandler)
	mux.HandleFunc("/version", s.app.StatusHandler.VersionHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/docs", s.app.DocsHandler.DocsHandler)

	// API v1 - authenticated, rate limited per team
	mux.HandleFunc("/v1/scrape", s.authenticated(s.app.ScrapeHandler.ScrapeHandler))
	mux.HandleFunc("/v1/map", s.authenticated(s.app.MapHandler.MapHandler))
	mux.HandleFunc("/v1/search", s.authenticated(s.app.SearchHandler.SearchHandler))

	mux.HandleFunc("/v1/crawl", s.authenticated(s.app.CrawlHandler.CreateHandler))
	mux.HandleFunc("/v1/crawl/", s.authenticated(s.handleCrawlRoutes)) // /{id}, /{id}/errors, /{id}/ws, /ongoing

	mux.HandleFunc("/v1/batch/scrape", s.authenticated(s.app.BatchHandler.CreateHandler))
	mux.HandleFunc("/v1/batch/scrape/", s.authenticated(s.handleBatchRoutes)) // /{id}, /{id}/errors

	return mux
}

// handleCrawlRoutes dispatches /v1/crawl/{...} sub-paths.
func (s *Server) handleCrawlRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/crawl/"), "/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] == "ongoing":
		s.app.CrawlHandler.OngoingHandler(w, r)

	case len(parts) == 1 && parts[0] != "":
		// GET /v1/crawl/{id} or DELETE /v1/crawl/{id}
		if r.Method == http.MethodDelete {
			s.app.CrawlHandler.CancelHandler(w, r)
			return
		}
		s.app.CrawlHandler.StatusHandler(w, r)

	case len(parts) == 2 && parts[1] == "errors":
		s.app.CrawlHandler.ErrorsHandler(w, r)

	case len(parts) == 2 && parts[1] == "ws":
		s.app.WSHandler.StreamHandler(w, r)

	default:
		handlers.WriteError(w, http.StatusNotFound, models.ErrCodeNotFound, "Not found")
	}
}

// handleBatchRoutes dispatches /v1/batch/scrape/{...} sub-paths.
func (s *Server) handleBatchRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/batch/scrape/"), "/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		s.app.BatchHandler.StatusHandler(w, r)

	case len(parts) == 2 && parts[1] == "errors":
		s.app.BatchHandler.ErrorsHandler(w, r)

	default:
		handlers.WriteError(w, http.StatusNotFound, models.ErrCodeNotFound, "Not found")
	}
}
