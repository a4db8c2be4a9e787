// -----------------------------------------------------------------------
// Map Handler - URL discovery without scraping
// -----------------------------------------------------------------------

package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/interfaces"
	"github.com/ternarybob/trawl/internal/models"
	"github.com/ternarybob/trawl/internal/services/policy"
)

const (
	defaultMapLimit = 5000
	maxMapLimit     = 30000

	// mapFetchTimeout bounds the seed page fetch; sitemap fetching has its
	// own budget inside the fetcher.
	mapFetchTimeout = 15 * time.Second
)

// mapRequest is the POST /v1/map body.
type mapRequest struct {
	URL               string `json:"url"`
	Search            string `json:"search,omitempty"`
	Limit             int    `json:"limit,omitempty"`
	IgnoreSitemap     bool   `json:"ignore_sitemap,omitempty"`
	IncludeSubdomains bool   `json:"include_subdomains,omitempty"`
}

// MapHandler enumerates a site's URLs from the seed page's links and its
// sitemap, filtered by the same policy a crawl would apply, without
// scraping anything.
type MapHandler struct {
	fetcher   interfaces.Fetcher
	sitemaps  *policy.SitemapFetcher
	blocklist *policy.Blocklist
	logger    arbor.ILogger
}

// NewMapHandler creates a map handler.
func NewMapHandler(fetcher interfaces.Fetcher, sitemaps *policy.SitemapFetcher, blocklist *policy.Blocklist, logger arbor.ILogger) *MapHandler {
	return &MapHandler{
		fetcher:   fetcher,
		sitemaps:  sitemaps,
		blocklist: blocklist,
		logger:    logger,
	}
}

// MapHandler handles POST /v1/map.
func (h *MapHandler) MapHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if _, ok := RequireTeam(w, r); !ok {
		return
	}

	var req mapRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteRequestError(w, err)
		return
	}
	if req.URL == "" {
		WriteError(w, http.StatusBadRequest, models.ErrCodeBadRequest, "url is required")
		return
	}
	if req.Limit <= 0 {
		req.Limit = defaultMapLimit
	}
	if req.Limit > maxMapLimit {
		req.Limit = maxMapLimit
	}

	seed, err := policy.Normalize(policy.EnsureScheme(req.URL), false)
	if err != nil {
		WriteError(w, http.StatusBadRequest, models.ErrCodeBadRequest, fmt.Sprintf("invalid url: %v", err))
		return
	}
	if !policy.ValidHost(seed) {
		WriteError(w, http.StatusBadRequest, models.ErrCodeBadRequest, "invalid url: host must be an IP or include a valid TLD")
		return
	}
	if h.blocklist.IsBlocked(seed) {
		WriteError(w, http.StatusForbidden, models.ErrCodeForbidden, "URL is blocked. Trawl currently does not support scraping this site.")
		return
	}

	scope, err := policy.NewScope(seed, models.CrawlerOptions{
		AllowSubdomains:    req.IncludeSubdomains,
		AllowBackwardLinks: true,
	})
	if err != nil {
		WriteError(w, http.StatusBadRequest, models.ErrCodeBadRequest, fmt.Sprintf("invalid url: %v", err))
		return
	}

	var candidates []string

	// The seed page's own links come first; a failed fetch degrades to
	// sitemap-only discovery.
	onlyMain := false
	doc, err := h.fetcher.Scrape(r.Context(), seed, models.ScrapeOptions{
		Formats:         []string{models.FormatLinks},
		OnlyMainContent: &onlyMain,
		Timeout:         int(mapFetchTimeout / time.Millisecond),
	})
	if err != nil {
		h.logger.Debug().Err(err).Str("url", seed).Msg("Map seed fetch failed, falling back to sitemap")
	} else {
		candidates = append(candidates, doc.Links...)
	}

	if !req.IgnoreSitemap {
		candidates = append(candidates, h.sitemaps.Fetch(r.Context(), seed, "")...)
	}

	search := strings.ToLower(strings.TrimSpace(req.Search))
	seen := map[string]struct{}{seed: {}}
	links := []string{seed}
	for _, raw := range candidates {
		if len(links) >= req.Limit {
			break
		}
		normalized, err := policy.Normalize(raw, false)
		if err != nil {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		if h.blocklist.IsBlocked(normalized) {
			continue
		}
		if !scope.Check(normalized, 1).Allowed() {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(normalized), search) {
			continue
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
	}

	h.logger.Debug().
		Str("url", seed).
		Int("links", len(links)).
		Msg("Map completed")

	WriteJSON(w, http.StatusOK, models.MapResponse{
		Success: true,
		Links:   links,
	})
}
