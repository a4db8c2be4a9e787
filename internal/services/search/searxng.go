// -----------------------------------------------------------------------
// Search - SearxNG-compatible provider adapter
// -----------------------------------------------------------------------

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/models"
)

const (
	defaultProviderTimeout = 15 * time.Second
	defaultMaxResults      = 20
)

// SearxNG queries a SearxNG-compatible JSON search endpoint.
type SearxNG struct {
	baseURL    string
	maxResults int
	httpClient *http.Client
	logger     arbor.ILogger
}

// NewSearxNG builds the provider. Returns nil when no endpoint is
// configured, which disables the search API.
func NewSearxNG(cfg *common.SearchConfig, logger arbor.ILogger) *SearxNG {
	if cfg.URL == "" {
		return nil
	}

	timeout := defaultProviderTimeout
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	return &SearxNG{
		baseURL:    cfg.URL,
		maxResults: maxResults,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// searxResponse is the subset of the SearxNG JSON payload we consume.
type searxResponse struct {
	Results []struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search runs the query and returns up to limit hits.
func (s *SearxNG) Search(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	if limit <= 0 || limit > s.maxResults {
		limit = s.maxResults
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	fullURL := fmt.Sprintf("%s/search?%s", s.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call search provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var apiResp searxResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := make([]models.SearchResult, 0, limit)
	for _, hit := range apiResp.Results {
		if hit.URL == "" {
			continue
		}
		results = append(results, models.SearchResult{
			Title:       hit.Title,
			Description: hit.Content,
			URL:         hit.URL,
		})
		if len(results) >= limit {
			break
		}
	}

	s.logger.Debug().
		Str("query", query).
		Int("results", len(results)).
		Msg("Search provider query completed")

	return results, nil
}
