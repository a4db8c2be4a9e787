package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/models"
	"github.com/ternarybob/trawl/internal/services/policy"
)

// fakeFetcher serves canned links for the seed page.
type fakeFetcher struct {
	links []string
	err   error
}

func (f *fakeFetcher) Scrape(ctx context.Context, url string, opts models.ScrapeOptions) (*models.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Document{
		Links:    f.links,
		Metadata: models.DocumentMetadata{SourceURL: url, StatusCode: 200},
	}, nil
}

func newMapFixture(t *testing.T, fetcher *fakeFetcher) *MapHandler {
	t.Helper()
	logger := common.GetLogger()
	blocklist, err := policy.DefaultBlocklist()
	require.NoError(t, err)
	sitemaps := policy.NewSitemapFetcher(logger, "trawlbot", time.Second, 100)
	return NewMapHandler(fetcher, sitemaps, blocklist, logger)
}

func doMap(t *testing.T, h *MapHandler, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/v1/map", bytes.NewReader(raw))
	r = r.WithContext(WithTeam(r.Context(), &models.Team{ID: "team-1"}))
	w := httptest.NewRecorder()
	h.MapHandler(w, r)
	return w
}

func TestMap_ReturnsSeedAndScopedLinks(t *testing.T) {
	h := newMapFixture(t, &fakeFetcher{links: []string{
		"https://example.com/docs",
		"https://example.com/docs",
		"https://example.com/pricing",
		"https://other-site.com/page",
	}})

	w := doMap(t, h, map[string]interface{}{
		"url":            "example.com",
		"ignore_sitemap": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.MapResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotEmpty(t, resp.Links)
	assert.Equal(t, "https://example.com", resp.Links[0])
	assert.Contains(t, resp.Links, "https://example.com/docs")
	assert.Contains(t, resp.Links, "https://example.com/pricing")
	assert.NotContains(t, resp.Links, "https://other-site.com/page")

	// Duplicates collapse.
	assert.Len(t, resp.Links, 3)
}

func TestMap_SearchFiltersLinks(t *testing.T) {
	h := newMapFixture(t, &fakeFetcher{links: []string{
		"https://example.com/docs/getting-started",
		"https://example.com/pricing",
		"https://example.com/docs/api",
	}})

	w := doMap(t, h, map[string]interface{}{
		"url":            "https://example.com",
		"search":         "DOCS",
		"ignore_sitemap": true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.MapResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	// The seed survives the filter; beyond it only matching links remain.
	require.Len(t, resp.Links, 3)
	assert.Equal(t, "https://example.com", resp.Links[0])
	assert.Contains(t, resp.Links, "https://example.com/docs/getting-started")
	assert.Contains(t, resp.Links, "https://example.com/docs/api")
}

func TestMap_LimitCapsResults(t *testing.T) {
	h := newMapFixture(t, &fakeFetcher{links: []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/c",
	}})

	w := doMap(t, h, map[string]interface{}{
		"url":            "https://example.com",
		"limit":          2,
		"ignore_sitemap": true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.MapResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Links, 2)
}

func TestMap_SeedFetchFailureDegradesGracefully(t *testing.T) {
	h := newMapFixture(t, &fakeFetcher{err: models.NewNetworkFetchError("https://example.com", assert.AnError)})

	w := doMap(t, h, map[string]interface{}{
		"url":            "https://example.com",
		"ignore_sitemap": true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.MapResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"https://example.com"}, resp.Links)
}

func TestMap_RejectsBlockedSeed(t *testing.T) {
	h := newMapFixture(t, &fakeFetcher{})

	w := doMap(t, h, map[string]interface{}{"url": "https://instagram.com/someone"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMap_SubdomainsNeedOptIn(t *testing.T) {
	links := []string{"https://blog.example.com/post", "https://example.com/about"}

	h := newMapFixture(t, &fakeFetcher{links: links})
	w := doMap(t, h, map[string]interface{}{
		"url":            "https://example.com",
		"ignore_sitemap": true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp models.MapResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotContains(t, resp.Links, "https://blog.example.com/post")

	w = doMap(t, h, map[string]interface{}{
		"url":                "https://example.com",
		"include_subdomains": true,
		"ignore_sitemap":     true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Links, "https://blog.example.com/post")
}
