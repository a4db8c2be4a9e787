package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/trawl/internal/models"
)

func TestPathID(t *testing.T) {
	tests := []struct {
		path   string
		prefix string
		want   string
	}{
		{"/v1/crawl/abc-123", "/v1/crawl/", "abc-123"},
		{"/v1/crawl/abc-123/errors", "/v1/crawl/", "abc-123"},
		{"/v1/crawl/abc-123/", "/v1/crawl/", "abc-123"},
		{"/v1/crawl/", "/v1/crawl/", ""},
		{"/v1/batch/scrape/xyz", "/v1/batch/scrape/", "xyz"},
		{"/other/path", "/v1/crawl/", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, PathID(tc.path, tc.prefix), "path %q", tc.path)
	}
}

func TestQueryInt(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/crawl/x?limit=25&bad=oops&neg=-3", nil)

	assert.Equal(t, 25, QueryInt(r, "limit", 10))
	assert.Equal(t, 10, QueryInt(r, "missing", 10))
	assert.Equal(t, 10, QueryInt(r, "bad", 10))
	assert.Equal(t, 10, QueryInt(r, "neg", 10))
}

func TestTeamContext(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, TeamFrom(r.Context()))

	team := &models.Team{ID: "team-1"}
	ctx := WithTeam(r.Context(), team)
	assert.Equal(t, team, TeamFrom(ctx))
}

func TestRequireTeam_WritesUnauthorized(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	_, ok := RequireTeam(w, r)
	assert.False(t, ok)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, models.ErrCodeUnauthorized, body.Code)
}

func TestRequireMethod(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/scrape", nil)

	assert.False(t, RequireMethod(w, r, http.MethodPost))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/v1/scrape", nil)
	assert.True(t, RequireMethod(w, r, http.MethodPost))
}

func TestDecodeJSON_RejectsMalformedBody(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json"))

	var dst map[string]interface{}
	err := DecodeJSON(w, r, &dst)
	var reqErr *models.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusBadRequest, reqErr.Status)
}

func TestWriteRequestError_MapsKnownErrors(t *testing.T) {
	w := httptest.NewRecorder()
	WriteRequestError(w, models.NewRequestError(models.ErrCodePaymentRequired, http.StatusPaymentRequired, "no credits"))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = httptest.NewRecorder()
	WriteRequestError(w, models.ErrCrawlNotFound)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	WriteRequestError(w, models.ErrIdempotencyConflict)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	WriteRequestError(w, assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestStatusForCode(t *testing.T) {
	assert.Equal(t, http.StatusRequestTimeout, StatusForCode(models.ErrCodeTimeout))
	assert.Equal(t, http.StatusTooManyRequests, StatusForCode(models.ErrCodeRateLimited))
	assert.Equal(t, http.StatusForbidden, StatusForCode(models.ErrCodeForbidden))
	assert.Equal(t, http.StatusBadRequest, StatusForCode(models.ErrCodeBadRequest))
	assert.Equal(t, http.StatusBadGateway, StatusForCode(models.ErrCodeUpstream))
	assert.Equal(t, http.StatusInternalServerError, StatusForCode(models.ErrCodeInternal))
	assert.Equal(t, http.StatusInternalServerError, StatusForCode(models.ErrorCode("unknown")))
}
