package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/storage/badger"
)

func newStatusFixture(t *testing.T) *StatusHandler {
	t.Helper()
	logger := common.GetLogger()
	manager, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return NewStatusHandler(manager, logger)
}

func TestHealth_ReportsOK(t *testing.T) {
	h := newStatusFixture(t)

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.HealthHandler(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["version"])
}

func TestReady_ProbesStorage(t *testing.T) {
	h := newStatusFixture(t)

	r := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	h.ReadyHandler(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestVersion_ReturnsBuildInfo(t *testing.T) {
	h := newStatusFixture(t)

	r := httptest.NewRequest(http.MethodGet, "/version", nil)
	w := httptest.NewRecorder()
	h.VersionHandler(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body["version"])
}
