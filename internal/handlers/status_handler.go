// -----------------------------------------------------------------------
// Status Handler - health, readiness and version endpoints
// -----------------------------------------------------------------------

package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/interfaces"
	"github.com/ternarybob/trawl/internal/models"
)

// StatusHandler serves liveness, readiness and version probes.
type StatusHandler struct {
	storage interfaces.StorageManager
	logger  arbor.ILogger
	started time.Time
}

// NewStatusHandler creates a status handler.
func NewStatusHandler(storage interfaces.StorageManager, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		storage: storage,
		logger:  logger,
		started: time.Now(),
	}
}

// HealthHandler handles GET /health. Liveness only; it never touches
// storage.
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": common.GetVersion(),
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}

// ReadyHandler handles GET /ready. Readiness probes the KV store with a
// harmless read; a missing key is a healthy answer.
func (h *StatusHandler) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	_, err := h.storage.KV().Get(r.Context(), "ready:probe")
	if err != nil && !errors.Is(err, interfaces.ErrKeyNotFound) {
		h.logger.Warn().Err(err).Msg("Readiness probe failed")
		WriteError(w, http.StatusServiceUnavailable, models.ErrCodeInternal, "storage unavailable")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// VersionHandler handles GET /version.
func (h *StatusHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}
