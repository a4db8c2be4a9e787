// -----------------------------------------------------------------------
// Handler helpers - request decoding, response writing, team context
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/trawl/internal/models"
)

// maxRequestBody caps request bodies; scrape and crawl submissions are
// small JSON documents.
const maxRequestBody = 1 << 20

type contextKey string

const teamContextKey contextKey = "trawl.team"

// WithTeam stores the authenticated team on the request context.
func WithTeam(ctx context.Context, team *models.Team) context.Context {
	return context.WithValue(ctx, teamContextKey, team)
}

// TeamFrom returns the authenticated team or nil when the request skipped
// authentication.
func TeamFrom(ctx context.Context) *models.Team {
	team, _ := ctx.Value(teamContextKey).(*models.Team)
	return team
}

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		WriteError(w, http.StatusMethodNotAllowed, models.ErrCodeBadRequest, "Method not allowed")
		return false
	}
	return true
}

// RequireTeam returns the authenticated team, writing a 401 when missing.
func RequireTeam(w http.ResponseWriter, r *http.Request) (*models.Team, bool) {
	team := TeamFrom(r.Context())
	if team == nil {
		WriteError(w, http.StatusUnauthorized, models.ErrCodeUnauthorized, "Unauthorized: token missing or invalid")
		return nil, false
	}
	return team, true
}

// DecodeJSON decodes a bounded JSON request body into dst.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return models.NewBadRequestError("invalid JSON body: %v", err)
	}
	return nil
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the error body shape shared by every endpoint.
type ErrorResponse struct {
	Success bool             `json:"success"`
	Code    models.ErrorCode `json:"code,omitempty"`
	Error   string           `json:"error"`
	// ID echoes a unit or crawl id when one exists, so a timed-out caller
	// can still reference the work it submitted.
	ID string `json:"id,omitempty"`
}

// WriteError writes a classified error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, code models.ErrorCode, message string) error {
	return WriteJSON(w, statusCode, ErrorResponse{Success: false, Code: code, Error: message})
}

// WriteRequestError maps a service error to its HTTP response. Classified
// errors carry their own status; sentinels map by identity; anything else
// is a 500.
func WriteRequestError(w http.ResponseWriter, err error) error {
	var reqErr *models.RequestError
	if errors.As(err, &reqErr) {
		return WriteError(w, reqErr.Status, reqErr.Code, reqErr.Message)
	}
	switch {
	case errors.Is(err, models.ErrCrawlNotFound):
		return WriteError(w, http.StatusNotFound, models.ErrCodeNotFound, "Crawl not found")
	case errors.Is(err, models.ErrIdempotencyConflict):
		return WriteError(w, http.StatusConflict, models.ErrCodeConflict, models.ErrIdempotencyConflict.Error())
	}
	return WriteError(w, http.StatusInternalServerError, models.ErrCodeInternal, fmt.Sprintf("Internal error: %v", err))
}

// StatusForCode maps a unit failure code to the HTTP status a synchronous
// caller should see.
func StatusForCode(code models.ErrorCode) int {
	switch code {
	case models.ErrCodeTimeout:
		return http.StatusRequestTimeout
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case models.ErrCodeForbidden:
		return http.StatusForbidden
	case models.ErrCodeBadRequest:
		return http.StatusBadRequest
	case models.ErrCodeUpstream:
		return http.StatusBadGateway
	case models.ErrCodeCancelled, models.ErrCodeInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// PathID extracts the resource id from a path like /v1/crawl/{id}[/suffix].
// Returns "" when the prefix does not match or the id segment is empty.
func PathID(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	if rest == path {
		return ""
	}
	rest = strings.Trim(rest, "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// QueryInt parses an integer query parameter, falling back when absent or
// malformed.
func QueryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
