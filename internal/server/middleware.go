// -----------------------------------------------------------------------
// Middleware - recovery, CORS, logging, metrics, auth, rate limiting
// -----------------------------------------------------------------------

package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ternarybob/trawl/internal/handlers"
	"github.com/ternarybob/trawl/internal/metrics"
	"github.com/ternarybob/trawl/internal/models"
)

// withMiddleware wraps the router with middleware chain
func (s *Server) withMiddleware(handler http.Handler) http.Handler {
	// Apply middleware in reverse order (last applied = first executed)
	handler = s.recoveryMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = s.metricsMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	return handler
}

// loggingMiddleware logs HTTP requests and responses
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		s.app.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("HTTP request")
	})
}

// metricsMiddleware records request counts and latency by route.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeLabel(r.URL.Path)
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// routeLabel collapses resource ids so metric cardinality stays bounded.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "/"
	}
	if parts[0] != "v1" {
		return "/" + parts[0]
	}
	if len(parts) >= 2 && parts[1] == "batch" {
		switch len(parts) {
		case 3:
			return "/v1/batch/scrape"
		case 4:
			return "/v1/batch/scrape/{id}"
		default:
			return "/v1/batch/scrape/{id}/" + parts[4]
		}
	}
	if parts[1] == "crawl" {
		switch {
		case len(parts) == 2:
			return "/v1/crawl"
		case len(parts) == 3 && parts[2] == "ongoing":
			return "/v1/crawl/ongoing"
		case len(parts) == 3:
			return "/v1/crawl/{id}"
		default:
			return "/v1/crawl/{id}/" + parts[3]
		}
	}
	return "/v1/" + parts[1]
}

// corsMiddleware handles CORS headers for browser clients
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, x-idempotency-key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware recovers from panics and returns 500 error
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.app.Logger.Error().
					Str("error", fmt.Sprintf("%v", err)).
					Str("path", r.URL.Path).
					Msg("Panic recovered")

				handlers.WriteError(w, http.StatusInternalServerError, models.ErrCodeInternal, "Internal server error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// authenticated resolves the request's token to a team, applies the
// team's rate limit, and stores the team on the context.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		team, err := s.app.AuthService.Authenticate(r.Context(), extractToken(r))
		if err != nil {
			handlers.WriteRequestError(w, err)
			return
		}

		if s.rps > 0 && !s.limiterFor(team.ID).Allow() {
			handlers.WriteError(w, http.StatusTooManyRequests, models.ErrCodeRateLimited,
				"Rate limit exceeded, please slow down")
			return
		}

		next(w, r.WithContext(handlers.WithTeam(r.Context(), team)))
	}
}

// extractToken pulls the API credential from the Authorization header,
// the X-API-Key header, or the api_key query parameter. The query form
// exists for WebSocket clients that cannot set headers.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
		return auth
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// limiterFor returns the team's request limiter, creating it on first use.
func (s *Server) limiterFor(teamID string) *rate.Limiter {
	if v, ok := s.limiters.Load(teamID); ok {
		return v.(*rate.Limiter)
	}
	burst := s.burst
	if burst <= 0 {
		burst = int(s.rps)
		if burst < 1 {
			burst = 1
		}
	}
	limiter := rate.NewLimiter(rate.Limit(s.rps), burst)
	actual, _ := s.limiters.LoadOrStore(teamID, limiter)
	return actual.(*rate.Limiter)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack implements http.Hijacker interface for WebSocket support
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("responseWriter does not implement http.Hijacker")
}
