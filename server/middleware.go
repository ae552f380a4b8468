package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const bearerPrefix = "Bearer "

// AuthMiddleware requires "Authorization: Bearer <token>" matching token
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, bearerPrefix) {
				writeError(w, http.StatusUnauthorized, "Missing or malformed Authorization header", codeUnauthorized)
				return
			}

			provided := []byte(header[len(bearerPrefix):])
			if subtle.ConstantTimeCompare(provided, expected) != 1 {
				writeError(w, http.StatusUnauthorized, "Invalid authorization token", codeUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger attaches a request scoped logger and, unless quiet, logs
// one line per request once it completes
func requestLogger(logger zerolog.Logger, quiet bool) []func(http.Handler) http.Handler {
	chain := []func(http.Handler) http.Handler{
		hlog.NewHandler(logger),
		hlog.RequestIDHandler("request_id", "X-Request-Id"),
	}
	if quiet {
		return chain
	}

	return append(chain, hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))
}

// annotate adds routing facts to the request's access log line
func annotate(r *http.Request, routeType string, wrote bool) {
	hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
		return c.Str("route_type", routeType).Bool("had_write_operations", wrote)
	})
}
