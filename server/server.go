// Package server exposes the pop's HTTP surface: the libSQL pipeline and
// legacy query endpoints plus sync, health, version and metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"github.com/maxpert/edgepop/engine"
	"github.com/maxpert/edgepop/replica"
	"github.com/maxpert/edgepop/router"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Protocol is the client protocol reported by /version
const Protocol = "hrana-2"

// Options wires a Server
type Options struct {
	Router      *router.Router
	Coordinator *replica.Coordinator
	Health      engine.Executor
	AuthToken   string
	Version     string
	Region      string
	Quiet       bool
	Compression bool
	Metrics     http.Handler // nil disables /metrics
	Logger      *zerolog.Logger
}

// Server serves the pop over HTTP
type Server struct {
	opts Options
	http *http.Server
}

// New creates a Server
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = &log.Logger
	}
	return &Server{opts: opts}
}

// Handler builds the routed handler
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(*s.opts.Logger, s.opts.Quiet)...)

	h := &handlers{
		router:  s.opts.Router,
		coord:   s.opts.Coordinator,
		health:  s.opts.Health,
		version: s.opts.Version,
		region:  s.opts.Region,
	}

	// Unauthenticated health checks
	r.Get("/health", h.handleHealth)
	r.Get("/version", h.handleVersion)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.opts.AuthToken))
		r.Post("/v2/pipeline", h.handlePipeline)
		r.Post("/v3/pipeline", h.handlePipeline)
		r.Post("/v0/query", h.handleQuery)
		r.Post("/", h.handleQuery)
		r.Get("/sync", h.handleSync)
	})

	if s.opts.Compression {
		return gzhttp.GzipHandler(r)
	}
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then drains
// in-flight requests for up to 10 seconds
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", addr).Msg("HTTP server listening")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info().Msg("Shutting down HTTP server")
	return s.http.Shutdown(shutdownCtx)
}
