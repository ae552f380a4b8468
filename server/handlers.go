package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/maxpert/edgepop/engine"
	"github.com/maxpert/edgepop/proxy"
	"github.com/maxpert/edgepop/replica"
	"github.com/maxpert/edgepop/router"
	"github.com/maxpert/edgepop/wire"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

const (
	codeUnauthorized  = "UNAUTHORIZED"
	codeInvalidInput  = "INVALID_REQUEST"
	codeInternalError = "INTERNAL_ERROR"
)

// maxBodyBytes bounds inbound request bodies
const maxBodyBytes = 32 << 20

type handlers struct {
	router  *router.Router
	coord   *replica.Coordinator
	health  engine.Executor
	version string
	region  string
}

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes the {"error":{"message","code"}} envelope
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, map[string]errorBody{"error": {Message: message, Code: code}})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, &wire.ValidationError{Err: err}
	}
	return body, nil
}

func (h *handlers) handlePipeline(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), codeInvalidInput)
		return
	}

	out, err := h.router.Pipeline(r.Context(), body)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Pipeline failed")
		var verr *wire.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, err.Error(), codeInvalidInput)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), codeInternalError)
		return
	}

	annotate(r, out.Decision.String(), out.Wrote)
	if out.Proxied != nil {
		relay(w, out.Proxied)
		return
	}
	writeJSON(w, http.StatusOK, out.Response)
}

// relay passes a primary response through unchanged
func relay(w http.ResponseWriter, resp *proxy.Response) {
	if resp.OK() {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	}
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		log.Warn().Err(err).Msg("Failed to relay primary response")
	}
}

func (h *handlers) handleQuery(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	out, err := h.router.Query(r.Context(), body)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Query failed")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	annotate(r, router.Local.String(), out.Wrote)
	writeJSON(w, http.StatusOK, out.Results)
}

type syncResponse struct {
	FrameNo      int64 `json:"frameNo"`
	FramesSynced int64 `json:"framesSynced"`
}

func (h *handlers) handleSync(w http.ResponseWriter, r *http.Request) {
	rep, err := h.coord.SyncNow(r.Context(), replica.SourceAPI)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Sync Error", codeInternalError)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{FrameNo: rep.FrameNo, FramesSynced: rep.FramesSynced})
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := h.health.Execute(r.Context(), engine.NewStmt("SELECT 1")); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type versionResponse struct {
	Version  string `json:"version"`
	Protocol string `json:"protocol"`
	Region   string `json:"region"`
}

func (h *handlers) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, versionResponse{
		Version:  h.version,
		Protocol: Protocol,
		Region:   h.region,
	})
}
