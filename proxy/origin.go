// Package proxy forwards requests the pop cannot serve locally to the primary.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/maxpert/edgepop/engine"
	"github.com/maxpert/edgepop/telemetry"
	"github.com/maxpert/edgepop/wire"
	"github.com/rs/zerolog/log"
)

const (
	pipelinePath = "/v3/pipeline"
	dumpPath     = "/dump"
)

// Options configures an Origin
type Options struct {
	BaseURL             string
	AuthToken           string
	Timeout             time.Duration // Upper bound for pipeline calls, 0 disables
	DumpTimeout         time.Duration // Upper bound for snapshot downloads, 0 disables
	MaxIdleConnsPerHost int
}

// Response is a primary response relayed to the client unmodified
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// OK reports a 200 from the primary
func (r *Response) OK() bool {
	return r.Status == http.StatusOK
}

// Origin is an HTTP client for the primary's pipeline and dump endpoints
type Origin struct {
	baseURL     string
	token       string
	timeout     time.Duration
	dumpTimeout time.Duration
	client      *http.Client
}

// New creates an Origin. The HTTP client keeps connections to the primary
// warm; per-call deadlines come from contexts.
func New(opts Options) *Origin {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.MaxIdleConnsPerHost > 0 {
		transport.MaxIdleConnsPerHost = opts.MaxIdleConnsPerHost
	}

	return &Origin{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		token:       opts.AuthToken,
		timeout:     opts.Timeout,
		dumpTimeout: opts.DumpTimeout,
		client:      &http.Client{Transport: transport},
	}
}

func (o *Origin) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+o.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Pipeline posts body verbatim to the primary's pipeline endpoint.
// Non-200 responses are returned, not turned into errors; err is only set
// when the primary could not be reached.
func (o *Origin) Pipeline(ctx context.Context, body []byte) (*Response, error) {
	ctx, cancel := withTimeout(ctx, o.timeout)
	defer cancel()

	req, err := o.newRequest(ctx, http.MethodPost, pipelinePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		telemetry.ProxyResponsesTotal.With("unreachable").Inc()
		return nil, fmt.Errorf("primary unreachable: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read primary response: %w", err)
	}

	telemetry.ProxyResponsesTotal.With(strconv.Itoa(resp.StatusCode)).Inc()
	log.Debug().
		Int("status", resp.StatusCode).
		Int("bytes", len(out)).
		Dur("duration", time.Since(start)).
		Msg("Pipeline proxied")

	return &Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        out,
	}, nil
}

// Snapshot streams the primary's SQL dump. Closing the reader releases
// the request.
func (o *Origin) Snapshot(ctx context.Context) (io.ReadCloser, error) {
	ctx, cancel := withTimeout(ctx, o.dumpTimeout)

	req, err := o.newRequest(ctx, http.MethodGet, dumpPath, nil)
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := o.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("primary unreachable: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("dump failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return &cancelReader{ReadCloser: resp.Body, cancel: cancel}, nil
}

type cancelReader struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *cancelReader) Close() error {
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}

// ForwardWrites applies stmts on the primary in a single transaction
func (o *Origin) ForwardWrites(ctx context.Context, stmts []engine.Stmt) error {
	body, commit, err := wire.AtomicBatch(stmts)
	if err != nil {
		return fmt.Errorf("failed to encode writes: %w", err)
	}

	resp, err := o.Pipeline(ctx, body)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &StatusError{Status: resp.Status, Body: string(resp.Body)}
	}

	var outcome wire.BatchOutcome
	if err := json.Unmarshal(resp.Body, &outcome); err != nil {
		return fmt.Errorf("failed to decode primary response: %w", err)
	}
	return outcome.Committed(commit)
}

// StatusError is a non-200 answer from the primary
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("primary responded %d: %s", e.Status, strings.TrimSpace(e.Body))
}
