// Package router decides, per inbound batch, whether the local replica can
// serve it or the primary must, and runs it accordingly.
//
// The decision is made once, before any statement runs. Local statements
// execute strictly in order so a client sees its own writes within a batch.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/edgepop/engine"
	"github.com/maxpert/edgepop/proxy"
	"github.com/maxpert/edgepop/replica"
	"github.com/maxpert/edgepop/statement"
	"github.com/maxpert/edgepop/telemetry"
	"github.com/maxpert/edgepop/wire"
	"github.com/rs/zerolog/log"
)

// ErrTransactionNotAllowed rejects client-driven transaction control
var ErrTransactionNotAllowed = errors.New("Query error: `interactive transaction not allowed in HTTP queries`")

// Decision is where a batch runs
type Decision int

const (
	Local Decision = iota
	Proxy
)

func (d Decision) String() string {
	if d == Proxy {
		return "proxy"
	}
	return "local"
}

// Origin forwards pipeline bodies to the primary
type Origin interface {
	Pipeline(ctx context.Context, body []byte) (*proxy.Response, error)
}

// Router executes pipelines and v0 queries
type Router struct {
	engine     engine.Engine
	origin     Origin
	notifier   replica.WriteNotifier
	classifier *statement.Classifier
}

// New creates a Router. A nil classifier classifies without caching.
func New(e engine.Engine, origin Origin, notifier replica.WriteNotifier, classifier *statement.Classifier) *Router {
	return &Router{
		engine:     e,
		origin:     origin,
		notifier:   notifier,
		classifier: classifier,
	}
}

// PipelineOutcome is the result of one pipeline call. Exactly one of
// Response (local) and Proxied (proxy) is set.
type PipelineOutcome struct {
	Decision Decision
	Response *wire.PipelineResponse
	Proxied  *proxy.Response
	Wrote    bool
}

// Decide returns the routing decision for parsed pipeline requests
func Decide(requests []wire.Request) Decision {
	if wire.NeedsProxy(wire.V2, requests) {
		return Proxy
	}
	return Local
}

// DecideBody returns the routing decision for a raw pipeline body. Bodies
// that go to the primary are never fully decoded.
func DecideBody(body []byte) (Decision, error) {
	proxied, err := wire.PipelineNeedsProxy(wire.V2, body)
	if err != nil {
		return Local, err
	}
	if proxied {
		return Proxy, nil
	}
	return Local, nil
}

// Pipeline handles a v2/v3 pipeline body
func (r *Router) Pipeline(ctx context.Context, body []byte) (*PipelineOutcome, error) {
	decision, err := DecideBody(body)
	if err != nil {
		telemetry.RequestsTotal.With("pipeline", "rejected").Inc()
		return nil, err
	}

	var requests []wire.Request
	if decision == Local {
		requests, err = wire.ParsePipeline(body)
		if err != nil {
			telemetry.RequestsTotal.With("pipeline", "rejected").Inc()
			return nil, err
		}
	}

	start := time.Now()
	telemetry.RequestsTotal.With("pipeline", decision.String()).Inc()
	defer func() {
		telemetry.RequestDurationSeconds.With(decision.String()).Observe(time.Since(start).Seconds())
	}()

	if decision == Proxy {
		return r.proxyPipeline(ctx, body)
	}

	out := &PipelineOutcome{
		Decision: Local,
		Response: &wire.PipelineResponse{Results: make([]wire.StreamResult, 0, len(requests))},
	}
	for i, req := range requests {
		res, wrote, err := r.runRequest(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		out.Response.Results = append(out.Response.Results, res)
		out.Wrote = out.Wrote || wrote
	}

	if out.Wrote {
		r.notifier.NotifyWrite(ctx)
	}
	return out, nil
}

func (r *Router) proxyPipeline(ctx context.Context, body []byte) (*PipelineOutcome, error) {
	resp, err := r.origin.Pipeline(ctx, body)
	if err != nil {
		return nil, err
	}

	out := &PipelineOutcome{Decision: Proxy, Proxied: resp}
	if resp.OK() && wire.ResponseHasWrites(resp.Body) {
		out.Wrote = true
		r.notifier.NotifyWrite(ctx)
	}
	return out, nil
}

func (r *Router) runRequest(ctx context.Context, req wire.Request) (wire.StreamResult, bool, error) {
	switch q := req.(type) {
	case wire.RequestExecute:
		r.observe(q.Stmt.SQL)
		res, err := r.engine.Execute(ctx, q.Stmt.Engine())
		if err != nil {
			return wire.StreamResult{}, false, err
		}
		r.logWrite(res, q.Stmt.SQL)
		return wire.ExecuteOK(res), res.Wrote(), nil

	case wire.RequestBatch:
		stmts := make([]engine.Stmt, 0, len(q.Steps))
		for _, s := range q.Steps {
			r.observe(s.Stmt.SQL)
			stmts = append(stmts, s.Stmt.Engine())
		}
		results, err := r.engine.Batch(ctx, stmts)
		if err != nil {
			return wire.StreamResult{}, false, err
		}
		wrote := false
		for i, res := range results {
			r.logWrite(res, stmts[i].SQL)
			wrote = wrote || res.Wrote()
		}
		return wire.BatchOK(results), wrote, nil

	case wire.RequestClose:
		return wire.CloseOK(), false, nil

	default:
		// Decide sends every other type to the primary
		return wire.StreamResult{}, false, fmt.Errorf("request type %q cannot run locally", req.Type())
	}
}

// QueryOutcome is the result of a v0 query call
type QueryOutcome struct {
	Results []wire.QueryResult
	Wrote   bool
}

// Query handles a v0 body. Transaction control is rejected before anything
// runs; several writes are wrapped in one deferred transaction.
func (r *Router) Query(ctx context.Context, body []byte) (*QueryOutcome, error) {
	stmts, err := wire.ParseQuery(body)
	if err != nil {
		telemetry.RequestsTotal.With("query", "rejected").Inc()
		return nil, err
	}

	sqls := wire.SQL(stmts)
	if statement.HasTransactionKeywords(sqls) {
		telemetry.RequestsTotal.With("query", "rejected").Inc()
		return nil, ErrTransactionNotAllowed
	}

	start := time.Now()
	telemetry.RequestsTotal.With("query", Local.String()).Inc()
	defer func() {
		telemetry.RequestDurationSeconds.With(Local.String()).Observe(time.Since(start).Seconds())
	}()

	var exec engine.Executor = r.engine
	var tx engine.Tx
	if statement.RequiresTransaction(sqls) {
		tx, err = r.engine.Begin(ctx)
		if err != nil {
			return nil, err
		}
		exec = tx
	}

	out := &QueryOutcome{Results: make([]wire.QueryResult, 0, len(stmts))}
	for _, s := range stmts {
		r.observe(s.SQL)
		res, err := exec.Execute(ctx, s.Engine())
		if err != nil {
			if tx != nil {
				if rbErr := tx.Rollback(); rbErr != nil {
					log.Debug().Err(rbErr).Msg("Failed to rollback query transaction")
				}
			}
			return nil, err
		}
		r.logWrite(res, s.SQL)
		out.Results = append(out.Results, wire.EncodeQuery(res))
		out.Wrote = out.Wrote || res.Wrote()
	}

	if tx != nil {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
	}

	if out.Wrote {
		r.notifier.NotifyWrite(ctx)
	}
	return out, nil
}

func (r *Router) observe(sql string) {
	telemetry.StatementsTotal.With(r.classifier.Classify(sql).String()).Inc()
}

func (r *Router) logWrite(res *engine.Result, sql string) {
	if !res.Wrote() {
		return
	}
	log.Debug().
		Str("table", statement.Target(sql)).
		Int64("rows_affected", res.RowsAffected).
		Msg("Local write")
}
