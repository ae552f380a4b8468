package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/maxpert/edgepop/engine"
)

// Generation selects the request types a pipeline may run locally
type Generation int

const (
	// V0 is the pre-batch generation: execute and close only
	V0 Generation = iota
	// V2 covers v2 and v3 pipelines, which add batch
	V2
)

// ValidationError reports a request body that could not be decoded
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func unmarshalNumber(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// Stmt is a statement as sent by clients: a bare SQL string, a pipeline
// object {sql, args, named_args} or a v0 object {q, params}.
type Stmt struct {
	SQL   string
	Args  []any
	Named map[string]any
}

type namedArg struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

type stmtObject struct {
	SQL       *string         `json:"sql"`
	Q         *string         `json:"q"`
	Args      json.RawMessage `json:"args"`
	Params    json.RawMessage `json:"params"`
	NamedArgs []namedArg      `json:"named_args"`
}

func (s *Stmt) UnmarshalJSON(data []byte) error {
	var sql string
	if err := json.Unmarshal(data, &sql); err == nil {
		*s = Stmt{SQL: sql}
		return nil
	}

	var obj stmtObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("statement must be a string or an object: %w", err)
	}

	switch {
	case obj.SQL != nil:
		s.SQL = *obj.SQL
	case obj.Q != nil:
		s.SQL = *obj.Q
	default:
		return fmt.Errorf("statement without sql")
	}

	args := obj.Args
	if isAbsent(args) {
		args = obj.Params
	}
	if err := s.decodeArgs(args); err != nil {
		return err
	}

	for _, na := range obj.NamedArgs {
		v, err := decodeArg(na.Value)
		if err != nil {
			return fmt.Errorf("named argument %s: %w", na.Name, err)
		}
		s.setNamed(na.Name, v)
	}
	return nil
}

func (s *Stmt) decodeArgs(raw json.RawMessage) error {
	if isAbsent(raw) {
		return nil
	}

	var positional []json.RawMessage
	if err := json.Unmarshal(raw, &positional); err == nil {
		s.Args = make([]any, 0, len(positional))
		for i, p := range positional {
			v, err := decodeArg(p)
			if err != nil {
				return fmt.Errorf("argument %d: %w", i+1, err)
			}
			s.Args = append(s.Args, v)
		}
		return nil
	}

	var named map[string]json.RawMessage
	if err := json.Unmarshal(raw, &named); err != nil {
		return fmt.Errorf("arguments must be an array or an object")
	}
	for name, p := range named {
		v, err := decodeArg(p)
		if err != nil {
			return fmt.Errorf("argument %s: %w", name, err)
		}
		s.setNamed(name, v)
	}
	return nil
}

func (s *Stmt) setNamed(name string, v any) {
	if s.Named == nil {
		s.Named = make(map[string]any)
	}
	s.Named[strings.TrimLeft(name, ":@$")] = v
}

// Engine converts s for the local engine
func (s Stmt) Engine() engine.Stmt {
	return engine.Stmt{SQL: s.SQL, Args: s.Args, Named: s.Named}
}

func isAbsent(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// Request is one entry of a pipeline body. It is one of RequestExecute,
// RequestClose, RequestBatch or RequestOther.
type Request interface {
	Type() string
}

// RequestExecute runs a single statement
type RequestExecute struct {
	Stmt Stmt
}

// RequestClose ends the stream; it has no local effect
type RequestClose struct{}

// RequestBatch runs steps atomically
type RequestBatch struct {
	Steps []BatchStep
}

// RequestOther is any request type that is never handled locally
type RequestOther struct {
	Kind string
}

func (RequestExecute) Type() string { return "execute" }
func (RequestClose) Type() string   { return "close" }
func (RequestBatch) Type() string   { return "batch" }
func (r RequestOther) Type() string { return r.Kind }

// BatchStep is one statement of a batch with its optional condition
type BatchStep struct {
	Stmt      Stmt            `json:"stmt"`
	Condition json.RawMessage `json:"condition"`
}

// Conditional reports whether the step carries a condition the primary must evaluate
func (s BatchStep) Conditional() bool {
	return conditionSet(s.Condition)
}

func conditionSet(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}

// storedSQL reports whether a statement object names SQL kept on the primary by sql_id
func storedSQL(raw json.RawMessage) bool {
	var obj struct {
		SQLID json.RawMessage `json:"sql_id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return false
	}
	return !isAbsent(obj.SQLID)
}

// Stmts returns the statements of every step in order
func (r RequestBatch) Stmts() []Stmt {
	out := make([]Stmt, 0, len(r.Steps))
	for _, step := range r.Steps {
		out = append(out, step.Stmt)
	}
	return out
}

type rawRequest struct {
	Type  string          `json:"type"`
	Stmt  json.RawMessage `json:"stmt"`
	Batch *struct {
		Steps []BatchStep `json:"steps"`
	} `json:"batch"`
}

// ParsePipeline decodes a v2/v3 pipeline body into requests
func ParsePipeline(body []byte) ([]Request, error) {
	var envelope struct {
		Requests []json.RawMessage `json:"requests"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &ValidationError{Err: err}
	}
	if envelope.Requests == nil {
		return nil, &ValidationError{Err: fmt.Errorf("missing requests")}
	}

	requests := make([]Request, 0, len(envelope.Requests))
	for i, raw := range envelope.Requests {
		req, err := parseRequest(raw)
		if err != nil {
			return nil, &ValidationError{Err: fmt.Errorf("request %d: %w", i, err)}
		}
		requests = append(requests, req)
	}
	return requests, nil
}

func parseRequest(raw json.RawMessage) (Request, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}

	switch head.Type {
	case "execute":
		var r rawRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		var stmt Stmt
		if err := stmt.UnmarshalJSON(r.Stmt); err != nil {
			return nil, err
		}
		return RequestExecute{Stmt: stmt}, nil
	case "close":
		return RequestClose{}, nil
	case "batch":
		var r rawRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		if r.Batch == nil {
			return nil, fmt.Errorf("batch request without batch")
		}
		return RequestBatch{Steps: r.Batch.Steps}, nil
	default:
		return RequestOther{Kind: head.Type}, nil
	}
}

// NeedsProxy reports whether requests must be forwarded to the primary:
// a request type the generation cannot run locally, or a conditional batch step.
func NeedsProxy(gen Generation, requests []Request) bool {
	for _, req := range requests {
		switch r := req.(type) {
		case RequestExecute, RequestClose:
		case RequestBatch:
			if gen < V2 {
				return true
			}
			for _, step := range r.Steps {
				if step.Conditional() {
					return true
				}
			}
		default:
			return true
		}
	}
	return false
}

type shallowRequest struct {
	Type  string          `json:"type"`
	Stmt  json.RawMessage `json:"stmt"`
	Batch *struct {
		Steps []struct {
			Stmt      json.RawMessage `json:"stmt"`
			Condition json.RawMessage `json:"condition"`
		} `json:"steps"`
	} `json:"batch"`
}

// PipelineNeedsProxy decides routing from the raw body without decoding
// statements. Besides what NeedsProxy checks, any statement referencing
// stored SQL by sql_id goes to the primary, since only the primary knows
// the text behind the id.
func PipelineNeedsProxy(gen Generation, body []byte) (bool, error) {
	var envelope struct {
		Requests []shallowRequest `json:"requests"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false, &ValidationError{Err: err}
	}

	for _, req := range envelope.Requests {
		switch req.Type {
		case "close":
		case "execute":
			if storedSQL(req.Stmt) {
				return true, nil
			}
		case "batch":
			if gen < V2 {
				return true, nil
			}
			if req.Batch == nil {
				continue
			}
			for _, step := range req.Batch.Steps {
				if conditionSet(step.Condition) || storedSQL(step.Stmt) {
					return true, nil
				}
			}
		default:
			return true, nil
		}
	}
	return false, nil
}

// ParseQuery decodes a v0 body {statements: [...]}
func ParseQuery(body []byte) ([]Stmt, error) {
	var envelope struct {
		Statements []Stmt `json:"statements"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &ValidationError{Err: err}
	}
	if envelope.Statements == nil {
		return nil, &ValidationError{Err: fmt.Errorf("missing statements")}
	}
	return envelope.Statements, nil
}

// SQL returns the text of each statement
func SQL(stmts []Stmt) []string {
	out := make([]string, len(stmts))
	for i, s := range stmts {
		out[i] = s.SQL
	}
	return out
}
