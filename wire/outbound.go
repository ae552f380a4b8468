package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/maxpert/edgepop/engine"
)

// Arg is a typed argument sent to the primary
type Arg struct {
	Type   string `json:"type"`
	Value  any    `json:"value,omitempty"`
	Base64 string `json:"base64,omitempty"`
}

// NamedArg binds Arg to a parameter name
type NamedArg struct {
	Name  string `json:"name"`
	Value Arg    `json:"value"`
}

// OutStmt is a statement in the primary's pipeline encoding
type OutStmt struct {
	SQL       string     `json:"sql"`
	Args      []Arg      `json:"args,omitempty"`
	NamedArgs []NamedArg `json:"named_args,omitempty"`
	WantRows  bool       `json:"want_rows"`
}

// Condition gates a batch step on the outcome of earlier steps
type Condition struct {
	Type string     `json:"type"`
	Step *int       `json:"step,omitempty"`
	Cond *Condition `json:"cond,omitempty"`
}

// OK is satisfied when step succeeded
func OK(step int) *Condition {
	return &Condition{Type: "ok", Step: &step}
}

// Not negates c
func Not(c *Condition) *Condition {
	return &Condition{Type: "not", Cond: c}
}

// OutStep is one step of an outbound batch
type OutStep struct {
	Stmt      OutStmt    `json:"stmt"`
	Condition *Condition `json:"condition,omitempty"`
}

// EncodeArg tags an engine value for the primary
func EncodeArg(v any) Arg {
	switch x := v.(type) {
	case nil:
		return Arg{Type: "null"}
	case int64:
		return Arg{Type: "integer", Value: strconv.FormatInt(x, 10)}
	case int:
		return Arg{Type: "integer", Value: strconv.Itoa(x)}
	case bool:
		if x {
			return Arg{Type: "integer", Value: "1"}
		}
		return Arg{Type: "integer", Value: "0"}
	case float64:
		return Arg{Type: "float", Value: x}
	case string:
		return Arg{Type: "text", Value: x}
	case []byte:
		return Arg{Type: "blob", Base64: base64.StdEncoding.EncodeToString(x)}
	default:
		return Arg{Type: "text", Value: fmt.Sprint(x)}
	}
}

// EncodeStmtOut converts an engine statement for the primary. Named
// arguments are sent with a ':' prefix in a stable order.
func EncodeStmtOut(s engine.Stmt) OutStmt {
	out := OutStmt{SQL: s.SQL}
	for _, a := range s.Args {
		out.Args = append(out.Args, EncodeArg(a))
	}

	names := make([]string, 0, len(s.Named))
	for name := range s.Named {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out.NamedArgs = append(out.NamedArgs, NamedArg{Name: ":" + name, Value: EncodeArg(s.Named[name])})
	}
	return out
}

// AtomicBatch builds a pipeline body that applies stmts inside BEGIN/COMMIT
// on the primary. Each step only runs if the previous one succeeded and a
// trailing ROLLBACK fires when COMMIT did not. It returns the body and the
// index of the COMMIT step.
func AtomicBatch(stmts []engine.Stmt) ([]byte, int, error) {
	steps := make([]OutStep, 0, len(stmts)+3)
	steps = append(steps, OutStep{Stmt: OutStmt{SQL: "BEGIN"}})
	for _, s := range stmts {
		steps = append(steps, OutStep{Stmt: EncodeStmtOut(s), Condition: OK(len(steps) - 1)})
	}
	commit := len(steps)
	steps = append(steps, OutStep{Stmt: OutStmt{SQL: "COMMIT"}, Condition: OK(commit - 1)})
	steps = append(steps, OutStep{Stmt: OutStmt{SQL: "ROLLBACK"}, Condition: Not(OK(commit))})

	type batchBody struct {
		Steps []OutStep `json:"steps"`
	}
	type request struct {
		Type  string     `json:"type"`
		Batch *batchBody `json:"batch,omitempty"`
	}

	body, err := json.Marshal(struct {
		Requests []request `json:"requests"`
	}{
		Requests: []request{
			{Type: "batch", Batch: &batchBody{Steps: steps}},
			{Type: "close"},
		},
	})
	return body, commit, err
}

// StreamError is an error reported by the primary
type StreamError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// BatchOutcome is the primary's answer to an AtomicBatch
type BatchOutcome struct {
	Results []struct {
		Type     string       `json:"type"`
		Error    *StreamError `json:"error"`
		Response *struct {
			Type   string `json:"type"`
			Result *struct {
				StepResults []json.RawMessage `json:"step_results"`
				StepErrors  []*StreamError    `json:"step_errors"`
			} `json:"result"`
		} `json:"response"`
	} `json:"results"`
}

// Committed returns nil if the COMMIT step at index commit succeeded,
// otherwise the first error the primary reported.
func (o *BatchOutcome) Committed(commit int) error {
	if len(o.Results) == 0 {
		return fmt.Errorf("empty pipeline response")
	}

	first := o.Results[0]
	if first.Type == "error" {
		if first.Error != nil {
			return fmt.Errorf("primary error: %s", first.Error.Message)
		}
		return fmt.Errorf("primary error")
	}
	if first.Response == nil || first.Response.Result == nil {
		return fmt.Errorf("malformed batch response")
	}

	res := first.Response.Result
	for _, stepErr := range res.StepErrors {
		if stepErr != nil {
			return fmt.Errorf("primary error: %s", stepErr.Message)
		}
	}
	if commit >= len(res.StepResults) || isAbsent(res.StepResults[commit]) {
		return fmt.Errorf("primary did not commit the batch")
	}
	return nil
}
