package wire

import (
	"encoding/json"
	"strconv"

	"github.com/maxpert/edgepop/engine"
)

// Col describes a result column; the primary's declared type is not tracked
type Col struct {
	Name     string  `json:"name"`
	Decltype *string `json:"decltype"`
}

// StmtResult is the v2/v3 result of one statement
type StmtResult struct {
	Cols             []Col     `json:"cols"`
	Rows             [][]Value `json:"rows"`
	AffectedRowCount int64     `json:"affected_row_count"`
	LastInsertRowID  *string   `json:"last_insert_rowid"`
	ReplicationIndex *string   `json:"replication_index"`
	RowsRead         int       `json:"rows_read"`
	RowsWritten      int64     `json:"rows_written"`
	QueryDurationMS  int64     `json:"query_duration_ms"`
}

// BatchResult holds one result per step. Step errors are never reported
// individually; a failing step fails the whole pipeline.
type BatchResult struct {
	StepResults []*StmtResult     `json:"step_results"`
	StepErrors  []json.RawMessage `json:"step_errors"`
}

// StreamResponse is the typed response of a pipeline request
type StreamResponse struct {
	Type   string `json:"type"`
	Result any    `json:"result,omitempty"`
}

// StreamResult wraps a successful pipeline response
type StreamResult struct {
	Type     string         `json:"type"`
	Response StreamResponse `json:"response"`
}

// PipelineResponse is the body returned by /v2/pipeline and /v3/pipeline
type PipelineResponse struct {
	Baton   *string        `json:"baton"`
	BaseURL *string        `json:"base_url"`
	Results []StreamResult `json:"results"`
}

// QueryResult is the v0 envelope of one statement
type QueryResult struct {
	Results QueryRows `json:"results"`
}

// QueryRows holds untagged rows for v0 clients
type QueryRows struct {
	Columns         []string `json:"columns"`
	Rows            [][]any  `json:"rows"`
	RowsRead        int      `json:"rows_read"`
	RowsWritten     int64    `json:"rows_written"`
	LastInsertRowID *string  `json:"last_insert_rowid"`
	QueryDurationMS int64    `json:"query_duration_ms"`
}

func lastInsertRowID(res *engine.Result) *string {
	if res.LastInsertRowID == nil {
		return nil
	}
	s := strconv.FormatInt(*res.LastInsertRowID, 10)
	return &s
}

// EncodeStmt projects an engine result into the v2/v3 shape
func EncodeStmt(res *engine.Result) *StmtResult {
	cols := make([]Col, len(res.Columns))
	for i, name := range res.Columns {
		cols[i] = Col{Name: name}
	}

	rows := make([][]Value, len(res.Rows))
	for i, row := range res.Rows {
		cells := make([]Value, len(row))
		for j, v := range row {
			cells[j] = FormatValue(v)
		}
		rows[i] = cells
	}

	return &StmtResult{
		Cols:             cols,
		Rows:             rows,
		AffectedRowCount: res.RowsAffected,
		LastInsertRowID:  lastInsertRowID(res),
		RowsRead:         len(res.Rows),
		RowsWritten:      res.RowsAffected,
	}
}

// EncodeQuery projects an engine result into the v0 shape
func EncodeQuery(res *engine.Result) QueryResult {
	rows := make([][]any, len(res.Rows))
	for i, row := range res.Rows {
		cells := make([]any, len(row))
		for j, v := range row {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			cells[j] = v
		}
		rows[i] = cells
	}

	cols := res.Columns
	if cols == nil {
		cols = []string{}
	}

	return QueryResult{Results: QueryRows{
		Columns:         cols,
		Rows:            rows,
		RowsRead:        len(res.Rows),
		RowsWritten:     res.RowsAffected,
		LastInsertRowID: lastInsertRowID(res),
	}}
}

// ExecuteOK wraps an execute result
func ExecuteOK(res *engine.Result) StreamResult {
	return StreamResult{Type: "ok", Response: StreamResponse{Type: "execute", Result: EncodeStmt(res)}}
}

// BatchOK wraps the results of a batch
func BatchOK(results []*engine.Result) StreamResult {
	batch := BatchResult{
		StepResults: make([]*StmtResult, len(results)),
		StepErrors:  make([]json.RawMessage, len(results)),
	}
	for i, res := range results {
		batch.StepResults[i] = EncodeStmt(res)
	}
	return StreamResult{Type: "ok", Response: StreamResponse{Type: "batch", Result: batch}}
}

// CloseOK acknowledges a close request
func CloseOK() StreamResult {
	return StreamResult{Type: "ok", Response: StreamResponse{Type: "close"}}
}

type proxiedResult struct {
	Response *struct {
		Type   string `json:"type"`
		Result *struct {
			AffectedRowCount float64 `json:"affected_row_count"`
			StepResults      []*struct {
				AffectedRowCount float64 `json:"affected_row_count"`
			} `json:"step_results"`
		} `json:"result"`
	} `json:"response"`
}

// ResponseHasWrites reports whether a pipeline response body from the
// primary contains an execute or batch step that affected rows.
func ResponseHasWrites(body []byte) bool {
	var resp struct {
		Results []proxiedResult `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false
	}

	for _, r := range resp.Results {
		if r.Response == nil || r.Response.Result == nil {
			continue
		}
		switch r.Response.Type {
		case "execute":
			if r.Response.Result.AffectedRowCount != 0 {
				return true
			}
		case "batch":
			for _, step := range r.Response.Result.StepResults {
				if step != nil && step.AffectedRowCount != 0 {
					return true
				}
			}
		}
	}
	return false
}
