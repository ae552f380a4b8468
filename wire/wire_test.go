package wire

import (
	"encoding/json"
	"testing"

	"github.com/maxpert/edgepop/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, `{"type":"null","value":null}`},
		{"int64", int64(42), `{"type":"integer","value":"42"}`},
		{"negative int", -7, `{"type":"integer","value":"-7"}`},
		{"integral float", float64(3), `{"type":"integer","value":"3"}`},
		{"float", 1.5, `{"type":"float","value":"1.5"}`},
		{"small float", 0.0000001, `{"type":"float","value":"1e-7"}`},
		{"huge float", 1e21, `{"type":"integer","value":"1e+21"}`},
		{"string", "hello", `{"type":"text","value":"hello"}`},
		{"bytes", []byte("raw"), `{"type":"text","value":"raw"}`},
		{"bool", true, `{"type":"text","value":"true"}`},
		{"json number", json.Number("12"), `{"type":"integer","value":"12"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := json.Marshal(FormatValue(tt.in))
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(out))
		})
	}
}

func TestEncodeStmt_RoundTrip(t *testing.T) {
	res := &engine.Result{
		Columns: []string{"a", "b"},
		Rows:    [][]any{{int64(1), "x"}},
	}

	out, err := json.Marshal(EncodeStmt(res))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"cols": [{"name":"a","decltype":null},{"name":"b","decltype":null}],
		"rows": [[{"type":"integer","value":"1"},{"type":"text","value":"x"}]],
		"affected_row_count": 0,
		"last_insert_rowid": null,
		"replication_index": null,
		"rows_read": 1,
		"rows_written": 0,
		"query_duration_ms": 0
	}`, string(out))
}

func TestEncodeStmt_Write(t *testing.T) {
	id := int64(123)
	res := &engine.Result{
		Columns:         []string{},
		Rows:            [][]any{},
		RowsAffected:    1,
		LastInsertRowID: &id,
	}

	enc := EncodeStmt(res)
	assert.Equal(t, int64(1), enc.AffectedRowCount)
	assert.Equal(t, int64(1), enc.RowsWritten)
	require.NotNil(t, enc.LastInsertRowID)
	assert.Equal(t, "123", *enc.LastInsertRowID)
	assert.Zero(t, enc.RowsRead)
}

func TestEncodeQuery(t *testing.T) {
	res := &engine.Result{
		Columns: []string{"id", "name"},
		Rows:    [][]any{{int64(1), []byte("alice")}, {int64(2), nil}},
	}

	out, err := json.Marshal(EncodeQuery(res))
	require.NoError(t, err)
	assert.JSONEq(t, `{"results":{
		"columns":["id","name"],
		"rows":[[1,"alice"],[2,null]],
		"rows_read":2,
		"rows_written":0,
		"last_insert_rowid":null,
		"query_duration_ms":0
	}}`, string(out))
}

func TestPipelineResponseShape(t *testing.T) {
	resp := PipelineResponse{Results: []StreamResult{
		BatchOK([]*engine.Result{{Columns: []string{}, Rows: [][]any{}}}),
		CloseOK(),
	}}

	out, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"baton": null,
		"base_url": null,
		"results": [
			{"type":"ok","response":{"type":"batch","result":{
				"step_results":[{"cols":[],"rows":[],"affected_row_count":0,"last_insert_rowid":null,
					"replication_index":null,"rows_read":0,"rows_written":0,"query_duration_ms":0}],
				"step_errors":[null]
			}}},
			{"type":"ok","response":{"type":"close"}}
		]
	}`, string(out))
}

func TestParsePipeline(t *testing.T) {
	body := `{"requests":[
		{"type":"execute","stmt":"SELECT 1"},
		{"type":"execute","stmt":{"sql":"INSERT INTO t VALUES (?, ?)","args":[{"type":"integer","value":"5"},"txt"]}},
		{"type":"execute","stmt":{"sql":"SELECT :a","named_args":[{"name":":a","value":{"type":"float","value":1.5}}]}},
		{"type":"batch","batch":{"steps":[{"stmt":{"sql":"SELECT 1"}},{"stmt":{"sql":"SELECT 2"},"condition":{"type":"ok","step":0}}]}},
		{"type":"close"},
		{"type":"sequence","sql":"SELECT 1"}
	]}`

	reqs, err := ParsePipeline([]byte(body))
	require.NoError(t, err)
	require.Len(t, reqs, 6)

	exec := reqs[0].(RequestExecute)
	assert.Equal(t, "SELECT 1", exec.Stmt.SQL)
	assert.Nil(t, exec.Stmt.Args)

	exec = reqs[1].(RequestExecute)
	assert.Equal(t, []any{int64(5), "txt"}, exec.Stmt.Args)

	exec = reqs[2].(RequestExecute)
	assert.Equal(t, map[string]any{"a": 1.5}, exec.Stmt.Named)

	batch := reqs[3].(RequestBatch)
	require.Len(t, batch.Steps, 2)
	assert.False(t, batch.Steps[0].Conditional())
	assert.True(t, batch.Steps[1].Conditional())
	assert.Equal(t, []string{"SELECT 1", "SELECT 2"}, SQL(batch.Stmts()))

	assert.Equal(t, "close", reqs[4].Type())
	assert.Equal(t, RequestOther{Kind: "sequence"}, reqs[5])
}

func TestParsePipeline_Invalid(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{}`,
		`{"requests":[{"type":"execute"}]}`,
		`{"requests":[{"type":"batch"}]}`,
		`{"requests":[{"type":"execute","stmt":{"sql":"SELECT ?","args":[{"type":"wat"}]}}]}`,
	} {
		_, err := ParsePipeline([]byte(body))
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, body)
	}
}

func TestParseQuery(t *testing.T) {
	body := `{"statements":[
		"SELECT 1",
		{"q":"SELECT ?","params":[1]},
		{"q":"SELECT $name","params":{"$name":"x"}}
	]}`

	stmts, err := ParseQuery([]byte(body))
	require.NoError(t, err)
	require.Len(t, stmts, 3)
	assert.Equal(t, "SELECT 1", stmts[0].SQL)
	assert.Equal(t, []any{int64(1)}, stmts[1].Args)
	assert.Equal(t, map[string]any{"name": "x"}, stmts[2].Named)

	es := stmts[2].Engine()
	assert.Equal(t, "SELECT $name", es.SQL)
	assert.Equal(t, "x", es.Named["name"])
}

func TestDecodeArg_Blob(t *testing.T) {
	v, err := decodeArg(json.RawMessage(`{"type":"blob","base64":"aGk="}`))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), v)

	v, err = decodeArg(json.RawMessage(`{"type":"null"}`))
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = decodeArg(json.RawMessage(`true`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestNeedsProxy(t *testing.T) {
	plainBatch := RequestBatch{Steps: []BatchStep{{Stmt: Stmt{SQL: "SELECT 1"}}}}
	conditional := RequestBatch{Steps: []BatchStep{
		{Stmt: Stmt{SQL: "SELECT 1"}},
		{Stmt: Stmt{SQL: "SELECT 2"}, Condition: json.RawMessage(`{"type":"ok","step":0}`)},
	}}

	tests := []struct {
		name string
		gen  Generation
		reqs []Request
		want bool
	}{
		{"execute and close", V2, []Request{RequestExecute{}, RequestClose{}}, false},
		{"plain batch", V2, []Request{plainBatch}, false},
		{"batch before v2", V0, []Request{plainBatch}, true},
		{"conditional batch", V2, []Request{RequestExecute{}, conditional}, true},
		{"other type", V2, []Request{RequestOther{Kind: "store_sql"}}, true},
		{"empty", V2, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NeedsProxy(tt.gen, tt.reqs))
		})
	}
}

func TestPipelineNeedsProxy(t *testing.T) {
	tests := []struct {
		name string
		gen  Generation
		body string
		want bool
	}{
		{"plain execute", V2, `{"requests":[{"type":"execute","stmt":"SELECT 1"},{"type":"close"}]}`, false},
		{"execute object", V2, `{"requests":[{"type":"execute","stmt":{"sql":"SELECT ?","args":[]}}]}`, false},
		{"stored sql execute", V2, `{"requests":[{"type":"execute","stmt":{"sql_id":1}}]}`, true},
		{"null sql_id", V2, `{"requests":[{"type":"execute","stmt":{"sql":"SELECT 1","sql_id":null}}]}`, false},
		{"plain batch", V2, `{"requests":[{"type":"batch","batch":{"steps":[{"stmt":{"sql":"SELECT 1"}}]}}]}`, false},
		{"batch before v2", V0, `{"requests":[{"type":"batch","batch":{"steps":[]}}]}`, true},
		{"stored sql step", V2, `{"requests":[{"type":"batch","batch":{"steps":[{"stmt":{"sql_id":7}}]}}]}`, true},
		{"conditional step", V2, `{"requests":[{"type":"batch","batch":{"steps":[{"stmt":"SELECT 1","condition":{"type":"ok","step":0}}]}}]}`, true},
		{"store_sql", V2, `{"requests":[{"type":"store_sql","sql_id":1,"sql":"SELECT 1"}]}`, true},
		{"batch without body", V2, `{"requests":[{"type":"batch"}]}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PipelineNeedsProxy(tt.gen, []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := PipelineNeedsProxy(V2, []byte(`not json`))
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestBatchStep_Conditional(t *testing.T) {
	assert.False(t, BatchStep{Condition: json.RawMessage(`null`)}.Conditional())
	assert.False(t, BatchStep{Condition: json.RawMessage(` false `)}.Conditional())
	assert.True(t, BatchStep{Condition: json.RawMessage(`{"type":"not","cond":{"type":"ok","step":0}}`)}.Conditional())
}

func TestResponseHasWrites(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"execute write", `{"results":[{"type":"ok","response":{"type":"execute","result":{"affected_row_count":2}}}]}`, true},
		{"execute read", `{"results":[{"type":"ok","response":{"type":"execute","result":{"affected_row_count":0}}}]}`, false},
		{"batch write", `{"results":[{"type":"ok","response":{"type":"batch","result":{"step_results":[null,{"affected_row_count":1}]}}}]}`, true},
		{"batch read", `{"results":[{"type":"ok","response":{"type":"batch","result":{"step_results":[{"affected_row_count":0}]}}}]}`, false},
		{"close and error", `{"results":[{"type":"ok","response":{"type":"close"}},{"type":"error","error":{"message":"x"}}]}`, false},
		{"not json", `oops`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResponseHasWrites([]byte(tt.body)))
		})
	}
}
