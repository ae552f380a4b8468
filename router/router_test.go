package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/maxpert/edgepop/engine"
	"github.com/maxpert/edgepop/proxy"
	"github.com/maxpert/edgepop/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *recordingNotifier) NotifyWrite(context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
}

func (n *recordingNotifier) calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}

type fakeOrigin struct {
	bodies [][]byte
	resp   *proxy.Response
	err    error
}

func (o *fakeOrigin) Pipeline(_ context.Context, body []byte) (*proxy.Response, error) {
	o.bodies = append(o.bodies, body)
	if o.err != nil {
		return nil, o.err
	}
	return o.resp, nil
}

// spyEngine fails the test on any use
type spyEngine struct {
	t *testing.T
}

func (s spyEngine) Execute(context.Context, engine.Stmt) (*engine.Result, error) {
	s.t.Fatal("engine must not execute")
	return nil, nil
}

func (s spyEngine) Batch(context.Context, []engine.Stmt) ([]*engine.Result, error) {
	s.t.Fatal("engine must not execute")
	return nil, nil
}

func (s spyEngine) Begin(context.Context) (engine.Tx, error) {
	s.t.Fatal("engine must not begin")
	return nil, nil
}

func (s spyEngine) Sync(context.Context) (engine.Replicated, error) { return engine.Replicated{}, nil }
func (s spyEngine) Close() error                                   { return nil }

func openEngine(t *testing.T) *engine.SQLite {
	t.Helper()
	e, err := engine.Open(engine.Options{Path: filepath.Join(t.TempDir(), "local.db")})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func setup(t *testing.T) (*Router, *engine.SQLite, *fakeOrigin, *recordingNotifier) {
	t.Helper()
	e := openEngine(t)
	origin := &fakeOrigin{}
	notifier := &recordingNotifier{}
	return New(e, origin, notifier, nil), e, origin, notifier
}

func TestPipeline_SelectOneIsLocal(t *testing.T) {
	r, _, origin, notifier := setup(t)

	out, err := r.Pipeline(context.Background(), []byte(`{"requests":[{"type":"execute","stmt":"SELECT 1"}]}`))
	require.NoError(t, err)
	assert.Equal(t, Local, out.Decision)
	assert.False(t, out.Wrote)
	assert.Empty(t, origin.bodies)
	assert.Zero(t, notifier.calls())

	body, err := json.Marshal(out.Response)
	require.NoError(t, err)
	assert.JSONEq(t, `{"baton":null,"base_url":null,"results":[{"type":"ok","response":{"type":"execute","result":{
		"cols":[{"name":"1","decltype":null}],
		"rows":[[{"type":"integer","value":"1"}]],
		"affected_row_count":0,"last_insert_rowid":null,"replication_index":null,
		"rows_read":1,"rows_written":0,"query_duration_ms":0}}}]}`, string(body))
}

func TestPipeline_ReadYourWritesAndNotify(t *testing.T) {
	r, _, _, notifier := setup(t)

	body := `{"requests":[
		{"type":"execute","stmt":"CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)"},
		{"type":"execute","stmt":{"sql":"INSERT INTO t (v) VALUES (?)","args":[{"type":"text","value":"a"}]}},
		{"type":"batch","batch":{"steps":[
			{"stmt":{"sql":"INSERT INTO t (v) VALUES ('b')"}},
			{"stmt":{"sql":"SELECT count(*) AS n FROM t"}}
		]}},
		{"type":"close"}
	]}`

	out, err := r.Pipeline(context.Background(), []byte(body))
	require.NoError(t, err)
	assert.True(t, out.Wrote)
	assert.Equal(t, 1, notifier.calls())
	require.Len(t, out.Response.Results, 4)

	insert := out.Response.Results[1].Response.Result.(*wire.StmtResult)
	assert.Equal(t, int64(1), insert.AffectedRowCount)
	require.NotNil(t, insert.LastInsertRowID)
	assert.Equal(t, "1", *insert.LastInsertRowID)

	batch := out.Response.Results[2].Response.Result.(wire.BatchResult)
	require.Len(t, batch.StepResults, 2)
	assert.Equal(t, "2", *batch.StepResults[1].Rows[0][0].Value)
	assert.Equal(t, "close", out.Response.Results[3].Response.Type)
}

func TestPipeline_ConditionalBatchIsProxied(t *testing.T) {
	origin := &fakeOrigin{resp: &proxy.Response{Status: http.StatusOK, Body: []byte(`{"results":[]}`)}}
	notifier := &recordingNotifier{}
	r := New(spyEngine{t}, origin, notifier, nil)

	body := []byte(`{"requests":[{"type":"batch","batch":{"steps":[
		{"stmt":{"sql":"SELECT 1"}},
		{"stmt":{"sql":"SELECT 2"},"condition":{"type":"ok","step":0}}
	]}}]}`)

	out, err := r.Pipeline(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, Proxy, out.Decision)
	assert.Equal(t, [][]byte{body}, origin.bodies)
	assert.False(t, out.Wrote)
	assert.Zero(t, notifier.calls())
}

func TestPipeline_UnsupportedTypeIsProxied(t *testing.T) {
	origin := &fakeOrigin{resp: &proxy.Response{
		Status: http.StatusOK,
		Body:   []byte(`{"results":[{"type":"ok","response":{"type":"execute","result":{"affected_row_count":3}}}]}`),
	}}
	notifier := &recordingNotifier{}
	r := New(spyEngine{t}, origin, notifier, nil)

	out, err := r.Pipeline(context.Background(), []byte(`{"requests":[{"type":"store_sql","sql_id":1,"sql":"DELETE FROM t"}]}`))
	require.NoError(t, err)
	assert.Equal(t, Proxy, out.Decision)
	assert.True(t, out.Wrote)
	assert.Equal(t, 1, notifier.calls())
}

func TestPipeline_StoredSQLIsProxiedVerbatim(t *testing.T) {
	for _, body := range []string{
		`{"requests":[
			{"type":"store_sql","sql_id":1,"sql":"SELECT 1"},
			{"type":"execute","stmt":{"sql_id":1}},
			{"type":"close_sql","sql_id":1}
		]}`,
		`{"requests":[{"type":"execute","stmt":{"sql_id":1}}]}`,
		`{"requests":[{"type":"batch","batch":{"steps":[
			{"stmt":{"sql":"SELECT 1"}},
			{"stmt":{"sql_id":7},"condition":{"type":"ok","step":0}}
		]}}]}`,
		`{"requests":[{"type":"batch","batch":{"steps":[{"stmt":{"sql_id":7}}]}}]}`,
	} {
		origin := &fakeOrigin{resp: &proxy.Response{Status: http.StatusOK, Body: []byte(`{"results":[]}`)}}
		r := New(spyEngine{t}, origin, &recordingNotifier{}, nil)

		out, err := r.Pipeline(context.Background(), []byte(body))
		require.NoError(t, err, body)
		assert.Equal(t, Proxy, out.Decision, body)
		assert.Equal(t, [][]byte{[]byte(body)}, origin.bodies)
	}
}

func TestPipeline_StatementWithoutSQLIsRejected(t *testing.T) {
	r := New(spyEngine{t}, &fakeOrigin{}, &recordingNotifier{}, nil)

	_, err := r.Pipeline(context.Background(), []byte(`{"requests":[{"type":"execute","stmt":{"args":[]}}]}`))
	var verr *wire.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestPipeline_ProxyErrorStatusIsRelayed(t *testing.T) {
	origin := &fakeOrigin{resp: &proxy.Response{Status: http.StatusBadRequest, Body: []byte("bad baton")}}
	notifier := &recordingNotifier{}
	r := New(spyEngine{t}, origin, notifier, nil)

	out, err := r.Pipeline(context.Background(), []byte(`{"requests":[{"type":"sequence","sql":"DELETE FROM t"}]}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, out.Proxied.Status)
	assert.Zero(t, notifier.calls())
}

func TestPipeline_ProxyUnreachable(t *testing.T) {
	origin := &fakeOrigin{err: errors.New("dial tcp: connection refused")}
	r := New(spyEngine{t}, origin, &recordingNotifier{}, nil)

	_, err := r.Pipeline(context.Background(), []byte(`{"requests":[{"type":"describe","sql":"SELECT 1"}]}`))
	assert.ErrorIs(t, err, origin.err)
}

func TestPipeline_ErrorAbortsRemaining(t *testing.T) {
	r, e, _, notifier := setup(t)

	_, err := r.Pipeline(context.Background(), []byte(`{"requests":[
		{"type":"execute","stmt":"SELECT * FROM missing"},
		{"type":"execute","stmt":"CREATE TABLE after_failure (id INTEGER)"}
	]}`))
	require.Error(t, err)
	assert.Zero(t, notifier.calls())

	_, err = e.Execute(context.Background(), engine.NewStmt("SELECT * FROM after_failure"))
	assert.Error(t, err)
}

func TestPipeline_Invalid(t *testing.T) {
	r, _, _, _ := setup(t)
	_, err := r.Pipeline(context.Background(), []byte(`nope`))
	var verr *wire.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestQuery_TransactionKeywordsRejectedBeforeExecution(t *testing.T) {
	r := New(spyEngine{t}, &fakeOrigin{}, &recordingNotifier{}, nil)

	for _, body := range []string{
		`{"statements":["BEGIN","INSERT INTO t VALUES (1)","COMMIT"]}`,
		`{"statements":["INSERT INTO t VALUES (1)",{"q":" -- c\n rollback"}]}`,
	} {
		_, err := r.Query(context.Background(), []byte(body))
		assert.ErrorIs(t, err, ErrTransactionNotAllowed)
	}
}

func TestQuery_MultipleWritesAreAtomic(t *testing.T) {
	r, e, _, notifier := setup(t)
	ctx := context.Background()

	_, err := e.Execute(ctx, engine.NewStmt("CREATE TABLE t (id INTEGER PRIMARY KEY)"))
	require.NoError(t, err)

	_, err = r.Query(ctx, []byte(`{"statements":[
		"INSERT INTO t VALUES (1)",
		"INSERT INTO t VALUES (1)"
	]}`))
	require.Error(t, err)
	assert.Zero(t, notifier.calls())

	res, err := e.Execute(ctx, engine.NewStmt("SELECT count(*) FROM t"))
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(0)}}, res.Rows)
}

func TestQuery_Results(t *testing.T) {
	r, e, _, notifier := setup(t)
	ctx := context.Background()

	_, err := e.Execute(ctx, engine.NewStmt("CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)"))
	require.NoError(t, err)

	out, err := r.Query(ctx, []byte(`{"statements":[
		{"q":"INSERT INTO t (name) VALUES (?)","params":["alice"]},
		{"q":"INSERT INTO t (name) VALUES (:name)","params":{":name":"bob"}},
		"SELECT id, name FROM t ORDER BY id"
	]}`))
	require.NoError(t, err)
	assert.True(t, out.Wrote)
	assert.Equal(t, 1, notifier.calls())

	body, err := json.Marshal(out.Results)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"results":{"columns":[],"rows":[],"rows_read":0,"rows_written":1,"last_insert_rowid":"1","query_duration_ms":0}},
		{"results":{"columns":[],"rows":[],"rows_read":0,"rows_written":1,"last_insert_rowid":"2","query_duration_ms":0}},
		{"results":{"columns":["id","name"],"rows":[[1,"alice"],[2,"bob"]],"rows_read":2,"rows_written":0,"last_insert_rowid":null,"query_duration_ms":0}}
	]`, string(body))
}

func TestDecide(t *testing.T) {
	assert.Equal(t, Local, Decide([]wire.Request{wire.RequestExecute{}, wire.RequestClose{}}))
	assert.Equal(t, Proxy, Decide([]wire.Request{wire.RequestOther{Kind: "get_autocommit"}}))
	assert.Equal(t, "proxy", Proxy.String())

	d, err := DecideBody([]byte(`{"requests":[{"type":"execute","stmt":"SELECT 1"}]}`))
	require.NoError(t, err)
	assert.Equal(t, Local, d)

	d, err = DecideBody([]byte(`{"requests":[{"type":"execute","stmt":{"sql_id":3}}]}`))
	require.NoError(t, err)
	assert.Equal(t, Proxy, d)
	assert.Equal(t, "local", Local.String())
}
