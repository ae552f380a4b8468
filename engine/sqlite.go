package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/maxpert/edgepop/statement"
	"github.com/rs/zerolog/log"
)

const busyTimeoutMS = 5000

// Options configures a SQLite engine
type Options struct {
	Path         string
	MaxOpenConns int            // Read pool size
	Forwarder    WriteForwarder // nil keeps writes local (tests, standalone use)
	Snapshots    SnapshotSource // nil makes Sync a no-op
}

// SQLite is an Engine backed by a local go-sqlite3 database file.
// Writes go through a single connection; reads use a pool (WAL mode).
type SQLite struct {
	path      string
	writeDB   *sql.DB
	readDB    *sql.DB
	forwarder WriteForwarder
	snapshots SnapshotSource

	generation atomic.Int64
	closed     atomic.Bool
}

// Open opens or creates the local replica
func Open(opts Options) (*SQLite, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	if opts.MaxOpenConns < 1 {
		opts.MaxOpenConns = 4
	}

	writeDSN := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=deferred", opts.Path, busyTimeoutMS)
	writeDB, err := sql.Open(DriverName, writeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDSN := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", opts.Path, busyTimeoutMS)
	readDB, err := sql.Open(DriverName, readDSN)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(opts.MaxOpenConns)
	readDB.SetMaxIdleConns(opts.MaxOpenConns)

	// Force creation of the file and WAL mode before serving reads
	if err := writeDB.Ping(); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", opts.Path, err)
	}

	log.Info().
		Str("path", opts.Path).
		Int("read_pool", opts.MaxOpenConns).
		Bool("write_delegation", opts.Forwarder != nil).
		Msg("Local replica opened")

	return &SQLite{
		path:      opts.Path,
		writeDB:   writeDB,
		readDB:    readDB,
		forwarder: opts.Forwarder,
		snapshots: opts.Snapshots,
	}, nil
}

// Execute runs a single statement. Read-only statements use the read pool,
// anything else runs in its own transaction so it can be delegated.
func (e *SQLite) Execute(ctx context.Context, stmt Stmt) (*Result, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	if e.readOnly(ctx, stmt.SQL) {
		conn, err := e.readDB.Conn(ctx)
		if err != nil {
			return nil, err
		}
		defer conn.Close()
		return run(ctx, conn, stmt)
	}

	tx, err := e.Begin(ctx)
	if err != nil {
		return nil, err
	}
	res, err := tx.Execute(ctx, stmt)
	if err != nil {
		rollback(tx)
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

// readOnly asks SQLite whether sql leaves the database unchanged.
// Transaction control always takes the write path. Statements that do not
// compile on a read connection fall back to the keyword classifier.
func (e *SQLite) readOnly(ctx context.Context, sql string) bool {
	if statement.IsTransactionControl(sql) {
		return false
	}

	conn, err := e.readDB.Conn(ctx)
	if err != nil {
		return statement.Classify(sql).IsReadOnly()
	}
	defer conn.Close()

	var readonly bool
	err = conn.Raw(func(d any) error {
		c, ok := d.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected connection %T", d)
		}
		s, err := c.Prepare(sql)
		if err != nil {
			return err
		}
		defer s.Close()
		readonly = s.(*sqlite3.SQLiteStmt).Readonly()
		return nil
	})
	if err != nil {
		return statement.Classify(sql).IsReadOnly()
	}
	return readonly
}

func rollback(tx Tx) {
	if err := tx.Rollback(); err != nil {
		log.Debug().Err(err).Msg("Failed to rollback transaction")
	}
}

// Batch runs stmts in one transaction; the first failure rolls everything back
func (e *SQLite) Batch(ctx context.Context, stmts []Stmt) ([]*Result, error) {
	tx, err := e.Begin(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, 0, len(stmts))
	for _, stmt := range stmts {
		res, err := tx.Execute(ctx, stmt)
		if err != nil {
			rollback(tx)
			return nil, err
		}
		results = append(results, res)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return results, nil
}

// Begin opens a deferred transaction on the write connection
func (e *SQLite) Begin(ctx context.Context) (Tx, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	tx, err := e.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqliteTx{engine: e, ctx: ctx, tx: tx, forwarder: e.forwarder}, nil
}

// Generation returns the number of completed syncs
func (e *SQLite) Generation() int64 {
	return e.generation.Load()
}

// Close closes both pools
func (e *SQLite) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	rerr := e.readDB.Close()
	werr := e.writeDB.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// sqliteTx records write statements so they can be delegated at commit
type sqliteTx struct {
	engine    *SQLite
	ctx       context.Context
	tx        *sql.Tx
	forwarder WriteForwarder
	writes    []Stmt
	done      bool
}

func (t *sqliteTx) Execute(ctx context.Context, stmt Stmt) (*Result, error) {
	if t.done {
		return nil, ErrClosed
	}
	write := !t.engine.readOnly(ctx, stmt.SQL)
	res, err := run(ctx, t.tx, stmt)
	if err != nil {
		return nil, err
	}
	if write {
		t.writes = append(t.writes, stmt)
	}
	return res, nil
}

// Commit delegates recorded writes to the primary, then commits locally.
// A primary failure rolls back the local transaction.
func (t *sqliteTx) Commit() error {
	if t.done {
		return ErrClosed
	}
	t.done = true

	if t.forwarder != nil && len(t.writes) > 0 {
		start := time.Now()
		if err := t.forwarder.ForwardWrites(t.ctx, t.writes); err != nil {
			if rbErr := t.tx.Rollback(); rbErr != nil {
				log.Debug().Err(rbErr).Msg("Failed to rollback transaction after primary rejected writes")
			}
			return err
		}
		log.Debug().
			Int("statements", len(t.writes)).
			Dur("duration", time.Since(start)).
			Msg("Writes delegated to primary")
	}

	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// run executes stmt on q and collects rows plus change counters.
// changes() is only trusted when total_changes() moved, since a SELECT does
// not reset it.
func run(ctx context.Context, q queryer, stmt Stmt) (*Result, error) {
	var before int64
	if err := q.QueryRowContext(ctx, "SELECT total_changes()").Scan(&before); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, stmt.SQL, stmt.args()...)
	if err != nil {
		return nil, err
	}

	res, err := collect(rows)
	if err != nil {
		return nil, err
	}

	var after, changes, lastID int64
	err = q.QueryRowContext(ctx, "SELECT total_changes(), changes(), last_insert_rowid()").
		Scan(&after, &changes, &lastID)
	if err != nil {
		return nil, err
	}

	if after != before {
		res.RowsAffected = changes
	}
	if len(res.Columns) == 0 {
		res.LastInsertRowID = &lastID
	}
	return res, nil
}

func collect(rows *sql.Rows) (*Result, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	res := &Result{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}
