// Package engine is the boundary to the local embedded replica.
//
// The router only depends on the Engine interface. SQLite implements it on top
// of go-sqlite3: reads run against a local file, committed writes are delegated
// to the primary as one atomic batch before the local commit, and Sync restores
// the local file from a primary snapshot.
package engine

import (
	"context"
	"database/sql"
	"errors"
)

// ErrClosed is returned when using a closed engine or finished transaction
var ErrClosed = errors.New("engine closed")

// Stmt is one SQL statement with optional positional and named arguments
type Stmt struct {
	SQL   string
	Args  []any
	Named map[string]any // keys without the leading ':', '@' or '$'
}

// NewStmt returns a Stmt without arguments
func NewStmt(sql string) Stmt {
	return Stmt{SQL: sql}
}

func (s Stmt) args() []any {
	if len(s.Args) == 0 && len(s.Named) == 0 {
		return nil
	}
	out := make([]any, 0, len(s.Args)+len(s.Named))
	out = append(out, s.Args...)
	for name, v := range s.Named {
		out = append(out, sql.Named(name, v))
	}
	return out
}

// Result is the outcome of executing one statement
type Result struct {
	Columns         []string
	Rows            [][]any
	RowsAffected    int64
	LastInsertRowID *int64 // nil for statements that return rows
}

// Wrote reports whether the statement changed any row
func (r *Result) Wrote() bool {
	return r != nil && r.RowsAffected != 0
}

// Replicated reports the outcome of a sync
type Replicated struct {
	FrameNo      int64 // Local sync generation
	FramesSynced int64 // Statements applied from the snapshot
}

// Executor runs single statements
type Executor interface {
	Execute(ctx context.Context, stmt Stmt) (*Result, error)
}

// Tx is a local transaction
type Tx interface {
	Executor
	Commit() error
	Rollback() error
}

// Engine is the local replica used by the router and the sync coordinator
type Engine interface {
	Executor

	// Batch runs stmts atomically and in order
	Batch(ctx context.Context, stmts []Stmt) ([]*Result, error)

	// Begin opens a deferred transaction
	Begin(ctx context.Context) (Tx, error)

	// Sync pulls the primary's state into the local replica.
	// Must not be called concurrently.
	Sync(ctx context.Context) (Replicated, error)

	Close() error
}

// WriteForwarder applies writes on the primary atomically
type WriteForwarder interface {
	ForwardWrites(ctx context.Context, stmts []Stmt) error
}
