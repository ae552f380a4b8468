package engine

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// SnapshotSource streams a SQL text dump of the primary
type SnapshotSource interface {
	Snapshot(ctx context.Context) (io.ReadCloser, error)
}

// Sync rebuilds the replica from a primary snapshot.
// The dump is loaded into a scratch database first and then copied over the
// live file with the online backup API, so readers never observe a partial
// restore. The write connection is held from before the fetch until the
// restore finishes: every local commit either reached the primary before the
// dump was taken or waits for the restore. Concurrent calls corrupt the
// scratch file; callers serialize.
func (e *SQLite) Sync(ctx context.Context) (Replicated, error) {
	if e.closed.Load() {
		return Replicated{}, ErrClosed
	}
	if e.snapshots == nil {
		return Replicated{FrameNo: e.generation.Load()}, nil
	}

	writer, err := e.writeDB.Conn(ctx)
	if err != nil {
		return Replicated{}, fmt.Errorf("failed to acquire write connection: %w", err)
	}
	defer writer.Close()

	body, err := e.snapshots.Snapshot(ctx)
	if err != nil {
		return Replicated{}, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	dump, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return Replicated{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	scratchPath := e.path + ".sync"
	removeDatabaseFiles(scratchPath)
	defer removeDatabaseFiles(scratchPath)

	scratch, err := sql.Open(DriverName, fmt.Sprintf("file:%s?_journal_mode=OFF&_sync=OFF", scratchPath))
	if err != nil {
		return Replicated{}, fmt.Errorf("failed to open scratch database: %w", err)
	}
	defer scratch.Close()
	scratch.SetMaxOpenConns(1)

	if _, err := scratch.ExecContext(ctx, string(dump)); err != nil {
		return Replicated{}, fmt.Errorf("failed to apply snapshot: %w", err)
	}

	start := time.Now()
	if err := restore(ctx, writer, scratch); err != nil {
		return Replicated{}, fmt.Errorf("failed to restore snapshot: %w", err)
	}

	rep := Replicated{
		FrameNo:      e.generation.Add(1),
		FramesSynced: countStatements(dump),
	}
	log.Debug().
		Int64("generation", rep.FrameNo).
		Int64("statements", rep.FramesSynced).
		Int("bytes", len(dump)).
		Dur("restore", time.Since(start)).
		Msg("Snapshot restored")
	return rep, nil
}

// restore copies every page of src over the database behind dstConn
func restore(ctx context.Context, dstConn *sql.Conn, src *sql.DB) error {
	srcConn, err := src.Conn(ctx)
	if err != nil {
		return err
	}
	defer srcConn.Close()

	return dstConn.Raw(func(d any) error {
		dc, ok := d.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected destination connection %T", d)
		}
		return srcConn.Raw(func(s any) error {
			sc, ok := s.(*sqlite3.SQLiteConn)
			if !ok {
				return fmt.Errorf("unexpected source connection %T", s)
			}
			return backup(ctx, dc, sc)
		})
	})
}

func backup(ctx context.Context, dst, src *sqlite3.SQLiteConn) error {
	b, err := dst.Backup("main", src, "main")
	if err != nil {
		return err
	}

	for {
		// Step reports BUSY and LOCKED as (false, nil)
		done, err := b.Step(-1)
		if err != nil {
			b.Close()
			return err
		}
		if done {
			return b.Finish()
		}

		select {
		case <-ctx.Done():
			b.Close()
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// countStatements counts dump lines that terminate a statement
func countStatements(dump []byte) int64 {
	var n int64
	sc := bufio.NewScanner(bytes.NewReader(dump))
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for sc.Scan() {
		if strings.HasSuffix(strings.TrimSpace(sc.Text()), ";") {
			n++
		}
	}
	return n
}

func removeDatabaseFiles(path string) {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		os.Remove(path + suffix)
	}
}
