package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/petervdpas/peercall/internal/call"

	_ "modernc.org/sqlite"
)

// json encodes records for both the SQLite and the Redis store.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DB is a call record store on SQLite.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
	now  func() time.Time
}

// Open opens or creates calls.db in the given directory.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return OpenFile(filepath.Join(dir, "calls.db"))
}

// OpenFile opens or creates the database at path.
func OpenFile(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps the pragmas below in force for every statement.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			call_id     TEXT PRIMARY KEY,
			caller_id   TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			status      TEXT NOT NULL,
			revision    INTEGER NOT NULL,
			record      TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS calls_receiver ON calls (receiver_id, created_at);
		CREATE INDEX IF NOT EXISTS calls_caller ON calls (caller_id, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &DB{db: db, path: path, now: time.Now}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Apply runs p against the stored record inside one transaction. The update is
// guarded on the revision that was read, so a second relay process writing the
// same file cannot interleave.
func (d *DB) Apply(ctx context.Context, callID string, p call.Patch) (call.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return call.Record{}, fmt.Errorf("%w: begin: %v", call.ErrRelayUnavailable, err)
	}
	defer tx.Rollback()

	cur, err := getRecord(ctx, tx, callID)
	if err != nil && !errors.Is(err, call.ErrNotFound) {
		return call.Record{}, err
	}
	rec, err := call.ApplyPatch(cur, callID, p, d.now().UTC())
	if err != nil {
		return call.Record{}, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return call.Record{}, fmt.Errorf("encode record: %w", err)
	}

	if cur == nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO calls (call_id, caller_id, receiver_id, status, revision, record, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.CallID, rec.CallerID, rec.ReceiverID, string(rec.Status), rec.Revision, string(data),
			rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
		if err != nil {
			return call.Record{}, fmt.Errorf("%w: insert %s: %v", call.ErrPublishConflict, callID, err)
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE calls SET status = ?, revision = ?, record = ?, updated_at = ?
			WHERE call_id = ? AND revision = ?`,
			string(rec.Status), rec.Revision, string(data), rec.UpdatedAt.UnixNano(), callID, cur.Revision)
		if err != nil {
			return call.Record{}, fmt.Errorf("%w: update: %v", call.ErrRelayUnavailable, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return call.Record{}, fmt.Errorf("%w: %s changed underneath", call.ErrRelayUnavailable, callID)
		}
	}

	if err := tx.Commit(); err != nil {
		return call.Record{}, fmt.Errorf("%w: commit: %v", call.ErrRelayUnavailable, err)
	}
	return rec, nil
}

// Get returns the stored record or call.ErrNotFound.
func (d *DB) Get(ctx context.Context, callID string) (call.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, err := getRecord(ctx, d.db, callID)
	if err != nil {
		return call.Record{}, err
	}
	return *rec, nil
}

// List returns matching records, newest first. limit <= 0 means DefaultListLimit.
func (d *DB) List(ctx context.Context, f call.Filter, limit int) ([]call.Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := `SELECT record FROM calls WHERE 1 = 1`
	var args []any
	if f.CallID != "" {
		query += ` AND call_id = ?`
		args = append(args, f.CallID)
	}
	if f.ReceiverID != "" {
		query += ` AND receiver_id = ?`
		args = append(args, f.ReceiverID)
	}
	if f.CallerID != "" {
		query += ` AND caller_id = ?`
		args = append(args, f.CallerID)
	}
	query += ` ORDER BY created_at DESC, call_id LIMIT ?`
	args = append(args, limit)

	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", call.ErrRelayUnavailable, err)
	}
	defer rows.Close()

	var out []call.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec call.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryRower, callID string) (*call.Record, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT record FROM calls WHERE call_id = ?`, callID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", call.ErrNotFound, callID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", call.ErrRelayUnavailable, callID, err)
	}
	var rec call.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}
