// Package logdb implements the per-device append-only log database: a
// single-file SQLite database holding one Log table, opened read-write for
// the local device and read-only for every foreign device mirrored into the
// package (see internal/filepkg).
package logdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/synckv/synckv/internal/clock"
)

// schemaSQL creates the Log table and its indexes. Columns and index names
// are bit-exact with SPEC_FULL.md §6 ("Log row encoding") so that any two
// implementations of this store can read each other's databases.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS Log (
	timestamp       INTEGER NOT NULL,
	parentTimestamp INTEGER,
	key             TEXT NOT NULL,
	blob            BLOB
);
CREATE INDEX IF NOT EXISTS idx_log_timestamp ON Log(timestamp);
CREATE INDEX IF NOT EXISTS idx_log_parent_timestamp ON Log(parentTimestamp);
CREATE INDEX IF NOT EXISTS idx_log_key ON Log(key);
`

// Entry is one immutable row of a device's log.
type Entry struct {
	Timestamp       int64
	ParentTimestamp int64 // clock.DistantPast sentinel means "none"
	Key             string
	Blob            []byte // nil means tombstone
}

// HasParent reports whether ParentTimestamp is a real timestamp rather than
// the "no parent" sentinel (clock.DistantPast).
func (e Entry) HasParent() bool {
	return e.ParentTimestamp != clock.DistantPast
}

// Order controls the direction rows are streamed in.
type Order int

const (
	// Ascending streams oldest rows first.
	Ascending Order = iota
	// Descending streams newest rows first.
	Descending
)

// DB is a single device's Log database.
//
// Journal mode: rollback journal (SQLite's default "DELETE" mode), not WAL.
// A file-syncing service (Dropbox, iCloud Drive, etc.) uploads whole files
// it sees close; WAL mode splits state across the main file plus -wal/-shm
// auxiliary files that such services do not reliably sync as a unit, which
// can hand a peer a main file whose recent commits live only in a -wal file
// it never received. Rollback-journal mode keeps all committed state in the
// single main file, at the cost of serializing readers behind the writer's
// commit — acceptable here since this store has exactly one writer per file.
type DB struct {
	path     string
	readonly bool
	logger   *slog.Logger

	mu         sync.Mutex
	sqlDB      *sql.DB
	lastAccess time.Time
}

// Open opens (creating if necessary, and readwrite only) the Log database at
// path. A readonly DB never creates the file and rejects writes at the
// application layer (Append panics-free, returns an error instead).
func Open(path string, readonly bool, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db := &DB{path: path, readonly: readonly, logger: logger}
	if err := db.ensureOpen(); err != nil {
		return nil, err
	}
	return db, nil
}

func (d *DB) ensureOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ensureOpenLocked()
}

func (d *DB) ensureOpenLocked() error {
	if d.sqlDB != nil {
		d.lastAccess = time.Now()
		return nil
	}

	dsn := d.path
	if d.readonly {
		dsn = fmt.Sprintf("file:%s?mode=ro&_journal_mode=DELETE", d.path)
	} else {
		dsn = fmt.Sprintf("file:%s?mode=rwc&_journal_mode=DELETE&_busy_timeout=5000", d.path)
	}

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("logdb: open %s: %w", d.path, err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return fmt.Errorf("logdb: open %s: %w", d.path, err)
	}
	if !d.readonly {
		sqlDB.SetMaxOpenConns(1)
		if _, err := sqlDB.Exec(schemaSQL); err != nil {
			sqlDB.Close()
			return fmt.Errorf("logdb: apply schema %s: %w", d.path, err)
		}
	}

	d.sqlDB = sqlDB
	d.lastAccess = time.Now()
	d.logger.Debug("logdb opened", slog.String("path", d.path), slog.Bool("readonly", d.readonly))
	return nil
}

// Append inserts a new log row. Returns an error if the database was opened
// readonly.
func (d *DB) Append(ctx context.Context, e Entry) error {
	if d.readonly {
		return fmt.Errorf("logdb: append: %s is readonly", d.path)
	}
	if err := d.ensureOpen(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastAccess = time.Now()

	var parent any
	if e.ParentTimestamp != clock.DistantPast {
		parent = e.ParentTimestamp
	}
	_, err := d.sqlDB.ExecContext(ctx,
		`INSERT INTO Log (timestamp, parentTimestamp, key, blob) VALUES (?, ?, ?, ?)`,
		e.Timestamp, parent, e.Key, e.Blob,
	)
	if err != nil {
		return fmt.Errorf("logdb: append %s: %w", d.path, err)
	}
	return nil
}

// AppendBatch inserts multiple rows inside a single transaction, used by
// the merge engine's coalesced Save so a write burst produces one commit
// instead of one per row.
func (d *DB) AppendBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if d.readonly {
		return fmt.Errorf("logdb: append batch: %s is readonly", d.path)
	}
	if err := d.ensureOpen(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastAccess = time.Now()

	tx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("logdb: append batch begin %s: %w", d.path, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO Log (timestamp, parentTimestamp, key, blob) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("logdb: append batch prepare %s: %w", d.path, err)
	}
	for _, e := range entries {
		var parent any
		if e.ParentTimestamp != clock.DistantPast {
			parent = e.ParentTimestamp
		}
		if _, err := stmt.ExecContext(ctx, e.Timestamp, parent, e.Key, e.Blob); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("logdb: append batch exec %s: %w", d.path, err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("logdb: append batch commit %s: %w", d.path, err)
	}
	return nil
}

// NeighborBefore returns the newest row for key with timestamp strictly
// less than ts, or ok=false if none exists.
func (d *DB) NeighborBefore(ctx context.Context, key string, ts int64) (Entry, bool, error) {
	return d.neighbor(ctx, key, ts, "<", "DESC")
}

// NeighborAfter returns the oldest row for key with timestamp strictly
// greater than ts, or ok=false if none exists.
func (d *DB) NeighborAfter(ctx context.Context, key string, ts int64) (Entry, bool, error) {
	return d.neighbor(ctx, key, ts, ">", "ASC")
}

func (d *DB) neighbor(ctx context.Context, key string, ts int64, op, dir string) (Entry, bool, error) {
	if err := d.ensureOpen(); err != nil {
		return Entry{}, false, err
	}
	d.mu.Lock()
	d.lastAccess = time.Now()
	sqlDB := d.sqlDB
	d.mu.Unlock()

	query := fmt.Sprintf(`SELECT timestamp, parentTimestamp, key, blob FROM Log
		WHERE key = ? AND timestamp %s ?
		ORDER BY timestamp %s LIMIT 1`, op, dir)
	row := sqlDB.QueryRowContext(ctx, query, key, ts)
	e := Entry{ParentTimestamp: clock.DistantPast}
	var parent sql.NullInt64
	if err := row.Scan(&e.Timestamp, &parent, &e.Key, &e.Blob); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("logdb: neighbor %s: %w", d.path, err)
	}
	if parent.Valid {
		e.ParentTimestamp = parent.Int64
	}
	return e, true, nil
}

// Blink is a no-op write-through that releases any file lock the process
// holds so an external file-sync service can upload the file. SQLite in
// rollback-journal mode holds its write lock only for the duration of a
// transaction, so by the time Blink is called (after Save's commit) there is
// nothing left to release on this platform; Blink exists as the documented
// hook a platform-specific file-coordination layer would wrap.
func (d *DB) Blink() {
	d.logger.Debug("logdb blink", slog.String("path", d.path))
}

// FetchAfter streams rows with timestamp strictly greater than tsExclusive,
// in the given order, invoking fn for each row in batches of batchSize. fn
// returning an error stops iteration and the error propagates.
func (d *DB) FetchAfter(ctx context.Context, tsExclusive int64, order Order, batchSize int, fn func(Entry) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if err := d.ensureOpen(); err != nil {
		return err
	}
	d.mu.Lock()
	d.lastAccess = time.Now()
	sqlDB := d.sqlDB
	d.mu.Unlock()

	dir := "ASC"
	if order == Descending {
		dir = "DESC"
	}
	// Rows sharing one timestamp (SetMany stamps every key alike) can span a
	// batch boundary, so paging resumes after the last (timestamp, rowid)
	// pair. The initial rowid bound admits no row at exactly tsExclusive.
	cursor := tsExclusive
	cursorRowID := clock.DistantFuture
	if order == Descending {
		cursorRowID = clock.DistantPast
	}
	for {
		query := fmt.Sprintf(`SELECT rowid, timestamp, parentTimestamp, key, blob FROM Log
			WHERE timestamp %s ? OR (timestamp = ? AND rowid %s ?)
			ORDER BY timestamp %s, rowid %s
			LIMIT ?`, cmpOp(order), cmpOp(order), dir, dir)
		rows, err := sqlDB.QueryContext(ctx, query, cursor, cursor, cursorRowID, batchSize)
		if err != nil {
			return fmt.Errorf("logdb: fetch after %s: %w", d.path, err)
		}
		n := 0
		var last, lastRowID int64
		for rows.Next() {
			e := Entry{ParentTimestamp: clock.DistantPast}
			var parent sql.NullInt64
			if err := rows.Scan(&lastRowID, &e.Timestamp, &parent, &e.Key, &e.Blob); err != nil {
				rows.Close()
				return fmt.Errorf("logdb: scan %s: %w", d.path, err)
			}
			if parent.Valid {
				e.ParentTimestamp = parent.Int64
			}
			last = e.Timestamp
			n++
			if err := fn(e); err != nil {
				rows.Close()
				return err
			}
		}
		closeErr := rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("logdb: iterate %s: %w", d.path, err)
		}
		if closeErr != nil {
			return fmt.Errorf("logdb: close rows %s: %w", d.path, closeErr)
		}
		if n < batchSize {
			return nil
		}
		cursor = last
		cursorRowID = lastRowID
	}
}

func cmpOp(order Order) string {
	if order == Descending {
		return "<"
	}
	return ">"
}

// FetchLatestForKey returns the newest row for key with timestamp <=
// atOrBefore, or ok=false if no such row exists.
func (d *DB) FetchLatestForKey(ctx context.Context, key string, atOrBefore int64) (Entry, bool, error) {
	if err := d.ensureOpen(); err != nil {
		return Entry{}, false, err
	}
	d.mu.Lock()
	d.lastAccess = time.Now()
	sqlDB := d.sqlDB
	d.mu.Unlock()

	row := sqlDB.QueryRowContext(ctx,
		`SELECT timestamp, parentTimestamp, key, blob FROM Log
		 WHERE key = ? AND timestamp <= ?
		 ORDER BY timestamp DESC LIMIT 1`,
		key, atOrBefore,
	)
	e := Entry{ParentTimestamp: clock.DistantPast}
	var parent sql.NullInt64
	if err := row.Scan(&e.Timestamp, &parent, &e.Key, &e.Blob); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("logdb: fetch latest %s: %w", d.path, err)
	}
	if parent.Valid {
		e.ParentTimestamp = parent.Int64
	}
	return e, true, nil
}

// FetchRange returns every row with from <= timestamp <= to, ascending.
func (d *DB) FetchRange(ctx context.Context, from, to int64) ([]Entry, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.lastAccess = time.Now()
	sqlDB := d.sqlDB
	d.mu.Unlock()

	rows, err := sqlDB.QueryContext(ctx,
		`SELECT timestamp, parentTimestamp, key, blob FROM Log
		 WHERE timestamp >= ? AND timestamp <= ?
		 ORDER BY timestamp ASC, key ASC`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("logdb: fetch range %s: %w", d.path, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e := Entry{ParentTimestamp: clock.DistantPast}
		var parent sql.NullInt64
		if err := rows.Scan(&e.Timestamp, &parent, &e.Key, &e.Blob); err != nil {
			return nil, fmt.Errorf("logdb: scan %s: %w", d.path, err)
		}
		if parent.Valid {
			e.ParentTimestamp = parent.Int64
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("logdb: iterate %s: %w", d.path, err)
	}
	return out, nil
}

// MaxTimestamp returns the greatest timestamp currently in the log, or ok=false
// if the log is empty. Used to recompute a device's cursor after import.
func (d *DB) MaxTimestamp(ctx context.Context) (int64, bool, error) {
	if err := d.ensureOpen(); err != nil {
		return 0, false, err
	}
	d.mu.Lock()
	d.lastAccess = time.Now()
	sqlDB := d.sqlDB
	d.mu.Unlock()

	var ts sql.NullInt64
	if err := sqlDB.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM Log`).Scan(&ts); err != nil {
		return 0, false, fmt.Errorf("logdb: max timestamp %s: %w", d.path, err)
	}
	if !ts.Valid {
		return 0, false, nil
	}
	return ts.Int64, true, nil
}

// HasRow reports whether a row with the given (timestamp, key) already
// exists, used by InsertChanges' overwrite mode to skip duplicates.
func (d *DB) HasRow(ctx context.Context, timestamp int64, key string) (bool, error) {
	if err := d.ensureOpen(); err != nil {
		return false, err
	}
	d.mu.Lock()
	d.lastAccess = time.Now()
	sqlDB := d.sqlDB
	d.mu.Unlock()

	var n int
	if err := sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM Log WHERE timestamp = ? AND key = ?`, timestamp, key,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("logdb: has row %s: %w", d.path, err)
	}
	return n > 0, nil
}

// IdleSince reports how long the database has sat unused, for the owning
// engine's auto-close timer.
func (d *DB) IdleSince() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sqlDB == nil {
		return 0
	}
	return time.Since(d.lastAccess)
}

// Close closes the underlying SQLite handle. The DB reopens lazily on next
// use (Append/Fetch*/MaxTimestamp/HasRow all call ensureOpen first).
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sqlDB == nil {
		return nil
	}
	err := d.sqlDB.Close()
	d.sqlDB = nil
	if err != nil {
		return fmt.Errorf("logdb: close %s: %w", d.path, err)
	}
	d.logger.Debug("logdb closed", slog.String("path", d.path))
	return nil
}

// Path returns the database's file path.
func (d *DB) Path() string { return d.path }

// ReadOnly reports whether this handle was opened readonly.
func (d *DB) ReadOnly() bool { return d.readonly }
