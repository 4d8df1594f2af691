package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	StatusUploaded = "UPLOADED"
	StatusFailed   = "FAILED"
)

// Entry is one upload attempt as recorded in the history ledger.
type Entry struct {
	ID         int64
	FileName   string
	WriteTime  time.Time
	Size       int64
	Status     string
	Stage      string // empty for successful uploads
	Error      string
	Attempt    int
	CycleID    string
	RecordedAt time.Time
}

// Ledger is an append-only log of upload outcomes. It is informational:
// the sync state file remains the only input to the stability decision.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

func Open(dbPath string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", dbPath, err)
	}
	conn.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS upload_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_name TEXT NOT NULL,
		write_time INTEGER,
		file_size INTEGER,
		status TEXT NOT NULL,
		stage TEXT,
		error TEXT,
		attempt INTEGER,
		cycle_id TEXT,
		recorded_at INTEGER
	);
	`
	index := `CREATE INDEX IF NOT EXISTS upload_log_file ON upload_log (file_name);`
	for _, stmt := range []string{schema, index} {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return &Ledger{db: conn, now: time.Now}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record appends e. RecordedAt defaults to now.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = l.now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO upload_log (file_name, write_time, file_size, status, stage, error, attempt, cycle_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.FileName, e.WriteTime.Unix(), e.Size, e.Status, e.Stage, e.Error, e.Attempt, e.CycleID, e.RecordedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to record history for %s: %w", e.FileName, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. A limit <= 0 returns everything.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT id, file_name, write_time, file_size, status, stage, error, attempt, cycle_id, recorded_at
		FROM upload_log ORDER BY id DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var writeTime, recordedAt int64
		var stage, errText, cycleID sql.NullString
		if err := rows.Scan(&e.ID, &e.FileName, &writeTime, &e.Size, &e.Status, &stage, &errText, &e.Attempt, &cycleID, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to read history: %w", err)
		}
		e.WriteTime = time.Unix(writeTime, 0).UTC()
		e.RecordedAt = time.Unix(recordedAt, 0).UTC()
		e.Stage, e.Error, e.CycleID = stage.String, errText.String, cycleID.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Reset deletes the history of fileName, or of every file when fileName is empty.
// It returns the number of rows removed.
func (l *Ledger) Reset(ctx context.Context, fileName string) (int64, error) {
	var res sql.Result
	var err error
	if fileName != "" {
		res, err = l.db.ExecContext(ctx, "DELETE FROM upload_log WHERE file_name = ?", fileName)
	} else {
		res, err = l.db.ExecContext(ctx, "DELETE FROM upload_log")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to reset history: %w", err)
	}
	return res.RowsAffected()
}
