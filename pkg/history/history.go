// Package history keeps a SQLite log of completed exchanges.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/shaneisley/simplerest/pkg/metrics"
)

// Database stores exchanges and their attempts
type Database struct {
	db   *sql.DB
	path string
}

// Stats summarizes the stored exchanges
type Stats struct {
	Exchanges       int
	Succeeded       int
	Failed          int
	Retries         int
	AverageDuration time.Duration
	LastExchange    time.Time
	SizeBytes       int64
}

// NewDatabase opens or creates the database at dbPath
func NewDatabase(dbPath string) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	database := &Database{
		db:   db,
		path: dbPath,
	}

	if err := database.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return database, nil
}

func (d *Database) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exchanges (
		request_id TEXT PRIMARY KEY,
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		url_hash TEXT NOT NULL,
		session_key TEXT NOT NULL,
		final_status TEXT NOT NULL,
		final_code INTEGER NOT NULL,
		total_duration_seconds REAL NOT NULL,
		total_attempts INTEGER NOT NULL,
		successful_attempts INTEGER NOT NULL,
		failed_attempts INTEGER NOT NULL,
		timestamp INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL REFERENCES exchanges(request_id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		status_code INTEGER NOT NULL,
		error TEXT,
		success BOOLEAN NOT NULL,
		duration_seconds REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_exchanges_timestamp ON exchanges(timestamp);
	CREATE INDEX IF NOT EXISTS idx_exchanges_url_hash ON exchanges(url_hash);
	CREATE INDEX IF NOT EXISTS idx_attempts_request ON attempts(request_id);
	`

	_, err := d.db.Exec(schema)
	return err
}

// Record stores m with its attempts in one transaction
func (d *Database) Record(ctx context.Context, m *metrics.ExchangeMetrics) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT OR REPLACE INTO exchanges (
		request_id, method, url, url_hash, session_key, final_status, final_code,
		total_duration_seconds, total_attempts, successful_attempts, failed_attempts, timestamp
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RequestID, m.Method, m.URL, m.URLHash, m.SessionKey, m.FinalStatus, m.FinalCode,
		m.TotalDurationSeconds, m.TotalAttempts, m.SuccessfulAttempts, m.FailedAttempts, m.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert exchange: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM attempts WHERE request_id = ?", m.RequestID); err != nil {
		return fmt.Errorf("failed to clear attempts: %w", err)
	}
	for i, a := range m.Attempts {
		var errText *string
		if a.Error != "" {
			errText = &a.Error
		}
		_, err := tx.ExecContext(ctx, `
		INSERT INTO attempts (request_id, seq, status_code, error, success, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?)`,
			m.RequestID, i+1, a.StatusCode, errText, a.Success, a.DurationSeconds())
		if err != nil {
			return fmt.Errorf("failed to insert attempt %d: %w", i+1, err)
		}
	}

	return tx.Commit()
}

// Recent returns the newest exchanges first, attempts included
func (d *Database) Recent(ctx context.Context, limit int) ([]*metrics.ExchangeMetrics, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := d.db.QueryContext(ctx, `
	SELECT request_id, method, url, url_hash, session_key, final_status, final_code,
	       total_duration_seconds, total_attempts, successful_attempts, failed_attempts, timestamp
	FROM exchanges
	ORDER BY timestamp DESC, rowid DESC
	LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*metrics.ExchangeMetrics
	for rows.Next() {
		m := &metrics.ExchangeMetrics{}
		err := rows.Scan(&m.RequestID, &m.Method, &m.URL, &m.URLHash, &m.SessionKey,
			&m.FinalStatus, &m.FinalCode, &m.TotalDurationSeconds, &m.TotalAttempts,
			&m.SuccessfulAttempts, &m.FailedAttempts, &m.Timestamp)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, m := range results {
		if m.Attempts, err = d.attempts(ctx, m.RequestID); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (d *Database) attempts(ctx context.Context, requestID string) ([]metrics.AttemptMetric, error) {
	rows, err := d.db.QueryContext(ctx, `
	SELECT status_code, error, success, duration_seconds
	FROM attempts WHERE request_id = ? ORDER BY seq`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []metrics.AttemptMetric
	for rows.Next() {
		var a metrics.AttemptMetric
		var errText sql.NullString
		var seconds float64
		if err := rows.Scan(&a.StatusCode, &errText, &a.Success, &seconds); err != nil {
			return nil, err
		}
		a.Error = errText.String
		a.Duration = time.Duration(seconds * float64(time.Second))
		out = append(out, a)
	}
	return out, rows.Err()
}

// Stats returns aggregate figures over all stored exchanges
func (d *Database) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	var avg sql.NullFloat64
	var last sql.NullInt64
	var succeeded, retries sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
	SELECT COUNT(*),
	       SUM(CASE WHEN final_status = 'succeeded' THEN 1 ELSE 0 END),
	       SUM(total_attempts - 1),
	       AVG(total_duration_seconds),
	       MAX(timestamp)
	FROM exchanges`).Scan(&stats.Exchanges, &succeeded, &retries, &avg, &last)
	if err != nil {
		return nil, err
	}

	stats.Succeeded = int(succeeded.Int64)
	stats.Failed = stats.Exchanges - stats.Succeeded
	stats.Retries = int(retries.Int64)
	if avg.Valid {
		stats.AverageDuration = time.Duration(avg.Float64 * float64(time.Second))
	}
	if last.Valid {
		stats.LastExchange = time.Unix(last.Int64, 0)
	}
	if info, err := os.Stat(d.path); err == nil {
		stats.SizeBytes = info.Size()
	}

	return stats, nil
}

// Cleanup removes exchanges older than maxAge
func (d *Database) Cleanup(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge).Unix()

	_, err := d.db.ExecContext(ctx,
		"DELETE FROM attempts WHERE request_id IN (SELECT request_id FROM exchanges WHERE timestamp < ?)", cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup old attempts: %w", err)
	}
	if _, err := d.db.ExecContext(ctx, "DELETE FROM exchanges WHERE timestamp < ?", cutoff); err != nil {
		return fmt.Errorf("failed to cleanup old exchanges: %w", err)
	}
	return nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// DefaultPath returns the default history location
func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "simplerest-history.db")
	}
	return filepath.Join(homeDir, ".simplerest", "history.db")
}
