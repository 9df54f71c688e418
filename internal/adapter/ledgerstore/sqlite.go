package ledgerstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"researchd/internal/domain"
)

// SQLiteLedgerStore persists usage records so spend history survives a
// restart. It is the durable sink behind the in-memory ledger.
type SQLiteLedgerStore struct {
	db *sql.DB
}

// NewSQLiteLedgerStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteLedgerStore(dbPath string) (*SQLiteLedgerStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	return &SQLiteLedgerStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_records (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id       TEXT NOT NULL,
			provider      TEXT NOT NULL,
			model         TEXT NOT NULL,
			agent         TEXT NOT NULL,
			input_tokens  INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			dollars       REAL NOT NULL,
			recorded_at   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_task ON usage_records(task_id);
		CREATE INDEX IF NOT EXISTS idx_usage_recorded ON usage_records(recorded_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteLedgerStore) Close() error {
	return s.db.Close()
}

// Append inserts one usage record with its derived dollar cost.
func (s *SQLiteLedgerStore) Append(ctx context.Context, rec domain.UsageRecord, dollars float64) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO usage_records (task_id, provider, model, agent, input_tokens, output_tokens, dollars, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		rec.TaskID, rec.Provider, rec.Model, string(rec.Agent),
		rec.InputTokens, rec.OutputTokens, dollars,
		ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// TaskRecords returns the persisted records for one task in insert
// order.
func (s *SQLiteLedgerStore) TaskRecords(ctx context.Context, taskID string) ([]domain.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT task_id, provider, model, agent, input_tokens, output_tokens, recorded_at FROM usage_records WHERE task_id = ? ORDER BY id",
		taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.UsageRecord
	for rows.Next() {
		var rec domain.UsageRecord
		var agent, recordedStr string
		if err := rows.Scan(&rec.TaskID, &rec.Provider, &rec.Model, &agent,
			&rec.InputTokens, &rec.OutputTokens, &recordedStr); err != nil {
			return nil, err
		}
		rec.Agent = domain.AgentType(agent)
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, recordedStr)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// TaskTotal returns the persisted dollar total for one task.
func (s *SQLiteLedgerStore) TaskTotal(ctx context.Context, taskID string) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		"SELECT SUM(dollars) FROM usage_records WHERE task_id = ?", taskID,
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

// SpendSince returns the dollar total recorded at or after the cutoff.
// The daily accumulator is rebuilt from this on startup.
func (s *SQLiteLedgerStore) SpendSince(ctx context.Context, cutoff time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		"SELECT SUM(dollars) FROM usage_records WHERE recorded_at >= ?",
		cutoff.UTC().Format(time.RFC3339Nano),
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}
