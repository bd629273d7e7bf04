// Package audit records per-row backfill outcomes in a local SQLite file.
package audit

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	osbackfill "github.com/deviceops/osbackfill"
)

const outcomesTable = "backfill_outcomes"

const createOutcomesTableSQL = `CREATE TABLE IF NOT EXISTS ` + outcomesTable + ` (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	suid TEXT,
	zid TEXT,
	os TEXT,
	outcome TEXT NOT NULL,
	error TEXT,
	created_at INTEGER NOT NULL
)`

// SQLiteSink appends one row per settled record outcome. database/sql
// serializes writers, so the sink is safe for concurrent use by window tasks.
type SQLiteSink struct {
	db    *sql.DB
	runID string
}

// Open creates (or reuses) the outcome table at path.
func Open(path, runID string) (*SQLiteSink, error) {
	if path == "" {
		return nil, errors.New("audit db path cannot be empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open audit db")
	}
	if _, err := db.Exec(createOutcomesTableSQL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create audit outcome table")
	}
	return &SQLiteSink{db: db, runID: runID}, nil
}

// Record appends one outcome row.
func (s *SQLiteSink) Record(ctx context.Context, rec osbackfill.OutcomeRecord) error {
	errText := ""
	if rec.Err != nil {
		errText = rec.Err.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+outcomesTable+` (run_id, suid, zid, os, outcome, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.runID,
		rec.Key.PrimaryID,
		rec.Key.DeviceID,
		string(rec.OS),
		rec.Outcome.String(),
		errText,
		rec.At.UTC().Unix(),
	)
	if err != nil {
		return errors.Wrap(err, "insert audit outcome row")
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
