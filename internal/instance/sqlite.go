package instance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pipekeeper/pipekeeper/internal/event"
	"github.com/pipekeeper/pipekeeper/internal/model"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	pipeline_name TEXT NOT NULL,
	step_subset TEXT DEFAULT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS event_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	event_type TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL,
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_logs_run_id ON event_logs (run_id);
`

// SQLite keeps runs and events in a sqlite database. Several processes may
// open the same file: the database runs in WAL mode with a busy timeout.
type SQLite struct {
	path string
	db   *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite instance: empty path")
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving instance path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating instance directory: %w", err)
	}

	// immediate transactions take the write lock up front, so a status read
	// inside one can't go stale before the write
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("creating schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLite{path: path, db: db}, nil
}

func (s *SQLite) Ref() Ref {
	return Ref{Kind: KindSQLite, Path: s.path}
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) CreateRun(ctx context.Context, run model.Run) error {
	var subset sql.NullString
	if run.StepSubset != nil {
		b, err := json.Marshal(run.StepSubset)
		if err != nil {
			return fmt.Errorf("marshaling step subset: %w", err)
		}
		subset = sql.NullString{String: string(b), Valid: true}
	}
	if run.Status == "" {
		run.Status = model.RunStatusNotStarted
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, pipeline_name, step_subset, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (run_id) DO NOTHING`,
		run.RunID, run.PipelineName, subset, string(run.Status),
		run.CreatedAt.UnixNano(), run.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", run.RunID, ErrAlreadyExists)
	}
	return nil
}

func (s *SQLite) GetRunByID(ctx context.Context, runID string) (model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, pipeline_name, step_subset, status, created_at, updated_at FROM runs WHERE run_id = ?`,
		runID,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run, err
}

func (s *SQLite) Runs(ctx context.Context) ([]model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, pipeline_name, step_subset, status, created_at, updated_at FROM runs ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (model.Run, error) {
	var (
		run                  model.Run
		subset               sql.NullString
		status               string
		createdAt, updatedAt int64
	)
	err := row.Scan(&run.RunID, &run.PipelineName, &subset, &status, &createdAt, &updatedAt)
	if err != nil {
		return model.Run{}, err
	}
	if subset.Valid {
		if err := json.Unmarshal([]byte(subset.String), &run.StepSubset); err != nil {
			return model.Run{}, fmt.Errorf("decoding step subset of %s: %w", run.RunID, err)
		}
	}
	run.Status = model.RunStatus(status)
	run.CreatedAt = time.Unix(0, createdAt).UTC()
	run.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return run, nil
}

// HandleNewEvent stores the record and, in the same transaction, moves the
// run to the status the event implies. Finished runs keep their status and
// reject synthetic failures.
func (s *SQLite) HandleNewEvent(ctx context.Context, rec event.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "rollback failed", "run_id", rec.RunID, "error", err)
		}
	}()

	if rec.Synthetic() {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, rec.RunID).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("querying run status: %w", err)
		case model.RunStatus(status).IsFinished():
			return fmt.Errorf("run %s is %s: %w", rec.RunID, status, ErrRunFinished)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO event_logs (run_id, event_type, timestamp, body) VALUES (?, ?, ?, ?)`,
		rec.RunID, string(rec.Type()), rec.Timestamp.UnixNano(), string(body),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	if status, ok := rec.Type().RunStatus(); ok {
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, updated_at = ?
			WHERE run_id = ? AND status NOT IN (?, ?, ?)`,
			string(status), rec.Timestamp.UnixNano(), rec.RunID,
			string(model.RunStatusSuccess), string(model.RunStatusFailure), string(model.RunStatusCanceled),
		)
		if err != nil {
			return fmt.Errorf("updating run status: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing event: %w", err)
	}
	return nil
}

func (s *SQLite) EventsForRun(ctx context.Context, runID string) ([]event.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM event_logs WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []event.Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var rec event.Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("decoding event of %s: %w", runID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
