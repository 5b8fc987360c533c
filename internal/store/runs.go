package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/firasghr/loadengine/internal/engineerr"
	"github.com/firasghr/loadengine/internal/model"
)

// CreateRun inserts a new Run row.
func (d *DB) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO runs (id, type, status, request_id, environment_id, config_snapshot, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Type, r.Status, nullString(r.RequestID), nullString(r.EnvironmentID),
		r.ConfigSnapshot, r.StartTime, nullEndTime(r.EndTime))
	if err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "create run", err)
	}
	return nil
}

// UpdateRunStatus sets status (and endTime, when nonzero) on run id,
// retrying with exponential backoff for up to ~1 s if SQLite reports the
// database locked by a concurrent writer (spec §4.J: "exponential retry up
// to ~1 s on write conflict").
func (d *DB) UpdateRunStatus(runID string, status model.RunStatus, endTime int64) error {
	ctx := context.Background()
	backoff := 10 * time.Millisecond
	deadline := time.Now().Add(time.Second)

	for {
		_, err := d.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, end_time = ? WHERE id = ?
		`, status, nullEndTime(endTime), runID)
		if err == nil {
			return nil
		}
		if !isBusyErr(err) || time.Now().After(deadline) {
			return engineerr.Wrap(engineerr.DatabaseError, "update run status", err)
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

// GetRun retrieves a Run by id.
func (d *DB) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, type, status, request_id, environment_id, config_snapshot, start_time, end_time
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, engineerr.New(engineerr.RunNotFound, fmt.Sprintf("run not found: %s", id))
	}
	if err != nil {
		return nil, engineerr.Wrap(engineerr.DatabaseError, "get run", err)
	}
	return r, nil
}

// ListRuns returns every Run, most recently started first.
func (d *DB) ListRuns(ctx context.Context) ([]*model.Run, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, type, status, request_id, environment_id, config_snapshot, start_time, end_time
		FROM runs ORDER BY start_time DESC
	`)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.DatabaseError, "list runs", err)
	}
	defer rows.Close()

	var out []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, engineerr.Wrap(engineerr.DatabaseError, "scan run", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRun removes a Run by id. Its results and metrics cascade via the
// schema's ON DELETE CASCADE foreign keys (spec §4.J invariant iii).
func (d *DB) DeleteRun(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "delete run", err)
	}
	return nil
}

func nullEndTime(t int64) any {
	if t == 0 {
		return nil
	}
	return t
}

func scanRun(r rowScanner) (*model.Run, error) {
	var run model.Run
	var requestID, environmentID sql.NullString
	var endTime sql.NullInt64

	if err := r.Scan(&run.ID, &run.Type, &run.Status, &requestID, &environmentID,
		&run.ConfigSnapshot, &run.StartTime, &endTime); err != nil {
		return nil, err
	}
	if requestID.Valid {
		run.RequestID = requestID.String
	}
	if environmentID.Valid {
		run.EnvironmentID = environmentID.String
	}
	if endTime.Valid {
		run.EndTime = endTime.Int64
	}
	return &run, nil
}
