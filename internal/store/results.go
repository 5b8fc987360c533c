package store

import (
	"context"

	"github.com/firasghr/loadengine/internal/engineerr"
	"github.com/firasghr/loadengine/internal/model"
)

// AddResult inserts a single Result — the Design-mode hot path (spec §4.J:
// "used on the Design-mode hot path; not used by Load-mode workers, which
// flush in batch").
func (d *DB) AddResult(ctx context.Context, r model.Result) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO results (run_id, timestamp, status_code, latency_ms, error, trace_data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.RunID, r.Timestamp, r.StatusCode, r.LatencyMs, r.Error, r.TraceData)
	if err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "add result", err)
	}
	return nil
}

// BatchInsertResults inserts every result in a single transaction. Load-mode
// runs call this once via SaveResults at flush time rather than one insert
// per sampled result.
func (d *DB) BatchInsertResults(ctx context.Context, results []model.Result) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "begin batch insert results", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO results (run_id, timestamp, status_code, latency_ms, error, trace_data)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "prepare batch insert results", err)
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err := stmt.ExecContext(ctx, r.RunID, r.Timestamp, r.StatusCode, r.LatencyMs, r.Error, r.TraceData); err != nil {
			return engineerr.Wrap(engineerr.DatabaseError, "insert result", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "commit batch insert results", err)
	}
	return nil
}

// SaveResults satisfies metrics.Store: it is the runcontroller's one
// end-of-run flush call, so it is just BatchInsertResults with a
// background context (the metrics package's Store interface is
// context-free, matching its hot-path-adjacent, fire-once-at-the-end
// calling convention).
func (d *DB) SaveResults(runID string, results []model.Result) error {
	return d.BatchInsertResults(context.Background(), results)
}

// ListResults returns up to limit sampled results for runID, most recent
// first, starting at offset — used by /run/{id}/report's sampled-results
// section.
func (d *DB) ListResults(ctx context.Context, runID string, limit, offset int) ([]model.Result, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT run_id, timestamp, status_code, latency_ms, error, trace_data
		FROM results WHERE run_id = ?
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`, runID, limit, offset)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.DatabaseError, "list results", err)
	}
	defer rows.Close()

	var out []model.Result
	for rows.Next() {
		var r model.Result
		if err := rows.Scan(&r.RunID, &r.Timestamp, &r.StatusCode, &r.LatencyMs, &r.Error, &r.TraceData); err != nil {
			return nil, engineerr.Wrap(engineerr.DatabaseError, "scan result", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
