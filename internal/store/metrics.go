package store

import (
	"context"

	"github.com/firasghr/loadengine/internal/engineerr"
	"github.com/firasghr/loadengine/internal/model"
)

// InsertMetric appends a single MetricSnapshot. id is database-assigned
// (AUTOINCREMENT) and m.ID is ignored, so the assigned id is not returned
// here; it is visible only by reading the row back (GetMetricsSince).
// SaveMetricSnapshots likewise ignores the in-memory ids it is given.
func (d *DB) InsertMetric(ctx context.Context, m model.MetricSnapshot) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO metrics (run_id, timestamp, name, value, labels)
		VALUES (?, ?, ?, ?, ?)
	`, m.RunID, m.Timestamp, m.Name, m.Value, m.Labels)
	if err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "insert metric", err)
	}
	return nil
}

// SaveMetricSnapshots satisfies metrics.Store: a single-transaction batch
// insert of every snapshot accumulated over a run (or one metrics-thread
// tick).
func (d *DB) SaveMetricSnapshots(runID string, snapshots []model.MetricSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	ctx := context.Background()
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "begin save metric snapshots", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metrics (run_id, timestamp, name, value, labels)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "prepare save metric snapshots", err)
	}
	defer stmt.Close()

	for _, m := range snapshots {
		if _, err := stmt.ExecContext(ctx, runID, m.Timestamp, m.Name, m.Value, m.Labels); err != nil {
			return engineerr.Wrap(engineerr.DatabaseError, "insert metric snapshot", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "commit save metric snapshots", err)
	}
	return nil
}

// GetMetricsSince returns every MetricSnapshot for runID with id > lastID,
// in id order — the SSE historical-resume query (spec §3 invariant iii:
// "used as an SSE resume cursor").
func (d *DB) GetMetricsSince(ctx context.Context, runID string, lastID int64) ([]model.MetricSnapshot, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, run_id, timestamp, name, value, labels
		FROM metrics WHERE run_id = ? AND id > ?
		ORDER BY id ASC
	`, runID, lastID)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.DatabaseError, "get metrics since", err)
	}
	defer rows.Close()
	return scanMetricRows(rows)
}

// GetMetricsPaginated returns a page of MetricSnapshots for runID in id
// order — the `/stats/{id}?format=json&limit&offset` historical read.
func (d *DB) GetMetricsPaginated(ctx context.Context, runID string, limit, offset int) ([]model.MetricSnapshot, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, run_id, timestamp, name, value, labels
		FROM metrics WHERE run_id = ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`, runID, limit, offset)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.DatabaseError, "get metrics paginated", err)
	}
	defer rows.Close()
	return scanMetricRows(rows)
}

// CountMetrics returns the total number of MetricSnapshots recorded for
// runID.
func (d *DB) CountMetrics(ctx context.Context, runID string) (int64, error) {
	var n int64
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM metrics WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, engineerr.Wrap(engineerr.DatabaseError, "count metrics", err)
	}
	return n, nil
}

func scanMetricRows(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]model.MetricSnapshot, error) {
	var out []model.MetricSnapshot
	for rows.Next() {
		var m model.MetricSnapshot
		if err := rows.Scan(&m.ID, &m.RunID, &m.Timestamp, &m.Name, &m.Value, &m.Labels); err != nil {
			return nil, engineerr.Wrap(engineerr.DatabaseError, "scan metric snapshot", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
