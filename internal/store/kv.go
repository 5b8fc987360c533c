package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/firasghr/loadengine/internal/engineerr"
)

// GetKV returns the raw value stored under key, or ("", false) if absent.
// kv_store is a generic key/value table for small process-wide facts that
// don't warrant their own table; no code in the engine calls GetKV or
// SetKV.
func (d *DB) GetKV(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, engineerr.Wrap(engineerr.DatabaseError, "get kv", err)
	}
	return v, true, nil
}

// SetKV upserts key to value.
func (d *DB) SetKV(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "set kv", err)
	}
	return nil
}
