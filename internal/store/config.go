package store

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/firasghr/loadengine/internal/engineerr"
	"github.com/firasghr/loadengine/internal/model"
)

// SaveConfigEntries replaces (or inserts) every given ConfigEntry, one
// statement per key inside a single transaction.
func (d *DB) SaveConfigEntries(ctx context.Context, entries []model.ConfigEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "begin save config entries", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO config_entries (key, value, type, label, description, category, default_value, min, max, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			type = excluded.type,
			label = excluded.label,
			description = excluded.description,
			category = excluded.category,
			default_value = excluded.default_value,
			min = excluded.min,
			max = excluded.max,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "prepare save config entries", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Key, e.Value, e.Type, e.Label, e.Description,
			e.Category, e.Default, e.Min, e.Max, e.UpdatedAt); err != nil {
			return engineerr.Wrap(engineerr.DatabaseError, "save config entry", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "commit save config entries", err)
	}
	return nil
}

// ListConfigEntries returns every persisted ConfigEntry, ordered by key.
func (d *DB) ListConfigEntries(ctx context.Context) ([]model.ConfigEntry, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT key, value, type, label, description, category, default_value, min, max, updated_at
		FROM config_entries ORDER BY key ASC
	`)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.DatabaseError, "list config entries", err)
	}
	defer rows.Close()

	var out []model.ConfigEntry
	for rows.Next() {
		var e model.ConfigEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.Type, &e.Label, &e.Description,
			&e.Category, &e.Default, &e.Min, &e.Max, &e.UpdatedAt); err != nil {
			return nil, engineerr.Wrap(engineerr.DatabaseError, "scan config entry", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetConfigString returns the raw string value of key, or ("", false) if
// key has never been persisted.
func (d *DB) GetConfigString(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM config_entries WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, engineerr.Wrap(engineerr.DatabaseError, "get config string", err)
	}
	return v, true, nil
}

// GetConfigInt returns key's value parsed as an integer.
func (d *DB) GetConfigInt(ctx context.Context, key string) (int, bool, error) {
	v, ok, err := d.GetConfigString(ctx, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	n, convErr := strconv.Atoi(v)
	if convErr != nil {
		return 0, false, engineerr.Wrap(engineerr.InternalError, "config value not an integer: "+key, convErr)
	}
	return n, true, nil
}

// GetConfigBool returns key's value parsed as a boolean.
func (d *DB) GetConfigBool(ctx context.Context, key string) (bool, bool, error) {
	v, ok, err := d.GetConfigString(ctx, key)
	if err != nil || !ok {
		return false, ok, err
	}
	b, convErr := strconv.ParseBool(v)
	if convErr != nil {
		return false, false, engineerr.Wrap(engineerr.InternalError, "config value not a boolean: "+key, convErr)
	}
	return b, true, nil
}

// GetConfigFloat returns key's value parsed as a float64.
func (d *DB) GetConfigFloat(ctx context.Context, key string) (float64, bool, error) {
	v, ok, err := d.GetConfigString(ctx, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	f, convErr := strconv.ParseFloat(v, 64)
	if convErr != nil {
		return 0, false, engineerr.Wrap(engineerr.InternalError, "config value not a number: "+key, convErr)
	}
	return f, true, nil
}
