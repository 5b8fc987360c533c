package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/firasghr/loadengine/internal/engineerr"
	"github.com/firasghr/loadengine/internal/model"
)

// SaveEnvironment inserts or replaces an Environment by id.
func (d *DB) SaveEnvironment(ctx context.Context, e *model.Environment) error {
	vars, err := json.Marshal(e.Variables)
	if err != nil {
		return engineerr.Wrap(engineerr.InternalError, "marshal environment variables", err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO environments (id, name, variables, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			variables = excluded.variables,
			updated_at = excluded.updated_at
	`, e.ID, e.Name, string(vars), e.UpdatedAt)
	if err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "save environment", err)
	}
	return nil
}

// GetEnvironment retrieves an Environment by id.
func (d *DB) GetEnvironment(ctx context.Context, id string) (*model.Environment, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, name, variables, updated_at FROM environments WHERE id = ?
	`, id)
	e, err := scanEnvironment(row)
	if err == sql.ErrNoRows {
		return nil, engineerr.New(engineerr.InvalidRequest, fmt.Sprintf("environment not found: %s", id))
	}
	if err != nil {
		return nil, engineerr.Wrap(engineerr.DatabaseError, "get environment", err)
	}
	return e, nil
}

// ListEnvironments returns every Environment, ordered by name.
func (d *DB) ListEnvironments(ctx context.Context) ([]*model.Environment, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, name, variables, updated_at FROM environments ORDER BY name ASC
	`)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.DatabaseError, "list environments", err)
	}
	defer rows.Close()

	var out []*model.Environment
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, engineerr.Wrap(engineerr.DatabaseError, "scan environment", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteEnvironment removes an Environment by id.
func (d *DB) DeleteEnvironment(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id); err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "delete environment", err)
	}
	return nil
}

func scanEnvironment(r rowScanner) (*model.Environment, error) {
	var e model.Environment
	var vars string
	if err := r.Scan(&e.ID, &e.Name, &vars, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if vars != "" {
		if err := json.Unmarshal([]byte(vars), &e.Variables); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

// GetGlobals retrieves the singleton Globals row, or an empty one if it has
// never been written.
func (d *DB) GetGlobals(ctx context.Context) (*model.Globals, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, variables, updated_at FROM globals WHERE id = ?
	`, model.GlobalsID)

	var g model.Globals
	var vars string
	err := row.Scan(&g.ID, &vars, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return &model.Globals{ID: model.GlobalsID, Variables: model.VariableMap{}}, nil
	}
	if err != nil {
		return nil, engineerr.Wrap(engineerr.DatabaseError, "get globals", err)
	}
	if vars != "" {
		if err := json.Unmarshal([]byte(vars), &g.Variables); err != nil {
			return nil, engineerr.Wrap(engineerr.DatabaseError, "unmarshal globals variables", err)
		}
	}
	return &g, nil
}

// SaveGlobals replaces the singleton Globals row.
func (d *DB) SaveGlobals(ctx context.Context, g *model.Globals) error {
	vars, err := json.Marshal(g.Variables)
	if err != nil {
		return engineerr.Wrap(engineerr.InternalError, "marshal globals variables", err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO globals (id, variables, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			variables = excluded.variables,
			updated_at = excluded.updated_at
	`, model.GlobalsID, string(vars), g.UpdatedAt)
	if err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "save globals", err)
	}
	return nil
}
