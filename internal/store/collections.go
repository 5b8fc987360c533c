package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/firasghr/loadengine/internal/engineerr"
	"github.com/firasghr/loadengine/internal/model"
)

// SaveCollection inserts or replaces a Collection by id.
func (d *DB) SaveCollection(ctx context.Context, c *model.Collection) error {
	vars, err := json.Marshal(c.Variables)
	if err != nil {
		return engineerr.Wrap(engineerr.InternalError, "marshal collection variables", err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO collections (id, parent_id, name, sort_order, variables, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			parent_id = excluded.parent_id,
			name = excluded.name,
			sort_order = excluded.sort_order,
			variables = excluded.variables,
			updated_at = excluded.updated_at
	`, c.ID, nullString(c.ParentID), c.Name, c.Order, string(vars), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "save collection", err)
	}
	return nil
}

// GetCollection retrieves a Collection by id.
func (d *DB) GetCollection(ctx context.Context, id string) (*model.Collection, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, parent_id, name, sort_order, variables, created_at, updated_at
		FROM collections WHERE id = ?
	`, id)
	c, err := scanCollection(row)
	if err == sql.ErrNoRows {
		return nil, engineerr.New(engineerr.InvalidRequest, fmt.Sprintf("collection not found: %s", id))
	}
	if err != nil {
		return nil, engineerr.Wrap(engineerr.DatabaseError, "get collection", err)
	}
	return c, nil
}

// ListCollections returns every Collection, ordered by sort_order then name.
func (d *DB) ListCollections(ctx context.Context) ([]*model.Collection, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, parent_id, name, sort_order, variables, created_at, updated_at
		FROM collections ORDER BY sort_order ASC, name ASC
	`)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.DatabaseError, "list collections", err)
	}
	defer rows.Close()

	var out []*model.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, engineerr.Wrap(engineerr.DatabaseError, "scan collection", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCollection removes a Collection, its subtree, and every Request in
// that subtree (spec §3: "Deleting a Collection deletes its subtree and any
// Requests in it").
func (d *DB) DeleteCollection(ctx context.Context, id string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "begin delete collection", err)
	}
	defer tx.Rollback()

	ids, err := collectSubtreeIDs(ctx, tx, id)
	if err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "resolve collection subtree", err)
	}
	for _, cid := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE collection_id = ?`, cid); err != nil {
			return engineerr.Wrap(engineerr.DatabaseError, "delete requests in subtree", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, cid); err != nil {
			return engineerr.Wrap(engineerr.DatabaseError, "delete collection", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "commit delete collection", err)
	}
	return nil
}

// collectSubtreeIDs walks parent_id edges breadth-first from root,
// traversal bounded by the number of collections visited so it stays O(n)
// regardless of forest depth (spec §3 invariant i).
func collectSubtreeIDs(ctx context.Context, tx *sql.Tx, root string) ([]string, error) {
	visited := map[string]bool{root: true}
	queue := []string{root}
	order := []string{root}

	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]

		rows, err := tx.QueryContext(ctx, `SELECT id FROM collections WHERE parent_id = ?`, parent)
		if err != nil {
			return nil, err
		}
		var children []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			children = append(children, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		for _, id := range children {
			if visited[id] {
				continue
			}
			visited[id] = true
			queue = append(queue, id)
			order = append(order, id)
		}
	}
	return order, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollection(r rowScanner) (*model.Collection, error) {
	var c model.Collection
	var parentID sql.NullString
	var vars string
	if err := r.Scan(&c.ID, &parentID, &c.Name, &c.Order, &vars, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if parentID.Valid {
		c.ParentID = parentID.String
	}
	if vars != "" {
		if err := json.Unmarshal([]byte(vars), &c.Variables); err != nil {
			return nil, err
		}
	}
	return &c, nil
}
