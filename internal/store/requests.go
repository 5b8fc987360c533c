package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/firasghr/loadengine/internal/engineerr"
	"github.com/firasghr/loadengine/internal/model"
)

// SaveRequest inserts or replaces a Request definition by id.
func (d *DB) SaveRequest(ctx context.Context, r *model.Request) error {
	headers, err := json.Marshal(r.Headers)
	if err != nil {
		return engineerr.Wrap(engineerr.InternalError, "marshal request headers", err)
	}
	params, err := json.Marshal(r.Params)
	if err != nil {
		return engineerr.Wrap(engineerr.InternalError, "marshal request params", err)
	}
	body, err := json.Marshal(r.Body)
	if err != nil {
		return engineerr.Wrap(engineerr.InternalError, "marshal request body", err)
	}
	var authJSON []byte
	if r.Auth != nil {
		authJSON, err = json.Marshal(r.Auth)
		if err != nil {
			return engineerr.Wrap(engineerr.InternalError, "marshal request auth", err)
		}
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO requests (id, collection_id, name, method, url, headers, params, body, auth,
			pre_script, post_script, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			collection_id = excluded.collection_id,
			name = excluded.name,
			method = excluded.method,
			url = excluded.url,
			headers = excluded.headers,
			params = excluded.params,
			body = excluded.body,
			auth = excluded.auth,
			pre_script = excluded.pre_script,
			post_script = excluded.post_script,
			updated_at = excluded.updated_at
	`, r.ID, r.CollectionID, r.Name, r.Method, r.URL, string(headers), string(params), string(body),
		nullBytes(authJSON), nullString(r.PreScript), nullString(r.PostScript), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "save request", err)
	}
	return nil
}

// GetRequest retrieves a Request by id.
func (d *DB) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, collection_id, name, method, url, headers, params, body, auth,
			pre_script, post_script, created_at, updated_at
		FROM requests WHERE id = ?
	`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, engineerr.New(engineerr.InvalidRequest, fmt.Sprintf("request not found: %s", id))
	}
	if err != nil {
		return nil, engineerr.Wrap(engineerr.DatabaseError, "get request", err)
	}
	return r, nil
}

// ListRequests returns every Request belonging to collectionID, or every
// Request if collectionID is empty.
func (d *DB) ListRequests(ctx context.Context, collectionID string) ([]*model.Request, error) {
	query := `
		SELECT id, collection_id, name, method, url, headers, params, body, auth,
			pre_script, post_script, created_at, updated_at
		FROM requests
	`
	var rows *sql.Rows
	var err error
	if collectionID != "" {
		rows, err = d.db.QueryContext(ctx, query+" WHERE collection_id = ? ORDER BY name ASC", collectionID)
	} else {
		rows, err = d.db.QueryContext(ctx, query+" ORDER BY name ASC")
	}
	if err != nil {
		return nil, engineerr.Wrap(engineerr.DatabaseError, "list requests", err)
	}
	defer rows.Close()

	var out []*model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, engineerr.Wrap(engineerr.DatabaseError, "scan request", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRequest removes a Request by id.
func (d *DB) DeleteRequest(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM requests WHERE id = ?`, id); err != nil {
		return engineerr.Wrap(engineerr.DatabaseError, "delete request", err)
	}
	return nil
}

func scanRequest(r rowScanner) (*model.Request, error) {
	var req model.Request
	var headers, params, body string
	var auth, preScript, postScript sql.NullString

	if err := r.Scan(&req.ID, &req.CollectionID, &req.Name, &req.Method, &req.URL,
		&headers, &params, &body, &auth, &preScript, &postScript, &req.CreatedAt, &req.UpdatedAt); err != nil {
		return nil, err
	}
	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &req.Headers); err != nil {
			return nil, err
		}
	}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &req.Params); err != nil {
			return nil, err
		}
	}
	if body != "" {
		if err := json.Unmarshal([]byte(body), &req.Body); err != nil {
			return nil, err
		}
	}
	if auth.Valid {
		var a model.RequestAuth
		if err := json.Unmarshal([]byte(auth.String), &a); err != nil {
			return nil, err
		}
		req.Auth = &a
	}
	if preScript.Valid {
		req.PreScript = preScript.String
	}
	if postScript.Valid {
		req.PostScript = postScript.String
	}
	return &req, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
