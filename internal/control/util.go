package control

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/firasghr/loadengine/internal/varsub"
)

// streamJSONArray writes items as a JSON array,
// flushing after every element when the ResponseWriter supports it — the
// chunked-array contract spec §6 names for GET /requests.
func streamJSONArray[T any](w http.ResponseWriter, items []T) {
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	w.Write([]byte("["))
	for i, item := range items {
		if i > 0 {
			w.Write([]byte(","))
		}
		_ = enc.Encode(item)
		if flusher != nil {
			flusher.Flush()
		}
	}
	w.Write([]byte("]"))
}

// collectionVarsForRequest resolves requestID's owning Collection chain
// (root ancestor first, so a child collection's variables override its
// parent's) and flattens it into one variable map, per spec §4.H's
// "resolves variable sources (environment, globals, collection)". An empty
// requestID, or a request with no collectionId, yields an empty map.
func (s *Server) collectionVarsForRequest(ctx context.Context, requestID string) (map[string]string, error) {
	if requestID == "" {
		return nil, nil
	}
	req, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	var chain []*struct {
		id   string
		vars map[string]string
	}
	seen := map[string]bool{}
	id := req.CollectionID
	for id != "" && !seen[id] {
		seen[id] = true
		c, err := s.Store.GetCollection(ctx, id)
		if err != nil {
			break
		}
		chain = append(chain, &struct {
			id   string
			vars map[string]string
		}{id: id, vars: varsub.Flatten(c.Variables)})
		id = c.ParentID
	}

	// chain is leaf-to-root; apply root-to-leaf so a descendant's variables
	// override its ancestors'.
	merged := map[string]string{}
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].vars {
			merged[k] = v
		}
	}
	return merged, nil
}
