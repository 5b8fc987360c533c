package control_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/firasghr/loadengine/internal/config"
	"github.com/firasghr/loadengine/internal/control"
	"github.com/firasghr/loadengine/internal/dnscache"
	"github.com/firasghr/loadengine/internal/logger"
	"github.com/firasghr/loadengine/internal/model"
	"github.com/firasghr/loadengine/internal/runmanager"
	"github.com/firasghr/loadengine/internal/sandbox"
	"github.com/firasghr/loadengine/internal/store"
	"github.com/firasghr/loadengine/internal/transport"
)

func newTestServer(t *testing.T) (*control.Server, *httptest.Server) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "control-test.db")
	db, err := store.Open(store.Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfgStore := config.NewStore(config.DefaultConfig())
	sb := sandbox.New(sandbox.Limits{Timeout: time.Second, MemoryBytes: 1 << 20, StackBytes: 1 << 16}, 4)

	s := &control.Server{
		Store:   db,
		Config:  cfgStore,
		Runs:    runmanager.New(),
		Sandbox: sb,
		DNS:     dnscache.New(0),
		Log:     logger.New(logger.LevelInfo),
		TransportCfg: func() transport.Config {
			return transport.DefaultConfig(cfgStore.Get().MaxPerHost)
		},
		Version: "test",
	}

	srv := httptest.NewServer(control.NewRouter(s))
	t.Cleanup(srv.Close)
	return s, srv
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealth(t *testing.T) {
	_, srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", body["status"])
	}
}

func TestCollectionCRUDRoundTrip(t *testing.T) {
	_, srv := newTestServer(t)

	resp, created := doJSON(t, http.MethodPost, srv.URL+"/collections", map[string]any{
		"name": "Demo collection",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /collections status = %d", resp.StatusCode)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("expected a generated id, got %v", created)
	}

	resp, listBody := doJSON(t, http.MethodGet, srv.URL+"/collections", nil)
	_ = listBody
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /collections status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/collections/"+id, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE /collections/{id} status = %d, want 204", resp.StatusCode)
	}
}

func TestPostConfig_UnknownKeyRejected(t *testing.T) {
	_, srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/config", map[string]any{
		"key":   "not_a_real_key",
		"value": 1,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body = %v", resp.StatusCode, body)
	}
	errObj, _ := body["error"].(map[string]any)
	if errObj["code"] != "INVALID_REQUEST" {
		t.Fatalf("error.code = %v, want INVALID_REQUEST", errObj["code"])
	}
}

func TestPostConfig_ValidKeyUpdatesAndPersists(t *testing.T) {
	_, srv := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/config", map[string]any{
		"key":   "max_concurrent",
		"value": 42,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/config", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /config status = %d", resp.StatusCode)
	}
	entries, _ := body["entries"].([]any)
	found := false
	for _, e := range entries {
		m, _ := e.(map[string]any)
		if m["key"] == "max_concurrent" {
			found = true
			if v, ok := m["value"].(float64); !ok || v != 42 {
				t.Fatalf("max_concurrent = %v, want 42", m["value"])
			}
		}
	}
	if !found {
		t.Fatalf("max_concurrent entry not found in %v", entries)
	}
}

func TestDesignRequest_SuccessAndVariablePersistence(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"token":"abc123"}`))
	}))
	defer backend.Close()

	s, srv := newTestServer(t)

	env := &model.Environment{
		ID:        "env-1",
		Name:      "test",
		Variables: model.VariableMap{"token": {Value: "", Enabled: true}},
	}
	if err := s.Store.SaveEnvironment(context.Background(), env); err != nil {
		t.Fatalf("SaveEnvironment: %v", err)
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/request", map[string]any{
		"method":        "GET",
		"url":           backend.URL,
		"environmentId": "env-1",
		"postRequestScript": `
			var body = JSON.parse(response.body);
			environment.token = body.token;
			test("has token", function() { return body.token === "abc123"; });
		`,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /request status = %d, body = %v", resp.StatusCode, body)
	}
	if body["statusCode"].(float64) != 200 {
		t.Fatalf("statusCode = %v, want 200", body["statusCode"])
	}

	resp, got := doJSON(t, http.MethodGet, srv.URL+"/environments", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /environments status = %d", resp.StatusCode)
	}
	_ = got

	updated, err := s.Store.GetEnvironment(context.Background(), "env-1")
	if err != nil {
		t.Fatalf("GetEnvironment: %v", err)
	}
	if updated.Variables["token"].Value != "abc123" {
		t.Fatalf("environment token = %q, want abc123 (Design-mode script write should persist)", updated.Variables["token"].Value)
	}
}

func TestDesignRequest_BasicAuth_SendsBase64EncodedCredentials(t *testing.T) {
	var gotAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	_, srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/request", map[string]any{
		"method": "GET",
		"url":    backend.URL,
		"auth":   map[string]any{"kind": "basic", "username": "alice", "password": "s3cret"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /request status = %d, body = %v", resp.StatusCode, body)
	}

	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:s3cret"))
	if gotAuth != want {
		t.Fatalf("Authorization header = %q, want %q", gotAuth, want)
	}
}

func TestLoadRun_StartStopReport(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	_, srv := newTestServer(t)

	resp, started := doJSON(t, http.MethodPost, srv.URL+"/run", map[string]any{
		"url":         backend.URL,
		"method":      "GET",
		"mode":        "constant",
		"concurrency": 2,
		"duration":    2,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /run status = %d, body = %v", resp.StatusCode, started)
	}
	runID, _ := started["runId"].(string)
	if runID == "" {
		t.Fatalf("expected a runId, got %v", started)
	}

	time.Sleep(50 * time.Millisecond)

	resp, stopBody := doJSON(t, http.MethodPost, srv.URL+"/run/"+runID+"/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, body = %v", resp.StatusCode, stopBody)
	}

	resp, report := doJSON(t, http.MethodGet, srv.URL+"/run/"+runID+"/report", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report status = %d, body = %v", resp.StatusCode, report)
	}
	if _, ok := report["summary"]; !ok {
		t.Fatalf("report missing summary: %v", report)
	}
}

func TestStatsStream_MetricsEventUsesCamelCaseComputedShape(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	_, srv := newTestServer(t)

	resp, started := doJSON(t, http.MethodPost, srv.URL+"/run", map[string]any{
		"url":         backend.URL,
		"method":      "GET",
		"mode":        "constant",
		"concurrency": 1,
		"duration":    5,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /run status = %d, body = %v", resp.StatusCode, started)
	}
	runID, _ := started["runId"].(string)
	if runID == "" {
		t.Fatalf("expected a runId, got %v", started)
	}
	defer func() {
		close(release)
		doJSON(t, http.MethodPost, srv.URL+"/run/"+runID+"/stop", nil)
	}()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/stats/"+runID, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /stats/{id}: %v", err)
	}
	defer streamResp.Body.Close()

	scanner := bufio.NewScanner(streamResp.Body)
	var data map[string]any
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data); err != nil {
				t.Fatalf("unmarshal metrics event: %v", err)
			}
			break
		}
	}
	if data == nil {
		t.Fatal("did not observe a metrics event before the stream closed")
	}
	if _, ok := data["rps"]; !ok {
		t.Errorf("metrics event missing computed field rps: %+v", data)
	}
	if _, ok := data["connectionsActive"]; !ok {
		t.Errorf("metrics event missing computed field connectionsActive: %+v", data)
	}
	if _, ok := data["TotalRequests"]; ok {
		t.Errorf("metrics event carries raw PascalCase field TotalRequests: %+v", data)
	}
}

func TestStopRun_UnknownIDNotFound(t *testing.T) {
	_, srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/run/does-not-exist/stop", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body = %v", resp.StatusCode, body)
	}
}

func TestScriptingCompletions_Cacheable(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/scripting/completions")
	if err != nil {
		t.Fatalf("GET /scripting/completions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Cache-Control") == "" {
		t.Fatalf("expected a Cache-Control header")
	}
}
