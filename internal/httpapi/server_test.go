package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hania222/warehouse-fleet/pkg/models"
)

func newTestServer(t *testing.T, opts ServerOptions) (*App, *httptest.Server) {
	t.Helper()
	if opts.Home == "" {
		opts.Home = t.TempDir()
	}
	opts.Addr = "127.0.0.1:0"
	app, err := NewApp(opts)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(func() {
		ts.Close()
		_ = app.Store.Close()
	})
	return app, ts
}

func TestServerSmoke(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, ServerOptions{})

	// health
	r1, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if r1.StatusCode != 200 {
		t.Fatalf("/health status=%d", r1.StatusCode)
	}
	var h models.Health
	if err := json.NewDecoder(r1.Body).Decode(&h); err != nil {
		t.Fatalf("decode /health: %v", err)
	}
	if h.Status != "ok" || !h.BusConnected || h.Time.IsZero() {
		t.Fatalf("health: got %+v", h)
	}

	// SSE should produce initial connected event quickly.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/stream", nil)
	sseResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	defer func() { _ = sseResp.Body.Close() }()

	sc := bufio.NewScanner(sseResp.Body)
	found := false
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"type":"connected"`) {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("did not see connected event")
	}

	// JSON error on not found
	r3, _ := http.Get(ts.URL + "/tasks/999")
	if r3.StatusCode != 404 {
		t.Fatalf("GET /tasks/999 status=%d", r3.StatusCode)
	}
	var errBody struct{ Error string }
	if err := json.NewDecoder(r3.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody.Error == "" {
		t.Fatalf("expected error message in JSON")
	}

	// create task, GET by id
	idResp, _ := http.Post(ts.URL+"/tasks", "application/json", strings.NewReader(`{"container_id":"1001","action":"pick"}`))
	if idResp.StatusCode != http.StatusCreated {
		t.Fatalf("POST task status=%d", idResp.StatusCode)
	}
	var created models.Task
	if err := json.NewDecoder(idResp.Body).Decode(&created); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if created.TaskID == 0 || created.Action != models.ActionPick || created.Status != models.StatusPending {
		t.Fatalf("created: got %+v", created)
	}
	getOne, _ := http.Get(fmt.Sprintf("%s/tasks/%d", ts.URL, created.TaskID))
	if getOne.StatusCode != 200 {
		t.Fatalf("GET task by id status=%d", getOne.StatusCode)
	}
	var task map[string]any
	if err := json.NewDecoder(getOne.Body).Decode(&task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task["container_id"] != "1001" || task["priority"] != float64(1) {
		t.Fatalf("task: got %v", task)
	}
}

func TestServer_apiKey(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, ServerOptions{APIKey: "secret"})

	resp, _ := http.Get(ts.URL + "/tasks")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("GET /tasks without key status=%d", resp.StatusCode)
	}
	resp, _ = http.Get(ts.URL + "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health without key status=%d", resp.StatusCode)
	}
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/tasks", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, _ = http.DefaultClient.Do(req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /tasks with header status=%d", resp.StatusCode)
	}
	resp, _ = http.Get(ts.URL + "/robots?api_key=secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /robots with query key status=%d", resp.StatusCode)
	}
}

func TestServer_devCORS(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, ServerOptions{Dev: true})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/tasks", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /tasks: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("OPTIONS status=%d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}

func TestServer_bodyLimit(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, ServerOptions{})

	big := `{"container_id":"` + strings.Repeat("x", models.DefaultMaxRequestBodyBytes+1) + `","action":"PICK"}`
	resp, err := http.Post(ts.URL+"/tasks", "application/json", strings.NewReader(big))
	if err != nil {
		t.Fatalf("POST /tasks: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized body status=%d", resp.StatusCode)
	}
}
