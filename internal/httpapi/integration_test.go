package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/hania222/warehouse-fleet/internal/agent"
	"github.com/hania222/warehouse-fleet/internal/hardware"
	"github.com/hania222/warehouse-fleet/internal/orchestrator"
	"github.com/hania222/warehouse-fleet/internal/perception"
	"github.com/hania222/warehouse-fleet/pkg/models"
)

// TestIntegrationTaskLifecycle drives a task from POST /tasks to completed
// through the orchestrator and a simulated robot on the app's memory bus,
// watching the SSE stream along the way.
func TestIntegrationTaskLifecycle(t *testing.T) {
	t.Parallel()
	app, ts := newTestServer(t, ServerOptions{Orchestrator: orchestrator.Options{Interval: 20 * time.Millisecond}})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = app.Orch.Run(ctx) }()

	hw := hardware.NewSimLink(30 * time.Millisecond)
	a, err := agent.New(agent.Config{
		RobotID: 1,
		Tick:    10 * time.Millisecond,
		Dwell:   20 * time.Millisecond,
	}, app.Bus, hw, perception.StubMatcher{})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	go func() { _ = a.Run(ctx) }()

	// Subscribe to the stream before creating the task.
	sseCtx, sseCancel := context.WithTimeout(ctx, 10*time.Second)
	defer sseCancel()
	req, _ := http.NewRequestWithContext(sseCtx, http.MethodGet, ts.URL+"/stream", nil)
	sseResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	defer func() { _ = sseResp.Body.Close() }()
	completed := make(chan struct{})
	go func() {
		sc := bufio.NewScanner(sseResp.Body)
		for sc.Scan() {
			line := strings.TrimPrefix(sc.Text(), "data: ")
			var ev struct {
				Type string      `json:"type"`
				Task models.Task `json:"task"`
			}
			if json.Unmarshal([]byte(line), &ev) != nil {
				continue
			}
			if ev.Type == "task_update" && ev.Task.Status == models.StatusCompleted {
				close(completed)
				return
			}
		}
	}()

	resp, err := http.Post(ts.URL+"/tasks", "application/json", strings.NewReader(`{"container_id":"1001","action":"PICK"}`))
	if err != nil {
		t.Fatalf("POST /tasks: %v", err)
	}
	var created models.Task
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	_ = resp.Body.Close()

	select {
	case <-completed:
	case <-time.After(10 * time.Second):
		t.Fatal("no completed task_update on the stream")
	}

	r, err := http.Get(fmt.Sprintf("%s/tasks/%d", ts.URL, created.TaskID))
	if err != nil {
		t.Fatalf("GET task: %v", err)
	}
	var done models.Task
	if err := json.NewDecoder(r.Body).Decode(&done); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	_ = r.Body.Close()
	if done.Status != models.StatusCompleted || done.CompletedAt == nil || done.AssignedRobot == nil || *done.AssignedRobot != 1 {
		t.Fatalf("task after completion: %+v", done)
	}

	r, err = http.Get(ts.URL + "/logs?limit=100")
	if err != nil {
		t.Fatalf("GET /logs: %v", err)
	}
	var logs []models.LogEntry
	if err := json.NewDecoder(r.Body).Decode(&logs); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	_ = r.Body.Close()
	seen := map[string]bool{}
	for _, l := range logs {
		seen[l.Event] = true
	}
	for _, want := range []string{"TASK_RECEIVED", "TARGET_REACHED", "QR_CONFIRMED", "PICK_COMPLETED", "DROP_COMPLETED"} {
		if !seen[want] {
			t.Errorf("event %s missing from /logs", want)
		}
	}
}
