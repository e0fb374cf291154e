package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hania222/warehouse-fleet/internal/protocol"
	"github.com/hania222/warehouse-fleet/pkg/models"
)

func TestStartForeground_emptyHome(t *testing.T) {
	ctx := context.Background()
	err := StartForeground(ctx, StartOptions{Home: ""})
	if err == nil {
		t.Fatal("StartForeground empty home: expected error")
	}
}

func TestStartForeground_unknownMode(t *testing.T) {
	err := StartForeground(context.Background(), StartOptions{Home: t.TempDir(), Mode: "broadcast"})
	if err == nil || !strings.Contains(err.Error(), "broadcast") {
		t.Fatalf("StartForeground unknown mode: got %v", err)
	}
}

func TestStatus_notRunning(t *testing.T) {
	st, err := Status(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Running {
		t.Fatal("expected not running without pid file")
	}
}

func TestStatus_runningFromPidFile(t *testing.T) {
	home := t.TempDir()
	if err := os.MkdirAll(protectedDir(home), 0o755); err != nil {
		t.Fatal(err)
	}
	_ = os.WriteFile(pidPath(home), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
	_ = os.WriteFile(addrPath(home), []byte("0.0.0.0:5001\n"), 0o644)
	st, err := Status(context.Background(), home)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Running || st.PID != os.Getpid() || st.Addr != "0.0.0.0:5001" {
		t.Fatalf("Status: got %+v", st)
	}
}

func TestAcquireLock_exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protected", "daemon.lock")
	l1, err := acquireLock(path)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	defer l1.release()
	if _, err := acquireLock(path); err == nil {
		t.Fatal("second lock: expected error")
	}
}

func TestDaemonArgs(t *testing.T) {
	args := daemonArgs(StartOptions{
		Home:        "/tmp/fleet",
		Port:        5001,
		Mode:        protocol.ModeClaim,
		IntervalSec: 0.5,
		FailOnError: true,
		NATSURL:     "nats://localhost:4222",
		SimRobots:   3,
	})
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"daemon --home /tmp/fleet --port 5001 --mode claim --interval 0.5",
		"--fail-on-error",
		"--nats-url nats://localhost:4222",
		"--sim-robots 3",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("daemonArgs: %q missing %q", joined, want)
		}
	}
	if strings.Contains(joined, "--dev") {
		t.Errorf("daemonArgs: unexpected --dev in %q", joined)
	}
}

func TestSimRobotConfigs(t *testing.T) {
	cfgs := simRobotConfigs(StartOptions{SimRobots: 2, Mode: protocol.ModeClaim, TopicPrefix: "site1."})
	if len(cfgs) != 2 {
		t.Fatalf("configs: got %d", len(cfgs))
	}
	for i, c := range cfgs {
		if c.RobotID != int64(i+1) || c.Mode != protocol.ModeClaim || c.Topics.Prefix != "site1." {
			t.Errorf("config %d: %+v", i, c)
		}
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

// TestStartForeground_simRobotCompletesTask runs the whole daemon with one
// simulated robot and waits for a task created over HTTP to complete.
func TestStartForeground_simRobotCompletesTask(t *testing.T) {
	if testing.Short() {
		t.Skip("starts the full daemon")
	}
	home := t.TempDir()
	port := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- StartForeground(ctx, StartOptions{
			Home:           home,
			Port:           port,
			IntervalSec:    0.05,
			SimRobots:      1,
			SimMarkerAfter: 30 * time.Millisecond,
			SimScanDelay:   10 * time.Millisecond,
		})
	}()
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/health")
		if err == nil {
			_ = resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon never served /health: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	st, _ := Status(ctx, home)
	if !st.Running {
		t.Fatal("Status: expected running")
	}

	resp, err := http.Post(base+"/tasks", "application/json", strings.NewReader(`{"container_id":"42","action":"DROP"}`))
	if err != nil {
		t.Fatalf("POST /tasks: %v", err)
	}
	var created models.Task
	_ = json.NewDecoder(resp.Body).Decode(&created)
	_ = resp.Body.Close()

	deadline = time.Now().Add(20 * time.Second)
	for {
		r, err := http.Get(fmt.Sprintf("%s/tasks/%d", base, created.TaskID))
		if err != nil {
			t.Fatalf("GET task: %v", err)
		}
		var tk models.Task
		_ = json.NewDecoder(r.Body).Decode(&tk)
		_ = r.Body.Close()
		if tk.Status == models.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed: %+v", tk)
		}
		time.Sleep(100 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("StartForeground: got %v, want context.Canceled", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("daemon did not stop")
	}
	if _, err := os.Stat(pidPath(home)); !os.IsNotExist(err) {
		t.Fatalf("pid file left behind: %v", err)
	}
}
