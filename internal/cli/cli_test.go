package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/hania222/warehouse-fleet/internal/config"
	"github.com/hania222/warehouse-fleet/internal/protocol"
	"github.com/hania222/warehouse-fleet/pkg/models"
	"github.com/spf13/cobra"
)

func TestNewRootCmd_hasSubcommands(t *testing.T) {
	root := NewRootCmd("test")
	if root == nil {
		t.Fatal("NewRootCmd returned nil")
	}
	cmds := root.Commands()
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}
	for _, want := range []string{"doctor", "start", "stop", "status", "task", "robot", "events", "apikey", "daemon"} {
		if !names[want] {
			t.Errorf("expected subcommand %q", want)
		}
	}
}

func TestNewRootCmd_versionFlag(t *testing.T) {
	root := NewRootCmd("1.2.3")
	if root.Version != "1.2.3" {
		t.Errorf("Version: got %q", root.Version)
	}
}

func TestNewRootCmd_hasHomeFlag(t *testing.T) {
	root := NewRootCmd("")
	for _, name := range []string{"home", "server"} {
		if root.PersistentFlags().Lookup(name) == nil {
			t.Errorf("expected --%s persistent flag", name)
		}
	}
}

func TestApikeyGenerate(t *testing.T) {
	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--home", t.TempDir(), "apikey", "generate"})
	if err := root.Execute(); err != nil {
		t.Fatalf("apikey generate: %v", err)
	}
	out := buf.String()
	hexKey := regexp.MustCompile(`(?m)^  ([a-f0-9]{64})$`)
	if !hexKey.MatchString(out) {
		t.Errorf("output should contain a 64-char hex key on its own line; got:\n%s", out)
	}
	if !strings.Contains(out, "FLEET_API_KEY") {
		t.Errorf("output should mention FLEET_API_KEY")
	}
	if !strings.Contains(out, "X-API-Key") {
		t.Errorf("output should mention X-API-Key")
	}
}

func TestParseID(t *testing.T) {
	if id, err := parseID("12"); err != nil || id != 12 {
		t.Fatalf("parseID(12): %d, %v", id, err)
	}
	for _, bad := range []string{"", "0", "-3", "x"} {
		if _, err := parseID(bad); err == nil {
			t.Errorf("parseID(%q): expected error", bad)
		}
	}
}

func TestServerURL(t *testing.T) {
	t.Setenv("FLEET_SERVER", "")
	root := NewRootCmd("")
	ctx := config.WithHome(context.Background(), t.TempDir())
	if got := serverURL(ctx, root); got != "http://127.0.0.1:5000" {
		t.Errorf("default: got %q", got)
	}
	t.Setenv("FLEET_SERVER", "http://fleet.local:8080/")
	if got := serverURL(ctx, root); got != "http://fleet.local:8080" {
		t.Errorf("env: got %q", got)
	}
	if err := root.PersistentFlags().Set("server", "http://10.0.0.2:5000"); err != nil {
		t.Fatal(err)
	}
	if got := serverURL(ctx, root); got != "http://10.0.0.2:5000" {
		t.Errorf("flag: got %q", got)
	}
}

// fakeOrchestrator serves just enough of the HTTP API for the task and robot commands.
func fakeOrchestrator(t *testing.T) (*httptest.Server, *[]models.CreateTask) {
	t.Helper()
	var created []models.CreateTask
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/tasks":
			var req models.CreateTask
			_ = json.NewDecoder(r.Body).Decode(&req)
			created = append(created, req)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(models.Task{TaskID: 1, ContainerID: req.ContainerID, Action: req.Action, Status: models.StatusPending})
		case r.URL.Path == "/tasks":
			_, _ = w.Write([]byte(`[]`))
		case r.URL.Path == "/robots":
			_ = json.NewEncoder(w).Encode([]models.Robot{{RobotID: 1, Name: "Robot-01", Status: models.RobotIdle, FSMState: "IDLE", Battery: 97, LastSeen: time.Now()}})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &created
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"--home", t.TempDir()}, args...))
	err := root.Execute()
	return buf.String(), err
}

func TestTaskCommands(t *testing.T) {
	srv, created := fakeOrchestrator(t)

	out, err := runRoot(t, "--server", srv.URL, "task", "create", "--container", "1001", "--action", "PICK", "--priority", "2")
	if err != nil {
		t.Fatalf("task create: %v\n%s", err, out)
	}
	if len(*created) != 1 || (*created)[0].ContainerID != "1001" || (*created)[0].Priority == nil || *(*created)[0].Priority != 2 {
		t.Fatalf("create request: %+v", *created)
	}

	out, err = runRoot(t, "--server", srv.URL, "task", "list")
	if err != nil || !strings.Contains(out, "No tasks.") {
		t.Fatalf("task list: %v\n%s", err, out)
	}

	if _, err := runRoot(t, "--server", srv.URL, "task", "get", "9"); err == nil {
		t.Fatal("task get missing: expected error")
	}
	if _, err := runRoot(t, "--server", srv.URL, "task", "create"); err == nil {
		t.Fatal("task create without --container: expected error")
	}
}

func TestRobotList(t *testing.T) {
	srv, _ := fakeOrchestrator(t)
	out, err := runRoot(t, "--server", srv.URL, "robot", "list")
	if err != nil {
		t.Fatalf("robot list: %v", err)
	}
	if !strings.Contains(out, "Robot-01") || !strings.Contains(out, "battery=97%") {
		t.Fatalf("robot list output:\n%s", out)
	}
}

func TestRobotInit_thenResolve(t *testing.T) {
	home := t.TempDir()
	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--home", home, "robot", "init", "--id", "3", "--mode", "claim", "--nats-url", "nats://broker:4222", "--dwell", "500ms"})
	if err := root.Execute(); err != nil {
		t.Fatalf("robot init: %v", err)
	}
	path := filepath.Join(home, "robots", "3.yaml")
	cfg, err := config.LoadRobotConfig(path)
	if err != nil || cfg == nil {
		t.Fatalf("LoadRobotConfig: %v, %v", cfg, err)
	}
	if cfg.RobotID != 3 || cfg.Mode != protocol.ModeClaim || cfg.BusURL != "nats://broker:4222" || cfg.Dwell != 500*time.Millisecond {
		t.Fatalf("saved config: %+v", cfg)
	}

	// A second init must not clobber the file.
	root = NewRootCmd("")
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"--home", home, "robot", "init", "--id", "3"})
	if err := root.Execute(); err == nil {
		t.Fatal("second init: expected error")
	}

	// Flags override the file; unset flags keep file values.
	cmd := &cobra.Command{Use: "run"}
	var f robotFlags
	f.bind(cmd)
	if err := cmd.Flags().Parse([]string{"--id", "3", "--tick", "50ms"}); err != nil {
		t.Fatal(err)
	}
	got, err := resolveRobotConfig(cmd, home, f)
	if err != nil {
		t.Fatalf("resolveRobotConfig: %v", err)
	}
	if got.Mode != protocol.ModeClaim || got.Tick != 50*time.Millisecond || got.Dwell != 500*time.Millisecond {
		t.Fatalf("resolved: %+v", got)
	}
	ac := agentConfig(got)
	if ac.RobotID != 3 || ac.Topics.Prefix != protocol.DefaultPrefix {
		t.Fatalf("agentConfig: %+v", ac)
	}
}

func TestResolveRobotConfig_requiresID(t *testing.T) {
	cmd := &cobra.Command{Use: "run"}
	var f robotFlags
	f.bind(cmd)
	if _, err := resolveRobotConfig(cmd, t.TempDir(), f); err == nil {
		t.Fatal("expected error without robot id")
	}
}

func TestRobotScan_stub(t *testing.T) {
	out, err := runRoot(t, "robot", "scan", "--expect", "1001", "--timeout", "1s")
	if err != nil {
		t.Fatalf("robot scan: %v\n%s", err, out)
	}
	if !strings.Contains(out, "confirmed=true") {
		t.Fatalf("robot scan output:\n%s", out)
	}
}
