package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hania222/warehouse-fleet/internal/bus"
	"github.com/hania222/warehouse-fleet/internal/httpapi"
	"github.com/hania222/warehouse-fleet/internal/orchestrator"
	"github.com/hania222/warehouse-fleet/internal/otel"
	"github.com/hania222/warehouse-fleet/internal/protocol"
	"github.com/hania222/warehouse-fleet/internal/store"
	"github.com/hania222/warehouse-fleet/pkg/models"
)

var errNotRunning = errors.New("fleet orchestrator is not running")

// applyEnv fills unset options from the environment.
func applyEnv(opts *StartOptions) {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.APIKey == "" {
		opts.APIKey = os.Getenv("FLEET_API_KEY")
	}
	if opts.NATSURL == "" {
		opts.NATSURL = os.Getenv("FLEET_NATS_URL")
	}
	if opts.DBDriver == "" && os.Getenv("DATABASE_URL") != "" {
		opts.DBDriver = "postgres"
	}
}

func openBus(ctx context.Context, opts StartOptions) (bus.Bus, error) {
	if opts.NATSURL == "" {
		return bus.NewMemoryBus(), nil
	}
	return bus.DialNATS(ctx, bus.NATSOptions{URL: opts.NATSURL, Name: "fleet-orchestrator"})
}

// StartForeground runs the orchestrator, its HTTP API and any simulated
// robots until ctx is cancelled.
func StartForeground(ctx context.Context, opts StartOptions) error {
	if opts.Home == "" {
		return errors.New("home is required")
	}
	applyEnv(&opts)
	if opts.Mode == "" {
		opts.Mode = protocol.ModeUnicast
	}
	if !protocol.ValidMode(opts.Mode) {
		return fmt.Errorf("unknown dispatch mode %q (want unicast or claim)", opts.Mode)
	}

	// Ensure dirs exist.
	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return err
	}

	// Acquire singleton lock (released on exit).
	lock, err := acquireLock(lockPath(opts.Home))
	if err != nil {
		return err
	}
	defer lock.release()

	// Optional pprof.
	startPprof(ctx, opts.PprofAddr)

	// Ensure DB schema exists before serving (SQLite only; Postgres migrates on connect).
	if opts.DBDriver != "postgres" {
		if err := store.EnsureSchema(opts.Home); err != nil {
			return err
		}
	}

	// Early port check for clearer error.
	if err := checkPortAvailable(opts.Port); err != nil {
		return err
	}

	// Write PID + addr files.
	pid := os.Getpid()
	if err := os.WriteFile(pidPath(opts.Home), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return err
	}
	addr := fmt.Sprintf("0.0.0.0:%d", opts.Port)
	_ = os.WriteFile(addrPath(opts.Home), []byte(addr+"\n"), 0o644)
	defer func() {
		_ = os.Remove(pidPath(opts.Home))
		_ = os.Remove(addrPath(opts.Home))
	}()

	b, err := openBus(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	srvOpts := httpapi.ServerOptions{
		Home:     opts.Home,
		Addr:     addr,
		Dev:      opts.Dev,
		APIKey:   opts.APIKey,
		DBDriver: opts.DBDriver,
		DBURL:    opts.DBURL,
		Bus:      b,
		Orchestrator: orchestrator.Options{
			Mode:        opts.Mode,
			Topics:      protocol.NewTopics(opts.TopicPrefix),
			Interval:    time.Duration(opts.IntervalSec * float64(time.Second)),
			AckTimeout:  opts.AckTimeout,
			FailOnError: opts.FailOnError,
		},
	}
	if opts.EnableOtel {
		metricsHandler, err := otel.InitMeterProvider(ctx, "fleet")
		if err != nil {
			slog.Warn("otel init failed, using plain metrics", "err", err)
		} else {
			srvOpts.MetricsHandler = metricsHandler
			srvOpts.UseOtelHTTP = true
		}
	}
	app, err := httpapi.NewApp(srvOpts)
	if err != nil {
		return err
	}
	if opts.EnableOtel {
		statuses := []string{models.StatusPending, models.StatusAssigned, models.StatusInProgress, models.StatusCompleted, models.StatusFailed}
		if err := otel.InitMetricsWithTaskCount(ctx, app.Store.CountTasksByStatus, statuses); err != nil {
			slog.Warn("otel task gauge failed", "err", err)
		}
	}

	slog.Info("daemon starting", "addr", addr, "home", opts.Home, "mode", opts.Mode, "nats", opts.NATSURL != "", "sim_robots", opts.SimRobots)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return app.Server.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return app.Orch.Run(gctx) })
	if err := startSimRobots(gctx, g, app.Bus, opts); err != nil {
		return err
	}

	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// daemonArgs rebuilds the daemon command line for the background child.
func daemonArgs(opts StartOptions) []string {
	args := []string{
		"daemon",
		"--home", opts.Home,
		"--port", strconv.Itoa(opts.Port),
		"--mode", opts.Mode,
		"--interval", fmt.Sprintf("%g", opts.IntervalSec),
	}
	if opts.AckTimeout > 0 {
		args = append(args, "--ack-timeout", opts.AckTimeout.String())
	}
	if opts.FailOnError {
		args = append(args, "--fail-on-error")
	}
	if opts.NATSURL != "" {
		args = append(args, "--nats-url", opts.NATSURL)
	}
	if opts.TopicPrefix != "" {
		args = append(args, "--topic-prefix", opts.TopicPrefix)
	}
	if opts.DBDriver != "" {
		args = append(args, "--db", opts.DBDriver)
	}
	if opts.SimRobots > 0 {
		args = append(args, "--sim-robots", strconv.Itoa(opts.SimRobots))
	}
	if opts.SimMarkerAfter > 0 {
		args = append(args, "--sim-marker-after", opts.SimMarkerAfter.String())
	}
	if opts.SimScanDelay > 0 {
		args = append(args, "--sim-scan-delay", opts.SimScanDelay.String())
	}
	if opts.Dev {
		args = append(args, "--dev")
	}
	args = append(args, "--otel="+strconv.FormatBool(opts.EnableOtel))
	if opts.PprofAddr != "" {
		args = append(args, "--pprof", opts.PprofAddr)
	}
	return args
}

// StartBackground re-executes the binary as a detached daemon and waits briefly for it to come up.
// Secrets (API key, DB URL) reach the child through the inherited environment.
func StartBackground(ctx context.Context, opts StartOptions) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Mode == "" {
		opts.Mode = protocol.ModeUnicast
	}

	// Ensure dirs exist before starting.
	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return 0, err
	}

	// Best-effort: refuse to start if already running.
	if st, _ := Status(ctx, opts.Home); st.Running {
		return 0, fmt.Errorf("fleet orchestrator already running (pid %d)", st.PID)
	}

	logFile := LogPath(opts.Home)
	stderr, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	// Kept open for child lifetime; closing here may break writes on some platforms.

	cmd := exec.Command(exe, daemonArgs(opts)...)
	cmd.Env = os.Environ()
	if opts.APIKey != "" {
		cmd.Env = append(cmd.Env, "FLEET_API_KEY="+opts.APIKey)
	}
	if opts.DBURL != "" {
		cmd.Env = append(cmd.Env, "DATABASE_URL="+opts.DBURL)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	setDaemonSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	// Wait briefly for pid file to appear or process to die.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := Status(ctx, opts.Home); st.Running {
			return st.PID, nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Fallback to started pid even if status isn't ready yet.
	return cmd.Process.Pid, nil
}

func Stop(ctx context.Context, home string) (bool, error) {
	st, err := Status(ctx, home)
	if err != nil {
		return false, err
	}
	if !st.Running {
		return false, nil
	}

	proc, err := os.FindProcess(st.PID)
	if err != nil {
		// On unix FindProcess always succeeds; keep this for completeness.
		return false, errNotRunning
	}
	if err := signalTerm(proc); err != nil {
		return false, err
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if st2, _ := Status(ctx, home); !st2.Running {
			return true, nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = proc.Kill()
	return true, nil
}

func Status(ctx context.Context, home string) (StatusInfo, error) {
	pb, err := os.ReadFile(pidPath(home))
	if err != nil {
		return StatusInfo{Running: false}, nil
	}
	pidStr := strings.TrimSpace(string(pb))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return StatusInfo{Running: false}, nil
	}

	if !processExists(pid) {
		_ = os.Remove(pidPath(home))
		return StatusInfo{Running: false}, nil
	}

	addr := ""
	if ab, err := os.ReadFile(addrPath(home)); err == nil {
		addr = strings.TrimSpace(string(ab))
	}
	if addr == "" {
		addr = "unknown"
	}
	return StatusInfo{Running: true, PID: pid, Addr: addr}, nil
}

func checkPortAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("port %d is already in use", port)
	}
	_ = ln.Close()
	return nil
}
