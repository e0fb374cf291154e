package daemon

import "time"

// DefaultPort is the orchestrator HTTP port when none is given.
const DefaultPort = 5000

// StartOptions configures the orchestrator daemon (home, port, dispatch, bus, DB, simulated robots).
type StartOptions struct {
	Home      string
	Port      int
	Dev       bool
	PprofAddr string
	APIKey    string // if set, HTTP callers must send it (else FLEET_API_KEY env)
	DBDriver  string // "sqlite" (default) or "postgres"
	DBURL     string // for postgres: connection string (or DATABASE_URL env)
	// Dispatch
	Mode        string  // "unicast" (default) or "claim"
	IntervalSec float64 // assignment pass interval
	AckTimeout  time.Duration
	FailOnError bool // fail a task when its robot reports ERROR
	// Bus: NATS when NATSURL is set (else FLEET_NATS_URL env), in-memory otherwise.
	NATSURL     string
	TopicPrefix string
	// SimRobots starts this many simulated robot agents in-process.
	SimRobots      int
	SimMarkerAfter time.Duration // simulated travel time between markers
	SimScanDelay   time.Duration // simulated perception latency
	EnableOtel     bool          // enable OpenTelemetry metrics (Prometheus exporter + HTTP/task/FSM instrumentation)
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
