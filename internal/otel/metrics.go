package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	taskOpsCounter      metric.Int64Counter
	assignmentsCounter  metric.Int64Counter
	busMessagesCounter  metric.Int64Counter
	fsmTransitions      metric.Int64Counter
	perceptionDuration  metric.Float64Histogram
	sseConnectionsGauge metric.Int64ObservableGauge
	sseEventsCounter    metric.Int64Counter
	sseConnections      int64
	sseConnectionsMu    sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		taskOpsCounter, err = m.Int64Counter("fleet_task_operations_total", metric.WithDescription("Total task operations (create, complete, fail, etc.)"))
		if err != nil {
			return
		}
		assignmentsCounter, err = m.Int64Counter("fleet_assignments_total", metric.WithDescription("Tasks handed to robots, by dispatch mode"))
		if err != nil {
			return
		}
		busMessagesCounter, err = m.Int64Counter("fleet_bus_messages_total", metric.WithDescription("Bus messages consumed, by kind and result"))
		if err != nil {
			return
		}
		fsmTransitions, err = m.Int64Counter("fleet_fsm_transitions_total", metric.WithDescription("Robot FSM state transitions"))
		if err != nil {
			return
		}
		perceptionDuration, err = m.Float64Histogram("fleet_perception_attempt_duration_seconds", metric.WithDescription("Container match attempt duration in seconds"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("fleet_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("fleet_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
	})
	return err
}

// RecordTaskOp records a task operation (create, complete, fail, etc.).
func RecordTaskOp(ctx context.Context, op string, status string) {
	if taskOpsCounter == nil {
		return
	}
	taskOpsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		AttrStatus.String(status),
	))
}

// RecordAssignment records one task handed to a robot.
func RecordAssignment(ctx context.Context, mode string) {
	if assignmentsCounter != nil {
		assignmentsCounter.Add(ctx, 1, metric.WithAttributes(AttrMode.String(mode)))
	}
}

// RecordBusMessage records one consumed bus message; result is "ok",
// "invalid", "duplicate" or "error".
func RecordBusMessage(ctx context.Context, kind, result string) {
	if busMessagesCounter != nil {
		busMessagesCounter.Add(ctx, 1, metric.WithAttributes(AttrKind.String(kind), attribute.String("result", result)))
	}
}

// RecordTransition records one FSM transition on a robot.
func RecordTransition(ctx context.Context, robotID int64, from, to string) {
	if fsmTransitions != nil {
		fsmTransitions.Add(ctx, 1, metric.WithAttributes(
			AttrRobot.Int64(robotID),
			attribute.String("from", from),
			attribute.String("to", to),
		))
	}
}

// RecordPerception records a match attempt and its duration.
func RecordPerception(ctx context.Context, outcome string, duration time.Duration) {
	if perceptionDuration != nil {
		perceptionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrOutcome.String(outcome)))
	}
}

// RecordSSEEvent records one SSE event published.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1)
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}

// TaskCountFunc returns task counts keyed by status. Used for the fleet_tasks gauge.
type TaskCountFunc func(ctx context.Context) (map[string]int64, error)

// InitMetricsWithTaskCount creates instruments and optionally registers a callback for task gauges.
// Call after InitMeterProvider. If taskCount is nil, task gauges are not reported.
func InitMetricsWithTaskCount(ctx context.Context, taskCount TaskCountFunc, statuses []string) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if taskCount == nil {
		return nil
	}
	m := Meter()
	tasksGauge, err := m.Int64ObservableGauge("fleet_tasks", metric.WithDescription("Number of tasks by status"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		counts, err := taskCount(ctx)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			o.ObserveInt64(tasksGauge, counts[st], metric.WithAttributes(AttrStatus.String(st)))
		}
		return nil
	}, tasksGauge)
	return err
}
