package orchestrator_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hania222/warehouse-fleet/internal/agent"
	"github.com/hania222/warehouse-fleet/internal/bus"
	"github.com/hania222/warehouse-fleet/internal/hardware"
	"github.com/hania222/warehouse-fleet/internal/orchestrator"
	"github.com/hania222/warehouse-fleet/internal/perception"
	"github.com/hania222/warehouse-fleet/internal/protocol"
	"github.com/hania222/warehouse-fleet/internal/store"
	"github.com/hania222/warehouse-fleet/pkg/models"
)

const (
	waitFor = 5 * time.Second
	poll    = 10 * time.Millisecond
)

type robot struct {
	agent *agent.Agent
	hw    *hardware.SimLink
	match *perception.FeedMatcher
}

type fleet struct {
	orch   *orchestrator.Orchestrator
	bus    *bus.MemoryBus
	topics protocol.Topics
	robots map[int64]*robot
}

// startFleet runs an orchestrator and one agent per id on a shared
// in-memory bus until the test ends.
func startFleet(t *testing.T, mode string, ids ...int64) *fleet {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "home"))
	require.NoError(t, err)
	b := bus.NewMemoryBus()
	topics := protocol.NewTopics("test.")

	o, err := orchestrator.New(st, b, orchestrator.Options{
		Mode:     mode,
		Topics:   topics,
		Interval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	f := &fleet{orch: o, bus: b, topics: topics, robots: map[int64]*robot{}}
	for _, id := range ids {
		hw := hardware.NewSimLink(0)
		fm := perception.NewFeedMatcher()
		a, err := agent.New(agent.Config{
			RobotID: id,
			Mode:    mode,
			Topics:  topics,
			Tick:    10 * time.Millisecond,
			Dwell:   30 * time.Millisecond,
			Backoff: 60 * time.Millisecond,
		}, b, hw, fm)
		require.NoError(t, err)
		f.robots[id] = &robot{agent: a, hw: hw, match: fm}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		_ = b.Close()
		_ = st.Close()
	})

	// Wait until every robot has been heard from so dispatch can see it.
	require.Eventually(t, func() bool {
		robots, err := o.ListRobots(context.Background())
		if err != nil {
			return false
		}
		seen := 0
		for _, r := range robots {
			if _, ok := f.robots[r.RobotID]; ok && !r.LastSeen.IsZero() && r.LastSeen.Unix() > 0 {
				seen++
			}
		}
		return seen == len(ids)
	}, waitFor, poll)
	return f
}

func (f *fleet) waitState(t *testing.T, id int64, want agent.State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.robots[id].agent.State() == want }, waitFor, poll, "robot %d never reached %s", id, want)
}

func (f *fleet) task(t *testing.T, id int64) models.Task {
	t.Helper()
	tk, err := f.orch.GetTask(context.Background(), id)
	require.NoError(t, err)
	return tk
}

func (f *fleet) terminalEvents(t *testing.T, taskID int64) int {
	t.Helper()
	n := 0
	for _, rec := range f.bus.History(f.topics.Events(), 0) {
		var ev protocol.Event
		require.NoError(t, protocol.Decode(rec.Data, &ev))
		if ev.TaskID != nil && *ev.TaskID == taskID && ev.Tag().Terminal() {
			n++
		}
	}
	return n
}

func TestFleet_pickCompletes(t *testing.T) {
	t.Parallel()
	f := startFleet(t, protocol.ModeUnicast, 2)
	r := f.robots[2]

	tk, err := f.orch.CreateTask(context.Background(), models.CreateTask{ContainerID: "1001", Action: "Pick"})
	require.NoError(t, err)

	f.waitState(t, 2, agent.StateFollowLine)
	require.Equal(t, models.StatusAssigned, f.task(t, tk.TaskID).Status)
	r.hw.Inject(hardware.NoteWideMarker)

	select {
	case got := <-r.match.Calls():
		require.Equal(t, "1001", got)
	case <-time.After(waitFor):
		t.Fatal("perception never asked")
	}
	require.Equal(t, agent.StateScanQR, r.agent.State())
	r.match.Feed(perception.Result{Outcome: perception.Matched, ID: "1001"})

	f.waitState(t, 2, agent.StateDeliver)
	r.hw.Inject(hardware.NoteWideMarker)

	require.Eventually(t, func() bool {
		return f.task(t, tk.TaskID).Status == models.StatusCompleted
	}, waitFor, poll)
	f.waitState(t, 2, agent.StateIdle)

	done := f.task(t, tk.TaskID)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.AckedAt)
	require.Equal(t, int64(2), *done.AssignedRobot)
	require.Equal(t, 1, f.terminalEvents(t, tk.TaskID))

	require.Eventually(t, func() bool {
		rb, err := f.orch.Store().GetRobot(context.Background(), 2)
		return err == nil && rb.Status == models.RobotIdle && rb.CurrentTask == nil
	}, waitFor, poll)
}

func TestFleet_perceptionTimeoutLeavesTaskAssigned(t *testing.T) {
	t.Parallel()
	f := startFleet(t, protocol.ModeUnicast, 2)
	r := f.robots[2]

	tk, err := f.orch.CreateTask(context.Background(), models.CreateTask{ContainerID: "1001", Action: "PICK"})
	require.NoError(t, err)
	f.waitState(t, 2, agent.StateFollowLine)
	r.hw.Inject(hardware.NoteWideMarker)

	select {
	case <-r.match.Calls():
	case <-time.After(waitFor):
		t.Fatal("perception never asked")
	}
	r.match.Feed(perception.Result{Outcome: perception.TimedOut})

	f.waitState(t, 2, agent.StateError)
	f.waitState(t, 2, agent.StateIdle)
	time.Sleep(100 * time.Millisecond)

	got := f.task(t, tk.TaskID)
	require.Equal(t, models.StatusAssigned, got.Status)
	require.Nil(t, got.CompletedAt)
	require.Equal(t, 0, f.terminalEvents(t, tk.TaskID))
	require.Equal(t, agent.StateIdle, r.agent.State())

	// The robot reports idle but still owns the abandoned task, so the
	// row stays busy and new work waits.
	next, err := f.orch.CreateTask(context.Background(), models.CreateTask{ContainerID: "1002", Action: "PICK"})
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	rb, err := f.orch.GetRobot(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, models.RobotBusy, rb.Status)
	require.NotNil(t, rb.CurrentTask)
	require.Equal(t, tk.TaskID, *rb.CurrentTask)
	require.Equal(t, models.StatusPending, f.task(t, next.TaskID).Status)
	require.Equal(t, agent.StateIdle, r.agent.State())

	// Failing the abandoned task frees the robot for the queued one.
	_, err = f.orch.FailTask(context.Background(), tk.TaskID)
	require.NoError(t, err)
	f.waitState(t, 2, agent.StateFollowLine)
	got = f.task(t, next.TaskID)
	require.Equal(t, models.StatusAssigned, got.Status)
	require.Equal(t, int64(2), *got.AssignedRobot)
}

func TestFleet_oneTaskTwoIdleRobots(t *testing.T) {
	t.Parallel()
	for _, mode := range []string{protocol.ModeUnicast, protocol.ModeClaim} {
		mode := mode
		t.Run(mode, func(t *testing.T) {
			t.Parallel()
			f := startFleet(t, mode, 2, 3)

			tk, err := f.orch.CreateTask(context.Background(), models.CreateTask{ContainerID: "1001", Action: "PICK"})
			require.NoError(t, err)

			busy := func() []int64 {
				var out []int64
				for id, r := range f.robots {
					if r.agent.State() != agent.StateIdle {
						out = append(out, id)
					}
				}
				return out
			}
			require.Eventually(t, func() bool { return len(busy()) == 1 }, waitFor, poll)
			time.Sleep(200 * time.Millisecond)
			holders := busy()
			require.Len(t, holders, 1)

			got := f.task(t, tk.TaskID)
			require.Equal(t, models.StatusAssigned, got.Status)
			require.Equal(t, holders[0], *got.AssignedRobot)

			require.Eventually(t, func() bool {
				robots, err := f.orch.ListRobots(context.Background())
				if err != nil {
					return false
				}
				var nBusy, nIdle int
				for _, rb := range robots {
					if _, ok := f.robots[rb.RobotID]; !ok {
						continue
					}
					switch {
					case rb.Status == models.RobotBusy && rb.RobotID == holders[0]:
						nBusy++
					case rb.Status == models.RobotIdle && rb.RobotID != holders[0]:
						nIdle++
					}
				}
				return nBusy == 1 && nIdle == 1
			}, waitFor, poll)
		})
	}
}

func TestFleet_tasksQueueWhileBusDown(t *testing.T) {
	t.Parallel()
	f := startFleet(t, protocol.ModeUnicast, 2)
	f.bus.SetConnected(false)

	tk, err := f.orch.CreateTask(context.Background(), models.CreateTask{ContainerID: "7", Action: "DROP"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, models.StatusPending, f.task(t, tk.TaskID).Status)
	require.Equal(t, agent.StateIdle, f.robots[2].agent.State())

	f.bus.SetConnected(true)
	f.waitState(t, 2, agent.StateFollowLine)
}
