package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/hania222/warehouse-fleet/internal/store"
	"github.com/hania222/warehouse-fleet/pkg/models"
)

func TestOpen_skipIfNoDatabaseURL(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping postgres test")
	}
	st, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()
	robots, err := st.ListRobots(ctx)
	if err != nil {
		t.Fatalf("ListRobots: %v", err)
	}
	if len(robots) == 0 {
		t.Fatal("seeded robot missing")
	}

	task, err := st.CreateTask(ctx, store.NewTask{ContainerID: "pg-1001", Action: models.ActionPick, Priority: 1})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	done, err := st.CompleteTask(ctx, task.TaskID)
	if err != nil || !done {
		t.Fatalf("CompleteTask: %v %v", done, err)
	}
	again, err := st.CompleteTask(ctx, task.TaskID)
	if err != nil || again {
		t.Fatalf("replayed CompleteTask: %v %v", again, err)
	}
}
