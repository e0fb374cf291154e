package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/hania222/warehouse-fleet/pkg/models"
	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create and inspect transport tasks",
	}
	cmd.AddCommand(newTaskCreateCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskGetCmd())
	cmd.AddCommand(newTaskFailCmd())
	return cmd
}

func newTaskCreateCmd() *cobra.Command {
	var (
		container string
		action    string
		priority  int
		source    string
		dest      string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Queue a pick or drop of a container",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := models.CreateTask{ContainerID: container, Action: action}
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}
			if source != "" {
				req.Source = &source
			}
			if dest != "" {
				req.Destination = &dest
			}
			t, err := apiClient(cmd).CreateTask(cmd.Context(), req)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created task %d (%s %s, priority %d)\n", t.TaskID, t.Action, t.ContainerID, t.Priority)
			return nil
		},
	}
	cmd.Flags().StringVar(&container, "container", "", "Container ID")
	cmd.Flags().StringVar(&action, "action", models.ActionPick, "PICK or DROP")
	cmd.Flags().IntVar(&priority, "priority", models.DefaultTaskPriority, "Priority (lower runs first)")
	cmd.Flags().StringVar(&source, "source", "", "Source rack")
	cmd.Flags().StringVar(&dest, "dest", "", "Destination rack")
	_ = cmd.MarkFlagRequired("container")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := apiClient(cmd).ListTasks(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
				return nil
			}
			for _, t := range tasks {
				printTask(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Max tasks to show (default server limit)")
	return cmd
}

func newTaskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			t, err := apiClient(cmd).GetTask(cmd.Context(), id)
			if err != nil {
				return err
			}
			printTask(cmd.OutOrStdout(), *t)
			return nil
		},
	}
}

func newTaskFailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fail <task-id>",
		Short: "Abandon a task and free its robot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			t, err := apiClient(cmd).FailTask(cmd.Context(), id)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %d is %s\n", t.TaskID, t.Status)
			return nil
		},
	}
}

func printTask(w io.Writer, t models.Task) {
	robot := "-"
	if t.AssignedRobot != nil {
		robot = strconv.FormatInt(*t.AssignedRobot, 10)
	}
	_, _ = fmt.Fprintf(w, "- #%d %s %s [%s] step=%s robot=%s priority=%d\n",
		t.TaskID, t.Action, t.ContainerID, t.Status, t.CurrentStep, robot, t.Priority)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q: must be a positive integer", s)
	}
	return id, nil
}
