package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"ember/internal/shared/jsonx"
	"ember/internal/task"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and inspect tasks on a running server",
}

var (
	taskKind        string
	taskDescription string
	taskPriority    int
	taskPrincipal   string
	taskInput       string
	taskParent      string
	taskStatus      string
	taskLimit       int
	interruptReason string
)

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec := task.Spec{
			Title:       args[0],
			Description: taskDescription,
			Kind:        task.Kind(taskKind),
			Priority:    taskPriority,
			Principal:   taskPrincipal,
			ParentID:    taskParent,
		}
		if taskInput != "" {
			spec.Input = jsonx.RawMessage(taskInput)
		}
		var created task.Task
		if err := newAPIClient(serverURL).post(cmd.Context(), "/api/tasks", spec, &created); err != nil {
			return err
		}
		return printJSON(created)
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		query := url.Values{}
		if taskPrincipal != "" {
			query.Set("principal", taskPrincipal)
		}
		if taskParent != "" {
			query.Set("parent_id", taskParent)
		}
		if taskStatus != "" {
			query.Set("status", taskStatus)
		}
		if taskLimit > 0 {
			query.Set("limit", fmt.Sprint(taskLimit))
		}
		var tasks []*task.Task
		if err := newAPIClient(serverURL).get(cmd.Context(), "/api/tasks", query, &tasks); err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Printf("%s  %-13s %-10s p%-3d %s\n", t.ID, t.Status, t.Kind, t.Priority, t.Title)
		}
		return nil
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t task.Task
		if err := newAPIClient(serverURL).get(cmd.Context(), "/api/tasks/"+args[0], nil, &t); err != nil {
			return err
		}
		return printJSON(t)
	},
}

var taskInterruptCmd = &cobra.Command{
	Use:   "interrupt <id>",
	Short: "Cancel a task and its descendants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{"reason": interruptReason}
		var t task.Task
		if err := newAPIClient(serverURL).post(cmd.Context(), "/api/tasks/"+args[0]+"/interrupt", body, &t); err != nil {
			return err
		}
		return printJSON(t)
	},
}

var taskInputCmd = &cobra.Command{
	Use:   "input <id> <json>",
	Short: "Provide input to a waiting task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]jsonx.RawMessage{"input": jsonx.RawMessage(args[1])}
		var t task.Task
		if err := newAPIClient(serverURL).post(cmd.Context(), "/api/tasks/"+args[0]+"/input", body, &t); err != nil {
			return err
		}
		return printJSON(t)
	},
}

func init() {
	taskCreateCmd.Flags().StringVar(&taskKind, "kind", "action", "task kind")
	taskCreateCmd.Flags().StringVar(&taskDescription, "description", "", "task description")
	taskCreateCmd.Flags().IntVar(&taskPriority, "priority", 50, "priority 0-100")
	taskCreateCmd.Flags().StringVar(&taskPrincipal, "principal", "", "owning principal")
	taskCreateCmd.Flags().StringVar(&taskInput, "input", "", "task input as a JSON object")
	taskCreateCmd.Flags().StringVar(&taskParent, "parent", "", "parent task id")

	taskListCmd.Flags().StringVar(&taskPrincipal, "principal", "", "filter by principal")
	taskListCmd.Flags().StringVar(&taskParent, "parent", "", "filter by parent task id")
	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "filter by status, comma separated")
	taskListCmd.Flags().IntVar(&taskLimit, "limit", 0, "maximum results")

	taskInterruptCmd.Flags().StringVar(&interruptReason, "reason", "interrupted from CLI", "reason recorded on the task")

	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskGetCmd, taskInterruptCmd, taskInputCmd)
}
