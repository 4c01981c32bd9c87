package main

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/model"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/schedule"
	"github.com/mschirtzinger/tasksync/internal/tasksync"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var subtaskPriority string

var subtaskCmd = &cobra.Command{
	Use:     "subtask",
	GroupID: "tasks",
	Short:   "Add, edit, complete and delete subtasks",
}

// subtaskMutation resolves "<task-id> <subtask-id>" and runs fn with the
// remaining arguments.
func subtaskMutation(fn func(ctx context.Context, a *app, svc *tasksync.Service, task *model.Task, subtaskID string, args []string) error) func(*cobra.Command, []string) error {
	return taskMutation(func(ctx context.Context, a *app, svc *tasksync.Service, id string, args []string) error {
		task, err := svc.Get(ctx, id)
		if err != nil {
			return err
		}
		subtaskID, err := resolveSubtaskID(task, args[0])
		if err != nil {
			return err
		}
		return fn(ctx, a, svc, task, subtaskID, args[1:])
	})
}

var subtaskAddCmd = &cobra.Command{
	Use:     "add <task-id> <title...>",
	Short:   "Add a subtask to a task",
	Example: `  tasksync subtask add light-3f2a19c0 Book the meeting room --priority low`,
	Args:    cobra.MinimumNArgs(2),
	RunE: taskMutation(func(ctx context.Context, a *app, svc *tasksync.Service, id string, args []string) error {
		d := tasksync.SubtaskDraft{Title: strings.Join(args, " ")}
		if subtaskPriority != "" {
			p, err := model.ParsePriority(subtaskPriority)
			if err != nil {
				return err
			}
			d.Priority = &p
		}

		sub, err := svc.AddSubtask(ctx, id, d)
		if err != nil {
			return err
		}
		a.confirm(ctx, svc, queue.EntitySubtask, sub.ID, "Added %s %s", ui.ShortID(sub.ID), sub.Title)
		return nil
	}),
}

var subtaskDoneCmd = &cobra.Command{
	Use:   "done <task-id> <subtask-id>",
	Short: "Toggle a subtask's completion",
	Args:  cobra.ExactArgs(2),
	RunE: subtaskMutation(func(ctx context.Context, a *app, svc *tasksync.Service, task *model.Task, subtaskID string, _ []string) error {
		sub, err := svc.ToggleSubtaskCompletion(ctx, task.ID, subtaskID)
		if err != nil {
			return err
		}
		state := "Reopened"
		if sub.Completed {
			state = "Completed"
		}
		a.confirm(ctx, svc, queue.EntitySubtask, sub.ID, "%s %s", state, sub.Title)
		return nil
	}),
}

var subtaskRmCmd = &cobra.Command{
	Use:     "rm <task-id> <subtask-id>",
	Aliases: []string{"delete"},
	Short:   "Delete a subtask",
	Args:    cobra.ExactArgs(2),
	RunE: subtaskMutation(func(ctx context.Context, a *app, svc *tasksync.Service, task *model.Task, subtaskID string, _ []string) error {
		if err := svc.DeleteSubtask(ctx, task.ID, subtaskID); err != nil {
			return err
		}
		a.confirm(ctx, svc, queue.EntitySubtask, subtaskID, "Deleted %s from %s", ui.ShortID(subtaskID), task.Title)
		return nil
	}),
}

var subtaskTitleCmd = &cobra.Command{
	Use:   "title <task-id> <subtask-id> <title...>",
	Short: "Rename a subtask",
	Args:  cobra.MinimumNArgs(3),
	RunE: subtaskMutation(func(ctx context.Context, a *app, svc *tasksync.Service, task *model.Task, subtaskID string, args []string) error {
		sub, err := svc.UpdateSubtaskTitle(ctx, task.ID, subtaskID, strings.Join(args, " "))
		if err != nil {
			return err
		}
		a.confirm(ctx, svc, queue.EntitySubtask, sub.ID, "Renamed to %s", sub.Title)
		return nil
	}),
}

var subtaskPriorityCmd = &cobra.Command{
	Use:   "priority <task-id> <subtask-id> <low|medium|high|urgent|none>",
	Short: "Set or clear a subtask's priority",
	Args:  cobra.ExactArgs(3),
	RunE: subtaskMutation(func(ctx context.Context, a *app, svc *tasksync.Service, task *model.Task, subtaskID string, args []string) error {
		var p *model.Priority
		if v := strings.ToLower(args[0]); v != "none" && v != "clear" {
			parsed, err := model.ParsePriority(args[0])
			if err != nil {
				return err
			}
			p = &parsed
		}
		sub, err := svc.UpdateSubtaskPriority(ctx, task.ID, subtaskID, p)
		if err != nil {
			return err
		}
		if p == nil {
			a.confirm(ctx, svc, queue.EntitySubtask, sub.ID, "Cleared the priority of %s", sub.Title)
		} else {
			a.confirm(ctx, svc, queue.EntitySubtask, sub.ID, "%s is now %s", sub.Title, *p)
		}
		return nil
	}),
}

var subtaskDueCmd = &cobra.Command{
	Use:   "due <task-id> <subtask-id> <date|none>",
	Short: "Set or clear a subtask's due date",
	Args:  cobra.MinimumNArgs(3),
	RunE: subtaskMutation(func(ctx context.Context, a *app, svc *tasksync.Service, task *model.Task, subtaskID string, args []string) error {
		due, err := schedule.ParseOptionalDay(strings.Join(args, " "), time.Now())
		if err != nil {
			return err
		}
		sub, err := svc.UpdateSubtaskDueDate(ctx, task.ID, subtaskID, due)
		if err != nil {
			return err
		}
		if due == nil {
			a.confirm(ctx, svc, queue.EntitySubtask, sub.ID, "Cleared the due date of %s", sub.Title)
		} else {
			a.confirm(ctx, svc, queue.EntitySubtask, sub.ID, "%s is due %s", sub.Title, *due)
		}
		return nil
	}),
}

var subtaskEstimateCmd = &cobra.Command{
	Use:   "estimate <task-id> <subtask-id> <minutes|none>",
	Short: "Set or clear a subtask's estimated time",
	Args:  cobra.ExactArgs(3),
	RunE: subtaskMutation(func(ctx context.Context, a *app, svc *tasksync.Service, task *model.Task, subtaskID string, args []string) error {
		minutes, err := parseMinutes(args[0])
		if err != nil {
			return err
		}
		sub, err := svc.UpdateSubtaskEstimate(ctx, task.ID, subtaskID, minutes)
		if err != nil {
			return err
		}
		if minutes == nil {
			a.confirm(ctx, svc, queue.EntitySubtask, sub.ID, "Cleared the estimate of %s", sub.Title)
		} else {
			a.confirm(ctx, svc, queue.EntitySubtask, sub.ID, "%s is estimated at %dm", sub.Title, *minutes)
		}
		return nil
	}),
}

func init() {
	subtaskAddCmd.Flags().StringVarP(&subtaskPriority, "priority", "p", "", "LOW, MEDIUM, HIGH or URGENT")

	subtaskCmd.AddCommand(subtaskAddCmd, subtaskDoneCmd, subtaskRmCmd,
		subtaskTitleCmd, subtaskPriorityCmd, subtaskDueCmd, subtaskEstimateCmd)
	rootCmd.AddCommand(subtaskCmd)
}
