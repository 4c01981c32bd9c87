package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/model"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/schedule"
	"github.com/mschirtzinger/tasksync/internal/tasksync"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var (
	workType string
	dateFlag string
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "tasks",
	Short:   "List and change tasks",
	Long: `List and change the tasks of one work type.

Task ids may be given in full, as the short form shown by "task list"
(light-3f2a19c0) or as any unique prefix. Dates accept YYYY-MM-DD or
phrases like "tomorrow" and "next friday".`,
}

// runTask opens the app, requires a user and loads the --date bucket of the
// --type service before calling fn.
func runTask(cmd *cobra.Command, fn func(ctx context.Context, a *app, svc *tasksync.Service, st tasksync.State) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.userID(); err != nil {
		return err
	}
	svc, err := a.service(workType)
	if err != nil {
		return err
	}

	bucket := ""
	if dateFlag != "" {
		if bucket, err = schedule.ParseDay(dateFlag, time.Now()); err != nil {
			return err
		}
	}
	st, err := svc.Load(ctx, bucket)
	if err != nil {
		return err
	}
	return fn(ctx, a, svc, st)
}

// taskMutation resolves the first argument to a task id and runs fn on it.
func taskMutation(fn func(ctx context.Context, a *app, svc *tasksync.Service, id string, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return runTask(cmd, func(ctx context.Context, a *app, svc *tasksync.Service, st tasksync.State) error {
			id, err := resolveTaskID(st.Tasks, args[0])
			if err != nil {
				return err
			}
			return fn(ctx, a, svc, id, args[1:])
		})
	}
}

// confirm prints the outcome of a mutation and whether it still waits in
// the queue.
func (a *app) confirm(ctx context.Context, svc *tasksync.Service, entity queue.EntityKind, id, format string, args ...any) {
	a.out.Success(format, args...)
	pending, err := a.queue.HasPending(ctx, string(svc.WorkType().Kind), entity, id)
	if err != nil {
		a.errOut.Warn("failed to read queue: %v", err)
		return
	}
	if pending {
		a.out.Warn("not yet on the remote, queued for sync")
	}
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "Show the tasks of a day",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTask(cmd, func(_ context.Context, a *app, _ *tasksync.Service, st tasksync.State) error {
			a.out.State(st)
			return nil
		})
	},
}

var taskAddCmd = &cobra.Command{
	Use:   "add [title...]",
	Short: "Create a task",
	Long: `Create a task on the --date day (today by default).

Without a title on an interactive terminal a form asks for one.`,
	Example: `  tasksync task add Review the design doc --priority high --due friday
  tasksync task add -t deep Write the migration plan --estimate 90 --focus-blocks 2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTask(cmd, func(ctx context.Context, a *app, svc *tasksync.Service, st tasksync.State) error {
			d, err := draftFromFlags(cmd, svc.WorkType(), st.Bucket)
			if err != nil {
				return err
			}
			d.Title = strings.Join(args, " ")
			if d.Title == "" {
				if !interactive() {
					return fmt.Errorf("a title is required")
				}
				if err := promptDraft(&d, svc.WorkType()); err != nil {
					return err
				}
			}

			task, err := svc.CreateTask(ctx, d)
			if err != nil {
				return err
			}
			a.confirm(ctx, svc, queue.EntityTask, task.ID, "Created %s %s", ui.ShortID(task.ID), task.Title)
			return nil
		})
	},
}

func draftFromFlags(cmd *cobra.Command, wt model.WorkType, bucket string) (tasksync.Draft, error) {
	f := cmd.Flags()
	now := time.Now()
	d := tasksync.Draft{Date: bucket}

	if v, _ := f.GetString("priority"); v != "" {
		p, err := model.ParsePriority(v)
		if err != nil {
			return d, err
		}
		d.Priority = p
	}
	if v, _ := f.GetString("due"); v != "" {
		due, err := schedule.ParseDay(v, now)
		if err != nil {
			return d, err
		}
		d.DueDate = &due
	}
	if f.Changed("estimate") {
		v, _ := f.GetInt("estimate")
		d.TimeEstimate = &v
	}
	if f.Changed("description") {
		v, _ := f.GetString("description")
		d.Description = &v
	}
	if f.Changed("category") {
		v, _ := f.GetString("category")
		d.Category = &v
	}
	d.Tags, _ = f.GetStringSlice("tag")

	for _, name := range []string{"focus-blocks", "break", "interruption"} {
		if f.Changed(name) && !wt.HasTaskExtra(extraColumn(name)) {
			return d, fmt.Errorf("--%s is not supported by %s work", name, wt.Kind)
		}
	}
	if f.Changed("focus-blocks") {
		v, _ := f.GetInt("focus-blocks")
		d.FocusBlocks = &v
	}
	if f.Changed("break") {
		v, _ := f.GetInt("break")
		d.BreakDuration = &v
	}
	if f.Changed("interruption") {
		v, _ := f.GetString("interruption")
		d.InterruptionMode = &v
	}
	return d, nil
}

func extraColumn(flag string) string {
	switch flag {
	case "focus-blocks":
		return model.ColFocusBlocks
	case "break":
		return model.ColBreakDuration
	}
	return model.ColInterruptionMode
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Toggle a task's completion",
	Args:  cobra.ExactArgs(1),
	RunE: taskMutation(func(ctx context.Context, a *app, svc *tasksync.Service, id string, _ []string) error {
		task, err := svc.ToggleTaskCompletion(ctx, id)
		if err != nil {
			return err
		}
		state := "Reopened"
		if task.Completed {
			state = "Completed"
		}
		a.confirm(ctx, svc, queue.EntityTask, id, "%s %s", state, task.Title)
		return nil
	}),
}

var taskStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Record that work on a task started",
	Args:  cobra.ExactArgs(1),
	RunE: taskMutation(func(ctx context.Context, a *app, svc *tasksync.Service, id string, _ []string) error {
		task, err := svc.StartTask(ctx, id)
		if err != nil {
			return err
		}
		a.confirm(ctx, svc, queue.EntityTask, id, "Started %s", task.Title)
		return nil
	}),
}

var taskPushCmd = &cobra.Command{
	Use:     "push <id> <date>",
	Short:   "Move a task to another day",
	Example: `  tasksync task push light-3f2a19c0 tomorrow`,
	Args:    cobra.MinimumNArgs(2),
	RunE: taskMutation(func(ctx context.Context, a *app, svc *tasksync.Service, id string, args []string) error {
		day, err := schedule.ParseDay(strings.Join(args, " "), time.Now())
		if err != nil {
			return err
		}
		task, err := svc.PushTaskToAnotherDay(ctx, id, day)
		if err != nil {
			return err
		}
		a.confirm(ctx, svc, queue.EntityTask, id, "Moved %s to %s", task.Title, day)
		return nil
	}),
}

var taskRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a task and its subtasks",
	Args:    cobra.ExactArgs(1),
	RunE: taskMutation(func(ctx context.Context, a *app, svc *tasksync.Service, id string, _ []string) error {
		if err := svc.DeleteTask(ctx, id); err != nil {
			return err
		}
		a.confirm(ctx, svc, queue.EntityTask, id, "Deleted %s", ui.ShortID(id))
		return nil
	}),
}

var taskTitleCmd = &cobra.Command{
	Use:   "title <id> <title...>",
	Short: "Rename a task",
	Args:  cobra.MinimumNArgs(2),
	RunE: taskMutation(func(ctx context.Context, a *app, svc *tasksync.Service, id string, args []string) error {
		task, err := svc.UpdateTaskTitle(ctx, id, strings.Join(args, " "))
		if err != nil {
			return err
		}
		a.confirm(ctx, svc, queue.EntityTask, id, "Renamed to %s", task.Title)
		return nil
	}),
}

var taskPriorityCmd = &cobra.Command{
	Use:   "priority <id> <low|medium|high|urgent>",
	Short: "Change a task's priority",
	Args:  cobra.ExactArgs(2),
	RunE: taskMutation(func(ctx context.Context, a *app, svc *tasksync.Service, id string, args []string) error {
		p, err := model.ParsePriority(args[0])
		if err != nil {
			return err
		}
		task, err := svc.UpdateTaskPriority(ctx, id, p)
		if err != nil {
			return err
		}
		a.confirm(ctx, svc, queue.EntityTask, id, "%s is now %s", task.Title, task.Priority)
		return nil
	}),
}

var taskDueCmd = &cobra.Command{
	Use:   "due <id> <date|none>",
	Short: "Set or clear a task's due date",
	Args:  cobra.MinimumNArgs(2),
	RunE: taskMutation(func(ctx context.Context, a *app, svc *tasksync.Service, id string, args []string) error {
		due, err := schedule.ParseOptionalDay(strings.Join(args, " "), time.Now())
		if err != nil {
			return err
		}
		task, err := svc.UpdateTaskDueDate(ctx, id, due)
		if err != nil {
			return err
		}
		if due == nil {
			a.confirm(ctx, svc, queue.EntityTask, id, "Cleared the due date of %s", task.Title)
		} else {
			a.confirm(ctx, svc, queue.EntityTask, id, "%s is due %s", task.Title, *due)
		}
		return nil
	}),
}

var taskEstimateCmd = &cobra.Command{
	Use:   "estimate <id> <minutes|none>",
	Short: "Set or clear a task's time estimate",
	Args:  cobra.ExactArgs(2),
	RunE: taskMutation(func(ctx context.Context, a *app, svc *tasksync.Service, id string, args []string) error {
		minutes, err := parseMinutes(args[0])
		if err != nil {
			return err
		}
		task, err := svc.UpdateTaskTimeEstimate(ctx, id, minutes)
		if err != nil {
			return err
		}
		if minutes == nil {
			a.confirm(ctx, svc, queue.EntityTask, id, "Cleared the estimate of %s", task.Title)
		} else {
			a.confirm(ctx, svc, queue.EntityTask, id, "%s estimated at %d minutes", task.Title, *minutes)
		}
		return nil
	}),
}

// parseMinutes parses a positive minute count, or "none" to clear.
func parseMinutes(s string) (*int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "clear", "":
		return nil, nil
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(s), "m"))
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid estimate %q (want minutes, like 45 or 45m)", s)
	}
	return &n, nil
}

func init() {
	for _, c := range []*cobra.Command{taskCmd, subtaskCmd} {
		c.PersistentFlags().StringVarP(&workType, "type", "t", string(model.KindLight), "work type (light or deep)")
		c.PersistentFlags().StringVarP(&dateFlag, "date", "d", "", "day to work on (default today)")
	}

	f := taskAddCmd.Flags()
	f.StringP("priority", "p", "", "LOW, MEDIUM, HIGH or URGENT (default per work type)")
	f.String("due", "", "due date")
	f.Int("estimate", 0, "time estimate in minutes")
	f.String("description", "", "description")
	f.String("category", "", "category")
	f.StringSlice("tag", nil, "tag (repeatable)")
	f.Int("focus-blocks", 0, "deep work: number of focus blocks")
	f.Int("break", 0, "deep work: break between blocks in minutes")
	f.String("interruption", "", "deep work: interruption mode")

	taskCmd.AddCommand(taskListCmd, taskAddCmd, taskDoneCmd, taskStartCmd, taskPushCmd,
		taskRmCmd, taskTitleCmd, taskPriorityCmd, taskDueCmd, taskEstimateCmd)
	rootCmd.AddCommand(taskCmd)
}
