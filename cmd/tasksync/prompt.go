package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/mschirtzinger/tasksync/internal/model"
	"github.com/mschirtzinger/tasksync/internal/tasksync"
)

// interactive reports whether both stdin and stdout are terminals.
func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// promptDraft asks for the title and priority of a new task.
func promptDraft(d *tasksync.Draft, wt model.WorkType) error {
	priority := string(d.Priority)
	if priority == "" {
		priority = string(wt.DefaultPriority)
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(fmt.Sprintf("New %s task", strings.ToLower(wt.Name))).
				Placeholder("What needs doing?").
				CharLimit(model.MaxTitleLength).
				Value(&d.Title).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("title is required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Priority").
				Options(huh.NewOptions(
					string(model.PriorityLow),
					string(model.PriorityMedium),
					string(model.PriorityHigh),
					string(model.PriorityUrgent),
				)...).
				Value(&priority),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return fmt.Errorf("cancelled")
		}
		return fmt.Errorf("failed to read task: %w", err)
	}

	d.Priority = model.Priority(priority)
	return nil
}
