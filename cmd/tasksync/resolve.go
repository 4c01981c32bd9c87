package main

import (
	"fmt"
	"strings"

	"github.com/mschirtzinger/tasksync/internal/model"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

// resolveTaskID matches arg against the listed tasks by full id, short id
// or unique prefix. An unmatched arg is returned as given so tasks of other
// days can still be addressed by their full id.
func resolveTaskID(tasks []*model.Task, arg string) (string, error) {
	var matches []string
	for _, t := range tasks {
		if t.ID == arg || ui.ShortID(t.ID) == arg {
			return t.ID, nil
		}
		if strings.HasPrefix(t.ID, arg) {
			matches = append(matches, t.ID)
		}
	}
	switch len(matches) {
	case 0:
		return arg, nil
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("%q matches %d tasks, use more of the id", arg, len(matches))
}

// resolveSubtaskID does the same within one task.
func resolveSubtaskID(task *model.Task, arg string) (string, error) {
	var matches []string
	for _, s := range task.Subtasks {
		if s.ID == arg || ui.ShortID(s.ID) == arg {
			return s.ID, nil
		}
		if strings.HasPrefix(s.ID, arg) {
			matches = append(matches, s.ID)
		}
	}
	switch len(matches) {
	case 0:
		return arg, nil
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("%q matches %d subtasks, use more of the id", arg, len(matches))
}
