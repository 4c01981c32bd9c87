package tasksync

import "errors"

var (
	// ErrUnauthenticated is returned by mutations when no user is attached.
	ErrUnauthenticated = errors.New("no authenticated user")

	// ErrTaskNotFound is returned when the task is not cached for the user.
	ErrTaskNotFound = errors.New("task not found")

	// ErrSubtaskNotFound is returned when the parent exists but the subtask does not.
	ErrSubtaskNotFound = errors.New("subtask not found")

	// ErrInvalidInput wraps validation failures of mutation arguments.
	ErrInvalidInput = errors.New("invalid input")
)
