package service

import (
	"errors"

	"github.com/ifuryst/crosspost/internal/store"
)

var (
	// ErrNotFound is returned when the task or error log does not exist.
	ErrNotFound = store.ErrNotFound

	// ErrInvalidTask wraps every validation failure of a submitted task.
	ErrInvalidTask = errors.New("invalid task")

	// ErrTaskBusy is returned when the task's job is being executed.
	ErrTaskBusy = errors.New("task is being published")

	// ErrInvalidState is returned when the task status does not allow the operation.
	ErrInvalidState = errors.New("operation not allowed in current task status")

	ErrForbidden = errors.New("task belongs to another user")
)
