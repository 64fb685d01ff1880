package harvest

import "errors"

var (
	// ErrInvalidConfig marks a playbook that failed validation.
	ErrInvalidConfig = errors.New("harvest: invalid configuration")
	// ErrUnknownTask marks a task ID absent from the playbook.
	ErrUnknownTask = errors.New("harvest: unknown task")
	// ErrTaskRunning marks an attempt to start a task that is already
	// running.
	ErrTaskRunning = errors.New("harvest: task already running")
)
