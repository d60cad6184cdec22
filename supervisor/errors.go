package supervisor

import (
	"errors"
	"fmt"
)

// ErrClosed is returned once the supervisor has been closed.
var ErrClosed = errors.New("supervisor closed")

// SpawnError means the worker could not be started.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawning worker: %s", e.Err) }

func (e *SpawnError) Unwrap() error { return e.Err }

// WorkerExitedError means the worker terminated. Any exit is unexpected, including code 0.
type WorkerExitedError struct {
	Pid      int
	ExitCode int
	// Err is set when waiting on the process or reading its output failed.
	Err error
}

func (e *WorkerExitedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker %d exited with code %d: %s", e.Pid, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("worker %d exited with code %d", e.Pid, e.ExitCode)
}

func (e *WorkerExitedError) Unwrap() error { return e.Err }

// FatalError means the restart budget is spent and the supervisor will not start another worker.
type FatalError struct {
	Fails    int
	MaxFails int
	// Cause is the failure that exhausted the budget.
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("worker failed %d times (max %d), giving up: %s", e.Fails, e.MaxFails, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }
