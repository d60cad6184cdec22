package supervisor

import (
	"context"
	"io"
)

// Process is a started worker process.
type Process interface {
	// Stdin is the worker's input stream. Writes fail once the worker is gone.
	Stdin() io.WriteCloser
	// Stdout is the worker's output stream. It reaches EOF when the worker exits.
	Stdout() io.Reader
	Pid() int
	// Wait blocks until the process exits and returns its exit code.
	// It is called only after Stdout has been read to EOF.
	Wait() (int, error)
	Kill() error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

type SpawnerFunc func(ctx context.Context) (Process, error)

func (f SpawnerFunc) Spawn(ctx context.Context) (Process, error) { return f(ctx) }
