package bridge

import (
	"fmt"

	"github.com/guseggert/procbridge/supervisor"
)

// ErrClosed is returned for requests submitted to, or still pending on, a closed bridge.
var ErrClosed = supervisor.ErrClosed

// WriteAfterCloseError means the request could not be written because the worker's stdin was already gone,
// typically because the worker crashed while the request was being submitted.
type WriteAfterCloseError struct {
	ID  string
	Pid int
	Err error
}

func (e *WriteAfterCloseError) Error() string {
	return fmt.Sprintf("writing request %q to worker %d: %s", e.ID, e.Pid, e.Err)
}

func (e *WriteAfterCloseError) Unwrap() error { return e.Err }
