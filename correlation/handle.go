package correlation

import (
	"context"
	"sync"

	"github.com/guseggert/procbridge/protocol"
)

// Handle is a single-use completion for one request.
// It is completed exactly once, either with the matching reply or with a failure.
type Handle struct {
	id   string
	once sync.Once
	done chan struct{}

	reply protocol.Reply
	err   error
}

func NewHandle(id string) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

func (h *Handle) ID() string { return h.id }

// Done is closed once the handle has been completed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the outcome. It must only be called after Done is closed.
func (h *Handle) Result() (protocol.Reply, error) {
	return h.reply, h.err
}

// Wait blocks until the handle completes or ctx is done.
// Returning early because of ctx does not cancel the request.
func (h *Handle) Wait(ctx context.Context) (protocol.Reply, error) {
	select {
	case <-h.done:
		return h.reply, h.err
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	}
}

// complete fulfills the handle, reporting false if it was already fulfilled.
func (h *Handle) complete(reply protocol.Reply, err error) bool {
	completed := false
	h.once.Do(func() {
		h.reply = reply
		h.err = err
		completed = true
		close(h.done)
	})
	return completed
}
