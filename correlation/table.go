// Package correlation matches replies read from the worker to the requests that are waiting for them.
package correlation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/guseggert/procbridge/protocol"
)

// ErrOrphanReply is returned by Resolve when no request is waiting for the reply's id.
// Orphans are expected after a caller gives up or a worker crash, and are not fatal.
var ErrOrphanReply = errors.New("no pending request for reply")

// DuplicateIDError is returned when registering an id that is still awaiting a reply.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("request %q is already pending", e.ID)
}

// Table maps request ids to pending handles. It is goroutine-safe.
type Table struct {
	mu      sync.Mutex
	pending map[string]*Handle
}

func NewTable() *Table {
	return &Table{pending: map[string]*Handle{}}
}

// Register adds h to the table. An existing entry for the same id is never replaced.
func (t *Table) Register(h *Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[h.id]; ok {
		return &DuplicateIDError{ID: h.id}
	}
	t.pending[h.id] = h
	return nil
}

// Resolve removes the handle for reply.ID and completes it with reply.
func (t *Table) Resolve(reply protocol.Reply) error {
	h := t.take(reply.ID)
	if h == nil {
		return fmt.Errorf("%w %q", ErrOrphanReply, reply.ID)
	}
	h.complete(reply, nil)
	return nil
}

// Fail removes the handle for id and completes it with err.
// It reports whether a pending handle existed.
func (t *Table) Fail(id string, err error) bool {
	h := t.take(id)
	if h == nil {
		return false
	}
	return h.complete(protocol.Reply{}, err)
}

// FailHandle completes h with err, removing it from the table only if it is still the entry for its id.
// A newer request that reused the id after h was failed is left alone.
func (t *Table) FailHandle(h *Handle, err error) bool {
	t.mu.Lock()
	if cur, ok := t.pending[h.id]; ok && cur == h {
		delete(t.pending, h.id)
	}
	t.mu.Unlock()
	return h.complete(protocol.Reply{}, err)
}

// FailAll completes every pending handle with reason and empties the table.
// It returns the number of handles failed.
func (t *Table) FailAll(reason error) int {
	t.mu.Lock()
	pending := t.pending
	t.pending = map[string]*Handle{}
	t.mu.Unlock()

	n := 0
	for _, h := range pending {
		if h.complete(protocol.Reply{}, reason) {
			n++
		}
	}
	return n
}

// Len returns the number of pending handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Table) take(id string) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return h
}
