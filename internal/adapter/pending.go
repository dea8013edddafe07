package adapter

import (
	"sync"

	"github.com/matthias-trip/holms-sub001/internal/wire"
)

// pendingTable correlates outstanding requests (keyed by requestId)
// with the goroutine awaiting the matching response.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan wire.ChildMessage
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan wire.ChildMessage)}
}

// register opens a slot for requestId and returns the channel the
// caller should receive on. The channel is buffered so a late or
// duplicate response never blocks the dispatch loop.
func (t *pendingTable) register(requestID string) chan wire.ChildMessage {
	ch := make(chan wire.ChildMessage, 1)
	t.mu.Lock()
	t.waiters[requestID] = ch
	t.mu.Unlock()
	return ch
}

// deliver routes msg to its waiter, if one is still registered. It
// reports whether a waiter was found.
func (t *pendingTable) deliver(requestID string, msg wire.ChildMessage) bool {
	t.mu.Lock()
	ch, ok := t.waiters[requestID]
	if ok {
		delete(t.waiters, requestID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

// cancel removes requestId's waiter without delivering anything,
// used once a caller's context deadline has already fired.
func (t *pendingTable) cancel(requestID string) {
	t.mu.Lock()
	delete(t.waiters, requestID)
	t.mu.Unlock()
}

// drain removes every pending waiter and returns their channels, so
// a crashed or stopped process can unblock every in-flight caller.
func (t *pendingTable) drain() []chan wire.ChildMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]chan wire.ChildMessage, 0, len(t.waiters))
	for id, ch := range t.waiters {
		out = append(out, ch)
		delete(t.waiters, id)
	}
	return out
}
