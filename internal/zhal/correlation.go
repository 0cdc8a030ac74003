package zhal

import "sync"

// correlationTable maps request-id to the pending call awaiting its async
// reply. One mutex guards it; it is never held across a handler
// invocation (spec §5).
type correlationTable struct {
	mu      sync.Mutex
	pending map[uint64]*pendingCall
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{pending: make(map[uint64]*pendingCall)}
}

// insert registers call under id, the request-id it was just transmitted
// with. Callers pass id explicitly rather than reading call.requestID
// because a BUSY retry reassigns that field before the next attempt.
func (t *correlationTable) insert(id uint64, call *pendingCall) {
	t.mu.Lock()
	t.pending[id] = call
	t.mu.Unlock()
}

// remove deletes and returns the call for id, or (nil, false) if no such
// entry exists. Removing an absent entry is a no-op (spec §8 property 5).
func (t *correlationTable) remove(id uint64) (*pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return call, ok
}
