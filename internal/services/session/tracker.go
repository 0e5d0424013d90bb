package session

import "sync"

// Request statuses tracked per connection.
const (
	StatusInProgress = "in_progress"
	StatusDone       = "done"
)

// Tracker records the request identifiers of one connection so a duplicate
// submission sharing the same requestId is rejected before the assistant is
// invoked a second time. Admission happens in the connection's reader
// goroutine before any asynchronous work begins; generation goroutines only
// flip entries to done.
type Tracker struct {
	mu       sync.Mutex
	requests map[string]string
}

func NewTracker() *Tracker {
	return &Tracker{
		requests: make(map[string]string),
	}
}

// Admit marks requestID in_progress. It returns false when the requestId
// was already admitted (either still running or done), in which case the
// caller must reject the submission as a duplicate.
func (t *Tracker) Admit(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.requests[requestID]; exists {
		return false
	}
	t.requests[requestID] = StatusInProgress
	return true
}

// Finish marks requestID done. Terminal events always land here, including
// failures, so retries with a fresh requestId are never blocked.
func (t *Tracker) Finish(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.requests[requestID]; exists {
		t.requests[requestID] = StatusDone
	}
}

// Status returns the tracked status for requestID.
func (t *Tracker) Status(requestID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status, exists := t.requests[requestID]
	return status, exists
}
