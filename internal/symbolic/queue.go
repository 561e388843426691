package symbolic

import "sync"

// Queue is the symbolic-request dedup queue: two ordered sequences,
// pending (FIFO of not-yet-issued requests) and issued (every request ever
// dispensed). The invariant is that no two elements across both sequences
// are ever equal under Request.Equal.
//
// Complexity is O(|pending|+|issued|) per Offer; acceptable because
// symbolic-request volume is low relative to execution volume.
type Queue struct {
	mu      sync.Mutex
	pending []Request
	issued  []Request
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Offer appends req to pending and returns true, unless an equal request
// (by offset/length) already exists in pending or issued, in which case it
// returns false and leaves the queue unchanged.
func (q *Queue) Offer(req Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.pending {
		if e.Equal(req) {
			return false
		}
	}
	for _, e := range q.issued {
		if e.Equal(req) {
			return false
		}
	}
	q.pending = append(q.pending, req)
	return true
}

// Take removes and returns the head of pending, appending it to issued. It
// panics if pending is empty; callers must check Empty first.
func (q *Queue) Take() Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		panic("symbolic: Take called on empty queue")
	}
	req := q.pending[0]
	q.pending = q.pending[1:]
	q.issued = append(q.issued, req)
	return req
}

// Empty reports whether pending has no entries.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0
}

// PendingLen and IssuedLen expose queue depth for metrics; they
// take the lock rather than racing on the slice headers directly.
func (q *Queue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) IssuedLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.issued)
}
