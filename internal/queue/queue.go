package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Priority names the lane a job is submitted to.
type Priority string

const (
	PriorityHigh    Priority = "high_priority"
	PriorityDefault Priority = "default"
)

// Priorities lists every known class, highest first.
var Priorities = []Priority{PriorityHigh, PriorityDefault}

var (
	ErrUnknownPriority = errors.New("unknown priority class")
	ErrClosed          = errors.New("queue closed")
)

// ParsePriority validates a priority class name. An empty name means default.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityHigh, PriorityDefault:
		return p, nil
	case "":
		return PriorityDefault, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPriority, s)
}

// Entry is one queued reference to a job. The job row stays the source of
// truth; an entry only says "someone should look at this id".
type Entry struct {
	JobID    int64
	Priority Priority
}

// FIFO is an unbounded first-in first-out queue. Push never blocks; Pop
// blocks until an entry is available, the context ends, or the queue is
// closed and drained.
type FIFO struct {
	mu     sync.Mutex
	items  []Entry
	closed bool
	signal chan struct{}
}

func NewFIFO() *FIFO {
	return &FIFO{signal: make(chan struct{}, 1)}
}

// Push appends an entry.
func (q *FIFO) Push(e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, e)
	q.wake()
	return nil
}

// wake must be called with mu held.
func (q *FIFO) wake() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest entry.
func (q *FIFO) Pop(ctx context.Context) (Entry, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = Entry{}
			q.items = q.items[1:]
			if len(q.items) > 0 {
				// pass the wakeup on to the next waiting consumer
				q.wake()
			}
			q.mu.Unlock()
			return e, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Entry{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of waiting entries.
func (q *FIFO) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes. Entries already queued can still be popped;
// once they are gone Pop returns ErrClosed.
func (q *FIFO) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
