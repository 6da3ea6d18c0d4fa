// Package queue holds the segments that still need work. Workers pull from
// it on demand; nothing is assigned to a worker ahead of time.
package queue

import (
	"context"
	"sync"

	"github.com/veranemoloko/gator/internal/domain"
)

// Queue is a concurrency-safe FIFO of pending segments in offset order.
type Queue struct {
	mu       sync.Mutex
	segments []domain.Segment
	next     int
	closed   bool
}

// New returns a queue over segments. The slice is copied.
func New(segments []domain.Segment) *Queue {
	s := make([]domain.Segment, len(segments))
	copy(s, segments)
	return &Queue{segments: s}
}

// Next hands out the next segment. Each segment is returned to exactly one
// caller. ok is false once the queue is exhausted, closed, or ctx is done.
func (q *Queue) Next(ctx context.Context) (seg domain.Segment, ok bool) {
	if ctx.Err() != nil {
		return domain.Segment{}, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.next >= len(q.segments) {
		return domain.Segment{}, false
	}

	seg = q.segments[q.next]
	q.next++
	return seg, true
}

// Exhausted reports whether no further segment will be handed out.
func (q *Queue) Exhausted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed || q.next >= len(q.segments)
}

// Len returns the number of segments not yet handed out.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	return len(q.segments) - q.next
}

// Close stops the queue from yielding further segments.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
