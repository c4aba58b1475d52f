// Package capture holds exact token snapshots taken from intercepted provider
// calls until the correlator claims them.
package capture

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentpulse/agentpulse/internal/model"
)

// DefaultCapacity is the number of unclaimed captures kept before the oldest
// is discarded.
const DefaultCapacity = 200

// Queue is a bounded FIFO of captures. It is safe for concurrent use: the
// proxy pushes from request goroutines while the daemon claims.
type Queue struct {
	mu       sync.Mutex
	items    []model.TokenCapture
	capacity int
	dropped  int
	now      func() time.Time
}

// NewQueue returns a queue holding at most capacity captures. A
// non-positive capacity selects DefaultCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity, now: time.Now}
}

// Push appends a capture, assigning an ID and timestamp when missing. When
// the queue is full the oldest capture is dropped.
func (q *Queue) Push(c model.TokenCapture) model.TokenCapture {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Claimed = false

	q.mu.Lock()
	defer q.mu.Unlock()
	if c.CapturedAt.IsZero() {
		c.CapturedAt = q.now().UTC()
	}
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, c)
	return c
}

// Claim removes and returns the oldest capture. Each capture is returned
// exactly once.
func (q *Queue) Claim() (model.TokenCapture, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return model.TokenCapture{}, false
	}
	c := q.items[0]
	q.items[0] = model.TokenCapture{}
	q.items = q.items[1:]
	c.Claimed = true
	return c, true
}

// Len returns the number of unclaimed captures.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many captures were discarded on overflow.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
