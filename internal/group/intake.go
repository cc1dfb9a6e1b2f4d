package group

import (
	"context"
	"sync"

	"github.com/tinoosan/dlgroup/internal/downloader"
)

// DefaultIntakeCapacity bounds the intake queue. It is far above any
// realistic number of tasks in one group.
const DefaultIntakeCapacity = 1 << 20

// intake is the FIFO feeding admission. When full, push rejects the item
// being added so earlier submissions keep their place.
type intake struct {
	mu     sync.Mutex
	items  []*downloader.Task
	popped *downloader.Task
	cap    int
	notify chan struct{}
}

func newIntake(capacity int) *intake {
	if capacity <= 0 {
		capacity = DefaultIntakeCapacity
	}
	return &intake{cap: capacity, notify: make(chan struct{}, 1)}
}

func (q *intake) push(t *downloader.Task) bool {
	q.mu.Lock()
	if len(q.items) >= q.cap {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, t)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until an item is available or ctx is done. The item still
// counts as contained until release is called.
func (q *intake) pop(ctx context.Context) (*downloader.Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.popped = t
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return t, nil
		}
		q.mu.Unlock()
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// release forgets the item handed out by the last pop.
func (q *intake) release() {
	q.mu.Lock()
	q.popped = nil
	q.mu.Unlock()
}

func (q *intake) contains(t *downloader.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t == q.popped {
		return true
	}
	for _, it := range q.items {
		if it == t {
			return true
		}
	}
	return false
}

func (q *intake) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *intake) clear() {
	q.mu.Lock()
	q.items = nil
	q.popped = nil
	q.mu.Unlock()
}
