package scheduler

import (
	"sync"

	"github.com/grab-ia/grabia/internal/store"
)

// Queue is a cond-guarded FIFO of file keys. It is only a cache over the
// store's pending set: the conditional claim in the store decides
// ownership, so a stale or duplicate entry here is harmless.
type Queue struct {
	keys   []store.FileKey
	head   int
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
}

// NewQueue returns an open, empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends keys and wakes waiting workers.
func (q *Queue) Push(keys ...store.FileKey) {
	if len(keys) == 0 {
		return
	}
	q.mu.Lock()
	q.keys = append(q.keys, keys...)
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Pop blocks until a key is available or the queue is closed and
// drained; the second return is false only in the latter case.
func (q *Queue) Pop() (store.FileKey, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.head >= len(q.keys) && !q.closed {
		q.cond.Wait()
	}
	if q.head >= len(q.keys) {
		return store.FileKey{}, false
	}

	key := q.keys[q.head]
	q.head++
	if q.head > len(q.keys)/2 {
		q.keys = append([]store.FileKey(nil), q.keys[q.head:]...)
		q.head = 0
	}
	return key, true
}

// Close marks the end of production; blocked Pops drain what remains.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued keys.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys) - q.head
}
