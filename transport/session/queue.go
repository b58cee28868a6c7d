package session

import "sync"

// EventQueue runs callbacks one at a time in the order they were pushed.
// A worker goroutine is started on demand and exits once the queue drains,
// so an idle queue holds no goroutine.
type EventQueue struct {
	mu      sync.Mutex
	items   []func()
	running bool
	idle    *sync.Cond
}

// NewEventQueue creates an empty event queue.
func NewEventQueue() *EventQueue {
	q := &EventQueue{}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Push schedules fn after every previously pushed callback.
func (q *EventQueue) Push(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, fn)
	if !q.running {
		q.running = true
		go q.run()
	}
}

func (q *EventQueue) run() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		fn()
	}
}

// Len returns the number of callbacks waiting to run.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wait blocks until the queue is empty and no callback is running. It must
// not be called from a queued callback.
func (q *EventQueue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.running {
		q.idle.Wait()
	}
}
