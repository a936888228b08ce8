package connection

import (
	"container/list"
	"time"
)

type acquireResult struct {
	conn *Conn
	err  error
}

// waiter is one blocked acquisition. pin is set when the waiter is starting a
// transaction and the connection it receives must be registered to it.
type waiter struct {
	ready      chan acquireResult
	pin        *TxContext
	served     bool // guarded by Pool.mu
	enqueuedAt time.Time
}

func newWaiter(pin *TxContext) *waiter {
	return &waiter{
		ready:      make(chan acquireResult, 1),
		pin:        pin,
		enqueuedAt: time.Now(),
	}
}

// deliver hands the waiter its result. Called with Pool.mu held, at most once.
func (w *waiter) deliver(res acquireResult) {
	w.served = true
	w.ready <- res
}

// waiterQueue is a FIFO of waiters.
type waiterQueue struct {
	l list.List
}

func (q *waiterQueue) push(w *waiter) *list.Element {
	return q.l.PushBack(w)
}

func (q *waiterQueue) pop() *waiter {
	front := q.l.Front()
	if front == nil {
		return nil
	}
	q.l.Remove(front)
	return front.Value.(*waiter)
}

func (q *waiterQueue) remove(e *list.Element) {
	q.l.Remove(e)
}

func (q *waiterQueue) len() int {
	return q.l.Len()
}
