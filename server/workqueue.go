// File: server/workqueue.go
// Author: momentics <momentics@gmail.com>
//
// A bounded MPMC work queue built on eapache/queue.Queue (the teacher's
// own ring-buffer-backed deque dependency), guarded by a mutex and two
// condition variables so Push blocks (applying backpressure) when the
// queue is at capacity and Pop blocks when it is empty.
package server

import (
	"sync"

	"github.com/eapache/queue"
)

type workItem struct {
	conn  *connHandle
	frame []byte
}

type workQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	q        *queue.Queue
	capacity int
	closed   bool
}

func newWorkQueue(capacity int) *workQueue {
	wq := &workQueue{q: queue.New(), capacity: capacity}
	wq.notEmpty = sync.NewCond(&wq.mu)
	wq.notFull = sync.NewCond(&wq.mu)
	return wq
}

// push blocks until there is room or the queue is closed, in which case
// it returns false.
func (wq *workQueue) push(item workItem) bool {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	for wq.q.Length() >= wq.capacity && !wq.closed {
		wq.notFull.Wait()
	}
	if wq.closed {
		return false
	}
	wq.q.Add(item)
	wq.notEmpty.Signal()
	return true
}

// pop blocks until an item is available or the queue is closed and
// drained, in which case ok is false.
func (wq *workQueue) pop() (item workItem, ok bool) {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	for wq.q.Length() == 0 && !wq.closed {
		wq.notEmpty.Wait()
	}
	if wq.q.Length() == 0 {
		return workItem{}, false
	}
	v := wq.q.Peek()
	wq.q.Remove()
	wq.notFull.Signal()
	return v.(workItem), true
}

// len reports the current queue depth, for metrics.
func (wq *workQueue) len() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return wq.q.Length()
}

// close wakes every blocked push/pop; queued items already present drain
// via pop until empty, after which pop also returns false.
func (wq *workQueue) close() {
	wq.mu.Lock()
	wq.closed = true
	wq.mu.Unlock()
	wq.notEmpty.Broadcast()
	wq.notFull.Broadcast()
}
