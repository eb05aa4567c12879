// Package queue implements the bounded producer/consumer FIFO the parallel
// compression pipeline uses to hand work between the I/O goroutine and the
// compressor worker goroutines (§4.4).
//
// It is a direct translation of the reference writer's shared_queue: a
// mutex plus two condition variables, rather than a Go channel, so that
// capacity and the "broadcast wakes every waiter on both the full and
// empty edges" behavior stay exactly as explicit as in the original —
// §4.4 calls either representation acceptable, and this one is the more
// literal grounding.
package queue

import "sync"

// Queue is a fixed-capacity FIFO of opaque values. Put blocks while the
// queue is full; Get blocks while it is empty. A nil value is a valid
// payload and is used elsewhere as a worker-shutdown sentinel.
type Queue struct {
	mu       sync.Mutex
	notEmpty sync.Cond
	notFull  sync.Cond
	items    []interface{}
	front    int
	filled   int
	size     int
	closed   bool
}

// New returns a Queue with the given fixed capacity. capacity must be at
// least 1.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{
		items: make([]interface{}, capacity),
		size:  capacity,
	}
	q.notEmpty = *sync.NewCond(&q.mu)
	q.notFull = *sync.NewCond(&q.mu)
	return q
}

// Put enqueues v, blocking until there is space or the queue is closed. A
// Put against a closed queue (or one that closes while it waits for room)
// returns immediately without enqueueing v.
func (q *Queue) Put(v interface{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.filled == q.size && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return
	}

	back := (q.front + q.filled) % q.size
	q.items[back] = v
	q.filled++

	q.notEmpty.Broadcast()
}

// Get dequeues and returns the oldest value, blocking until one is
// available or the queue is closed. Get drains whatever is still queued
// before a close takes effect; once closed and empty, it returns nil.
func (q *Queue) Get() interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.filled == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.filled == 0 {
		return nil
	}

	v := q.items[q.front]
	q.items[q.front] = nil
	q.front = (q.front + 1) % q.size
	q.filled--

	q.notFull.Broadcast()
	return v
}

// Close marks the queue closed and wakes every blocked Put/Get, so a
// producer or consumer stranded by a fatal error on the other side of the
// pipeline returns instead of hanging forever. Safe to call more than
// once, and safe to call concurrently with Put/Get.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Len reports how many items are currently queued. It is a snapshot,
// useful for diagnostics only.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.filled
}
