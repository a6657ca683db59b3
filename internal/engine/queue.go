// ABOUTME: Bounded single-producer single-consumer packet ring
// ABOUTME: Lock-free; the render callback is the only consumer
package engine

import "sync/atomic"

// Queue is a fixed capacity SPSC ring of packets.
// Push must only be called from one goroutine and Pop/Peek from one other.
type Queue struct {
	buf  []*Packet
	head atomic.Uint64 // next slot to read, written by consumer
	tail atomic.Uint64 // next slot to write, written by producer
}

// NewQueue creates a queue holding at most capacity packets
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{buf: make([]*Packet, capacity)}
}

// Cap returns the queue capacity
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Len returns the number of queued packets
func (q *Queue) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// Push appends p, reporting false when the queue is full
func (q *Queue) Push(p *Packet) bool {
	tail := q.tail.Load()
	if tail-q.head.Load() >= uint64(len(q.buf)) {
		return false
	}
	q.buf[tail%uint64(len(q.buf))] = p
	q.tail.Store(tail + 1)
	return true
}

// Peek returns the oldest packet without removing it
func (q *Queue) Peek() *Packet {
	head := q.head.Load()
	if head == q.tail.Load() {
		return nil
	}
	return q.buf[head%uint64(len(q.buf))]
}

// Pop removes and returns the oldest packet, or nil when empty
func (q *Queue) Pop() *Packet {
	head := q.head.Load()
	if head == q.tail.Load() {
		return nil
	}
	slot := head % uint64(len(q.buf))
	p := q.buf[slot]
	q.buf[slot] = nil
	q.head.Store(head + 1)
	return p
}
