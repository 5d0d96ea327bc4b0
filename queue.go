package snet

import (
	"sync"

	"github.com/eapache/queue"
)

// outFrame is an encoded frame waiting to be written. Control frames force a
// flush so heartbeats and the close handshake never sit in the write buffer.
type outFrame struct {
	data    string
	control bool
}

// frameQueue is the outbound FIFO of one connection. Push never blocks; the
// single consumer parks on Wake() until something is pushed.
type frameQueue struct {
	mu   sync.Mutex
	q    *queue.Queue
	wake chan struct{}
}

func newFrameQueue() *frameQueue {
	return &frameQueue{
		q:    queue.New(),
		wake: make(chan struct{}, 1),
	}
}

// Push appends an encoded frame and signals the consumer.
func (fq *frameQueue) Push(frame outFrame) {
	fq.mu.Lock()
	fq.q.Add(frame)
	fq.mu.Unlock()
	fq.Signal()
}

// Signal wakes the consumer without enqueueing anything.
func (fq *frameQueue) Signal() {
	select {
	case fq.wake <- struct{}{}:
	default:
	}
}

// Wake is readable after a Push or Signal.
func (fq *frameQueue) Wake() <-chan struct{} {
	return fq.wake
}

// Pop removes the head frame, ok is false when the queue is empty.
func (fq *frameQueue) Pop() (outFrame, bool) {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	if fq.q.Length() == 0 {
		return outFrame{}, false
	}
	return fq.q.Remove().(outFrame), true
}

// Len returns the number of pending frames.
func (fq *frameQueue) Len() int {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	return fq.q.Length()
}
