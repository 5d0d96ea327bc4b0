/* Worker pool is a pool of go-routines running for executing callbacks,
each connection's hooks are permanently hashed into one specified worker
to execute, so it is in-order for each connection's perspective. */
package snet

import (
	"sync"
	"time"
)

// WorkerPool runs callbacks on a fixed set of go-routines.
type WorkerPool struct {
	workers   []*worker
	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	metrics   *Metrics
}

// NewWorkerPool returns a pool of vol workers, rounded up to a power of two,
// each queueing up to backlog callbacks.
func NewWorkerPool(vol, backlog int, m *Metrics) *WorkerPool {
	if vol <= 0 {
		vol = defaultWorkersNum
	}
	size := 1
	for size < vol {
		size <<= 1
	}
	if backlog <= 0 {
		backlog = 1024
	}

	pool := &WorkerPool{
		workers:   make([]*worker, size),
		closeChan: make(chan struct{}),
		metrics:   m,
	}
	for i := range pool.workers {
		pool.workers[i] = &worker{
			index:        i,
			callbackChan: make(chan workerFunc, backlog),
		}
		pool.wg.Add(1)
		go pool.workers[i].start(pool)
	}
	return pool
}

// Size returns the number of workers.
func (wp *WorkerPool) Size() int {
	return len(wp.workers)
}

// Put schedules cb on the worker owning k. Callbacks with the same key run
// in the order they were put.
func (wp *WorkerPool) Put(k string, cb func()) error {
	select {
	case <-wp.closeChan:
		return ErrServerClosed
	default:
	}
	code := hashCode(k)
	return wp.workers[code&uint32(len(wp.workers)-1)].put(workerFunc(cb))
}

// Close stops the workers once they have run what is already queued.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		close(wp.closeChan)
	})
	wp.wg.Wait()
}

type worker struct {
	index        int
	callbackChan chan workerFunc
}

func (w *worker) start(wp *WorkerPool) {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.closeChan:
			for {
				select {
				case cb := <-w.callbackChan:
					w.run(wp, cb)
				default:
					return
				}
			}
		case cb := <-w.callbackChan:
			w.run(wp, cb)
		}
	}
}

func (w *worker) run(wp *WorkerPool, cb workerFunc) {
	defer func() {
		if p := recover(); p != nil {
			logger.WithField("worker", w.index).Errorf("panics: %v", p)
			printStack()
		}
	}()
	before := time.Now()
	cb()
	wp.metrics.observeHandler(time.Since(before))
}

func (w *worker) put(cb workerFunc) error {
	select {
	case w.callbackChan <- cb:
		return nil
	default:
		return ErrWouldBlock
	}
}
