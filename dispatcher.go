package snet

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
)

// Hook handles the messages of one command code.
type Hook interface {
	Handle(msg *Message)
}

// HookFunc adapts a function to Hook.
type HookFunc func(msg *Message)

// Handle calls f(msg).
func (f HookFunc) Handle(msg *Message) {
	f(msg)
}

// Dispatcher routes messages to hooks by command code. Install its
// HandleMessage with OnMessageOption. Messages are either handed to a
// WorkerPool keyed by their connection, run inline when no pool is given, or
// queued until PollMessages when poll mode is on.
type Dispatcher struct {
	mu    sync.RWMutex
	hooks map[rune]Hook

	pool        *WorkerPool
	waitForPoll atomic.Bool

	qmu    sync.Mutex // guards queued
	queued *queue.Queue
	notify chan struct{}
}

// NewDispatcher returns a dispatcher running hooks on pool, or inline on the
// receiving connection's reader if pool is nil.
func NewDispatcher(pool *WorkerPool) *Dispatcher {
	return &Dispatcher{
		hooks:  make(map[rune]Hook),
		pool:   pool,
		queued: queue.New(),
		notify: make(chan struct{}, 1),
	}
}

// Register binds hook to code. Registering a code twice is an error.
func (d *Dispatcher) Register(code rune, hook Hook) error {
	if code == Separator || code == HeartbeatMarker || code == utf8.RuneError {
		return errors.Wrap(ErrInvalidCommandCode, commandCodeString(code))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.hooks[code]; ok {
		return errors.Wrap(ErrHookRegistered, commandCodeString(code))
	}
	d.hooks[code] = hook
	return nil
}

// RegisterFunc is Register for a plain function.
func (d *Dispatcher) RegisterFunc(code rune, fn func(*Message)) error {
	return d.Register(code, HookFunc(fn))
}

// Hook returns the hook bound to code, or nil.
func (d *Dispatcher) Hook(code rune) Hook {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hooks[code]
}

// SetWaitForPoll switches between immediate delivery and queueing until
// PollMessages is called.
func (d *Dispatcher) SetWaitForPoll(wait bool) {
	d.waitForPoll.Store(wait)
}

// HandleMessage is the OnMessageOption callback.
func (d *Dispatcher) HandleMessage(msg *Message) {
	if d.waitForPoll.Load() {
		d.qmu.Lock()
		d.queued.Add(msg)
		d.qmu.Unlock()
		select {
		case d.notify <- struct{}{}:
		default:
		}
		return
	}
	if d.pool == nil {
		d.process(msg)
		return
	}
	if err := d.pool.Put(msg.Sender().String(), func() { d.process(msg) }); err != nil {
		logger.WithError(err).WithField("code", commandCodeString(msg.CommandCode())).Error("dropping message")
		msg.Release()
	}
}

// Pending returns the number of queued messages.
func (d *Dispatcher) Pending() int {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	return d.queued.Length()
}

// PollMessages runs every queued message on the calling go-routine and
// returns how many it ran. With block set it first waits for at least one
// message or for ctx to end.
func (d *Dispatcher) PollMessages(ctx context.Context, block bool) (int, error) {
	if !d.waitForPoll.Load() && d.Pending() == 0 {
		return 0, nil
	}
	for block && d.Pending() == 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-d.notify:
		}
	}

	n := 0
	for {
		d.qmu.Lock()
		if d.queued.Length() == 0 {
			d.qmu.Unlock()
			return n, nil
		}
		msg := d.queued.Remove().(*Message)
		d.qmu.Unlock()
		d.process(msg)
		n++
	}
}

func (d *Dispatcher) process(msg *Message) {
	defer msg.Release()

	hook := d.Hook(msg.CommandCode())
	if hook == nil {
		logger.WithField("code", commandCodeString(msg.CommandCode())).Error("no hook for command code")
		return
	}
	defer func() {
		if p := recover(); p != nil {
			logger.WithField("code", commandCodeString(msg.CommandCode())).Errorf("hook panics: %v", p)
		}
	}()
	hook.Handle(msg)
}

func commandCodeString(code rune) string {
	return fmt.Sprintf("%c (\\u%04x)", code, code)
}
