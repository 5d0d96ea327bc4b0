package snet

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is one framed connection, either dialed by a client or accepted by a
// Server. It runs three go-routines: a supervisor that drives heartbeats and
// teardown, a reader and a writer.
type Conn struct {
	opts     options
	provider socketProvider
	owner    *Server
	id       string

	state     atomic.Int32
	closing   atomic.Bool
	greeted   atomic.Bool
	activated atomic.Bool
	flushReq  atomic.Bool
	latency   atomic.Int64

	sendMu sync.Mutex // orders the closing flag against pushes
	queue  *frameQueue

	startOnce sync.Once
	finalOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	exited    chan struct{}
	reason    DisconnectReason

	readerDone chan struct{}
	writerDone chan struct{}

	mu      sync.Mutex // guards rawConn
	rawConn net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer

	hbMu         sync.Mutex // guards following
	lastPing     time.Time
	lastPingSeq  int
	awaitingPong bool
	retries      int
}

func newConn(p socketProvider, opts options) *Conn {
	return &Conn{
		opts:       opts,
		provider:   p,
		queue:      newFrameQueue(),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// ID returns the identifier a Server assigned to this connection. Client
// connections have an empty ID.
func (c *Conn) ID() string {
	return c.id
}

// Server returns the server that accepted this connection, nil on clients.
func (c *Conn) Server() *Server {
	return c.owner
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// IsConnected reports whether the socket is up and the connection has not
// been finalized.
func (c *Conn) IsConnected() bool {
	s := c.State()
	return s != StateConnecting && !s.Terminal()
}

// Latency returns the round trip time of the last answered ping, zero
// before the first answer.
func (c *Conn) Latency() time.Duration {
	return time.Duration(c.latency.Load())
}

// Reason returns why the connection closed. Only meaningful once State is
// StateClosed.
func (c *Conn) Reason() DisconnectReason {
	select {
	case <-c.done:
		return c.reason
	default:
		return Unknown
	}
}

// RemoteAddr returns the peer address, nil before the socket exists.
func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rawConn == nil {
		return nil
	}
	return c.rawConn.RemoteAddr()
}

func (c *Conn) remoteString() string {
	if addr := c.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return c.provider.describe()
}

func (c *Conn) String() string {
	if c.id != "" {
		return c.id
	}
	return c.remoteString()
}

// Start obtains the socket and starts the connection's go-routines. Calling
// Start more than once has no effect.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Wait blocks until every go-routine has exited and the socket is released.
func (c *Conn) Wait() {
	<-c.exited
}

// Done is closed once the connection reaches a terminal state.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send queues payload for the peer. It never blocks. Payloads queued before
// the greeting completes are held back until it does.
func (c *Conn) Send(payload string) error {
	if err := validatePayload(payload); err != nil {
		return err
	}
	c.sendMu.Lock()
	if c.closing.Load() {
		c.sendMu.Unlock()
		return ErrConnClosing
	}
	c.queue.Push(outFrame{data: encodeFrame(payload)})
	c.sendMu.Unlock()
	c.opts.metrics.messageSent()
	return nil
}

// Flush asks the writer to push buffered frames onto the socket. It has no
// effect with NoDelayOption, which already flushes every write.
func (c *Conn) Flush() {
	if c.closing.Load() {
		return
	}
	c.flushReq.Store(true)
	c.queue.Signal()
}

// Stop starts the close handshake: an EXIT frame carrying reason is queued
// and the connection closes once the peer echoes it. Repeated calls are
// ignored.
func (c *Conn) Stop(reason DisconnectReason) {
	if c.State().Terminal() || !c.markClosing(exitFrame(reason)) {
		return
	}
	for {
		s := c.State()
		if s.Terminal() || s == StateClosing {
			return
		}
		if c.state.CompareAndSwap(int32(s), int32(StateClosing)) {
			return
		}
	}
}

// markClosing sets the closing flag and queues last behind every frame Send
// has accepted. It reports false if the connection was already closing.
func (c *Conn) markClosing(last string) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closing.CompareAndSwap(false, true) {
		return false
	}
	if last != "" {
		c.sendControl(last)
	}
	return true
}

func (c *Conn) sendControl(payload string) {
	c.queue.Push(outFrame{data: encodeFrame(payload), control: true})
}

func (c *Conn) run() {
	defer close(c.exited)

	raw, err := c.provider.open(context.Background())
	if err != nil {
		c.failed(err)
		return
	}

	c.mu.Lock()
	c.rawConn = raw
	c.mu.Unlock()
	c.reader = bufio.NewReaderSize(raw, readBufSize)
	c.writer = bufio.NewWriter(raw)
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateAwaitingGreeting))
	c.opts.metrics.connOpened()
	connFields(c).Debug("conn start")

	if err := c.sayHello(); err != nil {
		c.lost(err)
	}

	go c.readLoop()
	go c.writeLoop()

	ticker := time.NewTicker(tickInterval)
	c.supervise(ticker.C)
	ticker.Stop()

	// finalized; let the writer drain, then release the socket
	raw.SetWriteDeadline(time.Now().Add(c.opts.closeTimeout))
	<-c.writerDone
	c.closeSocket()
	<-c.readerDone

	c.opts.metrics.connClosed()
	connFields(c).WithField("reason", c.reason).Debug("conn released")
	if c.owner != nil {
		c.owner.terminated(c)
	}
}

func (c *Conn) sayHello() error {
	if _, err := c.writer.WriteString(encodeFrame(HelloMessage)); err != nil {
		return err
	}
	return c.writer.Flush()
}

// supervise runs the heartbeat policy on every tick until finalized.
func (c *Conn) supervise(tick <-chan time.Time) {
	for {
		select {
		case <-c.done:
			return
		case now := <-tick:
			c.attemptPing(now)
		}
	}
}

func (c *Conn) attemptPing(now time.Time) {
	hb := c.opts.heartbeat
	var (
		ping     string
		timedOut bool
	)

	c.hbMu.Lock()
	if !c.awaitingPong {
		if now.Sub(c.lastPing) > hb.Interval {
			ping = c.nextPingLocked(now)
		}
	} else if now.Sub(c.lastPing) > hb.MaxLatency {
		c.retries++
		if c.retries >= hb.MaxRetries {
			timedOut = true
		} else {
			connFields(c).Debugf("lost ping, retrying (%d/%d)", c.retries, hb.MaxRetries)
			ping = c.nextPingLocked(now)
		}
	}
	c.hbMu.Unlock()

	if timedOut {
		connFields(c).Warn("heartbeat timeout")
		c.finalize(Timeout)
		return
	}
	// a closing connection stops pinging but keeps counting, so a peer that
	// never echoes EXIT still times out
	if ping != "" && !c.closing.Load() {
		c.sendControl(ping)
	}
}

func (c *Conn) nextPingLocked(now time.Time) string {
	c.lastPingSeq = (c.lastPingSeq + 1) % pingSeqModulo
	c.lastPing = now
	c.awaitingPong = true
	return PingMessage + strconv.Itoa(c.lastPingSeq)
}

func (c *Conn) receivedPong(seq string, now time.Time) {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	if !c.awaitingPong || seq != strconv.Itoa(c.lastPingSeq) {
		return
	}
	rtt := now.Sub(c.lastPing)
	c.latency.Store(int64(rtt))
	c.retries = 0
	c.awaitingPong = false
	c.opts.metrics.observeLatency(rtt)
}

/* readLoop() blocking read from connection, drains what is buffered, splits
the accumulated bytes into frames and dispatches them */
func (c *Conn) readLoop() {
	defer close(c.readerDone)

	buf := make([]byte, readBufSize)
	var pending []byte
	for {
		n, err := c.reader.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for c.reader.Buffered() > 0 {
				m, _ := c.reader.Read(buf)
				pending = append(pending, buf[:m]...)
			}
			var payloads []string
			payloads, pending = splitFrames(pending)
			for _, p := range payloads {
				c.dispatch(p)
			}
			if len(pending) > MaxFrameSize {
				c.lost(ErrFrameTooLarge)
				return
			}
		}
		if err != nil {
			if !c.finalized() {
				c.lost(err)
			}
			return
		}
	}
}

func (c *Conn) dispatch(payload string) {
	kind, arg := classify(payload)
	switch kind {
	case kindHello:
		if c.greeted.Swap(true) {
			return
		}
		c.queue.Signal()
		if c.state.CompareAndSwap(int32(StateAwaitingGreeting), int32(StateActive)) {
			c.activated.Store(true)
			connFields(c).Info("connected")
			if cb := c.opts.onConnected; cb != nil {
				cb(c)
			}
		}
	case kindExit:
		c.markClosing(payload)
		c.finalize(ReasonFromCode(arg[0]))
	case kindPing:
		if !c.finalized() {
			c.sendControl(PongMessage + arg)
		}
	case kindPong:
		c.receivedPong(arg, time.Now())
	default:
		if !c.activated.Load() || c.finalized() {
			connFields(c).Debug("dropping message outside active state")
			return
		}
		c.opts.metrics.messageReceived()
		msg := newMessage(c, payload)
		if cb := c.opts.onMessage; cb != nil {
			cb(msg)
			return
		}
		connFields(c).Warnf("no message handler, discarding %q", payload)
		msg.Release()
	}
}

/* writeLoop() parks until woken, then writes a snapshot of the queue so a
busy producer cannot starve the flush */
func (c *Conn) writeLoop() {
	defer close(c.writerDone)

	for {
		select {
		case <-c.done:
			c.drain()
			return
		case <-c.queue.Wake():
		}
		if !c.greeted.Load() {
			continue
		}
		if err := c.write(); err != nil {
			c.lost(err)
		}
	}
}

func (c *Conn) write() error {
	n := c.queue.Len()
	control := false
	for i := 0; i < n; i++ {
		f, ok := c.queue.Pop()
		if !ok {
			break
		}
		if _, err := c.writer.WriteString(f.data); err != nil {
			return err
		}
		control = control || f.control
	}
	if c.flushReq.Swap(false) || c.opts.noDelay || control {
		return c.writer.Flush()
	}
	return nil
}

// drain writes whatever is still queued, such as an echoed EXIT, before the
// socket goes away.
func (c *Conn) drain() {
	if !c.greeted.Load() {
		return
	}
	for c.queue.Len() > 0 {
		if err := c.write(); err != nil {
			connFields(c).WithError(err).Debug("drain")
			return
		}
	}
	if err := c.writer.Flush(); err != nil {
		connFields(c).WithError(err).Debug("drain flush")
	}
}

func (c *Conn) finalized() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// finalize moves the connection to StateClosed and reports reason exactly
// once. Teardown of the socket happens on the supervisor.
func (c *Conn) finalize(reason DisconnectReason) {
	c.finalOnce.Do(func() {
		c.markClosing("")
		c.reason = reason
		c.state.Store(int32(StateClosed))
		close(c.done)
		c.opts.metrics.disconnected(reason)
		connFields(c).WithField("reason", reason).Info("disconnected")
		if cb := c.opts.onDisconnected; cb != nil {
			cb(c, reason)
		}
	})
}

func (c *Conn) failed(err error) {
	c.finalOnce.Do(func() {
		c.markClosing("")
		c.reason = Unknown
		c.state.Store(int32(StateFailedToStart))
		close(c.done)
		connFields(c).WithError(err).Error("failed to start")
		if cb := c.opts.onFailedToStart; cb != nil {
			cb(nil, c)
		}
	})
}

func (c *Conn) lost(err error) {
	if c.finalized() {
		return
	}
	connFields(c).WithError(err).Debug("connection lost")
	c.finalize(Unknown)
}

func (c *Conn) closeSocket() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		raw := c.rawConn
		c.mu.Unlock()
		if raw != nil {
			closeQuietly(raw)
		}
	})
}
