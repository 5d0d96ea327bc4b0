package snet

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/netutil"
)

// Server accepts TCP connections on one port and keeps a registry of the
// live ones, keyed by a random identifier.
type Server struct {
	opts  options
	port  int
	conns *ConnMap

	startOnce sync.Once
	stopOnce  sync.Once
	readyOnce sync.Once
	ready     chan struct{}
	running   atomic.Bool
	failed    atomic.Bool
	bound     atomic.Int64
	wg        sync.WaitGroup

	mu       sync.Mutex // guards following
	lis      net.Listener
	stopped  bool
	startErr error
}

// NewServer returns a server for port which has not started to accept
// connections yet. Port 0 binds an ephemeral port, reported through
// OnServerStartedOption and Port.
func NewServer(port int, opt ...Option) *Server {
	return &Server{
		opts:  newOptions(opt),
		port:  port,
		conns: NewConnMap(),
		ready: make(chan struct{}),
	}
}

// Start probes and binds the port, then accepts connections on its own
// go-routine. It returns immediately; the outcome is reported through
// OnServerStartedOption or OnFailedToStartOption.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.serve()
	})
}

// ListenAndServe starts the server and waits until the start sequence has
// finished. The returned error is non-nil if it failed.
func (s *Server) ListenAndServe() error {
	s.Start()
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startErr
}

func (s *Server) markReady() {
	s.readyOnce.Do(func() {
		close(s.ready)
	})
}

func (s *Server) serve() {
	defer s.wg.Done()
	defer s.markReady()

	l, err := s.listen()
	if err != nil {
		s.startFailed(err)
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.startErr = ErrServerClosed
		s.mu.Unlock()
		closeQuietly(l)
		return
	}
	s.lis = l
	s.mu.Unlock()

	port := l.Addr().(*net.TCPAddr).Port
	s.bound.Store(int64(port))
	s.running.Store(true)
	s.markReady()
	logger.WithField("port", port).Info("server start")
	if cb := s.opts.onServerStarted; cb != nil {
		cb(port)
	}

	s.acceptLoop(l)
}

func (s *Server) listen() (net.Listener, error) {
	if s.opts.probePort && portInUse(s.port, s.opts.dialTimeout) {
		return nil, errors.Wrapf(ErrPortInUse, "port %d", s.port)
	}
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.port)))
	if err != nil {
		return nil, errors.Wrapf(err, "listen on port %d", s.port)
	}
	if s.opts.maxConnections > 0 {
		l = netutil.LimitListener(l, s.opts.maxConnections)
	}
	return l, nil
}

func (s *Server) startFailed(err error) {
	s.mu.Lock()
	s.startErr = err
	s.mu.Unlock()
	s.running.Store(false)
	s.failed.Store(true)
	logger.WithError(err).WithField("port", s.port).Error("server failed to start")
	if cb := s.opts.onFailedToStart; cb != nil {
		cb(s, nil)
	}
}

func (s *Server) acceptLoop(l net.Listener) {
	var tempDelay time.Duration
	for {
		rawConn, err := l.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay >= max {
					tempDelay = max
				}
				logger.WithError(err).Errorf("accept error, retrying in %v", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			logger.WithError(err).Error("accept")
			s.running.Store(false)
			return
		}
		tempDelay = 0
		setNoDelay(rawConn, s.opts.noDelay)

		sc := newServerConn(s, rawConn)
		s.conns.register(sc)
		sc.Start()
		if !s.running.Load() {
			// registered after Stop's snapshot
			sc.Stop(ServerClosing)
		}
		logger.WithFields(LogFields{
			"conn":   sc.id,
			"remote": rawConn.RemoteAddr().String(),
			"total":  s.conns.Size(),
		}).Info("accepted client")
	}
}

func newServerConn(s *Server, raw net.Conn) *Conn {
	c := newConn(acceptedSocket{conn: raw}, s.opts)
	c.owner = s
	c.regenerateID()
	return c
}

// terminated is called by a server connection once its socket is released.
func (s *Server) terminated(c *Conn) {
	s.conns.Remove(c)
}

// Stop sends EXIT(ServerClosing) to every connection and closes the
// listening socket. Connections finish their close handshake on their own;
// use Wait to block until they have.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		// cleared before the snapshot: the accept loop stops whatever it
		// registers from here on
		s.running.Store(false)
		for _, c := range s.conns.Snapshot() {
			c.Stop(ServerClosing)
		}

		s.mu.Lock()
		s.stopped = true
		l := s.lis
		s.mu.Unlock()
		if l != nil {
			closeQuietly(l)
		}
		logger.WithField("port", s.Port()).Info("server stop")
	})
}

// Wait blocks until the accept loop has exited and every connection has
// released its socket.
func (s *Server) Wait() {
	s.wg.Wait()
	for _, c := range s.conns.Snapshot() {
		c.Wait()
	}
}

// Port returns the bound port, or the requested one before binding.
func (s *Server) Port() int {
	if p := s.bound.Load(); p != 0 {
		return int(p)
	}
	return s.port
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Failed reports whether the start sequence failed.
func (s *Server) Failed() bool {
	return s.failed.Load()
}

// IsConnected reports whether the server is running or still has live
// connections finishing their close handshake.
func (s *Server) IsConnected() bool {
	if s.IsRunning() {
		return true
	}
	for _, c := range s.conns.Snapshot() {
		if c.IsConnected() {
			return true
		}
	}
	return false
}

// Conn returns the live connection with the given id.
func (s *Server) Conn(id string) (*Conn, bool) {
	return s.conns.Get(id)
}

// Conns returns a snapshot of the live connections.
func (s *Server) Conns() []*Conn {
	return s.conns.Snapshot()
}

// Len returns the number of live connections.
func (s *Server) Len() int {
	return s.conns.Size()
}

// SendTo queues payload on the connection with the given id.
func (s *Server) SendTo(id string, payload string) error {
	c, ok := s.conns.Get(id)
	if !ok {
		return errors.Wrap(ErrNoSuchConn, id)
	}
	return c.Send(payload)
}

// SendToAll queues payload on every live connection.
func (s *Server) SendToAll(payload string) error {
	if err := validatePayload(payload); err != nil {
		return err
	}
	for _, c := range s.conns.Snapshot() {
		if err := c.Send(payload); err != nil && err != ErrConnClosing {
			return err
		}
	}
	return nil
}

// Forward queues msg on every live connection except the one it came from.
func (s *Server) Forward(msg *Message) error {
	if err := validatePayload(msg.Payload()); err != nil {
		return err
	}
	for _, c := range s.conns.Snapshot() {
		if c == msg.Sender() {
			continue
		}
		if err := c.Send(msg.Payload()); err != nil && err != ErrConnClosing {
			return err
		}
	}
	return nil
}

// Drop closes the connection with the given id with reason Kicked.
func (s *Server) Drop(id string) error {
	c, ok := s.conns.Get(id)
	if !ok {
		return errors.Wrap(ErrNoSuchConn, id)
	}
	c.Stop(Kicked)
	return nil
}

// Flush flushes every live connection.
func (s *Server) Flush() {
	for _, c := range s.conns.Snapshot() {
		c.Flush()
	}
}

// FlushTo flushes the connection with the given id.
func (s *Server) FlushTo(id string) error {
	c, ok := s.conns.Get(id)
	if !ok {
		return errors.Wrap(ErrNoSuchConn, id)
	}
	c.Flush()
	return nil
}

// Latency returns the last measured round trip of the connection with the
// given id.
func (s *Server) Latency(id string) (time.Duration, error) {
	c, ok := s.conns.Get(id)
	if !ok {
		return 0, errors.Wrap(ErrNoSuchConn, id)
	}
	return c.Latency(), nil
}
