package snet

import "time"

// Heartbeat is the liveness policy of a connection.
type Heartbeat struct {
	// Interval between two pings when the previous one was answered.
	Interval time.Duration
	// MaxLatency is how long a ping may stay unanswered before it counts as
	// missed.
	MaxLatency time.Duration
	// MaxRetries is the number of missed pings that ends the connection
	// with Timeout.
	MaxRetries int
}

// DefaultHeartbeat returns the stock policy.
func DefaultHeartbeat() Heartbeat {
	return Heartbeat{
		Interval:   DefaultHeartbeatInterval,
		MaxLatency: DefaultMaxLatency,
		MaxRetries: DefaultMaxRetries,
	}
}

func (h Heartbeat) normalized() Heartbeat {
	d := DefaultHeartbeat()
	if h.Interval <= 0 {
		h.Interval = d.Interval
	}
	if h.MaxLatency <= 0 {
		h.MaxLatency = d.MaxLatency
	}
	if h.MaxRetries <= 0 {
		h.MaxRetries = d.MaxRetries
	}
	return h
}

type options struct {
	noDelay        bool
	heartbeat      Heartbeat
	dialTimeout    time.Duration
	closeTimeout   time.Duration
	probePort      bool
	maxConnections int
	metrics        *Metrics

	onConnected     onConnectedFunc
	onDisconnected  onDisconnectedFunc
	onMessage       onMessageFunc
	onServerStarted onServerStartedFunc
	onFailedToStart onFailedToStartFunc
}

func newOptions(opt []Option) options {
	opts := options{
		heartbeat:    DefaultHeartbeat(),
		dialTimeout:  DefaultDialTimeout,
		closeTimeout: DefaultCloseTimeout,
		probePort:    true,
	}
	for _, o := range opt {
		o(&opts)
	}
	opts.heartbeat = opts.heartbeat.normalized()
	return opts
}

// Option sets connection and server options.
type Option func(*options)

// NoDelayOption disables Nagle's algorithm and flushes after every write.
func NoDelayOption(noDelay bool) Option {
	return func(o *options) {
		o.noDelay = noDelay
	}
}

// HeartbeatOption returns an Option that sets the liveness policy. Zero
// fields keep their defaults.
func HeartbeatOption(h Heartbeat) Option {
	return func(o *options) {
		o.heartbeat = h
	}
}

// DialTimeoutOption bounds how long a client waits for the TCP connect.
func DialTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

// CloseTimeoutOption bounds how long pending frames may take to drain
// once a connection is finalized.
func CloseTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.closeTimeout = d
	}
}

// ProbePortOption toggles the throwaway connect a server makes before
// binding, which reports an occupied port early.
func ProbePortOption(probe bool) Option {
	return func(o *options) {
		o.probePort = probe
	}
}

// MaxConnectionsOption caps simultaneously accepted connections. Zero means
// unlimited.
func MaxConnectionsOption(n int) Option {
	return func(o *options) {
		o.maxConnections = n
	}
}

// MetricsOption returns an Option that reports to m.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// OnConnectedOption sets the callback run once the peer's greeting arrives.
func OnConnectedOption(cb func(*Conn)) Option {
	return func(o *options) {
		o.onConnected = onConnectedFunc(cb)
	}
}

// OnDisconnectedOption sets the callback run once when a connection closes.
func OnDisconnectedOption(cb func(*Conn, DisconnectReason)) Option {
	return func(o *options) {
		o.onDisconnected = onDisconnectedFunc(cb)
	}
}

// OnMessageOption sets the callback receiving application messages. The
// callback owns the message and should Release it.
func OnMessageOption(cb func(*Message)) Option {
	return func(o *options) {
		o.onMessage = onMessageFunc(cb)
	}
}

// OnServerStartedOption sets the callback run with the bound port.
func OnServerStartedOption(cb func(port int)) Option {
	return func(o *options) {
		o.onServerStarted = onServerStartedFunc(cb)
	}
}

// OnFailedToStartOption sets the callback run when a server cannot bind or
// a client cannot dial. Exactly one of the arguments is non-nil.
func OnFailedToStartOption(cb func(*Server, *Conn)) Option {
	return func(o *options) {
		o.onFailedToStart = onFailedToStartFunc(cb)
	}
}
