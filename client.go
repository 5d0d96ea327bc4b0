package snet

// NewClientConn returns a connection to host:port which has not been
// dialed yet. Call Start to dial; a failed dial ends in StateFailedToStart
// and reports through OnFailedToStartOption with a nil Server.
func NewClientConn(host string, port int, opt ...Option) *Conn {
	opts := newOptions(opt)
	return newConn(dialSocket{
		host:    host,
		port:    port,
		timeout: opts.dialTimeout,
		noDelay: opts.noDelay,
	}, opts)
}

// Dial is NewClientConn followed by Start.
func Dial(host string, port int, opt ...Option) *Conn {
	c := NewClientConn(host, port, opt...)
	c.Start()
	return c
}
