package snet

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// socketProvider supplies the engine with its socket. Clients dial out,
// server connections hand over what the listener accepted.
type socketProvider interface {
	open(ctx context.Context) (net.Conn, error)
	describe() string
}

type dialSocket struct {
	host    string
	port    int
	timeout time.Duration
	noDelay bool
}

func (d dialSocket) address() string {
	return net.JoinHostPort(d.host, strconv.Itoa(d.port))
}

func (d dialSocket) open(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.timeout}
	c, err := dialer.DialContext(ctx, "tcp", d.address())
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", d.address())
	}
	setNoDelay(c, d.noDelay)
	return c, nil
}

func (d dialSocket) describe() string {
	return d.address()
}

type acceptedSocket struct {
	conn net.Conn
}

func (a acceptedSocket) open(context.Context) (net.Conn, error) {
	return a.conn, nil
}

func (a acceptedSocket) describe() string {
	return a.conn.RemoteAddr().String()
}

func setNoDelay(c net.Conn, noDelay bool) {
	if tc, ok := c.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(noDelay); err != nil {
			logger.WithError(err).Debug("set no delay")
		}
	}
}

// portInUse makes a throwaway connection to port on localhost. Success
// means something is already listening there.
func portInUse(port int, timeout time.Duration) bool {
	if port == 0 {
		return false
	}
	c, err := net.DialTimeout("tcp", net.JoinHostPort("localhost", strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	closeQuietly(c)
	return true
}
