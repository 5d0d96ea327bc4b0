package snet

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// rawPeer speaks the wire protocol by hand so tests control every frame.
type rawPeer struct {
	t       *testing.T
	conn    net.Conn
	pending []byte
	frames  []string
}

func (p *rawPeer) send(payload string) {
	_, err := p.conn.Write([]byte(encodeFrame(payload)))
	require.NoError(p.t, err)
}

func (p *rawPeer) next(timeout time.Duration) (string, error) {
	buf := make([]byte, readBufSize)
	p.conn.SetReadDeadline(time.Now().Add(timeout))
	for len(p.frames) == 0 {
		n, err := p.conn.Read(buf)
		if n > 0 {
			var got []string
			got, p.pending = splitFrames(append(p.pending, buf[:n]...))
			p.frames = append(p.frames, got...)
		}
		if err != nil && len(p.frames) == 0 {
			return "", err
		}
	}
	f := p.frames[0]
	p.frames = p.frames[1:]
	return f, nil
}

// nextPayload returns the next frame that is not a heartbeat.
func (p *rawPeer) nextPayload(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := p.next(time.Until(deadline))
		if err != nil {
			return "", err
		}
		if kind, _ := classify(f); kind != kindPing && kind != kindPong {
			return f, nil
		}
	}
}

func (p *rawPeer) nextPing(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := p.next(time.Until(deadline))
		if err != nil {
			return "", err
		}
		if kind, seq := classify(f); kind == kindPing {
			return seq, nil
		}
	}
}

// dialRawPeer starts a client conn against a hand driven listener and
// returns both ends once the client's greeting has arrived.
func dialRawPeer(t *testing.T, opt ...Option) (*Conn, *rawPeer) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	c := NewClientConn("127.0.0.1", l.Addr().(*net.TCPAddr).Port, opt...)
	c.Start()

	l.(*net.TCPListener).SetDeadline(time.Now().Add(waitFor))
	raw, err := l.Accept()
	require.NoError(t, err)

	p := &rawPeer{t: t, conn: raw}
	t.Cleanup(func() {
		raw.Close()
		c.Wait()
	})

	hello, err := p.next(waitFor)
	require.NoError(t, err)
	require.Equal(t, HelloMessage, hello)
	return c, p
}

type messageRecorder struct {
	mu       sync.Mutex
	payloads []string
}

func (r *messageRecorder) handle(msg *Message) {
	r.mu.Lock()
	r.payloads = append(r.payloads, msg.Payload())
	r.mu.Unlock()
	msg.Release()
}

func (r *messageRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

func TestConnHoldsTrafficUntilGreeted(t *testing.T) {
	rec := &messageRecorder{}
	connected := make(chan struct{})
	c, p := dialRawPeer(t,
		OnMessageOption(rec.handle),
		OnConnectedOption(func(*Conn) { close(connected) }),
	)

	assert.Equal(t, StateAwaitingGreeting, c.State())
	assert.True(t, c.IsConnected())

	p.send("Aearly")
	require.NoError(t, c.Send("Bqueued"))
	_, err := p.nextPayload(100 * time.Millisecond)
	assert.Error(t, err, "nothing may be written before the greeting")
	assert.Empty(t, rec.get())
	assert.Equal(t, StateAwaitingGreeting, c.State())

	p.send(HelloMessage)
	select {
	case <-connected:
	case <-time.After(waitFor):
		t.Fatal("no OnConnected")
	}
	assert.Equal(t, StateActive, c.State())

	got, err := p.nextPayload(waitFor)
	require.NoError(t, err)
	assert.Equal(t, "Bqueued", got)

	p.send("Cafter")
	assert.Eventually(t, func() bool {
		got := rec.get()
		return len(got) == 1 && got[0] == "Cafter"
	}, waitFor, tick)
}

func TestConnAnswersPing(t *testing.T) {
	_, p := dialRawPeer(t)
	p.send(HelloMessage)
	p.send(PingMessage + "42")

	deadline := time.Now().Add(waitFor)
	for {
		f, err := p.next(time.Until(deadline))
		require.NoError(t, err)
		if kind, seq := classify(f); kind == kindPong {
			assert.Equal(t, "42", seq)
			return
		}
	}
}

func TestConnMeasuresLatency(t *testing.T) {
	c, p := dialRawPeer(t, HeartbeatOption(Heartbeat{
		Interval:   20 * time.Millisecond,
		MaxLatency: time.Second,
		MaxRetries: 5,
	}))
	p.send(HelloMessage)

	seq, err := p.nextPing(waitFor)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	p.send(PongMessage + seq)

	assert.Eventually(t, func() bool {
		return c.Latency() >= 30*time.Millisecond
	}, waitFor, tick)
}

func TestConnRetriesLostPing(t *testing.T) {
	var reasons []DisconnectReason
	var mu sync.Mutex
	c, p := dialRawPeer(t,
		HeartbeatOption(Heartbeat{
			Interval:   time.Hour,
			MaxLatency: 100 * time.Millisecond,
			MaxRetries: 5,
		}),
		OnDisconnectedOption(func(_ *Conn, r DisconnectReason) {
			mu.Lock()
			reasons = append(reasons, r)
			mu.Unlock()
		}),
	)
	p.send(HelloMessage)

	first, err := p.nextPing(waitFor)
	require.NoError(t, err)
	second, err := p.nextPing(waitFor)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	c.hbMu.Lock()
	assert.GreaterOrEqual(t, c.retries, 1)
	c.hbMu.Unlock()

	p.send(PongMessage + second)
	assert.Eventually(t, func() bool {
		c.hbMu.Lock()
		defer c.hbMu.Unlock()
		return c.retries == 0 && !c.awaitingPong
	}, waitFor, tick)
	assert.True(t, c.IsConnected())
	mu.Lock()
	assert.Empty(t, reasons)
	mu.Unlock()
}

func TestConnTimesOutOnce(t *testing.T) {
	var (
		mu      sync.Mutex
		reasons []DisconnectReason
	)
	c, p := dialRawPeer(t,
		HeartbeatOption(Heartbeat{
			Interval:   10 * time.Millisecond,
			MaxLatency: 20 * time.Millisecond,
			MaxRetries: 3,
		}),
		OnDisconnectedOption(func(_ *Conn, r DisconnectReason) {
			mu.Lock()
			reasons = append(reasons, r)
			mu.Unlock()
		}),
	)
	p.send(HelloMessage)

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("no timeout")
	}
	c.Wait()
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, Timeout, c.Reason())
	mu.Lock()
	assert.Equal(t, []DisconnectReason{Timeout}, reasons)
	mu.Unlock()
}

func TestConnEchoesExit(t *testing.T) {
	c, p := dialRawPeer(t)
	p.send(HelloMessage)
	p.send(exitFrame(Kicked))

	got, err := p.nextPayload(waitFor)
	require.NoError(t, err)
	assert.Equal(t, exitFrame(Kicked), got)

	c.Wait()
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, Kicked, c.Reason())
}

func TestConnStopWaitsForEcho(t *testing.T) {
	c, p := dialRawPeer(t)
	p.send(HelloMessage)
	assert.Eventually(t, func() bool { return c.State() == StateActive }, waitFor, tick)

	c.Stop(ClientLeft)
	assert.Equal(t, StateClosing, c.State())
	assert.Equal(t, ErrConnClosing, c.Send("Mlate"))

	got, err := p.nextPayload(waitFor)
	require.NoError(t, err)
	assert.Equal(t, exitFrame(ClientLeft), got)
	assert.Equal(t, StateClosing, c.State())

	p.send(got)
	c.Wait()
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, ClientLeft, c.Reason())
}

func TestConnCloseBoundedWithoutEcho(t *testing.T) {
	c, p := dialRawPeer(t, HeartbeatOption(Heartbeat{
		Interval:   10 * time.Millisecond,
		MaxLatency: 30 * time.Millisecond,
		MaxRetries: 2,
	}))
	p.send(HelloMessage)
	c.Stop(ClientLeft)

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("close never finished")
	}
	assert.Equal(t, Timeout, c.Reason())
}

func TestConnPeerGone(t *testing.T) {
	c, p := dialRawPeer(t)
	p.send(HelloMessage)
	assert.Eventually(t, func() bool { return c.State() == StateActive }, waitFor, tick)

	p.conn.Close()
	c.Wait()
	assert.Equal(t, Unknown, c.Reason())
	assert.False(t, c.IsConnected())
}

func TestConnRejectsBadPayloads(t *testing.T) {
	c := NewClientConn("127.0.0.1", 1)
	assert.Equal(t, ErrSeparatorInPayload, c.Send("a│b"))
	assert.Equal(t, ErrEmptyPayload, c.Send(""))
	assert.Equal(t, ErrReservedPayload, c.Send(HelloMessage))
	assert.Equal(t, ErrPaddedPayload, c.Send("Mhello\n"))
	assert.Equal(t, ErrFrameTooLarge, c.Send(strings.Repeat("x", MaxFrameSize)))
	assert.Equal(t, 0, c.queue.Len())
}

func TestConnSendNeverQueuedBehindExit(t *testing.T) {
	for round := 0; round < 20; round++ {
		c := newConn(dialSocket{host: "127.0.0.1", port: 1}, newOptions(nil))

		var (
			accepted atomic.Int64
			wg       sync.WaitGroup
		)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					err := c.Send("M0x")
					if err == ErrConnClosing {
						return
					}
					if err == nil {
						accepted.Add(1)
					}
				}
			}()
		}
		time.Sleep(time.Millisecond)
		c.Stop(ClientLeft)
		wg.Wait()

		var before, after int64
		sawExit := false
		for {
			f, ok := c.queue.Pop()
			if !ok {
				break
			}
			switch {
			case f.data == encodeFrame(exitFrame(ClientLeft)):
				sawExit = true
			case sawExit:
				after++
			default:
				before++
			}
		}
		require.True(t, sawExit)
		assert.Zero(t, after, "frames accepted after EXIT")
		assert.Equal(t, accepted.Load(), before)
	}
}

func TestConnDropsUnterminatedFrame(t *testing.T) {
	c, p := dialRawPeer(t)
	p.send(HelloMessage)
	assert.Eventually(t, func() bool { return c.State() == StateActive }, waitFor, tick)

	// opened but never closed
	p.conn.Write([]byte("│M0" + strings.Repeat("x", MaxFrameSize+1024)))

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("oversized frame kept the connection open")
	}
	assert.Equal(t, Unknown, c.Reason())
}

func TestConnDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	var (
		mu    sync.Mutex
		calls int
	)
	c := Dial("127.0.0.1", port, OnFailedToStartOption(func(s *Server, conn *Conn) {
		assert.Nil(t, s)
		mu.Lock()
		calls++
		mu.Unlock()
	}))
	c.Wait()
	c.Start()

	assert.Equal(t, StateFailedToStart, c.State())
	assert.False(t, c.IsConnected())
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestAttemptPingPolicy(t *testing.T) {
	var count int
	c := newConn(dialSocket{host: "127.0.0.1", port: 1}, newOptions([]Option{
		HeartbeatOption(Heartbeat{
			Interval:   500 * time.Millisecond,
			MaxLatency: 2 * time.Second,
			MaxRetries: 3,
		}),
		OnDisconnectedOption(func(*Conn, DisconnectReason) { count++ }),
	}))
	t0 := time.Now()

	c.attemptPing(t0)
	assert.Equal(t, 1, c.queue.Len())
	assert.Equal(t, 1, c.lastPingSeq)

	c.attemptPing(t0.Add(time.Second))
	assert.Equal(t, 1, c.queue.Len())

	c.attemptPing(t0.Add(2100 * time.Millisecond))
	assert.Equal(t, 1, c.retries)
	assert.Equal(t, 2, c.lastPingSeq)

	c.attemptPing(t0.Add(4200 * time.Millisecond))
	assert.Equal(t, 2, c.retries)
	assert.False(t, c.finalized())

	c.attemptPing(t0.Add(6300 * time.Millisecond))
	assert.True(t, c.finalized())
	assert.Equal(t, Timeout, c.Reason())

	c.attemptPing(t0.Add(9 * time.Second))
	assert.Equal(t, 1, count)
}

func TestReceivedPong(t *testing.T) {
	c := newConn(dialSocket{host: "127.0.0.1", port: 1}, newOptions(nil))
	now := time.Now()

	c.receivedPong("0", now)
	assert.Zero(t, c.Latency(), "pong without ping")

	c.lastPing = now.Add(-40 * time.Millisecond)
	c.lastPingSeq = 5
	c.awaitingPong = true
	c.retries = 3

	c.receivedPong("4", now)
	assert.Zero(t, c.Latency())
	assert.Equal(t, 3, c.retries)

	c.receivedPong("5", now)
	assert.Equal(t, 40*time.Millisecond, c.Latency())
	assert.Equal(t, 0, c.retries)
	assert.False(t, c.awaitingPong)
}

func TestPingSequenceWraps(t *testing.T) {
	c := newConn(dialSocket{host: "127.0.0.1", port: 1}, newOptions(nil))
	c.lastPingSeq = pingSeqModulo - 1
	assert.Equal(t, PingMessage+"0", c.nextPingLocked(time.Now()))
}
