package snet

import (
	"errors"
	"fmt"
	"time"
)

// Error codes returned by failures dealing with server or connection.
var (
	ErrEmptyPayload       = errors.New("empty payload")
	ErrSeparatorInPayload = errors.New("payload contains the frame separator")
	ErrReservedPayload    = errors.New("payload is a reserved control frame")
	ErrPaddedPayload      = errors.New("payload has leading or trailing white space")
	ErrFrameTooLarge      = errors.New("frame too large")
	ErrConnClosing        = errors.New("connection is closing")
	ErrNotConnected       = errors.New("connection not established")
	ErrPortInUse          = errors.New("port already in use")
	ErrServerClosed       = errors.New("server has been closed")
	ErrNoSuchConn         = errors.New("no connection with that id")
	ErrWouldBlock         = errors.New("would block")
	ErrHookRegistered     = errors.New("hook already registered for command code")
	ErrInvalidCommandCode = errors.New("invalid command code")
)

// Wire level constants.
const (
	// Separator delimits frames on the wire.
	Separator = '│'
	// HeartbeatMarker prefixes ping and pong control frames.
	HeartbeatMarker = '┄'

	HelloMessage = "HelloHello"
	ExitMessage  = "ByeBye"
	PingMessage  = string(HeartbeatMarker) + "Ping"
	PongMessage  = string(HeartbeatMarker) + "Pong"

	// MaxFrameSize bounds an encoded frame, separators included.
	MaxFrameSize = 64 << 10

	// IDLength is the length of generated server connection identifiers.
	IDLength = 20

	pingSeqModulo = 100
	readBufSize   = 512
)

// definitions about some defaults.
const (
	DefaultHeartbeatInterval = 500 * time.Millisecond
	DefaultMaxLatency        = 2 * time.Second
	DefaultMaxRetries        = 10
	DefaultDialTimeout       = 5 * time.Second
	DefaultCloseTimeout      = 2 * time.Second
	DefaultMaxConnections    = 1000
	defaultWorkersNum        = 16
	tickInterval             = 10 * time.Millisecond
)

// DisconnectReason is the cause reported and transmitted when a connection ends.
type DisconnectReason int

// Reason codes, the numeric value is what travels in the EXIT frame.
const (
	Timeout DisconnectReason = iota
	Kicked
	ClientLeft
	ServerClosing
	Unknown
)

var reasonNames = [...]string{"Timeout", "Kicked", "ClientLeft", "ServerClosing", "Unknown"}

func (r DisconnectReason) String() string {
	if r < Timeout || r > Unknown {
		return fmt.Sprintf("DisconnectReason(%d)", int(r))
	}
	return reasonNames[r]
}

// Code returns the single digit sent on the wire.
func (r DisconnectReason) Code() byte {
	return byte('0' + r)
}

// ReasonFromCode maps a wire digit back to a reason. Anything unrecognised
// becomes Unknown.
func ReasonFromCode(c byte) DisconnectReason {
	r := DisconnectReason(c - '0')
	if c < '0' || r > Unknown {
		return Unknown
	}
	return r
}

// State is the lifecycle position of a connection.
type State int32

// Connection states.
const (
	StateConnecting State = iota
	StateAwaitingGreeting
	StateActive
	StateClosing
	StateClosed
	StateFailedToStart
)

var stateNames = [...]string{"Connecting", "AwaitingGreeting", "Active", "Closing", "Closed", "FailedToStart"}

func (s State) String() string {
	if s < StateConnecting || s > StateFailedToStart {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailedToStart
}

type onConnectedFunc func(*Conn)
type onDisconnectedFunc func(*Conn, DisconnectReason)
type onMessageFunc func(*Message)
type onServerStartedFunc func(int)
type onFailedToStartFunc func(*Server, *Conn)

type workerFunc func()
