/*
Package snet implements a small framed TCP messaging engine with a matching
client and server.

Payloads are UTF-8 strings. On the wire each one is enclosed between two
separators '│' (U+2502), and back to back frames share the separator between
them. A payload must not contain the separator, and must not begin or end with
white space since the reader trims it. A few payloads are reserved for the
engine itself:

  HelloHello        greeting, sent first by both sides
  ByeBye<digit>     EXIT, carrying the DisconnectReason code
  ┄Ping<seq>        heartbeat probe, seq wraps at 100
  ┄Pong<seq>        heartbeat answer echoing seq

Conn represents one connection. A client one is created by NewClientConn
and dials on Start; a Server creates one for every accepted socket and keys it
by a random 20 character identifier. Application payloads are delivered only
after both greetings were exchanged, and payloads queued before that are held
back until the greeting arrives.

Liveness is checked with pings. An unanswered ping is resent after
MaxLatency; after MaxRetries misses in a row the connection ends with
Timeout. Closing is a two-phase handshake: Stop queues EXIT and the
connection ends once the peer echoes it.

Connections and servers are configured with functional options:

1. NoDelayOption flushes after every write;
2. HeartbeatOption sets the liveness policy;
3. OnConnectedOption, OnDisconnectedOption and OnMessageOption set callbacks;
4. OnServerStartedOption and OnFailedToStartOption report start outcomes;
5. MaxConnectionsOption caps accepted sockets;
6. MetricsOption reports to Prometheus collectors.

Application payloads conventionally start with a command code rune and a
target rune, see EncodeMessage. A Dispatcher routes them to hooks by command
code, either on a WorkerPool sharded by connection, so one connection's
messages run in order, or on the caller's go-routine through PollMessages.
*/
package snet
