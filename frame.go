package snet

import (
	"bytes"
	"strings"
)

var sepBytes = []byte(string(Separator))

// frameKind classifies a decoded payload.
type frameKind int

const (
	kindApplication frameKind = iota
	kindHello
	kindExit
	kindPing
	kindPong
)

// encodeFrame wraps payload in separators.
func encodeFrame(payload string) string {
	var b strings.Builder
	b.Grow(len(payload) + 2*len(sepBytes))
	b.WriteRune(Separator)
	b.WriteString(payload)
	b.WriteRune(Separator)
	return b.String()
}

// splitFrames extracts every complete payload from buf. A separator shared
// by two neighbouring frames counts as the boundary of both. The returned
// rest holds an unterminated tail, starting at its separator, that must be
// prepended to the next read.
func splitFrames(buf []byte) (payloads []string, rest []byte) {
	start := bytes.Index(buf, sepBytes)
	if start < 0 {
		return nil, partialSeparator(buf)
	}
	for {
		body := buf[start+len(sepBytes):]
		end := bytes.Index(body, sepBytes)
		if end < 0 {
			break
		}
		if p := strings.TrimSpace(string(body[:end])); p != "" {
			payloads = append(payloads, p)
		}
		start += len(sepBytes) + end
	}
	rest = make([]byte, len(buf)-start)
	copy(rest, buf[start:])
	return payloads, rest
}

// partialSeparator keeps a trailing prefix of the separator's UTF-8 encoding,
// which a later read may complete.
func partialSeparator(buf []byte) []byte {
	for n := len(sepBytes) - 1; n > 0; n-- {
		if len(buf) >= n && bytes.Equal(buf[len(buf)-n:], sepBytes[:n]) {
			return append([]byte(nil), buf[len(buf)-n:]...)
		}
	}
	return nil
}

// classify decides whether payload is a control frame. arg is the reason
// digit for EXIT and the sequence for PING/PONG.
func classify(payload string) (frameKind, string) {
	switch {
	case payload == HelloMessage:
		return kindHello, ""
	case strings.HasPrefix(payload, ExitMessage) && len(payload) == len(ExitMessage)+1:
		return kindExit, payload[len(ExitMessage):]
	case strings.HasPrefix(payload, PingMessage):
		return kindPing, payload[len(PingMessage):]
	case strings.HasPrefix(payload, PongMessage):
		return kindPong, payload[len(PongMessage):]
	}
	return kindApplication, ""
}

// validatePayload rejects application payloads that would corrupt framing or
// be mistaken for control frames by the peer.
func validatePayload(payload string) error {
	if strings.TrimSpace(payload) == "" {
		return ErrEmptyPayload
	}
	if strings.ContainsRune(payload, Separator) {
		return ErrSeparatorInPayload
	}
	// the reader trims every payload
	if strings.TrimSpace(payload) != payload {
		return ErrPaddedPayload
	}
	if len(payload)+2*len(sepBytes) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	if kind, _ := classify(payload); kind != kindApplication {
		return ErrReservedPayload
	}
	return nil
}

func exitFrame(reason DisconnectReason) string {
	return ExitMessage + string(reason.Code())
}
