// Package transport multiplexes several byte links (TCP, WebSocket, serial)
// behind one addressable datagram interface. Each link gets a small channel
// id that must be supplied back when sending.
package transport

import (
	"errors"
	"time"
)

var (
	ErrClosed         = errors.New("transport closed")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrTooManyLinks   = errors.New("too many links")
)

// Frame is one inbound datagram and the channel it arrived on.
type Frame struct {
	Channel uint8
	Data    []byte
}

// Transport is what the protocol server consumes.
type Transport interface {
	// Receive waits at most timeout for one datagram. ok is false on timeout.
	Receive(timeout time.Duration) (f Frame, ok bool, err error)
	Send(channel uint8, data []byte) error
	Close() error
}
