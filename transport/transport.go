// Package transport adapts WebSockets and in-process ports to a single message-oriented Transport.
//
// A Transport is single use: once it reports Closed it never reopens. Reconnection means
// constructing a new Transport against the same endpoint, which is what a Factory is for.
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send when the transport is not open. Sends are never queued.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrTransportClosed is returned when opening a transport that has already been closed.
	ErrTransportClosed = errors.New("transport: closed")
)

// State mirrors the ready state of the underlying channel.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Event is one of Opened, Closed, Errored or Data.
type Event interface {
	isEvent()
}

type Opened struct{}

// Closed is always the last event. Err is nil for a clean close.
type Closed struct {
	Err error
}

type Errored struct {
	Err error
}

type Data struct {
	Payload []byte
}

func (Opened) isEvent()  {}
func (Closed) isEvent()  {}
func (Errored) isEvent() {}
func (Data) isEvent()    {}

type Transport interface {
	// Open blocks until the transport is open or has failed.
	Open(ctx context.Context) error
	// Send transmits one message. It fails fast with ErrNotConnected unless the transport is open.
	Send(ctx context.Context, payload []byte) error
	Close() error
	IsOpen() bool
	State() State
	// Events delivers events in arrival order and is closed after the Closed event.
	Events() <-chan Event
}

// Factory constructs a fresh Transport against a fixed endpoint.
type Factory func() Transport
