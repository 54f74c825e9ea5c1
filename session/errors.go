package session

import (
	"errors"
	"fmt"
)

var (
	ErrSessionClosed   = errors.New("session: closed")
	ErrNotOpened       = errors.New("session: not opened")
	ErrAlreadyOpen     = errors.New("session: already open")
	ErrHandshakeFailed = errors.New("session: handshake failed")
)

// HandshakeError is returned when opening a transport or replaying the handshake fails.
// It matches ErrHandshakeFailed.
type HandshakeError struct {
	Reconnect bool
	Err       error
}

func (e *HandshakeError) Error() string {
	if e.Reconnect {
		return fmt.Sprintf("session: reconnect handshake failed: %s", e.Err)
	}
	return fmt.Sprintf("session: handshake failed: %s", e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func (e *HandshakeError) Is(target error) bool { return target == ErrHandshakeFailed }
