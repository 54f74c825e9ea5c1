package rpc

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCallTimeout     = errors.New("rpc: call timed out")
	ErrConnectRejected = errors.New("rpc: connect rejected")
	ErrNotConnected    = errors.New("rpc: peer has not connected")
	ErrUnknownPath     = errors.New("rpc: unknown path")
)

// RemoteError is a failure reported by the remote peer in a bridge-response.
type RemoteError struct {
	ID      int64
	Path    []string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error from %s (call %d): %s", strings.Join(e.Path, "."), e.ID, e.Message)
}
