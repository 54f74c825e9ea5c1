package envelope

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrUnknownFrame       = errors.New("envelope: unknown frame")
	ErrUnsupportedVersion = errors.New("envelope: unsupported protocol version")
	ErrEmptyFrame         = errors.New("envelope: empty frame")
	ErrMissingField       = errors.New("envelope: missing required field")
)

// maxQuotedData bounds how much of a bad chunk is echoed back in error messages.
const maxQuotedData = 64

// DecodeError reports a chunk that could not be decoded. It is never fatal to a stream.
type DecodeError struct {
	Data []byte
	Err  error
}

func (e *DecodeError) Error() string {
	data := e.Data
	suffix := ""
	if len(data) > maxQuotedData {
		data = data[:maxQuotedData]
		suffix = "..."
	}
	return fmt.Sprintf("decoding envelope %q%s: %s", data, suffix, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeError(data []byte, err error) *DecodeError {
	cp := make([]byte, len(data))
	copy(cp, data)
	return &DecodeError{Data: cp, Err: err}
}

// NotCloneableError is returned when an RPC value contains something other than plain data.
type NotCloneableError struct {
	Path  string
	Kind  reflect.Kind
	Cycle bool
}

func (e *NotCloneableError) Error() string {
	if e.Cycle {
		return fmt.Sprintf("envelope: value at %s is not cloneable: reference cycle", e.Path)
	}
	return fmt.Sprintf("envelope: value at %s is not cloneable: %s", e.Path, e.Kind)
}
