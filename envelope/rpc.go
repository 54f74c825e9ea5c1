package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	TypeCommand     = "bridge-command"
	TypeResponse    = "bridge-response"
	TypeSubscribe   = "bridge-subscribe"
	TypeUnsubscribe = "bridge-unsubscribe"
	TypeUpdate      = "bridge-update"

	CmdConnect        = "CONNECT"
	CmdConnectSuccess = "CONNECT_SUCCESS"
	CmdConnectError   = "CONNECT_ERROR"
)

// Frame is the closed set of RPC envelopes.
type Frame interface {
	// Tag is the value of the wire discriminator ("type" or "cmd").
	Tag() string
	wire() any
}

// Command invokes the remote procedure at Path.
type Command struct {
	ID   int64
	Path []string
	Args []json.RawMessage
}

// Response settles the Command with the same ID. A non-empty Error means failure.
type Response struct {
	ID     int64
	Result json.RawMessage
	Error  string
}

type Subscribe struct {
	SubID string
	Path  []string
}

type Unsubscribe struct {
	SubID string
}

type Update struct {
	SubID  string
	Result json.RawMessage
}

type Connect struct{}

type ConnectSuccess struct{}

type ConnectError struct {
	Reason string
}

func (Command) Tag() string        { return TypeCommand }
func (Response) Tag() string       { return TypeResponse }
func (Subscribe) Tag() string      { return TypeSubscribe }
func (Unsubscribe) Tag() string    { return TypeUnsubscribe }
func (Update) Tag() string         { return TypeUpdate }
func (Connect) Tag() string        { return CmdConnect }
func (ConnectSuccess) Tag() string { return CmdConnectSuccess }
func (ConnectError) Tag() string   { return CmdConnectError }

func (c Command) wire() any {
	args := c.Args
	if args == nil {
		args = []json.RawMessage{}
	}
	return struct {
		Type string            `json:"type"`
		ID   int64             `json:"id"`
		Path []string          `json:"path"`
		Args []json.RawMessage `json:"args"`
	}{TypeCommand, c.ID, c.Path, args}
}

func (r Response) wire() any {
	return struct {
		Type   string          `json:"type"`
		ID     int64           `json:"id"`
		Result json.RawMessage `json:"result,omitempty"`
		Error  string          `json:"error,omitempty"`
	}{TypeResponse, r.ID, r.Result, r.Error}
}

func (s Subscribe) wire() any {
	return struct {
		Type  string   `json:"type"`
		SubID string   `json:"subId"`
		Path  []string `json:"path,omitempty"`
	}{TypeSubscribe, s.SubID, s.Path}
}

func (u Unsubscribe) wire() any {
	return struct {
		Type  string `json:"type"`
		SubID string `json:"subId"`
	}{TypeUnsubscribe, u.SubID}
}

func (u Update) wire() any {
	return struct {
		Type   string          `json:"type"`
		SubID  string          `json:"subId"`
		Result json.RawMessage `json:"result,omitempty"`
	}{TypeUpdate, u.SubID, u.Result}
}

func (Connect) wire() any {
	return struct {
		Cmd string `json:"cmd"`
	}{CmdConnect}
}

func (ConnectSuccess) wire() any {
	return struct {
		Cmd string `json:"cmd"`
	}{CmdConnectSuccess}
}

func (c ConnectError) wire() any {
	return struct {
		Cmd   string `json:"cmd"`
		Error string `json:"error,omitempty"`
	}{CmdConnectError, c.Reason}
}

// NewCommand builds a Command, rejecting arguments that are not plain data.
func NewCommand(id int64, path []string, args ...any) (Command, error) {
	encoded := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := marshalData(fmt.Sprintf("args[%d]", i), a)
		if err != nil {
			return Command{}, err
		}
		encoded = append(encoded, b)
	}
	return Command{ID: id, Path: path, Args: encoded}, nil
}

func NewResponse(id int64, result any) (Response, error) {
	b, err := marshalData("result", result)
	if err != nil {
		return Response{}, err
	}
	return Response{ID: id, Result: b}, nil
}

func NewErrorResponse(id int64, err error) Response {
	return Response{ID: id, Error: err.Error()}
}

func NewUpdate(subID string, result any) (Update, error) {
	b, err := marshalData("result", result)
	if err != nil {
		return Update{}, err
	}
	return Update{SubID: subID, Result: b}, nil
}

func marshalData(path string, v any) (json.RawMessage, error) {
	if err := checkCloneable(path, v); err != nil {
		return nil, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", path, err)
	}
	return b, nil
}

// EncodeRPC serializes an RPC frame.
func EncodeRPC(f Frame) ([]byte, error) {
	b, err := json.Marshal(f.wire())
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Tag(), err)
	}
	return b, nil
}

type wireFrame struct {
	Type   string            `json:"type"`
	Cmd    string            `json:"cmd"`
	ID     *int64            `json:"id"`
	SubID  string            `json:"subId"`
	Path   []string          `json:"path"`
	Args   []json.RawMessage `json:"args"`
	Result json.RawMessage   `json:"result"`
	Error  string            `json:"error"`
}

// DecodeRPC decodes one RPC envelope. Failures are always *DecodeError.
func DecodeRPC(data []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, decodeError(data, ErrEmptyFrame)
	}
	var w wireFrame
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, decodeError(data, err)
	}

	switch w.Cmd {
	case "":
	case CmdConnect:
		return Connect{}, nil
	case CmdConnectSuccess:
		return ConnectSuccess{}, nil
	case CmdConnectError:
		return ConnectError{Reason: w.Error}, nil
	default:
		return nil, decodeError(data, fmt.Errorf("%w: cmd %q", ErrUnknownFrame, w.Cmd))
	}

	switch w.Type {
	case TypeCommand:
		if w.ID == nil {
			return nil, decodeError(data, fmt.Errorf("%w: id", ErrMissingField))
		}
		return Command{ID: *w.ID, Path: w.Path, Args: w.Args}, nil
	case TypeResponse:
		if w.ID == nil {
			return nil, decodeError(data, fmt.Errorf("%w: id", ErrMissingField))
		}
		return Response{ID: *w.ID, Result: w.Result, Error: w.Error}, nil
	case TypeSubscribe, TypeUnsubscribe, TypeUpdate:
		if w.SubID == "" {
			return nil, decodeError(data, fmt.Errorf("%w: subId", ErrMissingField))
		}
		switch w.Type {
		case TypeSubscribe:
			return Subscribe{SubID: w.SubID, Path: w.Path}, nil
		case TypeUnsubscribe:
			return Unsubscribe{SubID: w.SubID}, nil
		default:
			return Update{SubID: w.SubID, Result: w.Result}, nil
		}
	default:
		return nil, decodeError(data, fmt.Errorf("%w: type %q", ErrUnknownFrame, w.Type))
	}
}
