package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the stream protocol version carried by handshake and resize envelopes.
const ProtocolVersion = 2

type StreamKind string

const (
	KindInput  StreamKind = "i"
	KindOutput StreamKind = "o"
)

// StreamMessage is implemented by StreamFrame, Handshake and Resize.
type StreamMessage interface {
	isStreamMessage()
}

// StreamFrame carries terminal data. It is encoded as the triplet [streamId, kind, data].
type StreamFrame struct {
	StreamID int
	Kind     StreamKind
	Data     string
}

func InputFrame(data string) StreamFrame {
	return StreamFrame{StreamID: 0, Kind: KindInput, Data: data}
}

func OutputFrame(streamID int, data string) StreamFrame {
	return StreamFrame{StreamID: streamID, Kind: KindOutput, Data: data}
}

func (f StreamFrame) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{f.StreamID, f.Kind, f.Data})
}

func (f *StreamFrame) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("stream frame has %d elements, expected 3", len(parts))
	}
	if err := json.Unmarshal(parts[0], &f.StreamID); err != nil {
		return fmt.Errorf("stream id: %w", err)
	}
	if err := json.Unmarshal(parts[1], &f.Kind); err != nil {
		return fmt.Errorf("stream kind: %w", err)
	}
	if err := json.Unmarshal(parts[2], &f.Data); err != nil {
		return fmt.Errorf("stream data: %w", err)
	}
	return nil
}

// Handshake is the first envelope sent on a fresh stream transport.
type Handshake struct {
	Version int               `json:"version"`
	Width   int               `json:"width"`
	Height  int               `json:"height"`
	Cmd     []string          `json:"cmd"`
	Env     map[string]string `json:"env"`
}

func NewHandshake(width, height int, cmd []string, env map[string]string) Handshake {
	return Handshake{
		Version: ProtocolVersion,
		Width:   width,
		Height:  height,
		Cmd:     cmd,
		Env:     env,
	}
}

// Resized returns a copy of the handshake announcing the given dimensions.
func (h Handshake) Resized(width, height int) Handshake {
	h.Width = width
	h.Height = height
	return h
}

// Resize announces new terminal dimensions on an established stream.
type Resize struct {
	Version int `json:"version"`
	Width   int `json:"width"`
	Height  int `json:"height"`
}

func NewResize(width, height int) Resize {
	return Resize{Version: ProtocolVersion, Width: width, Height: height}
}

func (StreamFrame) isStreamMessage() {}
func (Handshake) isStreamMessage()   {}
func (Resize) isStreamMessage()      {}

// EncodeStream serializes msg and appends the newline delimiter.
func EncodeStream(msg StreamMessage) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding stream envelope: %w", err)
	}
	return append(b, '\n'), nil
}

// DecodeStream decodes a single stream envelope. Failures are always *DecodeError.
func DecodeStream(line []byte) (StreamMessage, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, decodeError(line, ErrEmptyFrame)
	}

	switch trimmed[0] {
	case '[':
		var f StreamFrame
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return nil, decodeError(line, err)
		}
		return f, nil
	case '{':
		return decodeStreamObject(line, trimmed)
	default:
		return nil, decodeError(line, ErrUnknownFrame)
	}
}

func decodeStreamObject(line, trimmed []byte) (StreamMessage, error) {
	var fields struct {
		Version *int            `json:"version"`
		Width   *int            `json:"width"`
		Height  *int            `json:"height"`
		Cmd     json.RawMessage `json:"cmd"`
	}
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, decodeError(line, err)
	}
	if fields.Version == nil || *fields.Version != ProtocolVersion {
		return nil, decodeError(line, ErrUnsupportedVersion)
	}
	if fields.Width == nil || fields.Height == nil {
		return nil, decodeError(line, fmt.Errorf("%w: width and height", ErrMissingField))
	}

	if fields.Cmd != nil {
		var h Handshake
		if err := json.Unmarshal(trimmed, &h); err != nil {
			return nil, decodeError(line, err)
		}
		return h, nil
	}
	return Resize{Version: *fields.Version, Width: *fields.Width, Height: *fields.Height}, nil
}

// DecodeStreamChunk decodes every newline-delimited envelope in a transport chunk.
// A malformed line yields an error in errs and decoding continues with the next line.
func DecodeStreamChunk(chunk []byte) (msgs []StreamMessage, errs []error) {
	for _, line := range bytes.Split(chunk, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		msg, err := DecodeStream(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, errs
}
