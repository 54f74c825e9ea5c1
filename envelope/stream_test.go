package envelope

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeStream(t *testing.T) {
	cases := []struct {
		name string
		msg  StreamMessage
		exp  string
	}{
		{
			name: "input frame",
			msg:  InputFrame("ls\n"),
			exp:  `[0,"i","ls\n"]` + "\n",
		},
		{
			name: "output frame",
			msg:  OutputFrame(3, "file.txt"),
			exp:  `[3,"o","file.txt"]` + "\n",
		},
		{
			name: "handshake",
			msg:  NewHandshake(80, 24, []string{"/bin/bash"}, map[string]string{"TERM": "xterm-256color"}),
			exp:  `{"version":2,"width":80,"height":24,"cmd":["/bin/bash"],"env":{"TERM":"xterm-256color"}}` + "\n",
		},
		{
			name: "resize",
			msg:  NewResize(100, 30),
			exp:  `{"version":2,"width":100,"height":30}` + "\n",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := EncodeStream(c.msg)
			require.NoError(t, err)
			assert.Equal(t, c.exp, string(b))
		})
	}
}

func TestDecodeStream(t *testing.T) {
	cases := []struct {
		name   string
		line   string
		exp    StreamMessage
		expErr error
	}{
		{
			name: "output frame",
			line: `[0,"o","ls\n file.txt\n"]`,
			exp:  StreamFrame{StreamID: 0, Kind: KindOutput, Data: "ls\n file.txt\n"},
		},
		{
			name: "unknown kind is still a frame",
			line: `[1,"x","data"]`,
			exp:  StreamFrame{StreamID: 1, Kind: "x", Data: "data"},
		},
		{
			name: "handshake is distinguished by cmd",
			line: `{"version":2,"width":80,"height":24,"cmd":["/bin/sh"],"env":{}}`,
			exp:  Handshake{Version: 2, Width: 80, Height: 24, Cmd: []string{"/bin/sh"}, Env: map[string]string{}},
		},
		{
			name: "resize",
			line: `{"version":2,"width":100,"height":30}` + "\n",
			exp:  Resize{Version: 2, Width: 100, Height: 30},
		},
		{
			name:   "wrong version",
			line:   `{"version":1,"width":100,"height":30}`,
			expErr: ErrUnsupportedVersion,
		},
		{
			name:   "object without dimensions",
			line:   `{"version":2}`,
			expErr: ErrMissingField,
		},
		{
			name:   "empty",
			line:   "  ",
			expErr: ErrEmptyFrame,
		},
		{
			name:   "scalar",
			line:   `"hello"`,
			expErr: ErrUnknownFrame,
		},
		{
			name: "short triplet",
			line: `[0,"o"]`,
		},
		{
			name: "truncated json",
			line: `[0,"o","abc`,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			msg, err := DecodeStream([]byte(c.line))
			if c.exp != nil {
				require.NoError(t, err)
				assert.Equal(t, c.exp, msg)
				return
			}
			require.Error(t, err)
			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr))
			if c.expErr != nil {
				assert.ErrorIs(t, err, c.expErr)
			}
		})
	}
}

func TestDecodeStreamChunkSkipsMalformedLines(t *testing.T) {
	chunk := []byte(`[0,"o","one"]` + "\n" +
		`[0,"o",` + "\n" +
		`not json at all` + "\n" +
		`[0,"o","two"]` + "\n")

	msgs, errs := DecodeStreamChunk(chunk)
	assert.Len(t, errs, 2)
	require.Len(t, msgs, 2)
	assert.Equal(t, OutputFrame(0, "one"), msgs[0])
	assert.Equal(t, OutputFrame(0, "two"), msgs[1])
}

func TestHandshakeResized(t *testing.T) {
	h := NewHandshake(80, 24, []string{"/bin/bash"}, nil)
	r := h.Resized(100, 30)
	assert.Equal(t, 80, h.Width)
	assert.Equal(t, 100, r.Width)
	assert.Equal(t, 30, r.Height)
	assert.Equal(t, h.Cmd, r.Cmd)
}

func TestDecodeErrorTruncatesData(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	_, err := DecodeStream(long)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "...")
	assert.Less(t, len(err.Error()), 200)
}
