package envelope

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRPC(t *testing.T) {
	cmd, err := NewCommand(0, []string{"accounts", "get"}, true)
	require.NoError(t, err)
	resp, err := NewResponse(4, []string{"a"})
	require.NoError(t, err)
	update, err := NewUpdate("sub-1", map[string]int{"n": 1})
	require.NoError(t, err)

	cases := []struct {
		name  string
		frame Frame
		exp   string
	}{
		{
			name:  "command with id zero keeps the id",
			frame: cmd,
			exp:   `{"type":"bridge-command","id":0,"path":["accounts","get"],"args":[true]}`,
		},
		{
			name:  "command without args",
			frame: Command{ID: 7, Path: []string{"metadata", "get"}},
			exp:   `{"type":"bridge-command","id":7,"path":["metadata","get"],"args":[]}`,
		},
		{
			name:  "response",
			frame: resp,
			exp:   `{"type":"bridge-response","id":4,"result":["a"]}`,
		},
		{
			name:  "error response",
			frame: NewErrorResponse(5, errors.New("nope")),
			exp:   `{"type":"bridge-response","id":5,"error":"nope"}`,
		},
		{
			name:  "subscribe",
			frame: Subscribe{SubID: "sub-1", Path: []string{"accounts", "subscribe"}},
			exp:   `{"type":"bridge-subscribe","subId":"sub-1","path":["accounts","subscribe"]}`,
		},
		{
			name:  "unsubscribe",
			frame: Unsubscribe{SubID: "sub-1"},
			exp:   `{"type":"bridge-unsubscribe","subId":"sub-1"}`,
		},
		{
			name:  "update",
			frame: update,
			exp:   `{"type":"bridge-update","subId":"sub-1","result":{"n":1}}`,
		},
		{
			name:  "connect",
			frame: Connect{},
			exp:   `{"cmd":"CONNECT"}`,
		},
		{
			name:  "connect error",
			frame: ConnectError{Reason: "denied"},
			exp:   `{"cmd":"CONNECT_ERROR","error":"denied"}`,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := EncodeRPC(c.frame)
			require.NoError(t, err)
			assert.JSONEq(t, c.exp, string(b))
		})
	}
}

func TestDecodeRPC(t *testing.T) {
	cases := []struct {
		name   string
		data   string
		exp    Frame
		expErr error
	}{
		{
			name: "response",
			data: `{"type":"bridge-response","id":0,"result":[1,2]}`,
			exp:  Response{ID: 0, Result: json.RawMessage(`[1,2]`)},
		},
		{
			name: "error response",
			data: `{"type":"bridge-response","id":2,"error":"boom"}`,
			exp:  Response{ID: 2, Error: "boom"},
		},
		{
			name: "command",
			data: `{"type":"bridge-command","id":1,"path":["signer","signRaw"],"args":[{"address":"a"}]}`,
			exp:  Command{ID: 1, Path: []string{"signer", "signRaw"}, Args: []json.RawMessage{json.RawMessage(`{"address":"a"}`)}},
		},
		{
			name: "update",
			data: `{"type":"bridge-update","subId":"s","result":"x"}`,
			exp:  Update{SubID: "s", Result: json.RawMessage(`"x"`)},
		},
		{
			name: "connect success",
			data: `{"cmd":"CONNECT_SUCCESS"}`,
			exp:  ConnectSuccess{},
		},
		{
			name: "connect error",
			data: `{"cmd":"CONNECT_ERROR","error":"denied"}`,
			exp:  ConnectError{Reason: "denied"},
		},
		{
			name:   "response without id",
			data:   `{"type":"bridge-response","result":1}`,
			expErr: ErrMissingField,
		},
		{
			name:   "update without subId",
			data:   `{"type":"bridge-update","result":1}`,
			expErr: ErrMissingField,
		},
		{
			name:   "unknown type",
			data:   `{"type":"bridge-other"}`,
			expErr: ErrUnknownFrame,
		},
		{
			name:   "unknown cmd",
			data:   `{"cmd":"DISCONNECT"}`,
			expErr: ErrUnknownFrame,
		},
		{
			name: "garbage",
			data: `{"type":`,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f, err := DecodeRPC([]byte(c.data))
			if c.exp != nil {
				require.NoError(t, err)
				assert.Equal(t, c.exp, f)
				return
			}
			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr))
			if c.expErr != nil {
				assert.ErrorIs(t, err, c.expErr)
			}
		})
	}
}

func TestNewCommandRejectsLiveReferences(t *testing.T) {
	type withFunc struct {
		Name     string
		Callback func()
	}
	_, err := NewCommand(1, []string{"x"}, "ok", withFunc{Name: "a", Callback: func() {}})
	var notCloneable *NotCloneableError
	require.True(t, errors.As(err, &notCloneable))
	assert.Equal(t, "args[1].Callback", notCloneable.Path)
}
