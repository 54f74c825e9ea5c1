package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/sessionbridge/envelope"
	"github.com/guseggert/sessionbridge/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// recordingSender captures written frames and optionally answers them.
type recordingSender struct {
	mu      sync.Mutex
	written []envelope.Frame
	frames  chan envelope.Frame
	fail    error
	onWrite func(f envelope.Frame)
	gen     uint64
}

func newRecordingSender() *recordingSender {
	return &recordingSender{frames: make(chan envelope.Frame, 128), gen: 1}
}

func (s *recordingSender) setOnWrite(f func(envelope.Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWrite = f
}

func (s *recordingSender) setGen(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen = gen
}

func (s *recordingSender) Send(ctx context.Context, payload []byte) (uint64, error) {
	if err := s.Write(ctx, payload); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen, nil
}

func (s *recordingSender) Write(ctx context.Context, payload []byte) error {
	if s.fail != nil {
		return s.fail
	}
	f, err := envelope.DecodeRPC(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.written = append(s.written, f)
	onWrite := s.onWrite
	s.mu.Unlock()
	s.frames <- f
	if onWrite != nil {
		onWrite(f)
	}
	return nil
}

func (s *recordingSender) TryWrite(ctx context.Context, payload []byte) error {
	return s.Write(ctx, payload)
}

func (s *recordingSender) next(t *testing.T) envelope.Frame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

func TestCallIDsAreUniqueUnderConcurrency(t *testing.T) {
	sender := newRecordingSender()
	m := NewMultiplexer(sender)
	sender.onWrite = func(f envelope.Frame) {
		cmd := f.(envelope.Command)
		go func() {
			resp, err := envelope.NewResponse(cmd.ID, cmd.ID)
			if err == nil {
				m.HandleResponse(resp)
			}
		}()
	}

	const n = 50
	results := make(chan int64, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			var id int64
			if err := m.CallInto(context.Background(), &id, []string{"echo", "id"}); err != nil {
				return err
			}
			results <- id
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(results)

	seen := map[int64]bool{}
	for id := range results {
		assert.False(t, seen[id], "id %d used twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Empty(t, m.Pending())
}

func TestResponsesSettleOutOfOrder(t *testing.T) {
	sender := newRecordingSender()
	m := NewMultiplexer(sender)
	ctx := context.Background()

	type outcome struct {
		n   int
		raw json.RawMessage
		err error
	}
	outcomes := make(chan outcome, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			raw, err := m.Call(ctx, []string{"slow"}, i)
			outcomes <- outcome{n: i, raw: raw, err: err}
		}()
	}

	var cmds []envelope.Command
	for i := 0; i < 3; i++ {
		cmds = append(cmds, sender.next(t).(envelope.Command))
	}
	for i := len(cmds) - 1; i >= 0; i-- {
		var arg int
		require.NoError(t, json.Unmarshal(cmds[i].Args[0], &arg))
		resp, err := envelope.NewResponse(cmds[i].ID, fmt.Sprintf("done-%d", arg))
		require.NoError(t, err)
		m.HandleResponse(resp)
	}

	for i := 0; i < 3; i++ {
		o := <-outcomes
		require.NoError(t, o.err)
		assert.JSONEq(t, fmt.Sprintf(`"done-%d"`, o.n), string(o.raw))
	}
}

func TestFailAllRejectsOutstandingCalls(t *testing.T) {
	sender := newRecordingSender()
	m := NewMultiplexer(sender)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := m.Call(context.Background(), []string{"never"})
			errs <- err
		}()
	}
	for i := 0; i < 3; i++ {
		sender.next(t)
	}
	require.Eventually(t, func() bool { return len(m.Pending()) == 3 }, 5*time.Second, 5*time.Millisecond)

	m.FailAll(errors.New("socket reset"))
	for i := 0; i < 3; i++ {
		err := <-errs
		assert.ErrorIs(t, err, transport.ErrTransportClosed)
		assert.Contains(t, err.Error(), "socket reset")
	}
	assert.Empty(t, m.Pending())
}

func TestTransportLostOnlyRejectsCallsOnThatTransport(t *testing.T) {
	sender := newRecordingSender()
	m := NewMultiplexer(sender)
	ctx := context.Background()

	stale := make(chan error, 1)
	go func() {
		_, err := m.Call(ctx, []string{"stale"})
		stale <- err
	}()
	sender.next(t)
	require.Eventually(t, func() bool { return len(m.Pending()) == 1 }, 5*time.Second, 5*time.Millisecond)

	// the transport drops while this command is being written, and it goes out on the next one
	sender.setOnWrite(func(f envelope.Frame) {
		cmd := f.(envelope.Command)
		m.TransportLost(1, errors.New("socket reset"))
		sender.setGen(2)
		go func() {
			resp, err := envelope.NewResponse(cmd.ID, "fresh")
			if err == nil {
				m.HandleResponse(resp)
			}
		}()
	})

	raw, err := m.Call(ctx, []string{"fresh"})
	require.NoError(t, err)
	assert.JSONEq(t, `"fresh"`, string(raw))

	err = recv(t, stale)
	assert.ErrorIs(t, err, transport.ErrTransportClosed)
	assert.Contains(t, err.Error(), "socket reset")
	assert.Empty(t, m.Pending())
}

func TestCallWrittenToLostTransportIsRejected(t *testing.T) {
	sender := newRecordingSender()
	m := NewMultiplexer(sender)
	// the loss is reported before Send returns the generation it used
	sender.setOnWrite(func(envelope.Frame) {
		m.TransportLost(1, errors.New("socket reset"))
	})

	_, err := m.Call(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, transport.ErrTransportClosed)
	assert.Empty(t, m.Pending())
}

func TestCallTimeout(t *testing.T) {
	sender := newRecordingSender()
	m := NewMultiplexer(sender, WithTimeout(20*time.Millisecond))

	_, err := m.Call(context.Background(), []string{"never"})
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Empty(t, m.Pending())

	// a late response for the timed out call is dropped
	m.HandleResponse(envelope.Response{ID: 0, Result: json.RawMessage(`1`)})
	assert.Empty(t, m.Pending())
}

func TestCallCanceled(t *testing.T) {
	sender := newRecordingSender()
	m := NewMultiplexer(sender)
	ctx, cancel := context.WithCancel(context.Background())
	sender.onWrite = func(envelope.Frame) { cancel() }

	_, err := m.Call(ctx, []string{"never"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.Pending())
}

func TestRemoteErrorResponse(t *testing.T) {
	sender := newRecordingSender()
	m := NewMultiplexer(sender)
	sender.onWrite = func(f envelope.Frame) {
		cmd := f.(envelope.Command)
		go m.HandleResponse(envelope.NewErrorResponse(cmd.ID, errors.New("denied")))
	}

	_, err := m.Call(context.Background(), []string{"signer", "signRaw"})
	var remote *RemoteError
	require.True(t, errors.As(err, &remote), "unexpected error %v", err)
	assert.Equal(t, "denied", remote.Message)
	assert.Equal(t, []string{"signer", "signRaw"}, remote.Path)
}

func TestUnknownResponseIsDropped(t *testing.T) {
	sender := newRecordingSender()
	m := NewMultiplexer(sender)

	done := make(chan error, 1)
	go func() {
		_, err := m.Call(context.Background(), []string{"x"})
		done <- err
	}()
	cmd := sender.next(t).(envelope.Command)

	m.HandleResponse(envelope.Response{ID: cmd.ID + 100, Result: json.RawMessage(`"stray"`)})
	assert.Equal(t, []int64{cmd.ID}, m.Pending())

	m.HandleResponse(envelope.Response{ID: cmd.ID, Result: json.RawMessage(`"ok"`)})
	require.NoError(t, <-done)
}

func TestSendFailureRemovesPendingCall(t *testing.T) {
	sender := newRecordingSender()
	sender.fail = transport.ErrNotConnected
	m := NewMultiplexer(sender)

	_, err := m.Call(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Empty(t, m.Pending())
}

func TestNonCloneableArgumentsAreRejected(t *testing.T) {
	sender := newRecordingSender()
	m := NewMultiplexer(sender)

	_, err := m.Call(context.Background(), []string{"x"}, "fine", struct{ Callback func() }{func() {}})
	var notCloneable *envelope.NotCloneableError
	require.True(t, errors.As(err, &notCloneable), "unexpected error %v", err)
	assert.Equal(t, "args[1].Callback", notCloneable.Path)
	assert.Equal(t, 0, sender.count())
	assert.Empty(t, m.Pending())
}
