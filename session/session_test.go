package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/guseggert/sessionbridge/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer accepts in-process ports and records every payload it receives.
type fakeServer struct {
	accepted chan *transport.Port
	received chan string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		accepted: make(chan *transport.Port, 16),
		received: make(chan string, 128),
	}
}

func (f *fakeServer) accept(p *transport.Port) {
	f.accepted <- p
	for ev := range p.Events() {
		if d, ok := ev.(transport.Data); ok {
			f.received <- string(d.Payload)
		}
	}
}

func (f *fakeServer) nextPort(t *testing.T) *transport.Port {
	t.Helper()
	select {
	case p := <-f.accepted:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transport")
		return nil
	}
}

func (f *fakeServer) nextPayload(t *testing.T) string {
	t.Helper()
	select {
	case p := <-f.received:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for payload")
		return ""
	}
}

type brokenTransport struct {
	events chan transport.Event
}

func newBrokenTransport() transport.Transport {
	ch := make(chan transport.Event)
	close(ch)
	return &brokenTransport{events: ch}
}

func (b *brokenTransport) Open(ctx context.Context) error { return errors.New("connection refused") }
func (b *brokenTransport) Send(ctx context.Context, payload []byte) error {
	return transport.ErrNotConnected
}
func (b *brokenTransport) Close() error                   { return nil }
func (b *brokenTransport) IsOpen() bool                   { return false }
func (b *brokenTransport) State() transport.State         { return transport.StateClosed }
func (b *brokenTransport) Events() <-chan transport.Event { return b.events }

func statuses(ts []Transition) []Status {
	var out []Status
	for _, t := range ts {
		out = append(out, t.To)
	}
	return out
}

func waitForStatus(t *testing.T, s *Session, exp Status) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status() == exp }, 5*time.Second, 5*time.Millisecond)
}

func TestOpenSendsInitPayload(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	s := New(transport.PortFactory(srv.accept))
	t.Cleanup(func() { s.Close() })

	assert.Equal(t, Disconnected, s.Status())
	require.NoError(t, s.Open(ctx, []byte("init\n")))
	assert.Equal(t, Connected, s.Status())
	assert.Equal(t, "init\n", srv.nextPayload(t))

	require.NoError(t, s.Write(ctx, []byte("a")))
	assert.Equal(t, "a", srv.nextPayload(t))

	assert.Equal(t, []Status{Connecting, Connected}, statuses(s.Transitions()))
	assert.ErrorIs(t, s.Open(ctx, nil), ErrAlreadyOpen)
}

func TestWriteBeforeOpen(t *testing.T) {
	s := New(transport.PortFactory(newFakeServer().accept))
	t.Cleanup(func() { s.Close() })
	assert.ErrorIs(t, s.Write(context.Background(), []byte("x")), ErrNotOpened)
	assert.ErrorIs(t, s.Reconnect(context.Background()), ErrNotOpened)
}

func TestLazyReconnectionReplaysHandshake(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()

	var lost []error
	var lostMu sync.Mutex
	s := New(transport.PortFactory(srv.accept), OnTransportLost(func(gen uint64, cause error) {
		lostMu.Lock()
		defer lostMu.Unlock()
		lost = append(lost, cause)
	}))
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Open(ctx, []byte("init\n")))
	first := srv.nextPort(t)
	assert.Equal(t, "init\n", srv.nextPayload(t))

	require.NoError(t, first.Close())
	waitForStatus(t, s, Disconnected)

	lostMu.Lock()
	assert.Len(t, lost, 1)
	lostMu.Unlock()

	require.NoError(t, s.Write(ctx, []byte("after")))
	second := srv.nextPort(t)
	assert.NotSame(t, first, second)
	assert.Equal(t, "init\n", srv.nextPayload(t))
	assert.Equal(t, "after", srv.nextPayload(t))

	assert.Equal(t,
		[]Status{Connecting, Connected, Disconnected, Reconnecting, Connected},
		statuses(s.Transitions()),
	)
}

func TestSetInitPayloadIsReplayed(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	s := New(transport.PortFactory(srv.accept))
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Open(ctx, []byte("v1")))
	srv.nextPayload(t)
	s.SetInitPayload([]byte("v2"))
	assert.Equal(t, []byte("v2"), s.InitPayload())

	srv.nextPort(t).Close()
	waitForStatus(t, s, Disconnected)

	require.NoError(t, s.Reconnect(ctx))
	assert.Equal(t, "v2", srv.nextPayload(t))
}

func TestOpenFailureReportsHandshakeFailed(t *testing.T) {
	s := New(newBrokenTransport)
	t.Cleanup(func() { s.Close() })

	err := s.Open(context.Background(), []byte("init"))
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	var herr *HandshakeError
	require.True(t, errors.As(err, &herr))
	assert.False(t, herr.Reconnect)
	assert.Equal(t, Disconnected, s.Status())
	assert.Equal(t, []Status{Connecting, Disconnected}, statuses(s.Transitions()))
}

func TestHandshakeErrorClosesTransport(t *testing.T) {
	srv := newFakeServer()
	s := New(transport.PortFactory(srv.accept), WithHandshake(func(ctx context.Context, tr transport.Transport, init []byte) error {
		return errors.New("rejected")
	}))
	t.Cleanup(func() { s.Close() })

	err := s.Open(context.Background(), nil)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.ErrorContains(t, err, "rejected")
	remote := srv.nextPort(t)
	require.Eventually(t, func() bool { return !remote.IsOpen() }, 5*time.Second, 5*time.Millisecond)
}

func TestWritesWhileConnectingAreFlushedInOrder(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	release := make(chan struct{})
	s := New(transport.PortFactory(srv.accept), WithHandshake(func(ctx context.Context, tr transport.Transport, init []byte) error {
		<-release
		return SendInit(ctx, tr, init)
	}))
	t.Cleanup(func() { s.Close() })

	openErr := make(chan error, 1)
	go func() { openErr <- s.Open(ctx, []byte("init")) }()
	waitForStatus(t, s, Connecting)

	queued := func() int {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.queue)
	}

	writeErrs := make(chan error, 2)
	go func() { writeErrs <- s.Write(ctx, []byte("1")) }()
	require.Eventually(t, func() bool { return queued() == 1 }, 5*time.Second, 5*time.Millisecond)
	go func() { writeErrs <- s.Write(ctx, []byte("2")) }()
	require.Eventually(t, func() bool { return queued() == 2 }, 5*time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-openErr)
	require.NoError(t, <-writeErrs)
	require.NoError(t, <-writeErrs)

	assert.Equal(t, "init", srv.nextPayload(t))
	assert.Equal(t, "1", srv.nextPayload(t))
	assert.Equal(t, "2", srv.nextPayload(t))
}

func TestQueuedWritesFailWithConnectError(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	s := New(transport.PortFactory(newFakeServer().accept), WithHandshake(func(ctx context.Context, tr transport.Transport, init []byte) error {
		<-release
		return errors.New("nope")
	}))
	t.Cleanup(func() { s.Close() })

	openErr := make(chan error, 1)
	go func() { openErr <- s.Open(ctx, nil) }()
	waitForStatus(t, s, Connecting)

	writeErr := make(chan error, 1)
	go func() { writeErr <- s.Write(ctx, []byte("1")) }()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.queue) == 1
	}, 5*time.Second, 5*time.Millisecond)

	close(release)
	assert.ErrorIs(t, <-openErr, ErrHandshakeFailed)
	assert.ErrorIs(t, <-writeErr, ErrHandshakeFailed)
}

func TestSendReportsTransportGeneration(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	lost := make(chan uint64, 4)
	s := New(transport.PortFactory(srv.accept), OnTransportLost(func(gen uint64, cause error) {
		lost <- gen
	}))
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Open(ctx, nil))
	gen, err := s.Send(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	assert.Equal(t, "a", srv.nextPayload(t))

	// the session may still report Connected when Send finds the transport closed
	require.NoError(t, srv.nextPort(t).Close())
	gen, err = s.Send(ctx, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gen)
	assert.Equal(t, "b", srv.nextPayload(t))

	select {
	case g := <-lost:
		assert.Equal(t, uint64(1), g)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transport loss")
	}
}

func TestEnqueueWhileConnecting(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	release := make(chan struct{})
	s := New(transport.PortFactory(srv.accept), WithHandshake(func(ctx context.Context, tr transport.Transport, init []byte) error {
		<-release
		return SendInit(ctx, tr, init)
	}))
	t.Cleanup(func() { s.Close() })

	assert.ErrorIs(t, s.Enqueue(ctx, []byte("early")), transport.ErrNotConnected)
	assert.Equal(t, Disconnected, s.Status())

	openErr := make(chan error, 1)
	go func() { openErr <- s.Open(ctx, []byte("init")) }()
	waitForStatus(t, s, Connecting)

	canceled, cancel := context.WithCancel(ctx)
	require.NoError(t, s.Enqueue(canceled, []byte("queued")))
	cancel()

	close(release)
	require.NoError(t, <-openErr)
	assert.Equal(t, "init", srv.nextPayload(t))
	assert.Equal(t, "queued", srv.nextPayload(t))

	require.NoError(t, s.Enqueue(ctx, []byte("live")))
	assert.Equal(t, "live", srv.nextPayload(t))

	srv.nextPort(t).Close()
	waitForStatus(t, s, Disconnected)
	assert.ErrorIs(t, s.Enqueue(ctx, []byte("dropped")), transport.ErrNotConnected)
	assert.Equal(t, Disconnected, s.Status())
}

func TestTryWriteDoesNotReconnect(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	s := New(transport.PortFactory(srv.accept))
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Open(ctx, nil))
	require.NoError(t, s.TryWrite(ctx, []byte("ok")))
	assert.Equal(t, "ok", srv.nextPayload(t))

	srv.nextPort(t).Close()
	waitForStatus(t, s, Disconnected)

	assert.ErrorIs(t, s.TryWrite(ctx, []byte("dropped")), transport.ErrNotConnected)
	assert.Equal(t, Disconnected, s.Status())
}

func TestReceiverGetsPayloadsInOrder(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	got := make(chan string, 8)
	s := New(transport.PortFactory(srv.accept), WithReceiver(func(p []byte) {
		if string(p) == "boom" {
			panic("bad payload")
		}
		got <- string(p)
	}))
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Open(ctx, nil))
	remote := srv.nextPort(t)
	for _, p := range []string{"a", "boom", "b", "c"} {
		require.NoError(t, remote.Send(ctx, []byte(p)))
	}
	for _, exp := range []string{"a", "b", "c"} {
		select {
		case p := <-got:
			assert.Equal(t, exp, p)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for payload")
		}
	}
	assert.Equal(t, Connected, s.Status())
}

func TestCloseIsTerminal(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	var closeCalls atomic.Int32
	s := New(transport.PortFactory(srv.accept), OnClose(func() { closeCalls.Add(1) }))

	require.NoError(t, s.Open(ctx, nil))
	remote := srv.nextPort(t)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, Closed, s.Status())
	assert.Equal(t, int32(1), closeCalls.Load())
	require.Eventually(t, func() bool { return !remote.IsOpen() }, 5*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.Write(ctx, []byte("x")), ErrSessionClosed)
	assert.ErrorIs(t, s.TryWrite(ctx, []byte("x")), ErrSessionClosed)
	assert.ErrorIs(t, s.Open(ctx, nil), ErrSessionClosed)
	assert.ErrorIs(t, s.Reconnect(ctx), ErrSessionClosed)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Closed, s.Status())
	assert.Equal(t, []Status{Connecting, Connected, Closed}, statuses(s.Transitions()))
}

func TestObserversAreDecoupled(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	s := New(transport.PortFactory(srv.accept))
	t.Cleanup(func() { s.Close() })

	s.Observe(func(Transition) { panic("observer failure") })
	slow := make(chan struct{})
	s.Observe(func(Transition) { <-slow })

	seen := make(chan Status, 16)
	cancel := s.Observe(func(tr Transition) { seen <- tr.To })

	require.NoError(t, s.Open(ctx, nil))
	require.NoError(t, s.Write(ctx, []byte("not blocked by observers")))
	assert.Equal(t, "not blocked by observers", srv.nextPayload(t))

	close(slow)
	assert.Equal(t, Connecting, <-seen)
	assert.Equal(t, Connected, <-seen)

	cancel()
	srv.nextPort(t).Close()
	waitForStatus(t, s, Disconnected)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, seen)
}

func TestReconnectWithBackoff(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	var dials atomic.Int32
	healthy := transport.PortFactory(srv.accept)
	factory := func() transport.Transport {
		n := dials.Add(1)
		if n == 2 || n == 3 {
			return newBrokenTransport()
		}
		return healthy()
	}
	s := New(factory)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Open(ctx, nil))
	srv.nextPort(t).Close()
	waitForStatus(t, s, Disconnected)

	err := s.ReconnectWithBackoff(ctx, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 5))
	require.NoError(t, err)
	assert.Equal(t, Connected, s.Status())
	assert.Equal(t, int32(4), dials.Load())
}

func TestReconnectWithBackoffGivesUp(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	var dials atomic.Int32
	healthy := transport.PortFactory(srv.accept)
	s := New(func() transport.Transport {
		if dials.Add(1) == 1 {
			return healthy()
		}
		return newBrokenTransport()
	})
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Open(ctx, nil))
	srv.nextPort(t).Close()
	waitForStatus(t, s, Disconnected)

	err := s.ReconnectWithBackoff(ctx, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2))
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Equal(t, Disconnected, s.Status())
	assert.Equal(t, int32(4), dials.Load())

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.ReconnectWithBackoff(ctx, nil), ErrSessionClosed)
}

func TestHistoryKeepsMostRecent(t *testing.T) {
	var h history
	for i := 0; i < historySize+10; i++ {
		h.record(Transition{Reason: string(rune('a' + i%26)), From: Status(i % 5)})
	}
	list := h.list()
	require.Len(t, list, historySize)
	assert.Equal(t, Status(10%5), list[0].From)
	assert.Equal(t, Status((historySize+9)%5), list[historySize-1].From)
}
