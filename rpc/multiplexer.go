package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/sessionbridge/envelope"
	"github.com/guseggert/sessionbridge/internal/metrics"
	"github.com/guseggert/sessionbridge/transport"
	"go.uber.org/zap"
)

// Sender writes encoded frames toward the remote peer.
// *session.Session is the usual implementation.
type Sender interface {
	// Send is Write reporting the generation of the transport that carried payload.
	Send(ctx context.Context, payload []byte) (uint64, error)
	// Write sends, re-establishing a lost transport if needed.
	Write(ctx context.Context, payload []byte) error
	// TryWrite sends only if a transport is currently connected.
	TryWrite(ctx context.Context, payload []byte) error
}

type callResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	id        int64
	path      []string
	createdAt time.Time
	settle    chan callResult

	// sent is set once the command is on a transport; gen names that transport.
	sent bool
	gen  uint64
}

// Multiplexer correlates bridge-commands with their bridge-responses.
// Call ids are allocated from one counter for the whole lifetime of the Multiplexer,
// so an id is never reused, even across reconnections.
type Multiplexer struct {
	log     *zap.SugaredLogger
	sender  Sender
	timeout time.Duration

	mu        sync.Mutex
	nextID    int64
	pending   map[int64]*pendingCall
	lostGen   uint64
	lostCause error
}

type MultiplexerOption func(m *Multiplexer)

// WithTimeout bounds each call. Zero, the default, waits until settlement or cancellation.
func WithTimeout(d time.Duration) MultiplexerOption {
	return func(m *Multiplexer) {
		m.timeout = d
	}
}

func WithMultiplexerLogger(l *zap.SugaredLogger) MultiplexerOption {
	return func(m *Multiplexer) {
		m.log = l.Named("multiplexer")
	}
}

func NewMultiplexer(sender Sender, opts ...MultiplexerOption) *Multiplexer {
	m := &Multiplexer{
		log:     zap.NewNop().Sugar(),
		sender:  sender,
		pending: map[int64]*pendingCall{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Call sends a command for path and waits for its result.
func (m *Multiplexer) Call(ctx context.Context, path []string, args ...any) (json.RawMessage, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	cmd, err := envelope.NewCommand(id, path, args...)
	if err != nil {
		return nil, err
	}
	b, err := envelope.EncodeRPC(cmd)
	if err != nil {
		return nil, err
	}

	call := &pendingCall{
		id:        id,
		path:      path,
		createdAt: time.Now(),
		settle:    make(chan callResult, 1),
	}
	m.mu.Lock()
	m.pending[id] = call
	m.mu.Unlock()

	m.log.Debugw("sending command", "ID", id, "Path", path)
	gen, err := m.sender.Send(ctx, b)
	if err != nil {
		if m.take(id) != nil {
			m.record("send_failed", call)
			return nil, fmt.Errorf("sending command %d: %w", id, err)
		}
		return m.finish(call, <-call.settle)
	}
	m.markSent(call, gen)

	var timeout <-chan time.Time
	if m.timeout > 0 {
		timer := time.NewTimer(m.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-call.settle:
		return m.finish(call, res)
	case <-timeout:
		if m.take(id) != nil {
			m.record("timeout", call)
			return nil, fmt.Errorf("call %d to %s after %s: %w", id, strings.Join(path, "."), m.timeout, ErrCallTimeout)
		}
		return m.finish(call, <-call.settle)
	case <-ctx.Done():
		if m.take(id) != nil {
			m.record("canceled", call)
			return nil, ctx.Err()
		}
		return m.finish(call, <-call.settle)
	}
}

// CallInto is Call with the result decoded into out.
func (m *Multiplexer) CallInto(ctx context.Context, out any, path []string, args ...any) error {
	raw, err := m.Call(ctx, path, args...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding result of %s: %w", strings.Join(path, "."), err)
	}
	return nil
}

// take removes and returns the pending call for id. Whoever takes a call settles it.
func (m *Multiplexer) take(id int64) *pendingCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.pending[id]
	if !ok {
		return nil
	}
	delete(m.pending, id)
	return call
}

func (m *Multiplexer) finish(call *pendingCall, res callResult) (json.RawMessage, error) {
	switch res.err.(type) {
	case nil:
		m.record("ok", call)
	case *RemoteError:
		m.record("remote_error", call)
	default:
		m.record("transport_closed", call)
	}
	return res.result, res.err
}

func (m *Multiplexer) record(outcome string, call *pendingCall) {
	metrics.RecordCall(outcome, time.Since(call.createdAt))
}

// HandleResponse settles the call matching r.ID. Responses for unknown ids are dropped.
func (m *Multiplexer) HandleResponse(r envelope.Response) {
	call := m.take(r.ID)
	if call == nil {
		m.log.Debugw("dropping response for unknown call", "ID", r.ID)
		return
	}
	if r.Error != "" {
		call.settle <- callResult{err: &RemoteError{ID: r.ID, Path: call.path, Message: r.Error}}
		return
	}
	call.settle <- callResult{result: r.Result}
}

// markSent records that call went out on transport gen. A transport already reported lost
// will never answer, so the call is rejected at once.
func (m *Multiplexer) markSent(call *pendingCall, gen uint64) {
	m.mu.Lock()
	if m.pending[call.id] != call {
		m.mu.Unlock()
		return
	}
	if gen <= m.lostGen {
		delete(m.pending, call.id)
		cause := m.lostCause
		m.mu.Unlock()
		call.settle <- callResult{err: closedError(call, cause)}
		return
	}
	call.sent = true
	call.gen = gen
	m.mu.Unlock()
}

// TransportLost rejects the calls written to transport gen, or an older one, with an error
// matching transport.ErrTransportClosed. Calls still being written are left to settle on the
// transport that ends up carrying them.
func (m *Multiplexer) TransportLost(gen uint64, cause error) {
	m.mu.Lock()
	if gen > m.lostGen {
		m.lostGen = gen
		m.lostCause = cause
	}
	var calls []*pendingCall
	for id, call := range m.pending {
		if call.sent && call.gen <= gen {
			calls = append(calls, call)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	if len(calls) > 0 {
		m.log.Debugw("rejecting calls sent on lost transport", "Count", len(calls), "Generation", gen, "Cause", cause)
	}
	for _, call := range calls {
		call.settle <- callResult{err: closedError(call, cause)}
	}
}

// FailAll rejects every outstanding call with an error matching transport.ErrTransportClosed.
func (m *Multiplexer) FailAll(cause error) {
	m.mu.Lock()
	calls := m.pending
	m.pending = map[int64]*pendingCall{}
	m.mu.Unlock()

	if len(calls) > 0 {
		m.log.Debugw("rejecting outstanding calls", "Count", len(calls), "Cause", cause)
	}
	for _, call := range calls {
		call.settle <- callResult{err: closedError(call, cause)}
	}
}

func closedError(call *pendingCall, cause error) error {
	return fmt.Errorf("call %d to %s: %w: %v", call.id, strings.Join(call.path, "."), transport.ErrTransportClosed, cause)
}

// Pending returns the ids of outstanding calls in ascending order.
func (m *Multiplexer) Pending() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
