// Package session keeps a logical conversation alive over a sequence of transports.
//
// A Session owns at most one transport at a time. When that transport is lost the session
// drops to Disconnected and waits: the next Write, or an explicit Reconnect, builds a new
// transport from the Factory, replays the last init payload through the Handshake and
// re-arms consumer state before reporting Connected again. There is no background retry.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/sessionbridge/internal/metrics"
	"github.com/guseggert/sessionbridge/transport"
	"go.uber.org/zap"
)

// Handshake runs on a freshly opened transport before the session reports Connected.
type Handshake func(ctx context.Context, t transport.Transport, initPayload []byte) error

// SendInit is a Handshake that completes once the init payload has been sent.
func SendInit(ctx context.Context, t transport.Transport, initPayload []byte) error {
	if len(initPayload) == 0 {
		return nil
	}
	return t.Send(ctx, initPayload)
}

// SendFunc writes directly to the transport being established.
type SendFunc func(ctx context.Context, payload []byte) error

// Rearm re-announces consumer state on a new transport, after the handshake and before Connected.
type Rearm func(ctx context.Context, send SendFunc) error

type Session struct {
	log          *zap.SugaredLogger
	newTransport transport.Factory
	handshake    Handshake
	rearm        []Rearm
	receiver     func(payload []byte)
	onLost       []func(gen uint64, cause error)
	onClose      []func()

	// sendMu orders sends, so writes queued while connecting are flushed before later ones.
	sendMu sync.Mutex

	mu          sync.Mutex
	status      Status
	opened      bool
	initPayload []byte
	current     transport.Transport
	gen         uint64
	connecting  chan struct{}
	connectErr  error
	queue       []*queuedWrite
	history     history

	notifier *notifier
}

type queuedWrite struct {
	ctx     context.Context
	payload []byte
	done    chan writeResult
}

type writeResult struct {
	gen uint64
	err error
}

type Option func(s *Session)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Session) {
		s.log = l.Named("session")
	}
}

func WithHandshake(h Handshake) Option {
	return func(s *Session) {
		s.handshake = h
	}
}

// WithReceiver sets the function that receives inbound payloads, in arrival order.
func WithReceiver(f func(payload []byte)) Option {
	return func(s *Session) {
		s.receiver = f
	}
}

func WithRearm(r Rearm) Option {
	return func(s *Session) {
		s.rearm = append(s.rearm, r)
	}
}

// OnTransportLost registers f to run each time a connected transport closes or fails.
// gen identifies the lost transport, as reported by Send.
func OnTransportLost(f func(gen uint64, cause error)) Option {
	return func(s *Session) {
		s.onLost = append(s.onLost, f)
	}
}

// OnClose registers f to run once when the session is closed.
func OnClose(f func()) Option {
	return func(s *Session) {
		s.onClose = append(s.onClose, f)
	}
}

func New(factory transport.Factory, opts ...Option) *Session {
	s := &Session{
		log:          zap.NewNop().Sugar(),
		newTransport: factory,
		handshake:    SendInit,
		status:       Disconnected,
	}
	for _, o := range opts {
		o(s)
	}
	s.notifier = newNotifier(s.log)
	return s
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Transitions returns the most recent status transitions, oldest first.
func (s *Session) Transitions() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.list()
}

// Observe registers o for status transitions and returns a function that unregisters it.
func (s *Session) Observe(o Observer) func() {
	return s.notifier.add(o)
}

// SetInitPayload replaces the payload replayed by the handshake on the next reconnection.
func (s *Session) SetInitPayload(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initPayload = clone(p)
}

func (s *Session) InitPayload() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.initPayload)
}

func (s *Session) setStatusLocked(to Status, reason string) {
	from := s.status
	if from == to {
		return
	}
	s.status = to
	t := Transition{From: from, To: to, At: time.Now(), Reason: reason}
	s.history.record(t)
	s.notifier.publish(t)
	metrics.RecordTransition(to.String())
	s.log.Debugw("status changed", "From", from, "To", to, "Reason", reason)
}

// Open establishes the first transport and sends initPayload through the handshake.
func (s *Session) Open(ctx context.Context, initPayload []byte) error {
	s.mu.Lock()
	switch s.status {
	case Closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case Disconnected:
	default:
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.opened = true
	s.initPayload = clone(initPayload)
	s.mu.Unlock()

	return s.connect(ctx, false)
}

// Reconnect makes a single explicit attempt to re-establish a lost transport.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.status == Closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.status == Connected:
		s.mu.Unlock()
		return nil
	case s.status == Disconnected && !s.opened:
		s.mu.Unlock()
		return ErrNotOpened
	}
	s.mu.Unlock()
	return s.connect(ctx, true)
}

// connect drives one attempt from Disconnected, or waits for the attempt already in flight.
func (s *Session) connect(ctx context.Context, reconnect bool) error {
	s.mu.Lock()
	switch s.status {
	case Closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case Connected:
		s.mu.Unlock()
		return nil
	case Connecting, Reconnecting:
		wait := s.connecting
		s.mu.Unlock()
		return s.awaitConnect(ctx, wait)
	}

	target, reason := Connecting, "open"
	if reconnect {
		target, reason = Reconnecting, "reconnect"
	}
	done := make(chan struct{})
	s.connecting = done
	s.setStatusLocked(target, reason)
	initPayload := clone(s.initPayload)
	s.mu.Unlock()

	t, err := s.establish(ctx, initPayload)

	s.mu.Lock()
	s.connecting = nil
	if s.status == Closed {
		s.mu.Unlock()
		close(done)
		if t != nil {
			t.Close()
		}
		return ErrSessionClosed
	}
	if err != nil {
		herr := &HandshakeError{Reconnect: reconnect, Err: err}
		s.connectErr = herr
		queued := s.takeQueueLocked()
		s.setStatusLocked(Disconnected, err.Error())
		s.mu.Unlock()
		close(done)
		for _, w := range queued {
			w.done <- writeResult{err: herr}
		}
		return herr
	}

	s.gen++
	gen := s.gen
	s.current = t
	s.connectErr = nil
	queued := s.takeQueueLocked()
	s.setStatusLocked(Connected, reason)
	s.sendMu.Lock()
	s.mu.Unlock()
	close(done)

	go s.pump(gen, t)
	for _, w := range queued {
		if err := w.ctx.Err(); err != nil {
			w.done <- writeResult{err: err}
			continue
		}
		w.done <- writeResult{gen: gen, err: t.Send(w.ctx, w.payload)}
	}
	s.sendMu.Unlock()
	return nil
}

func (s *Session) awaitConnect(ctx context.Context, wait <-chan struct{}) error {
	select {
	case <-wait:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case Connected:
		return nil
	case Closed:
		return ErrSessionClosed
	}
	if s.connectErr != nil {
		return s.connectErr
	}
	return transport.ErrNotConnected
}

func (s *Session) establish(ctx context.Context, initPayload []byte) (transport.Transport, error) {
	t := s.newTransport()
	if err := t.Open(ctx); err != nil {
		return nil, fmt.Errorf("opening transport: %w", err)
	}
	if err := s.handshake(ctx, t, initPayload); err != nil {
		t.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	send := func(ctx context.Context, payload []byte) error {
		return t.Send(ctx, payload)
	}
	for _, r := range s.rearm {
		if err := r(ctx, send); err != nil {
			t.Close()
			return nil, fmt.Errorf("rearming: %w", err)
		}
	}
	return t, nil
}

func (s *Session) takeQueueLocked() []*queuedWrite {
	q := s.queue
	s.queue = nil
	return q
}

// pump delivers inbound payloads from one transport until it closes.
func (s *Session) pump(gen uint64, t transport.Transport) {
	var cause error
	for ev := range t.Events() {
		switch e := ev.(type) {
		case transport.Data:
			if s.isCurrent(gen) {
				s.deliver(e.Payload)
			}
		case transport.Errored:
			s.log.Debugw("transport error", "Error", e.Err)
			cause = e.Err
		case transport.Closed:
			if e.Err != nil {
				cause = e.Err
			}
		}
	}
	if cause == nil {
		cause = transport.ErrTransportClosed
	}
	s.lost(gen, cause)
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && s.current != nil
}

func (s *Session) deliver(payload []byte) {
	if s.receiver == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("receiver panicked", "Panic", r)
		}
	}()
	s.receiver(payload)
}

// lost moves a connected session to Disconnected if gen is still the live transport.
func (s *Session) lost(gen uint64, cause error) {
	s.mu.Lock()
	if gen != s.gen || s.current == nil || s.status != Connected {
		s.mu.Unlock()
		return
	}
	t := s.current
	s.current = nil
	s.setStatusLocked(Disconnected, cause.Error())
	s.mu.Unlock()

	t.Close()
	for _, f := range s.onLost {
		f(gen, cause)
	}
}

// Write sends payload on the live transport. A lost transport is replaced first, once per call.
// Writes attempted while a transport is being established are flushed, in order, when it is.
func (s *Session) Write(ctx context.Context, payload []byte) error {
	_, err := s.Send(ctx, payload)
	return err
}

// Send is Write that also reports the generation of the transport that carried payload.
// Generations start at 1 and grow by one with every established transport.
func (s *Session) Send(ctx context.Context, payload []byte) (uint64, error) {
	reconnected := false
	for {
		s.mu.Lock()
		switch s.status {
		case Closed:
			s.mu.Unlock()
			return 0, ErrSessionClosed

		case Connected:
			t, gen := s.current, s.gen
			s.mu.Unlock()
			err := s.send(ctx, t, payload)
			if err == nil {
				return gen, nil
			}
			if !errors.Is(err, transport.ErrNotConnected) && t.IsOpen() {
				return 0, err
			}
			s.lost(gen, err)
			if reconnected {
				return 0, err
			}

		case Connecting, Reconnecting:
			w := s.queueLocked(ctx, payload)
			s.mu.Unlock()
			select {
			case res := <-w.done:
				if errors.Is(res.err, transport.ErrNotConnected) && !reconnected {
					continue
				}
				return res.gen, res.err
			case <-ctx.Done():
				return 0, ctx.Err()
			}

		case Disconnected:
			opened := s.opened
			s.mu.Unlock()
			if !opened {
				return 0, ErrNotOpened
			}
			if reconnected {
				return 0, transport.ErrNotConnected
			}
			reconnected = true
			if err := s.connect(ctx, true); err != nil {
				return 0, err
			}
		}
	}
}

func (s *Session) queueLocked(ctx context.Context, payload []byte) *queuedWrite {
	w := &queuedWrite{ctx: ctx, payload: clone(payload), done: make(chan writeResult, 1)}
	s.queue = append(s.queue, w)
	return w
}

// Enqueue sends payload if connected, or queues it behind the transport being established,
// without waiting for it. It never starts a reconnection: a disconnected session returns
// transport.ErrNotConnected.
func (s *Session) Enqueue(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	switch s.status {
	case Closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case Connecting, Reconnecting:
		s.queueLocked(context.WithoutCancel(ctx), payload)
		s.mu.Unlock()
		return nil
	case Connected:
	default:
		s.mu.Unlock()
		return transport.ErrNotConnected
	}
	t := s.current
	s.mu.Unlock()
	return s.send(ctx, t, payload)
}

// TryWrite sends payload only if the session is connected, without triggering reconnection.
func (s *Session) TryWrite(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	switch s.status {
	case Closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case Connected:
	default:
		s.mu.Unlock()
		return transport.ErrNotConnected
	}
	t := s.current
	s.mu.Unlock()
	return s.send(ctx, t, payload)
}

func (s *Session) send(ctx context.Context, t transport.Transport, payload []byte) error {
	if !t.IsOpen() {
		return transport.ErrNotConnected
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return t.Send(ctx, payload)
}

// Close is terminal. It closes the live transport and runs the close hooks once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.status == Closed {
		s.mu.Unlock()
		return nil
	}
	t := s.current
	s.current = nil
	queued := s.takeQueueLocked()
	s.setStatusLocked(Closed, "closed by consumer")
	s.mu.Unlock()

	for _, w := range queued {
		w.done <- writeResult{err: ErrSessionClosed}
	}
	var err error
	if t != nil {
		err = t.Close()
	}
	for _, f := range s.onClose {
		f()
	}
	s.notifier.stop()
	return err
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
