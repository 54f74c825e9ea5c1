// Package terminal carries an interactive PTY over a session.
//
// The client side is Terminal. It sends a handshake describing the command and window size,
// then input frames, and renders the output frames it receives. The serving side is Server,
// which starts a Process from a Backend for each transport and streams its output back.
package terminal

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"

	"github.com/guseggert/sessionbridge/envelope"
	"github.com/guseggert/sessionbridge/internal/metrics"
	"github.com/guseggert/sessionbridge/session"
	"github.com/guseggert/sessionbridge/transport"
	"go.uber.org/zap"
)

type Dimensions struct {
	Columns int
	Rows    int
}

// clamped returns d limited to what a terminal size field can hold.
func (d Dimensions) clamped() (cols, rows uint16) {
	return clampDim(d.Columns), clampDim(d.Rows)
}

func clampDim(n int) uint16 {
	switch {
	case n < 0:
		return 0
	case n > math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(n)
	}
}

func DefaultCommand() []string {
	return []string{"/bin/bash"}
}

func DefaultEnv() map[string]string {
	return map[string]string{"TERM": "xterm-256color"}
}

type Terminal struct {
	log  *zap.SugaredLogger
	out  io.Writer
	sess *session.Session

	mu        sync.Mutex
	handshake envelope.Handshake
}

type config struct {
	log         *zap.SugaredLogger
	out         io.Writer
	cmd         []string
	env         map[string]string
	wsOpts      []transport.WebSocketOption
	sessionOpts []session.Option
}

type Option func(c *config)

// WithOutput sets where rendered output goes. Output is discarded by default.
func WithOutput(w io.Writer) Option {
	return func(c *config) {
		c.out = w
	}
}

func WithCommand(cmd ...string) Option {
	return func(c *config) {
		c.cmd = cmd
	}
}

func WithEnv(env map[string]string) Option {
	return func(c *config) {
		c.env = env
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *config) {
		c.log = l
	}
}

// WithWebSocketOptions configures the transports built by Dial.
func WithWebSocketOptions(opts ...transport.WebSocketOption) Option {
	return func(c *config) {
		c.wsOpts = append(c.wsOpts, opts...)
	}
}

func WithSessionOptions(opts ...session.Option) Option {
	return func(c *config) {
		c.sessionOpts = append(c.sessionOpts, opts...)
	}
}

func newConfig(opts []Option) config {
	c := config{
		log: zap.NewNop().Sugar(),
		out: io.Discard,
		cmd: DefaultCommand(),
		env: DefaultEnv(),
	}
	for _, o := range opts {
		o(&c)
	}
	return c
}

// Dial returns a Terminal whose transports are WebSocket connections to url.
func Dial(url string, opts ...Option) *Terminal {
	cfg := newConfig(opts)
	wsOpts := append([]transport.WebSocketOption{transport.WithLogger(cfg.log)}, cfg.wsOpts...)
	return newTerminal(transport.WebSocketFactory(url, wsOpts...), cfg)
}

func New(factory transport.Factory, opts ...Option) *Terminal {
	return newTerminal(factory, newConfig(opts))
}

func newTerminal(factory transport.Factory, cfg config) *Terminal {
	t := &Terminal{
		log:       cfg.log.Named("terminal"),
		out:       cfg.out,
		handshake: envelope.NewHandshake(0, 0, cfg.cmd, cfg.env),
	}
	sessionOpts := []session.Option{
		session.WithLogger(cfg.log),
		session.WithHandshake(session.SendInit),
		session.WithReceiver(t.receive),
	}
	t.sess = session.New(factory, append(sessionOpts, cfg.sessionOpts...)...)
	return t
}

// Open connects and sends the handshake for a window of the given size.
func (t *Terminal) Open(ctx context.Context, dims Dimensions) error {
	t.mu.Lock()
	t.handshake = t.handshake.Resized(dims.Columns, dims.Rows)
	hs := t.handshake
	t.mu.Unlock()

	b, err := envelope.EncodeStream(hs)
	if err != nil {
		return err
	}
	return t.sess.Open(ctx, b)
}

// Input sends keystrokes. A dropped transport is re-established, replaying the handshake first.
func (t *Terminal) Input(ctx context.Context, data string) error {
	b, err := envelope.EncodeStream(envelope.InputFrame(data))
	if err != nil {
		return err
	}
	return t.sess.Write(ctx, b)
}

// Resize records the new window size for future handshakes and announces it on the current
// transport, or on the one being established. A disconnected terminal only records it.
func (t *Terminal) Resize(ctx context.Context, dims Dimensions) error {
	t.mu.Lock()
	t.handshake = t.handshake.Resized(dims.Columns, dims.Rows)
	hs := t.handshake
	t.mu.Unlock()

	init, err := envelope.EncodeStream(hs)
	if err != nil {
		return err
	}
	t.sess.SetInitPayload(init)

	b, err := envelope.EncodeStream(envelope.NewResize(dims.Columns, dims.Rows))
	if err != nil {
		return err
	}
	err = t.sess.Enqueue(ctx, b)
	if errors.Is(err, transport.ErrNotConnected) {
		t.log.Debugw("not connected, resize deferred to next handshake", "Columns", dims.Columns, "Rows", dims.Rows)
		return nil
	}
	return err
}

func (t *Terminal) receive(payload []byte) {
	msgs, errs := envelope.DecodeStreamChunk(payload)
	for _, err := range errs {
		metrics.RecordDecodeError("stream")
		t.log.Warnw("dropping malformed stream frame", "Error", err)
	}
	for _, msg := range msgs {
		f, ok := msg.(envelope.StreamFrame)
		if !ok || f.Kind != envelope.KindOutput {
			continue
		}
		if _, err := io.WriteString(t.out, f.Data); err != nil {
			t.log.Warnw("writing output", "Error", err)
		}
	}
}

func (t *Terminal) Status() session.Status {
	return t.sess.Status()
}

func (t *Terminal) Observe(o session.Observer) func() {
	return t.sess.Observe(o)
}

func (t *Terminal) Session() *session.Session {
	return t.sess
}

func (t *Terminal) Close() error {
	return t.sess.Close()
}
