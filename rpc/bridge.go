package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guseggert/sessionbridge/envelope"
	"github.com/guseggert/sessionbridge/internal/metrics"
	"github.com/guseggert/sessionbridge/session"
	"github.com/guseggert/sessionbridge/transport"
	"go.uber.org/zap"
)

const defaultConnectTimeout = 10 * time.Second

// Bridge is the calling side of an RPC bridge: calls and subscriptions over one session.
type Bridge struct {
	log            *zap.SugaredLogger
	connectTimeout time.Duration

	sess *session.Session
	mux  *Multiplexer
	subs *Registry
}

type bridgeConfig struct {
	log            *zap.SugaredLogger
	callTimeout    time.Duration
	connectTimeout time.Duration
	sessionOpts    []session.Option
}

type BridgeOption func(c *bridgeConfig)

func WithBridgeLogger(l *zap.SugaredLogger) BridgeOption {
	return func(c *bridgeConfig) {
		c.log = l
	}
}

func WithCallTimeout(d time.Duration) BridgeOption {
	return func(c *bridgeConfig) {
		c.callTimeout = d
	}
}

// WithConnectTimeout bounds the CONNECT handshake on each transport.
func WithConnectTimeout(d time.Duration) BridgeOption {
	return func(c *bridgeConfig) {
		c.connectTimeout = d
	}
}

func WithSessionOptions(opts ...session.Option) BridgeOption {
	return func(c *bridgeConfig) {
		c.sessionOpts = append(c.sessionOpts, opts...)
	}
}

func NewBridge(factory transport.Factory, opts ...BridgeOption) *Bridge {
	cfg := bridgeConfig{
		log:            zap.NewNop().Sugar(),
		connectTimeout: defaultConnectTimeout,
	}
	for _, o := range opts {
		o(&cfg)
	}

	b := &Bridge{
		log:            cfg.log.Named("bridge"),
		connectTimeout: cfg.connectTimeout,
	}
	sessionOpts := []session.Option{
		session.WithLogger(cfg.log),
		session.WithHandshake(b.handshake),
		session.WithReceiver(b.receive),
		session.WithRearm(func(ctx context.Context, send session.SendFunc) error {
			return b.subs.Rearm(ctx, send)
		}),
		session.OnTransportLost(func(gen uint64, cause error) {
			b.mux.TransportLost(gen, cause)
		}),
		session.OnClose(func() {
			b.mux.FailAll(session.ErrSessionClosed)
			b.subs.Clear()
		}),
	}
	b.sess = session.New(factory, append(sessionOpts, cfg.sessionOpts...)...)
	b.mux = NewMultiplexer(b.sess, WithTimeout(cfg.callTimeout), WithMultiplexerLogger(cfg.log))
	b.subs = NewRegistry(b.sess, cfg.log)
	return b
}

// Connect opens the session and completes the CONNECT handshake.
func (b *Bridge) Connect(ctx context.Context) error {
	return b.sess.Open(ctx, nil)
}

// handshake sends CONNECT and waits for CONNECT_SUCCESS or CONNECT_ERROR.
// Anything else that arrives first is discarded.
func (b *Bridge) handshake(ctx context.Context, t transport.Transport, _ []byte) error {
	if b.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.connectTimeout)
		defer cancel()
	}

	msg, err := envelope.EncodeRPC(envelope.Connect{})
	if err != nil {
		return err
	}
	if err := t.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending connect: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for connect reply: %w", ctx.Err())
		case ev, ok := <-t.Events():
			if !ok {
				return transport.ErrTransportClosed
			}
			switch e := ev.(type) {
			case transport.Closed:
				if e.Err != nil {
					return fmt.Errorf("%w: %v", transport.ErrTransportClosed, e.Err)
				}
				return transport.ErrTransportClosed
			case transport.Data:
				f, err := envelope.DecodeRPC(e.Payload)
				if err != nil {
					metrics.RecordDecodeError("rpc")
					b.log.Warnw("dropping undecodable frame during connect", "Error", err)
					continue
				}
				switch f := f.(type) {
				case envelope.ConnectSuccess:
					b.log.Debug("connected")
					return nil
				case envelope.ConnectError:
					return fmt.Errorf("%w: %s", ErrConnectRejected, f.Reason)
				default:
					b.log.Debugw("discarding frame before connect reply", "Type", f.Tag())
				}
			}
		}
	}
}

func (b *Bridge) receive(payload []byte) {
	f, err := envelope.DecodeRPC(payload)
	if err != nil {
		metrics.RecordDecodeError("rpc")
		b.log.Warnw("dropping undecodable frame", "Error", err)
		return
	}
	switch f := f.(type) {
	case envelope.Response:
		b.mux.HandleResponse(f)
	case envelope.Update:
		if !b.subs.Dispatch(f) {
			b.log.Debugw("dropping update for unknown subscription", "SubID", f.SubID)
		}
	default:
		b.log.Debugw("ignoring frame", "Type", f.Tag())
	}
}

func (b *Bridge) Call(ctx context.Context, path []string, args ...any) (json.RawMessage, error) {
	return b.mux.Call(ctx, path, args...)
}

func (b *Bridge) CallInto(ctx context.Context, out any, path []string, args ...any) error {
	return b.mux.CallInto(ctx, out, path, args...)
}

func (b *Bridge) Subscribe(ctx context.Context, path []string, callback func(result json.RawMessage)) (func(), error) {
	return b.subs.Subscribe(ctx, path, callback)
}

// Reconnect explicitly re-establishes a lost transport.
func (b *Bridge) Reconnect(ctx context.Context) error {
	return b.sess.Reconnect(ctx)
}

func (b *Bridge) Status() session.Status {
	return b.sess.Status()
}

func (b *Bridge) Session() *session.Session {
	return b.sess
}

func (b *Bridge) Pending() []int64 {
	return b.mux.Pending()
}

func (b *Bridge) Close() error {
	return b.sess.Close()
}
