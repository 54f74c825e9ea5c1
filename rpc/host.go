package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/guseggert/sessionbridge/envelope"
	"github.com/guseggert/sessionbridge/internal/metrics"
	"github.com/guseggert/sessionbridge/transport"
	"go.uber.org/zap"
)

// Handler answers one command. The result must be plain data.
type Handler func(ctx context.Context, args []json.RawMessage) (any, error)

// Publish sends one update to the subscriber of a topic.
type Publish func(ctx context.Context, result any) error

// Topic starts a feed for one subscription and returns the function that stops it.
// It runs on the connection's read loop and must not block.
type Topic func(ctx context.Context, publish Publish) (stop func(), err error)

// Host is the serving side of an RPC bridge. One Host can serve many transports.
type Host struct {
	log          *zap.SugaredLogger
	authorize    func(ctx context.Context) error
	defaultTopic string

	mu       sync.RWMutex
	handlers map[string]Handler
	topics   map[string]Topic
}

type HostOption func(h *Host)

func WithHostLogger(l *zap.SugaredLogger) HostOption {
	return func(h *Host) {
		h.log = l.Named("host")
	}
}

// WithAuthorize sets the check run on CONNECT. A non-nil error is sent back as CONNECT_ERROR.
func WithAuthorize(f func(ctx context.Context) error) HostOption {
	return func(h *Host) {
		h.authorize = f
	}
}

// WithDefaultTopic routes subscribe frames that carry no path.
func WithDefaultTopic(path []string) HostOption {
	return func(h *Host) {
		h.defaultTopic = pathKey(path)
	}
}

func NewHost(opts ...HostOption) *Host {
	h := &Host{
		log:      zap.NewNop().Sugar(),
		handlers: map[string]Handler{},
		topics:   map[string]Topic{},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func pathKey(path []string) string {
	return strings.Join(path, ".")
}

func (h *Host) Handle(path []string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[pathKey(path)] = fn
}

func (h *Host) HandleTopic(path []string, t Topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.topics[pathKey(path)] = t
}

func (h *Host) handler(key string) Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handlers[key]
}

func (h *Host) topic(key string) Topic {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if key == "" {
		key = h.defaultTopic
	}
	return h.topics[key]
}

// Serve answers frames arriving on t until it closes or ctx is done.
// Commands run concurrently, so responses may be sent out of order.
func (h *Host) Serve(ctx context.Context, t transport.Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	c := &hostConn{
		host:   h,
		t:      t,
		log:    h.log.With("Conn", uuid.New().String()),
		cancel: cancel,
		subs:   map[string]func(){},
	}
	defer c.shutdown()
	c.log.Debug("serving transport")

	for {
		select {
		case <-ctx.Done():
			t.Close()
			return ctx.Err()
		case ev, ok := <-t.Events():
			if !ok {
				c.log.Debug("transport closed")
				return nil
			}
			if d, isData := ev.(transport.Data); isData {
				c.handle(ctx, d.Payload)
			}
		}
	}
}

type hostConn struct {
	host *Host
	t    transport.Transport
	log  *zap.SugaredLogger
	// cancel ends the context handed to handlers and topics.
	cancel context.CancelFunc

	connected bool
	wg        sync.WaitGroup

	mu   sync.Mutex
	subs map[string]func()
}

// shutdown cancels in-flight handlers before waiting for them.
func (c *hostConn) shutdown() {
	c.cancel()
	c.mu.Lock()
	subs := c.subs
	c.subs = map[string]func(){}
	c.mu.Unlock()
	for _, stop := range subs {
		stop()
	}
	c.wg.Wait()
}

func (c *hostConn) send(ctx context.Context, f envelope.Frame) {
	b, err := envelope.EncodeRPC(f)
	if err != nil {
		c.log.Warnw("encoding frame", "Type", f.Tag(), "Error", err)
		return
	}
	if err := c.t.Send(ctx, b); err != nil {
		c.log.Debugw("sending frame", "Type", f.Tag(), "Error", err)
	}
}

func (c *hostConn) handle(ctx context.Context, payload []byte) {
	f, err := envelope.DecodeRPC(payload)
	if err != nil {
		metrics.RecordDecodeError("rpc")
		c.log.Warnw("dropping undecodable frame", "Error", err)
		return
	}

	switch f := f.(type) {
	case envelope.Connect:
		if c.host.authorize != nil {
			if err := c.host.authorize(ctx); err != nil {
				c.log.Debugw("rejecting connect", "Error", err)
				c.send(ctx, envelope.ConnectError{Reason: err.Error()})
				return
			}
		}
		c.connected = true
		c.send(ctx, envelope.ConnectSuccess{})
	case envelope.Command:
		if !c.connected {
			c.send(ctx, envelope.NewErrorResponse(f.ID, ErrNotConnected))
			return
		}
		c.wg.Add(1)
		go c.command(ctx, f)
	case envelope.Subscribe:
		if !c.connected {
			c.log.Debugw("dropping subscribe before connect", "SubID", f.SubID)
			return
		}
		c.subscribe(ctx, f)
	case envelope.Unsubscribe:
		c.unsubscribe(f.SubID)
	default:
		c.log.Debugw("ignoring frame", "Type", f.Tag())
	}
}

func (c *hostConn) command(ctx context.Context, cmd envelope.Command) {
	defer c.wg.Done()
	key := pathKey(cmd.Path)

	resp := c.invoke(ctx, key, cmd)
	metrics.RecordHostCommand(key, resp.Error == "")
	c.send(ctx, resp)
}

func (c *hostConn) invoke(ctx context.Context, key string, cmd envelope.Command) (resp envelope.Response) {
	fn := c.host.handler(key)
	if fn == nil {
		return envelope.NewErrorResponse(cmd.ID, fmt.Errorf("%w: %s", ErrUnknownPath, key))
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("handler panicked", "Path", key, "Panic", r)
			resp = envelope.NewErrorResponse(cmd.ID, fmt.Errorf("internal error in %s", key))
		}
	}()

	result, err := fn(ctx, cmd.Args)
	if err != nil {
		return envelope.NewErrorResponse(cmd.ID, err)
	}
	resp, err = envelope.NewResponse(cmd.ID, result)
	if err != nil {
		return envelope.NewErrorResponse(cmd.ID, err)
	}
	return resp
}

func (c *hostConn) subscribe(ctx context.Context, sub envelope.Subscribe) {
	key := pathKey(sub.Path)
	topic := c.host.topic(key)
	if topic == nil {
		c.log.Debugw("dropping subscribe for unknown topic", "SubID", sub.SubID, "Path", key)
		return
	}

	c.mu.Lock()
	if _, ok := c.subs[sub.SubID]; ok {
		c.mu.Unlock()
		c.log.Debugw("ignoring duplicate subscribe", "SubID", sub.SubID)
		return
	}
	c.subs[sub.SubID] = func() {}
	c.mu.Unlock()

	publish := func(ctx context.Context, result any) error {
		u, err := envelope.NewUpdate(sub.SubID, result)
		if err != nil {
			return err
		}
		b, err := envelope.EncodeRPC(u)
		if err != nil {
			return err
		}
		return c.t.Send(ctx, b)
	}

	stop, err := topic(ctx, publish)
	if err != nil {
		c.log.Warnw("starting topic", "SubID", sub.SubID, "Path", key, "Error", err)
		c.mu.Lock()
		delete(c.subs, sub.SubID)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if _, ok := c.subs[sub.SubID]; !ok {
		c.mu.Unlock()
		stop()
		return
	}
	c.subs[sub.SubID] = stop
	c.mu.Unlock()
	c.log.Debugw("subscribed", "SubID", sub.SubID, "Path", key)
}

func (c *hostConn) unsubscribe(subID string) {
	c.mu.Lock()
	stop, ok := c.subs[subID]
	delete(c.subs, subID)
	c.mu.Unlock()
	if ok {
		stop()
		c.log.Debugw("unsubscribed", "SubID", subID)
	}
}
