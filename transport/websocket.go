package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const DefaultReadLimit = 1 << 20

// WebSocket is a Transport over a single WebSocket connection.
type WebSocket struct {
	url         string
	log         *zap.SugaredLogger
	httpClient  *http.Client
	header      http.Header
	readLimit   int64
	compression websocket.CompressionMode

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	cancelRead context.CancelFunc
	events     *eventQueue
}

type WebSocketOption func(w *WebSocket)

// WithHTTPClient sets the client used for the opening handshake.
func WithHTTPClient(c *http.Client) WebSocketOption {
	return func(w *WebSocket) {
		w.httpClient = c
	}
}

func WithHeader(h http.Header) WebSocketOption {
	return func(w *WebSocket) {
		w.header = h
	}
}

func WithReadLimit(n int64) WebSocketOption {
	return func(w *WebSocket) {
		w.readLimit = n
	}
}

func WithLogger(l *zap.SugaredLogger) WebSocketOption {
	return func(w *WebSocket) {
		w.log = l.Named("websocket")
	}
}

func newWebSocket(url string, opts ...WebSocketOption) *WebSocket {
	w := &WebSocket{
		url:         url,
		log:         zap.NewNop().Sugar(),
		readLimit:   DefaultReadLimit,
		compression: websocket.CompressionContextTakeover,
		state:       StateConnecting,
		events:      newEventQueue(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// NewWebSocket returns an unopened transport for url. Call Open to dial.
func NewWebSocket(url string, opts ...WebSocketOption) *WebSocket {
	return newWebSocket(url, opts...)
}

func WebSocketFactory(url string, opts ...WebSocketOption) Factory {
	return func() Transport {
		return NewWebSocket(url, opts...)
	}
}

// AcceptWebSocket upgrades an HTTP request and returns an already open transport.
func AcceptWebSocket(rw http.ResponseWriter, r *http.Request, opts ...WebSocketOption) (*WebSocket, error) {
	w := newWebSocket(r.URL.String(), opts...)
	conn, err := websocket.Accept(rw, r, &websocket.AcceptOptions{
		CompressionMode: w.compression,
	})
	if err != nil {
		return nil, fmt.Errorf("accepting WebSocket conn: %w", err)
	}
	w.start(conn)
	return w, nil
}

func (w *WebSocket) Open(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateOpen:
		w.mu.Unlock()
		return nil
	case StateClosing, StateClosed:
		w.mu.Unlock()
		return ErrTransportClosed
	}
	w.mu.Unlock()

	w.log.Debugw("dialing WebSocket", "URL", w.url)
	conn, _, err := websocket.Dial(ctx, w.url, &websocket.DialOptions{
		HTTPClient:      w.httpClient,
		HTTPHeader:      w.header,
		CompressionMode: w.compression,
	})
	if err != nil {
		w.log.Debugf("dial error: %s", err)
		w.events.emit(Errored{Err: err})
		w.finish(err)
		return fmt.Errorf("dialing %s: %w", w.url, err)
	}

	w.mu.Lock()
	if w.state != StateConnecting {
		w.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		return ErrTransportClosed
	}
	w.mu.Unlock()
	w.start(conn)
	return nil
}

func (w *WebSocket) start(conn *websocket.Conn) {
	conn.SetReadLimit(w.readLimit)
	ctx, cancel := context.WithCancel(context.Background())

	w.mu.Lock()
	w.conn = conn
	w.cancelRead = cancel
	w.state = StateOpen
	w.mu.Unlock()

	w.events.emit(Opened{})
	go w.readLoop(ctx, conn)
}

func (w *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, b, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || w.State() == StateClosing {
				w.log.Debugw("WebSocket closed", "Status", status)
				w.finish(nil)
				return
			}
			w.log.Debugf("read error: %s", err)
			w.events.emit(Errored{Err: err})
			w.finish(err)
			return
		}
		w.events.emit(Data{Payload: b})
	}
}

func (w *WebSocket) finish(err error) {
	w.mu.Lock()
	w.state = StateClosed
	cancel := w.cancelRead
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.events.finish(err)
}

func (w *WebSocket) Send(ctx context.Context, payload []byte) error {
	w.mu.Lock()
	if w.state != StateOpen {
		w.mu.Unlock()
		return ErrNotConnected
	}
	conn := w.conn
	w.mu.Unlock()

	err := conn.Write(ctx, websocket.MessageText, payload)
	if err != nil {
		return fmt.Errorf("writing WebSocket message: %w", err)
	}
	return nil
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	switch w.state {
	case StateClosing, StateClosed:
		w.mu.Unlock()
		return nil
	case StateConnecting:
		w.state = StateClosed
		w.mu.Unlock()
		w.events.finish(nil)
		return nil
	}
	w.state = StateClosing
	conn := w.conn
	w.mu.Unlock()

	err := conn.Close(websocket.StatusNormalClosure, "")
	if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
		w.log.Debugf("error closing conn: %s", err)
		w.finish(nil)
		return fmt.Errorf("closing WebSocket conn: %w", err)
	}
	w.finish(nil)
	return nil
}

func (w *WebSocket) IsOpen() bool {
	return w.State() == StateOpen
}

func (w *WebSocket) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *WebSocket) Events() <-chan Event {
	return w.events.out()
}
