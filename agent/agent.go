package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/guseggert/sessionbridge/internal/metrics"
	"github.com/guseggert/sessionbridge/rpc"
	"github.com/guseggert/sessionbridge/terminal"
	"github.com/guseggert/sessionbridge/transport"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Agent is an HTTP server exposing a PTY endpoint and an RPC bridge endpoint over WebSockets.
type Agent struct {
	logger *zap.SugaredLogger

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string

	backend terminal.Backend
	host    *rpc.Host

	httpServer     *http.Server
	terminalServer *terminal.Server
	listening      chan struct{}
	addr           net.Addr

	closeOnce     sync.Once
	closed        chan struct{}
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *Agent)

// WithHeartbeatTimeout sets how long the agent waits between heartbeats before calling the failure handler.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *Agent) {
		a.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithTerminalBackend sets what runs behind /terminal. The default is a local PTY.
func WithTerminalBackend(b terminal.Backend) Option {
	return func(a *Agent) {
		a.backend = b
	}
}

// WithHost sets the RPC host served on /bridge. The default serves an empty Directory.
func WithHost(h *rpc.Host) Option {
	return func(a *Agent) {
		a.host = h
	}
}

func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

func NewAgent(opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:           logger.Named("agent").Sugar(),
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:8080",
		backend:          &terminal.LocalBackend{},
		listening:        make(chan struct{}),
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.host == nil {
		a.host = rpc.NewHost(rpc.WithHostLogger(a.logger))
		rpc.NewDirectory(nil).Register(a.host)
	}
	a.terminalServer = terminal.NewServer(a.backend, terminal.WithServerLogger(a.logger))
	return a, nil
}

// startHeartbeatCheck calls the failure handler whenever no heartbeat arrived within the timeout.
func (a *Agent) startHeartbeatCheck() {
	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) && a.heartbeatFailureHandler != nil {
				a.heartbeatFailureHandler()
			}
		}
	}()
}

func (a *Agent) router() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/terminal", a.terminal)
	router.GET("/bridge", a.bridge)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	return router
}

func (a *Agent) runHTTPServer() error {
	if a.isClosed() {
		return nil
	}
	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	a.addr = listener.Addr()
	a.httpServer = &http.Server{Handler: a.router()}
	close(a.listening)
	a.logger.Debugw("listening", "Addr", a.addr.String())

	// Stop may have run between the check above and close(a.listening), in which case it did not see the server.
	if a.isClosed() {
		a.httpServer.Close()
		return nil
	}

	err = a.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *Agent) isClosed() bool {
	select {
	case <-a.closed:
		return true
	default:
		return false
	}
}

// Run runs the agent and returns once it has stopped. Run after Stop returns nil without listening.
func (a *Agent) Run() error {
	metrics.RegisterMetrics()
	a.startHeartbeatCheck()
	return a.runHTTPServer()
}

// Addr blocks until the agent is listening and returns its address.
func (a *Agent) Addr() net.Addr {
	<-a.listening
	return a.addr
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (a *Agent) terminal(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.terminalServer.ServeHTTP(w, r)
}

func (a *Agent) bridge(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ws, err := transport.AcceptWebSocket(w, r, transport.WithLogger(a.logger))
	if err != nil {
		a.logger.Debugf("bridge WebSocket accept error: %s", err)
		return
	}
	if err := a.host.Serve(r.Context(), ws); err != nil {
		a.logger.Debugw("bridge connection ended", "Error", err)
	}
}

func (a *Agent) Stop() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		select {
		case <-a.listening:
			err = a.httpServer.Close()
		default:
		}
	})
	return err
}
