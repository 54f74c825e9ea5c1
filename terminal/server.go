package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/guseggert/sessionbridge/envelope"
	"github.com/guseggert/sessionbridge/internal/metrics"
	"github.com/guseggert/sessionbridge/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	outputBufferSize        = 32 * 1024
)

var ErrNoHandshake = errors.New("terminal: transport closed before handshake")

// Process is a running program attached to a terminal.
type Process interface {
	io.ReadWriter
	Resize(dims Dimensions) error
	// Close stops the process and releases its terminal.
	Close() error
	// Wait blocks until the process exits.
	Wait() error
}

// Backend starts the program described by a handshake.
type Backend interface {
	Start(ctx context.Context, hs envelope.Handshake) (Process, error)
}

// Server runs one Process per transport, for as long as the transport stays open.
type Server struct {
	log              *zap.SugaredLogger
	backend          Backend
	handshakeTimeout time.Duration
}

type ServerOption func(s *Server)

func WithServerLogger(l *zap.SugaredLogger) ServerOption {
	return func(s *Server) {
		s.log = l.Named("terminal_server")
	}
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.handshakeTimeout = d
	}
}

func NewServer(backend Backend, opts ...ServerOption) *Server {
	s := &Server{
		log:              zap.NewNop().Sugar(),
		backend:          backend,
		handshakeTimeout: defaultHandshakeTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := transport.AcceptWebSocket(w, r, transport.WithLogger(s.log))
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	if err := s.Serve(r.Context(), ws); err != nil {
		s.log.Debugw("terminal session ended", "Error", err)
	}
}

// Serve waits for the handshake on t, starts the process and relays until either side ends.
func (s *Server) Serve(ctx context.Context, t transport.Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer t.Close()
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()
	log := s.log.With("Session", uuid.New().String())

	hs, rest, err := s.readHandshake(ctx, t)
	if err != nil {
		return err
	}
	log.Debugw("got handshake", "Cmd", hs.Cmd, "Columns", hs.Width, "Rows", hs.Height)

	proc, err := s.backend.Start(ctx, hs)
	if err != nil {
		_ = s.sendOutput(ctx, t, fmt.Sprintf("failed to start %v: %s\r\n", hs.Cmd, err))
		return fmt.Errorf("starting process: %w", err)
	}
	defer proc.Close()
	metrics.TerminalStarted()
	defer metrics.TerminalStopped()

	var g errgroup.Group
	g.Go(func() error {
		s.relayOutput(ctx, log, t, proc)
		return nil
	})
	g.Go(func() error {
		defer proc.Close()
		s.relayInput(log, t, proc, rest)
		return nil
	})
	err = g.Wait()
	log.Debug("terminal session done")
	return err
}

// relayInput applies inbound frames to proc until the transport closes.
func (s *Server) relayInput(log *zap.SugaredLogger, t transport.Transport, proc Process, pending []envelope.StreamMessage) {
	for _, msg := range pending {
		s.apply(log, proc, msg)
	}
	for ev := range t.Events() {
		d, ok := ev.(transport.Data)
		if !ok {
			continue
		}
		msgs, errs := envelope.DecodeStreamChunk(d.Payload)
		for _, err := range errs {
			metrics.RecordDecodeError("stream")
			log.Warnw("dropping malformed stream frame", "Error", err)
		}
		for _, msg := range msgs {
			s.apply(log, proc, msg)
		}
	}
	log.Debug("transport closed")
}

// readHandshake returns the handshake and whatever arrived after it in the same chunk.
func (s *Server) readHandshake(ctx context.Context, t transport.Transport) (envelope.Handshake, []envelope.StreamMessage, error) {
	if s.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.handshakeTimeout)
		defer cancel()
	}
	for {
		select {
		case <-ctx.Done():
			return envelope.Handshake{}, nil, fmt.Errorf("waiting for handshake: %w", ctx.Err())
		case ev, ok := <-t.Events():
			if !ok {
				return envelope.Handshake{}, nil, ErrNoHandshake
			}
			d, isData := ev.(transport.Data)
			if !isData {
				continue
			}
			msgs, errs := envelope.DecodeStreamChunk(d.Payload)
			for _, err := range errs {
				metrics.RecordDecodeError("stream")
				s.log.Warnw("dropping malformed stream frame", "Error", err)
			}
			for i, msg := range msgs {
				if hs, ok := msg.(envelope.Handshake); ok {
					if len(hs.Cmd) == 0 {
						hs.Cmd = DefaultCommand()
					}
					return hs, msgs[i+1:], nil
				}
				s.log.Debugw("discarding frame before handshake", "Frame", msg)
			}
		}
	}
}

func (s *Server) apply(log *zap.SugaredLogger, proc Process, msg envelope.StreamMessage) {
	var err error
	switch m := msg.(type) {
	case envelope.StreamFrame:
		if m.Kind != envelope.KindInput {
			return
		}
		_, err = io.WriteString(proc, m.Data)
	case envelope.Resize:
		err = proc.Resize(Dimensions{Columns: m.Width, Rows: m.Height})
	case envelope.Handshake:
		// a replayed handshake on a live process only changes its size
		err = proc.Resize(Dimensions{Columns: m.Width, Rows: m.Height})
	}
	if err != nil {
		log.Debugw("applying frame", "Error", err)
	}
}

// relayOutput streams process output until the process ends, then closes the transport.
func (s *Server) relayOutput(ctx context.Context, log *zap.SugaredLogger, t transport.Transport, proc Process) {
	defer t.Close()
	defer proc.Close()
	buf := make([]byte, outputBufferSize)
	var carry []byte
	for {
		n, err := proc.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			var complete []byte
			complete, carry = splitUTF8(data)
			carry = append([]byte(nil), carry...)
			if len(complete) > 0 {
				if sendErr := s.sendOutput(ctx, t, string(complete)); sendErr != nil {
					log.Debugw("sending output", "Error", sendErr)
					return
				}
			}
		}
		if err != nil {
			if len(carry) > 0 {
				_ = s.sendOutput(ctx, t, string(carry))
			}
			if !errors.Is(err, io.EOF) {
				log.Debugw("reading process output", "Error", err)
			}
			log.Debugw("process exited", "Error", proc.Wait())
			return
		}
	}
}

func (s *Server) sendOutput(ctx context.Context, t transport.Transport, data string) error {
	b, err := envelope.EncodeStream(envelope.OutputFrame(0, data))
	if err != nil {
		return err
	}
	return t.Send(ctx, b)
}

// splitUTF8 splits b before a trailing incomplete UTF-8 sequence, if there is one.
func splitUTF8(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return b[:i], b[i:]
		}
		break
	}
	return b, nil
}
