package terminal

import (
	"context"
	"io"
	"sync"

	"github.com/guseggert/sessionbridge/envelope"
)

// EchoBackend starts processes that echo their input with basic line editing.
// It stands in for a shell when no real one is reachable.
type EchoBackend struct{}

func (EchoBackend) Start(ctx context.Context, hs envelope.Handshake) (Process, error) {
	r, w := io.Pipe()
	return &echoProcess{r: r, w: w, done: make(chan struct{})}, nil
}

type echoProcess struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu   sync.Mutex
	dims Dimensions

	closeOnce sync.Once
	done      chan struct{}
}

// echoed maps one input byte to what a line discipline would display.
func echoed(c byte) string {
	switch c {
	case '\r', '\n':
		return "\r\n"
	case 0x03:
		return "^C"
	case 0x7f, 0x08:
		// cursor left, then delete the character under it
		return "\x1b[D\x1b[P"
	default:
		return string([]byte{c})
	}
}

func (p *echoProcess) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *echoProcess) Write(b []byte) (int, error) {
	var out []byte
	for _, c := range b {
		out = append(out, echoed(c)...)
	}
	if _, err := p.w.Write(out); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *echoProcess) Resize(dims Dimensions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dims = dims
	return nil
}

func (p *echoProcess) Close() error {
	p.closeOnce.Do(func() {
		p.w.Close()
		close(p.done)
	})
	return nil
}

func (p *echoProcess) Wait() error {
	<-p.done
	return nil
}
