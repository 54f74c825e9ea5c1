package transport

import (
	"context"
	"sync"
)

// Port is one end of an in-process message channel. Both ends are open from construction,
// and closing either end closes both.
type Port struct {
	mu     sync.Mutex
	state  State
	peer   *Port
	events *eventQueue
}

func NewPortPair() (*Port, *Port) {
	a := &Port{state: StateOpen, events: newEventQueue()}
	b := &Port{state: StateOpen, events: newEventQueue()}
	a.peer = b
	b.peer = a
	a.events.emit(Opened{})
	b.events.emit(Opened{})
	return a, b
}

// PortFactory returns a Factory whose transports are freshly created port pairs.
// The remote end of each pair is handed to accept on its own goroutine.
func PortFactory(accept func(remote *Port)) Factory {
	return func() Transport {
		local, remote := NewPortPair()
		go accept(remote)
		return local
	}
}

func (p *Port) Open(ctx context.Context) error {
	if p.IsOpen() {
		return nil
	}
	return ErrTransportClosed
}

func (p *Port) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.state != StateOpen {
		p.mu.Unlock()
		return ErrNotConnected
	}
	peer := p.peer
	p.mu.Unlock()

	b := make([]byte, len(payload))
	copy(b, payload)
	peer.events.emit(Data{Payload: b})
	return nil
}

func (p *Port) Close() error {
	p.closeEnd()
	p.peer.closeEnd()
	return nil
}

func (p *Port) closeEnd() {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = StateClosed
	p.mu.Unlock()
	p.events.finish(nil)
}

func (p *Port) IsOpen() bool {
	return p.State() == StateOpen
}

func (p *Port) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Port) Events() <-chan Event {
	return p.events.out()
}
