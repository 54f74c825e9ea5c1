package session

import (
	"context"
	"sync"

	"github.com/smallnest/chanx"
	"go.uber.org/zap"
)

// Observer receives status transitions. It runs on a dedicated goroutine, never on the data path.
type Observer func(Transition)

// notifier fans transitions out to observers through an unbounded queue.
type notifier struct {
	log *zap.SugaredLogger

	mu        sync.Mutex
	nextID    int
	observers map[int]Observer
	stopped   bool

	queue *chanx.UnboundedChan[Transition]
	done  chan struct{}
}

func newNotifier(log *zap.SugaredLogger) *notifier {
	n := &notifier{
		log:       log,
		observers: map[int]Observer{},
		queue:     chanx.NewUnboundedChan[Transition](context.Background(), 4),
		done:      make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) add(o Observer) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.observers[id] = o
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.observers, id)
	}
}

func (n *notifier) publish(t Transition) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.queue.In <- t
}

// stop delivers whatever is queued and then ends the dispatch goroutine.
func (n *notifier) stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	close(n.queue.In)
	n.mu.Unlock()
}

func (n *notifier) run() {
	defer close(n.done)
	for t := range n.queue.Out {
		n.mu.Lock()
		observers := make([]Observer, 0, len(n.observers))
		for _, o := range n.observers {
			observers = append(observers, o)
		}
		n.mu.Unlock()

		for _, o := range observers {
			n.call(o, t)
		}
	}
}

func (n *notifier) call(o Observer, t Transition) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Warnw("status observer panicked", "From", t.From, "To", t.To, "Panic", r)
		}
	}()
	o(t)
}
