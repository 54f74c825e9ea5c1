package transport

import (
	"context"
	"sync"

	"github.com/smallnest/chanx"
)

// eventQueue is an unbounded event channel, so a transport never blocks on a slow consumer.
type eventQueue struct {
	mu       sync.Mutex
	finished bool
	ch       *chanx.UnboundedChan[Event]
}

func newEventQueue() *eventQueue {
	return &eventQueue{ch: chanx.NewUnboundedChan[Event](context.Background(), 8)}
}

func (q *eventQueue) emit(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return
	}
	q.ch.In <- ev
}

// finish emits the terminal Closed event once and closes the channel.
func (q *eventQueue) finish(err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return false
	}
	q.finished = true
	q.ch.In <- Closed{Err: err}
	close(q.ch.In)
	return true
}

func (q *eventQueue) out() <-chan Event {
	return q.ch.Out
}
