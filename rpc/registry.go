package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/guseggert/sessionbridge/envelope"
	"github.com/guseggert/sessionbridge/session"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const defaultUnsubscribeTimeout = 5 * time.Second

type subscription struct {
	id       string
	path     []string
	callback func(result json.RawMessage)
}

// Registry routes bridge-updates to the callback of the subscription they belong to.
// Registrations survive reconnection and are re-announced on each new transport.
type Registry struct {
	log    *zap.SugaredLogger
	sender Sender

	mu   sync.Mutex
	subs map[string]*subscription
}

func NewRegistry(sender Sender, log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		log:    log.Named("registry"),
		sender: sender,
		subs:   map[string]*subscription{},
	}
}

// newSubID derives an id from the current time and randomness.
func newSubID() string {
	return "sub-" + ulid.Make().String()
}

// Subscribe registers callback for updates on path and announces it to the peer.
// The returned function unsubscribes; calling it more than once is harmless.
func (r *Registry) Subscribe(ctx context.Context, path []string, callback func(result json.RawMessage)) (func(), error) {
	sub := &subscription{id: newSubID(), path: path, callback: callback}
	b, err := envelope.EncodeRPC(envelope.Subscribe{SubID: sub.id, Path: path})
	if err != nil {
		return nil, err
	}

	// Registered before sending so an immediate first update is not lost.
	r.mu.Lock()
	r.subs[sub.id] = sub
	r.mu.Unlock()

	if err := r.sender.Write(ctx, b); err != nil {
		r.remove(sub.id)
		return nil, fmt.Errorf("sending subscribe: %w", err)
	}
	r.log.Debugw("subscribed", "SubID", sub.id, "Path", path)

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(sub.id) })
	}, nil
}

func (r *Registry) unsubscribe(id string) {
	if !r.remove(id) {
		return
	}
	b, err := envelope.EncodeRPC(envelope.Unsubscribe{SubID: id})
	if err != nil {
		r.log.Warnw("encoding unsubscribe", "SubID", id, "Error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultUnsubscribeTimeout)
	defer cancel()
	if err := r.sender.TryWrite(ctx, b); err != nil {
		r.log.Debugw("unsubscribe not sent", "SubID", id, "Error", err)
	}
}

func (r *Registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return false
	}
	delete(r.subs, id)
	return true
}

// Dispatch delivers u to its subscription and reports whether one matched.
func (r *Registry) Dispatch(u envelope.Update) bool {
	r.mu.Lock()
	sub, ok := r.subs[u.SubID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Errorw("subscription callback panicked", "SubID", u.SubID, "Panic", rec)
		}
	}()
	sub.callback(u.Result)
	return true
}

// Rearm re-announces every retained subscription, oldest first.
func (r *Registry) Rearm(ctx context.Context, send session.SendFunc) error {
	r.mu.Lock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	for _, s := range subs {
		b, err := envelope.EncodeRPC(envelope.Subscribe{SubID: s.id, Path: s.path})
		if err != nil {
			return err
		}
		if err := send(ctx, b); err != nil {
			return fmt.Errorf("re-announcing subscription %s: %w", s.id, err)
		}
	}
	if len(subs) > 0 {
		r.log.Debugw("re-announced subscriptions", "Count", len(subs))
	}
	return nil
}

// Clear drops every subscription without notifying the peer.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = map[string]*subscription{}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
