// Package event fans store changes out to per-scope subscriptions.
// Delivery is lossless and ordered: every subscription sees the changes of
// its scope in exactly the order they were published.
package event

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/friendlyfeed/friendlyfeed/internal/mailbox"
	"github.com/friendlyfeed/friendlyfeed/internal/message"
)

// ErrHubClosed is reported by subscriptions ended through Close.
var ErrHubClosed = errors.New("event hub closed")

// Hub routes changes to subscriptions by scope.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[*subscription]struct{}
	failErr error
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		subs:   map[string]map[*subscription]struct{}{},
		logger: log.With(slog.String("component", "event_hub")),
	}
}

// Subscribe registers a subscription for scope. The replay entries are queued
// as added changes, oldest first, followed by a synced marker. Callers that
// publish must hold the lock that serialises their writes while calling
// Subscribe, so no change is lost or duplicated between replay and live.
func (h *Hub) Subscribe(ctx context.Context, scope string, replay []message.Entry) (message.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failErr != nil {
		return nil, h.failErr
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		hub:    h,
		scope:  scope,
		box:    mailbox.New[message.Change](),
		out:    make(chan message.Change),
		cancel: cancel,
	}
	prev := ""
	for _, entry := range replay {
		sub.box.Put(message.Change{
			Type:        message.ChangeAdded,
			Key:         entry.Key,
			Message:     entry.Message.Clone(),
			PreviousKey: prev,
		})
		prev = entry.Key
	}
	sub.box.Put(message.Change{Type: message.ChangeSynced})

	if h.subs[scope] == nil {
		h.subs[scope] = map[*subscription]struct{}{}
	}
	h.subs[scope][sub] = struct{}{}
	go sub.pump(subCtx)
	return sub, nil
}

// Publish queues change on every subscription of scope.
func (h *Hub) Publish(scope string, change message.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[scope] {
		c := change
		c.Message = change.Message.Clone()
		sub.box.Put(c)
	}
}

// Count returns the number of live subscriptions of scope.
func (h *Hub) Count(scope string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[scope])
}

// Fail ends every subscription with err after its queued changes are
// delivered. Later Subscribe calls return err.
func (h *Hub) Fail(err error) {
	if err == nil {
		err = message.ErrStoreUnavailable
	}
	h.mu.Lock()
	if h.failErr == nil {
		h.failErr = err
	}
	subs := h.subs
	h.subs = map[string]map[*subscription]struct{}{}
	h.mu.Unlock()

	n := 0
	for _, set := range subs {
		for sub := range set {
			sub.terminate(err)
			n++
		}
	}
	if n > 0 {
		h.logger.Warn("subscriptions terminated", slog.Int("count", n), slog.Any("error", err))
	}
}

// Close ends every subscription with ErrHubClosed.
func (h *Hub) Close() {
	h.Fail(ErrHubClosed)
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.scope]
	if set == nil {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.scope)
	}
}

type subscription struct {
	hub    *Hub
	scope  string
	box    *mailbox.Mailbox[message.Change]
	out    chan message.Change
	cancel context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *subscription) Events() <-chan message.Change {
	return s.out
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.hub.remove(s)
	s.box.Close()
	s.cancel()
}

// terminate keeps queued changes deliverable and records err for Err.
func (s *subscription) terminate(err error) {
	s.mu.Lock()
	if !s.closed && s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.box.Close()
}

func (s *subscription) pump(ctx context.Context) {
	defer close(s.out)
	for {
		change, ok := s.box.Next(ctx)
		if !ok {
			break
		}
		select {
		case s.out <- change:
		case <-ctx.Done():
			s.finish(ctx)
			return
		}
	}
	s.finish(ctx)
}

func (s *subscription) finish(ctx context.Context) {
	s.mu.Lock()
	if !s.closed && s.err == nil && ctx.Err() != nil {
		s.err = ctx.Err()
	}
	s.mu.Unlock()
	s.hub.remove(s)
	s.box.Close()
	s.cancel()
}
