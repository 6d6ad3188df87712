// Package memstore implements message.Store in process memory.
package memstore

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/friendlyfeed/friendlyfeed/internal/message"
	"github.com/friendlyfeed/friendlyfeed/internal/message/event"
	"github.com/friendlyfeed/friendlyfeed/internal/message/pushkey"
)

type log struct {
	keys     []string
	messages map[string]message.Message
}

// Store keeps every log in memory. Writes are serialised under one lock, and
// changes are published while it is held, so subscribers see write order.
type Store struct {
	mu     sync.Mutex
	logs   map[string]*log
	keys   *pushkey.Generator
	hub    *event.Hub
	closed bool
	logger *slog.Logger
}

// New creates an empty in-memory store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logs:   map[string]*log{},
		keys:   pushkey.New(),
		hub:    event.NewHub(logger),
		logger: logger.With(slog.String("store", "memory")),
	}
}

// ReserveKey allocates the next key. Reserved keys need not be written.
func (s *Store) ReserveKey(_ context.Context, _ string) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", message.ErrStoreUnavailable
	}
	return s.keys.Next()
}

// Write creates or replaces the message at key.
func (s *Store) Write(ctx context.Context, scope, key string, msg message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return message.ErrStoreUnavailable
	}
	l := s.logFor(scope)
	s.put(scope, l, key, msg.Clone())
	return nil
}

// Update applies patch to the message at key.
func (s *Store) Update(ctx context.Context, scope, key string, patch message.Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return message.ErrStoreUnavailable
	}
	l := s.logs[scope]
	if l == nil {
		return message.ErrNotFound
	}
	current, ok := l.messages[key]
	if !ok {
		return message.ErrNotFound
	}
	s.put(scope, l, key, patch.Apply(current))
	return nil
}

// Remove deletes the message at key. Only maintenance paths use it.
func (s *Store) Remove(_ context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return message.ErrStoreUnavailable
	}
	l := s.logs[scope]
	if l == nil {
		return message.ErrNotFound
	}
	if _, ok := l.messages[key]; !ok {
		return message.ErrNotFound
	}
	delete(l.messages, key)
	i := sort.SearchStrings(l.keys, key)
	l.keys = append(l.keys[:i], l.keys[i+1:]...)
	s.hub.Publish(scope, message.Change{Type: message.ChangeRemoved, Key: key})
	return nil
}

// Subscribe replays the log of scope and then streams live changes.
func (s *Store) Subscribe(ctx context.Context, scope string) (message.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, message.ErrStoreUnavailable
	}
	return s.hub.Subscribe(ctx, scope, s.entries(scope))
}

// Get returns the message at key.
func (s *Store) Get(_ context.Context, scope, key string) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return message.Message{}, message.ErrStoreUnavailable
	}
	l := s.logs[scope]
	if l == nil {
		return message.Message{}, message.ErrNotFound
	}
	msg, ok := l.messages[key]
	if !ok {
		return message.Message{}, message.ErrNotFound
	}
	return msg.Clone(), nil
}

// List returns the log of scope ordered by key.
func (s *Store) List(_ context.Context, scope string) ([]message.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, message.ErrStoreUnavailable
	}
	return s.entries(scope), nil
}

// Close makes the store unavailable and ends every subscription with
// message.ErrStoreUnavailable, as a lost connection would.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.hub.Fail(message.ErrStoreUnavailable)
	return nil
}

func (s *Store) logFor(scope string) *log {
	l := s.logs[scope]
	if l == nil {
		l = &log{messages: map[string]message.Message{}}
		s.logs[scope] = l
	}
	return l
}

func (s *Store) put(scope string, l *log, key string, msg message.Message) {
	if _, exists := l.messages[key]; exists {
		l.messages[key] = msg
		s.hub.Publish(scope, message.Change{Type: message.ChangeChanged, Key: key, Message: msg})
		return
	}
	i := sort.SearchStrings(l.keys, key)
	l.keys = append(l.keys, "")
	copy(l.keys[i+1:], l.keys[i:])
	l.keys[i] = key
	l.messages[key] = msg
	prev := ""
	if i > 0 {
		prev = l.keys[i-1]
	}
	s.hub.Publish(scope, message.Change{Type: message.ChangeAdded, Key: key, Message: msg, PreviousKey: prev})
}

func (s *Store) entries(scope string) []message.Entry {
	l := s.logs[scope]
	if l == nil {
		return nil
	}
	out := make([]message.Entry, 0, len(l.keys))
	for _, key := range l.keys {
		out = append(out, message.Entry{Key: key, Message: l.messages[key].Clone()})
	}
	return out
}
