// Package pebblestore implements message.Store on an embedded Pebble database.
//
// Each message is stored as JSON under "<scope>/<key>". Pebble keeps keys
// sorted, so a prefix scan of a scope yields its log in key order.
package pebblestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/friendlyfeed/friendlyfeed/internal/message"
	"github.com/friendlyfeed/friendlyfeed/internal/message/event"
	"github.com/friendlyfeed/friendlyfeed/internal/message/pushkey"
)

// Options configures Open.
type Options struct {
	// InMemory keeps the database in memory; Path is then ignored.
	InMemory bool
}

// Store is a durable message store.
type Store struct {
	mu     sync.Mutex
	db     *pebble.DB
	keys   *pushkey.Generator
	hub    *event.Hub
	closed bool
	logger *slog.Logger
}

// Open opens or creates the database at path and seeds the key generator
// with the largest persisted key.
func Open(log *slog.Logger, path string, opts Options) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("store", "pebble"))

	pebbleOpts := &pebble.Options{}
	if opts.InMemory {
		pebbleOpts.FS = vfs.NewMem()
		path = ""
	}
	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		log.Error("pebble open failed", slog.String("path", path), slog.Any("error", err))
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	s := &Store{
		db:     db,
		keys:   pushkey.New(),
		hub:    event.NewHub(log),
		logger: log,
	}
	if err := s.seed(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("pebble opened", slog.String("path", path))
	return s, nil
}

func (s *Store) seed() error {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return fmt.Errorf("scan keys: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		k := string(iter.Key())
		i := strings.LastIndexByte(k, '/')
		if i < 0 {
			continue
		}
		if key := k[i+1:]; pushkey.Valid(key) {
			if err := s.keys.Observe(key); err != nil {
				return err
			}
		}
	}
	return iter.Error()
}

// ReserveKey allocates the next key.
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
	_, exists, err := s.get(scope, key)
	if err != nil {
		return err
	}
	return s.put(scope, key, msg, exists)
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
	current, exists, err := s.get(scope, key)
	if err != nil {
		return err
	}
	if !exists {
		return message.ErrNotFound
	}
	return s.put(scope, key, patch.Apply(current), true)
}

// Subscribe replays the log of scope and then streams live changes.
func (s *Store) Subscribe(ctx context.Context, scope string) (message.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, message.ErrStoreUnavailable
	}
	entries, err := s.scan(scope)
	if err != nil {
		return nil, err
	}
	return s.hub.Subscribe(ctx, scope, entries)
}

// Get returns the message at key.
func (s *Store) Get(_ context.Context, scope, key string) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return message.Message{}, message.ErrStoreUnavailable
	}
	msg, exists, err := s.get(scope, key)
	if err != nil {
		return message.Message{}, err
	}
	if !exists {
		return message.Message{}, message.ErrNotFound
	}
	return msg, nil
}

// List returns the log of scope ordered by key.
func (s *Store) List(_ context.Context, scope string) ([]message.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, message.ErrStoreUnavailable
	}
	return s.scan(scope)
}

// Close flushes and closes the database. Open subscriptions end with
// message.ErrStoreUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.db.Close()
	s.mu.Unlock()
	s.hub.Fail(message.ErrStoreUnavailable)
	if err != nil {
		return fmt.Errorf("close pebble: %w", err)
	}
	s.logger.Info("pebble closed")
	return nil
}

func dbKey(scope, key string) []byte {
	return []byte(scope + "/" + key)
}

func (s *Store) get(scope, key string) (message.Message, bool, error) {
	v, closer, err := s.db.Get(dbKey(scope, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return message.Message{}, false, nil
	}
	if err != nil {
		return message.Message{}, false, fmt.Errorf("%w: %v", message.ErrStoreUnavailable, err)
	}
	defer closer.Close()
	var msg message.Message
	if err := json.Unmarshal(v, &msg); err != nil {
		return message.Message{}, false, fmt.Errorf("decode message %s: %w", key, err)
	}
	return msg, true, nil
}

// put persists msg and publishes the change. Callers hold s.mu.
func (s *Store) put(scope, key string, msg message.Message, exists bool) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := s.db.Set(dbKey(scope, key), data, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", message.ErrStoreUnavailable, err)
	}
	if exists {
		s.hub.Publish(scope, message.Change{Type: message.ChangeChanged, Key: key, Message: msg})
		return nil
	}
	prev, err := s.previousKey(scope, key)
	if err != nil {
		return err
	}
	s.hub.Publish(scope, message.Change{Type: message.ChangeAdded, Key: key, Message: msg, PreviousKey: prev})
	return nil
}

func (s *Store) previousKey(scope, key string) (string, error) {
	prefix := []byte(scope + "/")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: dbKey(scope, key)})
	if err != nil {
		return "", err
	}
	defer iter.Close()
	if !iter.Last() {
		return "", iter.Error()
	}
	return string(bytes.TrimPrefix(iter.Key(), prefix)), nil
}

func (s *Store) scan(scope string) ([]message.Entry, error) {
	prefix := []byte(scope + "/")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", message.ErrStoreUnavailable, err)
	}
	defer iter.Close()
	var out []message.Entry
	for iter.First(); iter.Valid(); iter.Next() {
		var msg message.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", iter.Key(), err)
		}
		out = append(out, message.Entry{Key: string(bytes.TrimPrefix(iter.Key(), prefix)), Message: msg})
	}
	return out, iter.Error()
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
