package message

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// WriteObserver is notified about store writes, e.g. for metrics.
type WriteObserver interface {
	MessageWritten(op string, msg Message)
	WriteFailed(op string, err error)
}

// Service wraps a Store driver with validation, logging and write observers.
// It implements Store itself, so components depend on the interface only.
type Service struct {
	store    Store
	logger   *slog.Logger
	observer WriteObserver
}

// NewService creates a message service over the given driver.
func NewService(log *slog.Logger, store Store, observers ...WriteObserver) *Service {
	if log == nil {
		log = slog.Default()
	}
	var observer WriteObserver
	if len(observers) > 0 {
		observer = observers[0]
	}
	return &Service{
		store:    store,
		logger:   log.With(slog.String("service", "message")),
		observer: observer,
	}
}

// Append reserves a key and writes msg at it, the way every new message enters a log.
func (s *Service) Append(ctx context.Context, scope string, msg Message) (string, error) {
	return Append(ctx, s, scope, msg)
}

// ReserveKey allocates the next key of scope.
func (s *Service) ReserveKey(ctx context.Context, scope string) (string, error) {
	if err := ValidateScope(scope); err != nil {
		return "", err
	}
	key, err := s.store.ReserveKey(ctx, scope)
	if err != nil {
		s.failed("reserve", scope, "", err)
		return "", err
	}
	return key, nil
}

// Write creates or replaces the message at key.
func (s *Service) Write(ctx context.Context, scope, key string, msg Message) error {
	if err := validate(scope, key); err != nil {
		return err
	}
	if strings.TrimSpace(msg.Author) == "" {
		return fmt.Errorf("message author is required")
	}
	if err := s.store.Write(ctx, scope, key, msg); err != nil {
		s.failed("write", scope, key, err)
		return err
	}
	s.logger.Debug("message written",
		slog.String("scope", scope),
		slog.String("key", key),
		slog.Bool("bot", msg.IsBot()),
		slog.Bool("placeholder", msg.IsPlaceholder()),
	)
	if s.observer != nil {
		s.observer.MessageWritten("write", msg)
	}
	return nil
}

// Update applies patch to the message at key.
func (s *Service) Update(ctx context.Context, scope, key string, patch Patch) error {
	if err := validate(scope, key); err != nil {
		return err
	}
	if patch.Empty() {
		return nil
	}
	if err := s.store.Update(ctx, scope, key, patch); err != nil {
		s.failed("update", scope, key, err)
		return err
	}
	s.logger.Debug("message updated", slog.String("scope", scope), slog.String("key", key))
	if s.observer != nil {
		s.observer.MessageWritten("update", patch.Apply(Message{}))
	}
	return nil
}

// Subscribe opens the change stream of scope.
func (s *Service) Subscribe(ctx context.Context, scope string) (Subscription, error) {
	if err := ValidateScope(scope); err != nil {
		return nil, err
	}
	sub, err := s.store.Subscribe(ctx, scope)
	if err != nil {
		s.failed("subscribe", scope, "", err)
		return nil, err
	}
	return sub, nil
}

// Get returns the message at key.
func (s *Service) Get(ctx context.Context, scope, key string) (Message, error) {
	if err := validate(scope, key); err != nil {
		return Message{}, err
	}
	return s.store.Get(ctx, scope, key)
}

// List returns the whole log of scope ordered by key.
func (s *Service) List(ctx context.Context, scope string) ([]Entry, error) {
	if err := ValidateScope(scope); err != nil {
		return nil, err
	}
	return s.store.List(ctx, scope)
}

// Close closes the underlying driver.
func (s *Service) Close() error {
	return s.store.Close()
}

func (s *Service) failed(op, scope, key string, err error) {
	s.logger.Warn("message store operation failed",
		slog.String("op", op),
		slog.String("scope", scope),
		slog.String("key", key),
		slog.Any("error", err),
	)
	if s.observer != nil {
		s.observer.WriteFailed(op, err)
	}
}

// Append reserves a key in scope and writes msg there.
func Append(ctx context.Context, w Writer, scope string, msg Message) (string, error) {
	key, err := w.ReserveKey(ctx, scope)
	if err != nil {
		return "", fmt.Errorf("reserve key: %w", err)
	}
	if err := w.Write(ctx, scope, key, msg); err != nil {
		return "", fmt.Errorf("write message: %w", err)
	}
	return key, nil
}

func validate(scope, key string) error {
	if err := ValidateScope(scope); err != nil {
		return err
	}
	return ValidateKey(key)
}
