// Package chat drives a user's conversation: text sends are written to the
// message log and bridged to the completion service, image sends go through
// the attachment orchestrator.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/friendlyfeed/friendlyfeed/internal/attachment"
	"github.com/friendlyfeed/friendlyfeed/internal/completion"
	"github.com/friendlyfeed/friendlyfeed/internal/message"
	"github.com/friendlyfeed/friendlyfeed/internal/session"
	"github.com/friendlyfeed/friendlyfeed/internal/task"
)

// ErrEmptyText rejects sends whose text is blank.
var ErrEmptyText = errors.New("message text is empty")

// Replier produces bot replies in the background.
type Replier interface {
	Reply(ctx context.Context, sess session.Session, prompt string) *task.Future[completion.Reply]
}

// AttachmentSender runs the placeholder-then-fulfill protocol.
type AttachmentSender interface {
	Send(ctx context.Context, sess session.Session, res attachment.Resource) (*attachment.Upload, error)
}

// Store is what the chat service needs from the message store.
type Store interface {
	message.Writer
	message.Reader
}

// TextResult is the outcome of SendText.
type TextResult struct {
	Key string
	// Reply completes once the bot reply has been appended or dropped. It is
	// nil when no replier is configured.
	Reply *task.Future[completion.Reply]
}

// Service implements the chat control flow.
type Service struct {
	store       Store
	replier     Replier
	attachments AttachmentSender
	logger      *slog.Logger

	wg sync.WaitGroup
}

// NewService creates a chat service. replier may be nil to disable bot replies.
func NewService(log *slog.Logger, store Store, replier Replier, attachments AttachmentSender) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:       store,
		replier:     replier,
		attachments: attachments,
		logger:      log.With(slog.String("service", "chat")),
	}
}

// SendText writes the user's message and then asks the replier for a bot
// reply. The user message is written before the completion request is made.
func (s *Service) SendText(ctx context.Context, sess session.Session, text string) (TextResult, error) {
	if err := sess.Validate(); err != nil {
		return TextResult{}, err
	}
	if strings.TrimSpace(text) == "" {
		return TextResult{}, ErrEmptyText
	}
	key, err := message.Append(ctx, s.store, sess.Scope(), message.Message{
		Text:           message.String(text),
		Author:         sess.Author(),
		AuthorPhotoURL: sess.AuthorPhoto(),
	})
	if err != nil {
		return TextResult{}, fmt.Errorf("send text: %w", err)
	}
	res := TextResult{Key: key}
	if s.replier != nil {
		res.Reply = s.replier.Reply(ctx, sess, text)
		s.track(res.Reply.Done())
	}
	return res, nil
}

// SendImage writes a placeholder message for res and uploads it in the
// background.
func (s *Service) SendImage(ctx context.Context, sess session.Session, res attachment.Resource) (*attachment.Upload, error) {
	if s.attachments == nil {
		return nil, errors.New("attachments are not configured")
	}
	up, err := s.attachments.Send(ctx, sess, res)
	if err != nil {
		return up, fmt.Errorf("send image: %w", err)
	}
	s.track(up.Done())
	return up, nil
}

// History returns the user's log ordered by key.
func (s *Service) History(ctx context.Context, sess session.Session) ([]message.Entry, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	return s.store.List(ctx, sess.Scope())
}

// Wait blocks until background replies and uploads started by this service
// have finished, or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) track(done <-chan struct{}) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-done
	}()
}
