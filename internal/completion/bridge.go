package completion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/friendlyfeed/friendlyfeed/internal/message"
	"github.com/friendlyfeed/friendlyfeed/internal/session"
	"github.com/friendlyfeed/friendlyfeed/internal/task"
)

// Reply is the outcome of one bridged prompt.
type Reply struct {
	// Key of the appended bot message; empty when nothing was appended.
	Key      string
	Text     string
	Appended bool
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithTimeout bounds each completion call. Zero means unbounded.
func WithTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.timeout = d }
}

// WithSuppressEmpty skips appending replies that are empty after trimming.
func WithSuppressEmpty(suppress bool) BridgeOption {
	return func(b *Bridge) { b.suppressEmpty = suppress }
}

// WithResultHook observes every finished reply, e.g. for metrics.
func WithResultHook(hook func(Reply, error)) BridgeOption {
	return func(b *Bridge) { b.hook = hook }
}

// Bridge sends user text to a Completer and appends the answer as a new
// message authored by message.BotAuthor.
type Bridge struct {
	completer     Completer
	store         message.Writer
	logger        *slog.Logger
	timeout       time.Duration
	suppressEmpty bool
	hook          func(Reply, error)
}

// NewBridge creates a bridge appending replies through store.
func NewBridge(log *slog.Logger, completer Completer, store message.Writer, opts ...BridgeOption) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		completer: completer,
		store:     store,
		logger:    log.With(slog.String("service", "completion_bridge")),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Reply requests a completion for prompt in the background. Callers must have
// written the prompting message already: the reply's key is reserved only
// after the completion returns, so it sorts after the prompt. Cancelling ctx
// does not abort the call. A CompletionError appends nothing and is only
// logged.
func (b *Bridge) Reply(ctx context.Context, sess session.Session, prompt string) *task.Future[Reply] {
	scope := sess.Scope()
	return task.Go(context.WithoutCancel(ctx), func(ctx context.Context) (Reply, error) {
		reply, err := b.reply(ctx, scope, prompt)
		if b.hook != nil {
			b.hook(reply, err)
		}
		return reply, err
	})
}

func (b *Bridge) reply(ctx context.Context, scope, prompt string) (Reply, error) {
	callCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	text, err := b.completer.Complete(callCtx, prompt)
	if err != nil {
		b.logger.Warn("completion dropped", slog.String("scope", scope), slog.Any("error", err))
		return Reply{}, err
	}
	if text == "" && b.suppressEmpty {
		b.logger.Info("empty completion suppressed", slog.String("scope", scope))
		return Reply{}, nil
	}

	key, err := message.Append(ctx, b.store, scope, message.Message{
		Text:           message.String(text),
		Author:         message.BotAuthor,
		AuthorPhotoURL: message.String(message.BotAvatarURL),
	})
	if err != nil {
		b.logger.Warn("append bot reply failed", slog.String("scope", scope), slog.Any("error", err))
		return Reply{Text: text}, fmt.Errorf("append reply: %w", err)
	}
	b.logger.Debug("bot reply appended", slog.String("scope", scope), slog.String("key", key))
	return Reply{Key: key, Text: text, Appended: true}, nil
}
