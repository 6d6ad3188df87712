// Package attachment sends image messages in two phases: a placeholder
// message is written first, then the bytes are uploaded in the background
// and the placeholder is updated with the resolved URL.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/friendlyfeed/friendlyfeed/internal/blob"
	"github.com/friendlyfeed/friendlyfeed/internal/message"
	"github.com/friendlyfeed/friendlyfeed/internal/session"
	"github.com/friendlyfeed/friendlyfeed/internal/task"
)

// ErrUploadFailed marks an attachment whose bytes could not be stored after
// its placeholder was committed, or whose placeholder could not be written.
var ErrUploadFailed = errors.New("attachment upload failed")

// State is the progress of one attachment send.
type State int

const (
	StateInit State = iota
	StatePlaceholderWritten
	StateUploading
	StateFulfilled
	StateUploadFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePlaceholderWritten:
		return "placeholder_written"
	case StateUploading:
		return "uploading"
	case StateFulfilled:
		return "fulfilled"
	case StateUploadFailed:
		return "upload_failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateFulfilled || s == StateUploadFailed
}

// TransitionListener observes state changes, e.g. for metrics.
type TransitionListener func(key string, from, to State, err error)

// Upload tracks one attachment send.
type Upload struct {
	key       string
	listeners []TransitionListener

	mu    sync.Mutex
	state State
	err   error

	result *task.Future[string]
}

// Key is the reserved message key, empty if reservation failed.
func (u *Upload) Key() string { return u.key }

// State returns the current state.
func (u *Upload) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Err returns the failure, if the upload failed.
func (u *Upload) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Done is closed once the upload reaches a terminal state.
func (u *Upload) Done() <-chan struct{} { return u.result.Done() }

// Wait blocks until the upload is terminal and returns the resolved URL.
func (u *Upload) Wait(ctx context.Context) (string, error) { return u.result.Wait(ctx) }

// Result is the future of the resolved URL, for delivery onto a loop.
func (u *Upload) Result() *task.Future[string] { return u.result }

func (u *Upload) transition(to State, err error) {
	u.mu.Lock()
	from := u.state
	u.state = to
	if err != nil {
		u.err = err
	}
	u.mu.Unlock()
	for _, l := range u.listeners {
		l(u.key, from, to, err)
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTimeout bounds the background upload. Zero means unbounded.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithListener adds a transition listener.
func WithListener(l TransitionListener) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.listeners = append(o.listeners, l)
		}
	}
}

// Orchestrator runs the placeholder-then-fulfill protocol.
type Orchestrator struct {
	store     message.Writer
	blobs     blob.Store
	logger    *slog.Logger
	timeout   time.Duration
	listeners []TransitionListener

	wg sync.WaitGroup
}

// New creates an orchestrator.
func New(log *slog.Logger, store message.Writer, blobs blob.Store, opts ...Option) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		store:  store,
		blobs:  blobs,
		logger: log.With(slog.String("service", "attachment")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Send writes a placeholder message for res and starts the upload without
// waiting for it. If the placeholder cannot be written the returned error
// wraps the store error (usually message.ErrStoreUnavailable), the upload is
// already in StateUploadFailed and no bytes are transferred. The Upload is
// returned in both cases.
func (o *Orchestrator) Send(ctx context.Context, sess session.Session, res Resource) (*Upload, error) {
	up := &Upload{listeners: o.listeners}
	if err := sess.Validate(); err != nil {
		up.transition(StateUploadFailed, err)
		up.result = task.Completed("", err)
		return up, err
	}
	scope := sess.Scope()

	key, err := o.store.ReserveKey(ctx, scope)
	if err != nil {
		return o.abort(up, fmt.Errorf("reserve placeholder key: %w", err))
	}
	up.key = key

	placeholder := message.Message{
		Author:         sess.Author(),
		AuthorPhotoURL: sess.AuthorPhoto(),
		ImageURL:       message.String(message.LoadingImageURL),
	}
	if err := o.store.Write(ctx, scope, key, placeholder); err != nil {
		return o.abort(up, fmt.Errorf("write placeholder: %w", err))
	}
	up.transition(StatePlaceholderWritten, nil)

	bg := context.WithoutCancel(ctx)
	path := ObjectPath(sess.ID(), key, res.Name())
	o.wg.Add(1)
	up.result = task.Go(bg, func(ctx context.Context) (string, error) {
		defer o.wg.Done()
		if o.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.timeout)
			defer cancel()
		}
		url, err := o.fulfill(ctx, up, scope, path, res)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrUploadFailed, err)
			o.logger.Warn("attachment upload failed; placeholder left in place",
				slog.String("scope", scope),
				slog.String("key", key),
				slog.Any("error", err),
			)
			up.transition(StateUploadFailed, err)
			return "", err
		}
		up.transition(StateFulfilled, nil)
		return url, nil
	})
	return up, nil
}

func (o *Orchestrator) fulfill(ctx context.Context, up *Upload, scope, path string, res Resource) (string, error) {
	up.transition(StateUploading, nil)
	r, err := res.Open(ctx)
	if err != nil {
		return "", fmt.Errorf("open resource: %w", err)
	}
	defer r.Close()

	handle, err := o.blobs.Upload(ctx, path, r)
	if err != nil {
		return "", err
	}
	url, err := o.blobs.ResolveURL(ctx, handle)
	if err != nil {
		return "", fmt.Errorf("resolve url: %w", err)
	}
	if err := o.store.Update(ctx, scope, up.key, message.Patch{ImageURL: message.String(url)}); err != nil {
		return "", fmt.Errorf("fulfill placeholder: %w", err)
	}
	o.logger.Info("attachment fulfilled", slog.String("scope", scope), slog.String("key", up.key), slog.String("url", url))
	return url, nil
}

func (o *Orchestrator) abort(up *Upload, err error) (*Upload, error) {
	o.logger.Warn("attachment placeholder not written", slog.Any("error", err))
	up.transition(StateUploadFailed, err)
	up.result = task.Completed("", err)
	return up, err
}

// Wait blocks until every background upload has finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
