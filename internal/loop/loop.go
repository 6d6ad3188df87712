// Package loop provides the coordinating context: a single goroutine that runs
// posted functions one at a time, in the order they were posted. State owned
// by the loop needs no further locking as long as it is only touched from
// posted functions.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/friendlyfeed/friendlyfeed/internal/mailbox"
)

// ErrClosed is returned when work is posted to a closed loop.
var ErrClosed = errors.New("loop closed")

// Loop is a serial executor.
type Loop struct {
	box     *mailbox.Mailbox[func()]
	logger  *slog.Logger
	started atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// New creates a loop. Call Start or Run to begin executing posted work.
func New(log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		box:    mailbox.New[func()](),
		logger: log.With(slog.String("component", "loop")),
		done:   make(chan struct{}),
	}
}

// Start runs the loop on a new goroutine until ctx is done or Close is called.
func (l *Loop) Start(ctx context.Context) {
	if l.started.CompareAndSwap(false, true) {
		go l.run(ctx)
	}
}

// Run executes posted functions until ctx is done, or until Close is called
// and every function posted before it has run. Only the first call runs.
func (l *Loop) Run(ctx context.Context) {
	if l.started.CompareAndSwap(false, true) {
		l.run(ctx)
	}
}

func (l *Loop) run(ctx context.Context) {
	defer l.finish()
	for {
		fn, ok := l.box.Next(ctx)
		if !ok {
			return
		}
		l.exec(fn)
	}
}

// Post queues fn. It returns false if the loop no longer accepts work.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return true
	}
	return l.box.Put(fn)
}

// Call runs fn on the loop and waits for it to return.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every function posted before it has run.
func (l *Loop) Flush(ctx context.Context) error {
	return l.Call(ctx, func() {})
}

// Close stops accepting work and waits for queued functions to finish.
// It must not be called from a posted function.
func (l *Loop) Close() {
	l.box.Close()
	if !l.started.Load() {
		l.finish()
		return
	}
	<-l.done
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) finish() {
	l.once.Do(func() {
		l.box.Close()
		close(l.done)
	})
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("posted function panicked", slog.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}
