package handlers

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/friendlyfeed/friendlyfeed/internal/feed"
	"github.com/friendlyfeed/friendlyfeed/internal/loop"
	"github.com/friendlyfeed/friendlyfeed/internal/message"
	"github.com/friendlyfeed/friendlyfeed/internal/metrics"
	"github.com/friendlyfeed/friendlyfeed/internal/session"
)

const streamTypeError = string(feed.EventError)

// StreamEvent is the wire form of a feed event on the SSE and WebSocket
// endpoints. Type is a feed event kind, or "ping" for heartbeats.
type StreamEvent struct {
	Type     string           `json:"type"`
	Key      string           `json:"key,omitempty"`
	Message  *message.Message `json:"message,omitempty"`
	Index    int              `json:"index"`
	OldIndex *int             `json:"oldIndex,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func toStreamEvent(e feed.Event) StreamEvent {
	out := StreamEvent{Type: string(e.Kind), Key: e.Key, Index: e.Index}
	switch e.Kind {
	case feed.EventError:
		if e.Err != nil {
			out.Error = e.Err.Error()
		}
		return out
	case feed.EventMoved:
		old := e.OldIndex
		out.OldIndex = &old
	}
	msg := e.Message
	out.Message = &msg
	return out
}

// feedStream is one client's private feed: its own coordinating loop and
// feed over the user's log, exposed as a channel of wire events.
type feedStream struct {
	ID     string
	Events <-chan StreamEvent

	feed   *feed.Feed
	loop   *loop.Loop
	closed func()
}

// openStream starts a feed for sess. Events stop when ctx is done or Close
// is called.
func openStream(ctx context.Context, log *slog.Logger, source message.Subscriber, sess session.Session, m *metrics.Metrics) (*feedStream, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	log = log.With(slog.String("stream", id), slog.String("user_id", sess.ID()))

	l := loop.New(log)
	l.Start(ctx)
	f := feed.New(log, source, sess.Scope(), l)
	raw := f.Events(ctx)
	if err := f.Start(ctx); err != nil {
		l.Close()
		return nil, err
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		for e := range raw {
			m.OnFeedEvent(e)
			select {
			case out <- toStreamEvent(e):
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Debug("feed stream opened")
	return &feedStream{ID: id, Events: out, feed: f, loop: l, closed: m.StreamOpened()}, nil
}

// Close stops the feed and its loop.
func (s *feedStream) Close() {
	s.feed.Stop()
	s.loop.Close()
	s.closed()
}
