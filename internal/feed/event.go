package feed

import "github.com/friendlyfeed/friendlyfeed/internal/message"

// EventKind classifies a feed event.
type EventKind string

const (
	EventInserted EventKind = "inserted"
	EventUpdated  EventKind = "updated"
	EventRemoved  EventKind = "removed"
	EventMoved    EventKind = "moved"
	// EventError is terminal: the feed has stopped and will not reconnect.
	EventError EventKind = "error"
)

// Event describes one change to the feed snapshot. Index is the position of
// Key after the change (before it, for removals). OldIndex is set for moves.
type Event struct {
	Kind     EventKind       `json:"kind"`
	Key      string          `json:"key,omitempty"`
	Message  message.Message `json:"message"`
	Index    int             `json:"index"`
	OldIndex int             `json:"oldIndex,omitempty"`
	Err      error           `json:"-"`
}

// Observer receives feed events on the feed's coordinating loop. It must not
// block for long; events of one feed are delivered one at a time.
type Observer interface {
	OnFeedEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnFeedEvent calls fn(e).
func (fn ObserverFunc) OnFeedEvent(e Event) {
	fn(e)
}
