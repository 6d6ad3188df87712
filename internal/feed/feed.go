// Package feed mirrors one user's message log as an ordered snapshot and
// notifies observers of every change.
//
// All snapshot mutation and observer notification happen on a single
// coordinating loop. Readers on other goroutines use Snapshot, Get and Len,
// which return copies.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/friendlyfeed/friendlyfeed/internal/mailbox"
	"github.com/friendlyfeed/friendlyfeed/internal/message"
	"github.com/friendlyfeed/friendlyfeed/internal/task"
)

// Feed is the client-side ordered view of one message log.
type Feed struct {
	source message.Subscriber
	scope  string
	poster task.Poster
	logger *slog.Logger

	// gen identifies the current subscription; changes tagged with an older
	// generation are dropped.
	gen atomic.Uint64

	stateMu sync.Mutex
	running bool
	sub     message.Subscription
	cancel  context.CancelFunc
	synced  chan struct{}

	mu      sync.RWMutex
	entries []message.Entry

	obsMu     sync.Mutex
	observers map[uint64]Observer
	nextObs   uint64

	// Loop-owned.
	reconciling bool
	seen        map[string]struct{}
}

// New creates a stopped feed over the log of scope. Changes are applied on
// poster, usually a loop.Loop; a nil poster applies them on the goroutine
// that reads the subscription.
func New(log *slog.Logger, source message.Subscriber, scope string, poster task.Poster) *Feed {
	if log == nil {
		log = slog.Default()
	}
	if poster == nil {
		poster = task.Inline
	}
	synced := make(chan struct{})
	return &Feed{
		source:    source,
		scope:     scope,
		poster:    poster,
		logger:    log.With(slog.String("component", "feed"), slog.String("scope", scope)),
		observers: map[uint64]Observer{},
		synced:    synced,
	}
}

// Start subscribes to the store and begins delivery. On the first start the
// store's replay arrives as inserted events. On a restart the replay is
// reconciled against the retained snapshot, so only differences are emitted.
// Start on a running feed is a no-op. The subscription lives until Stop,
// ctx is done, or the store connection is lost.
func (f *Feed) Start(ctx context.Context) error {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	if f.running {
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub, err := f.source.Subscribe(subCtx, f.scope)
	if err != nil {
		cancel()
		return err
	}
	gen := f.gen.Add(1)
	f.running = true
	f.sub = sub
	f.cancel = cancel
	synced := make(chan struct{})
	f.synced = synced

	if !f.poster.Post(func() { f.begin(gen) }) {
		f.halt()
		return errors.New("feed loop closed")
	}
	go f.pump(gen, sub, synced)
	f.logger.Debug("feed started", slog.Uint64("generation", gen))
	return nil
}

// Stop halts delivery and releases the subscription. The snapshot is kept.
func (f *Feed) Stop() {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	if !f.running {
		return
	}
	f.gen.Add(1)
	f.halt()
	f.logger.Debug("feed stopped")
}

// halt releases the current subscription. Callers hold stateMu.
func (f *Feed) halt() {
	f.running = false
	if f.sub != nil {
		f.sub.Close()
		f.sub = nil
	}
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}

// Running reports whether the feed is subscribed.
func (f *Feed) Running() bool {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.running
}

// Synced is closed once the store's replay for the latest Start has been
// applied.
func (f *Feed) Synced() <-chan struct{} {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.synced
}

// Observe registers o and returns a function that unregisters it.
func (f *Feed) Observe(o Observer) (cancel func()) {
	f.obsMu.Lock()
	id := f.nextObs
	f.nextObs++
	f.observers[id] = o
	f.obsMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.obsMu.Lock()
			delete(f.observers, id)
			f.obsMu.Unlock()
		})
	}
}

// Events returns a channel carrying every event until ctx is done. Slow
// readers do not lose events.
func (f *Feed) Events(ctx context.Context) <-chan Event {
	box := mailbox.New[Event]()
	out := make(chan Event)
	cancel := f.Observe(ObserverFunc(func(e Event) { box.Put(e) }))
	go func() {
		defer close(out)
		defer cancel()
		for {
			e, ok := box.Next(ctx)
			if !ok {
				return
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Snapshot returns a copy of the ordered entries.
func (f *Feed) Snapshot() []message.Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]message.Entry, len(f.entries))
	for i, e := range f.entries {
		out[i] = message.Entry{Key: e.Key, Message: e.Message.Clone()}
	}
	return out
}

// Get returns the message at key.
func (f *Feed) Get(key string) (message.Message, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if i := f.indexOf(key); i >= 0 {
		return f.entries[i].Message.Clone(), true
	}
	return message.Message{}, false
}

// Len returns the number of entries.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

func (f *Feed) pump(gen uint64, sub message.Subscription, synced chan struct{}) {
	for change := range sub.Events() {
		c := change
		if !f.poster.Post(func() { f.apply(gen, c, synced) }) {
			sub.Close()
			return
		}
	}
	err := sub.Err()
	f.poster.Post(func() { f.ended(gen, err) })
}

func (f *Feed) current(gen uint64) bool {
	return f.gen.Load() == gen
}

func (f *Feed) begin(gen uint64) {
	if !f.current(gen) {
		return
	}
	f.reconciling = true
	f.seen = map[string]struct{}{}
}

func (f *Feed) ended(gen uint64, err error) {
	f.stateMu.Lock()
	if !f.current(gen) || !f.running {
		f.stateMu.Unlock()
		return
	}
	f.halt()
	f.stateMu.Unlock()

	if err == nil || errors.Is(err, context.Canceled) {
		f.logger.Debug("feed subscription ended")
		return
	}
	f.logger.Warn("feed subscription lost", slog.Any("error", err))
	f.notify(Event{Kind: EventError, Err: err, Index: -1})
}

func (f *Feed) apply(gen uint64, c message.Change, synced chan struct{}) {
	if !f.current(gen) {
		return
	}
	switch c.Type {
	case message.ChangeAdded:
		if f.reconciling {
			f.seen[c.Key] = struct{}{}
		}
		f.added(c)
	case message.ChangeChanged:
		f.changed(c)
	case message.ChangeRemoved:
		f.removed(c.Key)
	case message.ChangeMoved:
		f.moved(c)
	case message.ChangeSynced:
		f.endReplay()
		select {
		case <-synced:
		default:
			close(synced)
		}
	default:
		f.logger.Warn("unknown change type", slog.String("type", string(c.Type)))
	}
}

func (f *Feed) added(c message.Change) {
	f.mu.Lock()
	if i := f.indexOf(c.Key); i >= 0 {
		if f.entries[i].Message.Equal(c.Message) {
			f.mu.Unlock()
			return
		}
		f.entries[i].Message = c.Message.Clone()
		f.mu.Unlock()
		f.notify(Event{Kind: EventUpdated, Key: c.Key, Message: c.Message, Index: i})
		return
	}
	i := f.insertPos(c.PreviousKey, c.Key)
	f.insertAt(i, message.Entry{Key: c.Key, Message: c.Message.Clone()})
	f.mu.Unlock()
	f.notify(Event{Kind: EventInserted, Key: c.Key, Message: c.Message, Index: i})
}

func (f *Feed) changed(c message.Change) {
	f.mu.Lock()
	i := f.indexOf(c.Key)
	if i < 0 {
		i = f.sortedPos(c.Key)
		f.insertAt(i, message.Entry{Key: c.Key, Message: c.Message.Clone()})
		f.mu.Unlock()
		f.notify(Event{Kind: EventInserted, Key: c.Key, Message: c.Message, Index: i})
		return
	}
	f.entries[i].Message = c.Message.Clone()
	f.mu.Unlock()
	f.notify(Event{Kind: EventUpdated, Key: c.Key, Message: c.Message, Index: i})
}

func (f *Feed) removed(key string) {
	f.mu.Lock()
	i := f.indexOf(key)
	if i < 0 {
		f.mu.Unlock()
		return
	}
	old := f.entries[i]
	f.entries = append(f.entries[:i], f.entries[i+1:]...)
	f.mu.Unlock()
	f.notify(Event{Kind: EventRemoved, Key: key, Message: old.Message, Index: i})
}

func (f *Feed) moved(c message.Change) {
	f.mu.Lock()
	from := f.indexOf(c.Key)
	if from < 0 {
		f.mu.Unlock()
		return
	}
	entry := f.entries[from]
	f.entries = append(f.entries[:from], f.entries[from+1:]...)
	to := f.insertPos(c.PreviousKey, c.Key)
	f.insertAt(to, entry)
	f.mu.Unlock()
	f.notify(Event{Kind: EventMoved, Key: c.Key, Message: entry.Message.Clone(), Index: to, OldIndex: from})
}

// endReplay removes entries the store no longer has once a restart replay
// is complete.
func (f *Feed) endReplay() {
	if !f.reconciling {
		return
	}
	seen := f.seen
	f.reconciling = false
	f.seen = nil

	var stale []string
	f.mu.RLock()
	for _, e := range f.entries {
		if _, ok := seen[e.Key]; !ok {
			stale = append(stale, e.Key)
		}
	}
	f.mu.RUnlock()
	for _, key := range stale {
		f.removed(key)
	}
}

func (f *Feed) notify(e Event) {
	f.obsMu.Lock()
	ids := make([]uint64, 0, len(f.observers))
	for id := range f.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	observers := make([]Observer, 0, len(ids))
	for _, id := range ids {
		observers = append(observers, f.observers[id])
	}
	f.obsMu.Unlock()

	for _, o := range observers {
		ev := e
		ev.Message = e.Message.Clone()
		o.OnFeedEvent(ev)
	}
}

// indexOf returns the position of key, or -1. Callers hold mu.
func (f *Feed) indexOf(key string) int {
	for i := range f.entries {
		if f.entries[i].Key == key {
			return i
		}
	}
	return -1
}

// insertPos places key right after prev, at the head when prev is empty,
// and by key order when prev is unknown. Callers hold mu.
func (f *Feed) insertPos(prev, key string) int {
	if prev == "" {
		return 0
	}
	if i := f.indexOf(prev); i >= 0 {
		return i + 1
	}
	return f.sortedPos(key)
}

func (f *Feed) sortedPos(key string) int {
	return sort.Search(len(f.entries), func(i int) bool { return f.entries[i].Key > key })
}

func (f *Feed) insertAt(i int, e message.Entry) {
	f.entries = append(f.entries, message.Entry{})
	copy(f.entries[i+1:], f.entries[i:])
	f.entries[i] = e
}
