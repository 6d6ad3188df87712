package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/friendlyfeed/friendlyfeed/internal/loop"
	"github.com/friendlyfeed/friendlyfeed/internal/mailbox"
	"github.com/friendlyfeed/friendlyfeed/internal/message"
	"github.com/friendlyfeed/friendlyfeed/internal/message/memstore"
)

const (
	timeout = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder collects events delivered on the loop.
type recorder struct {
	box *mailbox.Mailbox[Event]
}

func newRecorder(f *Feed) *recorder {
	r := &recorder{box: mailbox.New[Event]()}
	f.Observe(ObserverFunc(func(e Event) { r.box.Put(e) }))
	return r
}

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e, ok := r.box.Next(ctx)
	require.True(t, ok, "timed out waiting for feed event")
	return e
}

func (r *recorder) pending() int {
	return r.box.Len()
}

type fixture struct {
	store *memstore.Store
	loop  *loop.Loop
	feed  *Feed
	rec   *recorder
	scope string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := loop.New(nil)
	l.Start(context.Background())
	store := memstore.New(nil)
	scope := message.Scope("u1")
	f := New(nil, store, scope, l)
	fx := &fixture{store: store, loop: l, feed: f, rec: newRecorder(f), scope: scope}
	t.Cleanup(func() {
		f.Stop()
		l.Close()
		_ = store.Close()
	})
	return fx
}

func (fx *fixture) append(t *testing.T, text string) string {
	t.Helper()
	key, err := message.Append(context.Background(), fx.store, fx.scope, message.Message{Author: "ada", Text: message.String(text)})
	require.NoError(t, err)
	return key
}

func (fx *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, fx.feed.Start(context.Background()))
	select {
	case <-fx.feed.Synced():
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not sync")
	}
	require.NoError(t, fx.loop.Flush(context.Background()))
}

func keys(entries []message.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}

func TestSnapshotOrderMatchesWriteOrder(t *testing.T) {
	fx := newFixture(t)
	fx.start(t)

	var written []string
	for i := 0; i < 20; i++ {
		written = append(written, fx.append(t, "m"))
	}
	for i := range written {
		e := fx.rec.next(t)
		assert.Equal(t, EventInserted, e.Kind)
		assert.Equal(t, written[i], e.Key)
		assert.Equal(t, i, e.Index)
	}
	assert.Equal(t, written, keys(fx.feed.Snapshot()))
}

func TestStartReplaysExistingEntriesOldestFirst(t *testing.T) {
	fx := newFixture(t)
	a := fx.append(t, "a")
	b := fx.append(t, "b")

	fx.start(t)
	first := fx.rec.next(t)
	second := fx.rec.next(t)
	assert.Equal(t, []string{a, b}, []string{first.Key, second.Key})
	assert.Equal(t, EventInserted, first.Kind)
	assert.Equal(t, 0, fx.rec.pending())
}

func TestRoundTripFieldEquality(t *testing.T) {
	fx := newFixture(t)
	fx.start(t)

	msg := message.Message{Text: message.String("hi"), Author: "ada", AuthorPhotoURL: message.String("https://p/ada.png")}
	key, err := message.Append(context.Background(), fx.store, fx.scope, msg)
	require.NoError(t, err)
	fx.rec.next(t)

	got, ok := fx.feed.Get(key)
	require.True(t, ok)
	assert.True(t, msg.Equal(got))
}

func TestUpdateKeepsPosition(t *testing.T) {
	fx := newFixture(t)
	a := fx.append(t, "a")
	fx.append(t, "b")
	fx.start(t)
	fx.rec.next(t)
	fx.rec.next(t)

	require.NoError(t, fx.store.Update(context.Background(), fx.scope, a, message.Patch{Text: message.String("a2")}))
	e := fx.rec.next(t)
	assert.Equal(t, EventUpdated, e.Kind)
	assert.Equal(t, 0, e.Index)
	assert.Equal(t, "a2", *e.Message.Text)
	assert.Equal(t, a, fx.feed.Snapshot()[0].Key)
}

func TestRestartWithoutMutationEmitsNothing(t *testing.T) {
	fx := newFixture(t)
	fx.append(t, "a")
	fx.append(t, "b")
	fx.start(t)
	fx.rec.next(t)
	fx.rec.next(t)
	before := fx.feed.Snapshot()

	fx.feed.Stop()
	fx.start(t)

	assert.Equal(t, 0, fx.rec.pending())
	assert.Equal(t, before, fx.feed.Snapshot())
}

func TestRestartReconcilesChangesMadeWhileStopped(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	a := fx.append(t, "a")
	b := fx.append(t, "b")
	fx.start(t)
	fx.rec.next(t)
	fx.rec.next(t)

	fx.feed.Stop()
	require.NoError(t, fx.store.Update(ctx, fx.scope, a, message.Patch{Text: message.String("a2")}))
	require.NoError(t, fx.store.Remove(ctx, fx.scope, b))
	c := fx.append(t, "c")
	fx.start(t)

	updated := fx.rec.next(t)
	assert.Equal(t, EventUpdated, updated.Kind)
	assert.Equal(t, a, updated.Key)
	inserted := fx.rec.next(t)
	assert.Equal(t, EventInserted, inserted.Kind)
	assert.Equal(t, c, inserted.Key)
	removed := fx.rec.next(t)
	assert.Equal(t, EventRemoved, removed.Kind)
	assert.Equal(t, b, removed.Key)
	assert.Equal(t, 0, fx.rec.pending())

	assert.Equal(t, []string{a, c}, keys(fx.feed.Snapshot()))
}

func TestStopHaltsDelivery(t *testing.T) {
	fx := newFixture(t)
	fx.start(t)
	fx.feed.Stop()
	assert.False(t, fx.feed.Running())

	fx.append(t, "after stop")
	require.NoError(t, fx.loop.Flush(context.Background()))
	assert.Equal(t, 0, fx.rec.pending())
	assert.Equal(t, 0, fx.feed.Len())
}

func TestStoreLossIsTerminalError(t *testing.T) {
	fx := newFixture(t)
	fx.start(t)

	require.NoError(t, fx.store.Close())
	e := fx.rec.next(t)
	assert.Equal(t, EventError, e.Kind)
	assert.ErrorIs(t, e.Err, message.ErrStoreUnavailable)
	assert.Eventually(t, func() bool { return !fx.feed.Running() }, timeout, tick)
}

func TestEventsChannel(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	events := fx.feed.Events(ctx)
	fx.start(t)

	key := fx.append(t, "x")
	select {
	case e := <-events:
		assert.Equal(t, key, e.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("no event on channel")
	}
	cancel()
	for range events {
	}
}

func TestObserverCancel(t *testing.T) {
	fx := newFixture(t)
	count := 0
	cancel := fx.feed.Observe(ObserverFunc(func(Event) { count++ }))
	fx.start(t)
	fx.append(t, "one")
	fx.rec.next(t)
	require.NoError(t, fx.loop.Flush(context.Background()))
	cancel()
	cancel()
	fx.append(t, "two")
	fx.rec.next(t)
	require.NoError(t, fx.loop.Flush(context.Background()))
	assert.Equal(t, 1, count)
}
