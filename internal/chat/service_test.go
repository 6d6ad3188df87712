package chat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendlyfeed/friendlyfeed/internal/attachment"
	"github.com/friendlyfeed/friendlyfeed/internal/blob"
	"github.com/friendlyfeed/friendlyfeed/internal/blob/providers/memory"
	"github.com/friendlyfeed/friendlyfeed/internal/completion"
	"github.com/friendlyfeed/friendlyfeed/internal/feed"
	"github.com/friendlyfeed/friendlyfeed/internal/loop"
	"github.com/friendlyfeed/friendlyfeed/internal/message"
	"github.com/friendlyfeed/friendlyfeed/internal/message/memstore"
	"github.com/friendlyfeed/friendlyfeed/internal/session"
)

var ada = session.Session{UserID: "u1", DisplayName: "Ada", PhotoURL: "https://p/ada.png"}

type harness struct {
	svc   *Service
	store *memstore.Store
	feed  *feed.Feed
	calls *atomic.Int32
}

func newHarness(t *testing.T, status int, body string) *harness {
	t.Helper()
	calls := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	store := memstore.New(nil)
	client := completion.NewClient(nil, srv.URL, "k", completion.DefaultParams(), srv.Client())
	bridge := completion.NewBridge(nil, client, store)
	blobs := blob.NewService(nil, memory.New(""), "https://feed.example", 0)
	svc := NewService(nil, store, bridge, attachment.New(nil, store, blobs))

	l := loop.New(nil)
	l.Start(context.Background())
	f := feed.New(nil, store, ada.Scope(), l)
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(func() {
		f.Stop()
		l.Close()
		_ = store.Close()
	})
	return &harness{svc: svc, store: store, feed: f, calls: calls}
}

func TestSendTextAppendsUserThenBot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, http.StatusOK, `{"choices":[{"text":" Hi there! "}]}`)
	ctx := context.Background()
	res, err := h.svc.SendText(ctx, ada, "Hello")
	require.NoError(t, err)

	reply, err := res.Reply.Wait(ctx)
	require.NoError(t, err)
	require.True(t, reply.Appended)
	assert.Greater(t, reply.Key, res.Key)

	require.Eventually(t, func() bool { return h.feed.Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	snap := h.feed.Snapshot()
	assert.Equal(t, res.Key, snap[0].Key)
	assert.Equal(t, "Hello", *snap[0].Message.Text)
	assert.Equal(t, "Ada", snap[0].Message.Author)
	assert.Equal(t, message.BotAuthor, snap[1].Message.Author)
	assert.Equal(t, "Hi there!", *snap[1].Message.Text)
	require.NoError(t, h.svc.Wait(ctx))
}

func TestSendTextCompletionFailureAppendsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, http.StatusInternalServerError, `oops`)
	ctx := context.Background()
	res, err := h.svc.SendText(ctx, ada, "Hello")
	require.NoError(t, err)
	_, err = res.Reply.Wait(ctx)
	assert.ErrorIs(t, err, completion.ErrCompletion)

	history, err := h.svc.History(ctx, ada)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, res.Key, history[0].Key)
}

func TestSendTextRejectsBlank(t *testing.T) {
	t.Parallel()

	h := newHarness(t, http.StatusOK, `{"choices":[{"text":"x"}]}`)
	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := h.svc.SendText(context.Background(), ada, text)
		assert.ErrorIs(t, err, ErrEmptyText)
	}
	assert.Zero(t, h.calls.Load())
}

func TestSendTextStoreUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, http.StatusOK, `{"choices":[{"text":"x"}]}`)
	require.NoError(t, h.store.Close())
	_, err := h.svc.SendText(context.Background(), ada, "Hello")
	assert.ErrorIs(t, err, message.ErrStoreUnavailable)
	assert.Zero(t, h.calls.Load(), "completion must not run when the prompt was not written")
}

func TestSendImage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, http.StatusOK, `{"choices":[{"text":"x"}]}`)
	ctx := context.Background()
	up, err := h.svc.SendImage(ctx, ada, attachment.BytesResource{Filename: "cat.png", Data: []byte("png")})
	require.NoError(t, err)
	url, err := up.Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		m, ok := h.feed.Get(up.Key())
		return ok && !m.IsPlaceholder() && m.ImageURL != nil && *m.ImageURL == url
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.calls.Load(), "images are not bridged")
}

func TestInvalidSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, http.StatusOK, `{}`)
	_, err := h.svc.SendText(context.Background(), session.Session{}, "Hello")
	assert.True(t, errors.Is(err, session.ErrInvalidSession))
	_, err = h.svc.History(context.Background(), session.Session{})
	assert.True(t, errors.Is(err, session.ErrInvalidSession))
}
