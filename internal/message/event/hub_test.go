package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/friendlyfeed/friendlyfeed/internal/message"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func recv(t *testing.T, sub message.Subscription) message.Change {
	t.Helper()
	select {
	case c, ok := <-sub.Events():
		require.True(t, ok, "subscription closed early")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	return message.Change{}
}

func TestSubscribeReplaysThenSyncsThenGoesLive(t *testing.T) {
	hub := NewHub(nil)
	scope := message.Scope("u1")
	replay := []message.Entry{
		{Key: "a", Message: message.Message{Author: "x", Text: message.String("1")}},
		{Key: "b", Message: message.Message{Author: "x", Text: message.String("2")}},
	}
	sub, err := hub.Subscribe(context.Background(), scope, replay)
	require.NoError(t, err)
	defer sub.Close()

	first := recv(t, sub)
	assert.Equal(t, message.ChangeAdded, first.Type)
	assert.Equal(t, "a", first.Key)
	assert.Equal(t, "", first.PreviousKey)

	second := recv(t, sub)
	assert.Equal(t, "b", second.Key)
	assert.Equal(t, "a", second.PreviousKey)

	assert.Equal(t, message.ChangeSynced, recv(t, sub).Type)

	hub.Publish(scope, message.Change{Type: message.ChangeAdded, Key: "c", PreviousKey: "b"})
	live := recv(t, sub)
	assert.Equal(t, "c", live.Key)
}

func TestPublishIsScoped(t *testing.T) {
	hub := NewHub(nil)
	subA, err := hub.Subscribe(context.Background(), message.Scope("a"), nil)
	require.NoError(t, err)
	defer subA.Close()
	subB, err := hub.Subscribe(context.Background(), message.Scope("b"), nil)
	require.NoError(t, err)
	defer subB.Close()
	recv(t, subA)
	recv(t, subB)

	hub.Publish(message.Scope("a"), message.Change{Type: message.ChangeAdded, Key: "k"})
	assert.Equal(t, "k", recv(t, subA).Key)

	select {
	case c := <-subB.Events():
		t.Fatalf("unexpected change on other scope: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowConsumerLosesNothing(t *testing.T) {
	hub := NewHub(nil)
	scope := message.Scope("u1")
	sub, err := hub.Subscribe(context.Background(), scope, nil)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 500; i++ {
		hub.Publish(scope, message.Change{Type: message.ChangeChanged, Key: string(rune('a' + i%26))})
	}
	assert.Equal(t, message.ChangeSynced, recv(t, sub).Type)
	for i := 0; i < 500; i++ {
		c := recv(t, sub)
		require.Equal(t, string(rune('a'+i%26)), c.Key)
	}
}

func TestFailDeliversQueuedChangesThenReportsError(t *testing.T) {
	hub := NewHub(nil)
	scope := message.Scope("u1")
	sub, err := hub.Subscribe(context.Background(), scope, nil)
	require.NoError(t, err)
	defer sub.Close()

	hub.Publish(scope, message.Change{Type: message.ChangeAdded, Key: "k"})
	hub.Fail(message.ErrStoreUnavailable)

	assert.Equal(t, message.ChangeSynced, recv(t, sub).Type)
	assert.Equal(t, "k", recv(t, sub).Key)
	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.True(t, errors.Is(sub.Err(), message.ErrStoreUnavailable))

	_, err = hub.Subscribe(context.Background(), scope, nil)
	assert.ErrorIs(t, err, message.ErrStoreUnavailable)
}

func TestCloseReleasesSubscription(t *testing.T) {
	hub := NewHub(nil)
	scope := message.Scope("u1")
	sub, err := hub.Subscribe(context.Background(), scope, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Count(scope))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Count(scope))
	for range sub.Events() {
	}
	assert.NoError(t, sub.Err())
}

func TestContextCancelEndsSubscription(t *testing.T) {
	hub := NewHub(nil)
	scope := message.Scope("u1")
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := hub.Subscribe(ctx, scope, nil)
	require.NoError(t, err)
	cancel()
	for range sub.Events() {
	}
	assert.ErrorIs(t, sub.Err(), context.Canceled)
	assert.Eventually(t, func() bool { return hub.Count(scope) == 0 }, time.Second, 10*time.Millisecond)
}
