package attachment

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendlyfeed/friendlyfeed/internal/blob"
	"github.com/friendlyfeed/friendlyfeed/internal/blob/providers/memory"
	"github.com/friendlyfeed/friendlyfeed/internal/feed"
	"github.com/friendlyfeed/friendlyfeed/internal/loop"
	"github.com/friendlyfeed/friendlyfeed/internal/message"
	"github.com/friendlyfeed/friendlyfeed/internal/message/memstore"
	"github.com/friendlyfeed/friendlyfeed/internal/session"
)

var ada = session.Session{UserID: "u1", DisplayName: "Ada", PhotoURL: "https://p/ada.png"}

type fakeBlobs struct {
	mu        sync.Mutex
	uploads   int
	uploadErr error
	gate      chan struct{}
}

func (f *fakeBlobs) Upload(ctx context.Context, path string, r io.Reader) (blob.Handle, error) {
	f.mu.Lock()
	f.uploads++
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	if f.uploadErr != nil {
		return blob.Handle{}, f.uploadErr
	}
	_, _ = io.Copy(io.Discard, r)
	return blob.Handle{Path: path}, nil
}

func (f *fakeBlobs) ResolveURL(_ context.Context, h blob.Handle) (string, error) {
	return "https://cdn.example/" + h.Path, nil
}

func (f *fakeBlobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

// failingWriter fails every write with the store-unavailable error.
type failingWriter struct {
	message.Writer
}

func (failingWriter) ReserveKey(context.Context, string) (string, error) { return "k1", nil }
func (failingWriter) Write(context.Context, string, string, message.Message) error {
	return message.ErrStoreUnavailable
}

func startFeed(t *testing.T, store *memstore.Store) *feed.Feed {
	t.Helper()
	l := loop.New(nil)
	l.Start(context.Background())
	f := feed.New(nil, store, ada.Scope(), l)
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(func() {
		f.Stop()
		l.Close()
	})
	return f
}

func TestSuccessfulUploadFulfillsPlaceholder(t *testing.T) {
	t.Parallel()

	store := memstore.New(nil)
	defer store.Close()
	f := startFeed(t, store)

	var mu sync.Mutex
	var states []State
	o := New(nil, store, blob.NewService(nil, memory.New(""), "https://feed.example", 0),
		WithListener(func(_ string, _, to State, _ error) {
			mu.Lock()
			states = append(states, to)
			mu.Unlock()
		}))

	up, err := o.Send(context.Background(), ada, BytesResource{Filename: "content://images/cat.png", Data: []byte("png")})
	require.NoError(t, err)
	url, err := up.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://feed.example/media/u1/"+up.Key()+"/cat.png", url)
	assert.Equal(t, StateFulfilled, up.State())

	require.Eventually(t, func() bool {
		m, ok := f.Get(up.Key())
		return ok && m.ImageURL != nil && *m.ImageURL == url
	}, 2*time.Second, 10*time.Millisecond)
	m, _ := f.Get(up.Key())
	assert.Nil(t, m.Text)
	assert.False(t, m.IsPlaceholder())
	assert.Equal(t, "Ada", m.Author)
	assert.Equal(t, "https://p/ada.png", *m.AuthorPhotoURL)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StatePlaceholderWritten, StateUploading, StateFulfilled}, states)
}

func TestObjectPathUsesTrimmedUserID(t *testing.T) {
	t.Parallel()

	store := memstore.New(nil)
	defer store.Close()
	o := New(nil, store, &fakeBlobs{})
	padded := session.Session{UserID: " bob ", DisplayName: "Bob"}

	up, err := o.Send(context.Background(), padded, BytesResource{Filename: "a.png", Data: []byte("x")})
	require.NoError(t, err)
	url, err := up.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/bob/"+up.Key()+"/a.png", url)

	m, err := store.Get(context.Background(), "user-messages/bob", up.Key())
	require.NoError(t, err)
	assert.Equal(t, url, *m.ImageURL)
}

func TestPlaceholderWrittenBeforeUpload(t *testing.T) {
	t.Parallel()

	store := memstore.New(nil)
	defer store.Close()
	blobs := &fakeBlobs{gate: make(chan struct{})}
	o := New(nil, store, blobs)

	up, err := o.Send(context.Background(), ada, BytesResource{Filename: "a.png", Data: []byte("x")})
	require.NoError(t, err)

	m, err := store.Get(context.Background(), ada.Scope(), up.Key())
	require.NoError(t, err)
	assert.True(t, m.IsPlaceholder())
	assert.Nil(t, m.Text)

	close(blobs.gate)
	_, err = up.Wait(context.Background())
	require.NoError(t, err)
}

func TestUploadFailureLeavesPlaceholder(t *testing.T) {
	t.Parallel()

	store := memstore.New(nil)
	defer store.Close()
	f := startFeed(t, store)
	o := New(nil, store, &fakeBlobs{uploadErr: errors.New("bucket gone")})

	up, err := o.Send(context.Background(), ada, BytesResource{Filename: "a.png", Data: []byte("x")})
	require.NoError(t, err)
	_, err = up.Wait(context.Background())
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.Equal(t, StateUploadFailed, up.State())

	require.Eventually(t, func() bool {
		_, ok := f.Get(up.Key())
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	m, _ := f.Get(up.Key())
	assert.True(t, m.IsPlaceholder())
}

func TestPlaceholderWriteFailureNeverUploads(t *testing.T) {
	t.Parallel()

	blobs := &fakeBlobs{}
	o := New(nil, failingWriter{}, blobs)
	up, err := o.Send(context.Background(), ada, BytesResource{Filename: "a.png", Data: []byte("x")})
	require.Error(t, err)
	assert.ErrorIs(t, err, message.ErrStoreUnavailable)
	assert.Equal(t, StateUploadFailed, up.State())
	<-up.Done()
	assert.Equal(t, 0, blobs.count())
}

func TestCallerCancellationDoesNotAbortUpload(t *testing.T) {
	t.Parallel()

	store := memstore.New(nil)
	defer store.Close()
	blobs := &fakeBlobs{gate: make(chan struct{})}
	o := New(nil, store, blobs)

	ctx, cancel := context.WithCancel(context.Background())
	up, err := o.Send(ctx, ada, BytesResource{Filename: "a.png", Data: []byte("x")})
	require.NoError(t, err)
	cancel()
	close(blobs.gate)

	_, err = up.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, o.Wait(context.Background()))
}

func TestInvalidSession(t *testing.T) {
	t.Parallel()

	o := New(nil, memstore.New(nil), &fakeBlobs{})
	_, err := o.Send(context.Background(), session.Session{}, BytesResource{Filename: "a.png"})
	assert.ErrorIs(t, err, session.ErrInvalidSession)
}

func TestObjectPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ref, want string
	}{
		{"content://media/external/images/media/42", "u/k/42"},
		{"/tmp/cat.png", "u/k/cat.png"},
		{"cat.png?x=1", "u/k/cat.png"},
		{"dir/", "u/k/dir"},
		{"", "u/k/attachment"},
		{"..", "u/k/attachment"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ObjectPath("u", "k", tt.ref), tt.ref)
	}
}
