package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/friendlyfeed/friendlyfeed/internal/loop"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGoDeliversValue(t *testing.T) {
	t.Parallel()

	f := Go(context.Background(), func(context.Context) (int, error) { return 42, nil })
	v, err := f.Wait(context.Background())
	if err != nil || v != 42 {
		t.Fatalf("Wait = %d, %v", v, err)
	}
	if _, _, ok := f.Result(); !ok {
		t.Fatal("result not available after Wait")
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	f := Go(context.Background(), func(context.Context) (int, error) { panic("boom") })
	if _, err := f.Wait(context.Background()); err == nil {
		t.Fatal("expected error from panicking task")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	f := Go(context.Background(), func(context.Context) (int, error) {
		<-release
		return 1, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait err = %v", err)
	}
	close(release)
	<-f.Done()
}

func TestThenRunsOnLoop(t *testing.T) {
	t.Parallel()

	l := loop.New(nil)
	l.Start(context.Background())
	defer l.Close()

	errBoom := errors.New("boom")
	got := make(chan error, 2)
	f := Go(context.Background(), func(context.Context) (string, error) { return "", errBoom })
	f.Then(l, func(_ string, err error) { got <- err })
	<-f.Done()
	// Registering after completion still delivers.
	f.Then(l, func(_ string, err error) { got <- err })

	for i := 0; i < 2; i++ {
		select {
		case err := <-got:
			if !errors.Is(err, errBoom) {
				t.Fatalf("err = %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("callback not delivered")
		}
	}
}

func TestCompleted(t *testing.T) {
	t.Parallel()

	f := Completed("x", nil)
	var got string
	f.Then(Inline, func(v string, _ error) { got = v })
	if got != "x" {
		t.Fatalf("got %q", got)
	}
}
