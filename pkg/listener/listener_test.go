package listener

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListener_HandlesInputsAndErrors(t *testing.T) {
	in := make(chan int)
	var sum atomic.Int64
	errs := make(chan error, 1)

	l := New[int](in, func(_ context.Context, v int) error {
		if v < 0 {
			return errors.New("negative")
		}
		sum.Add(int64(v))
		return nil
	}, func(err error) { errs <- err })
	l.Start(context.Background())
	defer l.Stop()

	in <- 1
	in <- -1
	in <- 2

	select {
	case err := <-errs:
		assert.EqualError(t, err, "negative")
	case <-time.After(time.Second):
		t.Fatal("error callback not called")
	}
	assert.Eventually(t, func() bool { return sum.Load() == 3 }, time.Second, time.Millisecond)
}

func TestListener_StopCancelsHandler(t *testing.T) {
	in := make(chan struct{})
	started := make(chan struct{})
	var cancelled atomic.Bool

	l := New[struct{}](in, func(ctx context.Context, _ struct{}) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})
	l.Start(context.Background())

	in <- struct{}{}
	<-started
	l.Stop()

	require.True(t, cancelled.Load())
}

func TestListener_ExitsWhenChannelCloses(t *testing.T) {
	in := make(chan int)
	l := New[int](in, func(context.Context, int) error { return nil })
	l.Start(context.Background())

	close(in)
	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}
