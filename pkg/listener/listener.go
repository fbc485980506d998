// Package listener runs a handler for every value received on a channel in a
// background goroutine.
package listener

import (
	"context"
	"sync"
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

var _ Job = (*Listener[struct{}])(nil)

// Listener handles inputs one at a time. Handler errors go to the error
// callback and do not stop the listener.
type Listener[T any] struct {
	handler func(ctx context.Context, input T) error
	onError func(error)

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func New[T any](
	in <-chan T,
	handler func(context.Context, T) error,
	onError ...func(error),
) *Listener[T] {
	if len(onError) == 0 {
		onError = []func(error){func(error) {}}
	}

	return &Listener[T]{
		in:      in,
		handler: handler,
		onError: onError[0],
		cancel:  func() {},
	}
}

// Start launches the loop. The context handed to the handler is cancelled
// by Stop.
func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			select {
			case inp, ok := <-l.in:
				if !ok {
					return
				}
				if err := l.handler(ctx, inp); err != nil {
					l.onError(err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels a running handler and waits for the loop to exit.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
}
