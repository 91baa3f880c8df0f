package lock

import (
	"context"
	"fmt"
	"sync"
)

// Keyed serializes operations per key in submission order.
//
// Each submission chains behind the current tail for its key and becomes the
// new tail; when the tail drains the key's bookkeeping entry is removed, so an
// idle Keyed holds no state. A failed operation only fails its own caller; the
// chain always advances to the next waiter.
type Keyed struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func NewKeyed() *Keyed {
	return &Keyed{tails: make(map[string]chan struct{})}
}

// Do runs fn once every previously submitted operation for key has fully
// completed. Operations under different keys are independent. If ctx is
// cancelled while queued, fn never runs; the successor is released only after
// the predecessor completes, so cancellation cannot reorder the queue.
func (k *Keyed) Do(ctx context.Context, key string, fn func(ctx context.Context) error) (err error) {
	k.mu.Lock()
	prev := k.tails[key]
	done := make(chan struct{})
	k.tails[key] = done
	k.mu.Unlock()

	finish := func() {
		close(done)
		k.mu.Lock()
		if k.tails[key] == done {
			delete(k.tails, key)
		}
		k.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				finish()
			}()
			return ctx.Err()
		}
	}

	defer finish()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("locked operation panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Pending returns the number of keys with live queues. Used by tests to
// verify that drained keys are forgotten.
func (k *Keyed) Pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.tails)
}
