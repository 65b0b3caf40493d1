package inventory

import (
	"context"
	"sync"
)

// lockTable serializes mutations per ingredient-and-holder key. Each key
// maps to a one-slot channel used as a mutex whose acquire can be
// abandoned when the caller's context expires, so a deduction that times
// out never holds (or keeps waiting for) a stock lock.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]chan struct{})}
}

func (t *lockTable) slot(key string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[key] = ch
	}
	return ch
}

func (t *lockTable) acquire(ctx context.Context, key string) (func(), error) {
	ch := t.slot(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// acquireAll takes every key in the given order and releases the ones
// already held if a later acquire fails. Callers must pass keys sorted
// ascending; the fixed global order is what makes multi-key holds
// deadlock free.
func (t *lockTable) acquireAll(ctx context.Context, keys []string) (func(), error) {
	releases := make([]func(), 0, len(keys))
	for _, key := range keys {
		release, err := t.acquire(ctx, key)
		if err != nil {
			for i := len(releases) - 1; i >= 0; i-- {
				releases[i]()
			}
			return nil, err
		}
		releases = append(releases, release)
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}, nil
}
