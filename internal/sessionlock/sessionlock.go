// Package sessionlock serializes turns within a session. A session has
// at most one in-flight turn; waiters are admitted in arrival order.
// Different sessions never contend.
package sessionlock

import (
	"context"
	"sync"
)

// Locker acquires an exclusive per-key lock. The returned unlock
// function is idempotent.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Local is an in-process FIFO keyed lock. The zero value is not usable;
// call [NewLocal].
type Local struct {
	mu   sync.Mutex
	keys map[string]*entry
}

type entry struct {
	waiters []chan struct{}
}

// NewLocal creates an empty keyed lock.
func NewLocal() *Local {
	return &Local{keys: make(map[string]*entry)}
}

// Lock blocks until key is free or ctx is done. Waiters on the same key
// acquire it in the order they called Lock.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, held := l.keys[key]
	if !held {
		l.keys[key] = &entry{}
		l.mu.Unlock()
		return l.releaser(key), nil
	}
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return l.releaser(key), nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	for i, w := range e.waiters {
		if w == ch {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			l.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	l.mu.Unlock()
	// Ownership was handed over while we were giving up; pass it on.
	l.release(key)
	return nil, ctx.Err()
}

// Held reports whether key is currently locked.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.keys[key]
	return ok
}

func (l *Local) releaser(key string) func() {
	var once sync.Once
	return func() { once.Do(func() { l.release(key) }) }
}

func (l *Local) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.keys[key]
	if !ok {
		return
	}
	if len(e.waiters) == 0 {
		delete(l.keys, key)
		return
	}
	next := e.waiters[0]
	e.waiters = e.waiters[1:]
	close(next)
}
