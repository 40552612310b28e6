package ingestion_engine

import (
	"context"
	"sync"
)

// docLocks serialises work per document key inside one process. The store
// adds a database advisory lock for cross-process safety.
type docLocks struct {
	mu    sync.Mutex
	locks map[string]*docLock
}

type docLock struct {
	ch   chan struct{}
	refs int
}

func newDocLocks() *docLocks {
	return &docLocks{locks: make(map[string]*docLock)}
}

// Lock blocks until key is free or ctx is done.
func (l *docLocks) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	dl, ok := l.locks[key]
	if !ok {
		dl = &docLock{ch: make(chan struct{}, 1)}
		l.locks[key] = dl
	}
	dl.refs++
	l.mu.Unlock()

	select {
	case dl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, dl, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(key, dl, true) }) }, nil
}

func (l *docLocks) release(key string, dl *docLock, held bool) {
	if held {
		<-dl.ch
	}
	l.mu.Lock()
	dl.refs--
	if dl.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}
