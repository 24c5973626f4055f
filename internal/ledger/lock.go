package ledger

import (
	"context"
	"sync"
)

// taskLocks hands out one lock per task id. Entries are reference counted
// and dropped when the last holder or waiter leaves.
type taskLocks struct {
	mu    sync.Mutex
	locks map[string]*taskLock
}

type taskLock struct {
	ch   chan struct{}
	refs int
}

func newTaskLocks() *taskLocks {
	return &taskLocks{locks: map[string]*taskLock{}}
}

// acquire blocks until the task lock is held or ctx is done.
func (l *taskLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &taskLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, lk)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.ch
			l.release(key, lk)
		})
	}, nil
}

func (l *taskLocks) release(key string, lk *taskLock) {
	l.mu.Lock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}
