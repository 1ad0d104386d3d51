package sessions

import (
	"context"
	"sync"

	"github.com/agentoven/dxtr/internal/faults"
)

// Locks serializes turns per session key. Waiters are served in arrival
// order and entries are dropped as soon as a key is free.
type Locks struct {
	maxDepth int

	mu   sync.Mutex
	keys map[string]*keyLock
}

type keyLock struct {
	waiters []chan struct{} // FIFO; closing a channel hands the lock over
}

// NewLocks creates a lock table. maxDepth bounds the number of queued
// waiters per key; zero means unbounded.
func NewLocks(maxDepth int) *Locks {
	return &Locks{maxDepth: maxDepth, keys: make(map[string]*keyLock)}
}

// Acquire blocks until key is free or ctx is done. A full queue is
// rejected with concurrent_turn_rejected. The returned release func is
// idempotent.
func (l *Locks) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, held := l.keys[key]
	if !held {
		l.keys[key] = &keyLock{}
		l.mu.Unlock()
		return l.releaser(key), nil
	}
	if l.maxDepth > 0 && len(kl.waiters) >= l.maxDepth {
		l.mu.Unlock()
		return nil, faults.New(faults.ConcurrentTurnRejected, "acquire", "%d turns already queued for %s", len(kl.waiters), key)
	}
	ch := make(chan struct{})
	kl.waiters = append(kl.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return l.releaser(key), nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range kl.waiters {
			if w == ch {
				kl.waiters = append(kl.waiters[:i], kl.waiters[i+1:]...)
				l.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		l.mu.Unlock()
		// The lock was handed to us while we gave up; pass it on.
		l.release(key)
		return nil, ctx.Err()
	}
}

// TryAcquire takes key only if it is free.
func (l *Locks) TryAcquire(key string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.keys[key]; held {
		return nil, false
	}
	l.keys[key] = &keyLock{}
	return l.releaser(key), true
}

// Held reports whether key is currently locked.
func (l *Locks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.keys[key]
	return held
}

// Len is the number of keys currently held.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

func (l *Locks) releaser(key string) func() {
	var once sync.Once
	return func() { once.Do(func() { l.release(key) }) }
}

func (l *Locks) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.keys[key]
	if !ok {
		return
	}
	if len(kl.waiters) == 0 {
		delete(l.keys, key)
		return
	}
	next := kl.waiters[0]
	kl.waiters = kl.waiters[1:]
	close(next)
}
