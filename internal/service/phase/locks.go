// Package phase implements the phase lifecycle: collecting worker
// branches, merging them sequentially into a phase branch, handing
// conflicts to an AI resolver, and driving the review chain.
package phase

import (
	"context"
	"sync"

	"github.com/swarmops/swarmops/internal/core"
)

// GitFactory opens a VCS client for a repository directory. The phase
// services operate on whatever repo the phase names, so clients are
// constructed per call.
type GitFactory func(repoDir string) (core.GitClient, error)

// keyedMutex hands out one mutex per key for short critical sections.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock locks the mutex for key, creating it on first use.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// keyedSemaphore is a per-key binary semaphore. Unlike a mutex it may be
// released from a different goroutine, which the merge engine needs: a
// conflict leaves the repository locked until a later Resume (usually an
// HTTP callback) releases it.
type keyedSemaphore struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newKeyedSemaphore() *keyedSemaphore {
	return &keyedSemaphore{slots: make(map[string]chan struct{})}
}

func (k *keyedSemaphore) slot(key string) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch, ok := k.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.slots[key] = ch
	}
	return ch
}

// Acquire blocks until the key's slot is free or the context ends.
func (k *keyedSemaphore) Acquire(ctx context.Context, key string) error {
	select {
	case k.slot(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire grabs the slot without blocking.
func (k *keyedSemaphore) TryAcquire(key string) bool {
	select {
	case k.slot(key) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the key's slot. Releasing a free slot is a no-op.
func (k *keyedSemaphore) Release(key string) {
	select {
	case <-k.slot(key):
	default:
	}
}

// Held reports whether the key's slot is currently taken.
func (k *keyedSemaphore) Held(key string) bool {
	ch := k.slot(key)
	return len(ch) > 0
}
