package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WriterLock keeps a single indexer instance writing to a store. It is a
// Redis key set with NX and a ttl, refreshed while held and released with a
// compare-and-delete so that an expired holder cannot drop a successor's lock.
type WriterLock struct {
	kv    KV
	key   string
	ttl   time.Duration
	token []byte

	mu   sync.Mutex
	held bool
}

func NewWriterLock(kv KV, key string, ttl time.Duration) *WriterLock {
	return &WriterLock{
		kv:    kv,
		key:   "lock:" + key,
		ttl:   ttl,
		token: []byte(uuid.NewString()),
	}
}

// Acquire takes the lock or returns ErrLockHeld.
func (l *WriterLock) Acquire(ctx context.Context) error {
	ok, err := l.kv.SetNX(ctx, l.key, l.token, l.ttl)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return ErrLockHeld
	}
	l.mu.Lock()
	l.held = true
	l.mu.Unlock()
	return nil
}

// Keep refreshes the lock every ttl/3 until ctx ends. It returns ErrLockLost
// if the key expired or was taken over in between.
func (l *WriterLock) Keep(ctx context.Context) error {
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			ok, err := l.kv.ExpireIfEqual(ctx, l.key, l.token, l.ttl)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("refresh %s: %w", l.key, err)
			}
			if !ok {
				l.mu.Lock()
				l.held = false
				l.mu.Unlock()
				return ErrLockLost
			}
		}
	}
}

// Release drops the lock if this instance still holds it. Safe to call more
// than once.
func (l *WriterLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	l.held = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := l.kv.DelIfEqual(ctx, l.key, l.token); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
