package cache

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// MemoryKV is an in-process KV for single-instance deployments without
// Redis, and for tests. Expiry is evaluated lazily against now.
type MemoryKV struct {
	mu    sync.Mutex
	vals  map[string]memEntry
	lists map[string][][]byte
	now   func() time.Time
}

type memEntry struct {
	val     []byte
	expires time.Time // zero: no expiry
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		vals:  make(map[string]memEntry),
		lists: make(map[string][][]byte),
		now:   time.Now,
	}
}

// SetClock replaces the time source.
func (m *MemoryKV) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryKV) live(key string) (memEntry, bool) {
	e, ok := m.vals[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.vals, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *MemoryKV) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return nil, ErrMiss
	}
	return append([]byte(nil), e.val...), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = memEntry{val: append([]byte(nil), val...), expires: m.deadline(ttl)}
	return nil
}

func (m *MemoryKV) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.vals, k)
		delete(m.lists, k)
	}
	return nil
}

func (m *MemoryKV) PushCapped(_ context.Context, key string, val []byte, max int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := append([][]byte{append([]byte(nil), val...)}, m.lists[key]...)
	if int64(len(l)) > max {
		l = l[:max]
	}
	m.lists[key] = l
	return nil
}

func (m *MemoryKV) Range(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	n := int64(len(l))
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range l[start : stop+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (m *MemoryKV) SetNX(_ context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.vals[key] = memEntry{val: append([]byte(nil), val...), expires: m.deadline(ttl)}
	return true, nil
}

func (m *MemoryKV) DelIfEqual(_ context.Context, key string, val []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || !bytes.Equal(e.val, val) {
		return false, nil
	}
	delete(m.vals, key)
	return true, nil
}

func (m *MemoryKV) ExpireIfEqual(_ context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || !bytes.Equal(e.val, val) {
		return false, nil
	}
	e.expires = m.deadline(ttl)
	m.vals[key] = e
	return true, nil
}

var _ KV = (*MemoryKV)(nil)
