package core

import (
	"container/list"
)

// AppliedLRU remembers recently applied log ids so that redelivered events
// are dropped without opening a store transaction. The persisted EventLog is
// authoritative; a miss here only means the store has to be asked.
// Not thread-safe: only the engine goroutine touches it.
type AppliedLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewAppliedLRU(capacity int) *AppliedLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &AppliedLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks for logID and promotes it on a hit.
func (lru *AppliedLRU) Contains(logID string) bool {
	elem, ok := lru.cache[logID]
	if ok {
		lru.lruList.MoveToFront(elem)
	}
	return ok
}

func (lru *AppliedLRU) Add(logID string) {
	if elem, ok := lru.cache[logID]; ok {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[logID] = lru.lruList.PushFront(logID)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *AppliedLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem == nil {
		return
	}
	lru.lruList.Remove(elem)
	delete(lru.cache, elem.Value.(string))
	lru.evictions++
}

// Warm loads ids oldest first so that the newest end up most recent.
func (lru *AppliedLRU) Warm(logIDs []string) {
	for _, id := range logIDs {
		lru.Add(id)
	}
}

func (lru *AppliedLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *AppliedLRU) Evictions() int64 {
	return lru.evictions
}
