package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"PerpIndexer/internal/state"
)

type docKey struct {
	kind state.Kind
	id   string
}

// Memory is an in-process Store. Documents are kept JSON-encoded so that
// callers never share mutable state with the store.
type Memory struct {
	mu    sync.RWMutex
	docs  map[docKey][]byte
	fault error
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[docKey][]byte)}
}

// InjectFault makes Begin and Commit fail with err until cleared with nil.
func (m *Memory) InjectFault(err error) {
	m.mu.Lock()
	m.fault = err
	m.mu.Unlock()
}

// Len returns the number of stored documents of a kind.
func (m *Memory) Len(kind state.Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.docs {
		if k.kind == kind {
			n++
		}
	}
	return n
}

// Dump returns a copy of every document, for state comparisons in tests and
// checkpoint exports.
func (m *Memory) Dump() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.docs))
	for k, v := range m.docs {
		out = append(out, Record{Kind: k.kind, ID: k.id, Body: append([]byte(nil), v...)})
	}
	sortRecords(out)
	return out
}

func (m *Memory) Get(_ context.Context, kind state.Kind, id string, dst any) (bool, error) {
	m.mu.RLock()
	body, ok := m.docs[docKey{kind, id}]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", kind, id, err)
	}
	return true, nil
}

func (m *Memory) List(_ context.Context, kind state.Kind, prefix string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for k, v := range m.docs {
		if k.kind == kind && strings.HasPrefix(k.id, prefix) {
			out = append(out, Record{Kind: k.kind, ID: k.id, Body: append([]byte(nil), v...)})
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) Begin(_ context.Context) (Tx, error) {
	m.mu.RLock()
	fault := m.fault
	m.mu.RUnlock()
	if fault != nil {
		return nil, fault
	}
	return &memTx{store: m, staged: make(map[docKey][]byte)}, nil
}

func (m *Memory) Close() error { return nil }

type memTx struct {
	store  *Memory
	staged map[docKey][]byte
	done   bool
}

func (tx *memTx) Get(ctx context.Context, kind state.Kind, id string, dst any) (bool, error) {
	if tx.done {
		return false, ErrTxDone
	}
	if body, ok := tx.staged[docKey{kind, id}]; ok {
		if err := json.Unmarshal(body, dst); err != nil {
			return false, fmt.Errorf("decode %s/%s: %w", kind, id, err)
		}
		return true, nil
	}
	return tx.store.Get(ctx, kind, id, dst)
}

func (tx *memTx) List(ctx context.Context, kind state.Kind, prefix string) ([]Record, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	base, err := tx.store.List(ctx, kind, prefix)
	if err != nil {
		return nil, err
	}
	merged := make(map[string][]byte, len(base))
	for _, r := range base {
		merged[r.ID] = r.Body
	}
	for k, v := range tx.staged {
		if k.kind == kind && strings.HasPrefix(k.id, prefix) {
			merged[k.id] = v
		}
	}
	out := make([]Record, 0, len(merged))
	for id, body := range merged {
		out = append(out, Record{Kind: kind, ID: id, Body: body})
	}
	sortRecords(out)
	return out, nil
}

func (tx *memTx) Put(_ context.Context, kind state.Kind, id string, v any) error {
	if tx.done {
		return ErrTxDone
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", kind, id, err)
	}
	tx.staged[docKey{kind, id}] = body
	return nil
}

func (tx *memTx) Commit(_ context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if tx.store.fault != nil {
		return tx.store.fault
	}
	for k, v := range tx.staged {
		tx.store.docs[k] = v
	}
	tx.done = true
	return nil
}

func (tx *memTx) Rollback(_ context.Context) error {
	if tx.done {
		return nil
	}
	tx.staged = nil
	tx.done = true
	return nil
}

func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Kind != rs[j].Kind {
			return rs[i].Kind < rs[j].Kind
		}
		return rs[i].ID < rs[j].ID
	})
}
