package store

import (
	"context"
	"errors"

	"PerpIndexer/internal/state"
)

var (
	ErrNotFound    = errors.New("entity not found")
	ErrTxDone      = errors.New("transaction already committed or rolled back")
	ErrUnavailable = errors.New("store unavailable")
)

// Record is a raw stored document.
type Record struct {
	Kind state.Kind
	ID   string
	Body []byte
}

// Reader is the read surface shared by stores and transactions.
type Reader interface {
	// Get decodes the document into dst. It reports false when absent.
	Get(ctx context.Context, kind state.Kind, id string, dst any) (bool, error)

	// List returns every document of a kind whose id starts with prefix,
	// ordered by id.
	List(ctx context.Context, kind state.Kind, prefix string) ([]Record, error)
}

// Tx stages writes until Commit. Nothing is visible to other readers before
// Commit returns, and nothing is kept after Rollback.
type Tx interface {
	Reader
	Put(ctx context.Context, kind state.Kind, id string, v any) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is a document store keyed by (kind, id).
type Store interface {
	Reader
	Begin(ctx context.Context) (Tx, error)
	Close() error
}
