package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"PerpIndexer/internal/observability"
	"PerpIndexer/internal/state"
	"PerpIndexer/internal/store"
)

// Options tunes the connection pool and the commit writer.
type Options struct {
	MaxOpenConns int
	MaxIdleConns int
	BatchSize    int
	Metrics      *observability.Metrics
}

// SQLStore is a store.Store on a relational database. Every entity is one row
// of the entities table holding its JSON document. Writes are staged in
// memory and upserted at commit inside the database transaction.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	writer  *DocumentWriter
	metrics *observability.Metrics
}

var _ store.Store = (*SQLStore)(nil)

// Open connects and verifies the database. SQLite is limited to a single
// connection so that in-memory databases and the file lock behave.
func Open(ctx context.Context, d Dialect, dsn string, opts Options) (*SQLStore, error) {
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Name, err)
	}
	if d.Name == SQLite.Name {
		db.SetMaxOpenConns(1)
	} else {
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			db.SetMaxIdleConns(opts.MaxIdleConns)
		}
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.Name, err)
	}
	return NewSQLStore(db, d, opts), nil
}

// NewSQLStore wraps an already opened handle.
func NewSQLStore(db *sql.DB, d Dialect, opts Options) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: d,
		writer:  NewDocumentWriter(d, opts.BatchSize),
		metrics: opts.Metrics,
	}
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *SQLStore) Get(ctx context.Context, kind state.Kind, id string, dst any) (bool, error) {
	return getDocument(ctx, s.db, s.dialect, kind, id, dst)
}

func (s *SQLStore) List(ctx context.Context, kind state.Kind, prefix string) ([]store.Record, error) {
	return listDocuments(ctx, s.db, s.dialect, kind, prefix)
}

func (s *SQLStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.countError("tx_begin")
		return nil, fmt.Errorf("%w: begin: %v", store.ErrUnavailable, err)
	}
	return &sqlTx{store: s, tx: tx, staged: make(map[stagedKey][]byte)}, nil
}

func (s *SQLStore) countError(stage string) {
	if s.metrics != nil {
		s.metrics.StoreErrors.WithLabelValues(stage).Inc()
	}
}

func getDocument(ctx context.Context, q queryer, d Dialect, kind state.Kind, id string, dst any) (bool, error) {
	query := fmt.Sprintf("SELECT body FROM entities WHERE kind = %s AND id = %s", d.Ph(1), d.Ph(2))
	var body string
	err := q.QueryRowContext(ctx, query, string(kind), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: get %s/%s: %v", store.ErrUnavailable, kind, id, err)
	}
	if err := json.Unmarshal([]byte(body), dst); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", kind, id, err)
	}
	return true, nil
}

func listDocuments(ctx context.Context, q queryer, d Dialect, kind state.Kind, prefix string) ([]store.Record, error) {
	query := fmt.Sprintf(
		`SELECT id, body FROM entities WHERE kind = %s AND id LIKE %s ESCAPE '\' ORDER BY id`,
		d.Ph(1), d.Ph(2))
	rows, err := q.QueryContext(ctx, query, string(kind), escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", store.ErrUnavailable, kind, err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		out = append(out, store.Record{Kind: kind, ID: id, Body: []byte(body)})
	}
	return out, rows.Err()
}

type stagedKey struct {
	kind state.Kind
	id   string
}

type sqlTx struct {
	store  *SQLStore
	tx     *sql.Tx
	staged map[stagedKey][]byte
	done   bool
}

func (t *sqlTx) Get(ctx context.Context, kind state.Kind, id string, dst any) (bool, error) {
	if t.done {
		return false, store.ErrTxDone
	}
	if body, ok := t.staged[stagedKey{kind, id}]; ok {
		if err := json.Unmarshal(body, dst); err != nil {
			return false, fmt.Errorf("decode %s/%s: %w", kind, id, err)
		}
		return true, nil
	}
	return getDocument(ctx, t.tx, t.store.dialect, kind, id, dst)
}

func (t *sqlTx) List(ctx context.Context, kind state.Kind, prefix string) ([]store.Record, error) {
	if t.done {
		return nil, store.ErrTxDone
	}
	base, err := listDocuments(ctx, t.tx, t.store.dialect, kind, prefix)
	if err != nil {
		return nil, err
	}
	merged := make(map[string][]byte, len(base))
	for _, r := range base {
		merged[r.ID] = r.Body
	}
	for k, v := range t.staged {
		if k.kind == kind && strings.HasPrefix(k.id, prefix) {
			merged[k.id] = v
		}
	}
	out := make([]store.Record, 0, len(merged))
	for id, body := range merged {
		out = append(out, store.Record{Kind: kind, ID: id, Body: body})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *sqlTx) Put(_ context.Context, kind state.Kind, id string, v any) error {
	if t.done {
		return store.ErrTxDone
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", kind, id, err)
	}
	t.staged[stagedKey{kind, id}] = body
	return nil
}

func (t *sqlTx) Commit(ctx context.Context) error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	start := time.Now()

	rows := make([]DocumentRow, 0, len(t.staged))
	for k, v := range t.staged {
		rows = append(rows, DocumentRow{Kind: k.kind, ID: k.id, Body: v})
	}
	if err := t.store.writer.WriteBatch(ctx, t.tx, rows); err != nil {
		_ = t.tx.Rollback()
		t.store.countError("write")
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if err := t.tx.Commit(); err != nil {
		t.store.countError("tx_commit")
		return fmt.Errorf("%w: commit: %v", store.ErrUnavailable, err)
	}

	if m := t.store.metrics; m != nil {
		m.StoreCommitDuration.Observe(time.Since(start).Seconds())
		m.StoreRowsWritten.Add(float64(len(rows)))
	}
	return nil
}

func (t *sqlTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.staged = nil
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
