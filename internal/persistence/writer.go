package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"PerpIndexer/internal/state"
)

// DocumentRow is one staged entity document.
type DocumentRow struct {
	Kind state.Kind
	ID   string
	Body []byte
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// DocumentWriter upserts entity documents with multi-row INSERT statements.
type DocumentWriter struct {
	dialect   Dialect
	batchSize int
}

func NewDocumentWriter(d Dialect, batchSize int) *DocumentWriter {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &DocumentWriter{dialect: d, batchSize: batchSize}
}

// WriteBatch writes rows in (kind, id) order, batchSize rows per statement.
func (w *DocumentWriter) WriteBatch(ctx context.Context, exec execer, rows []DocumentRow) error {
	if len(rows) == 0 {
		return nil
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Kind != rows[j].Kind {
			return rows[i].Kind < rows[j].Kind
		}
		return rows[i].ID < rows[j].ID
	})

	for start := 0; start < len(rows); start += w.batchSize {
		end := start + w.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		query, args := w.upsertStatement(rows[start:end])
		if _, err := exec.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert %d documents: %w", end-start, err)
		}
	}
	return nil
}

func (w *DocumentWriter) upsertStatement(rows []DocumentRow) (string, []interface{}) {
	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*3)

	for i, r := range rows {
		base := i * 3
		values = append(values, fmt.Sprintf("(%s, %s, %s)",
			w.dialect.Ph(base+1), w.dialect.Ph(base+2), w.dialect.Ph(base+3)))
		// body goes as text; lib/pq would send []byte as bytea
		args = append(args, string(r.Kind), r.ID, string(r.Body))
	}

	var b strings.Builder
	b.WriteString("INSERT INTO entities (kind, id, body) VALUES ")
	b.WriteString(strings.Join(values, ", "))
	b.WriteString(" ON CONFLICT (kind, id) DO UPDATE SET body = excluded.body, updated_at = CURRENT_TIMESTAMP")
	return b.String(), args
}
