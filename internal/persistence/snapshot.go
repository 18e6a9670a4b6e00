package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"PerpIndexer/internal/state"
	"PerpIndexer/internal/store"
)

// Snapshot is a full export of the entity store at one checkpoint. It is the
// unit written to the snapshots table and archived to object storage.
type Snapshot struct {
	ID            uuid.UUID        `json:"id"`
	LastOrderKey  uint64           `json:"lastOrderKey"`
	StateHash     string           `json:"stateHash"`
	EventsApplied uint64           `json:"eventsApplied"`
	CreatedAt     time.Time        `json:"createdAt"`
	Entities      []SnapshotEntity `json:"entities"`
}

// SnapshotEntity is one exported document.
type SnapshotEntity struct {
	Kind state.Kind      `json:"kind"`
	ID   string          `json:"id"`
	Body json.RawMessage `json:"body"`
}

// BuildSnapshot reads every document from r. The checkpoint row supplies the
// order key and hash the export is labelled with.
func BuildSnapshot(ctx context.Context, r store.Reader, now time.Time) (*Snapshot, error) {
	cp := state.NewCheckpoint()
	if _, err := r.Get(ctx, state.KindCheckpoint, state.CheckpointID, cp); err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	snap := &Snapshot{
		ID:            uuid.New(),
		LastOrderKey:  cp.LastOrderKey,
		StateHash:     cp.StateHash,
		EventsApplied: cp.EventsApplied,
		CreatedAt:     now.UTC(),
	}
	for _, kind := range state.AllKinds() {
		recs, err := r.List(ctx, kind, "")
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", kind, err)
		}
		for _, rec := range recs {
			snap.Entities = append(snap.Entities, SnapshotEntity{Kind: rec.Kind, ID: rec.ID, Body: rec.Body})
		}
	}
	return snap, nil
}

// RestoreSnapshot writes every exported document into st in one transaction.
func RestoreSnapshot(ctx context.Context, st store.Store, snap *Snapshot) error {
	tx, err := st.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, e := range snap.Entities {
		if err := tx.Put(ctx, e.Kind, e.ID, e.Body); err != nil {
			return fmt.Errorf("restore %s/%s: %w", e.Kind, e.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// SnapshotManager persists snapshots in the snapshots table.
type SnapshotManager struct {
	db      *sql.DB
	dialect Dialect
}

func NewSnapshotManager(db *sql.DB, d Dialect) *SnapshotManager {
	return &SnapshotManager{db: db, dialect: d}
}

// Save stores a snapshot, replacing any earlier one at the same order key.
// It returns the encoded size.
func (sm *SnapshotManager) Save(ctx context.Context, snap *Snapshot) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	ph := sm.dialect.Ph
	query := fmt.Sprintf(`
		INSERT INTO snapshots
			(snapshot_id, last_order_key, state_hash, data, size_bytes, created_at)
		VALUES (%s, %s, %s, %s, %s, %s)
		ON CONFLICT (last_order_key) DO UPDATE SET
			snapshot_id = excluded.snapshot_id,
			state_hash = excluded.state_hash,
			data = excluded.data,
			size_bytes = excluded.size_bytes,
			created_at = excluded.created_at
	`, ph(1), ph(2), ph(3), ph(4), ph(5), ph(6))

	_, err = sm.db.ExecContext(ctx, query,
		snap.ID.String(), int64(snap.LastOrderKey), snap.StateHash,
		string(data), len(data), snap.CreatedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	return len(data), nil
}

// Latest loads the snapshot with the highest order key. It returns nil, nil
// when none exists.
func (sm *SnapshotManager) Latest(ctx context.Context) (*Snapshot, error) {
	var data string
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM snapshots
		ORDER BY last_order_key DESC
		LIMIT 1
	`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Prune keeps the newest keep snapshots and deletes the rest.
func (sm *SnapshotManager) Prune(ctx context.Context, keep int) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM snapshots WHERE last_order_key NOT IN (
			SELECT last_order_key FROM snapshots ORDER BY last_order_key DESC LIMIT %s
		)
	`, sm.dialect.Ph(1))
	res, err := sm.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}
