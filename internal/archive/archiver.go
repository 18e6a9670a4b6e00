package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"PerpIndexer/internal/observability"
	"PerpIndexer/internal/persistence"
	"PerpIndexer/internal/store"
)

// SnapshotSaver keeps a copy of each export next to the entity store.
// *persistence.SnapshotManager implements it.
type SnapshotSaver interface {
	Save(ctx context.Context, snap *persistence.Snapshot) (int, error)
}

// Result describes one archive run.
type Result struct {
	Key          string
	LastOrderKey uint64
	Entities     int
	Bytes        int
	Skipped      bool // no event applied since the previous export
}

// Archiver exports the entity store at its current checkpoint, gzips the
// JSON document and uploads it under
//
//	{prefix}/snapshots/{lastOrderKey:020}-{snapshotID}.json.gz
//
// The zero-padded order key keeps object listings in chain order.
type Archiver struct {
	reader  store.Reader
	up      Uploader
	bucket  string
	prefix  string
	saver   SnapshotSaver
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	lastOrderKey uint64
	exported     bool
}

func NewArchiver(reader store.Reader, up Uploader, cfg S3Config, logger zerolog.Logger, metrics *observability.Metrics) *Archiver {
	return &Archiver{
		reader:  reader,
		up:      up,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		logger:  logger.With().Str("component", "archive").Logger(),
		metrics: metrics,
		now:     time.Now,
	}
}

// WithSnapshots also saves every export through s.
func (a *Archiver) WithSnapshots(s SnapshotSaver) *Archiver {
	a.saver = s
	return a
}

// SetClock replaces the export timestamp source.
func (a *Archiver) SetClock(now func() time.Time) { a.now = now }

// ObjectKey returns the object key of snap.
func (a *Archiver) ObjectKey(snap *persistence.Snapshot) string {
	name := fmt.Sprintf("%020d-%s.json.gz", snap.LastOrderKey, snap.ID)
	return path.Join(a.prefix, "snapshots", name)
}

// Archive takes one export. It is skipped when the checkpoint has not moved
// since the last successful export.
func (a *Archiver) Archive(ctx context.Context) (Result, error) {
	snap, err := persistence.BuildSnapshot(ctx, a.reader, a.now())
	if err != nil {
		return Result{}, fmt.Errorf("build snapshot: %w", err)
	}
	if a.exported && snap.LastOrderKey == a.lastOrderKey {
		return Result{LastOrderKey: snap.LastOrderKey, Skipped: true}, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(snap); err != nil {
		return Result{}, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return Result{}, fmt.Errorf("compress snapshot: %w", err)
	}
	size := buf.Len()

	key := a.ObjectKey(snap)
	_, err = a.up.Upload(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
		Metadata: map[string]string{
			"last-order-key": strconv.FormatUint(snap.LastOrderKey, 10),
			"state-hash":     snap.StateHash,
			"events-applied": strconv.FormatUint(snap.EventsApplied, 10),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("upload %s: %w", key, err)
	}

	if a.saver != nil {
		if _, err := a.saver.Save(ctx, snap); err != nil {
			return Result{}, fmt.Errorf("save snapshot: %w", err)
		}
	}

	a.lastOrderKey = snap.LastOrderKey
	a.exported = true
	if a.metrics != nil {
		a.metrics.ExportsTaken.Inc()
		a.metrics.ExportSizeBytes.Set(float64(size))
	}
	a.logger.Info().
		Str("key", key).
		Uint64("last_order_key", snap.LastOrderKey).
		Int("entities", len(snap.Entities)).
		Int("bytes", size).
		Msg("checkpoint archived")

	return Result{
		Key:          key,
		LastOrderKey: snap.LastOrderKey,
		Entities:     len(snap.Entities),
		Bytes:        size,
	}, nil
}

// Run archives every interval until ctx ends. Failures are logged and the
// next tick tries again.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.Archive(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("checkpoint archive failed")
			}
		}
	}
}
