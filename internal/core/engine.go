package core

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"PerpIndexer/internal/candle"
	"PerpIndexer/internal/event"
	"PerpIndexer/internal/history"
	fpmath "PerpIndexer/internal/math"
	"PerpIndexer/internal/observability"
	"PerpIndexer/internal/state"
	"PerpIndexer/internal/store"
)

// Source debited by ProtocolFeeTransferred.
const (
	FeeDebitProtocolFee   = "protocol_fee"
	FeeDebitInsuranceFund = "insurance_fund"
)

type Options struct {
	// ProtocolFeeDebit selects the protocol balance a ProtocolFeeTransferred
	// draws from: FeeDebitProtocolFee (default) or FeeDebitInsuranceFund.
	ProtocolFeeDebit string

	// ProtocolMeta is stamped on the Protocol row when it is created.
	ProtocolMeta state.ProtocolMeta

	// LRUSize bounds the applied-log cache. Default 10000.
	LRUSize int

	// OutputBuffer > 0 enables Outputs().
	OutputBuffer int

	// OnDrop, when set, receives a result the output buffer had no room for.
	// It runs on the Apply path after the commit.
	OnDrop func(Result)
}

func (o Options) withDefaults() Options {
	if o.ProtocolFeeDebit == "" {
		o.ProtocolFeeDebit = FeeDebitProtocolFee
	}
	if o.LRUSize <= 0 {
		o.LRUSize = 10_000
	}
	return o
}

// MarketAllowedNotice is emitted when a market's allow flag changes, so that
// a market-scoped event source can be started or stopped.
type MarketAllowedNotice struct {
	Market      string `json:"market"`
	Allowed     bool   `json:"allowed"`
	BlockNumber uint64 `json:"blockNumber"`
	Timestamp   int64  `json:"timestamp"`
}

// Result describes one Apply call.
type Result struct {
	Event     event.Event
	Kind      event.EventType
	LogID     string
	OrderKey  uint64
	StateHash string

	// Duplicate is set when the event had already been applied. Nothing was
	// written and Entities is empty.
	Duplicate bool

	// Entities are the rows written by the event, EventLog and Checkpoint
	// included, in (kind, id) order.
	Entities []state.Entity

	MarketAllowed *MarketAllowedNotice
}

// Engine applies decoded chain events to the entity store. Each event is
// applied in one store transaction: either every row it touches is written
// together with its EventLog and the Checkpoint, or nothing is.
//
// Apply calls are serialized; the engine is meant to be fed by one ingestion
// loop.
type Engine struct {
	mu sync.Mutex

	store   store.Store
	opts    Options
	logger  zerolog.Logger
	metrics *observability.Metrics

	lru     *AppliedLRU
	order   *OrderValidator
	hasher  *StateHasher
	candles *candle.Aggregator
	history *history.Ledger

	checkpoint state.Checkpoint
	outputs    chan Result
	dropped    int64
}

func NewEngine(st store.Store, opts Options, logger zerolog.Logger, metrics *observability.Metrics) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		store:      st,
		opts:       opts,
		logger:     logger.With().Str("component", "engine").Logger(),
		metrics:    metrics,
		lru:        NewAppliedLRU(opts.LRUSize),
		order:      NewOrderValidator(),
		hasher:     NewStateHasher(),
		candles:    candle.NewAggregator(metrics),
		history:    history.NewLedger(),
		checkpoint: *state.NewCheckpoint(),
	}
	if opts.OutputBuffer > 0 {
		e.outputs = make(chan Result, opts.OutputBuffer)
	}
	return e
}

// Restore resumes from the persisted Checkpoint: the order validator, the
// hash chain and the applied-log cache continue where the last run stopped.
func (e *Engine) Restore(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp := state.NewCheckpoint()
	if _, err := e.store.Get(ctx, state.KindCheckpoint, state.CheckpointID, cp); err != nil {
		return fmt.Errorf("%w: load checkpoint: %w", ErrStoreUnavailable, err)
	}
	if err := e.hasher.Reset(cp.StateHash); err != nil {
		return err
	}
	e.order.Reset(cp.LastOrderKey, cp.EventsApplied)
	e.checkpoint = *cp

	ids, err := e.recentLogIDs(ctx, cp.EventsApplied)
	if err != nil {
		return fmt.Errorf("%w: warm applied cache: %w", ErrStoreUnavailable, err)
	}
	e.lru.Warm(ids)
	if e.metrics != nil {
		e.metrics.LRUSize.Set(float64(e.lru.Size()))
		e.metrics.LastOrderKey.Set(float64(cp.LastOrderKey))
	}

	e.logger.Info().
		Uint64("last_order_key", cp.LastOrderKey).
		Uint64("events_applied", cp.EventsApplied).
		Str("state_hash", cp.StateHash).
		Int("lru_warm", len(ids)).
		Msg("engine restored")
	return nil
}

// recentLogIDs returns up to LRUSize applied log ids, oldest first, reading
// AppliedPages backwards from the checkpoint.
func (e *Engine) recentLogIDs(ctx context.Context, eventsApplied uint64) ([]string, error) {
	if eventsApplied == 0 {
		return nil, nil
	}
	var pages [][]string
	n := 0
	for page := (eventsApplied - 1) / state.AppliedPageSize; n < e.opts.LRUSize; page-- {
		p := state.NewAppliedPage(page)
		found, err := e.store.Get(ctx, state.KindAppliedPage, p.ID, p)
		if err != nil {
			return nil, err
		}
		if !found {
			break
		}
		pages = append(pages, p.LogIDs)
		n += len(p.LogIDs)
		if page == 0 {
			break
		}
	}
	ids := make([]string, 0, n)
	for i := len(pages) - 1; i >= 0; i-- {
		ids = append(ids, pages[i]...)
	}
	if len(ids) > e.opts.LRUSize {
		ids = ids[len(ids)-e.opts.LRUSize:]
	}
	return ids, nil
}

// Apply validates and applies one event. A redelivered event returns a
// Result with Duplicate set and a nil error.
func (e *Engine) Apply(ctx context.Context, evt event.Event) (Result, error) {
	start := time.Now()
	kind := "Unknown"
	if evt != nil {
		kind = evt.EventType().String()
	}

	res, err := e.apply(ctx, evt)
	if err != nil {
		if e.metrics != nil {
			e.metrics.EventsFailed.WithLabelValues(kind, failureReason(err)).Inc()
		}
		e.logger.Error().Err(err).Str("kind", kind).Msg("apply failed")
		return Result{}, err
	}

	if res.Duplicate {
		if e.metrics != nil {
			e.metrics.EventsDuplicate.WithLabelValues(kind).Inc()
		}
		e.logger.Debug().Str("kind", kind).Str("log_id", res.LogID).Msg("duplicate event skipped")
		return res, nil
	}

	if e.metrics != nil {
		e.metrics.EventsApplied.WithLabelValues(kind).Inc()
		e.metrics.ApplyDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		e.metrics.LastOrderKey.Set(float64(res.OrderKey))
	}
	e.logger.Debug().
		Str("kind", kind).
		Uint64("order_key", res.OrderKey).
		Str("log_id", res.LogID).
		Int("rows", len(res.Entities)).
		Msg("event applied")

	e.emit(res)
	return res, nil
}

// ApplyStrict is Apply for callers that require at-most-once delivery: a
// duplicate is reported as ErrDuplicateApplication.
func (e *Engine) ApplyStrict(ctx context.Context, evt event.Event) (Result, error) {
	res, err := e.Apply(ctx, evt)
	if err != nil {
		return res, err
	}
	if res.Duplicate {
		return res, fmt.Errorf("%w: %s", ErrDuplicateApplication, res.LogID)
	}
	return res, nil
}

func (e *Engine) apply(ctx context.Context, evt event.Event) (Result, error) {
	if evt == nil {
		return Result{}, fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	kind := evt.EventType()
	if err := evt.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrMalformedEvent, kind, err)
	}

	meta := evt.Meta()
	logID := meta.LogID()
	orderKey := meta.OrderKey()
	res := Result{Event: evt, Kind: kind, LogID: logID, OrderKey: orderKey}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lru.Contains(logID) {
		if e.metrics != nil {
			e.metrics.LRUHits.Inc()
		}
		res.Duplicate = true
		return res, nil
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: begin: %w", ErrStoreUnavailable, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	repo := store.NewRepo(tx)
	applied, err := repo.Exists(ctx, state.KindEventLog, logID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: event log lookup: %w", ErrStoreUnavailable, err)
	}
	if applied {
		e.lru.Add(logID)
		res.Duplicate = true
		return res, nil
	}

	if err := e.order.Check(orderKey); err != nil {
		return Result{}, err
	}

	notice, err := e.dispatch(ctx, repo, evt)
	if err != nil {
		return Result{}, classify(kind, err)
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode %s: %w", ErrMalformedEvent, kind, err)
	}
	digest, err := stateDigest(repo.Entities(), payload)
	if err != nil {
		return Result{}, fmt.Errorf("%w: digest: %w", ErrMalformedEvent, err)
	}
	hash := e.hasher.ComputeHash(orderKey, digest)
	hashHex := HashHex(hash)

	repo.Put(&state.EventLog{
		ID:              logID,
		Kind:            kind.String(),
		OrderKey:        orderKey,
		TxHash:          meta.TxHash,
		BlockNumber:     meta.BlockNumber,
		LogIndex:        meta.LogIndex,
		ContractAddress: meta.ContractAddress,
		Timestamp:       meta.TimestampMs(),
		StateHash:       hashHex,
		Payload:         payload,
	})

	page, err := repo.AppliedPage(ctx, e.checkpoint.EventsApplied/state.AppliedPageSize)
	if err != nil {
		return Result{}, fmt.Errorf("%w: applied page: %w", ErrStoreUnavailable, err)
	}
	page.LogIDs = append(page.LogIDs, logID)

	cp := e.checkpoint
	cp.LastOrderKey = orderKey
	cp.LastLogID = logID
	cp.StateHash = hashHex
	cp.EventsApplied++
	cp.UpdatedAt = meta.TimestampMs()
	repo.Put(&cp)

	written, err := repo.Flush(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: flush: %w", ErrStoreUnavailable, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("%w: commit: %w", ErrStoreUnavailable, err)
	}
	committed = true

	e.hasher.Advance(hash)
	e.order.Advance(orderKey)
	e.checkpoint = cp
	e.lru.Add(logID)
	if e.metrics != nil {
		e.metrics.LRUSize.Set(float64(e.lru.Size()))
	}

	res.StateHash = hashHex
	res.Entities = written
	res.MarketAllowed = notice
	return res, nil
}

// classify maps a handler failure onto the error taxonomy.
func classify(kind event.EventType, err error) error {
	switch {
	case errors.Is(err, fpmath.ErrDivisionByZero):
		return fmt.Errorf("%w: %s: %w", ErrArithmetic, kind, err)
	case errors.Is(err, ErrArithmetic), errors.Is(err, ErrMalformedEvent):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, kind, err)
	}
}

// stateDigest covers every row the event touched, in flush order, followed by
// the event payload.
func stateDigest(entities []state.Entity, payload []byte) ([]byte, error) {
	h := sha256.New()
	for _, ent := range entities {
		body, err := json.Marshal(ent)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", ent.EntityKind(), ent.EntityID(), err)
		}
		h.Write([]byte(ent.EntityKind()))
		h.Write([]byte{0})
		h.Write([]byte(ent.EntityID()))
		h.Write([]byte{0})
		h.Write(body)
	}
	h.Write(payload)
	return h.Sum(nil), nil
}

// emit is non-blocking: a slow consumer loses outputs, never stalls the
// engine. A dropped result is handed to Options.OnDrop. The store remains the
// source of truth.
func (e *Engine) emit(res Result) {
	if !e.send(res) {
		if e.opts.OnDrop != nil {
			e.opts.OnDrop(res)
		}
	}
}

// send reports false only when the result was dropped.
func (e *Engine) send(res Result) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outputs == nil {
		return true
	}
	select {
	case e.outputs <- res:
		return true
	default:
		e.dropped++
		if e.metrics != nil {
			e.metrics.ProjectionErrors.WithLabelValues("engine_output").Inc()
		}
		e.logger.Warn().Uint64("order_key", res.OrderKey).Msg("output buffer full, result dropped")
		return false
	}
}

// Outputs streams applied results. Nil unless Options.OutputBuffer > 0.
func (e *Engine) Outputs() <-chan Result {
	return e.outputs
}

// Close ends the output stream. Apply must not be called afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outputs != nil {
		close(e.outputs)
		e.outputs = nil
	}
}

// Checkpoint returns the position of the last applied event.
func (e *Engine) Checkpoint() state.Checkpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkpoint
}

// Dropped counts results lost to a full output buffer.
func (e *Engine) Dropped() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}
