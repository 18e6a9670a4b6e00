package projection

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"PerpIndexer/internal/core"
	"PerpIndexer/internal/observability"
)

// Sink receives every committed, non-duplicate engine result.
type Sink interface {
	Name() string
	Project(ctx context.Context, res core.Result) error
}

// Worker fans engine results out to the read-side sinks. Sinks are
// eventually consistent: a failing sink is logged and counted, and the
// worker moves on. Everything a sink holds can be rebuilt from the store.
type Worker struct {
	in      <-chan core.Result
	sinks   []Sink
	logger  zerolog.Logger
	metrics *observability.Metrics

	lastOrderKey atomic.Uint64
}

func NewWorker(in <-chan core.Result, logger zerolog.Logger, metrics *observability.Metrics, sinks ...Sink) *Worker {
	return &Worker{
		in:      in,
		sinks:   sinks,
		logger:  logger.With().Str("component", "projection").Logger(),
		metrics: metrics,
	}
}

// Run consumes results until the channel closes or ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-w.in:
			if !ok {
				return nil
			}
			w.Handle(ctx, res)
		}
	}
}

// Handle projects one result through every sink.
func (w *Worker) Handle(ctx context.Context, res core.Result) {
	if res.Duplicate {
		return
	}
	for _, s := range w.sinks {
		start := time.Now()
		err := s.Project(ctx, res)
		if w.metrics != nil {
			w.metrics.ProjectionDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			if w.metrics != nil {
				w.metrics.ProjectionErrors.WithLabelValues(s.Name()).Inc()
			}
			w.logger.Warn().Err(err).
				Str("sink", s.Name()).
				Uint64("order_key", res.OrderKey).
				Msg("projection update failed")
		}
	}
	w.lastOrderKey.Store(res.OrderKey)
}

// LastOrderKey is the order key of the last projected result.
func (w *Worker) LastOrderKey() uint64 {
	return w.lastOrderKey.Load()
}
