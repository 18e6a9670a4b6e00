package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpIndexer/internal/core"
	"PerpIndexer/internal/event"
	"PerpIndexer/internal/observability"
)

// ErrHalted is returned by Processor.Run when an event cannot be applied and
// retrying would not help. The offending message is left unacknowledged.
var ErrHalted = errors.New("ingestion halted")

// Applier is the engine surface the processor drives.
type Applier interface {
	Apply(ctx context.Context, evt event.Event) (core.Result, error)
}

// Backoff is an exponential retry schedule.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: 100 * time.Millisecond, Max: 30 * time.Second}
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Processor decodes raw events and applies them one at a time, in delivery
// order.
//
// A store failure is retried with backoff until it succeeds or ctx ends. A
// malformed, out-of-order or arithmetically invalid event halts the
// processor: skipping it would leave every later row wrong. Events of kinds
// the indexer does not track are acknowledged and skipped.
type Processor struct {
	applier Applier
	in      <-chan RawEvent
	backoff Backoff
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewProcessor(applier Applier, in <-chan RawEvent, backoff Backoff, logger zerolog.Logger, metrics *observability.Metrics) *Processor {
	return &Processor{
		applier: applier,
		in:      in,
		backoff: backoff,
		logger:  logger.With().Str("component", "processor").Logger(),
		metrics: metrics,
		now:     time.Now,
	}
}

// Run processes events until the input closes (nil), ctx ends (ctx.Err())
// or an event halts the processor (wrapped ErrHalted).
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-p.in:
			if !ok {
				return nil
			}
			if err := p.Process(ctx, raw); err != nil {
				return err
			}
		}
	}
}

// Process handles one raw event end to end, acknowledging it on success.
func (p *Processor) Process(ctx context.Context, raw RawEvent) error {
	if p.metrics != nil {
		p.metrics.IngestReceived.WithLabelValues(raw.Source).Inc()
	}

	evt, err := ParseEvent(raw.Data)
	if errors.Is(err, ErrUnknownEvent) {
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("skipping untracked event")
		raw.ack()
		return nil
	}
	if err != nil {
		p.logger.Error().Err(err).Str("subject", raw.Subject).Msg("undecodable event")
		return fmt.Errorf("%w: %s: %w", ErrHalted, raw.Subject, fmt.Errorf("%w: %w", core.ErrMalformedEvent, err))
	}

	for attempt := 0; ; attempt++ {
		res, err := p.applier.Apply(ctx, evt)
		if err == nil {
			raw.ack()
			if !res.Duplicate && p.metrics != nil {
				lag := p.now().Sub(evt.Meta().BlockTimestamp)
				p.metrics.IngestLag.Observe(lag.Seconds())
			}
			return nil
		}
		if !errors.Is(err, core.ErrStoreUnavailable) {
			p.logger.Error().Err(err).
				Str("log_id", evt.Meta().LogID()).
				Uint64("order_key", evt.Meta().OrderKey()).
				Msg("halting on event")
			return fmt.Errorf("%w: %s: %w", ErrHalted, evt.Meta().LogID(), err)
		}

		delay := p.backoff.Delay(attempt)
		if p.metrics != nil {
			p.metrics.IngestRetries.Inc()
		}
		p.logger.Warn().Err(err).
			Str("log_id", evt.Meta().LogID()).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("store unavailable, retrying")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			raw.nak()
			return ctx.Err()
		case <-t.C:
		}
	}
}
