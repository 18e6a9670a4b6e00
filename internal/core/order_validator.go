package core

import "fmt"

// OrderValidator enforces that events are applied in strictly increasing
// order key. Gaps are allowed: most logs on chain are not ours.
// Not thread-safe: only the engine goroutine touches it.
type OrderValidator struct {
	last    uint64
	started bool
	rejects int64
}

func NewOrderValidator() *OrderValidator {
	return &OrderValidator{}
}

// Check rejects an order key that does not sort after the last applied one.
func (v *OrderValidator) Check(orderKey uint64) error {
	if v.started && orderKey <= v.last {
		v.rejects++
		return fmt.Errorf("%w: order key %d, last applied %d", ErrOutOfOrder, orderKey, v.last)
	}
	return nil
}

// Advance records orderKey as applied.
func (v *OrderValidator) Advance(orderKey uint64) {
	v.last = orderKey
	v.started = true
}

// Reset initialises the validator from a checkpoint. applied == 0 means
// nothing has been applied yet.
func (v *OrderValidator) Reset(lastOrderKey, applied uint64) {
	v.last = lastOrderKey
	v.started = applied > 0
}

func (v *OrderValidator) Last() uint64 { return v.last }

func (v *OrderValidator) Rejects() int64 { return v.rejects }
