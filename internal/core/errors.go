package core

import "errors"

// Error taxonomy of the engine. Every error aborts the current event: the
// store transaction is rolled back and nothing is emitted.
var (
	// ErrMalformedEvent: the payload failed structural validation.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrArithmetic: a division by zero while deriving state.
	ErrArithmetic = errors.New("arithmetic error")

	// ErrDuplicateApplication is returned only by ApplyStrict; Apply reports
	// duplicates as a no-op Result.
	ErrDuplicateApplication = errors.New("event already applied")

	// ErrOutOfOrder: the event sorts at or before the last applied event but
	// has never been applied.
	ErrOutOfOrder = errors.New("event out of order")

	// ErrStoreUnavailable: the entity store failed. The event can be retried.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// failureReason maps an engine error to the metrics label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedEvent):
		return "malformed"
	case errors.Is(err, ErrArithmetic):
		return "arithmetic"
	case errors.Is(err, ErrOutOfOrder):
		return "out_of_order"
	case errors.Is(err, ErrStoreUnavailable):
		return "store"
	default:
		return "other"
	}
}
