package common

import (
	"context"
	"errors"
)

var (
	// ErrRejected marks a venue-side refusal (insufficient funds, below
	// minimum, invalid instrument). Not retryable.
	ErrRejected = errors.New("order rejected by venue")

	// ErrBelowMinimum marks an order smaller than the venue's minimum
	// tradable amount. Not retryable.
	ErrBelowMinimum = errors.New("order below venue minimum")

	// ErrNotYetOpen marks a subscription attempted before the transport
	// finished its handshake. Retryable after a short delay.
	ErrNotYetOpen = errors.New("transport not yet open")
)

// ExecutionVenue abstracts order placement and balance queries. All calls
// may fail transiently; callers retry with a bounded RetryPolicy.
type ExecutionVenue interface {
	PlaceMarketOrder(ctx context.Context, side Side, inst Instrument, size SizeSpec) (Fill, error)
	AvailableBalance(ctx context.Context, asset string) (float64, error)
	ListInstruments(ctx context.Context) ([]Instrument, error)
}
