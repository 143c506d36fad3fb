package stream

import (
	"math"
	"sync/atomic"
	"time"
)

// Subscription is the per-pair record behind the multiplexed transport.
// The consume loop writes it and the staleness checker reads it
// concurrently, so price and timestamp are single-word atomics.
type Subscription struct {
	pair       string
	priceBits  uint64 // float64 bits, 0 until the first tick
	lastUpdate int64  // unix milliseconds
	ticks      int64  // lifetime tick count, drives the init barrier
}

func newSubscription(pair string) *Subscription {
	return &Subscription{pair: pair}
}

// Pair returns the subscribed pair name.
func (s *Subscription) Pair() string { return s.pair }

// Record stores one observed price with its arrival time.
func (s *Subscription) Record(price float64, at time.Time) {
	atomic.StoreUint64(&s.priceBits, math.Float64bits(price))
	atomic.StoreInt64(&s.lastUpdate, at.UnixMilli())
	atomic.AddInt64(&s.ticks, 1)
}

// Price returns the latest observed price; ok is false before any tick.
func (s *Subscription) Price() (float64, bool) {
	bits := atomic.LoadUint64(&s.priceBits)
	if bits == 0 {
		return 0, false
	}
	return math.Float64frombits(bits), true
}

// LastUpdate returns the arrival time of the latest tick.
func (s *Subscription) LastUpdate() time.Time {
	return time.UnixMilli(atomic.LoadInt64(&s.lastUpdate))
}

// Touch moves the staleness clock forward without recording a price, used
// after a repair so the next check does not immediately re-fire.
func (s *Subscription) Touch(at time.Time) {
	atomic.StoreInt64(&s.lastUpdate, at.UnixMilli())
}

// Ticks returns how many ticks the subscription has delivered.
func (s *Subscription) Ticks() int64 {
	return atomic.LoadInt64(&s.ticks)
}
