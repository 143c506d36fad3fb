// Package history keeps a fixed-duration rolling window of observed prices
// per instrument. The window length is derived from the configured duration
// and decision interval; pushing past capacity silently evicts the oldest
// entry.
package history

import "time"

// Buffer is a capped FIFO of prices, oldest first.
type Buffer struct {
	prices []float64
	cap    int
}

// WindowLength converts a window duration and decision interval into the
// buffer capacity, minimum 1.
func WindowLength(window, interval time.Duration) int {
	if interval <= 0 {
		interval = time.Second
	}
	n := int(window / interval)
	if n < 1 {
		n = 1
	}
	return n
}

// NewBuffer creates a buffer holding at most capacity entries.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{prices: make([]float64, 0, capacity), cap: capacity}
}

// Push appends a price, evicting the oldest entry when full.
func (b *Buffer) Push(price float64) {
	if len(b.prices) >= b.cap {
		copy(b.prices, b.prices[1:])
		b.prices = b.prices[:len(b.prices)-1]
	}
	b.prices = append(b.prices, price)
}

// Len reports how many prices are currently buffered.
func (b *Buffer) Len() int { return len(b.prices) }

// Cap reports the configured capacity.
func (b *Buffer) Cap() int { return b.cap }

// Back returns the price k steps back from the most recent entry (k=0 is
// the latest). The second return is false when the buffer is too short.
func (b *Buffer) Back(k int) (float64, bool) {
	idx := len(b.prices) - 1 - k
	if k < 0 || idx < 0 {
		return 0, false
	}
	return b.prices[idx], true
}

// LastN returns up to n most recent prices in chronological order.
func (b *Buffer) LastN(n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n > len(b.prices) {
		n = len(b.prices)
	}
	out := make([]float64, n)
	copy(out, b.prices[len(b.prices)-n:])
	return out
}
