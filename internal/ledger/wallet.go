// Package ledger tracks the shared quote-currency wallet and the
// per-instrument realized results. The wallet is the only state shared
// across instruments; every execution mutates it inside one critical
// section so concurrent instruments never interleave a read-apply-write.
package ledger

import (
	"errors"
	"sync"
)

// ErrInsufficientFunds is returned when a debit would overdraw the wallet.
var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

// AssetStats accumulates realized results for one instrument.
type AssetStats struct {
	RealizedProfit float64 `json:"realized_profit"`
	Invested       float64 `json:"invested"`
	Trades         int64   `json:"trades"`
	TradeIndex     int64   `json:"trade_index"`
}

// Wallet is the session-wide quote balance plus per-instrument stats.
type Wallet struct {
	mu      sync.Mutex
	balance float64
	stats   map[string]*AssetStats
}

// NewWallet creates a wallet seeded with an initial quote balance.
func NewWallet(initial float64) *Wallet {
	return &Wallet{balance: initial, stats: make(map[string]*AssetStats)}
}

// Balance returns the current quote balance.
func (w *Wallet) Balance() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance
}

// SetBalance overwrites the balance with a venue-reported value. Used by
// live-mode reconciliation after orders and on the periodic resync.
func (w *Wallet) SetBalance(balance float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balance = balance
}

// Transact runs fn with the wallet locked for the whole execution. fn
// receives the current balance and returns the new one; returning an error
// leaves the balance untouched. The lock spans fn so a venue call inside it
// serializes against every other execution.
func (w *Wallet) Transact(fn func(balance float64) (float64, error)) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	next, err := fn(w.balance)
	if err != nil {
		return w.balance, err
	}
	w.balance = next
	return w.balance, nil
}

// Debit subtracts amount, failing with ErrInsufficientFunds on overdraw.
func (w *Wallet) Debit(amount float64) (float64, error) {
	return w.Transact(func(balance float64) (float64, error) {
		if amount > balance {
			return 0, ErrInsufficientFunds
		}
		return balance - amount, nil
	})
}

// Credit adds net sell proceeds to the balance.
func (w *Wallet) Credit(amount float64) float64 {
	balance, _ := w.Transact(func(balance float64) (float64, error) {
		return balance + amount, nil
	})
	return balance
}

func (w *Wallet) statsLocked(instrument string) *AssetStats {
	s, ok := w.stats[instrument]
	if !ok {
		s = &AssetStats{}
		w.stats[instrument] = s
	}
	return s
}

// RecordBuy adds a buy's quote amount to the instrument's invested total.
func (w *Wallet) RecordBuy(instrument string, quoteAmount float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.statsLocked(instrument)
	s.Invested += quoteAmount
	s.Trades++
}

// RecordSell adds a completed sell's realized profit (net proceeds minus
// the portion of the buy amount unwound; negative for a stop loss).
func (w *Wallet) RecordSell(instrument string, profit float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.statsLocked(instrument)
	s.RealizedProfit += profit
	s.Trades++
}

// NextTradeIndex returns the instrument's next monotonic decision index.
func (w *Wallet) NextTradeIndex(instrument string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.statsLocked(instrument)
	s.TradeIndex++
	return s.TradeIndex
}

// Stats returns a copy of the instrument's accumulated stats.
func (w *Wallet) Stats(instrument string) AssetStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.statsLocked(instrument)
}

// AllStats returns a copy of every instrument's stats keyed by symbol.
func (w *Wallet) AllStats() map[string]AssetStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]AssetStats, len(w.stats))
	for k, v := range w.stats {
		out[k] = *v
	}
	return out
}

// RestoreStats replaces an instrument's stats, used when resuming a session
// from a persisted snapshot.
func (w *Wallet) RestoreStats(instrument string, s AssetStats) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := s
	w.stats[instrument] = &cp
}
