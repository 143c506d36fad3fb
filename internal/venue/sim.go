// Package venue provides the execution venues behind the engine: an
// in-memory simulated venue, the live Kraken adapter, and a retrying
// decorator shared by both.
package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"batchtrader/pkg/exchanges/common"
)

// PriceSource supplies the latest observed price per pair. Implemented by
// the stream manager.
type PriceSource interface {
	LatestPrice(pair string) (float64, time.Time, bool)
}

// Sim fills market orders in memory at the latest streamed price, charging
// the configured fee. It lets the whole engine run without credentials.
type Sim struct {
	prices   PriceSource
	feeRate  float64
	minTrade float64

	mu          sync.Mutex
	balances    map[string]float64
	instruments []common.Instrument
}

// NewSim seeds a simulated venue with an initial quote balance.
func NewSim(prices PriceSource, instruments []common.Instrument, quoteAsset string, initialBalance, feeRate, minTrade float64) *Sim {
	return &Sim{
		prices:      prices,
		feeRate:     feeRate,
		minTrade:    minTrade,
		balances:    map[string]float64{quoteAsset: initialBalance},
		instruments: instruments,
	}
}

// PlaceMarketOrder fills immediately at the latest streamed price.
func (s *Sim) PlaceMarketOrder(ctx context.Context, side common.Side, inst common.Instrument, size common.SizeSpec) (common.Fill, error) {
	price, _, ok := s.prices.LatestPrice(inst.Symbol)
	if !ok {
		return common.Fill{}, fmt.Errorf("sim: no price for %s: %w", inst.Symbol, common.ErrRejected)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fill := common.Fill{
		OrderID:    uuid.NewString(),
		Instrument: inst,
		Side:       side,
		Price:      price,
		ExecutedAt: time.Now(),
	}

	switch side {
	case common.SideBuy:
		quote := size.QuoteAmount
		if quote <= 0 {
			quote = size.BaseAmount * price
		}
		if quote < s.minTrade {
			return common.Fill{}, fmt.Errorf("sim: buy %.2f below venue minimum %.2f: %w", quote, s.minTrade, common.ErrBelowMinimum)
		}
		if s.balances[inst.Quote] < quote {
			return common.Fill{}, fmt.Errorf("sim: need %.2f %s, have %.2f: %w",
				quote, inst.Quote, s.balances[inst.Quote], common.ErrRejected)
		}
		fee := quote * s.feeRate
		base := (quote - fee) / price
		s.balances[inst.Quote] -= quote
		s.balances[inst.Base] += base
		fill.BaseAmount = base
		fill.QuoteAmount = quote
		fill.Fee = fee

	case common.SideSell:
		base := size.BaseAmount
		if base <= 0 && price > 0 {
			base = size.QuoteAmount / price
		}
		gross := base * price
		if gross < s.minTrade {
			return common.Fill{}, fmt.Errorf("sim: sell %.2f below venue minimum %.2f: %w", gross, s.minTrade, common.ErrBelowMinimum)
		}
		if s.balances[inst.Base] < base {
			return common.Fill{}, fmt.Errorf("sim: need %.8f %s, have %.8f: %w",
				base, inst.Base, s.balances[inst.Base], common.ErrRejected)
		}
		fee := gross * s.feeRate
		s.balances[inst.Base] -= base
		s.balances[inst.Quote] += gross - fee
		fill.BaseAmount = base
		fill.QuoteAmount = gross
		fill.Fee = fee

	default:
		return common.Fill{}, fmt.Errorf("sim: unknown side %q: %w", side, common.ErrRejected)
	}

	return fill, nil
}

// AvailableBalance returns the simulated balance for one asset.
func (s *Sim) AvailableBalance(ctx context.Context, asset string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[asset], nil
}

// ListInstruments returns the session's configured instruments.
func (s *Sim) ListInstruments(ctx context.Context) ([]common.Instrument, error) {
	out := make([]common.Instrument, len(s.instruments))
	copy(out, s.instruments)
	return out, nil
}
