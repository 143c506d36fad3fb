package engine

import (
	"time"

	"github.com/google/uuid"

	"batchtrader/internal/history"
	"batchtrader/pkg/exchanges/common"
)

// completionEpsilon absorbs float dust when deciding a batch is fully
// unwound.
const completionEpsilon = 1e-8

// Mode is the derived per-asset state: accumulating while flat, holding
// while at least one batch is open.
type Mode string

const (
	ModeAccumulating Mode = "ACCUMULATING"
	ModeHolding      Mode = "HOLDING"
)

// SellStep is one planned partial exit of a batch. Percent refers to the
// original batch size, not the remainder. A step whose computed trade value
// falls under the venue minimum is marked completed without executing.
type SellStep struct {
	ThresholdPercent float64   `json:"threshold_percent"` // profit percent above buy that arms the step
	Percent          float64   `json:"percent"`           // share of the original batch to liquidate
	Completed        bool      `json:"completed"`
	Skipped          bool      `json:"skipped"`
	SoldPrice        float64   `json:"sold_price,omitempty"`
	SoldAmount       float64   `json:"sold_amount,omitempty"` // net quote proceeds
	SoldAt           time.Time `json:"sold_at,omitempty"`

	// Peak tracks the highest price seen since the step armed. The step
	// sells on the first drop below it, never on the first threshold touch.
	Peak float64 `json:"peak,omitempty"`
}

// TargetPrice returns the price that arms the step.
func (s *SellStep) TargetPrice(buyPrice float64) float64 {
	return buyPrice * (1 + s.ThresholdPercent/100)
}

// StopLoss is the per-batch unconditional exit trigger.
type StopLoss struct {
	TriggerPrice float64 `json:"trigger_price"`
}

// Batch is one buy fill and its unwind lifecycle.
type Batch struct {
	ID               string      `json:"id"`
	BuyPrice         float64     `json:"buy_price"`
	BuyAmount        float64     `json:"buy_amount"` // quote spent
	Crypto           float64     `json:"crypto"`     // base bought
	RemainingCrypto  float64     `json:"remaining_crypto"`
	RemainingPercent float64     `json:"remaining_percent"`
	PeakPrice        float64     `json:"peak_price"`
	WaitCount        int         `json:"wait_count"`
	NetProceeds      float64     `json:"net_proceeds"` // quote credited so far
	Steps            []*SellStep `json:"steps,omitempty"`
	StopLoss         StopLoss    `json:"stop_loss"`
	CreatedAt        time.Time   `json:"created_at"`
	CompletedAt      time.Time   `json:"completed_at,omitempty"`
}

// NewBatch creates a batch from a buy fill.
func NewBatch(fill common.Fill, stopLossPercent float64, steps []*SellStep) *Batch {
	return &Batch{
		ID:               uuid.NewString(),
		BuyPrice:         fill.Price,
		BuyAmount:        fill.QuoteAmount,
		Crypto:           fill.BaseAmount,
		RemainingCrypto:  fill.BaseAmount,
		RemainingPercent: 100,
		PeakPrice:        fill.Price,
		Steps:            steps,
		StopLoss:         StopLoss{TriggerPrice: fill.Price * (1 - stopLossPercent)},
		CreatedAt:        fill.ExecutedAt,
	}
}

// Completed reports whether the batch is fully unwound.
func (b *Batch) Completed() bool {
	return b.RemainingCrypto < completionEpsilon || b.RemainingPercent < completionEpsilon
}

// UpdatePeak raises the batch peak when price makes a new high.
func (b *Batch) UpdatePeak(price float64) {
	if price > b.PeakPrice {
		b.PeakPrice = price
	}
}

// Reduce books a partial sale: crypto sold, its share of the original batch
// and the net quote credited. Snaps to zero within the epsilon.
func (b *Batch) Reduce(crypto, percentOfOriginal, netProceeds float64) {
	b.RemainingCrypto -= crypto
	b.RemainingPercent -= percentOfOriginal
	b.NetProceeds += netProceeds
	if b.RemainingCrypto < completionEpsilon {
		b.RemainingCrypto = 0
	}
	if b.RemainingPercent < completionEpsilon {
		b.RemainingPercent = 0
	}
	if b.Completed() {
		b.RemainingCrypto = 0
		b.RemainingPercent = 0
		b.CompletedAt = time.Now()
	}
}

// NextStep returns the first incomplete sell step, nil when none remain.
func (b *Batch) NextStep() *SellStep {
	for _, s := range b.Steps {
		if !s.Completed {
			return s
		}
	}
	return nil
}

// Asset is the per-instrument aggregate: price history, open batches and
// the entry cooldown.
type Asset struct {
	Instrument common.Instrument `json:"instrument"`
	Batches    []*Batch          `json:"batches"`
	Cooldown   int               `json:"cooldown"` // decision ticks before entries resume

	History *history.Buffer `json:"-"`
}

// NewAsset creates a flat asset with an empty history window.
func NewAsset(inst common.Instrument, windowLen int) *Asset {
	return &Asset{
		Instrument: inst,
		History:    history.NewBuffer(windowLen),
	}
}

// Mode derives the state from the active batch list.
func (a *Asset) Mode() Mode {
	if len(a.ActiveBatches()) > 0 {
		return ModeHolding
	}
	return ModeAccumulating
}

// ActiveBatches returns the batches still holding crypto.
func (a *Asset) ActiveBatches() []*Batch {
	out := make([]*Batch, 0, len(a.Batches))
	for _, b := range a.Batches {
		if !b.Completed() {
			out = append(out, b)
		}
	}
	return out
}

// LowestBuyPrice returns the smallest open buy price, 0 when flat. Feeds
// the dashboard's buy-price line.
func (a *Asset) LowestBuyPrice() float64 {
	var lowest float64
	for _, b := range a.ActiveBatches() {
		if lowest == 0 || b.BuyPrice < lowest {
			lowest = b.BuyPrice
		}
	}
	return lowest
}

// HighestPeak returns the highest peak across open batches, 0 when flat.
func (a *Asset) HighestPeak() float64 {
	var peak float64
	for _, b := range a.ActiveBatches() {
		if b.PeakPrice > peak {
			peak = b.PeakPrice
		}
	}
	return peak
}

// dropCompleted removes completed batches from the active list.
func (a *Asset) dropCompleted() {
	kept := a.Batches[:0]
	for _, b := range a.Batches {
		if !b.Completed() {
			kept = append(kept, b)
		}
	}
	a.Batches = kept
}
