package common

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns SELL for BUY and BUY for SELL.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Instrument identifies a tradable pair. Immutable after configuration.
type Instrument struct {
	Symbol string // e.g. "XBT/EUR"
	Base   string // e.g. "XBT"
	Quote  string // e.g. "EUR"
}

// SizeSpec expresses how much to trade: buys are sized in quote currency,
// sells in base (crypto) amount. Exactly one field should be non-zero.
type SizeSpec struct {
	QuoteAmount float64
	BaseAmount  float64
}

// QuoteSize sizes a market buy in quote currency.
func QuoteSize(amount float64) SizeSpec { return SizeSpec{QuoteAmount: amount} }

// BaseSize sizes a market sell in base currency.
func BaseSize(amount float64) SizeSpec { return SizeSpec{BaseAmount: amount} }

// Fill is the venue's acknowledgement of an executed market order.
type Fill struct {
	OrderID     string
	Instrument  Instrument
	Side        Side
	Price       float64
	BaseAmount  float64 // crypto bought or sold
	QuoteAmount float64 // gross quote value at fill price
	Fee         float64 // quote currency
	ExecutedAt  time.Time
}

// NetQuote returns the quote proceeds net of fee for a sell, or the total
// quote spend for a buy.
func (f Fill) NetQuote() float64 {
	if f.Side == SideSell {
		return f.QuoteAmount - f.Fee
	}
	return f.QuoteAmount
}

// Tick is one normalized inbound price observation.
type Tick struct {
	Instrument Instrument
	Price      float64
	At         time.Time
}
