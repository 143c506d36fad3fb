package events

import "time"

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	EventPriceTick      Event = "price_tick"
	EventCheck          Event = "check"
	EventBatchCreated   Event = "batch_created"
	EventMultiStepSell  Event = "multi_step_sell"
	EventStopLoss       Event = "stop_loss"
	EventBatchCompleted Event = "batch_completed"
	EventWallet         Event = "wallet"
	EventMaxPrice       Event = "max_price"
	EventStreamError    Event = "stream_error"
	EventStreamReady    Event = "stream_ready"
	EventTrade          Event = "trade"
)

// Envelope is the published unit on the bus: the event name travels with
// the payload so multiplexed subscribers (the dashboard socket) can tag
// outbound frames without reflection.
type Envelope struct {
	Type Event `json:"type"`
	Data any   `json:"data"`
}

// PriceUpdate is the normalized inbound tick forwarded to the dashboard.
type PriceUpdate struct {
	Instrument string    `json:"instrument"`
	Price      float64   `json:"price"`
	BuyPrice   float64   `json:"buy_price,omitempty"` // lowest open batch buy price, 0 when flat
	MaxPrice   float64   `json:"max_price,omitempty"` // highest batch peak, 0 when flat
	At         time.Time `json:"at"`
}

// Check is the canonical decision-audit event emitted once per evaluated
// instrument per decision tick.
type Check struct {
	Instrument string    `json:"instrument"`
	Amount     float64   `json:"amount"`
	Price      float64   `json:"price"`
	Reason     string    `json:"reason"`
	Action     string    `json:"action,omitempty"` // "buy", "sell" or empty
	Wallet     float64   `json:"wallet"`
	TradeIndex int64     `json:"trade_index"`
	At         time.Time `json:"at"`
}

// Trade reports one executed leg together with the resulting wallet balance.
type Trade struct {
	BatchID    string    `json:"batch_id"`
	Instrument string    `json:"instrument"`
	Side       string    `json:"side"`
	BaseAmount float64   `json:"base_amount"`
	QuoteValue float64   `json:"quote_value"`
	Price      float64   `json:"price"`
	Fee        float64   `json:"fee"`
	Reason     string    `json:"reason"`
	Wallet     float64   `json:"wallet"`
	At         time.Time `json:"at"`
}

// BatchEvent announces a batch lifecycle change: created or completed.
type BatchEvent struct {
	BatchID          string    `json:"batch_id"`
	Instrument       string    `json:"instrument"`
	BuyPrice         float64   `json:"buy_price"`
	BuyAmount        float64   `json:"buy_amount"`
	Crypto           float64   `json:"crypto"`
	RemainingPercent float64   `json:"remaining_percent"`
	RealizedProfit   float64   `json:"realized_profit,omitempty"`
	At               time.Time `json:"at"`
}

// WalletUpdate carries the shared balance after a mutation.
type WalletUpdate struct {
	Balance float64   `json:"balance"`
	At      time.Time `json:"at"`
}

// StreamError surfaces transport/subscription problems. Fatal means
// recovery is exhausted and trading has halted.
type StreamError struct {
	Message string    `json:"message"`
	Fatal   bool      `json:"fatal"`
	At      time.Time `json:"at"`
}
