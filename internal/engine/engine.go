// Package engine drives the per-instrument batch state machine: entries on
// detector signals, partial exits over the configured sell ladder,
// unconditional stop losses, and the wallet bookkeeping around every leg.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"batchtrader/internal/economics"
	"batchtrader/internal/events"
	"batchtrader/internal/ledger"
	"batchtrader/internal/monitor"
	"batchtrader/internal/signal"
	"batchtrader/pkg/exchanges/common"
)

// ErrOpenPositionsLive is returned by Reset in live mode while batches are
// still open: the engine refuses to auto-liquidate real positions.
var ErrOpenPositionsLive = errors.New("engine: open live positions, liquidate manually before reset")

// PriceSource supplies the latest streamed price per pair.
type PriceSource interface {
	LatestPrice(pair string) (float64, time.Time, bool)
}

// Config tunes the engine. Steps, when non-empty, switches new batches from
// the traditional single exit to the multi-step ladder.
type Config struct {
	BuyAmount       float64
	FeeRate         float64
	MinTradeAmount  float64
	Params          signal.Params
	CooldownTicks   int
	WindowLen       int
	Steps           []StepSpec
	ReinvestProfits bool
	Live            bool
}

// Engine owns every Asset and serializes all decisions under one mutex; the
// wallet additionally serializes executions across any other caller.
type Engine struct {
	cfg     Config
	venue   common.ExecutionVenue
	wallet  *ledger.Wallet
	prices  PriceSource
	bus     *events.Bus
	metrics *monitor.SystemMetrics

	mu     sync.Mutex
	assets map[string]*Asset
	order  []string
}

// New builds an engine for the configured instruments.
func New(cfg Config, instruments []common.Instrument, venue common.ExecutionVenue, wallet *ledger.Wallet, prices PriceSource, bus *events.Bus, metrics *monitor.SystemMetrics) (*Engine, error) {
	if err := economics.ValidateMinProfitMultiplier(cfg.Params.MinProfitMultiplier, cfg.FeeRate); err != nil {
		return nil, err
	}
	if err := ValidateSellSteps(cfg.Steps); err != nil {
		return nil, err
	}
	// A step sells at or above buy*(1+threshold/100), so every threshold
	// must clear the same profit floor the traditional exits honor.
	for i, s := range cfg.Steps {
		if 1+s.ThresholdPercent/100 < cfg.Params.MinProfitMultiplier-1e-9 {
			return nil, fmt.Errorf("sell step %d: threshold %.2f%% sells below the %.4f profit floor",
				i+1, s.ThresholdPercent, cfg.Params.MinProfitMultiplier)
		}
	}
	e := &Engine{
		cfg:     cfg,
		venue:   venue,
		wallet:  wallet,
		prices:  prices,
		bus:     bus,
		metrics: metrics,
		assets:  make(map[string]*Asset, len(instruments)),
	}
	for _, inst := range instruments {
		e.assets[inst.Symbol] = NewAsset(inst, cfg.WindowLen)
		e.order = append(e.order, inst.Symbol)
	}
	return e, nil
}

// EvaluateAll runs one decision pass over every instrument against its
// latest streamed price. Instruments without a price yet are skipped.
func (e *Engine) EvaluateAll(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sym := range e.order {
		price, _, ok := e.prices.LatestPrice(sym)
		if !ok {
			continue
		}
		e.evaluate(ctx, e.assets[sym], price)
	}
}

// evaluate is one instrument's decision tick. The history holds prior ticks
// only while deciding; the current price is appended afterwards.
func (e *Engine) evaluate(ctx context.Context, a *Asset, price float64) {
	var timer *monitor.Timer
	if e.metrics != nil {
		timer = monitor.NewTimer(e.metrics.DecisionLatency)
		defer timer.Stop()
	}

	e.publish(events.EventPriceTick, events.PriceUpdate{
		Instrument: a.Instrument.Symbol,
		Price:      price,
		BuyPrice:   a.LowestBuyPrice(),
		MaxPrice:   a.HighestPeak(),
		At:         time.Now(),
	})

	var reason, action string
	if a.Mode() == ModeHolding {
		reason, action = e.evaluateHolding(ctx, a, price)
	} else {
		reason, action = e.evaluateEntry(ctx, a, price)
	}

	a.History.Push(price)

	e.publish(events.EventCheck, events.Check{
		Instrument: a.Instrument.Symbol,
		Amount:     e.holdingCrypto(a),
		Price:      price,
		Reason:     reason,
		Action:     action,
		Wallet:     e.wallet.Balance(),
		TradeIndex: e.wallet.NextTradeIndex(a.Instrument.Symbol),
		At:         time.Now(),
	})
}

func (e *Engine) holdingCrypto(a *Asset) float64 {
	var total float64
	for _, b := range a.ActiveBatches() {
		total += b.RemainingCrypto
	}
	return total
}

// evaluateEntry considers opening a new batch while the asset is flat.
func (e *Engine) evaluateEntry(ctx context.Context, a *Asset, price float64) (string, string) {
	if a.Cooldown > 0 {
		a.Cooldown--
		return fmt.Sprintf("cooldown, %d ticks left", a.Cooldown), ""
	}
	sig, ok := signal.EvaluateEntry(a.History, price)
	if !ok {
		return "no entry pattern", ""
	}
	if err := e.executeBuy(ctx, a, sig.Reason, 0); err != nil {
		return fmt.Sprintf("entry matched but buy failed: %v", err), ""
	}
	return sig.Reason, "buy"
}

// evaluateHolding walks every open batch: peak update, stop loss, then the
// step ladder or the traditional exit rules.
func (e *Engine) evaluateHolding(ctx context.Context, a *Asset, price float64) (string, string) {
	reason, action := "holding", ""
	for _, b := range a.ActiveBatches() {
		prevPeak := b.PeakPrice
		b.UpdatePeak(price)
		if b.PeakPrice > prevPeak {
			e.publish(events.EventMaxPrice, events.PriceUpdate{
				Instrument: a.Instrument.Symbol,
				Price:      price,
				BuyPrice:   b.BuyPrice,
				MaxPrice:   b.PeakPrice,
				At:         time.Now(),
			})
		}

		if len(b.Steps) > 0 {
			// Stop loss comes before any step bookkeeping.
			if price <= b.StopLoss.TriggerPrice {
				detail := fmt.Sprintf("price %.4f at or below stop %.4f", price, b.StopLoss.TriggerPrice)
				if err := e.executeSell(ctx, a, b, b.RemainingCrypto, b.RemainingPercent, string(signal.ExitStopLoss)+": "+detail, events.EventStopLoss); err == nil {
					reason, action = detail, "sell"
				}
				continue
			}
			if r, sold := e.evaluateSteps(ctx, a, b, price); sold {
				reason, action = r, "sell"
			} else if r != "" {
				reason = r
			}
			continue
		}

		sig, newWait, fired := signal.EvaluateExit(e.cfg.Params, b.BuyPrice, b.PeakPrice, price, a.History, b.WaitCount)
		b.WaitCount = newWait
		if !fired {
			continue
		}
		ev := events.EventMultiStepSell
		if sig.Reason == signal.ExitStopLoss {
			ev = events.EventStopLoss
		}
		if err := e.executeSell(ctx, a, b, b.RemainingCrypto, b.RemainingPercent, string(sig.Reason)+": "+sig.Detail, ev); err == nil {
			reason, action = sig.Detail, "sell"
		}
	}
	a.dropCompleted()
	return reason, action
}

// evaluateSteps advances a batch's sell ladder. A step arms once price
// clears its threshold, then sells on the first drop below the step-local
// peak so the first touch never executes. Once every step is done any
// remainder falls back to the traditional exit rules.
func (e *Engine) evaluateSteps(ctx context.Context, a *Asset, b *Batch, price float64) (string, bool) {
	step := b.NextStep()
	if step == nil {
		sig, newWait, fired := signal.EvaluateExit(e.cfg.Params, b.BuyPrice, b.PeakPrice, price, a.History, b.WaitCount)
		b.WaitCount = newWait
		if !fired {
			return "", false
		}
		if err := e.executeSell(ctx, a, b, b.RemainingCrypto, b.RemainingPercent, string(sig.Reason)+": "+sig.Detail, events.EventMultiStepSell); err != nil {
			return "", false
		}
		return sig.Detail, true
	}

	if price < step.TargetPrice(b.BuyPrice) {
		return "", false
	}
	if price > step.Peak {
		step.Peak = price
		return fmt.Sprintf("step armed at %.4f, tracking peak", price), false
	}
	if price >= step.Peak {
		return "", false
	}

	stepIndex := 0
	for i, s := range b.Steps {
		if s == step {
			stepIndex = i + 1
			break
		}
	}

	crypto := b.Crypto * step.Percent / 100
	if crypto > b.RemainingCrypto {
		crypto = b.RemainingCrypto
	}
	if !economics.MeetsMinimum(crypto*price, e.cfg.MinTradeAmount) {
		// Too small to ever execute; completed-without-execution, never
		// retried.
		step.Completed = true
		step.Skipped = true
		log.Printf("engine: step %d of batch %s below venue minimum, skipped", stepIndex, b.ID)
		return fmt.Sprintf("step %d below venue minimum, skipped", stepIndex), false
	}

	pct := step.Percent
	if pct > b.RemainingPercent {
		pct = b.RemainingPercent
	}
	reason := fmt.Sprintf("step %d: +%.2f%% target hit, dropped from step peak %.4f", stepIndex, step.ThresholdPercent, step.Peak)
	if err := e.executeSell(ctx, a, b, crypto, pct, reason, events.EventMultiStepSell); err != nil {
		// Leave the step as-is; re-evaluated next tick.
		return "", false
	}
	step.Completed = true
	step.SoldPrice = price
	step.SoldAmount = crypto * price * (1 - e.cfg.FeeRate)
	step.SoldAt = time.Now()
	return reason, true
}

// nextBuyAmount applies the optional dynamic sizing policy: realized profit
// on the instrument is plowed into the next entry.
func (e *Engine) nextBuyAmount(a *Asset) float64 {
	amount := e.cfg.BuyAmount
	if e.cfg.ReinvestProfits {
		if profit := e.wallet.Stats(a.Instrument.Symbol).RealizedProfit; profit > 0 {
			amount += profit
		}
	}
	return amount
}

// executeBuy opens a new batch. The venue call runs inside the wallet's
// critical section so no other execution interleaves with the
// read-apply-write.
func (e *Engine) executeBuy(ctx context.Context, a *Asset, reason string, amountOverride float64) error {
	amount := amountOverride
	if amount <= 0 {
		amount = e.nextBuyAmount(a)
	}
	if !economics.MeetsMinimum(amount, e.cfg.MinTradeAmount) {
		return fmt.Errorf("buy %.2f below venue minimum %.2f", amount, e.cfg.MinTradeAmount)
	}

	var fill common.Fill
	var timer *monitor.Timer
	if e.metrics != nil {
		timer = monitor.NewTimer(e.metrics.OrderLatency)
	}
	_, err := e.wallet.Transact(func(balance float64) (float64, error) {
		if amount > balance {
			return 0, fmt.Errorf("need %.2f, have %.2f: %w", amount, balance, ledger.ErrInsufficientFunds)
		}
		f, err := e.venue.PlaceMarketOrder(ctx, common.SideBuy, a.Instrument, common.QuoteSize(amount))
		if err != nil {
			return 0, err
		}
		fill = f
		return balance - f.QuoteAmount, nil
	})
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		log.Printf("engine: buy %s failed: %v", a.Instrument.Symbol, err)
		if e.metrics != nil {
			e.metrics.IncrementErrors()
		}
		return err
	}
	if e.metrics != nil {
		e.metrics.IncrementOrders()
		e.metrics.IncrementTrades()
	}

	batch := NewBatch(fill, e.cfg.Params.StopLossPercent, buildSteps(e.cfg.Steps))
	a.Batches = append(a.Batches, batch)
	e.wallet.RecordBuy(a.Instrument.Symbol, fill.QuoteAmount)
	e.refreshLiveWallet(ctx, a.Instrument.Quote)

	log.Printf("engine: batch %s opened: %s %.8f @ %.4f (spent %.2f)",
		batch.ID, a.Instrument.Symbol, fill.BaseAmount, fill.Price, fill.QuoteAmount)

	now := time.Now()
	e.publish(events.EventBatchCreated, events.BatchEvent{
		BatchID:          batch.ID,
		Instrument:       a.Instrument.Symbol,
		BuyPrice:         batch.BuyPrice,
		BuyAmount:        batch.BuyAmount,
		Crypto:           batch.Crypto,
		RemainingPercent: batch.RemainingPercent,
		At:               now,
	})
	e.publishTrade(batch.ID, a, common.SideBuy, fill, reason)
	e.publishWallet()
	return nil
}

// executeSell unwinds part or all of a batch inside the wallet's critical
// section. On venue failure the batch is left unchanged for the next tick.
func (e *Engine) executeSell(ctx context.Context, a *Asset, b *Batch, crypto, percentOfOriginal float64, reason string, ev events.Event) error {
	if crypto <= 0 {
		return nil
	}

	var fill common.Fill
	var timer *monitor.Timer
	if e.metrics != nil {
		timer = monitor.NewTimer(e.metrics.OrderLatency)
	}
	_, err := e.wallet.Transact(func(balance float64) (float64, error) {
		f, err := e.venue.PlaceMarketOrder(ctx, common.SideSell, a.Instrument, common.BaseSize(crypto))
		if err != nil {
			return 0, err
		}
		fill = f
		return balance + f.NetQuote(), nil
	})
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		log.Printf("engine: sell %s failed: %v", a.Instrument.Symbol, err)
		if e.metrics != nil {
			e.metrics.IncrementErrors()
		}
		return err
	}
	if e.metrics != nil {
		e.metrics.IncrementOrders()
		e.metrics.IncrementTrades()
	}

	b.Reduce(fill.BaseAmount, percentOfOriginal, fill.NetQuote())
	a.Cooldown = e.cfg.CooldownTicks
	e.refreshLiveWallet(ctx, a.Instrument.Quote)

	log.Printf("engine: batch %s sold %.8f @ %.4f (%s)", b.ID, fill.BaseAmount, fill.Price, reason)
	e.publishTrade(b.ID, a, common.SideSell, fill, reason)
	e.publish(ev, events.Trade{
		BatchID:    b.ID,
		Instrument: a.Instrument.Symbol,
		Side:       string(common.SideSell),
		BaseAmount: fill.BaseAmount,
		QuoteValue: fill.QuoteAmount,
		Price:      fill.Price,
		Fee:        fill.Fee,
		Reason:     reason,
		Wallet:     e.wallet.Balance(),
		At:         time.Now(),
	})
	e.publishWallet()

	if b.Completed() {
		profit := b.NetProceeds - b.BuyAmount
		e.wallet.RecordSell(a.Instrument.Symbol, profit)
		log.Printf("engine: batch %s completed, realized %.2f", b.ID, profit)
		e.publish(events.EventBatchCompleted, events.BatchEvent{
			BatchID:          b.ID,
			Instrument:       a.Instrument.Symbol,
			BuyPrice:         b.BuyPrice,
			BuyAmount:        b.BuyAmount,
			Crypto:           b.Crypto,
			RemainingPercent: 0,
			RealizedProfit:   profit,
			At:               time.Now(),
		})
	}
	return nil
}

// refreshLiveWallet replaces the cached balance with the venue-reported one
// after an order; simulated mode keeps its own arithmetic.
func (e *Engine) refreshLiveWallet(ctx context.Context, quoteAsset string) {
	if !e.cfg.Live {
		return
	}
	balance, err := e.venue.AvailableBalance(ctx, quoteAsset)
	if err != nil {
		log.Printf("engine: wallet refresh failed, keeping cached balance: %v", err)
		return
	}
	e.wallet.SetBalance(balance)
}

// ManualBuy opens a batch on operator request, bypassing the detector.
// amount 0 uses the configured buy amount.
func (e *Engine) ManualBuy(ctx context.Context, pair string, amount float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.assets[pair]
	if !ok {
		return fmt.Errorf("engine: unknown instrument %q", pair)
	}
	return e.executeBuy(ctx, a, "manual buy", amount)
}

// ManualSell liquidates on operator request. quoteValue 0 unwinds every
// open batch; otherwise roughly quoteValue worth is sold from the oldest
// batches first.
func (e *Engine) ManualSell(ctx context.Context, pair string, quoteValue float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.assets[pair]
	if !ok {
		return fmt.Errorf("engine: unknown instrument %q", pair)
	}
	price, _, havePrice := e.prices.LatestPrice(pair)
	if !havePrice {
		return fmt.Errorf("engine: no price for %q", pair)
	}

	remainingQuote := quoteValue
	var lastErr error
	for _, b := range a.ActiveBatches() {
		crypto := b.RemainingCrypto
		pct := b.RemainingPercent
		if quoteValue > 0 {
			if remainingQuote <= 0 {
				break
			}
			want := remainingQuote / price
			if want < crypto {
				pct = b.RemainingPercent * want / crypto
				crypto = want
			}
			remainingQuote -= crypto * price
		}
		if err := e.executeSell(ctx, a, b, crypto, pct, "manual sell", events.EventMultiStepSell); err != nil {
			lastErr = err
		}
	}
	a.dropCompleted()
	return lastErr
}

// Reset tears down all trading state. In live mode it refuses while any
// batch is open; real positions must be liquidated out of band first.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.Live {
		for _, a := range e.assets {
			if len(a.ActiveBatches()) > 0 {
				return ErrOpenPositionsLive
			}
		}
	}
	for sym, a := range e.assets {
		e.assets[sym] = NewAsset(a.Instrument, e.cfg.WindowLen)
		e.wallet.RestoreStats(sym, ledger.AssetStats{})
	}
	log.Printf("engine: session reset")
	return nil
}

// AssetView is a read-only copy for the dashboard.
type AssetView struct {
	Instrument string            `json:"instrument"`
	Mode       Mode              `json:"mode"`
	Price      float64           `json:"price"`
	Cooldown   int               `json:"cooldown"`
	Batches    []Batch           `json:"batches"`
	Stats      ledger.AssetStats `json:"stats"`
}

// Assets returns a copy of every asset's visible state.
func (e *Engine) Assets() []AssetView {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AssetView, 0, len(e.order))
	for _, sym := range e.order {
		a := e.assets[sym]
		price, _, _ := e.prices.LatestPrice(sym)
		view := AssetView{
			Instrument: sym,
			Mode:       a.Mode(),
			Price:      price,
			Cooldown:   a.Cooldown,
			Stats:      e.wallet.Stats(sym),
		}
		for _, b := range a.ActiveBatches() {
			cp := *b
			cp.Steps = make([]*SellStep, len(b.Steps))
			for i, s := range b.Steps {
				sc := *s
				cp.Steps[i] = &sc
			}
			view.Batches = append(view.Batches, cp)
		}
		out = append(out, view)
	}
	return out
}

func (e *Engine) publishTrade(batchID string, a *Asset, side common.Side, fill common.Fill, reason string) {
	e.publish(events.EventTrade, events.Trade{
		BatchID:    batchID,
		Instrument: a.Instrument.Symbol,
		Side:       string(side),
		BaseAmount: fill.BaseAmount,
		QuoteValue: fill.QuoteAmount,
		Price:      fill.Price,
		Fee:        fill.Fee,
		Reason:     reason,
		Wallet:     e.wallet.Balance(),
		At:         time.Now(),
	})
}

func (e *Engine) publishWallet() {
	e.publish(events.EventWallet, events.WalletUpdate{Balance: e.wallet.Balance(), At: time.Now()})
}

func (e *Engine) publish(ev events.Event, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ev, events.Envelope{Type: ev, Data: payload})
}
