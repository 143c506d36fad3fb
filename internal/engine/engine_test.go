package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"batchtrader/internal/ledger"
	"batchtrader/internal/signal"
	"batchtrader/internal/venue"
	"batchtrader/pkg/exchanges/common"
)

type fakePrices map[string]float64

func (f fakePrices) LatestPrice(pair string) (float64, time.Time, bool) {
	p, ok := f[pair]
	return p, time.Now(), ok
}

var testInstrument = common.Instrument{Symbol: "XBT/EUR", Base: "XBT", Quote: "EUR"}

func testEngineConfig(steps []StepSpec, live bool) Config {
	return Config{
		BuyAmount:      100,
		FeeRate:        0.0025,
		MinTradeAmount: 5,
		Params:         signal.DefaultParams(),
		CooldownTicks:  36,
		WindowLen:      120,
		Steps:          steps,
		Live:           live,
	}
}

func newTestEngine(t *testing.T, steps []StepSpec, live bool) (*Engine, fakePrices, *ledger.Wallet) {
	t.Helper()
	prices := fakePrices{"XBT/EUR": 100}
	wallet := ledger.NewWallet(1000)
	sim := venue.NewSim(prices, []common.Instrument{testInstrument}, "EUR", 1000, 0.0025, 5)
	e, err := New(testEngineConfig(steps, live), []common.Instrument{testInstrument}, sim, wallet, prices, nil, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, prices, wallet
}

func activeBatches(e *Engine) []Batch {
	for _, v := range e.Assets() {
		if v.Instrument == "XBT/EUR" {
			return v.Batches
		}
	}
	return nil
}

func TestEntrySignalOpensBatch(t *testing.T) {
	e, prices, wallet := newTestEngine(t, nil, false)
	a := e.assets["XBT/EUR"]
	for _, p := range []float64{
		101.5, 101.5, 101.5, 101.5, 101.5, 101.5, 101.5, 101.5, 101.5,
		101.3, 101.25, 100.3, 100.6,
	} {
		a.History.Push(p)
	}
	prices["XBT/EUR"] = 101.0

	e.EvaluateAll(context.Background())

	batches := activeBatches(e)
	if len(batches) != 1 {
		t.Fatalf("active batches=%d, expected the entry to open one", len(batches))
	}
	b := batches[0]
	if b.BuyPrice != 101.0 || b.RemainingPercent != 100 {
		t.Fatalf("batch=%+v", b)
	}
	if got := wallet.Balance(); got != 900 {
		t.Fatalf("wallet=%v after 100 buy, expected 900", got)
	}
	if a.Mode() != ModeHolding {
		t.Fatalf("mode=%s, expected HOLDING", a.Mode())
	}
}

func TestStopLossBoundary(t *testing.T) {
	e, prices, wallet := newTestEngine(t, nil, false)
	ctx := context.Background()
	if err := e.ManualBuy(ctx, "XBT/EUR", 0); err != nil {
		t.Fatalf("manual buy: %v", err)
	}

	prices["XBT/EUR"] = 85.01
	e.EvaluateAll(ctx)
	if len(activeBatches(e)) != 1 {
		t.Fatal("85.01 must not trip a stop with trigger 85.0")
	}

	prices["XBT/EUR"] = 84.99
	e.EvaluateAll(ctx)
	if len(activeBatches(e)) != 0 {
		t.Fatal("84.99 must liquidate the batch")
	}
	if stats := wallet.Stats("XBT/EUR"); stats.RealizedProfit >= 0 {
		t.Fatalf("stop loss realized %.4f, expected a loss", stats.RealizedProfit)
	}
	if e.assets["XBT/EUR"].Cooldown != 36 {
		t.Fatalf("cooldown=%d after sell, expected 36", e.assets["XBT/EUR"].Cooldown)
	}
}

func TestProfitTakingExitIsProfitable(t *testing.T) {
	e, prices, wallet := newTestEngine(t, nil, false)
	ctx := context.Background()
	if err := e.ManualBuy(ctx, "XBT/EUR", 0); err != nil {
		t.Fatalf("manual buy: %v", err)
	}

	// Run up past the profit floor, then a confirmed downtick.
	prices["XBT/EUR"] = 100.8
	e.EvaluateAll(ctx)
	if len(activeBatches(e)) != 1 {
		t.Fatal("rising price must not exit")
	}
	prices["XBT/EUR"] = 100.7
	e.EvaluateAll(ctx)
	if len(activeBatches(e)) != 0 {
		t.Fatal("downtick above the floor must take profit")
	}

	stats := wallet.Stats("XBT/EUR")
	if stats.RealizedProfit <= 0 {
		t.Fatalf("non-stop-loss exit realized %.4f, must be strictly positive", stats.RealizedProfit)
	}
	if got := wallet.Balance(); got <= 1000 {
		t.Fatalf("wallet=%v, expected growth over the initial 1000", got)
	}
}

func TestBelowFloorNeverExits(t *testing.T) {
	e, prices, _ := newTestEngine(t, nil, false)
	ctx := context.Background()
	if err := e.ManualBuy(ctx, "XBT/EUR", 0); err != nil {
		t.Fatalf("manual buy: %v", err)
	}

	// Big drop but still above the stop: nothing may fire.
	for _, p := range []float64{100.5, 100.4, 90, 86} {
		prices["XBT/EUR"] = p
		e.EvaluateAll(ctx)
	}
	if len(activeBatches(e)) != 1 {
		t.Fatal("batch must be held between the profit floor and the stop")
	}
}

func TestMultiStepLadder(t *testing.T) {
	steps := []StepSpec{
		{ThresholdPercent: 0.8, Percent: 50},
		{ThresholdPercent: 1.6, Percent: 50},
	}
	e, prices, wallet := newTestEngine(t, steps, false)
	ctx := context.Background()
	if err := e.ManualBuy(ctx, "XBT/EUR", 0); err != nil {
		t.Fatalf("manual buy: %v", err)
	}

	// First threshold touch arms the step but never sells.
	prices["XBT/EUR"] = 100.9
	e.EvaluateAll(ctx)
	if got := activeBatches(e)[0].RemainingPercent; got != 100 {
		t.Fatalf("remaining=%v after first touch, expected 100", got)
	}

	prices["XBT/EUR"] = 101.1
	e.EvaluateAll(ctx) // higher peak, still no sale
	prices["XBT/EUR"] = 101.0
	e.EvaluateAll(ctx) // confirmed drop from the step peak

	b := activeBatches(e)[0]
	if math.Abs(b.RemainingPercent-50) > 1e-9 {
		t.Fatalf("remaining=%v after step 1, expected 50", b.RemainingPercent)
	}
	if !b.Steps[0].Completed || b.Steps[0].Skipped {
		t.Fatalf("step 1 state=%+v", b.Steps[0])
	}
	if b.Steps[1].Completed {
		t.Fatal("step 2 must still be pending")
	}

	// Second rung: arm at +1.6%, sell the remainder on the drop.
	prices["XBT/EUR"] = 101.7
	e.EvaluateAll(ctx)
	prices["XBT/EUR"] = 101.65
	e.EvaluateAll(ctx)

	if got := len(activeBatches(e)); got != 0 {
		t.Fatalf("active batches=%d after the full ladder, expected 0", got)
	}
	if stats := wallet.Stats("XBT/EUR"); stats.RealizedProfit <= 0 {
		t.Fatalf("ladder realized %.4f, expected profit", stats.RealizedProfit)
	}
}

func TestLadderBelowProfitFloorRejected(t *testing.T) {
	// A 0.2% threshold would let the ladder sell the whole batch around
	// 100.25 after fees on both legs, realizing a loss outside stop-loss.
	steps := []StepSpec{{ThresholdPercent: 0.2, Percent: 100}}
	prices := fakePrices{"XBT/EUR": 100}
	sim := venue.NewSim(prices, []common.Instrument{testInstrument}, "EUR", 1000, 0.0025, 5)
	_, err := New(testEngineConfig(steps, false), []common.Instrument{testInstrument}, sim, ledger.NewWallet(1000), prices, nil, nil)
	if err == nil {
		t.Fatal("ladder selling below the profit floor must be rejected")
	}

	// A rung just above the floor still nets a profit.
	steps = []StepSpec{{ThresholdPercent: 0.7, Percent: 100}}
	e, px, wallet := newTestEngine(t, steps, false)
	ctx := context.Background()
	if err := e.ManualBuy(ctx, "XBT/EUR", 0); err != nil {
		t.Fatalf("manual buy: %v", err)
	}
	px["XBT/EUR"] = 100.75
	e.EvaluateAll(ctx) // arm
	px["XBT/EUR"] = 100.72
	e.EvaluateAll(ctx) // drop from the step peak sells the batch

	if got := len(activeBatches(e)); got != 0 {
		t.Fatalf("active batches=%d, expected the rung to complete the batch", got)
	}
	if stats := wallet.Stats("XBT/EUR"); stats.RealizedProfit <= 0 {
		t.Fatalf("rung at the floor realized %.6f, expected profit", stats.RealizedProfit)
	}
}

func TestBelowMinimumStepSkipped(t *testing.T) {
	steps := []StepSpec{{ThresholdPercent: 0.8, Percent: 1}}
	e, prices, wallet := newTestEngine(t, steps, false)
	ctx := context.Background()
	if err := e.ManualBuy(ctx, "XBT/EUR", 0); err != nil {
		t.Fatalf("manual buy: %v", err)
	}
	before := wallet.Balance()

	prices["XBT/EUR"] = 100.9
	e.EvaluateAll(ctx)
	prices["XBT/EUR"] = 100.85
	e.EvaluateAll(ctx)

	b := activeBatches(e)[0]
	if !b.Steps[0].Completed || !b.Steps[0].Skipped {
		t.Fatalf("1%% of a 100 batch is under the 5 minimum, step=%+v", b.Steps[0])
	}
	if b.RemainingPercent != 100 {
		t.Fatalf("remaining=%v, skipped step must not trade", b.RemainingPercent)
	}
	if wallet.Balance() != before {
		t.Fatal("skipped step must not touch the wallet")
	}
}

func TestCooldownBlocksEntry(t *testing.T) {
	e, prices, _ := newTestEngine(t, nil, false)
	a := e.assets["XBT/EUR"]
	for _, p := range []float64{
		101.5, 101.5, 101.5, 101.5, 101.5, 101.5, 101.5, 101.5, 101.5,
		101.3, 101.25, 100.3, 100.6,
	} {
		a.History.Push(p)
	}
	a.Cooldown = 2
	prices["XBT/EUR"] = 101.0

	e.EvaluateAll(context.Background())
	if len(activeBatches(e)) != 0 {
		t.Fatal("cooldown must suppress the entry")
	}
	if a.Cooldown != 1 {
		t.Fatalf("cooldown=%d, expected decrement to 1", a.Cooldown)
	}
}

func TestResetRefusesLiveLiquidation(t *testing.T) {
	e, _, _ := newTestEngine(t, nil, true)
	if err := e.ManualBuy(context.Background(), "XBT/EUR", 0); err != nil {
		t.Fatalf("manual buy: %v", err)
	}
	if err := e.Reset(); !errors.Is(err, ErrOpenPositionsLive) {
		t.Fatalf("reset error=%v, expected ErrOpenPositionsLive", err)
	}

	sim, _, _ := newTestEngine(t, nil, false)
	if err := sim.ManualBuy(context.Background(), "XBT/EUR", 0); err != nil {
		t.Fatalf("manual buy: %v", err)
	}
	if err := sim.Reset(); err != nil {
		t.Fatalf("simulated reset: %v", err)
	}
	if len(activeBatches(sim)) != 0 {
		t.Fatal("reset must clear simulated batches")
	}
}

func TestSnapshotRoundTripRestoresHolding(t *testing.T) {
	e, _, wallet := newTestEngine(t, nil, false)
	if err := e.ManualBuy(context.Background(), "XBT/EUR", 0); err != nil {
		t.Fatalf("manual buy: %v", err)
	}
	version, payload, err := e.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if version != SnapshotVersion {
		t.Fatalf("version=%d, expected %d", version, SnapshotVersion)
	}

	restored, _, restoredWallet := newTestEngine(t, nil, false)
	if err := restored.Restore(version, payload); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.assets["XBT/EUR"].Mode() != ModeHolding {
		t.Fatal("restore must bring the asset up in HOLDING mode")
	}
	if got := restoredWallet.Balance(); got != wallet.Balance() {
		t.Fatalf("restored wallet=%v, expected %v", got, wallet.Balance())
	}
	if len(activeBatches(restored)) != 1 {
		t.Fatal("restored batch missing")
	}
}

func TestSnapshotMigratesV1(t *testing.T) {
	old := legacySessionV1{
		Balance: 750,
		Assets: map[string]legacyAssetV1{
			"XBT/EUR": {
				Positions: []*Batch{{
					ID: "b1", BuyPrice: 100, BuyAmount: 100,
					Crypto: 0.9975, RemainingCrypto: 0.9975, RemainingPercent: 100,
					PeakPrice: 100, StopLoss: StopLoss{TriggerPrice: 85},
				}},
				Profit:   12.5,
				Invested: 300,
				Trades:   4,
			},
		},
	}
	payload, _ := json.Marshal(old)

	e, _, wallet := newTestEngine(t, nil, false)
	if err := e.Restore(1, payload); err != nil {
		t.Fatalf("restore v1: %v", err)
	}
	if wallet.Balance() != 750 {
		t.Fatalf("wallet=%v, expected migrated 750", wallet.Balance())
	}
	stats := wallet.Stats("XBT/EUR")
	if stats.RealizedProfit != 12.5 || stats.Invested != 300 || stats.Trades != 4 {
		t.Fatalf("migrated stats=%+v", stats)
	}
	if len(activeBatches(e)) != 1 {
		t.Fatal("migrated batch missing")
	}
}

func TestUnknownSnapshotVersion(t *testing.T) {
	e, _, _ := newTestEngine(t, nil, false)
	if err := e.Restore(99, []byte(`{}`)); err == nil {
		t.Fatal("unknown snapshot version must be rejected")
	}
}
