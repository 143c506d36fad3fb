// Package signal evaluates entry and exit conditions against the price
// history and the current tick. Everything here is a pure function of its
// inputs; the engine owns all state, including the per-batch wait counter,
// and passes it through.
package signal

import (
	"fmt"

	"batchtrader/internal/history"
)

// minEntryHistory is the shortest buffer the entry ladder can be evaluated
// against: the deepest rung references 12 steps back plus the latest entry.
const minEntryHistory = 13

// entryRung pairs a lookback offset with the minimum recovery multiplier
// required at that depth. Deeper dips demand a stronger bounce.
type entryRung struct {
	Offset     int
	Multiplier float64
}

// entryLadder is scanned closest-offset first; the first rung whose pre-dip
// reference prices still sit above currentPrice*multiplier wins.
var entryLadder = []entryRung{
	{2, 1.002},
	{3, 1.0027},
	{4, 1.0033},
	{5, 1.004},
	{6, 1.0047},
	{7, 1.0053},
	{8, 1.006},
	{9, 1.0067},
	{10, 1.0073},
	{11, 1.008},
}

// Params groups the detector thresholds. All ratios are expressed as
// fractions (0.0003 means 0.03%).
type Params struct {
	MinProfitMultiplier float64 // floor for every non-stop-loss exit
	StopLossPercent     float64 // stop trigger at buy*(1-pct)
	DropFromLastTick    float64 // profit-taking: drop vs one tick back
	DropFromTwoTicks    float64 // profit-taking: drop vs two ticks back
	DropFromThreeTicks  float64 // profit-taking: drop vs three ticks back
	DropFromPeak        float64 // profit-taking: drop vs batch peak
	PeakRiseMin         float64 // peak protection: peak must be this far above buy
	PeakAboveCurrent    float64 // peak protection: peak must be this far above current
	DeadBandLow         float64 // wait band lower bound above buy
	DeadBandHigh        float64 // wait band upper bound above buy
	WaitCap             int     // ticks in the dead band before a timeout exit
}

// DefaultParams returns the production thresholds.
func DefaultParams() Params {
	return Params{
		MinProfitMultiplier: 1.006,
		StopLossPercent:     0.15,
		DropFromLastTick:    0.0003,
		DropFromTwoTicks:    0.0004,
		DropFromThreeTicks:  0.0005,
		DropFromPeak:        0.0006,
		PeakRiseMin:         0.012,
		PeakAboveCurrent:    0.006,
		DeadBandLow:         0.0051,
		DeadBandHigh:        0.009,
		WaitCap:             100,
	}
}

// EntrySignal describes a fired entry rung.
type EntrySignal struct {
	Offset     int
	Multiplier float64
	Reason     string
}

// EvaluateEntry scans the rung ladder for a dip-and-recover pattern: the
// price at the rung's offset (and one step deeper) must still exceed
// currentPrice*multiplier, while the last two observed prices confirm upward
// momentum. Returns false when the history is too short or no rung matches.
//
// The rung's references sit one step beyond the momentum pair; the closest
// rung would otherwise be unsatisfiable, since a reference can never be both
// below currentPrice and above currentPrice*multiplier.
func EvaluateEntry(hist *history.Buffer, currentPrice float64) (EntrySignal, bool) {
	if hist.Len() < minEntryHistory || currentPrice <= 0 {
		return EntrySignal{}, false
	}
	last, _ := hist.Back(0)
	prev, _ := hist.Back(1)
	if currentPrice <= last || currentPrice <= prev {
		return EntrySignal{}, false
	}
	for _, rung := range entryLadder {
		refA, okA := hist.Back(rung.Offset)
		refB, okB := hist.Back(rung.Offset + 1)
		if !okA || !okB {
			continue
		}
		target := currentPrice * rung.Multiplier
		if target <= refA && target <= refB {
			return EntrySignal{
				Offset:     rung.Offset,
				Multiplier: rung.Multiplier,
				Reason: fmt.Sprintf("dip recovery: %.4f x%.4f under refs %.4f/%.4f (offset %d)",
					currentPrice, rung.Multiplier, refA, refB, rung.Offset),
			}, true
		}
	}
	return EntrySignal{}, false
}

// ExitReason tags which rule fired.
type ExitReason string

const (
	ExitProfitTaking   ExitReason = "profit_taking"
	ExitPeakProtection ExitReason = "peak_protection"
	ExitStopLoss       ExitReason = "stop_loss"
	ExitWaitTimeout    ExitReason = "wait_timeout"
)

// ExitSignal describes a fired exit rule.
type ExitSignal struct {
	Reason ExitReason
	Detail string
}

// EvaluateExit applies the exit rules in strict priority order: profit
// taking, peak protection, stop loss, wait timeout. waitCount is the batch's
// current dead-band counter; the returned counter replaces it. Apart from
// stop loss, no rule fires below buyPrice*MinProfitMultiplier.
func EvaluateExit(p Params, buyPrice, peakPrice, currentPrice float64, hist *history.Buffer, waitCount int) (ExitSignal, int, bool) {
	if buyPrice <= 0 || currentPrice <= 0 {
		return ExitSignal{}, waitCount, false
	}
	minProfit := buyPrice * p.MinProfitMultiplier
	profitable := currentPrice >= minProfit

	// 1. Profit taking: in profit and momentum just turned down.
	if profitable {
		if sig, ok := profitDrop(p, peakPrice, currentPrice, hist); ok {
			return sig, waitCount, true
		}
	}

	// 2. Peak protection: a large run-up has given back a meaningful slice.
	if profitable && peakPrice >= buyPrice*(1+p.PeakRiseMin) {
		gaveBack := (peakPrice - currentPrice) / currentPrice
		last, ok := hist.Back(0)
		if gaveBack >= p.PeakAboveCurrent && ok && currentPrice < last {
			return ExitSignal{
				Reason: ExitPeakProtection,
				Detail: fmt.Sprintf("peak %.4f gave back %.2f%% vs current %.4f", peakPrice, gaveBack*100, currentPrice),
			}, waitCount, true
		}
	}

	// 3. Stop loss: the only rule allowed to realize a loss.
	if trigger := buyPrice * (1 - p.StopLossPercent); currentPrice <= trigger {
		return ExitSignal{
			Reason: ExitStopLoss,
			Detail: fmt.Sprintf("price %.4f at or below stop %.4f", currentPrice, trigger),
		}, waitCount, true
	}

	// 4. Wait timeout: stuck in the dead band for too long.
	ratio := currentPrice / buyPrice
	if ratio >= 1+p.DeadBandLow && ratio <= 1+p.DeadBandHigh {
		waitCount++
	} else {
		waitCount = 0
	}
	if waitCount >= p.WaitCap {
		if profitable {
			return ExitSignal{
				Reason: ExitWaitTimeout,
				Detail: fmt.Sprintf("waited %d ticks in dead band at ratio %.5f", waitCount, ratio),
			}, waitCount, true
		}
		// Not profitable enough to leave. Start counting again rather than
		// force an exit at a loss.
		waitCount = 0
	}
	return ExitSignal{}, waitCount, false
}

func profitDrop(p Params, peakPrice, currentPrice float64, hist *history.Buffer) (ExitSignal, bool) {
	drops := []struct {
		back      int
		threshold float64
		label     string
	}{
		{0, p.DropFromLastTick, "one tick back"},
		{1, p.DropFromTwoTicks, "two ticks back"},
		{2, p.DropFromThreeTicks, "three ticks back"},
	}
	for _, d := range drops {
		ref, ok := hist.Back(d.back)
		if !ok || ref <= 0 {
			continue
		}
		if drop := (ref - currentPrice) / ref; drop >= d.threshold {
			return ExitSignal{
				Reason: ExitProfitTaking,
				Detail: fmt.Sprintf("dropped %.3f%% from %s", drop*100, d.label),
			}, true
		}
	}
	if peakPrice > 0 {
		if drop := (peakPrice - currentPrice) / peakPrice; drop >= p.DropFromPeak {
			return ExitSignal{
				Reason: ExitProfitTaking,
				Detail: fmt.Sprintf("dropped %.3f%% from peak %.4f", drop*100, peakPrice),
			}, true
		}
	}
	return ExitSignal{}, false
}
