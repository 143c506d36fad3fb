package signal

import (
	"testing"

	"batchtrader/internal/history"
)

func bufferOf(prices ...float64) *history.Buffer {
	b := history.NewBuffer(len(prices))
	for _, p := range prices {
		b.Push(p)
	}
	return b
}

func TestEvaluateEntryClosestRung(t *testing.T) {
	// Plateau at 101.5, dip to 100.3, recovery tick at 100.6. With current
	// 101.0 the first rung's references (2 and 3 back) sit above
	// 101.0*1.002 = 101.202 and momentum is confirmed.
	hist := bufferOf(
		101.5, 101.5, 101.5, 101.5, 101.5, 101.5, 101.5, 101.5, 101.5,
		101.3, 101.25, 100.3, 100.6,
	)
	sig, ok := EvaluateEntry(hist, 101.0)
	if !ok {
		t.Fatal("expected entry to fire")
	}
	if sig.Offset != 2 || sig.Multiplier != 1.002 {
		t.Fatalf("fired rung offset=%d multiplier=%v, expected 2/1.002", sig.Offset, sig.Multiplier)
	}
}

func TestEvaluateEntryScansDeeperRungs(t *testing.T) {
	// References near the dip are too low for the close rungs; the plateau
	// four steps back satisfies the 1.0033 rung.
	hist := bufferOf(
		101.5, 101.5, 101.5, 101.5, 101.5, 101.5, 101.5, 101.5,
		101.5, 101.5, 101.2, 101.1, 100.3, 100.6,
	)
	sig, ok := EvaluateEntry(hist, 101.0)
	if !ok {
		t.Fatal("expected entry to fire")
	}
	if sig.Offset != 4 {
		t.Fatalf("fired rung offset=%d, expected 4", sig.Offset)
	}
}

func TestEvaluateEntryRejections(t *testing.T) {
	tests := []struct {
		name    string
		hist    *history.Buffer
		current float64
	}{
		{
			"history too short",
			bufferOf(101.5, 101.5, 100.3, 100.6),
			101.0,
		},
		{
			"no momentum, current below last tick",
			bufferOf(
				101.5, 101.5, 101.5, 101.5, 101.5, 101.5, 101.5, 101.5, 101.5,
				101.3, 101.25, 100.6, 100.3,
			),
			100.2,
		},
		{
			"no dip, flat history",
			bufferOf(100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100),
			100.1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := EvaluateEntry(tt.hist, tt.current); ok {
				t.Fatal("entry should not fire")
			}
		})
	}
}

func TestStopLossBoundary(t *testing.T) {
	p := DefaultParams()
	hist := history.NewBuffer(4)

	sig, _, ok := EvaluateExit(p, 100, 0, 84.99, hist, 0)
	if !ok || sig.Reason != ExitStopLoss {
		t.Fatalf("84.99 should fire stop loss, got ok=%v reason=%q", ok, sig.Reason)
	}
	if _, _, ok := EvaluateExit(p, 100, 0, 85.01, hist, 0); ok {
		t.Fatal("85.01 should not fire any exit")
	}
}

func TestProfitTakingRequiresMinProfit(t *testing.T) {
	p := DefaultParams()

	// Profitable and dropped 0.1% from the prior tick.
	sig, _, ok := EvaluateExit(p, 100, 0, 100.70, bufferOf(100.80), 0)
	if !ok || sig.Reason != ExitProfitTaking {
		t.Fatalf("expected profit taking, got ok=%v reason=%q", ok, sig.Reason)
	}

	// Same drop but below the minimum profit floor: nothing may fire.
	if _, _, ok := EvaluateExit(p, 100, 0, 100.50, bufferOf(101.0), 0); ok {
		t.Fatal("exit below the minimum profit floor must not fire")
	}
}

func TestProfitTakingPrecedesPeakProtection(t *testing.T) {
	p := DefaultParams()
	// Peak 101.5 with current 100.70 satisfies peak protection, but the
	// give-back also exceeds the profit-taking peak-drop threshold, which
	// is evaluated first.
	sig, _, ok := EvaluateExit(p, 100, 101.5, 100.70, bufferOf(100.72), 0)
	if !ok {
		t.Fatal("expected an exit")
	}
	if sig.Reason != ExitProfitTaking {
		t.Fatalf("reason=%q, expected profit_taking by priority", sig.Reason)
	}
}

func TestWaitTimeout(t *testing.T) {
	p := DefaultParams()
	empty := history.NewBuffer(4)

	// In the dead band and profitable: counter climbs, fires at the cap.
	_, count, ok := EvaluateExit(p, 100, 0, 100.70, empty, 98)
	if ok || count != 99 {
		t.Fatalf("expected count 99 without exit, got count=%d ok=%v", count, ok)
	}
	sig, count, ok := EvaluateExit(p, 100, 0, 100.70, empty, 99)
	if !ok || sig.Reason != ExitWaitTimeout || count != 100 {
		t.Fatalf("expected wait timeout at cap, got ok=%v reason=%q count=%d", ok, sig.Reason, count)
	}

	// In the dead band but under the profit floor: counter resets at the
	// cap instead of forcing a losing exit.
	_, count, ok = EvaluateExit(p, 100, 0, 100.55, empty, 99)
	if ok || count != 0 {
		t.Fatalf("expected reset without exit, got count=%d ok=%v", count, ok)
	}

	// Out of the band: counter resets immediately.
	_, count, ok = EvaluateExit(p, 100, 0, 101.0, empty, 50)
	if ok || count != 0 {
		t.Fatalf("expected reset out of band, got count=%d ok=%v", count, ok)
	}
}
