package position

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tmercier/copybot/internal/config"
	"github.com/tmercier/copybot/internal/feed"
	"github.com/tmercier/copybot/internal/ledger"
	"github.com/tmercier/copybot/internal/normalize"
	"github.com/tmercier/copybot/internal/risk"
	"github.com/tmercier/copybot/internal/venue"
)

func testExecConfig() config.Execution {
	return config.Execution{
		MaxRetries:      3,
		BackoffBaseMs:   1,
		BackoffMaxMs:    2,
		FillTimeoutMs:   1000,
		SubmitPerSecond: 1000,
	}
}

// thresholds wide open so breaker behavior does not interfere with
// lifecycle assertions; the gate has its own tests.
func testRiskConfig() config.Risk {
	return config.Risk{
		CapitalBase:          10000,
		MaxPositionFraction:  1.0,
		MaxDrawdownPct:       100,
		MaxDailyLossPct:      100,
		MaxConsecutiveLosses: 100,
		CooldownSeconds:      60,
		Kelly:                config.Kelly{SafetyFactor: 0.5, MinSampleSize: 10},
	}
}

func tieredExit() config.ExitPolicy {
	return config.ExitPolicy{
		Mode: "tiered",
		Tiers: []config.Tier{
			{SellFraction: 0.33, GainPct: 10},
			{SellFraction: 0.33, GainPct: 25},
			{SellFraction: 0.34, GainPct: 50},
		},
		StopLoss: &config.StopLoss{SellFraction: 1.0, LossPct: 5},
	}
}

func newTestManager(t *testing.T, sources ...config.Source) (*Manager, *ledger.Ledger, *venue.PaperVenue) {
	t.Helper()
	dir := t.TempDir()
	led, err := ledger.Open(filepath.Join(dir, "trades.jsonl"), filepath.Join(dir, "positions.json"), 10000)
	require.NoError(t, err)

	paper := venue.NewPaperVenue()
	paper.SlippageBpsMin, paper.SlippageBpsMax, paper.FeeBps = 0, 0, 0

	store := config.NewStore(config.NewSnapshot(sources))
	gate := risk.NewGate(testRiskConfig(), led)
	return NewManager(testExecConfig(), store, gate, paper, led, nil), led, paper
}

func whale(exit config.ExitPolicy) config.Source {
	return config.Source{
		ID:         "whale-1",
		Address:    "addr-1",
		Active:     true,
		CapitalUSD: 5000,
		Exit:       exit,
	}
}

func trade(side normalize.Side, qty, price float64, sig string) normalize.ObservedTrade {
	return normalize.ObservedTrade{
		SourceAddress:  "addr-1",
		Asset:          "BONK",
		Side:           side,
		Quantity:       qty,
		ExecutionPrice: price,
		Timestamp:      time.Now().UTC(),
		TxSignature:    sig,
	}
}

func openPosition(t *testing.T, mgr *Manager) Snapshot {
	t.Helper()
	open := mgr.OpenPositions()
	require.Len(t, open, 1)
	return open[0]
}

func TestBuyCreatesPositionWithWeightedEntry(t *testing.T) {
	mgr, _, _ := newTestManager(t, whale(config.ExitPolicy{Mode: "mirror"}))
	ctx := context.Background()

	mgr.OnObservedTrade(ctx, trade(normalize.Buy, 10, 1.00, "sig-1"))
	mgr.OnObservedTrade(ctx, trade(normalize.Buy, 10, 1.20, "sig-2"))

	p := openPosition(t, mgr)
	require.InDelta(t, 1.10, p.EntryPrice, 1e-9)
	require.InDelta(t, 20, p.OriginalQuantity, 1e-9)
	require.InDelta(t, 20, p.RemainingQuantity, 1e-9)
	require.InDelta(t, 20, p.SourceRemaining, 1e-9)
}

func TestMirrorSellIsProportional(t *testing.T) {
	// Allocation caps the replica at half the source's size so the test
	// exercises proportional (not absolute) mirroring.
	src := whale(config.ExitPolicy{Mode: "mirror"})
	src.CapitalUSD = 50
	mgr, _, _ := newTestManager(t, src)
	ctx := context.Background()

	mgr.OnObservedTrade(ctx, trade(normalize.Buy, 100, 1.00, "sig-1"))
	p := openPosition(t, mgr)
	require.InDelta(t, 50, p.RemainingQuantity, 1e-9)

	// Source sells 60 of its 100: the replica sheds 60% of its own 50.
	mgr.OnObservedTrade(ctx, trade(normalize.Sell, 60, 1.05, "sig-2"))
	p = openPosition(t, mgr)
	require.InDelta(t, 20, p.RemainingQuantity, 1e-9)
	require.InDelta(t, 40, p.SourceRemaining, 1e-9)
	require.Equal(t, StatusPartiallyClosed, p.Status)
}

func TestSourceFullExitForcesCloseUnderTiered(t *testing.T) {
	mgr, led, _ := newTestManager(t, whale(tieredExit()))
	ctx := context.Background()

	mgr.OnObservedTrade(ctx, trade(normalize.Buy, 100, 1.00, "sig-1"))
	// Under tiered policy a partial source sell is informational only.
	mgr.OnObservedTrade(ctx, trade(normalize.Sell, 30, 1.02, "sig-2"))
	require.InDelta(t, 100, openPosition(t, mgr).RemainingQuantity, 1e-9)

	// But a sell emptying the source's position overrides the policy.
	mgr.OnObservedTrade(ctx, trade(normalize.Sell, 70, 1.03, "sig-3"))
	require.Empty(t, mgr.OpenPositions())

	closed := led.ClosedTrades("whale-1", time.Time{}, time.Now().Add(time.Hour))
	require.Len(t, closed, 1)
	require.Equal(t, "source_exit", closed[0].Reason)
}

func TestTieredTakeProfitThenStopLoss(t *testing.T) {
	mgr, led, _ := newTestManager(t, whale(tieredExit()))
	ctx := context.Background()

	mgr.OnObservedTrade(ctx, trade(normalize.Buy, 100, 1.00, "sig-1"))

	mgr.OnPriceUpdate(ctx, "BONK", 1.10)
	p := openPosition(t, mgr)
	require.InDelta(t, 67, p.RemainingQuantity, 1e-9)

	// Duplicate tick: the tier must not fire twice.
	mgr.OnPriceUpdate(ctx, "BONK", 1.10)
	require.InDelta(t, 67, openPosition(t, mgr).RemainingQuantity, 1e-9)

	mgr.OnPriceUpdate(ctx, "BONK", 0.94)
	require.Empty(t, mgr.OpenPositions())

	closed := led.ClosedTrades("whale-1", time.Time{}, time.Now().Add(time.Hour))
	require.Len(t, closed, 2)
	require.Equal(t, "tp_tier", closed[0].Reason)
	require.Equal(t, "stop_loss", closed[1].Reason)
}

func TestGapUpFiresMultipleTiersAscending(t *testing.T) {
	mgr, _, _ := newTestManager(t, whale(tieredExit()))
	ctx := context.Background()

	mgr.OnObservedTrade(ctx, trade(normalize.Buy, 100, 1.00, "sig-1"))
	// Straight to +30%: tiers 1 and 2 both fire, sized off the original.
	mgr.OnPriceUpdate(ctx, "BONK", 1.30)

	p := openPosition(t, mgr)
	require.InDelta(t, 34, p.RemainingQuantity, 1e-9)
}

func TestTrailingStopSellsAll(t *testing.T) {
	src := whale(config.ExitPolicy{Mode: "mirror", Trailing: true, TrailPct: 10})
	mgr, led, _ := newTestManager(t, src)
	ctx := context.Background()

	mgr.OnObservedTrade(ctx, trade(normalize.Buy, 100, 1.00, "sig-1"))

	mgr.OnPriceUpdate(ctx, "BONK", 1.50) // stop ratchets to 1.35
	require.InDelta(t, 100, openPosition(t, mgr).RemainingQuantity, 1e-9)

	mgr.OnPriceUpdate(ctx, "BONK", 1.30)
	require.Empty(t, mgr.OpenPositions())

	closed := led.ClosedTrades("whale-1", time.Time{}, time.Now().Add(time.Hour))
	require.Len(t, closed, 1)
	require.Equal(t, "trailing_stop", closed[0].Reason)
	require.Positive(t, closed[0].PnL)
}

func TestPartialFillIsRetriedToCompletion(t *testing.T) {
	mgr, led, paper := newTestManager(t, whale(config.ExitPolicy{Mode: "mirror"}))
	paper.PartialNext(0.5)
	ctx := context.Background()

	mgr.OnObservedTrade(ctx, trade(normalize.Buy, 100, 1.00, "sig-1"))

	p := openPosition(t, mgr)
	require.InDelta(t, 100, p.RemainingQuantity, 1e-9)

	// Both fills are on the books.
	require.Len(t, led.RealizedSeries(), 0)
	stats := led.StatsForSource("whale-1")
	require.Equal(t, 0, stats.Samples) // buys only, nothing realized
}

func TestPartialFillsAllReachLedger(t *testing.T) {
	mgr, led, paper := newTestManager(t, whale(config.ExitPolicy{Mode: "mirror"}))
	ctx := context.Background()

	// Both the buy and the closing sell split into two fills each.
	paper.PartialNext(0.5)
	mgr.OnObservedTrade(ctx, trade(normalize.Buy, 100, 1.00, "sig-1"))
	require.InDelta(t, 100, openPosition(t, mgr).RemainingQuantity, 1e-9)

	paper.PartialNext(0.5)
	mgr.OnObservedTrade(ctx, trade(normalize.Sell, 100, 2.00, "sig-2"))
	require.Empty(t, mgr.OpenPositions())

	// Every fill of the closing order is on the books, not just the first:
	// the full 100 units and the full realized PnL.
	closed := led.ClosedTrades("whale-1", time.Time{}, time.Now().Add(time.Hour))
	require.Len(t, closed, 2)
	var qty, pnl float64
	for _, ct := range closed {
		qty += ct.Quantity
		pnl += ct.PnL
	}
	require.InDelta(t, 100, qty, 1e-9)
	require.InDelta(t, 100, pnl, 1e-9) // (2.00-1.00) x 100, zero fees
	require.InDelta(t, 10100, led.Equity(), 1e-9)
}

func TestPartialStopLossFiresOnce(t *testing.T) {
	exit := tieredExit()
	exit.StopLoss = &config.StopLoss{SellFraction: 0.5, LossPct: 5}
	mgr, led, _ := newTestManager(t, whale(exit))
	ctx := context.Background()

	mgr.OnObservedTrade(ctx, trade(normalize.Buy, 100, 1.00, "sig-1"))

	mgr.OnPriceUpdate(ctx, "BONK", 0.94)
	require.InDelta(t, 50, openPosition(t, mgr).RemainingQuantity, 1e-9)

	// Duplicate tick below the threshold: the stop must not re-fire.
	mgr.OnPriceUpdate(ctx, "BONK", 0.94)
	require.InDelta(t, 50, openPosition(t, mgr).RemainingQuantity, 1e-9)

	closed := led.ClosedTrades("whale-1", time.Time{}, time.Now().Add(time.Hour))
	require.Len(t, closed, 1)
	require.Equal(t, "stop_loss", closed[0].Reason)
}

func TestRejectedOrderIsNotRetried(t *testing.T) {
	mgr, _, paper := newTestManager(t, whale(config.ExitPolicy{Mode: "mirror"}))
	paper.FailNext(&venue.SubmitError{Reason: "insufficient funds", Class: venue.FailureRejected})
	ctx := context.Background()

	mgr.OnObservedTrade(ctx, trade(normalize.Buy, 100, 1.00, "sig-1"))
	require.Empty(t, mgr.OpenPositions())
}

func TestTransientFailureRetriesAndFills(t *testing.T) {
	mgr, _, paper := newTestManager(t, whale(config.ExitPolicy{Mode: "mirror"}))
	paper.FailNext(&venue.SubmitError{Reason: "timeout", Class: venue.FailureTransient})
	ctx := context.Background()

	mgr.OnObservedTrade(ctx, trade(normalize.Buy, 100, 1.00, "sig-1"))
	require.InDelta(t, 100, openPosition(t, mgr).RemainingQuantity, 1e-9)
}

func TestCloseAllForSource(t *testing.T) {
	mgr, _, _ := newTestManager(t, whale(config.ExitPolicy{Mode: "mirror"}))
	ctx := context.Background()

	mgr.OnObservedTrade(ctx, trade(normalize.Buy, 100, 1.00, "sig-1"))
	require.Equal(t, 1, mgr.CloseAllForSource(ctx, "whale-1"))
	require.Empty(t, mgr.OpenPositions())

	// New buys for the halted source are ignored until resumed.
	mgr.OnObservedTrade(ctx, trade(normalize.Buy, 50, 1.00, "sig-2"))
	require.Empty(t, mgr.OpenPositions())

	mgr.ResumeSource("whale-1")
	mgr.OnObservedTrade(ctx, trade(normalize.Buy, 50, 1.00, "sig-3"))
	require.Len(t, mgr.OpenPositions(), 1)
}

func TestClosePositionDoesNotHaltSource(t *testing.T) {
	mgr, _, _ := newTestManager(t, whale(config.ExitPolicy{Mode: "mirror"}))
	ctx := context.Background()

	mgr.OnObservedTrade(ctx, trade(normalize.Buy, 100, 1.00, "sig-1"))
	require.True(t, mgr.ClosePosition(ctx, "whale-1", "BONK"))
	require.Empty(t, mgr.OpenPositions())

	// Already closed, and unknown positions report false.
	require.False(t, mgr.ClosePosition(ctx, "whale-1", "BONK"))
	require.False(t, mgr.ClosePosition(ctx, "whale-1", "WIF"))

	// The source keeps trading.
	mgr.OnObservedTrade(ctx, trade(normalize.Buy, 50, 1.00, "sig-2"))
	require.Len(t, mgr.OpenPositions(), 1)
}

func TestUnwatchedSourceIgnored(t *testing.T) {
	mgr, _, _ := newTestManager(t, whale(config.ExitPolicy{Mode: "mirror"}))
	ctx := context.Background()

	tr := trade(normalize.Buy, 100, 1.00, "sig-1")
	tr.SourceAddress = "someone-else"
	mgr.OnObservedTrade(ctx, tr)
	require.Empty(t, mgr.OpenPositions())
}

func TestRestartRestoresPositions(t *testing.T) {
	dir := t.TempDir()
	tradesPath := filepath.Join(dir, "trades.jsonl")
	snapPath := filepath.Join(dir, "positions.json")

	led, err := ledger.Open(tradesPath, snapPath, 10000)
	require.NoError(t, err)
	paper := venue.NewPaperVenue()
	paper.SlippageBpsMin, paper.SlippageBpsMax, paper.FeeBps = 0, 0, 0
	store := config.NewStore(config.NewSnapshot([]config.Source{whale(tieredExit())}))
	mgr := NewManager(testExecConfig(), store, risk.NewGate(testRiskConfig(), led), paper, led, nil)

	ctx := context.Background()
	mgr.OnObservedTrade(ctx, trade(normalize.Buy, 100, 1.00, "sig-1"))
	mgr.OnPriceUpdate(ctx, "BONK", 1.10) // tier 1 fires
	before := openPosition(t, mgr)

	// Simulate a process restart on the same data directory.
	led2, err := ledger.Open(tradesPath, snapPath, 10000)
	require.NoError(t, err)
	mgr2 := NewManager(testExecConfig(), store, risk.NewGate(testRiskConfig(), led2), paper, led2, nil)
	require.NoError(t, mgr2.Restore())

	after := openPosition(t, mgr2)
	require.Equal(t, before.ID, after.ID)
	require.InDelta(t, before.RemainingQuantity, after.RemainingQuantity, 1e-9)
	require.InDelta(t, before.EntryPrice, after.EntryPrice, 1e-9)
	require.InDelta(t, before.SourceRemaining, after.SourceRemaining, 1e-9)
	require.Equal(t, before.Status, after.Status)

	// The applied tier must survive the restart: the same tick again
	// must not double-sell.
	mgr2.OnPriceUpdate(ctx, "BONK", 1.10)
	require.InDelta(t, before.RemainingQuantity, openPosition(t, mgr2).RemainingQuantity, 1e-9)
}

func TestReplayedSequenceIsIdempotent(t *testing.T) {
	run := func() []Snapshot {
		mgr, _, _ := newTestManager(t, whale(config.ExitPolicy{Mode: "mirror"}))
		norm := normalize.NewNormalizer(100)
		ctx := context.Background()

		var events []feed.RawEvent
		for i, tr := range []struct {
			side string
			qty  float64
		}{
			{"BUY", 100}, {"BUY", 50}, {"SELL", 75},
		} {
			payload, err := json.Marshal(map[string]any{
				"type": "swap", "signature": fmt.Sprintf("sig-%d", i),
				"trader": "addr-1", "asset": "BONK", "side": tr.side,
				"quantity": tr.qty, "price": 1.00,
			})
			require.NoError(t, err)
			events = append(events, feed.RawEvent{Payload: payload, ReceivedAt: time.Now().UTC()})
		}

		// At-least-once delivery: the full sequence arrives twice.
		for pass := 0; pass < 2; pass++ {
			for _, ev := range events {
				if tr, ok := norm.Normalize(ev); ok {
					mgr.OnObservedTrade(ctx, tr)
				}
			}
		}
		return mgr.OpenPositions()
	}

	first := run()
	second := run()
	require.Len(t, first, 1)
	require.InDelta(t, 75, first[0].RemainingQuantity, 1e-9) // 150 bought, half the source's stake sold
	require.InDelta(t, first[0].RemainingQuantity, second[0].RemainingQuantity, 1e-9)
	require.InDelta(t, first[0].EntryPrice, second[0].EntryPrice, 1e-9)
}
