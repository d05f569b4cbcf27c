package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tmercier/copybot/internal/config"
	"github.com/tmercier/copybot/internal/ledger"
	"github.com/tmercier/copybot/internal/normalize"
	"github.com/tmercier/copybot/internal/observ"
	"github.com/tmercier/copybot/internal/risk"
	"github.com/tmercier/copybot/internal/venue"
)

// Alerter receives operator-facing escalations the engine cannot
// resolve on its own, such as exhausted execution retries.
type Alerter interface {
	Notify(ctx context.Context, title string, fields map[string]string)
}

// Manager reconciles observed source activity with replica positions.
// It is the single consumer of normalized feed events; price updates
// arrive on a separate goroutine, so per-(source,asset) locks keep the
// two mutually exclusive for the same position.
type Manager struct {
	exec config.Execution

	cfg     *config.Store
	gate    *risk.Gate
	venue   venue.Venue
	ledger  *ledger.Ledger
	alerter Alerter

	limiter *rate.Limiter

	mu        sync.Mutex
	positions map[string]*Position   // key: sourceID|asset
	keyLocks  map[string]*sync.Mutex // serializes event processing per position
	haltedBuy map[string]bool        // sources with new buys suspended
}

func NewManager(exec config.Execution, cfg *config.Store, gate *risk.Gate, v venue.Venue, led *ledger.Ledger, alerter Alerter) *Manager {
	return &Manager{
		exec:      exec,
		cfg:       cfg,
		gate:      gate,
		venue:     v,
		ledger:    led,
		alerter:   alerter,
		limiter:   rate.NewLimiter(rate.Limit(exec.SubmitPerSecond), 1),
		positions: map[string]*Position{},
		keyLocks:  map[string]*sync.Mutex{},
		haltedBuy: map[string]bool{},
	}
}

// Restore rebuilds open positions from the last durable snapshot.
// Call before feed consumption starts.
func (m *Manager) Restore() error {
	records, err := m.ledger.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		if Status(r.Status) == StatusClosed {
			continue
		}
		m.positions[posKey(r.SourceID, r.Asset)] = FromRecord(r)
	}
	observ.Log("positions_restored", map[string]any{"count": len(m.positions)})
	return nil
}

func posKey(sourceID, asset string) string { return sourceID + "|" + asset }

func (m *Manager) lockKey(key string) func() {
	m.mu.Lock()
	kl, ok := m.keyLocks[key]
	if !ok {
		kl = &sync.Mutex{}
		m.keyLocks[key] = kl
	}
	m.mu.Unlock()
	kl.Lock()
	return kl.Unlock
}

func (m *Manager) position(key string) *Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[key]
}

func (m *Manager) putPosition(key string, p *Position) {
	m.mu.Lock()
	m.positions[key] = p
	m.mu.Unlock()
}

// OnObservedTrade processes one normalized source trade.
func (m *Manager) OnObservedTrade(ctx context.Context, t normalize.ObservedTrade) {
	src, ok := m.cfg.Current().ByAddr[t.SourceAddress]
	if !ok || !src.Active {
		observ.IncCounter("trades_ignored_total", map[string]string{"reason": "unwatched_source"})
		return
	}
	switch t.Side {
	case normalize.Buy:
		m.handleSourceBuy(ctx, src, t)
	case normalize.Sell:
		m.handleSourceSell(ctx, src, t)
	}
}

func (m *Manager) handleSourceBuy(ctx context.Context, src config.Source, t normalize.ObservedTrade) {
	key := posKey(src.ID, t.Asset)
	unlock := m.lockKey(key)
	defer unlock()

	pos := m.position(key)
	if pos == nil || pos.Snapshot().Status == StatusClosed {
		pos = New(uuid.NewString(), src.ID, t.Asset, t.Timestamp)
		m.putPosition(key, pos)
	}
	pos.ObserveSourceBuy(t.Quantity)

	m.mu.Lock()
	halted := m.haltedBuy[src.ID]
	m.mu.Unlock()
	if halted {
		observ.Log("buy_skipped", map[string]any{"source": src.ID, "asset": t.Asset, "reason": "source_halted"})
		return
	}

	proposed := m.proposedNotional(src, t.Notional())
	dec := m.gate.EvaluateOpen(src, t.Asset, proposed)
	if !dec.Approved {
		observ.Log("trade_skipped", map[string]any{
			"source": src.ID, "asset": t.Asset, "side": "BUY",
			"proposed_notional": proposed, "reason": dec.Reason,
		})
		return
	}

	order := venue.Order{
		ID:         uuid.NewString(),
		PositionID: pos.ID,
		SourceID:   src.ID,
		Asset:      t.Asset,
		Side:       venue.Buy,
		Quantity:   dec.AdjustedNotional / t.ExecutionPrice,
		PriceHint:  t.ExecutionPrice,
		Reason:     "entry",
		Timestamp:  time.Now().UTC(),
	}
	fills, err := m.submitWithRetry(ctx, order)
	for seq, f := range fills {
		if err := m.commitBuyFill(pos, order, f, seq, t.TxSignature); err != nil {
			observ.Error("ledger_write_failed", err, map[string]any{"order": order.ID})
			m.escalate(ctx, "ledger write failed", order, err)
			return
		}
	}
	if err != nil {
		m.escalate(ctx, "buy execution failed", order, err)
	}
	m.persist()
}

// proposedNotional scales the source's trade down to our allocation.
// With a known bankroll the replica deploys the same fraction of its
// allocation that the trade represents of the source's bankroll;
// otherwise notional is mirrored 1:1. Either way the allocation caps it.
func (m *Manager) proposedNotional(src config.Source, sourceNotional float64) float64 {
	alloc := src.CapitalUSD
	if alloc == 0 && src.CapitalPct > 0 {
		alloc = m.ledger.Equity() * src.CapitalPct / 100
	}
	proposed := sourceNotional
	if src.BankrollUSD > 0 {
		proposed = sourceNotional * alloc / src.BankrollUSD
	}
	if alloc > 0 && proposed > alloc {
		proposed = alloc
	}
	return proposed
}

// commitBuyFill writes the fill to the ledger first and mutates the
// in-memory position only after the write is durable. A failed write
// leaves the position untouched so memory never runs ahead of disk.
// seq is the fill's index within the order; partial fills of one order
// must land as distinct ledger records.
func (m *Manager) commitBuyFill(pos *Position, order venue.Order, f venue.Fill, seq int, txSig string) error {
	rec := ledger.FillRecord{
		OrderID:     order.ID,
		Seq:         seq,
		PositionID:  pos.ID,
		SourceID:    pos.SourceID,
		Asset:       order.Asset,
		Side:        string(venue.Buy),
		Quantity:    f.Quantity,
		Price:       f.Price,
		Fee:         f.Fee,
		Reason:      order.Reason,
		TxSignature: txSig,
		Timestamp:   f.Timestamp,
	}
	if err := m.ledger.WriteFill(rec); err != nil {
		return err
	}
	pos.ApplyBuy(f.Quantity, f.Price, f.Fee)
	observ.Log("position_buy", map[string]any{
		"position": pos.ID, "source": pos.SourceID, "asset": order.Asset,
		"qty": f.Quantity, "price": f.Price, "reason": order.Reason,
	})
	observ.IncCounter("orders_filled_total", map[string]string{"side": "BUY"})
	return nil
}

func (m *Manager) handleSourceSell(ctx context.Context, src config.Source, t normalize.ObservedTrade) {
	key := posKey(src.ID, t.Asset)
	unlock := m.lockKey(key)
	defer unlock()

	pos := m.position(key)
	if pos == nil {
		observ.Log("sell_ignored", map[string]any{"source": src.ID, "asset": t.Asset, "reason": "no_position"})
		return
	}

	fraction, fullExit := pos.ObserveSourceSell(t.Quantity)
	snap := pos.Snapshot()
	if snap.RemainingQuantity <= 0 {
		return
	}

	switch {
	case fullExit:
		// The source has exited entirely; holding on would contradict
		// the replication premise, so close regardless of policy.
		m.sellAndSettle(ctx, pos, snap.RemainingQuantity, t.ExecutionPrice, "source_exit", t.TxSignature)
	case src.Exit.Mode == "tiered":
		observ.Log("source_sell_observed", map[string]any{
			"source": src.ID, "asset": t.Asset, "fraction": fraction,
			"policy": "tiered", "action": "none",
		})
	default: // mirror
		m.sellAndSettle(ctx, pos, snap.RemainingQuantity*fraction, t.ExecutionPrice, "mirror", t.TxSignature)
	}
	m.persist()
}

// sellAndSettle submits a sell, records the fills, realizes PnL per
// confirmed fill, and feeds the result into the risk gate. The caller
// holds the position's key lock.
func (m *Manager) sellAndSettle(ctx context.Context, pos *Position, qty, priceHint float64, reason, txSig string) {
	snap := pos.Snapshot()
	if qty > snap.RemainingQuantity {
		qty = snap.RemainingQuantity
	}
	if qty <= 0 {
		return
	}
	order := venue.Order{
		ID:         uuid.NewString(),
		PositionID: pos.ID,
		SourceID:   pos.SourceID,
		Asset:      pos.Asset,
		Side:       venue.Sell,
		Quantity:   qty,
		PriceHint:  priceHint,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}
	fills, err := m.submitWithRetry(ctx, order)
	for seq, f := range fills {
		if cerr := m.commitSellFill(pos, order, f, seq, txSig); cerr != nil {
			observ.Error("ledger_write_failed", cerr, map[string]any{"order": order.ID})
			m.escalate(ctx, "ledger write failed", order, cerr)
			return
		}
	}
	if err != nil {
		m.escalate(ctx, "sell execution failed", order, err)
	}
}

func (m *Manager) commitSellFill(pos *Position, order venue.Order, f venue.Fill, seq int, txSig string) error {
	entry := pos.Snapshot().EntryPrice
	rec := ledger.FillRecord{
		OrderID:     order.ID,
		Seq:         seq,
		PositionID:  pos.ID,
		SourceID:    pos.SourceID,
		Asset:       order.Asset,
		Side:        string(venue.Sell),
		Quantity:    f.Quantity,
		Price:       f.Price,
		Fee:         f.Fee,
		Reason:      order.Reason,
		TxSignature: txSig,
		Timestamp:   f.Timestamp,
	}
	if err := m.ledger.WriteFill(rec); err != nil {
		return err
	}

	sold := pos.ApplySell(f.Quantity)
	pnl := (f.Price-entry)*sold - f.Fee
	closed := ledger.ClosedTrade{
		ID:         order.ID,
		Seq:        seq,
		PositionID: pos.ID,
		SourceID:   pos.SourceID,
		Asset:      order.Asset,
		Quantity:   sold,
		EntryPrice: entry,
		ExitPrice:  f.Price,
		PnL:        pnl,
		Reason:     order.Reason,
		OpenedAt:   pos.Snapshot().OpenedAt,
		ClosedAt:   f.Timestamp,
	}
	if err := m.ledger.WriteClosed(closed); err != nil {
		return err
	}
	m.gate.OnTradeClosed(pnl, pnl < 0)

	observ.Log("position_sell", map[string]any{
		"position": pos.ID, "source": pos.SourceID, "asset": order.Asset,
		"qty": sold, "price": f.Price, "pnl": pnl, "reason": order.Reason,
		"status": string(pos.Snapshot().Status),
	})
	observ.IncCounter("orders_filled_total", map[string]string{"side": "SELL"})
	return nil
}

// OnPriceUpdate evaluates tiered exits, stop-losses, and trailing stops
// for every open position in the asset at the given price.
func (m *Manager) OnPriceUpdate(ctx context.Context, asset string, price float64) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.positions))
	for k, p := range m.positions {
		if p.Asset == asset {
			keys = append(keys, k)
		}
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.evaluatePrice(ctx, key, asset, price)
	}
}

func (m *Manager) evaluatePrice(ctx context.Context, key, asset string, price float64) {
	unlock := m.lockKey(key)
	defer unlock()

	pos := m.position(key)
	if pos == nil {
		return
	}
	snap := pos.Snapshot()
	if snap.RemainingQuantity <= 0 {
		return
	}
	src, ok := m.cfg.Current().Sources[snap.SourceID]
	if !ok {
		return
	}

	if src.Exit.Trailing && pos.UpdateTrail(price, src.Exit.TrailPct) {
		m.sellAndSettle(ctx, pos, pos.Snapshot().RemainingQuantity, price, "trailing_stop", "")
		m.persist()
		return
	}

	intents := priceExits(pos, src.Exit, price)
	for _, in := range intents {
		cur := pos.Snapshot()
		if cur.RemainingQuantity <= 0 {
			break
		}
		qty := in.Fraction * cur.RemainingQuantity
		if in.OfOriginal {
			qty = in.Fraction * cur.OriginalQuantity
		}
		if in.Tier != noTier && !pos.MarkTierApplied(in.Tier) {
			continue // duplicate tick, tier already fired
		}
		if in.Tier == noTier && !pos.MarkStopLossApplied() {
			continue // duplicate tick, stop already fired
		}
		m.sellAndSettle(ctx, pos, qty, price, in.Reason, "")
	}
	if len(intents) > 0 {
		m.persist()
	}
}

// CloseAllForSource stops new buys for the source immediately and
// schedules best-effort sells for all of its open positions. Positions
// already mid-sell finish on their own.
func (m *Manager) CloseAllForSource(ctx context.Context, sourceID string) int {
	m.mu.Lock()
	m.haltedBuy[sourceID] = true
	keys := make([]string, 0)
	for k, p := range m.positions {
		if p.SourceID == sourceID {
			keys = append(keys, k)
		}
	}
	m.mu.Unlock()
	observ.Log("close_all_requested", map[string]any{"source": sourceID, "positions": len(keys)})

	closed := 0
	for _, key := range keys {
		unlock := m.lockKey(key)
		pos := m.position(key)
		if pos != nil {
			snap := pos.Snapshot()
			if snap.RemainingQuantity > 0 {
				m.sellAndSettle(ctx, pos, snap.RemainingQuantity, snap.EntryPrice, "manual", "")
				closed++
			}
		}
		unlock()
	}
	m.persist()
	return closed
}

// ClosePosition sells out a single position at market. Unlike
// CloseAllForSource it does not halt future buys from the source.
func (m *Manager) ClosePosition(ctx context.Context, sourceID, asset string) bool {
	key := posKey(sourceID, asset)
	unlock := m.lockKey(key)
	defer unlock()

	pos := m.position(key)
	if pos == nil {
		return false
	}
	snap := pos.Snapshot()
	if snap.RemainingQuantity <= 0 {
		return false
	}
	m.sellAndSettle(ctx, pos, snap.RemainingQuantity, snap.EntryPrice, "manual", "")
	m.persist()
	return true
}

// ResumeSource lifts a CloseAllForSource buy halt.
func (m *Manager) ResumeSource(sourceID string) {
	m.mu.Lock()
	delete(m.haltedBuy, sourceID)
	m.mu.Unlock()
}

// OpenPositions returns snapshots of all positions that still hold
// quantity, for the observability surface.
func (m *Manager) OpenPositions() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.positions))
	for _, p := range m.positions {
		s := p.Snapshot()
		if s.RemainingQuantity > 0 {
			out = append(out, s)
		}
	}
	return out
}

// submitWithRetry places an order, retrying transient failures and
// partial fills with exponential backoff up to the configured attempt
// budget. All confirmed fills are returned even when the order could
// not be completed; the error reports what remains unfilled.
func (m *Manager) submitWithRetry(ctx context.Context, order venue.Order) ([]venue.Fill, error) {
	var fills []venue.Fill
	remaining := order.Quantity

	for attempt := 1; attempt <= m.exec.MaxRetries; attempt++ {
		if err := m.limiter.Wait(ctx); err != nil {
			return fills, err
		}
		attemptOrder := order
		attemptOrder.Quantity = remaining

		fillCtx, cancel := context.WithTimeout(ctx, time.Duration(m.exec.FillTimeoutMs)*time.Millisecond)
		fill, err := m.venue.Submit(fillCtx, attemptOrder)
		cancel()

		if err == nil {
			fills = append(fills, fill)
			remaining -= fill.Quantity
			if remaining <= quantityEpsilon {
				return fills, nil
			}
			observ.IncCounter("orders_partial_fills_total", nil)
			observ.Log("order_partial_fill", map[string]any{
				"order": order.ID, "filled": fill.Quantity, "remaining": remaining, "attempt": attempt,
			})
		} else {
			class := venue.Classify(err)
			observ.IncCounter("orders_submit_errors_total", map[string]string{"class": class.String()})
			if class == venue.FailureRejected {
				return fills, fmt.Errorf("order %s rejected: %w", order.ID, err)
			}
			observ.Log("order_retry", map[string]any{
				"order": order.ID, "attempt": attempt, "class": class.String(), "err": err.Error(),
			})
		}

		if attempt < m.exec.MaxRetries {
			select {
			case <-time.After(m.retryDelay(attempt)):
			case <-ctx.Done():
				return fills, ctx.Err()
			}
		}
	}
	return fills, fmt.Errorf("order %s: %.6f of %.6f unfilled after %d attempts",
		order.ID, remaining, order.Quantity, m.exec.MaxRetries)
}

func (m *Manager) retryDelay(attempt int) time.Duration {
	d := time.Duration(m.exec.BackoffBaseMs) * time.Millisecond << (attempt - 1)
	ceiling := time.Duration(m.exec.BackoffMaxMs) * time.Millisecond
	if d > ceiling || d <= 0 {
		d = ceiling
	}
	return d
}

func (m *Manager) escalate(ctx context.Context, title string, order venue.Order, err error) {
	observ.IncCounter("orders_escalations_total", nil)
	observ.Error("order_escalated", err, map[string]any{
		"order": order.ID, "position": order.PositionID, "asset": order.Asset, "side": string(order.Side),
	})
	if m.alerter != nil {
		m.alerter.Notify(ctx, title, map[string]string{
			"order":    order.ID,
			"position": order.PositionID,
			"source":   order.SourceID,
			"asset":    order.Asset,
			"side":     string(order.Side),
			"error":    err.Error(),
		})
	}
}

// persist writes the current position set to the durable snapshot.
func (m *Manager) persist() {
	m.mu.Lock()
	records := make([]ledger.PositionRecord, 0, len(m.positions))
	for _, p := range m.positions {
		records = append(records, p.Record())
	}
	m.mu.Unlock()
	if err := m.ledger.SaveSnapshot(records); err != nil {
		observ.Error("snapshot_write_failed", err, nil)
	}
}
