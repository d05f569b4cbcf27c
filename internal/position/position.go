package position

import (
	"sync"
	"time"

	"github.com/tmercier/copybot/internal/ledger"
)

// Status is the lifecycle state of a replica position.
type Status string

const (
	StatusOpen            Status = "OPEN"
	StatusPartiallyClosed Status = "PARTIALLY_CLOSED"
	StatusClosed          Status = "CLOSED"
)

// Position is the replica-side holding that mirrors one (source, asset)
// pair. Field access goes through the methods below; the Manager's
// per-key lock serializes whole-event processing on top of that.
type Position struct {
	mu sync.Mutex

	ID       string
	SourceID string
	Asset    string

	EntryPrice        float64 // quantity-weighted average across all buys
	RemainingQuantity float64
	OriginalQuantity  float64 // cumulative bought quantity, basis for tier sizing
	CostBasis         float64 // USD spent including fees

	// SourceRemaining tracks the watched wallet's own remaining units,
	// reconstructed from observed buys and sells. Mirror-mode sells and
	// full-exit detection are computed against it.
	SourceRemaining float64

	HighestPrice      float64
	TrailingStopPrice float64
	AppliedTiers      map[int]bool
	StopLossFired     bool // partial stop-losses fire at most once per position

	Status   Status
	OpenedAt time.Time
}

func New(id, sourceID, asset string, openedAt time.Time) *Position {
	return &Position{
		ID:           id,
		SourceID:     sourceID,
		Asset:        asset,
		AppliedTiers: map[int]bool{},
		Status:       StatusOpen,
		OpenedAt:     openedAt,
	}
}

// ApplyBuy folds a confirmed buy fill into the position, re-deriving
// the entry price as a quantity-weighted average over all buys.
func (p *Position) ApplyBuy(qty, price, fee float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if qty <= 0 {
		return
	}
	total := p.EntryPrice*p.OriginalQuantity + price*qty
	p.OriginalQuantity += qty
	p.EntryPrice = total / p.OriginalQuantity
	p.RemainingQuantity += qty
	p.CostBasis += price*qty + fee
	p.refreshStatus()
}

// ApplySell reduces the remaining quantity by a confirmed sell fill.
// Returns the quantity actually deducted (clamped to remaining).
func (p *Position) ApplySell(qty float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if qty > p.RemainingQuantity {
		qty = p.RemainingQuantity
	}
	p.RemainingQuantity -= qty
	if p.RemainingQuantity < quantityEpsilon {
		p.RemainingQuantity = 0
		p.AppliedTiers = map[int]bool{}
		p.StopLossFired = false
	}
	p.refreshStatus()
	return qty
}

const quantityEpsilon = 1e-9

func (p *Position) refreshStatus() {
	switch {
	case p.RemainingQuantity <= 0:
		p.Status = StatusClosed
	case p.RemainingQuantity < p.OriginalQuantity:
		p.Status = StatusPartiallyClosed
	default:
		p.Status = StatusOpen
	}
}

// ObserveSourceBuy grows the tracked source-side holding.
func (p *Position) ObserveSourceBuy(qty float64) {
	p.mu.Lock()
	p.SourceRemaining += qty
	p.mu.Unlock()
}

// ObserveSourceSell shrinks the tracked source-side holding and reports
// the fraction of it the source just sold, plus whether that sell
// emptied the source's position entirely.
func (p *Position) ObserveSourceSell(qty float64) (fraction float64, fullExit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	before := p.SourceRemaining
	if before <= 0 {
		return 0, true
	}
	if qty >= before-quantityEpsilon {
		p.SourceRemaining = 0
		return 1, true
	}
	p.SourceRemaining = before - qty
	return qty / before, false
}

// MarkTierApplied records a take-profit tier as fired. Returns false if
// the tier already fired, which callers treat as a duplicate tick.
func (p *Position) MarkTierApplied(tier int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.AppliedTiers[tier] {
		return false
	}
	p.AppliedTiers[tier] = true
	return true
}

// MarkStopLossApplied records the stop-loss as fired, the same guard
// MarkTierApplied gives tiers. Returns false on a duplicate tick.
func (p *Position) MarkStopLossApplied() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StopLossFired {
		return false
	}
	p.StopLossFired = true
	return true
}

// UpdateTrail ratchets the trailing stop upward with new highs. The
// stop never loosens. Returns true when price has crossed below it.
func (p *Position) UpdateTrail(price, trailPct float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if price > p.HighestPrice {
		p.HighestPrice = price
		stop := price * (1 - trailPct/100)
		if stop > p.TrailingStopPrice {
			p.TrailingStopPrice = stop
		}
	}
	return p.TrailingStopPrice > 0 && price <= p.TrailingStopPrice
}

// Snapshot returns an immutable copy of the position's current state.
func (p *Position) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		ID:                p.ID,
		SourceID:          p.SourceID,
		Asset:             p.Asset,
		EntryPrice:        p.EntryPrice,
		RemainingQuantity: p.RemainingQuantity,
		OriginalQuantity:  p.OriginalQuantity,
		CostBasis:         p.CostBasis,
		SourceRemaining:   p.SourceRemaining,
		HighestPrice:      p.HighestPrice,
		TrailingStopPrice: p.TrailingStopPrice,
		StopLossFired:     p.StopLossFired,
		Status:            p.Status,
		OpenedAt:          p.OpenedAt,
	}
}

// Snapshot is a point-in-time copy of a Position, safe to hand to
// reporting code without further locking.
type Snapshot struct {
	ID                string    `json:"id"`
	SourceID          string    `json:"source_id"`
	Asset             string    `json:"asset"`
	EntryPrice        float64   `json:"entry_price"`
	RemainingQuantity float64   `json:"remaining_quantity"`
	OriginalQuantity  float64   `json:"original_quantity"`
	CostBasis         float64   `json:"cost_basis"`
	SourceRemaining   float64   `json:"source_remaining"`
	HighestPrice      float64   `json:"highest_price"`
	TrailingStopPrice float64   `json:"trailing_stop_price"`
	StopLossFired     bool      `json:"stop_loss_fired"`
	Status            Status    `json:"status"`
	OpenedAt          time.Time `json:"opened_at"`
}

// Record converts the position into its durable ledger form.
func (p *Position) Record() ledger.PositionRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	tiers := make([]int, 0, len(p.AppliedTiers))
	for t := range p.AppliedTiers {
		tiers = append(tiers, t)
	}
	return ledger.PositionRecord{
		ID:                p.ID,
		SourceID:          p.SourceID,
		Asset:             p.Asset,
		EntryPrice:        p.EntryPrice,
		RemainingQuantity: p.RemainingQuantity,
		OriginalQuantity:  p.OriginalQuantity,
		CostBasis:         p.CostBasis,
		SourceRemaining:   p.SourceRemaining,
		HighestPrice:      p.HighestPrice,
		TrailingStopPrice: p.TrailingStopPrice,
		AppliedTiers:      tiers,
		StopLossFired:     p.StopLossFired,
		Status:            string(p.Status),
		OpenedAt:          p.OpenedAt,
	}
}

// FromRecord rebuilds a position from its durable ledger form.
func FromRecord(r ledger.PositionRecord) *Position {
	applied := map[int]bool{}
	for _, t := range r.AppliedTiers {
		applied[t] = true
	}
	return &Position{
		ID:                r.ID,
		SourceID:          r.SourceID,
		Asset:             r.Asset,
		EntryPrice:        r.EntryPrice,
		RemainingQuantity: r.RemainingQuantity,
		OriginalQuantity:  r.OriginalQuantity,
		CostBasis:         r.CostBasis,
		SourceRemaining:   r.SourceRemaining,
		HighestPrice:      r.HighestPrice,
		TrailingStopPrice: r.TrailingStopPrice,
		AppliedTiers:      applied,
		StopLossFired:     r.StopLossFired,
		Status:            Status(r.Status),
		OpenedAt:          r.OpenedAt,
	}
}
