package position

import (
	"github.com/tmercier/copybot/internal/config"
)

// exitIntent is one sell the current price obliges us to make. Tier
// intents size against the original quantity, stop intents against
// whatever remains when the intent is executed.
type exitIntent struct {
	Tier       int // take-profit tier index, -1 for stops
	Fraction   float64
	OfOriginal bool
	Reason     string
}

const noTier = -1

// priceExits evaluates a tiered exit policy against the current price
// and returns the sells it mandates, take-profit tiers in ascending
// gain order followed by the stop-loss if its threshold is breached.
// Already-applied tiers and an already-fired stop-loss are skipped so
// duplicate ticks cannot double-sell. Trailing stops are evaluated
// separately by the caller because they mutate ratchet state.
func priceExits(p *Position, pol config.ExitPolicy, price float64) []exitIntent {
	p.mu.Lock()
	entry := p.EntryPrice
	remaining := p.RemainingQuantity
	stopFired := p.StopLossFired
	applied := make(map[int]bool, len(p.AppliedTiers))
	for t := range p.AppliedTiers {
		applied[t] = true
	}
	p.mu.Unlock()

	if pol.Mode != "tiered" || remaining <= 0 || entry <= 0 {
		return nil
	}

	changePct := (price - entry) / entry * 100

	var intents []exitIntent
	for i, tier := range pol.Tiers {
		if applied[i] || changePct < tier.GainPct {
			continue
		}
		intents = append(intents, exitIntent{
			Tier:       i,
			Fraction:   tier.SellFraction,
			OfOriginal: true,
			Reason:     "tp_tier",
		})
	}
	if sl := pol.StopLoss; sl != nil && !stopFired && changePct <= -sl.LossPct {
		intents = append(intents, exitIntent{
			Tier:     noTier,
			Fraction: sl.SellFraction,
			Reason:   "stop_loss",
		})
	}
	return intents
}
