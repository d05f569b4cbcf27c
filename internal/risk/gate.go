package risk

import (
	"sync"
	"time"

	"github.com/tmercier/copybot/internal/config"
	"github.com/tmercier/copybot/internal/ledger"
	"github.com/tmercier/copybot/internal/observ"
)

// State is the portfolio-wide rolling risk state. Mutated only by the Gate
// after each closed trade; read by the Position Manager before any open.
type State struct {
	PeakEquity          float64   `json:"peak_equity"`
	CurrentEquity       float64   `json:"current_equity"`
	DrawdownPct         float64   `json:"drawdown_pct"`
	ConsecutiveLosses   int       `json:"consecutive_losses"`
	DailyRealizedPnL    float64   `json:"daily_realized_pnl"`
	DailyDate           string    `json:"daily_date"` // UTC YYYY-MM-DD boundary
	BreakerTrippedUntil time.Time `json:"breaker_tripped_until"`
	BreakerReason       string    `json:"breaker_reason,omitempty"`
}

// Tripped reports whether the circuit breaker blocks new opens at t.
func (s State) Tripped(t time.Time) bool {
	return t.Before(s.BreakerTrippedUntil)
}

// Decision is the Gate's answer to a proposed position open.
type Decision struct {
	Approved         bool    `json:"approved"`
	AdjustedNotional float64 `json:"adjusted_notional"`
	Reason           string  `json:"reason"`
}

// StatsProvider supplies per-source closed-trade statistics for Kelly sizing.
type StatsProvider interface {
	StatsForSource(sourceID string) ledger.SourceStats
	Equity() float64
}

// Gate is the sole authority on whether a proposed position change is
// allowed and at what size. All mutation serializes through its mutex so two
// concurrent trade closures cannot both miss a breaker condition.
type Gate struct {
	mu    sync.Mutex
	cfg   config.Risk
	stats StatsProvider
	now   func() time.Time
	st    State
}

func NewGate(cfg config.Risk, stats StatsProvider) *Gate {
	equity := stats.Equity()
	g := &Gate{
		cfg:   cfg,
		stats: stats,
		now:   time.Now,
		st: State{
			PeakEquity:    equity,
			CurrentEquity: equity,
		},
	}
	g.st.DailyDate = g.now().UTC().Format("2006-01-02")
	return g
}

// EvaluateOpen approves, scales down, or rejects a proposed open. The
// notional cap is the minimum of the source's allocation, the hard
// per-position cap, and (when enabled and sampled) Kelly-derived sizing.
func (g *Gate) EvaluateOpen(src config.Source, asset string, proposedNotional float64) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.clearBreakerIfExpired(now)

	if g.st.Tripped(now) {
		observ.IncCounter("risk_rejections_total", map[string]string{"reason": "circuit_breaker"})
		return Decision{Approved: false, Reason: "circuit_breaker"}
	}

	equity := g.st.CurrentEquity
	if equity <= 0 {
		observ.IncCounter("risk_rejections_total", map[string]string{"reason": "no_equity"})
		return Decision{Approved: false, Reason: "no_equity"}
	}

	alloc := src.CapitalUSD
	if alloc == 0 && src.CapitalPct > 0 {
		alloc = equity * src.CapitalPct / 100
	}
	if alloc <= 0 {
		observ.IncCounter("risk_rejections_total", map[string]string{"reason": "no_allocation"})
		return Decision{Approved: false, Reason: "no_allocation"}
	}

	capUSD := alloc
	if hard := equity * g.cfg.MaxPositionFraction; hard < capUSD {
		capUSD = hard
	}

	reason := "ok"
	if src.UseKelly {
		if kc, ok := g.kellyCap(src.ID, equity); ok {
			reason = "kelly"
			if kc < capUSD {
				capUSD = kc
			}
		}
	}

	adjusted := proposedNotional
	if adjusted > capUSD {
		adjusted = capUSD
		reason = "scaled_down"
	}
	if adjusted <= 0 {
		observ.IncCounter("risk_rejections_total", map[string]string{"reason": "zero_size"})
		return Decision{Approved: false, Reason: "zero_size"}
	}
	return Decision{Approved: true, AdjustedNotional: adjusted, Reason: reason}
}

// kellyCap returns the Kelly-derived notional cap, or ok=false when the
// source's sample is too small and fixed-fraction sizing applies.
func (g *Gate) kellyCap(sourceID string, equity float64) (float64, bool) {
	st := g.stats.StatsForSource(sourceID)
	if st.Samples < g.cfg.Kelly.MinSampleSize || st.AvgLoss <= 0 {
		return 0, false
	}
	f := KellyFraction(st.WinRate, st.AvgWin/st.AvgLoss) * g.cfg.Kelly.SafetyFactor
	// Clamp the way the half-Kelly convention does: never below a token 1%,
	// never above the hard per-position fraction.
	if f < 0.01 {
		f = 0.01
	}
	if f > g.cfg.MaxPositionFraction {
		f = g.cfg.MaxPositionFraction
	}
	return equity * f, true
}

// OnTradeClosed feeds one realized trade into the rolling metrics and trips
// the circuit breaker when any configured threshold is breached.
func (g *Gate) OnTradeClosed(pnl float64, isLoss bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.resetDailyIfNeeded(now)

	g.st.CurrentEquity += pnl
	g.st.DailyRealizedPnL += pnl
	if g.st.CurrentEquity > g.st.PeakEquity {
		g.st.PeakEquity = g.st.CurrentEquity
	}
	if isLoss {
		g.st.ConsecutiveLosses++
	} else {
		g.st.ConsecutiveLosses = 0
	}

	if g.st.PeakEquity > 0 {
		g.st.DrawdownPct = (g.st.PeakEquity - g.st.CurrentEquity) / g.st.PeakEquity * 100
	}

	observ.SetGauge("risk_equity_usd", g.st.CurrentEquity, nil)
	observ.SetGauge("risk_drawdown_pct", g.st.DrawdownPct, nil)
	observ.SetGauge("risk_consecutive_losses", float64(g.st.ConsecutiveLosses), nil)
	observ.SetGauge("risk_daily_realized_pnl", g.st.DailyRealizedPnL, nil)

	g.checkBreaker(now)
}

func (g *Gate) checkBreaker(now time.Time) {
	if g.st.Tripped(now) {
		return
	}

	var reason string
	switch {
	case g.st.DrawdownPct >= g.cfg.MaxDrawdownPct:
		reason = "max_drawdown"
	case g.cfg.CapitalBase > 0 && -g.st.DailyRealizedPnL/g.cfg.CapitalBase*100 >= g.cfg.MaxDailyLossPct:
		reason = "daily_loss"
	case g.st.ConsecutiveLosses >= g.cfg.MaxConsecutiveLosses:
		reason = "consecutive_losses"
	default:
		return
	}

	g.st.BreakerTrippedUntil = now.Add(time.Duration(g.cfg.CooldownSeconds) * time.Second)
	g.st.BreakerReason = reason
	observ.Log("circuit_breaker_tripped", map[string]any{
		"reason":        reason,
		"tripped_until": g.st.BreakerTrippedUntil.Format(time.RFC3339),
		"drawdown_pct":  g.st.DrawdownPct,
		"daily_pnl":     g.st.DailyRealizedPnL,
		"consec_losses": g.st.ConsecutiveLosses,
	})
	observ.IncCounter("circuit_breaker_trips_total", map[string]string{"reason": reason})
}

// clearBreakerIfExpired auto-clears the breaker after its cooldown; no
// manual reset is required.
func (g *Gate) clearBreakerIfExpired(now time.Time) {
	if g.st.BreakerReason != "" && !g.st.Tripped(now) {
		observ.Log("circuit_breaker_cleared", map[string]any{"reason": g.st.BreakerReason})
		g.st.BreakerReason = ""
		g.st.BreakerTrippedUntil = time.Time{}
	}
}

func (g *Gate) resetDailyIfNeeded(now time.Time) {
	today := now.UTC().Format("2006-01-02")
	if g.st.DailyDate != today {
		g.st.DailyDate = today
		g.st.DailyRealizedPnL = 0
	}
}

// Snapshot returns a copy of the current risk state for the dashboard.
func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st
}
