package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tmercier/copybot/internal/observ"
)

// FillRecord is one confirmed replica order fill. A partially filled
// order produces several records sharing an order id, distinguished by
// the fill sequence number.
type FillRecord struct {
	OrderID     string    `json:"order_id"`
	Seq         int       `json:"seq"`
	PositionID  string    `json:"position_id"`
	SourceID    string    `json:"source_id"`
	Asset       string    `json:"asset"`
	Side        string    `json:"side"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	Fee         float64   `json:"fee"`
	Reason      string    `json:"reason"`
	TxSignature string    `json:"tx_signature,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ClosedTrade is one realized exit (full or partial) with its PnL.
type ClosedTrade struct {
	ID         string    `json:"id"`  // closing order id
	Seq        int       `json:"seq"` // fill sequence within the closing order
	PositionID string    `json:"position_id"`
	SourceID   string    `json:"source_id"`
	Asset      string    `json:"asset"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"`
	Reason     string    `json:"reason"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}

type entry struct {
	Type   string       `json:"type"` // fill | closed
	Fill   *FillRecord  `json:"fill,omitempty"`
	Closed *ClosedTrade `json:"closed,omitempty"`
	At     time.Time    `json:"at"`
}

// Ledger is the append-only durable record of fills and closed trades, and
// the source of truth for realized PnL and the Risk Gate's rolling metrics.
// Writes are idempotent by (order id, fill sequence); readers always see
// whole records.
type Ledger struct {
	mu           sync.RWMutex
	path         string
	snapshotPath string
	capitalBase  float64

	seen   map[string]struct{}
	fills  []FillRecord
	closed []ClosedTrade

	snapshotVersion int64
}

// Open loads an existing ledger file (if any) into memory so queries and
// idempotency checks do not rescan the file per call.
func Open(tradesPath, snapshotPath string, capitalBase float64) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(tradesPath), 0755); err != nil {
		return nil, fmt.Errorf("ledger dir: %w", err)
	}
	l := &Ledger{
		path:         tradesPath,
		snapshotPath: snapshotPath,
		capitalBase:  capitalBase,
		seen:         make(map[string]struct{}),
	}
	if err := l.replay(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) replay() error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn trailing line from a crash mid-append is tolerated.
			observ.Error("ledger_skip_bad_line", err, nil)
			continue
		}
		switch {
		case e.Type == "fill" && e.Fill != nil:
			l.fills = append(l.fills, *e.Fill)
			l.seen[fillKey(e.Fill.OrderID, e.Fill.Seq)] = struct{}{}
		case e.Type == "closed" && e.Closed != nil:
			l.closed = append(l.closed, *e.Closed)
			l.seen[closedKey(e.Closed.ID, e.Closed.Seq)] = struct{}{}
		}
	}
	return scanner.Err()
}

func fillKey(orderID string, seq int) string {
	return fmt.Sprintf("fill:%s:%d", orderID, seq)
}

func closedKey(id string, seq int) string {
	return fmt.Sprintf("closed:%s:%d", id, seq)
}

// WriteFill appends a fill. Re-writing the same (order id, seq) is a no-op.
func (l *Ledger) WriteFill(f FillRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := fillKey(f.OrderID, f.Seq)
	if _, dup := l.seen[key]; dup {
		observ.IncCounter("ledger_duplicate_writes_total", map[string]string{"type": "fill"})
		return nil
	}
	if err := l.append(entry{Type: "fill", Fill: &f, At: time.Now().UTC()}); err != nil {
		return err
	}
	l.fills = append(l.fills, f)
	l.seen[key] = struct{}{}
	return nil
}

// WriteClosed appends a closed trade. Idempotent by (closing order id, seq).
func (l *Ledger) WriteClosed(ct ClosedTrade) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := closedKey(ct.ID, ct.Seq)
	if _, dup := l.seen[key]; dup {
		observ.IncCounter("ledger_duplicate_writes_total", map[string]string{"type": "closed"})
		return nil
	}
	if err := l.append(entry{Type: "closed", Closed: &ct, At: time.Now().UTC()}); err != nil {
		return err
	}
	l.closed = append(l.closed, ct)
	l.seen[key] = struct{}{}
	return nil
}

func (l *Ledger) append(e entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return f.Sync()
}

// ClosedTrades returns closed trades for a source within [from, to).
// Zero times mean unbounded.
func (l *Ledger) ClosedTrades(sourceID string, from, to time.Time) []ClosedTrade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []ClosedTrade
	for _, ct := range l.closed {
		if sourceID != "" && ct.SourceID != sourceID {
			continue
		}
		if !from.IsZero() && ct.ClosedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !ct.ClosedAt.Before(to) {
			continue
		}
		out = append(out, ct)
	}
	return out
}

// PnLPoint is one realized-PnL sample for drawdown/Sharpe computations.
type PnLPoint struct {
	At         time.Time `json:"at"`
	PnL        float64   `json:"pnl"`
	Cumulative float64   `json:"cumulative"`
}

// RealizedSeries returns the realized PnL series in close order.
func (l *Ledger) RealizedSeries() []PnLPoint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]PnLPoint, 0, len(l.closed))
	var cum float64
	for _, ct := range l.closed {
		cum += ct.PnL
		out = append(out, PnLPoint{At: ct.ClosedAt, PnL: ct.PnL, Cumulative: cum})
	}
	return out
}

// Equity is capital base plus total realized PnL. Unrealized PnL lives with
// the Position Manager, which owns live prices.
func (l *Ledger) Equity() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	eq := l.capitalBase
	for _, ct := range l.closed {
		eq += ct.PnL
	}
	return eq
}

// SourceStats summarizes a source's closed trades for Kelly sizing.
type SourceStats struct {
	Samples int
	Wins    int
	WinRate float64
	AvgWin  float64
	AvgLoss float64 // positive magnitude
}

func (l *Ledger) StatsForSource(sourceID string) SourceStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var st SourceStats
	var winSum, lossSum float64
	var losses int
	for _, ct := range l.closed {
		if ct.SourceID != sourceID {
			continue
		}
		st.Samples++
		if ct.PnL > 0 {
			st.Wins++
			winSum += ct.PnL
		} else {
			losses++
			lossSum += -ct.PnL
		}
	}
	if st.Samples > 0 {
		st.WinRate = float64(st.Wins) / float64(st.Samples)
	}
	if st.Wins > 0 {
		st.AvgWin = winSum / float64(st.Wins)
	}
	if losses > 0 {
		st.AvgLoss = lossSum / float64(losses)
	}
	return st
}

// RecentSignatures returns up to n distinct transaction signatures from the
// newest fills, used to seed de-duplication after a restart.
func (l *Ledger) RecentSignatures(n int) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := make(map[string]struct{}, n)
	var out []string
	for i := len(l.fills) - 1; i >= 0 && len(out) < n; i-- {
		sig := l.fills[i].TxSignature
		if sig == "" {
			continue
		}
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		out = append(out, sig)
	}
	return out
}
