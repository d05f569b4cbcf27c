package venue

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// PaperVenue simulates execution at the order's price hint with configurable
// slippage and latency. Used for dry runs and tests; orders never leave the
// process.
type PaperVenue struct {
	mu sync.Mutex

	// Slippage in basis points, applied against the order (paid on buys,
	// given up on sells).
	SlippageBpsMin int
	SlippageBpsMax int
	LatencyMin     time.Duration
	LatencyMax     time.Duration
	FeeBps         int

	// Test hooks: scripted outcomes consumed in order before normal fills.
	script []scripted

	random *rand.Rand
}

type scripted struct {
	err        error
	fillRatio  float64 // 0 < ratio <= 1, fraction of requested quantity filled
	priceShift float64 // multiplicative, e.g. 1.01
}

func NewPaperVenue() *PaperVenue {
	return &PaperVenue{
		SlippageBpsMin: 1,
		SlippageBpsMax: 25,
		FeeBps:         30,
		random:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// FailNext makes the next Submit return err.
func (v *PaperVenue) FailNext(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.script = append(v.script, scripted{err: err})
}

// PartialNext makes the next Submit fill only ratio of the requested size.
func (v *PaperVenue) PartialNext(ratio float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.script = append(v.script, scripted{fillRatio: ratio})
}

func (v *PaperVenue) Submit(ctx context.Context, order Order) (Fill, error) {
	v.mu.Lock()
	var sc *scripted
	if len(v.script) > 0 {
		s := v.script[0]
		v.script = v.script[1:]
		sc = &s
	}
	latency := v.LatencyMin
	if v.LatencyMax > v.LatencyMin {
		latency += time.Duration(v.random.Int63n(int64(v.LatencyMax - v.LatencyMin)))
	}
	slipBps := v.SlippageBpsMin
	if v.SlippageBpsMax > v.SlippageBpsMin {
		slipBps += v.random.Intn(v.SlippageBpsMax - v.SlippageBpsMin)
	}
	v.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return Fill{}, &SubmitError{Reason: "submit timeout", Class: FailureTransient}
		}
	}

	if sc != nil && sc.err != nil {
		return Fill{}, sc.err
	}

	price := order.PriceHint
	slip := float64(slipBps) / 10000
	if order.Side == Buy {
		price *= 1 + slip
	} else {
		price *= 1 - slip
	}
	if sc != nil && sc.priceShift > 0 {
		price *= sc.priceShift
	}

	qty := order.Quantity
	if sc != nil && sc.fillRatio > 0 && sc.fillRatio < 1 {
		qty *= sc.fillRatio
	}

	return Fill{
		OrderID:   order.ID,
		Asset:     order.Asset,
		Side:      order.Side,
		Quantity:  qty,
		Price:     price,
		Fee:       qty * price * float64(v.FeeBps) / 10000,
		Timestamp: time.Now().UTC(),
	}, nil
}
