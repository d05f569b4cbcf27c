package normalize

import "time"

// Side is the direction of an observed source trade.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ObservedTrade is an immutable fact from the feed: one swap executed by a
// watched source. TxSignature is the idempotency key; the same signature is
// never processed twice.
type ObservedTrade struct {
	SourceAddress  string    `json:"source_address"`
	Asset          string    `json:"asset"`
	Side           Side      `json:"side"`
	Quantity       float64   `json:"quantity"`
	ExecutionPrice float64   `json:"execution_price"`
	FeeEstimate    float64   `json:"fee_estimate"`
	Timestamp      time.Time `json:"timestamp"`
	TxSignature    string    `json:"tx_signature"`
}

// Notional is the trade's value at its execution price.
func (t ObservedTrade) Notional() float64 {
	return t.Quantity * t.ExecutionPrice
}
