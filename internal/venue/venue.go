package venue

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Side is the direction of a replica order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Order is a replica order submitted to the execution venue. ID doubles as
// the idempotency key for ledger writes.
type Order struct {
	ID         string    `json:"id"`
	PositionID string    `json:"position_id"`
	SourceID   string    `json:"source_id"`
	Asset      string    `json:"asset"`
	Side       Side      `json:"side"`
	Quantity   float64   `json:"quantity"`
	PriceHint  float64   `json:"price_hint"` // last observed price, advisory
	Reason     string    `json:"reason"`     // entry | mirror | source_exit | tp_tier | stop_loss | trailing_stop | manual
	Timestamp  time.Time `json:"timestamp"`
}

// Fill is the venue's confirmation of an executed (possibly partial) order.
type Fill struct {
	OrderID   string    `json:"order_id"`
	Asset     string    `json:"asset"`
	Side      Side      `json:"side"`
	Quantity  float64   `json:"quantity"` // confirmed filled amount
	Price     float64   `json:"price"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// Venue places orders. Failure reasons are opaque strings classified by
// Classify into transient, rejected, or unknown.
type Venue interface {
	Submit(ctx context.Context, order Order) (Fill, error)
}

// FailureClass buckets venue failures for retry policy.
type FailureClass int

const (
	FailureTransient FailureClass = iota
	FailureRejected
	FailureUnknown
)

func (c FailureClass) String() string {
	switch c {
	case FailureTransient:
		return "transient"
	case FailureRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// SubmitError carries the venue's opaque reason plus its classification.
type SubmitError struct {
	Reason string
	Class  FailureClass
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("venue: %s (%s)", e.Reason, e.Class)
}

// Classify maps an opaque venue failure reason onto a retry class.
func Classify(err error) FailureClass {
	if se, ok := err.(*SubmitError); ok {
		return se.Class
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "temporarily"),
		strings.Contains(msg, "congest"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "connection"):
		return FailureTransient
	case strings.Contains(msg, "rejected"),
		strings.Contains(msg, "insufficient"),
		strings.Contains(msg, "invalid"):
		return FailureRejected
	default:
		return FailureUnknown
	}
}
