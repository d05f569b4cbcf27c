package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmercier/copybot/internal/feed"
	"github.com/tmercier/copybot/internal/observ"
)

// wirePayload is the venue notification shape. Streaming delivery wraps it
// in a JSON-RPC envelope under params.result; polling returns it bare.
type wirePayload struct {
	Type      string  `json:"type"`
	Signature string  `json:"signature"`
	Trader    string  `json:"trader"`
	Asset     string  `json:"asset"`
	Side      string  `json:"side"`
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price"`
	Fee       float64 `json:"fee"`
	Timestamp string  `json:"ts"`
}

type rpcEnvelope struct {
	Method string `json:"method"`
	Params struct {
		Result json.RawMessage `json:"result"`
	} `json:"params"`
}

// Normalizer parses venue payloads into ObservedTrades and drops duplicates
// by transaction signature. Malformed or irrelevant payloads are logged and
// dropped; normalization never fails the feed.
type Normalizer struct {
	seen *sigSet
}

func NewNormalizer(recentSignatures int) *Normalizer {
	if recentSignatures <= 0 {
		recentSignatures = 1000
	}
	return &Normalizer{seen: newSigSet(recentSignatures)}
}

// Seed marks signatures as already processed, used on restart so events
// already reflected in the ledger are not replayed.
func (n *Normalizer) Seed(signatures []string) {
	for _, sig := range signatures {
		n.seen.add(sig)
	}
}

// Normalize returns the trade and true when the event is a fresh buy/sell of
// a fungible asset, false otherwise.
func (n *Normalizer) Normalize(ev feed.RawEvent) (ObservedTrade, bool) {
	payload := ev.Payload

	// Unwrap the streaming envelope if present.
	var env rpcEnvelope
	if err := json.Unmarshal(payload, &env); err == nil && len(env.Params.Result) > 0 {
		payload = env.Params.Result
	}

	var p wirePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		n.drop("malformed", err)
		return ObservedTrade{}, false
	}

	if !strings.EqualFold(p.Type, "swap") {
		n.drop("not_a_swap", nil)
		return ObservedTrade{}, false
	}

	trade, err := toTrade(p, ev.ReceivedAt)
	if err != nil {
		n.drop("invalid_fields", err)
		return ObservedTrade{}, false
	}

	if n.seen.add(trade.TxSignature) {
		observ.IncCounter("normalize_duplicates_total", nil)
		return ObservedTrade{}, false
	}

	observ.IncCounter("normalize_trades_total", map[string]string{"side": string(trade.Side)})
	return trade, true
}

func toTrade(p wirePayload, receivedAt time.Time) (ObservedTrade, error) {
	var side Side
	switch strings.ToUpper(p.Side) {
	case "BUY":
		side = Buy
	case "SELL":
		side = Sell
	default:
		return ObservedTrade{}, fmt.Errorf("unknown side %q", p.Side)
	}
	if p.Signature == "" {
		return ObservedTrade{}, fmt.Errorf("missing signature")
	}
	if p.Trader == "" || p.Asset == "" {
		return ObservedTrade{}, fmt.Errorf("missing trader or asset")
	}
	if p.Quantity <= 0 || p.Price <= 0 {
		return ObservedTrade{}, fmt.Errorf("non-positive quantity or price")
	}

	ts := receivedAt
	if p.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
			ts = parsed
		}
	}

	return ObservedTrade{
		SourceAddress:  p.Trader,
		Asset:          p.Asset,
		Side:           side,
		Quantity:       p.Quantity,
		ExecutionPrice: p.Price,
		FeeEstimate:    p.Fee,
		Timestamp:      ts.UTC(),
		TxSignature:    p.Signature,
	}, nil
}

func (n *Normalizer) drop(reason string, err error) {
	kv := map[string]any{"reason": reason}
	if err != nil {
		kv["error"] = err.Error()
	}
	observ.Log("normalize_dropped", kv)
	observ.IncCounter("normalize_dropped_total", map[string]string{"reason": reason})
}
