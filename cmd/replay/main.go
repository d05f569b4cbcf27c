package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/tmercier/copybot/internal/config"
	"github.com/tmercier/copybot/internal/feed"
	"github.com/tmercier/copybot/internal/ledger"
	"github.com/tmercier/copybot/internal/normalize"
	"github.com/tmercier/copybot/internal/observ"
	"github.com/tmercier/copybot/internal/position"
	"github.com/tmercier/copybot/internal/risk"
	"github.com/tmercier/copybot/internal/venue"
)

// replay runs a recorded event file through the full pipeline offline:
// normalizer, risk gate, position manager, paper venue, ledger. Each
// line is either a raw feed payload or a price tick of the form
// {"type":"price","asset":"X","price":1.23}.

type priceTick struct {
	Type  string  `json:"type"`
	Asset string  `json:"asset"`
	Price float64 `json:"price"`
}

func main() {
	var (
		cfgPath    string
		eventsPath string
	)
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&eventsPath, "events", "fixtures/events.jsonl", "recorded events path")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	led, err := ledger.Open(cfg.Ledger.TradesPath, cfg.Ledger.SnapshotPath, cfg.Risk.CapitalBase)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}

	store := config.NewStore(config.NewSnapshot(cfg.Sources))
	gate := risk.NewGate(cfg.Risk, led)
	mgr := position.NewManager(cfg.Execution, store, gate, venue.NewPaperVenue(), led, nil)
	if err := mgr.Restore(); err != nil {
		log.Fatalf("restore positions: %v", err)
	}
	norm := normalize.NewNormalizer(1000)
	norm.Seed(led.RecentSignatures(1000))

	f, err := os.Open(eventsPath)
	if err != nil {
		log.Fatalf("open events: %v", err)
	}
	defer f.Close()

	ctx := context.Background()
	lines, trades, prices := 0, 0, 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		lines++

		var tick priceTick
		if err := json.Unmarshal(line, &tick); err == nil && tick.Type == "price" {
			mgr.OnPriceUpdate(ctx, tick.Asset, tick.Price)
			prices++
			continue
		}

		raw := feed.RawEvent{Payload: append([]byte(nil), line...), ReceivedAt: time.Now().UTC(), Origin: "replay"}
		if trade, ok := norm.Normalize(raw); ok {
			mgr.OnObservedTrade(ctx, trade)
			trades++
		}
	}
	if err := sc.Err(); err != nil {
		log.Fatalf("scan events: %v", err)
	}

	observ.Log("replay_complete", map[string]any{
		"lines": lines, "trades": trades, "price_ticks": prices,
		"equity": led.Equity(), "open_positions": len(mgr.OpenPositions()),
	})
	for _, p := range mgr.OpenPositions() {
		fmt.Printf("%-12s %-10s remaining=%.6f entry=%.4f status=%s\n",
			p.SourceID, p.Asset, p.RemainingQuantity, p.EntryPrice, p.Status)
	}
}
