package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tmercier/copybot/internal/alerts"
	"github.com/tmercier/copybot/internal/config"
	"github.com/tmercier/copybot/internal/feed"
	"github.com/tmercier/copybot/internal/ledger"
	"github.com/tmercier/copybot/internal/normalize"
	"github.com/tmercier/copybot/internal/observ"
	"github.com/tmercier/copybot/internal/oracle"
	"github.com/tmercier/copybot/internal/position"
	"github.com/tmercier/copybot/internal/risk"
	"github.com/tmercier/copybot/internal/venue"
)

const recentSignatureWindow = 1000

func main() {
	var (
		cfgPath       string
		watchInterval int
	)
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.IntVar(&watchInterval, "config-watch-seconds", 10, "config reload poll interval (0 disables)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config.example.yaml?)", err)
	}

	led, err := ledger.Open(cfg.Ledger.TradesPath, cfg.Ledger.SnapshotPath, cfg.Risk.CapitalBase)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}

	store := config.NewStore(config.NewSnapshot(cfg.Sources))
	gate := risk.NewGate(cfg.Risk, led)
	alerter := alerts.NewClient(cfg.AlertsURL)
	defer alerter.Close()

	paper := venue.NewPaperVenue()
	mgr := position.NewManager(cfg.Execution, store, gate, paper, led, alerter)
	if err := mgr.Restore(); err != nil {
		log.Fatalf("restore positions: %v", err)
	}

	norm := normalize.NewNormalizer(recentSignatureWindow)
	norm.Seed(led.RecentSignatures(recentSignatureWindow))

	connector := feed.NewConnector(cfg.Feed, store.Current().ActiveAddresses())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := connector.Start(ctx); err != nil {
		log.Fatalf("start feed connector: %v", err)
	}
	defer connector.Close()

	if watchInterval > 0 {
		go store.Watch(ctx, cfgPath, time.Duration(watchInterval)*time.Second, func(s *config.Snapshot) {
			connector.SetAddresses(s.ActiveAddresses())
		})
	}

	if cfg.Oracle.URL != "" {
		px := oracle.NewHTTP(cfg.Oracle.URL, time.Duration(cfg.Oracle.PollIntervalMs)*time.Millisecond/2)
		go priceLoop(ctx, px, mgr, time.Duration(cfg.Oracle.PollIntervalMs)*time.Millisecond)
	}

	go serveHTTP(ctx, cfg.HTTPAddr, connector, mgr, gate, led, store)

	observ.Log("startup", map[string]any{
		"sources":   len(cfg.Sources),
		"endpoints": len(cfg.Feed.Endpoints),
		"http_addr": cfg.HTTPAddr,
		"equity":    led.Equity(),
	})

	for {
		select {
		case <-ctx.Done():
			observ.Log("shutdown", map[string]any{"reason": ctx.Err().Error()})
			return
		case ev, ok := <-connector.Events():
			if !ok {
				observ.Log("shutdown", map[string]any{"reason": "feed closed"})
				return
			}
			if trade, ok := norm.Normalize(ev); ok {
				mgr.OnObservedTrade(ctx, trade)
			}
		}
	}
}

// priceLoop polls the oracle for every asset with an open position and
// feeds the prices into exit evaluation.
func priceLoop(ctx context.Context, px oracle.Oracle, mgr *position.Manager, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			seen := map[string]bool{}
			for _, p := range mgr.OpenPositions() {
				if seen[p.Asset] {
					continue
				}
				seen[p.Asset] = true
				price, err := px.CurrentPrice(ctx, p.Asset)
				if err != nil {
					observ.Error("price_fetch_failed", err, map[string]any{"asset": p.Asset})
					continue
				}
				mgr.OnPriceUpdate(ctx, p.Asset, price)
			}
		}
	}
}

func serveHTTP(ctx context.Context, addr string, conn *feed.Connector, mgr *position.Manager, gate *risk.Gate, led *ledger.Ledger, store *config.Store) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		perSource := map[string]ledger.SourceStats{}
		for id := range store.Current().Sources {
			perSource[id] = led.StatsForSource(id)
		}
		writeJSON(w, map[string]any{
			"feed":      conn.Stats(),
			"positions": mgr.OpenPositions(),
			"risk":      gate.Snapshot(),
			"equity":    led.Equity(),
			"pnl":       led.RealizedSeries(),
			"sources":   perSource,
		})
	})
	mux.HandleFunc("/admin/close", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		source := r.URL.Query().Get("source")
		if source == "" {
			http.Error(w, "source required", http.StatusBadRequest)
			return
		}
		if asset := r.URL.Query().Get("asset"); asset != "" {
			ok := mgr.ClosePosition(r.Context(), source, asset)
			writeJSON(w, map[string]any{"source": source, "asset": asset, "closed": ok})
			return
		}
		n := mgr.CloseAllForSource(r.Context(), source)
		writeJSON(w, map[string]any{"source": source, "closed": n})
	})
	mux.HandleFunc("/admin/resume", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		source := r.URL.Query().Get("source")
		mgr.ResumeSource(source)
		writeJSON(w, map[string]any{"source": source, "resumed": true})
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
