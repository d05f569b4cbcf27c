package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// feedstub is a local stand-in for the trade feed: it serves the same
// endpoint over websocket (streaming envelopes) and plain HTTP (cursor
// polling), plus a /price endpoint with a random-walk price per asset.
// Useful for running the engine end to end without live infrastructure.

type swapEvent struct {
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

type envelope struct {
	Method string `json:"method"`
	Params struct {
		Result json.RawMessage `json:"result"`
	} `json:"params"`
}

type stub struct {
	mu      sync.Mutex
	rng     *rand.Rand
	traders []string
	assets  []string
	prices  map[string]float64
	held    map[string]float64 // trader|asset -> units the trader holds
	history []json.RawMessage  // for cursor polling
}

func newStub(traders, assets []string) *stub {
	s := &stub{
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		traders: traders,
		assets:  assets,
		prices:  map[string]float64{},
		held:    map[string]float64{},
	}
	for _, a := range assets {
		s.prices[a] = 0.5 + s.rng.Float64()*2
	}
	return s
}

// nextEvent fabricates one plausible swap: traders buy when flat and
// sell part or all of what they hold otherwise.
func (s *stub) nextEvent() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	trader := s.traders[s.rng.Intn(len(s.traders))]
	asset := s.assets[s.rng.Intn(len(s.assets))]
	key := trader + "|" + asset

	// drift the price
	price := s.prices[asset] * (1 + (s.rng.Float64()-0.48)*0.04)
	s.prices[asset] = price

	ev := swapEvent{
		Type:      "swap",
		Signature: uuid.NewString(),
		Trader:    trader,
		Asset:     asset,
		Price:     price,
		Fee:       price * 0.003,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if held := s.held[key]; held > 0 && s.rng.Float64() < 0.4 {
		ev.Side = "SELL"
		frac := []float64{0.33, 0.5, 1.0}[s.rng.Intn(3)]
		ev.Quantity = held * frac
		s.held[key] = held - ev.Quantity
	} else {
		ev.Side = "BUY"
		ev.Quantity = 50 + s.rng.Float64()*200
		s.held[key] += ev.Quantity
	}

	b, _ := json.Marshal(ev)
	s.history = append(s.history, b)
	if len(s.history) > 1000 {
		s.history = s.history[len(s.history)-1000:]
	}
	return b
}

func (s *stub) price(asset string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prices[asset]
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (s *stub) handleFeed(interval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			s.handleStream(w, r, interval)
			return
		}
		s.handlePoll(w, r)
	}
}

func (s *stub) handleStream(w http.ResponseWriter, r *http.Request, interval time.Duration) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	log.Printf("stream client connected: %s", r.RemoteAddr)

	// drain subscription requests and client pings
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	t := time.NewTicker(interval)
	defer t.Stop()
	for range t.C {
		var env envelope
		env.Method = "logsNotification"
		env.Params.Result = s.nextEvent()
		if err := conn.WriteJSON(env); err != nil {
			log.Printf("stream client gone: %v", err)
			return
		}
	}
}

func (s *stub) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	start := 0
	if c := r.URL.Query().Get("cursor"); c != "" {
		if n, err := strconv.Atoi(c); err == nil && n <= len(s.history) {
			start = n
		}
	}
	events := s.history[start:]
	cursor := strconv.Itoa(len(s.history))
	s.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]any{"events": events, "cursor": cursor})
}

func (s *stub) handlePrice(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	p := s.price(asset)
	if p == 0 {
		http.Error(w, "unknown asset", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"asset": asset, "price": p})
}

func main() {
	var (
		addr       string
		intervalMs int
		traders    string
		assets     string
	)
	flag.StringVar(&addr, "addr", ":9001", "listen address")
	flag.IntVar(&intervalMs, "interval-ms", 3000, "stream emit interval")
	flag.StringVar(&traders, "traders", "demo-whale-1,demo-whale-2", "comma-separated trader addresses")
	flag.StringVar(&assets, "assets", "BONK,WIF,POPCAT", "comma-separated assets")
	flag.Parse()

	s := newStub(strings.Split(traders, ","), strings.Split(assets, ","))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleFeed(time.Duration(intervalMs)*time.Millisecond))
	mux.HandleFunc("/price", s.handlePrice)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	log.Printf("feedstub listening on %s (stream+poll at /ws, prices at /price)", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}
