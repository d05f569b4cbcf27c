package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tmercier/copybot/internal/config"
	"github.com/tmercier/copybot/internal/observ"
)

// Poller is the fixed-interval fallback when streaming delivery is
// unavailable. It polls the same endpoint set over HTTP with a cursor and
// feeds the same downstream channel as the stream client.
type Poller struct {
	cfg    config.Feed
	addrs  atomic.Pointer[[]string]
	out    chan RawEvent
	cursor string
	mu     sync.Mutex
	state  int32
	cancel context.CancelFunc
	wg     sync.WaitGroup

	client  *http.Client
	limiter *rate.Limiter

	endpointIdx       int32
	sameEndpointFails int32
	polls             int64
	events            int64
	lastEventNano     int64
}

func NewPoller(cfg config.Feed, addresses []string) *Poller {
	interval := time.Duration(cfg.PollIntervalMs) * time.Millisecond
	p := &Poller{
		cfg:     cfg,
		out:     make(chan RawEvent, cfg.BufferSize),
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
	addrs := append([]string(nil), addresses...)
	p.addrs.Store(&addrs)
	atomic.StoreInt32(&p.state, int32(StateDisconnected))
	return p
}

func (p *Poller) Start(ctx context.Context) (<-chan RawEvent, error) {
	if len(p.cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("poll: no endpoints configured")
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.pollLoop(ctx)
	return p.out, nil
}

func (p *Poller) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	close(p.out)
	return nil
}

func (p *Poller) State() State {
	return State(atomic.LoadInt32(&p.state))
}

func (p *Poller) SetAddresses(addresses []string) {
	addrs := append([]string(nil), addresses...)
	p.addrs.Store(&addrs)
}

func (p *Poller) Stats() Stats {
	var since time.Duration
	if last := atomic.LoadInt64(&p.lastEventNano); last > 0 {
		since = time.Since(time.Unix(0, last))
	}
	return Stats{
		State:          p.State().String(),
		Mode:           "poll",
		EndpointIndex:  int(atomic.LoadInt32(&p.endpointIdx)),
		SinceLastEvent: since,
		Quality:        100, // polling has no probe signal; report nominal
	}
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer p.wg.Done()
	atomic.StoreInt32(&p.state, int32(StateConnected))

	for {
		if err := p.limiter.Wait(ctx); err != nil {
			atomic.StoreInt32(&p.state, int32(StateDisconnected))
			return
		}
		if err := p.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				atomic.StoreInt32(&p.state, int32(StateDisconnected))
				return
			}
			observ.Error("feed_poll_failed", err, nil)
			fails := atomic.AddInt32(&p.sameEndpointFails, 1)
			if int(fails) >= p.cfg.Reconnect.RotateAfterFailures {
				idx := atomic.AddInt32(&p.endpointIdx, 1)
				atomic.StoreInt32(&p.sameEndpointFails, 0)
				observ.Log("feed_poll_endpoint_rotated", map[string]any{
					"endpoint_index": int(idx) % len(p.cfg.Endpoints),
					"failures":       int(fails),
				})
				observ.IncCounter("feed_endpoint_rotations_total", nil)
			}
		} else {
			atomic.StoreInt32(&p.sameEndpointFails, 0)
		}
	}
}

func (p *Poller) currentEndpoint() string {
	idx := int(atomic.LoadInt32(&p.endpointIdx)) % len(p.cfg.Endpoints)
	return p.cfg.Endpoints[idx]
}

// pollEndpoint rewrites a ws:// subscription endpoint into its HTTP
// equivalent for cursor polling.
func pollEndpoint(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "wss://"):
		return "https://" + strings.TrimPrefix(endpoint, "wss://")
	case strings.HasPrefix(endpoint, "ws://"):
		return "http://" + strings.TrimPrefix(endpoint, "ws://")
	default:
		return endpoint
	}
}

func (p *Poller) pollOnce(ctx context.Context) error {
	atomic.AddInt64(&p.polls, 1)
	observ.IncCounter("feed_polls_total", nil)

	u, err := url.Parse(pollEndpoint(p.currentEndpoint()))
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("addresses", strings.Join(*p.addrs.Load(), ","))
	p.mu.Lock()
	if p.cursor != "" {
		q.Set("cursor", p.cursor)
	}
	p.mu.Unlock()
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	var response struct {
		Events []json.RawMessage `json:"events"`
		Cursor string            `json:"cursor"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	for _, raw := range response.Events {
		ev := RawEvent{
			Payload:    raw,
			ReceivedAt: time.Now().UTC(),
			Origin:     "poll",
		}
		select {
		case p.out <- ev:
			atomic.AddInt64(&p.events, 1)
			atomic.StoreInt64(&p.lastEventNano, time.Now().UnixNano())
			observ.IncCounter("feed_events_total", map[string]string{"origin": "poll"})
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if response.Cursor != "" {
		p.mu.Lock()
		p.cursor = response.Cursor
		p.mu.Unlock()
	}
	return nil
}
