package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tmercier/copybot/internal/config"
	"github.com/tmercier/copybot/internal/observ"
)

// WSClient maintains a continuously-reconnecting websocket subscription to
// one of several equivalent endpoints for a set of watched addresses.
// Retries are unbounded; the client never gives up on its own.
type WSClient struct {
	cfg config.Feed

	addrs  atomic.Pointer[[]string]
	out    chan RawEvent
	buf    *ringBuffer
	state  int32 // atomic State
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// forceReconnect tears down the live connection, e.g. after the watched
	// address set changed.
	forceReconnect chan struct{}

	// Metrics
	endpointIdx          int32
	sameEndpointFails    int32
	backoffAttempt       int32
	totalReconnects      int64
	successfulReconnects int64
	failedAttempts       int64
	consecutiveFailures  int64
	probeTimeouts        int64
	quality              int64
	lastEventNano        int64
}

// NewWSClient creates a streaming client for the given watched addresses.
func NewWSClient(cfg config.Feed, addresses []string) *WSClient {
	c := &WSClient{
		cfg:            cfg,
		out:            make(chan RawEvent, cfg.BufferSize),
		buf:            newRingBuffer(cfg.BufferSize),
		forceReconnect: make(chan struct{}, 1),
		quality:        100,
	}
	addrs := append([]string(nil), addresses...)
	c.addrs.Store(&addrs)
	atomic.StoreInt32(&c.state, int32(StateDisconnected))
	return c
}

func (c *WSClient) Start(ctx context.Context) (<-chan RawEvent, error) {
	if len(c.cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("ws: no endpoints configured")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.consumeLoop(ctx)
	return c.out, nil
}

func (c *WSClient) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	close(c.out)
	return nil
}

func (c *WSClient) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// SetAddresses replaces the watched address set and forces a resubscribe.
func (c *WSClient) SetAddresses(addresses []string) {
	addrs := append([]string(nil), addresses...)
	c.addrs.Store(&addrs)
	select {
	case c.forceReconnect <- struct{}{}:
	default:
	}
}

func (c *WSClient) Stats() Stats {
	var since time.Duration
	if last := atomic.LoadInt64(&c.lastEventNano); last > 0 {
		since = time.Since(time.Unix(0, last))
	}
	return Stats{
		State:                c.State().String(),
		Mode:                 "stream",
		EndpointIndex:        int(atomic.LoadInt32(&c.endpointIdx)),
		TotalReconnects:      atomic.LoadInt64(&c.totalReconnects),
		SuccessfulReconnects: atomic.LoadInt64(&c.successfulReconnects),
		FailedAttempts:       atomic.LoadInt64(&c.failedAttempts),
		ConsecutiveFailures:  atomic.LoadInt64(&c.consecutiveFailures),
		ProbeTimeouts:        atomic.LoadInt64(&c.probeTimeouts),
		Quality:              atomic.LoadInt64(&c.quality),
		SinceLastEvent:       since,
		Buffered:             c.buf.len(),
	}
}

// consumeLoop runs the DISCONNECTED -> CONNECTING -> CONNECTED cycle with
// exponential backoff and endpoint rotation.
func (c *WSClient) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		atomic.StoreInt32(&c.state, int32(StateConnecting))
		// backoffAttempt is zeroed on every established connection, so
		// the fast ramp applies per disconnect episode, not once per
		// process lifetime.
		attempt := int(atomic.AddInt32(&c.backoffAttempt, 1))

		err := c.connectAndConsume(ctx)
		if ctx.Err() != nil {
			atomic.StoreInt32(&c.state, int32(StateDisconnected))
			return
		}
		if atomic.LoadInt32(&c.backoffAttempt) == 0 {
			// The connection was established this cycle before dropping;
			// its loss is the first attempt of a fresh ramp.
			attempt = int(atomic.AddInt32(&c.backoffAttempt, 1))
		}

		atomic.StoreInt32(&c.state, int32(StateDisconnected))
		atomic.AddInt64(&c.failedAttempts, 1)
		atomic.AddInt64(&c.consecutiveFailures, 1)
		c.adjustQuality(-10)

		fails := atomic.AddInt32(&c.sameEndpointFails, 1)
		if int(fails) >= c.cfg.Reconnect.RotateAfterFailures {
			idx := atomic.AddInt32(&c.endpointIdx, 1)
			atomic.StoreInt32(&c.sameEndpointFails, 0)
			observ.Log("feed_endpoint_rotated", map[string]any{
				"endpoint_index": int(idx) % len(c.cfg.Endpoints),
				"failures":       int(fails),
			})
			observ.IncCounter("feed_endpoint_rotations_total", nil)
		}

		delay := BackoffDelay(attempt, c.cfg.Reconnect)
		observ.Error("feed_disconnected", err, map[string]any{
			"attempt":  attempt,
			"retry_ms": delay.Milliseconds(),
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// BackoffDelay computes the reconnect delay for the given attempt: short
// fixed steps for the first three attempts, then exponential growth capped
// at MaxDelayMs, with symmetric jitter.
func BackoffDelay(attempt int, rc config.Reconnect) time.Duration {
	base := time.Duration(rc.InitialDelayMs) * time.Millisecond
	max := time.Duration(rc.MaxDelayMs) * time.Millisecond

	var d time.Duration
	if attempt <= 3 {
		d = base * time.Duration(attempt)
	} else {
		d = base << uint(attempt-3)
	}
	if d > max || d <= 0 { // shift overflow guards
		d = max
	}

	if rc.JitterPct > 0 {
		jitter := (rand.Float64()*2 - 1) * rc.JitterPct
		d = time.Duration(float64(d) * (1 + jitter))
		if d > max {
			d = max
		}
	}
	return d
}

func (c *WSClient) currentEndpoint() string {
	idx := int(atomic.LoadInt32(&c.endpointIdx)) % len(c.cfg.Endpoints)
	return c.cfg.Endpoints[idx]
}

// subscribeRequest is the JSON-RPC subscription for one watched address.
type subscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

func (c *WSClient) connectAndConsume(ctx context.Context) error {
	endpoint := c.currentEndpoint()

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()

	// Connection established: reset failure tracking.
	if atomic.LoadInt64(&c.totalReconnects) > 0 || atomic.LoadInt64(&c.failedAttempts) > 0 {
		atomic.AddInt64(&c.successfulReconnects, 1)
	}
	atomic.AddInt64(&c.totalReconnects, 1)
	atomic.StoreInt64(&c.consecutiveFailures, 0)
	atomic.StoreInt32(&c.sameEndpointFails, 0)
	atomic.StoreInt32(&c.backoffAttempt, 0)
	atomic.StoreInt64(&c.probeTimeouts, 0)
	atomic.StoreInt64(&c.quality, 100)
	atomic.StoreInt32(&c.state, int32(StateConnected))
	observ.Log("feed_connected", map[string]any{"endpoint": endpoint})

	if err := c.subscribe(conn); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	// Flush events buffered while disconnected before reading new ones.
	c.buf.drain(c.trySend)

	silence := time.Duration(c.cfg.SilenceTimeoutSeconds) * time.Second
	probeEvery := time.Duration(c.cfg.ProbeIntervalSeconds) * time.Second

	_ = conn.SetReadDeadline(time.Now().Add(silence))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(silence))
		atomic.StoreInt64(&c.probeTimeouts, 0)
		c.adjustQuality(+5)
		if c.State() == StateDegraded {
			atomic.StoreInt32(&c.state, int32(StateConnected))
		}
		return nil
	})

	// Liveness probe loop. Closing the connection is the only way to unblock
	// the read below, so the probe loop owns teardown on timeout.
	probeCtx, stopProbe := context.WithCancel(ctx)
	defer stopProbe()
	go c.probeLoop(probeCtx, conn, probeEvery, silence)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.forceReconnect:
			return fmt.Errorf("resubscribe requested")
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		atomic.StoreInt64(&c.lastEventNano, time.Now().UnixNano())

		ev := RawEvent{
			Payload:    json.RawMessage(append([]byte(nil), message...)),
			ReceivedAt: time.Now().UTC(),
			Origin:     "stream",
		}
		c.deliver(ev)
	}
}

func (c *WSClient) subscribe(conn *websocket.Conn) error {
	addrs := *c.addrs.Load()
	for i, addr := range addrs {
		req := subscribeRequest{
			JSONRPC: "2.0",
			ID:      i + 1,
			Method:  "logsSubscribe",
			Params: []any{
				map[string]any{"mentions": []string{addr}},
				map[string]any{"commitment": "processed"},
			},
		}
		if err := conn.WriteJSON(req); err != nil {
			return err
		}
	}
	observ.Log("feed_subscribed", map[string]any{"addresses": len(addrs)})
	return nil
}

// probeLoop sends a ping on a fixed interval and force-closes the
// connection after too many missed acknowledgments or global silence.
func (c *WSClient) probeLoop(ctx context.Context, conn *websocket.Conn, every, silence time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}

			// The pong handler resets probeTimeouts; if it has not run by the
			// next tick the previous probe went unanswered.
			timeouts := atomic.AddInt64(&c.probeTimeouts, 1)
			if timeouts > 1 {
				c.adjustQuality(-20)
				atomic.StoreInt32(&c.state, int32(StateDegraded))
				observ.IncCounter("feed_probe_timeouts_total", nil)
			}
			if int(timeouts) > c.cfg.MaxProbeTimeouts {
				observ.Log("feed_probe_timeout_teardown", map[string]any{"timeouts": timeouts})
				conn.Close()
				return
			}

			if last := atomic.LoadInt64(&c.lastEventNano); last > 0 &&
				time.Since(time.Unix(0, last)) > silence && timeouts > 1 {
				observ.Log("feed_silence_teardown", map[string]any{
					"silence_ms": time.Since(time.Unix(0, last)).Milliseconds(),
				})
				conn.Close()
				return
			}
		}
	}
}

// deliver hands an event downstream, spilling into the ring buffer when the
// consumer is behind.
func (c *WSClient) deliver(ev RawEvent) {
	// Preserve order: anything already buffered goes out first.
	c.buf.drain(c.trySend)
	if c.buf.len() == 0 && c.trySend(ev) {
		return
	}
	c.buf.push(ev)
}

func (c *WSClient) trySend(ev RawEvent) bool {
	select {
	case c.out <- ev:
		observ.IncCounter("feed_events_total", map[string]string{"origin": "stream"})
		return true
	default:
		return false
	}
}

func (c *WSClient) adjustQuality(delta int64) {
	for {
		cur := atomic.LoadInt64(&c.quality)
		next := cur + delta
		if next > 100 {
			next = 100
		}
		if next < 0 {
			next = 0
		}
		if atomic.CompareAndSwapInt64(&c.quality, cur, next) {
			observ.SetGauge("feed_connection_quality", float64(next), nil)
			return
		}
	}
}
