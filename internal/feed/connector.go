package feed

import (
	"context"
	"sync"
	"time"

	"github.com/tmercier/copybot/internal/config"
	"github.com/tmercier/copybot/internal/observ"
)

// Connector supervises the active feed client. It starts in streaming mode
// and transparently falls back to polling after persistent stream failures;
// downstream consumers see a single uninterrupted event channel either way.
type Connector struct {
	cfg config.Feed

	mu     sync.Mutex
	active Client
	mode   string

	out    chan RawEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup

	superviseEvery time.Duration
}

func NewConnector(cfg config.Feed, addresses []string) *Connector {
	return &Connector{
		cfg:            cfg,
		active:         NewWSClient(cfg, addresses),
		mode:           "stream",
		out:            make(chan RawEvent, cfg.BufferSize),
		superviseEvery: 5 * time.Second,
	}
}

// Events is the merged downstream channel. Valid after Start.
func (c *Connector) Events() <-chan RawEvent { return c.out }

func (c *Connector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	ch, err := c.active.Start(ctx)
	if err != nil {
		return err
	}

	c.wg.Add(2)
	go c.forward(ctx, ch)
	go c.superviseFallback(ctx)
	return nil
}

func (c *Connector) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	err := active.Close()
	c.wg.Wait()
	close(c.out)
	return err
}

// SetAddresses propagates a watched-source change to the active client.
func (c *Connector) SetAddresses(addresses []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch cl := c.active.(type) {
	case *WSClient:
		cl.SetAddresses(addresses)
	case *Poller:
		cl.SetAddresses(addresses)
	}
}

func (c *Connector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active.Stats()
}

func (c *Connector) forward(ctx context.Context, ch <-chan RawEvent) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			select {
			case c.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// superviseFallback watches stream health and performs the one-way switch
// to polling once failures pass the configured threshold. The Position
// Manager never sees the switch.
func (c *Connector) superviseFallback(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.superviseEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.mode != "stream" {
				c.mu.Unlock()
				return
			}
			stream, ok := c.active.(*WSClient)
			c.mu.Unlock()
			if !ok {
				return
			}

			if stream.Stats().ConsecutiveFailures < int64(c.cfg.PollAfterFailures) {
				continue
			}

			observ.Log("feed_fallback_to_poll", map[string]any{
				"failures": stream.Stats().ConsecutiveFailures,
			})
			observ.IncCounter("feed_fallbacks_total", nil)

			addrs := *stream.addrs.Load()
			_ = stream.Close()

			poller := NewPoller(c.cfg, addrs)
			ch, err := poller.Start(ctx)
			if err != nil {
				observ.Error("feed_poll_start_failed", err, nil)
				return
			}

			c.mu.Lock()
			c.active = poller
			c.mode = "poll"
			c.mu.Unlock()

			c.wg.Add(1)
			go c.forward(ctx, ch)
			return
		}
	}
}
