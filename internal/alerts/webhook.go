package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/tmercier/copybot/internal/observ"
)

// Alert is one operator-facing notification.
type Alert struct {
	Title     string            `json:"title"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type queuedAlert struct {
	alert    Alert
	attempts int
	hash     string
}

// Client delivers alerts to a webhook with a bounded queue, duplicate
// suppression, and bounded retries. With an empty URL it degrades to
// log-only, which keeps escalation paths exercised in development.
type Client struct {
	url        string
	httpClient *http.Client

	queue  chan queuedAlert
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	recent map[string]time.Time
}

const (
	queueDepth   = 256
	dedupeWindow = 5 * time.Minute
	maxAttempts  = 3
	retryDelay   = 2 * time.Second
)

func NewClient(url string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan queuedAlert, queueDepth),
		cancel:     cancel,
		recent:     map[string]time.Time{},
	}
	c.wg.Add(1)
	go c.deliverLoop(ctx)
	return c
}

// Notify enqueues an alert. Never blocks the caller: a full queue drops
// the alert with a counter rather than stalling trade processing.
func (c *Client) Notify(_ context.Context, title string, fields map[string]string) {
	a := Alert{Title: title, Fields: fields, Timestamp: time.Now().UTC()}
	observ.Log("alert", map[string]any{"title": title, "fields": fields})
	if c.url == "" {
		return
	}

	h := alertHash(a)
	c.mu.Lock()
	if at, ok := c.recent[h]; ok && time.Since(at) < dedupeWindow {
		c.mu.Unlock()
		observ.IncCounter("alerts_deduped_total", nil)
		return
	}
	c.recent[h] = time.Now()
	c.gcLocked()
	c.mu.Unlock()

	select {
	case c.queue <- queuedAlert{alert: a, hash: h}:
	default:
		observ.IncCounter("alerts_dropped_total", nil)
	}
}

func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Client) deliverLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-c.queue:
			if err := c.post(ctx, q.alert); err != nil {
				q.attempts++
				observ.IncCounter("alerts_webhook_errors_total", nil)
				if q.attempts < maxAttempts {
					select {
					case <-time.After(retryDelay):
					case <-ctx.Done():
						return
					}
					select {
					case c.queue <- q:
					default:
						observ.IncCounter("alerts_dropped_total", nil)
					}
				} else {
					observ.Error("alert_delivery_failed", err, map[string]any{"title": q.alert.Title})
				}
				continue
			}
			observ.IncCounter("alerts_sent_total", nil)
		}
	}
}

func (c *Client) post(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// alertHash fingerprints title plus fields so repeats within the
// dedupe window collapse to one delivery.
func alertHash(a Alert) string {
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	h.Write([]byte(a.Title))
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%s", k, a.Fields[k])
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:8])
}

func (c *Client) gcLocked() {
	if len(c.recent) < 1024 {
		return
	}
	cutoff := time.Now().Add(-dedupeWindow)
	for k, at := range c.recent {
		if at.Before(cutoff) {
			delete(c.recent, k)
		}
	}
}
