package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tmercier/copybot/internal/observ"
)

// HTTPOracle fetches prices from a JSON endpoint of the form
// GET {url}?asset=X -> {"asset":"X","price":1.23}. Responses are cached
// briefly so tier evaluation for many positions in the same asset does
// not hammer the endpoint.
type HTTPOracle struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	cache map[string]cachedPrice
	ttl   time.Duration
}

type cachedPrice struct {
	price float64
	at    time.Time
}

type priceResponse struct {
	Asset string  `json:"asset"`
	Price float64 `json:"price"`
}

func NewHTTP(baseURL string, ttl time.Duration) *HTTPOracle {
	return &HTTPOracle{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		cache:   map[string]cachedPrice{},
		ttl:     ttl,
	}
}

func (o *HTTPOracle) CurrentPrice(ctx context.Context, asset string) (float64, error) {
	o.mu.Lock()
	if c, ok := o.cache[asset]; ok && time.Since(c.at) < o.ttl {
		o.mu.Unlock()
		return c.price, nil
	}
	o.mu.Unlock()

	u := fmt.Sprintf("%s?asset=%s", o.baseURL, url.QueryEscape(asset))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		observ.IncCounter("oracle_errors_total", nil)
		return 0, err
	}
	defer resp.Body.Close()
	observ.Observe("oracle_fetch_ms", float64(time.Since(start).Milliseconds()), nil)
	if resp.StatusCode != http.StatusOK {
		observ.IncCounter("oracle_errors_total", nil)
		return 0, fmt.Errorf("oracle: status %d for %s", resp.StatusCode, asset)
	}
	var pr priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return 0, err
	}
	if pr.Price <= 0 {
		return 0, fmt.Errorf("oracle: no price for %s", asset)
	}

	o.mu.Lock()
	o.cache[asset] = cachedPrice{price: pr.Price, at: time.Now()}
	o.mu.Unlock()
	return pr.Price, nil
}
