package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loopscope/historian/pkg/utils"
)

const readPath = "/v1/read"

// HTTPClient reads tag values from an HTTP tag gateway. It wraps an
// http.Client with a token bucket and a per-endpoint circuit breaker so a
// flapping gateway cannot be hammered by a 1-second poll cadence.
type HTTPClient struct {
	endpoints []string
	client    *http.Client

	// token-bucket
	tokens      int64
	maxTokens   int64
	refillEvery time.Duration
	lastRefill  atomic.Value // time.Time

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
}

// Opts is the set of options for a new HTTPClient.
type Opts struct {
	Endpoints       []string
	Timeout         time.Duration
	RPS             int
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

// NewHTTPClient creates a gateway client with the given options.
func NewHTTPClient(o Opts) *HTTPClient {
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	c := &HTTPClient{
		endpoints:        utils.DedupEndpoints(o.Endpoints),
		client:           client,
		maxTokens:        int64(o.Burst),
		refillEvery:      time.Second / time.Duration(o.RPS),
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
	}
	c.tokens = c.maxTokens
	c.lastRefill.Store(time.Now())
	return c
}

func (c *HTTPClient) refill() {
	last := c.lastRefill.Load().(time.Time)
	now := time.Now()
	if now.Sub(last) >= c.refillEvery {
		if atomic.LoadInt64(&c.tokens) < c.maxTokens {
			atomic.AddInt64(&c.tokens, 1)
		}
		c.lastRefill.Store(now)
	}
}

func (c *HTTPClient) acquire() {
	for {
		c.refill()
		if atomic.LoadInt64(&c.tokens) > 0 {
			atomic.AddInt64(&c.tokens, -1)
			return
		}
		time.Sleep(c.refillEvery / 2)
	}
}

func (c *HTTPClient) isOpen(ep string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.opened[ep]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.opened, ep)
		c.failures[ep] = 0
		return false
	}
	return true
}

func (c *HTTPClient) noteFailure(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep]++
	if c.failures[ep] >= c.breakerThreshold {
		c.opened[ep] = time.Now().Add(c.breakerCooldown)
	}
}

func (c *HTTPClient) noteSuccess(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep] = 0
}

// readRequest and readResponse are the gateway wire shapes. The gateway
// answers one item per requested address; an item-level error string marks a
// per-address fault (unknown tag, device offline) without failing the batch.
type readRequest struct {
	Addresses []string `json:"addresses"`
}

type readItem struct {
	Address   string    `json:"address"`
	Value     float64   `json:"value"`
	Quality   string    `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

type readResponse struct {
	Items []readItem `json:"items"`
}

// Read implements Reader. Transport failures and 5xx responses across all
// endpoints are reported as a *ConnectionError; per-address faults come back
// inside the Reading slice.
func (c *HTTPClient) Read(ctx context.Context, addresses []string) ([]Reading, error) {
	if len(c.endpoints) == 0 {
		return nil, &ConnectionError{Err: fmt.Errorf("no endpoints configured")}
	}

	payload, err := json.Marshal(readRequest{Addresses: addresses})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i := 0; i < len(c.endpoints); i++ {
		ep := c.endpoints[i%len(c.endpoints)]
		if c.isOpen(ep) {
			continue
		}

		c.acquire()

		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, ep+readPath, bytes.NewReader(payload))
		if reqErr != nil {
			return nil, reqErr
		}
		req.Header.Set("Content-Type", "application/json")

		resp, doErr := c.client.Do(req)
		if doErr != nil {
			lastErr = doErr
			c.noteFailure(ep)
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("gateway %d", resp.StatusCode)
			c.noteFailure(ep)
			_ = utils.DrainAndClose(resp.Body)
			continue
		}
		if resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("http %d", resp.StatusCode)
			_ = utils.DrainAndClose(resp.Body)
			continue
		}

		var out readResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&out); decErr != nil {
			_ = utils.DrainAndClose(resp.Body)
			lastErr = decErr
			c.noteFailure(ep)
			continue
		}
		if cerr := utils.DrainAndClose(resp.Body); cerr != nil {
			return nil, cerr
		}

		c.noteSuccess(ep)
		return c.toReadings(addresses, out.Items), nil
	}

	return nil, &ConnectionError{Err: lastErr}
}

// toReadings aligns gateway items to the requested address order. A missing
// item is a per-address fault, not a batch failure.
func (c *HTTPClient) toReadings(addresses []string, items []readItem) []Reading {
	byAddr := make(map[string]readItem, len(items))
	for _, it := range items {
		byAddr[it.Address] = it
	}

	readings := make([]Reading, len(addresses))
	for i, addr := range addresses {
		it, ok := byAddr[addr]
		if !ok {
			readings[i] = Reading{Address: addr, Err: fmt.Errorf("address %s missing from gateway response", addr)}
			continue
		}
		if it.Error != "" {
			readings[i] = Reading{Address: addr, Err: fmt.Errorf("address %s: %s", addr, it.Error)}
			continue
		}
		quality := QualityGood
		if it.Quality != "" && Quality(it.Quality) != QualityGood {
			quality = QualityBad
		}
		ts := it.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		readings[i] = Reading{
			Address:   addr,
			Value:     it.Value,
			Quality:   quality,
			Timestamp: ts,
		}
	}
	return readings
}
