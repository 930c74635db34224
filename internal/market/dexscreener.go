package market

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

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Dexscreener client
// https://docs.dexscreener.com/api/reference
// Requests are spaced by a minimum interval instead of a token bucket; the
// public API allows roughly 300 pair lookups per minute.
// ---------------------------------------------------------------------------

// DexscreenerConfig configures the client.
type DexscreenerConfig struct {
	BaseURL       string `yaml:"base_url"`        // default https://api.dexscreener.com
	MinIntervalMs int    `yaml:"min_interval_ms"` // gap between requests (default 200)
	TimeoutMs     int    `yaml:"timeout_ms"`      // per request (default 10000)
	MaxRetries    int    `yaml:"max_retries"`     // on 429/5xx (default 2)
}

// DefaultDexscreenerConfig returns production defaults.
func DefaultDexscreenerConfig() DexscreenerConfig {
	return DexscreenerConfig{
		BaseURL:       "https://api.dexscreener.com",
		MinIntervalMs: 200,
		TimeoutMs:     10000,
		MaxRetries:    2,
	}
}

const retryBackoff = 500 * time.Millisecond

// chainAliases maps internal chain names to Dexscreener chain ids.
var chainAliases = map[string]string{
	"eth":   "ethereum",
	"bnb":   "bsc",
	"matic": "polygon",
	"arb":   "arbitrum",
	"sol":   "solana",
	"avax":  "avalanche",
}

// DexscreenerClient implements Source against the Dexscreener REST API.
type DexscreenerClient struct {
	config     DexscreenerConfig
	httpClient *http.Client

	gateMu   sync.Mutex
	lastCall time.Time

	requests atomic.Int64
	notFound atomic.Int64
	errors   atomic.Int64
}

// NewDexscreenerClient creates a client.
func NewDexscreenerClient(config DexscreenerConfig) *DexscreenerClient {
	def := DefaultDexscreenerConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.TimeoutMs <= 0 {
		config.TimeoutMs = def.TimeoutMs
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &DexscreenerClient{
		config:     config,
		httpClient: &http.Client{Timeout: time.Duration(config.TimeoutMs) * time.Millisecond},
	}
}

type pairsResponse struct {
	SchemaVersion string `json:"schemaVersion"`
	Pair          *Pair  `json:"pair"`
	Pairs         []Pair `json:"pairs"`
}

// LookupPair fetches one pair. Returns ErrPairNotFound when the provider
// has no record of it.
func (c *DexscreenerClient) LookupPair(ctx context.Context, chain, pairAddress string) (*Pair, error) {
	chainID := strings.ToLower(chain)
	if alias, ok := chainAliases[chainID]; ok {
		chainID = alias
	}
	endpoint := fmt.Sprintf("%s/latest/dex/pairs/%s/%s", c.config.BaseURL, url.PathEscape(chainID), url.PathEscape(pairAddress))

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := c.wait(ctx); err != nil {
			return nil, err
		}

		body, status, err := c.get(ctx, endpoint)
		if err != nil {
			lastErr = err
			c.errors.Add(1)
			continue
		}
		if status == http.StatusNotFound {
			c.notFound.Add(1)
			return nil, ErrPairNotFound
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			lastErr = fmt.Errorf("dexscreener: HTTP %d", status)
			c.errors.Add(1)
			continue
		}
		if status != http.StatusOK {
			c.errors.Add(1)
			return nil, fmt.Errorf("dexscreener: HTTP %d: %s", status, truncate(string(body), 200))
		}

		var resp pairsResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			c.errors.Add(1)
			return nil, fmt.Errorf("dexscreener: parse pair: %w", err)
		}
		if p := pickPair(resp, pairAddress); p != nil {
			return p, nil
		}
		c.notFound.Add(1)
		return nil, ErrPairNotFound
	}

	log.Warn().Err(lastErr).Str("chain", chainID).Str("pair", pairAddress).Msg("dexscreener: lookup failed")
	return nil, fmt.Errorf("dexscreener: lookup failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *DexscreenerClient) get(ctx context.Context, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("dexscreener: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.requests.Add(1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("dexscreener: HTTP error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("dexscreener: read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// wait blocks until MinIntervalMs has passed since the previous request.
func (c *DexscreenerClient) wait(ctx context.Context) error {
	interval := time.Duration(c.config.MinIntervalMs) * time.Millisecond
	if interval <= 0 {
		return nil
	}
	c.gateMu.Lock()
	next := c.lastCall.Add(interval)
	now := time.Now()
	if next.Before(now) {
		next = now
	}
	c.lastCall = next
	c.gateMu.Unlock()

	delay := time.Until(next)
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func pickPair(resp pairsResponse, pairAddress string) *Pair {
	if resp.Pair != nil && strings.EqualFold(resp.Pair.PairAddress, pairAddress) {
		return resp.Pair
	}
	for i := range resp.Pairs {
		if strings.EqualFold(resp.Pairs[i].PairAddress, pairAddress) {
			return &resp.Pairs[i]
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ClientStats is a snapshot of client counters.
type ClientStats struct {
	Requests int64 `json:"requests"`
	NotFound int64 `json:"not_found"`
	Errors   int64 `json:"errors"`
}

// Stats returns client statistics.
func (c *DexscreenerClient) Stats() ClientStats {
	return ClientStats{
		Requests: c.requests.Load(),
		NotFound: c.notFound.Load(),
		Errors:   c.errors.Load(),
	}
}
