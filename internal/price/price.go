package price

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Lookup resolves a native-asset symbol to its USD price. Implementations
// must degrade gracefully: a failed lookup returns a configured assumption
// and Degraded=true rather than an error.
type Lookup interface {
	USDPrice(ctx context.Context, symbol string) (price float64, degraded bool)
}

// coingeckoIDs maps native symbols to the aggregator's asset identifiers.
var coingeckoIDs = map[string]string{
	"ETH": "ethereum",
	"BNB": "binancecoin",
	"POL": "polygon-ecosystem-token",
	"SOL": "solana",
}

// Client fetches spot prices over HTTP with static fallbacks.
type Client struct {
	baseURL    string
	httpClient *http.Client
	fallbacks  map[string]float64
	logger     *zap.Logger
}

// NewClient constructs a price client. fallbacks maps symbol to the assumed
// USD price used when the live lookup fails; a symbol missing from the map
// degrades to zero.
func NewClient(logger *zap.Logger, fallbacks map[string]float64) *Client {
	normalized := make(map[string]float64, len(fallbacks))
	for symbol, p := range fallbacks {
		normalized[strings.ToUpper(symbol)] = p
	}
	return &Client{
		baseURL:    "https://api.coingecko.com/api/v3",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		fallbacks:  normalized,
		logger:     logger.Named("price"),
	}
}

// USDPrice returns the live USD price for symbol, or the configured
// assumption flagged as degraded.
func (c *Client) USDPrice(ctx context.Context, symbol string) (float64, bool) {
	symbol = strings.ToUpper(symbol)

	p, err := c.fetch(ctx, symbol)
	if err != nil {
		c.logger.Warn("price lookup failed, using fallback",
			zap.String("symbol", symbol),
			zap.Float64("fallback_usd", c.fallbacks[symbol]),
			zap.Error(err))
		return c.fallbacks[symbol], true
	}
	return p, false
}

func (c *Client) fetch(ctx context.Context, symbol string) (float64, error) {
	id, ok := coingeckoIDs[symbol]
	if !ok {
		return 0, fmt.Errorf("no price feed for symbol %q", symbol)
	}

	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", c.baseURL, url.QueryEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price feed returned status %d", resp.StatusCode)
	}

	var payload map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode price response: %w", err)
	}

	entry, ok := payload[id]
	if !ok || entry.USD <= 0 {
		return 0, fmt.Errorf("price feed returned no quote for %q", id)
	}
	return entry.USD, nil
}

// Static always answers from the fallback table. Used in tests and when the
// operator disables live lookups.
type Static map[string]float64

// USDPrice implements Lookup.
func (s Static) USDPrice(_ context.Context, symbol string) (float64, bool) {
	return s[strings.ToUpper(symbol)], true
}
