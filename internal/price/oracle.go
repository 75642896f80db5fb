// Package price implements the currency price oracle client. Prices are
// quoted fresh per bet (through a short-TTL cache) and then pinned to that
// bet's transaction; settlement never re-queries.
package price

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	REDIS_KEY_PRICE_PREFIX = "crash:price:"

	cacheTTL     = 10 * time.Second
	fetchTimeout = 5 * time.Second
	maxRetries   = 3
)

// symbolIDs maps ticker symbols to the oracle's asset identifiers.
var symbolIDs = map[string]string{
	"BTC": "bitcoin",
	"ETH": "ethereum",
}

var (
	oracleURL = getEnv("PRICE_ORACLE_URL", "https://api.coingecko.com/api/v3")
	oracleKey = os.Getenv("PRICE_ORACLE_API_KEY")
)

// Oracle fetches USD prices, treating the upstream as untrusted and
// retryable. Failures surface as errors for the caller to map to a
// transient rejection; they never corrupt game state.
type Oracle struct {
	baseURL string
	apiKey  string
	client  *http.Client
	rdb     *redis.Client // nil disables the cache
	log     *logrus.Entry
}

func New(rdb *redis.Client) *Oracle {
	return &Oracle{
		baseURL: strings.TrimRight(oracleURL, "/"),
		apiKey:  oracleKey,
		client:  &http.Client{Timeout: fetchTimeout},
		rdb:     rdb,
		log:     logrus.WithField("component", "price"),
	}
}

// NewWithBaseURL is used by tests to point the oracle at a stub server.
func NewWithBaseURL(baseURL string, rdb *redis.Client) *Oracle {
	o := New(rdb)
	o.baseURL = strings.TrimRight(baseURL, "/")
	return o
}

// GetPrice returns the USD price for one supported symbol.
func (o *Oracle) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := o.GetPrices(ctx, []string{symbol})
	if err != nil {
		return decimal.Zero, err
	}
	p, ok := prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price returned for %s", symbol)
	}
	return p, nil
}

// GetPrices returns USD prices for the given symbols, serving from the
// cache when every symbol is fresh and hitting the oracle otherwise.
func (o *Oracle) GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(symbols))

	var misses []string
	for _, symbol := range symbols {
		if _, ok := symbolIDs[symbol]; !ok {
			return nil, fmt.Errorf("unsupported currency %q", symbol)
		}
		if cached, ok := o.cachedPrice(ctx, symbol); ok {
			out[symbol] = cached
		} else {
			misses = append(misses, symbol)
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := o.fetchWithRetry(ctx, misses)
	if err != nil {
		return nil, err
	}
	for symbol, p := range fetched {
		out[symbol] = p
		o.cachePrice(ctx, symbol, p)
	}
	return out, nil
}

func (o *Oracle) cachedPrice(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	if o.rdb == nil {
		return decimal.Zero, false
	}
	raw, err := o.rdb.Get(ctx, REDIS_KEY_PRICE_PREFIX+symbol).Result()
	if err != nil {
		return decimal.Zero, false
	}
	p, err := decimal.NewFromString(raw)
	if err != nil || !p.IsPositive() {
		return decimal.Zero, false
	}
	return p, true
}

func (o *Oracle) cachePrice(ctx context.Context, symbol string, p decimal.Decimal) {
	if o.rdb == nil {
		return
	}
	if err := o.rdb.Set(ctx, REDIS_KEY_PRICE_PREFIX+symbol, p.String(), cacheTTL).Err(); err != nil {
		o.log.WithError(err).Warn("price cache write failed")
	}
}

func (o *Oracle) fetchWithRetry(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	var prices map[string]decimal.Decimal
	op := func() error {
		var err error
		prices, err = o.fetch(ctx, symbols)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("price lookup failed: %w", err)
	}
	return prices, nil
}

func (o *Oracle) fetch(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	ids := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		ids = append(ids, symbolIDs[symbol])
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if o.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", o.apiKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	var body map[string]struct {
		USD decimal.Decimal `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range symbols {
		entry, ok := body[symbolIDs[symbol]]
		if !ok || !entry.USD.IsPositive() {
			return nil, fmt.Errorf("oracle returned no usable price for %s", symbol)
		}
		out[symbol] = entry.USD
	}
	return out, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
