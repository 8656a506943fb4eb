// Price Tool - spot price lookup with a short-lived cache

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basemate/basemate/content"
	"github.com/basemate/basemate/pkg/kv"
)

const (
	defaultPriceBaseURL = "https://api.coingecko.com/api/v3"
	priceCacheTTL       = 30 * time.Second
)

// symbol -> quote API id
var knownAssets = map[string]string{
	"ETH":   "ethereum",
	"BTC":   "bitcoin",
	"USDC":  "usd-coin",
	"SOL":   "solana",
	"DEGEN": "degen-base",
}

// PriceTool answers spot-price questions via a REST quote API. Responses are
// cached briefly so bursts of lookups don't hammer the upstream rate limit.
type PriceTool struct {
	baseURL string
	client  *http.Client
	cache   *kv.KV // optional
}

// NewPriceTool creates the price tool. cache may be nil.
func NewPriceTool(cache *kv.KV) *PriceTool {
	return &PriceTool{
		baseURL: defaultPriceBaseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   cache,
	}
}

// WithBaseURL overrides the quote API endpoint (used by tests).
func (t *PriceTool) WithBaseURL(url string) *PriceTool {
	t.baseURL = strings.TrimSuffix(url, "/")
	return t
}

func (t *PriceTool) Name() string { return "get_crypto_price" }

func (t *PriceTool) Description() string {
	return "Get the current USD price of a cryptocurrency (ETH, BTC, USDC, SOL, DEGEN)"
}

func (t *PriceTool) Parameters() map[string]interface{} {
	return ObjectSchema(map[string]interface{}{
		"symbol": StringProperty("Asset symbol, e.g. ETH or BTC"),
	}, "symbol")
}

func (t *PriceTool) Terminal() bool { return false }

func (t *PriceTool) Execute(ctx context.Context, args map[string]interface{}) (content.Result, error) {
	symbol := strings.ToUpper(strings.TrimSpace(GetString(args, "symbol")))
	if symbol == "" {
		return content.Failure(fmt.Errorf("missing symbol"), "Which asset do you want the price for?"), nil
	}
	assetID, ok := knownAssets[symbol]
	if !ok {
		return content.Failure(fmt.Errorf("unknown asset %q", symbol),
			fmt.Sprintf("I don't track %s yet. Try ETH, BTC, USDC, SOL or DEGEN.", symbol)), nil
	}

	if cached := t.cachedPrice(symbol); cached != "" {
		return content.Text(fmt.Sprintf("%s is currently $%s", symbol, cached)), nil
	}

	price, err := t.fetchPrice(ctx, assetID)
	if err != nil {
		return content.Result{}, fmt.Errorf("price lookup for %s: %w", symbol, err)
	}

	formatted := strconv.FormatFloat(price, 'f', -1, 64)
	t.storePrice(symbol, formatted)
	return content.Text(fmt.Sprintf("%s is currently $%s", symbol, formatted)), nil
}

func (t *PriceTool) fetchPrice(ctx context.Context, assetID string) (float64, error) {
	url := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", t.baseURL, assetID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return 0, fmt.Errorf("quote API: %w", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("quote API status %d", resp.StatusCode)
	}

	var parsed map[string]map[string]float64
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("decode quote response: %w", err)
	}
	quote, ok := parsed[assetID]
	if !ok {
		return 0, fmt.Errorf("quote response missing %s", assetID)
	}
	price, ok := quote["usd"]
	if !ok {
		return 0, fmt.Errorf("quote response missing usd price")
	}
	return price, nil
}

func (t *PriceTool) cachedPrice(symbol string) string {
	if t.cache == nil {
		return ""
	}
	value, err := t.cache.Get("price:" + symbol)
	if err != nil {
		return ""
	}
	return string(value)
}

func (t *PriceTool) storePrice(symbol, price string) {
	if t.cache == nil {
		return
	}
	if err := t.cache.SetWithTTL("price:"+symbol, []byte(price), priceCacheTTL); err != nil {
		log.Printf("[WARN] price cache write failed: %v", err)
	}
}
