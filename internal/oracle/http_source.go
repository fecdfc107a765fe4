package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBinanceURL  = "https://api.binance.com"
	DefaultCoinbaseURL = "https://api.coinbase.com"

	httpTimeout = 5 * time.Second
)

// HTTPSource polls a JSON price endpoint behind a client-side rate limiter.
type HTTPSource struct {
	name    string
	http    *http.Client
	limiter *rate.Limiter
	url     func(asset string) string
	extract func(body []byte) (string, error)
}

var _ Source = (*HTTPSource)(nil)

// NewBinanceSource quotes ASSETUSDT from the spot ticker endpoint.
func NewBinanceSource(baseURL string, ratePerSec float64) *HTTPSource {
	if baseURL == "" {
		baseURL = DefaultBinanceURL
	}
	return &HTTPSource{
		name:    "binance",
		http:    &http.Client{Timeout: httpTimeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 5),
		url: func(asset string) string {
			return fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", baseURL, url.QueryEscape(strings.ToUpper(asset)+"USDT"))
		},
		extract: func(body []byte) (string, error) {
			var resp struct {
				Symbol string `json:"symbol"`
				Price  string `json:"price"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return "", err
			}
			return resp.Price, nil
		},
	}
}

// NewCoinbaseSource quotes ASSET-USD from the spot price endpoint.
func NewCoinbaseSource(baseURL string, ratePerSec float64) *HTTPSource {
	if baseURL == "" {
		baseURL = DefaultCoinbaseURL
	}
	return &HTTPSource{
		name:    "coinbase",
		http:    &http.Client{Timeout: httpTimeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 5),
		url: func(asset string) string {
			return fmt.Sprintf("%s/v2/prices/%s-USD/spot", baseURL, url.PathEscape(strings.ToUpper(asset)))
		},
		extract: func(body []byte) (string, error) {
			var resp struct {
				Data struct {
					Amount string `json:"amount"`
				} `json:"data"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return "", err
			}
			return resp.Data.Amount, nil
		},
	}
}

func (s *HTTPSource) Name() string {
	return s.name
}

func (s *HTTPSource) FetchPrice(ctx context.Context, asset string) (uint64, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%s rate limiter: %w", s.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url(asset), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s request: %w", s.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, fmt.Errorf("%s read body: %w", s.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%s status %d: %s", s.name, resp.StatusCode, string(body))
	}

	raw, err := s.extract(body)
	if err != nil {
		return 0, fmt.Errorf("%s decode response: %w", s.name, err)
	}
	if raw == "" {
		return 0, fmt.Errorf("%s: %w for %s", s.name, ErrNoPrice, asset)
	}
	return ParsePriceE6(raw)
}
