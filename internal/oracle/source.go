// Package oracle fetches external reference prices for tracked markets and
// pushes them on-ledger for markets this keeper is the oracle authority of.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNoPrice       = errors.New("no price available")
	ErrNotAuthority  = errors.New("keeper is not the market oracle authority")
	ErrExternallyFed = errors.New("market reads an external price feed")
	ErrRateLimited   = errors.New("price push rate limited")
)

// Source is one external price provider.
type Source interface {
	Name() string
	// FetchPrice returns the asset's USD price with 6 implied decimals.
	FetchPrice(ctx context.Context, asset string) (uint64, error)
}

// PriceSample is one observed reference price.
type PriceSample struct {
	Asset     string
	PriceE6   uint64
	Timestamp time.Time
	Source    string
	// Cached marks a degraded sample served from history after every source failed.
	Cached bool
}

var priceScale = decimal.New(1, 6)

// ParsePriceE6 converts a decimal price string to 6-decimal fixed point,
// truncating extra precision.
func ParsePriceE6(s string) (uint64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("%w: non-positive price %s", ErrNoPrice, s)
	}
	scaled := d.Mul(priceScale).Truncate(0)
	if !scaled.BigInt().IsUint64() {
		return 0, fmt.Errorf("price %s out of range", s)
	}
	v := scaled.BigInt().Uint64()
	if v == 0 {
		return 0, fmt.Errorf("%w: price %s below resolution", ErrNoPrice, s)
	}
	return v, nil
}
