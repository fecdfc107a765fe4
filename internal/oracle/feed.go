package oracle

import (
	"PerpKeeper/internal/event"
	"PerpKeeper/internal/ledger"
	"PerpKeeper/internal/observability"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// FeedConfig bounds the feed's caching and push cadence.
type FeedConfig struct {
	CacheTTL     time.Duration
	PushInterval time.Duration
	HistoryCap   int
}

func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		CacheTTL:     3 * time.Second,
		PushInterval: 5 * time.Second,
		HistoryCap:   100,
	}
}

// marketPrices is the per-market shard of the feed's mutable state.
type marketPrices struct {
	mu       sync.Mutex
	fresh    PriceSample
	freshAt  time.Time
	hasFresh bool
	history  *history
	pushes   *rate.Limiter
	// pushing is set while a reserved push is awaiting confirmation.
	pushing bool
}

// Feed resolves reference prices through an ordered fallback chain of
// sources, then the market's own price history.
type Feed struct {
	sources []Source
	client  ledger.Client
	ix      ledger.Instructions
	bus     *event.Bus
	metrics *observability.Metrics
	logger  zerolog.Logger
	cfg     FeedConfig
	now     func() time.Time

	mu      sync.Mutex
	markets map[solana.PublicKey]*marketPrices
}

func NewFeed(
	sources []Source,
	client ledger.Client,
	ix ledger.Instructions,
	bus *event.Bus,
	metrics *observability.Metrics,
	cfg FeedConfig,
	logger zerolog.Logger,
) *Feed {
	return &Feed{
		sources: sources,
		client:  client,
		ix:      ix,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		markets: make(map[solana.PublicKey]*marketPrices),
	}
}

// SetClock overrides the feed's time source.
func (f *Feed) SetClock(now func() time.Time) {
	f.now = now
}

func (f *Feed) shard(market solana.PublicKey) *marketPrices {
	f.mu.Lock()
	defer f.mu.Unlock()

	mp, ok := f.markets[market]
	if !ok {
		mp = &marketPrices{
			history: newHistory(f.cfg.HistoryCap),
			pushes:  rate.NewLimiter(rate.Every(f.cfg.PushInterval), 1),
		}
		f.markets[market] = mp
	}
	return mp
}

// FetchPrice returns the market asset's reference price. A sample younger
// than the cache TTL is reused; otherwise sources are tried in order and the
// market's latest historical sample, tagged Cached, is the last resort.
func (f *Feed) FetchPrice(ctx context.Context, market ledger.Market) (PriceSample, bool) {
	mp := f.shard(market.Address)

	mp.mu.Lock()
	if mp.hasFresh && f.now().Sub(mp.freshAt) < f.cfg.CacheTTL {
		s := mp.fresh
		mp.mu.Unlock()
		return s, true
	}
	mp.mu.Unlock()

	for _, src := range f.sources {
		price, err := src.FetchPrice(ctx, market.Asset)
		if err != nil {
			f.metrics.PriceFetches.WithLabelValues(src.Name(), "error").Inc()
			f.logger.Debug().Err(err).
				Str("market", market.String()).
				Str("source", src.Name()).
				Msg("price source failed, trying next")
			continue
		}
		f.metrics.PriceFetches.WithLabelValues(src.Name(), "ok").Inc()

		now := f.now()
		sample := PriceSample{Asset: market.Asset, PriceE6: price, Timestamp: now, Source: src.Name()}

		mp.mu.Lock()
		mp.fresh, mp.freshAt, mp.hasFresh = sample, now, true
		mp.history.push(sample)
		mp.mu.Unlock()
		return sample, true
	}

	mp.mu.Lock()
	last, ok := mp.history.latest()
	mp.mu.Unlock()
	if !ok {
		f.metrics.PriceFetches.WithLabelValues("cache", "miss").Inc()
		f.logger.Warn().Str("market", market.String()).Str("asset", market.Asset).Msg("no price from any source and no history")
		return PriceSample{}, false
	}

	f.metrics.PriceFetches.WithLabelValues("cache", "hit").Inc()
	f.logger.Warn().
		Str("market", market.String()).
		Time("sampled_at", last.Timestamp).
		Msg("all price sources failed, serving cached sample")
	last.Cached = true
	return last, true
}

// CanPush reports whether this keeper may push prices for a market.
func (f *Feed) CanPush(cfg ledger.MarketConfig) bool {
	return !cfg.ExternallyFed() && cfg.OracleAuthority == f.client.Identity()
}

// Push is a price push instruction holding its market's push allowance.
// The allowance is spent by Confirm once the ledger accepts the bundle, and
// handed back by Cancel otherwise. Whichever runs first wins; the other is a no-op.
type Push struct {
	Instruction solana.Instruction
	Sample      PriceSample

	feed    *Feed
	market  ledger.Market
	settled bool
}

// Confirm spends the allowance and records the accepted push.
func (p *Push) Confirm() {
	if p == nil || p.settled {
		return
	}
	p.settled = true

	mp := p.feed.shard(p.market.Address)
	mp.mu.Lock()
	mp.pushes.AllowN(p.feed.now(), 1)
	mp.pushing = false
	mp.mu.Unlock()

	p.feed.recordPush(p.market, p.Sample)
}

// Cancel releases the allowance without spending it.
func (p *Push) Cancel() {
	if p == nil || p.settled {
		return
	}
	p.settled = true

	mp := p.feed.shard(p.market.Address)
	mp.mu.Lock()
	mp.pushing = false
	mp.mu.Unlock()
}

// ReservePush builds a price push for sample and reserves the market's push
// allowance. The caller must Confirm it once the ledger accepts the push or
// Cancel it when the push is not sent or fails. ErrRateLimited means the
// allowance is spent or another push for the market is outstanding.
func (f *Feed) ReservePush(market ledger.Market, cfg ledger.MarketConfig, sample PriceSample) (*Push, error) {
	if cfg.ExternallyFed() {
		return nil, ErrExternallyFed
	}
	identity := f.client.Identity()
	if cfg.OracleAuthority != identity {
		return nil, fmt.Errorf("%w: authority %s, keeper %s", ErrNotAuthority, cfg.OracleAuthority, identity)
	}
	if sample.Cached || sample.PriceE6 == 0 {
		return nil, fmt.Errorf("%w: refusing to push a degraded sample", ErrNoPrice)
	}

	mp := f.shard(market.Address)
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.pushing || mp.pushes.TokensAt(f.now()) < 1 {
		return nil, ErrRateLimited
	}
	mp.pushing = true

	return &Push{
		Instruction: f.ix.PushPrice(identity, market.Address, sample.PriceE6, sample.Timestamp.Unix()),
		Sample:      sample,
		feed:        f,
		market:      market,
	}, nil
}

// PushPrice submits a standalone price push for market.
func (f *Feed) PushPrice(ctx context.Context, market ledger.Market, cfg ledger.MarketConfig, sample PriceSample) (solana.Signature, error) {
	push, err := f.ReservePush(market, cfg, sample)
	if err != nil {
		return solana.Signature{}, err
	}
	defer push.Cancel()

	sig, err := f.client.Submit(ctx, push.Instruction)
	if err != nil {
		f.metrics.PricePushes.WithLabelValues(market.String(), "error").Inc()
		return solana.Signature{}, fmt.Errorf("submit price push: %w", err)
	}
	push.Confirm()
	return sig, nil
}

// recordPush accounts for a price push the ledger accepted.
func (f *Feed) recordPush(market ledger.Market, sample PriceSample) {
	f.metrics.PricePushes.WithLabelValues(market.String(), "ok").Inc()
	f.logger.Info().
		Str("market", market.String()).
		Uint64("price_e6", sample.PriceE6).
		Str("source", sample.Source).
		Msg("price pushed")

	if f.bus != nil {
		f.bus.Emit(&event.PriceUpdated{
			Market:    market.String(),
			PriceE6:   sample.PriceE6,
			Source:    sample.Source,
			Timestamp: sample.Timestamp.Unix(),
		})
	}
}

// History returns the market's recent samples, oldest first.
func (f *Feed) History(market solana.PublicKey) []PriceSample {
	mp := f.shard(market)
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.history.snapshot()
}
