// Package crank keeps every tracked market's engine fresh by submitting a
// crank on a fixed cadence, independent of liquidation activity.
package crank

import (
	"PerpKeeper/internal/ledger"
	"PerpKeeper/internal/observability"
	"PerpKeeper/internal/oracle"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const submitTimeout = 30 * time.Second

// PriceFeed lets the scheduler refresh authority-priced markets alongside the crank.
type PriceFeed interface {
	CanPush(cfg ledger.MarketConfig) bool
	FetchPrice(ctx context.Context, market ledger.Market) (oracle.PriceSample, bool)
	ReservePush(market ledger.Market, cfg ledger.MarketConfig, sample oracle.PriceSample) (*oracle.Push, error)
}

// Scheduler is overlap-guarded: Tick returns immediately while a previous
// tick is still dispatching.
type Scheduler struct {
	client      ledger.Client
	codec       ledger.Codec
	ix          ledger.Instructions
	feed        PriceFeed
	metrics     *observability.Metrics
	logger      zerolog.Logger
	concurrency int
	now         func() time.Time

	running atomic.Bool
	ticks   atomic.Uint64
}

func NewScheduler(
	client ledger.Client,
	codec ledger.Codec,
	ix ledger.Instructions,
	feed PriceFeed,
	concurrency int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		client:      client,
		codec:       codec,
		ix:          ix,
		feed:        feed,
		metrics:     metrics,
		logger:      logger,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// SetClock overrides the scheduler's time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Ticks is the number of ticks that ran to completion.
func (s *Scheduler) Ticks() uint64 {
	return s.ticks.Load()
}

// Tick cranks every market once. It reports false when skipped because the
// previous tick had not finished. A failing market never stops the others.
func (s *Scheduler) Tick(ctx context.Context, markets []ledger.Market) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.CrankSkipped.Inc()
		s.logger.Debug().Msg("previous crank tick still running, skipping")
		return false
	}
	defer s.running.Store(false)

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, m := range markets {
		m := m
		g.Go(func() error {
			s.crankMarket(ctx, m)
			return nil
		})
	}
	_ = g.Wait()

	s.ticks.Add(1)
	return true
}

func (s *Scheduler) crankMarket(ctx context.Context, market ledger.Market) {
	log := s.logger.With().Str("market", market.String()).Logger()
	defer func() {
		if r := recover(); r != nil {
			s.metrics.Cranks.WithLabelValues(market.String(), "error").Inc()
			log.Error().Interface("panic", r).Msg("crank panicked")
		}
	}()

	if err := s.crank(ctx, log, market); err != nil {
		s.metrics.Cranks.WithLabelValues(market.String(), "error").Inc()
		log.Error().Err(err).Msg("crank failed")
		return
	}
	s.metrics.Cranks.WithLabelValues(market.String(), "ok").Inc()
}

func (s *Scheduler) crank(ctx context.Context, log zerolog.Logger, market ledger.Market) error {
	data, err := s.client.FetchAccount(ctx, market.Address)
	if err != nil {
		return fmt.Errorf("fetch market: %w", err)
	}
	cfg, err := s.codec.DecodeConfig(data)
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	engine, err := s.codec.DecodeEngine(data)
	if err != nil {
		return fmt.Errorf("decode engine: %w", err)
	}

	age := engine.CrankAge()
	s.metrics.CrankAge.WithLabelValues(market.String()).Set(float64(age))
	if engine.MaxCrankStalenessSlots > 0 && age > engine.MaxCrankStalenessSlots {
		log.Warn().
			Uint64("crank_age_slots", age).
			Uint64("max_slots", engine.MaxCrankStalenessSlots).
			Msg("market crank is stale")
	}

	bundle := make([]solana.Instruction, 0, 2)
	var push *oracle.Push
	if s.feed != nil && s.feed.CanPush(cfg) {
		if smp, ok := s.feed.FetchPrice(ctx, market); ok && !smp.Cached {
			p, err := s.feed.ReservePush(market, cfg, smp)
			switch {
			case err == nil:
				bundle = append(bundle, p.Instruction)
				push = p
			case errors.Is(err, oracle.ErrRateLimited):
			default:
				log.Warn().Err(err).Msg("price push unavailable")
			}
		}
	}

	defer push.Cancel()
	pushed := push != nil

	caller := s.client.Identity()
	bundle = append(bundle, s.ix.Crank(caller, market.Address, ledger.OracleAccount(market.Address, cfg)))

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
	defer cancel()
	sig, err := s.client.Submit(sendCtx, bundle...)
	if err != nil {
		if pushed {
			s.metrics.PricePushes.WithLabelValues(market.String(), "error").Inc()
		}
		return fmt.Errorf("submit crank: %w", err)
	}
	push.Confirm()

	log.Debug().
		Str("signature", sig.String()).
		Bool("pushed_price", pushed).
		Uint64("crank_age_slots", age).
		Msg("crank submitted")
	return nil
}
