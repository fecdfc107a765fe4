// Package keeper runs the two independent timer-driven drivers of the
// keeper: the scan/liquidate cycle and the crank cycle.
package keeper

import (
	"PerpKeeper/internal/crank"
	"PerpKeeper/internal/ledger"
	"PerpKeeper/internal/liquidation"
	"PerpKeeper/internal/observability"
	"PerpKeeper/internal/scanner"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Driver names registered with the health checker.
const (
	DriverScan  = "scan"
	DriverCrank = "crank"
)

// Config tunes the drivers.
type Config struct {
	ScanInterval    time.Duration
	CrankInterval   time.Duration
	ScanConcurrency int
}

// Service owns the per-market bookkeeping of one keeper instance.
type Service struct {
	markets []ledger.Market
	scanner *scanner.Scanner
	exec    *liquidation.Executor
	crank   *crank.Scheduler
	health  *observability.HealthChecker
	metrics *observability.Metrics
	logger  zerolog.Logger
	cfg     Config
	now     func() time.Time

	scanning atomic.Bool
	cycles   atomic.Uint64
	wg       sync.WaitGroup

	mu    sync.RWMutex
	stats map[solana.PublicKey]*MarketStats
}

func NewService(
	markets []ledger.Market,
	sc *scanner.Scanner,
	exec *liquidation.Executor,
	cr *crank.Scheduler,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	cfg Config,
	logger zerolog.Logger,
) *Service {
	if cfg.ScanConcurrency < 1 {
		cfg.ScanConcurrency = 1
	}
	stats := make(map[solana.PublicKey]*MarketStats, len(markets))
	for _, m := range markets {
		stats[m.Address] = &MarketStats{Market: m.String(), Asset: m.Asset}
	}
	return &Service{
		markets: markets,
		scanner: sc,
		exec:    exec,
		crank:   cr,
		health:  health,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		stats:   stats,
	}
}

// Run drives both cycles until ctx is cancelled, then waits for cycles
// already in progress. Ticks that arrive while the same driver is still busy
// are skipped, never queued.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().
		Int("markets", len(s.markets)).
		Dur("scan_interval", s.cfg.ScanInterval).
		Dur("crank_interval", s.cfg.CrankInterval).
		Msg("keeper started")

	scanTicker := time.NewTicker(s.cfg.ScanInterval)
	defer scanTicker.Stop()
	crankTicker := time.NewTicker(s.cfg.CrankInterval)
	defer crankTicker.Stop()

	s.spawn(func() { s.RunScanCycle(ctx) })
	s.spawn(func() { s.RunCrankCycle(ctx) })

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("keeper stopping, waiting for in-flight cycles")
			s.wg.Wait()
			return nil
		case <-scanTicker.C:
			s.spawn(func() { s.RunScanCycle(ctx) })
		case <-crankTicker.C:
			s.spawn(func() { s.RunCrankCycle(ctx) })
		}
	}
}

func (s *Service) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// RunCrankCycle runs one crank tick over every market.
func (s *Service) RunCrankCycle(ctx context.Context) bool {
	if !s.crank.Tick(ctx, s.markets) {
		return false
	}
	s.health.MarkCycle(DriverCrank)
	return true
}

// RunScanCycle scans every market and executes the candidates found. It
// returns false when skipped because the previous cycle is still running.
func (s *Service) RunScanCycle(ctx context.Context) bool {
	if !s.scanning.CompareAndSwap(false, true) {
		s.metrics.ScanSkipped.Inc()
		s.logger.Debug().Msg("previous scan cycle still running, skipping")
		return false
	}
	defer s.scanning.Store(false)

	start := s.now()

	var g errgroup.Group
	g.SetLimit(s.cfg.ScanConcurrency)
	for _, m := range s.markets {
		m := m
		g.Go(func() error {
			s.processMarket(ctx, m)
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.ScanDuration.Observe(s.now().Sub(start).Seconds())
	s.cycles.Add(1)
	s.health.MarkCycle(DriverScan)
	return true
}

func (s *Service) processMarket(ctx context.Context, market ledger.Market) {
	log := s.logger.With().Str("market", market.String()).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("market cycle panicked")
		}
	}()

	res := s.scanner.ScanMarket(ctx, market)
	s.observeScan(market, res)

	var submitted, aborted, failed uint64
	for _, c := range res.Candidates {
		if ctx.Err() != nil {
			break
		}
		a := s.exec.Execute(ctx, c)
		switch {
		case a.Aborted != "":
			aborted++
		case a.Result.Kind == liquidation.ResultSuccess:
			submitted++
		default:
			failed++
		}
	}

	s.mu.Lock()
	st := s.stats[market.Address]
	st.Submitted += submitted
	st.Aborted += aborted
	st.Failed += failed
	s.mu.Unlock()
}

// observeScan folds a scan result into the market stats. Executed
// liquidations are counted from the ledger's lifetime counter: the first
// observation is a baseline, later increases are liquidations by anyone.
func (s *Service) observeScan(market ledger.Market, res scanner.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats[market.Address]
	st.LastScan = s.now()
	st.Outcome = string(res.Outcome)
	st.Candidates = len(res.Candidates)
	if res.Snapshot == nil {
		return
	}

	st.PriceAgeSeconds = res.PriceAge.Seconds()
	st.CrankAgeSlots = res.Snapshot.Engine.CrankAge()
	st.OccupiedSlots = len(res.Snapshot.Occupied)

	lifetime := res.Snapshot.Engine.LifetimeLiquidations
	if st.baselineSet && lifetime > st.LifetimeLiquidations {
		delta := lifetime - st.LifetimeLiquidations
		st.Executed += delta
		s.metrics.LiquidationsExecuted.WithLabelValues(market.String()).Add(float64(delta))
	}
	st.LifetimeLiquidations = lifetime
	st.baselineSet = true
}

// Cycles is the number of completed scan cycles.
func (s *Service) Cycles() uint64 {
	return s.cycles.Load()
}

// Stats returns a copy of every market's stats, ordered by market address.
func (s *Service) Stats() []MarketStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]MarketStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

// MarketStat returns one market's stats.
func (s *Service) MarketStat(address solana.PublicKey) (MarketStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stats[address]
	if !ok {
		return MarketStats{}, false
	}
	return *st, true
}
