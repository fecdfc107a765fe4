// Package scanner finds liquidation candidates in a market by re-evaluating
// every occupied trading position at the market's reference price.
package scanner

import (
	"PerpKeeper/internal/ledger"
	"PerpKeeper/internal/observability"
	"PerpKeeper/internal/state"
	"context"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
)

// Candidate is a position found undercollateralized by a scan.
type Candidate struct {
	Market           ledger.Market
	Slot             uint16
	Position         ledger.Position
	Evaluation       state.Evaluation
	ReferencePriceE6 uint64
	ScannedAt        time.Time
}

// Outcome classifies a scan.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeStale Outcome = "stale"
	OutcomeError Outcome = "error"
)

// Result is the full output of one market scan.
type Result struct {
	Outcome    Outcome
	Candidates []Candidate
	// Snapshot is nil when the market could not be read or decoded.
	Snapshot *ledger.Snapshot
	PriceAge time.Duration
	Bound    time.Duration
	Scanned  int
}

type clampKey struct {
	market solana.PublicKey
	slot   uint16
}

// Scanner is safe for concurrent use across markets.
type Scanner struct {
	client  ledger.Client
	codec   ledger.Codec
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
	// maxStaleness, when non-zero, tightens every market's own bound.
	maxStaleness time.Duration

	clampMu sync.Mutex
	clamped map[clampKey]struct{}
}

func New(client ledger.Client, codec ledger.Codec, maxStaleness time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *Scanner {
	return &Scanner{
		client:       client,
		codec:        codec,
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
		maxStaleness: maxStaleness,
		clamped:      make(map[clampKey]struct{}),
	}
}

// SetClock overrides the scanner's time source.
func (s *Scanner) SetClock(now func() time.Time) {
	s.now = now
}

// Scan returns the market's liquidation candidates. It never fails: any read
// or decode error is logged and yields no candidates.
func (s *Scanner) Scan(ctx context.Context, market ledger.Market) []Candidate {
	return s.ScanMarket(ctx, market).Candidates
}

// ScanMarket is Scan with the decoded snapshot and staleness details attached.
func (s *Scanner) ScanMarket(ctx context.Context, market ledger.Market) (res Result) {
	log := s.logger.With().Str("market", market.String()).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("scan panicked")
			res = Result{Outcome: OutcomeError}
		}
		s.metrics.Scans.WithLabelValues(market.String(), string(res.Outcome)).Inc()
		s.metrics.Candidates.WithLabelValues(market.String()).Set(float64(len(res.Candidates)))
	}()

	data, err := s.client.FetchAccount(ctx, market.Address)
	if err != nil {
		log.Error().Err(err).Msg("fetch market failed")
		return Result{Outcome: OutcomeError}
	}

	snap, err := ledger.Decode(s.codec, market, data, s.now())
	if err != nil {
		log.Error().Err(err).Msg("decode market failed")
		return Result{Outcome: OutcomeError}
	}

	res = Result{
		Snapshot: snap,
		PriceAge: snap.PriceAge(snap.FetchedAt),
		Bound:    s.StalenessBound(snap.Config),
	}
	s.metrics.PriceAge.WithLabelValues(market.String()).Set(res.PriceAge.Seconds())
	s.metrics.CrankAge.WithLabelValues(market.String()).Set(float64(snap.Engine.CrankAge()))

	if res.PriceAge > res.Bound {
		log.Debug().
			Dur("price_age", res.PriceAge).
			Dur("bound", res.Bound).
			Msg("oracle price stale, skipping market")
		res.Outcome = OutcomeStale
		return res
	}

	price := snap.ReferencePrice()
	mm := snap.Params.MaintenanceMarginBps
	res.Outcome = OutcomeOK

	for _, slot := range snap.Occupied {
		pos, err := snap.Position(slot)
		if err != nil {
			log.Warn().Err(err).Uint16("slot", slot).Msg("decode position failed, skipping slot")
			continue
		}
		if pos.Kind != ledger.KindTrading || pos.IsFlat() {
			continue
		}
		res.Scanned++

		ev := state.Evaluate(pos, price, mm)
		if ev.Clamped {
			s.noteClamp(log, market, slot)
		}
		if !ev.IsCandidate() {
			continue
		}
		res.Candidates = append(res.Candidates, Candidate{
			Market:           market,
			Slot:             slot,
			Position:         pos,
			Evaluation:       ev,
			ReferencePriceE6: price,
			ScannedAt:        snap.FetchedAt,
		})
	}

	if len(res.Candidates) > 0 {
		log.Info().
			Int("candidates", len(res.Candidates)).
			Int("scanned", res.Scanned).
			Uint64("price_e6", price).
			Msg("liquidation candidates found")
	}
	return res
}

// StalenessBound is the oracle-staleness bound applied to a market.
func (s *Scanner) StalenessBound(cfg ledger.MarketConfig) time.Duration {
	return cfg.StalenessBound(s.maxStaleness)
}

func (s *Scanner) noteClamp(log zerolog.Logger, market ledger.Market, slot uint16) {
	key := clampKey{market: market.Address, slot: slot}

	s.clampMu.Lock()
	_, seen := s.clamped[key]
	if !seen {
		s.clamped[key] = struct{}{}
	}
	s.clampMu.Unlock()

	if seen {
		return
	}
	s.metrics.OverflowClamps.Inc()
	log.Warn().Uint16("slot", slot).Msg("margin arithmetic saturated at the 64-bit bound")
}
