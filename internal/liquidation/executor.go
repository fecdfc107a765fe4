// Package liquidation submits liquidation bundles for scan candidates after
// re-verifying them against freshly read ledger state.
package liquidation

import (
	"PerpKeeper/internal/coord"
	"PerpKeeper/internal/event"
	"PerpKeeper/internal/ledger"
	"PerpKeeper/internal/observability"
	"PerpKeeper/internal/oracle"
	"PerpKeeper/internal/scanner"
	"PerpKeeper/internal/state"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
)

var ErrStaleCandidate = errors.New("candidate no longer liquidatable")

const submitTimeout = 30 * time.Second

// Abort reasons reported when re-verification drops a candidate.
const (
	AbortVacated    = "vacated"
	AbortFlat       = "flat"
	AbortReassigned = "reassigned"
	AbortHealthy    = "healthy"
	AbortStalePrice = "stale_price"
	AbortInFlight   = "in_flight"
	AbortClaimed    = "claimed"
)

// PriceFeed is the part of the oracle feed the executor needs.
type PriceFeed interface {
	CanPush(cfg ledger.MarketConfig) bool
	FetchPrice(ctx context.Context, market ledger.Market) (oracle.PriceSample, bool)
	ReservePush(market ledger.Market, cfg ledger.MarketConfig, sample oracle.PriceSample) (*oracle.Push, error)
}

// Claimer arbitrates candidates between keeper instances.
type Claimer interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Config tunes the executor.
type Config struct {
	Retry        RetryPolicy
	SignatureCap int
	SignatureTTL time.Duration
	// MaxStaleness is the keeper-side oracle-staleness cap; zero defers to the market.
	MaxStaleness time.Duration
}

func DefaultConfig() Config {
	return Config{
		Retry:        DefaultRetryPolicy(),
		SignatureCap: 10_000,
		SignatureTTL: 10 * time.Minute,
	}
}

// Attempt is the full record of one Liquidate call.
type Attempt struct {
	Result SubmitResult
	// Aborted is set when re-verification or coordination dropped the candidate.
	Aborted  string
	Pushed   bool
	Attempts int
}

// Executor is safe for concurrent use.
type Executor struct {
	client  ledger.Client
	codec   ledger.Codec
	ix      ledger.Instructions
	feed    PriceFeed
	claims  Claimer
	bus     *event.Bus
	metrics *observability.Metrics
	logger  zerolog.Logger
	cfg     Config
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	signatures *SignatureSet
	inFlight   sync.Map
	submitted  atomic.Uint64
}

func NewExecutor(
	client ledger.Client,
	codec ledger.Codec,
	ix ledger.Instructions,
	feed PriceFeed,
	claims Claimer,
	bus *event.Bus,
	metrics *observability.Metrics,
	cfg Config,
	logger zerolog.Logger,
) *Executor {
	return &Executor{
		client:     client,
		codec:      codec,
		ix:         ix,
		feed:       feed,
		claims:     claims,
		bus:        bus,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		sleep:      sleepCtx,
		signatures: NewSignatureSet(cfg.SignatureCap, cfg.SignatureTTL),
	}
}

// SetClock overrides the executor's time source.
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
	e.signatures.now = now
}

// SetSleep overrides the retry backoff wait.
func (e *Executor) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	e.sleep = sleep
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Submitted is the number of bundles this executor saw accepted. It is
// informational; the ledger's lifetime liquidation counter is authoritative.
func (e *Executor) Submitted() uint64 {
	return e.submitted.Load()
}

// Signatures is the set of recently accepted submissions.
func (e *Executor) Signatures() *SignatureSet {
	return e.signatures
}

// Liquidate attempts to liquidate c and returns the signature of the accepted
// bundle, or false when the candidate was dropped or submission failed.
func (e *Executor) Liquidate(ctx context.Context, c scanner.Candidate) (solana.Signature, bool) {
	a := e.Execute(ctx, c)
	if a.Result.Kind != ResultSuccess || a.Aborted != "" {
		return solana.Signature{}, false
	}
	return a.Result.Signature, true
}

// Execute runs one liquidation attempt end to end.
func (e *Executor) Execute(ctx context.Context, c scanner.Candidate) (a Attempt) {
	market := c.Market
	log := e.logger.With().Str("market", market.String()).Uint16("slot", c.Slot).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("liquidation panicked")
			a = e.fail(log, c, Attempt{Result: SubmitResult{Kind: ResultPermanent, Err: fmt.Errorf("panic: %v", r)}})
		}
	}()

	key := coord.ClaimKey(market.String(), c.Slot)
	if _, busy := e.inFlight.LoadOrStore(key, struct{}{}); busy {
		return e.abort(log, c, AbortInFlight, nil)
	}
	defer e.inFlight.Delete(key)

	if e.claims != nil {
		ok, err := e.claims.Claim(ctx, key)
		if err != nil {
			log.Warn().Err(err).Msg("claim failed, proceeding without cross-instance lock")
		} else if !ok {
			return e.abort(log, c, AbortClaimed, nil)
		} else {
			defer func() {
				if err := e.claims.Release(context.WithoutCancel(ctx), key); err != nil {
					log.Warn().Err(err).Msg("release claim failed")
				}
			}()
		}
	}

	// Re-read the market right before building the bundle.
	data, err := e.client.FetchAccount(ctx, market.Address)
	if err != nil {
		return e.fail(log, c, Attempt{Result: SubmitResult{Kind: ResultPermanent, Err: fmt.Errorf("re-read market: %w", err)}})
	}
	snap, err := ledger.Decode(e.codec, market, data, e.now())
	if err != nil {
		return e.fail(log, c, Attempt{Result: SubmitResult{Kind: ResultPermanent, Err: fmt.Errorf("decode market: %w", err)}})
	}

	var push *oracle.Push
	refPrice := snap.ReferencePrice()
	if e.feed != nil && e.feed.CanPush(snap.Config) {
		if s, ok := e.feed.FetchPrice(ctx, market); ok && !s.Cached {
			p, err := e.feed.ReservePush(market, snap.Config, s)
			switch {
			case err == nil:
				push, refPrice = p, s.PriceE6
			case errors.Is(err, oracle.ErrRateLimited):
				log.Debug().Msg("price push rate limited, liquidating at on-ledger price")
			default:
				log.Warn().Err(err).Msg("price push unavailable")
			}
		}
	}
	// Hands the push allowance back unless the bundle lands.
	defer push.Cancel()

	if push == nil {
		age := snap.PriceAge(snap.FetchedAt)
		if bound := snap.Config.StalenessBound(e.cfg.MaxStaleness); age > bound {
			return e.abort(log, c, AbortStalePrice, fmt.Errorf("%w: price age %s over %s", ErrStaleCandidate, age, bound))
		}
	}

	if reason, err := e.reverify(snap, c, refPrice); reason != "" {
		return e.abort(log, c, reason, err)
	}

	oracleAcct := ledger.OracleAccount(market.Address, snap.Config)
	caller := e.client.Identity()
	bundle := make([]solana.Instruction, 0, 3)
	if push != nil {
		bundle = append(bundle, push.Instruction)
	}
	bundle = append(bundle,
		e.ix.Crank(caller, market.Address, oracleAcct),
		e.ix.Liquidate(caller, market.Address, oracleAcct, c.Slot),
	)

	a = e.submit(ctx, log, bundle)
	a.Pushed = push != nil
	if a.Result.Kind != ResultSuccess {
		return e.fail(log, c, a)
	}

	if !e.signatures.Add(a.Result.Signature) {
		log.Warn().
			Str("signature", a.Result.Signature.String()).
			Msg("ledger returned an already recorded signature")
	}
	e.submitted.Add(1)
	e.metrics.LiquidationsSubmitted.WithLabelValues(market.String()).Inc()
	push.Confirm()

	log.Info().
		Str("signature", a.Result.Signature.String()).
		Int("attempts", a.Attempts).
		Bool("pushed_price", a.Pushed).
		Msg("liquidation submitted")

	e.emit(&event.LiquidationSuccess{
		Market:    market.String(),
		SlotIndex: c.Slot,
		Signature: a.Result.Signature.String(),
	})
	return a
}

// reverify re-evaluates the candidate slot on a fresh snapshot. A non-empty
// reason means the scan result is stale.
func (e *Executor) reverify(snap *ledger.Snapshot, c scanner.Candidate, refPrice uint64) (string, error) {
	if !snap.IsOccupied(c.Slot) {
		return AbortVacated, fmt.Errorf("%w: slot %d vacated", ErrStaleCandidate, c.Slot)
	}
	pos, err := snap.Position(c.Slot)
	if err != nil {
		return AbortVacated, fmt.Errorf("%w: decode slot %d: %v", ErrStaleCandidate, c.Slot, err)
	}
	if pos.Kind != ledger.KindTrading || pos.IsFlat() {
		return AbortFlat, fmt.Errorf("%w: slot %d has no trading exposure", ErrStaleCandidate, c.Slot)
	}
	if pos.Owner != c.Position.Owner {
		return AbortReassigned, fmt.Errorf("%w: slot %d changed owner", ErrStaleCandidate, c.Slot)
	}

	ev := state.Evaluate(pos, refPrice, snap.Params.MaintenanceMarginBps)
	if !ev.IsCandidate() {
		return AbortHealthy, fmt.Errorf("%w: slot %d ratio %d bps at price %d", ErrStaleCandidate, c.Slot, ev.MarginRatioBps, refPrice)
	}
	return "", nil
}

// submit sends the bundle, retrying transient failures per the retry policy.
// Each send runs detached from ctx so an in-flight submission is never cut
// off; ctx only stops further retries.
func (e *Executor) submit(ctx context.Context, log zerolog.Logger, bundle []solana.Instruction) Attempt {
	var a Attempt
	for {
		a.Attempts++

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
		sig, err := e.client.Submit(sendCtx, bundle...)
		cancel()

		a.Result = Classify(sig, err)
		if a.Result.Kind != ResultTransient {
			return a
		}

		retry := a.Attempts
		if retry > e.cfg.Retry.MaxRetries {
			return a
		}
		delay := e.cfg.Retry.Delay(retry)
		log.Warn().Err(err).Int("retry", retry).Dur("backoff", delay).Msg("transient submit failure, retrying")
		e.metrics.SubmitRetries.Inc()

		if err := e.sleep(ctx, delay); err != nil {
			return a
		}
	}
}

func (e *Executor) abort(log zerolog.Logger, c scanner.Candidate, reason string, err error) Attempt {
	e.metrics.LiquidationsAborted.WithLabelValues(c.Market.String(), reason).Inc()
	ev := log.Info()
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Str("reason", reason).Msg("liquidation aborted")
	return Attempt{Aborted: reason, Result: SubmitResult{Kind: ResultPermanent, Err: err}}
}

func (e *Executor) fail(log zerolog.Logger, c scanner.Candidate, a Attempt) Attempt {
	e.metrics.LiquidationsFailed.WithLabelValues(c.Market.String(), a.Result.Kind.String()).Inc()
	log.Error().Err(a.Result.Err).Int("attempts", a.Attempts).Str("kind", a.Result.Kind.String()).Msg("liquidation failed")

	msg := "unknown error"
	if a.Result.Err != nil {
		msg = a.Result.Err.Error()
	}
	e.emit(&event.LiquidationFailure{
		Market:    c.Market.String(),
		SlotIndex: c.Slot,
		Error:     msg,
	})
	return a
}

func (e *Executor) emit(evt event.Event) {
	if e.bus != nil {
		e.bus.Emit(evt)
	}
}
