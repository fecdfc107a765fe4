package liquidation_test

import (
	"PerpKeeper/internal/event"
	"PerpKeeper/internal/ledger"
	"PerpKeeper/internal/liquidation"
	"PerpKeeper/internal/observability"
	"PerpKeeper/internal/oracle"
	"PerpKeeper/internal/scanner"
	"PerpKeeper/internal/testutil"
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Unix(1_700_000_000, 0)

type harness struct {
	ledger  *testutil.FakeLedger
	source  *testutil.FakeSource
	bus     *event.Bus
	metrics *observability.Metrics
	scanner *scanner.Scanner
	exec    *liquidation.Executor
	market  ledger.Market
	sleeps  []time.Duration
}

// newHarness sets up a market with one underwater long in slot 3: $100
// entry, $2 capital, on-ledger price $50.
func newHarness(t *testing.T, authority bool) *harness {
	t.Helper()
	h := &harness{
		ledger:  testutil.NewFakeLedger(),
		source:  testutil.NewFakeSource("primary"),
		bus:     event.NewBus(64),
		metrics: observability.NewTestMetrics(),
		market:  testutil.NewMarket("SOL"),
	}

	fx := testutil.DefaultMarket(now)
	fx.PriceE6 = 50 * testutil.USD
	if authority {
		fx.Authority = h.ledger.Identity()
	} else {
		fx.Authority = solana.NewWallet().PublicKey()
	}
	h.ledger.SetAccount(h.market.Address, fx.Builder().PutPosition(testutil.Long(3, 1, 100, 2)).Bytes())
	h.source.Set("SOL", 50*testutil.USD)

	ix := ledger.Instructions{ProgramID: solana.NewWallet().PublicKey()}
	feed := oracle.NewFeed([]oracle.Source{h.source}, h.ledger, ix, h.bus, h.metrics, oracle.DefaultFeedConfig(), zerolog.Nop())
	feed.SetClock(func() time.Time { return now })

	h.scanner = scanner.New(h.ledger, ledger.SlabCodec{}, 0, h.metrics, zerolog.Nop())
	h.scanner.SetClock(func() time.Time { return now })

	h.exec = liquidation.NewExecutor(h.ledger, ledger.SlabCodec{}, ix, feed, nil, h.bus, h.metrics,
		liquidation.DefaultConfig(), zerolog.Nop())
	h.exec.SetClock(func() time.Time { return now })
	h.exec.SetSleep(func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	})
	return h
}

func (h *harness) candidate(t *testing.T) scanner.Candidate {
	t.Helper()
	cands := h.scanner.Scan(context.Background(), h.market)
	require.Len(t, cands, 1)
	return cands[0]
}

func (h *harness) events() []event.Envelope {
	var out []event.Envelope
	for h.bus.Len() > 0 {
		out = append(out, <-h.bus.Events())
	}
	return out
}

func (h *harness) eventTypes() []string {
	var out []string
	for _, e := range h.events() {
		out = append(out, e.EventType)
	}
	return out
}

// ============================================================================
// Test: successful liquidation
// ============================================================================

func TestLiquidate_AuthorityBundlesPushCrankLiquidate(t *testing.T) {
	h := newHarness(t, true)
	c := h.candidate(t)

	sig, ok := h.exec.Liquidate(context.Background(), c)
	require.True(t, ok)

	bundles := h.ledger.Bundles()
	require.Len(t, bundles, 1)
	assert.Equal(t, []uint8{ledger.TagPushPrice, ledger.TagKeeperCrank, ledger.TagLiquidate}, testutil.Tags(bundles[0]))

	data, err := bundles[0][2].Data()
	require.NoError(t, err)
	assert.Equal(t, ledger.EncodeLiquidate(3), data)

	assert.True(t, h.exec.Signatures().Contains(sig))
	assert.Equal(t, uint64(1), h.exec.Submitted())
	assert.Equal(t, []string{"price.updated", "liquidation.success"}, h.eventTypes())
}

func TestLiquidate_NonAuthoritySkipsPush(t *testing.T) {
	h := newHarness(t, false)

	_, ok := h.exec.Liquidate(context.Background(), h.candidate(t))
	require.True(t, ok)

	bundles := h.ledger.Bundles()
	require.Len(t, bundles, 1)
	assert.Equal(t, []uint8{ledger.TagKeeperCrank, ledger.TagLiquidate}, testutil.Tags(bundles[0]))
	assert.Zero(t, h.source.Calls())
}

func TestLiquidate_RateLimitedPushStillLiquidates(t *testing.T) {
	h := newHarness(t, true)
	h.ledger.Mutate(h.market.Address, func(b *ledger.SlabBuilder) {
		b.PutPosition(testutil.Long(8, 1, 100, 2))
	})

	cands := h.scanner.Scan(context.Background(), h.market)
	require.Len(t, cands, 2)

	for _, c := range cands {
		_, ok := h.exec.Liquidate(context.Background(), c)
		require.True(t, ok)
	}

	bundles := h.ledger.Bundles()
	require.Len(t, bundles, 2)
	assert.Equal(t, ledger.TagPushPrice, testutil.Tags(bundles[0])[0])
	assert.Equal(t, []uint8{ledger.TagKeeperCrank, ledger.TagLiquidate}, testutil.Tags(bundles[1]))
}

func TestLiquidate_AbortedAttemptKeepsPushAllowance(t *testing.T) {
	h := newHarness(t, true)
	h.ledger.Mutate(h.market.Address, func(b *ledger.SlabBuilder) {
		b.PutPosition(testutil.Long(8, 1, 100, 2))
	})
	cands := h.scanner.Scan(context.Background(), h.market)
	require.Len(t, cands, 2)

	// Slot 3 is topped up before its attempt and re-verifies healthy.
	h.ledger.Mutate(h.market.Address, func(b *ledger.SlabBuilder) {
		p := cands[0].Position
		p.Capital = 20 * testutil.USD
		b.PutPosition(p)
	})
	first := h.exec.Execute(context.Background(), cands[0])
	require.Equal(t, liquidation.AbortHealthy, first.Aborted)
	assert.Empty(t, h.ledger.Bundles())

	second := h.exec.Execute(context.Background(), cands[1])
	require.Empty(t, second.Aborted)
	assert.True(t, second.Pushed)

	bundles := h.ledger.Bundles()
	require.Len(t, bundles, 1)
	assert.Equal(t, []uint8{ledger.TagPushPrice, ledger.TagKeeperCrank, ledger.TagLiquidate}, testutil.Tags(bundles[0]))
}

func TestLiquidate_FailedSubmitKeepsPushAllowance(t *testing.T) {
	h := newHarness(t, true)
	h.ledger.Mutate(h.market.Address, func(b *ledger.SlabBuilder) {
		b.PutPosition(testutil.Long(8, 1, 100, 2))
	})
	cands := h.scanner.Scan(context.Background(), h.market)
	require.Len(t, cands, 2)

	h.ledger.ScriptSubmitErrors(errors.New("Transaction simulation failed: custom program error: 0x1502"))
	first := h.exec.Execute(context.Background(), cands[0])
	require.Equal(t, liquidation.ResultPermanent, first.Result.Kind)
	assert.True(t, first.Pushed)

	second := h.exec.Execute(context.Background(), cands[1])
	require.Equal(t, liquidation.ResultSuccess, second.Result.Kind)
	assert.True(t, second.Pushed)
	assert.Equal(t, []string{"liquidation.failure", "price.updated", "liquidation.success"}, h.eventTypes())
}

// constantSigLedger accepts every bundle under the same signature.
type constantSigLedger struct {
	*testutil.FakeLedger
}

func (l constantSigLedger) Submit(ctx context.Context, ixs ...solana.Instruction) (solana.Signature, error) {
	if _, err := l.FakeLedger.Submit(ctx, ixs...); err != nil {
		return solana.Signature{}, err
	}
	return solana.Signature{1}, nil
}

func TestLiquidate_DuplicateSignatureLogged(t *testing.T) {
	h := newHarness(t, false)
	h.ledger.Mutate(h.market.Address, func(b *ledger.SlabBuilder) {
		b.PutPosition(testutil.Long(8, 1, 100, 2))
	})
	cands := h.scanner.Scan(context.Background(), h.market)
	require.Len(t, cands, 2)

	var buf bytes.Buffer
	exec := liquidation.NewExecutor(constantSigLedger{h.ledger}, ledger.SlabCodec{}, ledger.Instructions{ProgramID: solana.NewWallet().PublicKey()},
		nil, nil, h.bus, h.metrics, liquidation.DefaultConfig(), zerolog.New(&buf))
	exec.SetClock(func() time.Time { return now })

	for _, c := range cands {
		_, ok := exec.Liquidate(context.Background(), c)
		require.True(t, ok)
	}

	assert.Equal(t, 1, exec.Signatures().Size())
	assert.Equal(t, uint64(2), exec.Submitted())
	assert.Contains(t, buf.String(), "already recorded signature")
}

// ============================================================================
// Test: re-verification gate
// ============================================================================

func TestLiquidate_ReverifyAborts(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *harness, c scanner.Candidate, b *ledger.SlabBuilder)
		reason string
	}{
		{
			name:   "slot vacated",
			mutate: func(_ *harness, _ scanner.Candidate, b *ledger.SlabBuilder) { b.FreeSlot(3) },
			reason: liquidation.AbortVacated,
		},
		{
			name: "position closed",
			mutate: func(_ *harness, c scanner.Candidate, b *ledger.SlabBuilder) {
				p := c.Position
				p.Size = 0
				b.PutPosition(p)
			},
			reason: liquidation.AbortFlat,
		},
		{
			name: "slot reused by another owner",
			mutate: func(_ *harness, _ scanner.Candidate, b *ledger.SlabBuilder) {
				b.PutPosition(testutil.Long(3, 1, 100, 2))
			},
			reason: liquidation.AbortReassigned,
		},
		{
			// Price recovers to $110 and the owner tops up to $20.
			name: "recovered to healthy",
			mutate: func(h *harness, c scanner.Candidate, b *ledger.SlabBuilder) {
				p := c.Position
				p.Capital = 20 * testutil.USD
				b.PutPosition(p).SetPrice(110*testutil.USD, now.Unix())
			},
			reason: liquidation.AbortHealthy,
		},
		{
			name: "on-ledger price went stale",
			mutate: func(_ *harness, _ scanner.Candidate, b *ledger.SlabBuilder) {
				b.SetPrice(50*testutil.USD, now.Add(-61*time.Second).Unix())
			},
			reason: liquidation.AbortStalePrice,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false)
			c := h.candidate(t)
			h.ledger.Mutate(h.market.Address, func(b *ledger.SlabBuilder) { tt.mutate(h, c, b) })

			_, ok := h.exec.Liquidate(context.Background(), c)
			assert.False(t, ok)

			a := h.exec.Execute(context.Background(), c)
			assert.Equal(t, tt.reason, a.Aborted)
			assert.ErrorIs(t, a.Result.Err, liquidation.ErrStaleCandidate)

			assert.Empty(t, h.ledger.Bundles())
			assert.Empty(t, h.events(), "aborts are not failures")
			assert.Equal(t, 2.0, promtest.ToFloat64(h.metrics.LiquidationsAborted.WithLabelValues(h.market.String(), tt.reason)))
		})
	}
}

func TestLiquidate_ReverifyUsesPriceAboutToBePushed(t *testing.T) {
	// The on-ledger price still says $50 but the keeper is about to push $110.
	h := newHarness(t, true)
	c := h.candidate(t)
	h.ledger.Mutate(h.market.Address, func(b *ledger.SlabBuilder) {
		p := c.Position
		p.Capital = 20 * testutil.USD
		b.PutPosition(p)
	})
	h.source.Set("SOL", 110*testutil.USD)

	a := h.exec.Execute(context.Background(), c)
	assert.Equal(t, liquidation.AbortHealthy, a.Aborted)
	assert.Empty(t, h.ledger.Bundles())
}

func TestLiquidate_ClaimedElsewhere(t *testing.T) {
	h := newHarness(t, false)
	ix := ledger.Instructions{ProgramID: solana.NewWallet().PublicKey()}
	exec := liquidation.NewExecutor(h.ledger, ledger.SlabCodec{}, ix, nil, denyClaims{}, h.bus, h.metrics,
		liquidation.DefaultConfig(), zerolog.Nop())

	a := exec.Execute(context.Background(), h.candidate(t))
	assert.Equal(t, liquidation.AbortClaimed, a.Aborted)
	assert.Empty(t, h.ledger.Bundles())
}

type denyClaims struct{}

func (denyClaims) Claim(context.Context, string) (bool, error) { return false, nil }
func (denyClaims) Release(context.Context, string) error       { return nil }

// ============================================================================
// Test: submission retries
// ============================================================================

func TestLiquidate_RetriesTransientThenSucceeds(t *testing.T) {
	h := newHarness(t, false)
	h.ledger.ScriptSubmitErrors(
		context.DeadlineExceeded,
		errors.New("send transaction: Blockhash not found"),
	)

	a := h.exec.Execute(context.Background(), h.candidate(t))
	require.Equal(t, liquidation.ResultSuccess, a.Result.Kind)
	assert.Equal(t, 3, a.Attempts)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, h.sleeps)
	assert.Equal(t, 2.0, promtest.ToFloat64(h.metrics.SubmitRetries))
}

func TestLiquidate_RetriesExhausted(t *testing.T) {
	h := newHarness(t, false)
	h.ledger.ScriptSubmitErrors(
		errors.New("connection reset by peer"),
		errors.New("429 Too Many Requests"),
		errors.New("rate limit exceeded"),
		nil,
	)

	sig, ok := h.exec.Liquidate(context.Background(), h.candidate(t))
	assert.False(t, ok)
	assert.Equal(t, solana.Signature{}, sig)
	assert.Len(t, h.sleeps, 2)
	assert.Empty(t, h.ledger.Bundles())

	evs := h.events()
	require.Len(t, evs, 1)
	failure, isFailure := evs[0].Payload.(*event.LiquidationFailure)
	require.True(t, isFailure)
	assert.Equal(t, uint16(3), failure.SlotIndex)
	assert.Contains(t, failure.Error, "rate limit")
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.LiquidationsFailed.WithLabelValues(h.market.String(), "transient")))
}

func TestLiquidate_PermanentErrorNotRetried(t *testing.T) {
	h := newHarness(t, false)
	h.ledger.ScriptSubmitErrors(errors.New("Transaction simulation failed: custom program error: 0x1502"))

	a := h.exec.Execute(context.Background(), h.candidate(t))
	assert.Equal(t, liquidation.ResultPermanent, a.Result.Kind)
	assert.Equal(t, 1, a.Attempts)
	assert.Empty(t, h.sleeps)
	assert.Equal(t, []string{"liquidation.failure"}, h.eventTypes())
}

func TestLiquidate_ReadFailureIsIsolatedFailure(t *testing.T) {
	h := newHarness(t, false)
	c := h.candidate(t)
	h.ledger.FailFetch(h.market.Address, errors.New("connection refused"))

	_, ok := h.exec.Liquidate(context.Background(), c)
	assert.False(t, ok)
	assert.Equal(t, []string{"liquidation.failure"}, h.eventTypes())
}
