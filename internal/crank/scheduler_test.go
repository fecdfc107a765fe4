package crank_test

import (
	"PerpKeeper/internal/crank"
	"PerpKeeper/internal/event"
	"PerpKeeper/internal/ledger"
	"PerpKeeper/internal/observability"
	"PerpKeeper/internal/oracle"
	"PerpKeeper/internal/testutil"
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Unix(1_700_000_000, 0)

func seedMarkets(l *testutil.FakeLedger, n int, authority solana.PublicKey) []ledger.Market {
	markets := make([]ledger.Market, n)
	for i := range markets {
		markets[i] = testutil.NewMarket("SOL")
		fx := testutil.DefaultMarket(now)
		fx.Authority = authority
		l.SetAccount(markets[i].Address, fx.Builder().Bytes())
	}
	return markets
}

func newScheduler(l ledger.Client, feed crank.PriceFeed, logger zerolog.Logger) (*crank.Scheduler, *observability.Metrics) {
	m := observability.NewTestMetrics()
	ix := ledger.Instructions{ProgramID: solana.NewWallet().PublicKey()}
	return crank.NewScheduler(l, ledger.SlabCodec{}, ix, feed, 4, m, logger), m
}

// ============================================================================
// Test: Tick
// ============================================================================

func TestTick_CranksEveryMarket(t *testing.T) {
	l := testutil.NewFakeLedger()
	markets := seedMarkets(l, 3, solana.NewWallet().PublicKey())
	s, m := newScheduler(l, nil, zerolog.Nop())

	require.True(t, s.Tick(context.Background(), markets))

	bundles := l.Bundles()
	require.Len(t, bundles, 3)
	for _, b := range bundles {
		assert.Equal(t, []uint8{ledger.TagKeeperCrank}, testutil.Tags(b))
		data, err := b[0].Data()
		require.NoError(t, err)
		assert.Equal(t, ledger.EncodeCrank(ledger.CallerNone, false), data)
	}
	for _, mk := range markets {
		assert.Equal(t, 1.0, promtest.ToFloat64(m.Cranks.WithLabelValues(mk.String(), "ok")))
	}
}

func TestTick_AuthorityMarketsGetPricePush(t *testing.T) {
	l := testutil.NewFakeLedger()
	markets := seedMarkets(l, 1, l.Identity())
	src := testutil.NewFakeSource("primary").Set("SOL", 101*testutil.USD)
	bus := event.NewBus(8)
	metrics := observability.NewTestMetrics()
	ix := ledger.Instructions{ProgramID: solana.NewWallet().PublicKey()}
	feed := oracle.NewFeed([]oracle.Source{src}, l, ix, bus, metrics, oracle.DefaultFeedConfig(), zerolog.Nop())
	s := crank.NewScheduler(l, ledger.SlabCodec{}, ix, feed, 1, metrics, zerolog.Nop())

	require.True(t, s.Tick(context.Background(), markets))
	require.True(t, s.Tick(context.Background(), markets))

	bundles := l.Bundles()
	require.Len(t, bundles, 2)
	assert.Equal(t, []uint8{ledger.TagPushPrice, ledger.TagKeeperCrank}, testutil.Tags(bundles[0]))
	assert.Equal(t, []uint8{ledger.TagKeeperCrank}, testutil.Tags(bundles[1]), "second push is inside the rate limit")
	assert.Equal(t, 1, bus.Len())
}

func TestTick_FailedSubmitKeepsPushAllowance(t *testing.T) {
	l := testutil.NewFakeLedger()
	markets := seedMarkets(l, 1, l.Identity())
	src := testutil.NewFakeSource("primary").Set("SOL", 101*testutil.USD)
	bus := event.NewBus(8)
	metrics := observability.NewTestMetrics()
	ix := ledger.Instructions{ProgramID: solana.NewWallet().PublicKey()}
	feed := oracle.NewFeed([]oracle.Source{src}, l, ix, bus, metrics, oracle.DefaultFeedConfig(), zerolog.Nop())
	feed.SetClock(func() time.Time { return now })
	s := crank.NewScheduler(l, ledger.SlabCodec{}, ix, feed, 1, metrics, zerolog.Nop())

	l.ScriptSubmitErrors(errors.New("connection reset by peer"))
	require.True(t, s.Tick(context.Background(), markets))
	assert.Empty(t, l.Bundles())
	assert.Zero(t, bus.Len())

	// Same instant: the failed push never spent the market's allowance.
	require.True(t, s.Tick(context.Background(), markets))
	bundles := l.Bundles()
	require.Len(t, bundles, 1)
	assert.Equal(t, []uint8{ledger.TagPushPrice, ledger.TagKeeperCrank}, testutil.Tags(bundles[0]))
	assert.Equal(t, 1, bus.Len())
}

func TestTick_FailuresAreIsolated(t *testing.T) {
	l := testutil.NewFakeLedger()
	markets := seedMarkets(l, 3, solana.PublicKey{})
	l.FailFetch(markets[1].Address, errors.New("connection reset"))
	s, m := newScheduler(l, nil, zerolog.Nop())

	require.True(t, s.Tick(context.Background(), markets))
	assert.Len(t, l.Bundles(), 2)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Cranks.WithLabelValues(markets[1].String(), "error")))

	// The next tick proceeds regardless.
	l.FailFetch(markets[1].Address, nil)
	l.ScriptSubmitErrors(errors.New("blockhash not found"))
	require.True(t, s.Tick(context.Background(), markets))
	assert.Len(t, l.Bundles(), 4)
	assert.Equal(t, uint64(2), s.Ticks())
}

func TestTick_WarnsOnStaleCrank(t *testing.T) {
	l := testutil.NewFakeLedger()
	mk := testutil.NewMarket("SOL")
	fx := testutil.DefaultMarket(now)
	fx.CurrentSlot, fx.LastCrankSlot = 5_000, 4_000
	l.SetAccount(mk.Address, fx.Builder().Bytes())

	var buf bytes.Buffer
	s, m := newScheduler(l, nil, zerolog.New(&buf))

	s.Tick(context.Background(), []ledger.Market{mk})
	assert.Contains(t, buf.String(), "market crank is stale")
	assert.Equal(t, 1000.0, promtest.ToFloat64(m.CrankAge.WithLabelValues(mk.String())))
}

// blockingLedger parks every Submit until released.
type blockingLedger struct {
	*testutil.FakeLedger
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingLedger) Submit(ctx context.Context, ixs ...solana.Instruction) (solana.Signature, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.FakeLedger.Submit(ctx, ixs...)
}

func TestTick_SkipsWhilePreviousTickRuns(t *testing.T) {
	fake := testutil.NewFakeLedger()
	markets := seedMarkets(fake, 1, solana.PublicKey{})
	bl := &blockingLedger{FakeLedger: fake, entered: make(chan struct{}), release: make(chan struct{})}
	s, m := newScheduler(bl, nil, zerolog.Nop())

	done := make(chan bool)
	go func() { done <- s.Tick(context.Background(), markets) }()

	<-bl.entered
	assert.False(t, s.Tick(context.Background(), markets))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.CrankSkipped))

	close(bl.release)
	assert.True(t, <-done)
	assert.Len(t, fake.Bundles(), 1)

	assert.True(t, s.Tick(context.Background(), markets), "guard is released after the tick")
}
