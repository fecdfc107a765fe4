package testutil

import (
	"PerpKeeper/internal/ledger"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
)

// TestNATSURL returns the NATS URL for integration tests.
func TestNATSURL() string {
	if url := os.Getenv("TEST_NATS_URL"); url != "" {
		return url
	}
	return "nats://localhost:4223"
}

// TestRedisAddr returns the Redis address for integration tests.
func TestRedisAddr() string {
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6380"
}

// USD is one dollar in 6-decimal fixed point.
const USD = 1_000_000

// FakeLedger is an in-memory ledger.Client. Submitted bundles are recorded
// and, unless an error is scripted, handed to OnSubmit so tests can mutate
// account state the way the program would.
type FakeLedger struct {
	mu       sync.Mutex
	identity solana.PrivateKey
	accounts map[solana.PublicKey][]byte
	fetchErr map[solana.PublicKey]error

	submitErrs []error
	bundles    [][]solana.Instruction
	fetches    int

	// OnSubmit runs under the ledger lock for each accepted bundle.
	OnSubmit func(l *FakeLedger, ixs []solana.Instruction)
}

var _ ledger.Client = (*FakeLedger)(nil)

func NewFakeLedger() *FakeLedger {
	return &FakeLedger{
		identity: solana.NewWallet().PrivateKey,
		accounts: make(map[solana.PublicKey][]byte),
		fetchErr: make(map[solana.PublicKey]error),
	}
}

func (l *FakeLedger) Identity() solana.PublicKey {
	return l.identity.PublicKey()
}

// SetAccount stores a copy of data under address.
func (l *FakeLedger) SetAccount(address solana.PublicKey, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setAccountLocked(address, data)
}

func (l *FakeLedger) setAccountLocked(address solana.PublicKey, data []byte) {
	l.accounts[address] = append([]byte(nil), data...)
}

// Mutate rewrites an account in place through a slab builder.
func (l *FakeLedger) Mutate(address solana.PublicKey, fn func(b *ledger.SlabBuilder)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.MutateLocked(address, fn)
}

// MutateLocked is Mutate for use inside OnSubmit.
func (l *FakeLedger) MutateLocked(address solana.PublicKey, fn func(b *ledger.SlabBuilder)) {
	b := ledger.FromBytes(append([]byte(nil), l.accounts[address]...))
	fn(b)
	l.setAccountLocked(address, b.Bytes())
}

// FailFetch makes every read of address fail with err; nil clears it.
func (l *FakeLedger) FailFetch(address solana.PublicKey, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.fetchErr, address)
		return
	}
	l.fetchErr[address] = err
}

// ScriptSubmitErrors queues errors returned by the next submissions, in order.
func (l *FakeLedger) ScriptSubmitErrors(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitErrs = append(l.submitErrs, errs...)
}

func (l *FakeLedger) FetchAccount(ctx context.Context, address solana.PublicKey) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.fetches++
	if err := l.fetchErr[address]; err != nil {
		return nil, err
	}
	data, ok := l.accounts[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, address)
	}
	return append([]byte(nil), data...), nil
}

func (l *FakeLedger) Submit(ctx context.Context, ixs ...solana.Instruction) (solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.submitErrs) > 0 {
		err := l.submitErrs[0]
		l.submitErrs = l.submitErrs[1:]
		if err != nil {
			return solana.Signature{}, err
		}
	}

	l.bundles = append(l.bundles, ixs)
	if l.OnSubmit != nil {
		l.OnSubmit(l, ixs)
	}

	var sig solana.Signature
	copy(sig[:], fmt.Sprintf("sig-%06d", len(l.bundles)))
	return sig, nil
}

// Bundles returns every accepted submission.
func (l *FakeLedger) Bundles() [][]solana.Instruction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]solana.Instruction(nil), l.bundles...)
}

// Fetches is the number of account reads served.
func (l *FakeLedger) Fetches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fetches
}

// Tags returns the instruction tag sequence of a bundle.
func Tags(ixs []solana.Instruction) []uint8 {
	out := make([]uint8, 0, len(ixs))
	for _, ix := range ixs {
		data, err := ix.Data()
		if err != nil || len(data) == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, data[0])
	}
	return out
}

// FakeSource is a scripted price source.
type FakeSource struct {
	mu     sync.Mutex
	name   string
	prices map[string]uint64
	err    error
	calls  int
}

func NewFakeSource(name string) *FakeSource {
	return &FakeSource{name: name, prices: make(map[string]uint64)}
}

func (s *FakeSource) Name() string { return s.name }

func (s *FakeSource) Set(asset string, priceE6 uint64) *FakeSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[asset] = priceE6
	return s
}

func (s *FakeSource) Fail(err error) *FakeSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

func (s *FakeSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var errNoQuote = errors.New("no quote")

func (s *FakeSource) FetchPrice(_ context.Context, asset string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	p, ok := s.prices[asset]
	if !ok {
		return 0, errNoQuote
	}
	return p, nil
}

// MarketFixture describes a market account for tests.
type MarketFixture struct {
	Authority      solana.PublicKey
	// IndexFeed, when set, makes the market externally fed: PriceE6 and
	// PriceTime become the engine's index reading and no authority price exists.
	IndexFeed      solana.PublicKey
	PriceE6        uint64
	PriceTime      time.Time
	MaxStaleness   uint64
	MaintenanceBps uint64
	CurrentSlot    uint64
	LastCrankSlot  uint64
	Lifetime       uint64
}

// DefaultMarket is a $100 market priced now with a 60s staleness bound and 5% maintenance.
func DefaultMarket(now time.Time) MarketFixture {
	return MarketFixture{
		PriceE6:        100 * USD,
		PriceTime:      now,
		MaxStaleness:   60,
		MaintenanceBps: 500,
		CurrentSlot:    1_000,
		LastCrankSlot:  1_000,
	}
}

// Builder returns a slab builder initialised from the fixture.
func (f MarketFixture) Builder() *ledger.SlabBuilder {
	cfg := ledger.MarketConfig{
		OracleAuthority:  f.Authority,
		IndexFeed:        f.IndexFeed,
		MaxStalenessSecs: f.MaxStaleness,
	}
	engine := ledger.EngineState{
		CurrentSlot:            f.CurrentSlot,
		LastCrankSlot:          f.LastCrankSlot,
		MaxCrankStalenessSlots: 150,
		LifetimeLiquidations:   f.Lifetime,
	}
	if cfg.ExternallyFed() {
		engine.OraclePriceE6, engine.OracleTime = f.PriceE6, f.PriceTime.Unix()
	} else {
		cfg.AuthorityPriceE6, cfg.AuthorityTime = f.PriceE6, f.PriceTime.Unix()
	}
	return ledger.NewSlabBuilder().
		SetConfig(cfg).
		SetEngine(engine).
		SetParams(ledger.RiskParams{MaintenanceMarginBps: f.MaintenanceBps, InitialMarginBps: 2 * f.MaintenanceBps})
}

// Long is a trading position of size units at entry with capital, all in dollars.
func Long(slot uint16, size int64, entry, capital uint64) ledger.Position {
	return ledger.Position{
		Slot:       slot,
		Kind:       ledger.KindTrading,
		Owner:      solana.NewWallet().PublicKey(),
		Size:       size * USD,
		EntryPrice: entry * USD,
		Capital:    capital * USD,
	}
}

// NewMarket returns a market with a random address.
func NewMarket(asset string) ledger.Market {
	return ledger.Market{Address: solana.NewWallet().PublicKey(), Asset: asset}
}
