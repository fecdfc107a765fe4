// Package ledger is the keeper's boundary with the on-ledger perpetuals program:
// typed views of a market account, the codec that produces them, the
// instructions the keeper is allowed to submit and the RPC client that ships them.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrAccountNotFound = errors.New("market account not found")
	ErrShortData       = errors.New("market account data too short")
	ErrBadMagic        = errors.New("market account magic mismatch")
	ErrSlotOutOfRange  = errors.New("slot index out of range")
)

// Market identifies one tracked market: its ledger account and the asset
// symbol external price sources quote it under.
type Market struct {
	Address solana.PublicKey
	Asset   string
}

func (m Market) String() string {
	return m.Address.String()
}

// PositionKind is the closed set of position-slot kinds.
type PositionKind uint8

const (
	KindTrading PositionKind = iota
	KindLP
)

func (k PositionKind) String() string {
	switch k {
	case KindTrading:
		return "Trading"
	case KindLP:
		return "LP"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the known kinds.
func (k PositionKind) Valid() bool {
	return k == KindTrading || k == KindLP
}

// Header is the fixed prefix of a market account.
type Header struct {
	Magic   uint64
	Version uint32
	Bump    uint8
	Admin   solana.PublicKey
}

// MarketConfig holds the oracle configuration of a market.
type MarketConfig struct {
	CollateralMint  solana.PublicKey
	OracleAuthority solana.PublicKey
	// IndexFeed is the external price-feed account; zero means the market is
	// priced by pushes from OracleAuthority.
	IndexFeed        solana.PublicKey
	AuthorityPriceE6 uint64 // 6 implied decimals
	AuthorityTime    int64  // unix seconds
	MaxStalenessSecs uint64
}

// ExternallyFed reports whether the market reads an external price feed
// instead of authority pushes.
func (c MarketConfig) ExternallyFed() bool {
	return c.IndexFeed != (solana.PublicKey{})
}

// StalenessBound is the oracle-staleness bound for the market. A positive
// keeperCap tightens the market's own bound but never relaxes it.
func (c MarketConfig) StalenessBound(keeperCap time.Duration) time.Duration {
	bound := time.Duration(math.MaxInt64)
	if c.MaxStalenessSecs < uint64(math.MaxInt64/int64(time.Second)) {
		bound = time.Duration(c.MaxStalenessSecs) * time.Second
	}
	if keeperCap > 0 && keeperCap < bound {
		bound = keeperCap
	}
	return bound
}

// OraclePrice returns the price the engine evaluates margin against and its
// publish time in unix seconds: the authority push for authority-priced
// markets, the engine's last index-feed reading for externally fed ones.
func OraclePrice(cfg MarketConfig, engine EngineState) (priceE6 uint64, unixTime int64) {
	if cfg.ExternallyFed() {
		return engine.OraclePriceE6, engine.OracleTime
	}
	return cfg.AuthorityPriceE6, cfg.AuthorityTime
}

// EngineState holds the time-dependent engine fields advanced by a crank.
type EngineState struct {
	CurrentSlot            uint64
	LastCrankSlot          uint64
	MaxCrankStalenessSlots uint64
	FundingIndex           int64
	LifetimeLiquidations   uint64
	NumUsedAccounts        uint16
	// OraclePriceE6 and OracleTime are the index-feed reading the engine took
	// at the last crank. Externally fed markets are evaluated against them.
	OraclePriceE6 uint64
	OracleTime    int64 // unix seconds
}

// CrankAge is the number of slots since the last crank.
func (e EngineState) CrankAge() uint64 {
	if e.CurrentSlot <= e.LastCrankSlot {
		return 0
	}
	return e.CurrentSlot - e.LastCrankSlot
}

// RiskParams are the margin parameters of a market, in basis points.
type RiskParams struct {
	MaintenanceMarginBps uint64
	InitialMarginBps     uint64
	TradingFeeBps        uint64
	LiquidationFeeBps    uint64
	MaxAccounts          uint64
}

// Position is one occupied slot of a market's position table.
type Position struct {
	Slot       uint16
	Kind       PositionKind
	Owner      solana.PublicKey
	Size       int64  // signed, positive = long
	EntryPrice uint64 // 6 implied decimals
	Capital    uint64
	CachedPnL  int64 // last-cranked PnL, stale between cranks
}

// IsFlat returns true if position has no exposure
func (p Position) IsFlat() bool {
	return p.Size == 0
}

// IsLong returns true for a positive size.
func (p Position) IsLong() bool {
	return p.Size > 0
}
