package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// SlabBuilder encodes a market account in the SlabCodec layout. The program
// owns the real accounts; the builder exists for local simulation and fixtures.
type SlabBuilder struct {
	data []byte
}

// NewSlabBuilder returns a full-capacity, empty market account with a valid header.
func NewSlabBuilder() *SlabBuilder {
	b := &SlabBuilder{data: make([]byte, SlabLen)}
	binary.LittleEndian.PutUint64(b.data[headerOffset:], SlabMagic)
	binary.LittleEndian.PutUint32(b.data[headerOffset+8:], SlabVersion)
	return b
}

// FromBytes wraps a copy of existing account data for editing.
func FromBytes(data []byte) *SlabBuilder {
	cp := make([]byte, len(data))
	copy(cp, data)
	return &SlabBuilder{data: cp}
}

func (b *SlabBuilder) SetAdmin(admin solana.PublicKey) *SlabBuilder {
	copy(b.data[headerOffset+16:], admin[:])
	return b
}

func (b *SlabBuilder) SetConfig(c MarketConfig) *SlabBuilder {
	copy(b.data[configOffset:], c.CollateralMint[:])
	copy(b.data[configOffset+32:], c.OracleAuthority[:])
	copy(b.data[configOffset+64:], c.IndexFeed[:])
	binary.LittleEndian.PutUint64(b.data[configOffset+96:], c.AuthorityPriceE6)
	binary.LittleEndian.PutUint64(b.data[configOffset+104:], uint64(c.AuthorityTime))
	binary.LittleEndian.PutUint64(b.data[configOffset+112:], c.MaxStalenessSecs)
	return b
}

// SetPrice overwrites only the authority price and its timestamp.
func (b *SlabBuilder) SetPrice(priceE6 uint64, unixTime int64) *SlabBuilder {
	binary.LittleEndian.PutUint64(b.data[configOffset+96:], priceE6)
	binary.LittleEndian.PutUint64(b.data[configOffset+104:], uint64(unixTime))
	return b
}

func (b *SlabBuilder) SetEngine(e EngineState) *SlabBuilder {
	binary.LittleEndian.PutUint64(b.data[engineOffset:], e.CurrentSlot)
	binary.LittleEndian.PutUint64(b.data[engineOffset+8:], e.LastCrankSlot)
	binary.LittleEndian.PutUint64(b.data[engineOffset+16:], e.MaxCrankStalenessSlots)
	binary.LittleEndian.PutUint64(b.data[engineOffset+24:], uint64(e.FundingIndex))
	binary.LittleEndian.PutUint64(b.data[engineOffset+32:], e.LifetimeLiquidations)
	binary.LittleEndian.PutUint16(b.data[engineOffset+40:], e.NumUsedAccounts)
	binary.LittleEndian.PutUint64(b.data[engineOffset+48:], e.OraclePriceE6)
	binary.LittleEndian.PutUint64(b.data[engineOffset+56:], uint64(e.OracleTime))
	return b
}

// SetIndexPrice overwrites only the engine's last index-feed reading.
func (b *SlabBuilder) SetIndexPrice(priceE6 uint64, unixTime int64) *SlabBuilder {
	binary.LittleEndian.PutUint64(b.data[engineOffset+48:], priceE6)
	binary.LittleEndian.PutUint64(b.data[engineOffset+56:], uint64(unixTime))
	return b
}

func (b *SlabBuilder) SetParams(p RiskParams) *SlabBuilder {
	binary.LittleEndian.PutUint64(b.data[paramsOffset:], p.MaintenanceMarginBps)
	binary.LittleEndian.PutUint64(b.data[paramsOffset+8:], p.InitialMarginBps)
	binary.LittleEndian.PutUint64(b.data[paramsOffset+16:], p.TradingFeeBps)
	binary.LittleEndian.PutUint64(b.data[paramsOffset+24:], p.LiquidationFeeBps)
	binary.LittleEndian.PutUint64(b.data[paramsOffset+32:], p.MaxAccounts)
	return b
}

// PutPosition writes p into its slot and marks the slot occupied.
func (b *SlabBuilder) PutPosition(p Position) *SlabBuilder {
	if int(p.Slot) >= MaxSlots {
		panic(fmt.Sprintf("slot %d out of range", p.Slot))
	}
	off := accountOffset + int(p.Slot)*AccountLen
	b.data[off] = byte(p.Kind)
	copy(b.data[off+8:], p.Owner[:])
	binary.LittleEndian.PutUint64(b.data[off+40:], uint64(p.Size))
	binary.LittleEndian.PutUint64(b.data[off+48:], p.EntryPrice)
	binary.LittleEndian.PutUint64(b.data[off+56:], p.Capital)
	binary.LittleEndian.PutUint64(b.data[off+64:], uint64(p.CachedPnL))
	b.setBit(p.Slot, true)
	return b
}

// FreeSlot clears a slot and its occupancy bit.
func (b *SlabBuilder) FreeSlot(slot uint16) *SlabBuilder {
	off := accountOffset + int(slot)*AccountLen
	clear(b.data[off : off+AccountLen])
	b.setBit(slot, false)
	return b
}

func (b *SlabBuilder) setBit(slot uint16, on bool) {
	off := bitmapOffset + int(slot/64)*8
	word := binary.LittleEndian.Uint64(b.data[off:])
	mask := uint64(1) << (slot % 64)
	if on {
		word |= mask
	} else {
		word &^= mask
	}
	binary.LittleEndian.PutUint64(b.data[off:], word)
}

// Bytes returns a copy of the encoded account.
func (b *SlabBuilder) Bytes() []byte {
	cp := make([]byte, len(b.data))
	copy(cp, b.data)
	return cp
}
