package ledger

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"slices"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Codec decodes a raw market account into typed views.
// Implementations must be pure: the same bytes always decode the same way.
type Codec interface {
	DecodeHeader(data []byte) (Header, error)
	DecodeConfig(data []byte) (MarketConfig, error)
	DecodeEngine(data []byte) (EngineState, error)
	DecodeParams(data []byte) (RiskParams, error)
	// OccupiedSlots returns the occupied slot indices in ascending order.
	// The set is sparse; indices need not be contiguous.
	OccupiedSlots(data []byte) ([]uint16, error)
	DecodePosition(data []byte, slot uint16) (Position, error)
}

// Slab layout (little endian). All offsets are from the start of the account.
const (
	SlabMagic   uint64 = 0x534c41424b505250 // "PRPKBALS"
	SlabVersion uint32 = 1

	MaxSlots = 4096

	headerOffset  = 0
	configOffset  = 48
	engineOffset  = 168
	paramsOffset  = 232
	bitmapOffset  = 272
	bitmapWords   = MaxSlots / 64
	accountOffset = bitmapOffset + bitmapWords*8

	AccountLen = 80

	// SlabLen is the size of a full-capacity market account.
	SlabLen = accountOffset + MaxSlots*AccountLen
)

// SlabCodec decodes the program's fixed slab layout.
type SlabCodec struct{}

var _ Codec = SlabCodec{}

func need(data []byte, end int) error {
	if len(data) < end {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrShortData, len(data), end)
	}
	return nil
}

func readKey(data []byte, off int) solana.PublicKey {
	var k solana.PublicKey
	copy(k[:], data[off:off+32])
	return k
}

func (SlabCodec) DecodeHeader(data []byte) (Header, error) {
	if err := need(data, configOffset); err != nil {
		return Header{}, err
	}
	h := Header{
		Magic:   binary.LittleEndian.Uint64(data[headerOffset:]),
		Version: binary.LittleEndian.Uint32(data[headerOffset+8:]),
		Bump:    data[headerOffset+12],
		Admin:   readKey(data, headerOffset+16),
	}
	if h.Magic != SlabMagic {
		return Header{}, fmt.Errorf("%w: got %#x", ErrBadMagic, h.Magic)
	}
	return h, nil
}

func (SlabCodec) DecodeConfig(data []byte) (MarketConfig, error) {
	if err := need(data, engineOffset); err != nil {
		return MarketConfig{}, err
	}
	return MarketConfig{
		CollateralMint:   readKey(data, configOffset),
		OracleAuthority:  readKey(data, configOffset+32),
		IndexFeed:        readKey(data, configOffset+64),
		AuthorityPriceE6: binary.LittleEndian.Uint64(data[configOffset+96:]),
		AuthorityTime:    int64(binary.LittleEndian.Uint64(data[configOffset+104:])),
		MaxStalenessSecs: binary.LittleEndian.Uint64(data[configOffset+112:]),
	}, nil
}

func (SlabCodec) DecodeEngine(data []byte) (EngineState, error) {
	if err := need(data, paramsOffset); err != nil {
		return EngineState{}, err
	}
	return EngineState{
		CurrentSlot:            binary.LittleEndian.Uint64(data[engineOffset:]),
		LastCrankSlot:          binary.LittleEndian.Uint64(data[engineOffset+8:]),
		MaxCrankStalenessSlots: binary.LittleEndian.Uint64(data[engineOffset+16:]),
		FundingIndex:           int64(binary.LittleEndian.Uint64(data[engineOffset+24:])),
		LifetimeLiquidations:   binary.LittleEndian.Uint64(data[engineOffset+32:]),
		NumUsedAccounts:        binary.LittleEndian.Uint16(data[engineOffset+40:]),
		OraclePriceE6:          binary.LittleEndian.Uint64(data[engineOffset+48:]),
		OracleTime:             int64(binary.LittleEndian.Uint64(data[engineOffset+56:])),
	}, nil
}

func (SlabCodec) DecodeParams(data []byte) (RiskParams, error) {
	if err := need(data, bitmapOffset); err != nil {
		return RiskParams{}, err
	}
	return RiskParams{
		MaintenanceMarginBps: binary.LittleEndian.Uint64(data[paramsOffset:]),
		InitialMarginBps:     binary.LittleEndian.Uint64(data[paramsOffset+8:]),
		TradingFeeBps:        binary.LittleEndian.Uint64(data[paramsOffset+16:]),
		LiquidationFeeBps:    binary.LittleEndian.Uint64(data[paramsOffset+24:]),
		MaxAccounts:          binary.LittleEndian.Uint64(data[paramsOffset+32:]),
	}, nil
}

// OccupiedSlots walks the occupancy bitmap one word at a time, so empty
// regions of the table cost one comparison per 64 slots.
func (SlabCodec) OccupiedSlots(data []byte) ([]uint16, error) {
	if err := need(data, accountOffset); err != nil {
		return nil, err
	}

	var slots []uint16
	for w := 0; w < bitmapWords; w++ {
		word := binary.LittleEndian.Uint64(data[bitmapOffset+w*8:])
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			slots = append(slots, uint16(w*64+bit))
			word &= word - 1
		}
	}
	return slots, nil
}

func (SlabCodec) DecodePosition(data []byte, slot uint16) (Position, error) {
	if int(slot) >= MaxSlots {
		return Position{}, fmt.Errorf("%w: %d", ErrSlotOutOfRange, slot)
	}
	off := accountOffset + int(slot)*AccountLen
	if err := need(data, off+AccountLen); err != nil {
		return Position{}, err
	}

	kind := PositionKind(data[off])
	if !kind.Valid() {
		return Position{}, fmt.Errorf("slot %d: unknown position kind %d", slot, data[off])
	}

	return Position{
		Slot:       slot,
		Kind:       kind,
		Owner:      readKey(data, off+8),
		Size:       int64(binary.LittleEndian.Uint64(data[off+40:])),
		EntryPrice: binary.LittleEndian.Uint64(data[off+48:]),
		Capital:    binary.LittleEndian.Uint64(data[off+56:]),
		CachedPnL:  int64(binary.LittleEndian.Uint64(data[off+64:])),
	}, nil
}

// Snapshot is one decoded read of a market account.
type Snapshot struct {
	Market   Market
	Header   Header
	Config   MarketConfig
	Engine   EngineState
	Params   RiskParams
	Occupied []uint16
	// FetchedAt is the keeper wall-clock time of the read.
	FetchedAt time.Time

	codec Codec
	data  []byte
}

// Decode runs every codec view over data.
func Decode(codec Codec, market Market, data []byte, fetchedAt time.Time) (*Snapshot, error) {
	header, err := codec.DecodeHeader(data)
	if err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	cfg, err := codec.DecodeConfig(data)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	engine, err := codec.DecodeEngine(data)
	if err != nil {
		return nil, fmt.Errorf("decode engine: %w", err)
	}
	params, err := codec.DecodeParams(data)
	if err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	occupied, err := codec.OccupiedSlots(data)
	if err != nil {
		return nil, fmt.Errorf("decode occupancy: %w", err)
	}

	return &Snapshot{
		Market:    market,
		Header:    header,
		Config:    cfg,
		Engine:    engine,
		Params:    params,
		Occupied:  occupied,
		FetchedAt: fetchedAt,
		codec:     codec,
		data:      data,
	}, nil
}

// Position decodes one slot of the snapshot.
func (s *Snapshot) Position(slot uint16) (Position, error) {
	return s.codec.DecodePosition(s.data, slot)
}

// IsOccupied reports whether slot is in the occupancy set.
func (s *Snapshot) IsOccupied(slot uint16) bool {
	_, found := slices.BinarySearch(s.Occupied, slot)
	return found
}

// ReferencePrice is the market's current oracle price, see OraclePrice.
func (s *Snapshot) ReferencePrice() uint64 {
	price, _ := OraclePrice(s.Config, s.Engine)
	return price
}

// PriceAge is the age of the reference price at now in whole seconds,
// matching the ledger's unix-second clock.
func (s *Snapshot) PriceAge(now time.Time) time.Duration {
	_, published := OraclePrice(s.Config, s.Engine)
	return time.Duration(now.Unix()-published) * time.Second
}
