package ledger

import (
	"encoding/binary"
	"math"

	"github.com/gagliardetto/solana-go"
)

// Instruction tags understood by the perpetuals program.
const (
	TagKeeperCrank uint8 = 5
	TagLiquidate   uint8 = 7
	TagPushPrice   uint8 = 17

	// CallerNone is the crank caller index meaning "no specific caller".
	CallerNone uint16 = math.MaxUint16
)

// EncodePushPrice builds the PushPrice payload: tag, price (u64), timestamp (i64).
func EncodePushPrice(priceE6 uint64, unixTime int64) []byte {
	buf := make([]byte, 17)
	buf[0] = TagPushPrice
	binary.LittleEndian.PutUint64(buf[1:], priceE6)
	binary.LittleEndian.PutUint64(buf[9:], uint64(unixTime))
	return buf
}

// EncodeCrank builds the crank payload: tag, caller index (u16), allow-partial flag (u8).
func EncodeCrank(callerIndex uint16, allowPartial bool) []byte {
	buf := make([]byte, 4)
	buf[0] = TagKeeperCrank
	binary.LittleEndian.PutUint16(buf[1:], callerIndex)
	if allowPartial {
		buf[3] = 1
	}
	return buf
}

// EncodeLiquidate builds the liquidate payload: tag, target slot (u16).
func EncodeLiquidate(slot uint16) []byte {
	buf := make([]byte, 3)
	buf[0] = TagLiquidate
	binary.LittleEndian.PutUint16(buf[1:], slot)
	return buf
}

// Instructions builds program instructions with the program's fixed account order.
type Instructions struct {
	ProgramID solana.PublicKey
}

// OracleAccount is the price account the engine reads for market: the external
// feed when configured, otherwise the market account itself.
func OracleAccount(market solana.PublicKey, cfg MarketConfig) solana.PublicKey {
	if cfg.ExternallyFed() {
		return cfg.IndexFeed
	}
	return market
}

// PushPrice accounts: [authority (signer), market (writable)].
func (b Instructions) PushPrice(authority, market solana.PublicKey, priceE6 uint64, unixTime int64) solana.Instruction {
	return solana.NewInstruction(b.ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(authority, true, true),
		solana.NewAccountMeta(market, true, false),
	}, EncodePushPrice(priceE6, unixTime))
}

// Crank accounts: [caller (signer), market (writable), clock, oracle].
func (b Instructions) Crank(caller, market, oracle solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(b.ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(caller, true, true),
		solana.NewAccountMeta(market, true, false),
		solana.NewAccountMeta(solana.SysVarClockPubkey, false, false),
		solana.NewAccountMeta(oracle, false, false),
	}, EncodeCrank(CallerNone, false))
}

// Liquidate accounts: [caller (signer), market (writable), clock, oracle].
func (b Instructions) Liquidate(caller, market, oracle solana.PublicKey, slot uint16) solana.Instruction {
	return solana.NewInstruction(b.ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(caller, true, true),
		solana.NewAccountMeta(market, true, false),
		solana.NewAccountMeta(solana.SysVarClockPubkey, false, false),
		solana.NewAccountMeta(oracle, false, false),
	}, EncodeLiquidate(slot))
}
