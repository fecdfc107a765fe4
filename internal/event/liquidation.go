package event

import "fmt"

// LiquidationSuccess is emitted after the ledger accepted a liquidation bundle.
type LiquidationSuccess struct {
	Market    string `json:"market"`
	SlotIndex uint16 `json:"slot_index"`
	Signature string `json:"signature"`
}

func (l *LiquidationSuccess) EventType() EventType {
	return EventTypeLiquidationSuccess
}

func (l *LiquidationSuccess) MarketID() string {
	return l.Market
}

func (l *LiquidationSuccess) IdempotencyKey() string {
	return l.Signature
}

// LiquidationFailure is emitted when a liquidation bundle could not be submitted.
type LiquidationFailure struct {
	Market    string `json:"market"`
	SlotIndex uint16 `json:"slot_index"`
	Error     string `json:"error"`
}

func (l *LiquidationFailure) EventType() EventType {
	return EventTypeLiquidationFailure
}

func (l *LiquidationFailure) MarketID() string {
	return l.Market
}

func (l *LiquidationFailure) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d:%s", l.Market, l.SlotIndex, l.Error)
}
