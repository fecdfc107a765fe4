package event

import "fmt"

// PriceUpdated is emitted after the keeper pushed a price on-ledger.
type PriceUpdated struct {
	Market    string `json:"market"`
	PriceE6   uint64 `json:"price_e6"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

func (p *PriceUpdated) EventType() EventType {
	return EventTypePriceUpdated
}

func (p *PriceUpdated) MarketID() string {
	return p.Market
}

func (p *PriceUpdated) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", p.Market, p.Timestamp)
}
