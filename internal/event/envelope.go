package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for outbound keeper events
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeLiquidationSuccess
	EventTypeLiquidationFailure
	EventTypePriceUpdated
)

// Event is the interface all outbound event payloads implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market account address
	MarketID() string

	// IdempotencyKey returns a key stable across re-emission of the same fact
	IdempotencyKey() string
}

// Envelope wraps every event handed to subscribers.
type Envelope struct {
	ID        uuid.UUID `json:"id"`
	EventType string    `json:"event_type"`
	MarketID  string    `json:"market_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Event     `json:"payload"`
}

// Wrap stamps an event with a fresh id and time.
func Wrap(evt Event, now time.Time) Envelope {
	return Envelope{
		ID:        uuid.New(),
		EventType: evt.EventType().String(),
		MarketID:  evt.MarketID(),
		Timestamp: now,
		Payload:   evt,
	}
}

// String returns the wire name used by subscribers.
func (et EventType) String() string {
	switch et {
	case EventTypeLiquidationSuccess:
		return "liquidation.success"
	case EventTypeLiquidationFailure:
		return "liquidation.failure"
	case EventTypePriceUpdated:
		return "price.updated"
	default:
		return "unknown"
	}
}
