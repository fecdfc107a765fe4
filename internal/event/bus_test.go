package event_test

import (
	"PerpKeeper/internal/event"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_EmitWrapsEvent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	bus := event.NewBus(4, event.WithClock(func() time.Time { return now }))

	bus.Emit(&event.LiquidationSuccess{Market: "mkt", SlotIndex: 7, Signature: "sig"})

	env := <-bus.Events()
	assert.Equal(t, "liquidation.success", env.EventType)
	assert.Equal(t, "mkt", env.MarketID)
	assert.Equal(t, now, env.Timestamp)
	assert.NotEmpty(t, env.ID.String())

	payload, ok := env.Payload.(*event.LiquidationSuccess)
	require.True(t, ok)
	assert.Equal(t, uint16(7), payload.SlotIndex)
}

func TestBus_DropsWhenFull(t *testing.T) {
	var dropped []event.Envelope
	bus := event.NewBus(1, event.WithDropHook(func(e event.Envelope) { dropped = append(dropped, e) }))

	bus.Emit(&event.PriceUpdated{Market: "a"})
	bus.Emit(&event.PriceUpdated{Market: "b"})

	assert.Equal(t, 1, bus.Len())
	require.Len(t, dropped, 1)
	assert.Equal(t, "b", dropped[0].MarketID)
}

func TestBus_EmitAfterCloseIsNoop(t *testing.T) {
	bus := event.NewBus(1)
	bus.Close()
	bus.Close()

	assert.NotPanics(t, func() {
		bus.Emit(&event.LiquidationFailure{Market: "m", Error: "x"})
	})
	_, open := <-bus.Events()
	assert.False(t, open)
}

func TestEventType_WireNames(t *testing.T) {
	assert.Equal(t, "liquidation.failure", event.EventTypeLiquidationFailure.String())
	assert.Equal(t, "price.updated", event.EventTypePriceUpdated.String())
	assert.Equal(t, "unknown", event.EventTypeUnknown.String())
}
