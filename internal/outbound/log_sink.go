package outbound

import (
	"PerpKeeper/internal/event"
	"context"

	"github.com/rs/zerolog"
)

// LogSink drains the bus into the log when no broker is configured.
type LogSink struct {
	inputChan <-chan event.Envelope
	logger    zerolog.Logger
}

func NewLogSink(inputChan <-chan event.Envelope, logger zerolog.Logger) *LogSink {
	return &LogSink{inputChan: inputChan, logger: logger}
}

func (s *LogSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-s.inputChan:
			if !ok {
				return nil
			}
			s.logger.Info().
				Str("event_id", env.ID.String()).
				Str("event_type", env.EventType).
				Str("market", env.MarketID).
				Interface("payload", env.Payload).
				Msg("event")
		}
	}
}
