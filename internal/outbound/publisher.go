// Package outbound delivers keeper events to downstream subscribers.
package outbound

import (
	"PerpKeeper/internal/event"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	StreamName    = "PERP_KEEPER_EVENTS"
	SubjectPrefix = "perp.keeper.events"
)

// Publisher is the JetStream publish surface used by the publisher.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Subject is perp.keeper.events.{event_type}.{market_id}.
func Subject(env event.Envelope) string {
	subject := fmt.Sprintf("%s.%s", SubjectPrefix, env.EventType)
	if env.MarketID != "" {
		subject = fmt.Sprintf("%s.%s", subject, env.MarketID)
	}
	return subject
}

// NATSPublisher forwards events from the bus to JetStream.
type NATSPublisher struct {
	js        Publisher
	inputChan <-chan event.Envelope
	logger    zerolog.Logger
}

func NewNATSPublisher(js Publisher, inputChan <-chan event.Envelope, logger zerolog.Logger) *NATSPublisher {
	return &NATSPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run publishes until ctx is cancelled or the input channel closes.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.inputChan:
			if !ok {
				return nil
			}

			if err := p.publish(ctx, env); err != nil {
				// Non-fatal: events are notifications, ledger state is authoritative.
				p.logger.Warn().Err(err).
					Str("event_id", env.ID.String()).
					Str("event_type", env.EventType).
					Msg("outbound publish failed")
			}
		}
	}
}

func (p *NATSPublisher) publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Message id lets JetStream drop a duplicate publish of the same envelope.
	_, err = p.js.Publish(ctx, Subject(env), data, jetstream.WithMsgID(env.ID.String()))
	return err
}

// EnsureStream creates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", StreamName).Msg("ensured outbound stream")
	return nil
}
