package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/breaker"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/config"
)

// RelayStore is the persistence surface the Relay needs.
type RelayStore interface {
	ClaimBatch(ctx context.Context, limit int, lease time.Duration) ([]*Event, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
}

// Publisher delivers a single event to the message bus, blocking until the
// broker acks it or the context expires.
type Publisher interface {
	Publish(ctx context.Context, topic, eventType string, eventID, aggregateID string, body []byte) error
}

// Relay periodically sweeps the outbox and publishes due events. Claiming
// happens per batch inside the store (IN_PROGRESS acts as a lease), publish
// outcomes are recorded per event, and one event's failure never aborts the
// batch. Delivery is at-least-once: a crash between broker ack and
// MarkPublished re-delivers the event on a later sweep, so consumers must
// deduplicate.
type Relay struct {
	store     RelayStore
	publisher Publisher
	breaker   *breaker.Breaker
	cfg       config.OutboxConfig
	log       zerolog.Logger
}

// NewRelay creates a new Relay.
func NewRelay(store RelayStore, publisher Publisher, br *breaker.Breaker, cfg config.OutboxConfig, log zerolog.Logger) *Relay {
	return &Relay{
		store:     store,
		publisher: publisher,
		breaker:   br,
		cfg:       cfg,
		log:       log.With().Str("component", "outbox-relay").Logger(),
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.cfg.Interval).Msg("outbox relay started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("outbox relay stopped")
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.log.Error().Err(err).Msg("outbox sweep failed")
			}
		}
	}
}

// Sweep claims one batch of due events and publishes them in creation order.
func (r *Relay) Sweep(ctx context.Context) error {
	events, err := r.store.ClaimBatch(ctx, r.cfg.BatchSize, r.cfg.Lease)
	if err != nil {
		return err
	}

	for _, event := range events {
		if err := r.publish(ctx, event); err != nil {
			r.log.Warn().
				Err(err).
				Str("event_id", event.ID.String()).
				Str("event_type", event.EventType).
				Int("attempts", event.Attempts+1).
				Msg("failed to publish outbox event")

			if markErr := r.store.MarkFailed(ctx, event.ID); markErr != nil {
				r.log.Error().Err(markErr).Str("event_id", event.ID.String()).Msg("failed to mark outbox event FAILED")
			}
			continue
		}

		if markErr := r.store.MarkPublished(ctx, event.ID); markErr != nil {
			// The broker already has the event; the consumer's dedup
			// absorbs the redelivery caused by the stale row.
			r.log.Error().Err(markErr).Str("event_id", event.ID.String()).Msg("failed to mark outbox event PUBLISHED")
			continue
		}

		r.log.Debug().
			Str("event_id", event.ID.String()).
			Str("event_type", event.EventType).
			Str("topic", event.Topic).
			Msg("outbox event published")
	}

	return nil
}

func (r *Relay) publish(ctx context.Context, event *Event) error {
	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	return r.breaker.Do(func() error {
		return r.publisher.Publish(
			pubCtx,
			event.Topic,
			event.EventType,
			event.ID.String(),
			event.AggregateID.String(),
			event.Payload,
		)
	})
}
