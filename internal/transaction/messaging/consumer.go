// Package messaging consumes saga replies from the account service and
// category lifecycle events, settling transactions through the coordinator.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/config"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/events"
)

// SagaCoordinator settles transactions from account-service replies.
type SagaCoordinator interface {
	OnBalanceApplied(ctx context.Context, transactionID uuid.UUID) error
	OnBalanceFailed(ctx context.Context, transactionID uuid.UUID, reason string) error
	OnCompensateFailed(ctx context.Context, transactionID, operationID uuid.UUID, reason string) error
}

// CategoryApplier reacts to category lifecycle events.
type CategoryApplier interface {
	ClearCategory(ctx context.Context, categoryID uuid.UUID) error
	ReassignCategory(ctx context.Context, from, to uuid.UUID) error
}

// Consumer consumes saga replies and category events from RabbitMQ.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	handler *Handler
	log     zerolog.Logger
}

// Handler applies one decoded message. Split from the AMQP plumbing so the
// dispatch logic is testable without a broker.
type Handler struct {
	coordinator SagaCoordinator
	categories  CategoryApplier
	log         zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(coordinator SagaCoordinator, categories CategoryApplier, log zerolog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		categories:  categories,
		log:         log.With().Str("component", "saga-consumer").Logger(),
	}
}

// NewConsumer connects to RabbitMQ, declares the exchange and queue, and
// binds the queue to every reply and category topic.
func NewConsumer(cfg config.RabbitMQConfig, topics config.Topics, handler *Handler, log zerolog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	queue, err := channel.QueueDeclare(
		cfg.Queue, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	bindings := []string{
		topics.TransactionSuccessCreated,
		topics.TransactionBalanceFailure,
		topics.TransactionCompensateFail,
		topics.CategoryChange,
		topics.CategoryDelete,
	}
	for _, key := range bindings {
		if err := channel.QueueBind(queue.Name, key, cfg.Exchange, false, nil); err != nil {
			channel.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to bind queue to %s: %w", key, err)
		}
	}

	log.Info().
		Str("exchange", cfg.Exchange).
		Str("queue", queue.Name).
		Strs("bindings", bindings).
		Msg("saga consumer initialized")

	return &Consumer{
		conn:    conn,
		channel: channel,
		queue:   cfg.Queue,
		handler: handler,
		log:     log,
	}, nil
}

// Start begins consuming messages from the queue until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue, // queue
		"",      // consumer tag (auto-generated)
		false,   // auto-ack (we ack manually)
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.log.Info().Str("queue", c.queue).Msg("saga consumer started")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("saga consumer stopped")
			return nil

		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}

			if err := c.handler.Handle(ctx, msg.Type, msg.Body); err != nil {
				if errors.Is(err, errBadMessage) {
					c.log.Error().Err(err).Str("type", msg.Type).Msg("dropping malformed message")
					msg.Nack(false, false)
					continue
				}
				c.log.Error().Err(err).Str("type", msg.Type).Msg("failed to handle message, requeueing")
				msg.Nack(false, true)
				continue
			}
			msg.Ack(false)
		}
	}
}

// Close closes the RabbitMQ connection and channel.
func (c *Consumer) Close() error {
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.log.Warn().Err(err).Msg("error closing channel")
		}
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

var errBadMessage = errors.New("malformed message")

// Handle dispatches one message by its event type.
func (h *Handler) Handle(ctx context.Context, eventType string, body []byte) error {
	switch eventType {
	case events.TypeTransactionSuccessCreated:
		var ev events.BalanceApplied
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("%w: %v", errBadMessage, err)
		}
		return h.coordinator.OnBalanceApplied(ctx, ev.TransactionID)

	case events.TypeTransactionBalanceFailure:
		var ev events.BalanceFailed
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("%w: %v", errBadMessage, err)
		}
		return h.coordinator.OnBalanceFailed(ctx, ev.TransactionID, ev.Reason)

	case events.TypeTransactionCompensateFail:
		var ev events.CompensateFailed
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("%w: %v", errBadMessage, err)
		}
		return h.coordinator.OnCompensateFailed(ctx, ev.TransactionID, ev.OperationID, ev.Reason)

	case events.TypeCategoryChange:
		var ev events.CategoryChanged
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("%w: %v", errBadMessage, err)
		}
		return h.categories.ReassignCategory(ctx, ev.CategoryID, ev.NewCategoryID)

	case events.TypeCategoryDelete:
		var ev events.CategoryDeleted
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("%w: %v", errBadMessage, err)
		}
		return h.categories.ClearCategory(ctx, ev.CategoryID)

	default:
		h.log.Warn().Str("type", eventType).Msg("ignoring unknown event type")
		return nil
	}
}
