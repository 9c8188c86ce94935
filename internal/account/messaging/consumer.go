// Package messaging consumes balance commands from the event bus and applies
// them through the balance service. Replies travel back through the outbox,
// never directly: the success event commits in the same database transaction
// as the balance mutation itself.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/account/domain"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/config"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/events"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/money"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/outbox"
)

// BalanceApplier is the slice of the balance service the consumer needs.
type BalanceApplier interface {
	UpdateBalance(ctx context.Context, accountID, operationID uuid.UUID, amount decimal.Decimal, onApplied func(txCtx context.Context) error) error
}

// Consumer consumes balance commands from RabbitMQ.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	handler *Handler
	log     zerolog.Logger
}

// Handler applies one decoded message. Split from the AMQP plumbing so the
// dispatch and reply logic is testable without a broker.
type Handler struct {
	balance BalanceApplier
	writer  *outbox.Writer
	topics  config.Topics
	log     zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(balance BalanceApplier, writer *outbox.Writer, topics config.Topics, log zerolog.Logger) *Handler {
	return &Handler{
		balance: balance,
		writer:  writer,
		topics:  topics,
		log:     log.With().Str("component", "balance-consumer").Logger(),
	}
}

// NewConsumer connects to RabbitMQ, declares the exchange and queue, and
// binds the queue to every balance-command topic.
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
		topics.TransactionCreated,
		topics.TransactionCancelled,
		topics.TransactionCompensate,
		topics.TransactionCompensateDiff,
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
		Msg("balance consumer initialized")

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

	c.log.Info().Str("queue", c.queue).Msg("balance consumer started")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("balance consumer stopped")
			return nil

		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}

			if err := c.handler.Handle(ctx, msg.Type, msg.Body); err != nil {
				if errors.Is(err, errBadMessage) {
					// Malformed payloads never become processable;
					// drop instead of requeueing a poison message.
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

// Handle dispatches one message by its event type. Terminal business
// failures are converted into failure events and reported as handled;
// infrastructure errors propagate so the delivery is retried.
func (h *Handler) Handle(ctx context.Context, eventType string, body []byte) error {
	switch eventType {
	case events.TypeTransactionCreated:
		return h.handleCreated(ctx, body)
	case events.TypeTransactionCancelled, events.TypeTransactionCompensate, events.TypeTransactionCompensateDiff:
		return h.handleCompensate(ctx, body)
	default:
		h.log.Warn().Str("type", eventType).Msg("ignoring unknown event type")
		return nil
	}
}

func (h *Handler) handleCreated(ctx context.Context, body []byte) error {
	var ev events.TransactionCreated
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %v", errBadMessage, err)
	}

	amount, err := money.Parse(ev.Amount)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadMessage, err)
	}

	operationID := ev.OperationID
	if operationID == uuid.Nil {
		operationID = ev.TransactionID
	}

	err = h.balance.UpdateBalance(ctx, ev.AccountID, operationID, amount, func(txCtx context.Context) error {
		return h.writer.SaveEvent(txCtx,
			events.AggregateTransaction, ev.TransactionID,
			h.topics.TransactionSuccessCreated, events.TypeTransactionSuccessCreated,
			events.BalanceApplied{
				EventID:       uuid.New(),
				TransactionID: ev.TransactionID,
				AccountID:     ev.AccountID,
				Timestamp:     time.Now().UTC(),
			})
	})
	if err == nil {
		h.log.Info().
			Str("transaction_id", ev.TransactionID.String()).
			Str("account_id", ev.AccountID.String()).
			Str("amount", ev.Amount).
			Msg("balance applied")
		return nil
	}

	if !isTerminalBalanceFailure(err) {
		return fmt.Errorf("failed to apply balance for transaction %s: %w", ev.TransactionID, err)
	}

	// Terminal business failure: tell the saga coordinator, then ack.
	h.log.Warn().
		Err(err).
		Str("transaction_id", ev.TransactionID.String()).
		Str("account_id", ev.AccountID.String()).
		Msg("balance application failed")

	return h.writer.SaveEvent(ctx,
		events.AggregateTransaction, ev.TransactionID,
		h.topics.TransactionBalanceFailure, events.TypeTransactionBalanceFailure,
		events.BalanceFailed{
			EventID:       uuid.New(),
			TransactionID: ev.TransactionID,
			AccountID:     ev.AccountID,
			Reason:        err.Error(),
			Timestamp:     time.Now().UTC(),
		})
}

func (h *Handler) handleCompensate(ctx context.Context, body []byte) error {
	var ev events.Compensate
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %v", errBadMessage, err)
	}

	amount, err := money.Parse(ev.Amount)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadMessage, err)
	}

	err = h.balance.UpdateBalance(ctx, ev.AccountID, ev.OperationID, amount, nil)
	if err == nil {
		h.log.Info().
			Str("transaction_id", ev.TransactionID.String()).
			Str("operation_id", ev.OperationID.String()).
			Str("amount", ev.Amount).
			Msg("compensation applied")
		return nil
	}

	if !isTerminalBalanceFailure(err) {
		return fmt.Errorf("failed to compensate transaction %s: %w", ev.TransactionID, err)
	}

	h.log.Error().
		Err(err).
		Str("transaction_id", ev.TransactionID.String()).
		Str("operation_id", ev.OperationID.String()).
		Msg("compensation failed")

	return h.writer.SaveEvent(ctx,
		events.AggregateTransaction, ev.TransactionID,
		h.topics.TransactionCompensateFail, events.TypeTransactionCompensateFail,
		events.CompensateFailed{
			EventID:       uuid.New(),
			TransactionID: ev.TransactionID,
			OperationID:   ev.OperationID,
			AccountID:     ev.AccountID,
			Reason:        err.Error(),
			Timestamp:     time.Now().UTC(),
		})
}

// isTerminalBalanceFailure reports whether err is a business outcome that
// retrying the delivery can never fix.
func isTerminalBalanceFailure(err error) bool {
	return errors.Is(err, domain.ErrInsufficientBalance) ||
		errors.Is(err, domain.ErrAccountInactive) ||
		errors.Is(err, domain.ErrAccountNotFound) ||
		errors.Is(err, domain.ErrInvalidAmount) ||
		errors.Is(err, domain.ErrRetryExhausted)
}
