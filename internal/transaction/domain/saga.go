package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Coordinator settles transactions from account-service replies. A reply is
// at-least-once, so every handler tolerates redelivery and replies that
// arrive after the transaction already moved to a terminal state.
type Coordinator struct {
	transactions TransactionRepository
	log          zerolog.Logger
}

// NewCoordinator creates a new Coordinator.
func NewCoordinator(transactions TransactionRepository, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		transactions: transactions,
		log:          log.With().Str("component", "saga-coordinator").Logger(),
	}
}

// OnBalanceApplied moves a PENDING transaction to COMPLETED. A transaction
// that already left PENDING keeps its state: the reply is stale or a
// redelivery, both are logged and dropped.
func (c *Coordinator) OnBalanceApplied(ctx context.Context, transactionID uuid.UUID) error {
	err := c.transactions.SetStatus(ctx, transactionID, StatusPending, StatusCompleted)
	switch {
	case err == nil:
		c.log.Info().Str("transaction_id", transactionID.String()).Msg("transaction completed")
		return nil
	case errors.Is(err, ErrStaleTransition), errors.Is(err, ErrTransactionNotFound):
		c.log.Warn().
			Str("transaction_id", transactionID.String()).
			Err(err).
			Msg("ignoring stale balance-applied reply")
		return nil
	default:
		return fmt.Errorf("failed to complete transaction: %w", err)
	}
}

// OnBalanceFailed moves a PENDING transaction to FAILED.
func (c *Coordinator) OnBalanceFailed(ctx context.Context, transactionID uuid.UUID, reason string) error {
	err := c.transactions.SetStatus(ctx, transactionID, StatusPending, StatusFailed)
	switch {
	case err == nil:
		c.log.Warn().
			Str("transaction_id", transactionID.String()).
			Str("reason", reason).
			Msg("transaction failed")
		return nil
	case errors.Is(err, ErrStaleTransition), errors.Is(err, ErrTransactionNotFound):
		c.log.Warn().
			Str("transaction_id", transactionID.String()).
			Err(err).
			Msg("ignoring stale balance-failure reply")
		return nil
	default:
		return fmt.Errorf("failed to fail transaction: %w", err)
	}
}

// OnCompensateFailed records a compensation that the account service could
// not apply. The cancel and amend flows leave a row behind, which is forced
// to FAILED for operator attention; the delete flow has no row left, so the
// failure is only logged (the audit trail survives in the account service's
// operation log).
func (c *Coordinator) OnCompensateFailed(ctx context.Context, transactionID, operationID uuid.UUID, reason string) error {
	c.log.Error().
		Str("transaction_id", transactionID.String()).
		Str("operation_id", operationID.String()).
		Str("reason", reason).
		Msg("compensation failed")

	err := c.transactions.ForceStatus(ctx, transactionID, StatusFailed)
	if errors.Is(err, ErrTransactionNotFound) {
		return nil
	}
	return err
}
