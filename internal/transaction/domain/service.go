package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/config"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/events"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/money"
)

// Patch carries a partial transaction update. Nil fields are left untouched.
// Amount changes are routed through the compensation flow, not a plain
// column write, because a completed transaction's amount is mirrored in the
// account balance.
type Patch struct {
	CategoryID  *uuid.UUID
	ClearCat    bool
	Description *string
	Tags        *[]string
	Amount      *decimal.Decimal
}

// TransactionService drives the transaction lifecycle: every state change
// that has a balance effect commits its outbox event in the same database
// transaction as the row mutation.
type TransactionService struct {
	transactions TransactionRepository
	txManager    TransactionManager
	writer       EventWriter
	topics       config.Topics
	log          zerolog.Logger
}

// NewTransactionService creates a new TransactionService.
func NewTransactionService(
	transactions TransactionRepository,
	txManager TransactionManager,
	writer EventWriter,
	topics config.Topics,
	log zerolog.Logger,
) *TransactionService {
	return &TransactionService{
		transactions: transactions,
		txManager:    txManager,
		writer:       writer,
		topics:       topics,
		log:          log.With().Str("component", "transaction-service").Logger(),
	}
}

// Create inserts a PENDING transaction and enqueues the balance request in
// one commit. The initial operation id equals the transaction id so the
// account service deduplicates redeliveries against it.
func (s *TransactionService) Create(ctx context.Context, ownerID, accountID uuid.UUID, categoryID *uuid.UUID, amount decimal.Decimal, txType TransactionType, description string, tags []string) (*Transaction, error) {
	transaction, err := NewTransaction(ownerID, accountID, categoryID, amount, txType, description, tags)
	if err != nil {
		return nil, err
	}

	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.transactions.Create(txCtx, transaction); err != nil {
			return fmt.Errorf("failed to create transaction: %w", err)
		}

		payload := events.TransactionCreated{
			EventID:       uuid.New(),
			TransactionID: transaction.ID,
			OperationID:   transaction.ID,
			AccountID:     transaction.AccountID,
			Amount:        money.Format(transaction.SignedAmount()),
			Type:          string(transaction.Type),
			Timestamp:     time.Now(),
		}
		return s.writer.SaveEvent(txCtx, events.AggregateTransaction, transaction.ID,
			s.topics.TransactionCreated, events.TypeTransactionCreated, payload)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("transaction_id", transaction.ID.String()).
		Str("account_id", transaction.AccountID.String()).
		Str("amount", money.Format(transaction.SignedAmount())).
		Msg("transaction created")

	return transaction, nil
}

// Get retrieves a transaction by id.
func (s *TransactionService) Get(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return s.transactions.GetByID(ctx, id)
}

// ListByOwner lists all transactions of an owner, newest first.
func (s *TransactionService) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Transaction, error) {
	return s.transactions.ListByOwner(ctx, ownerID)
}

// Cancel transitions a transaction to CANCELLED. A PENDING transaction is
// cancelled in place; a COMPLETED one additionally enqueues the reverse
// balance effect. FAILED and CANCELLED transactions are already settled and
// reject the call.
func (s *TransactionService) Cancel(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	transaction, err := s.transactions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch transaction.Status {
	case StatusPending:
		err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			return s.transactions.SetStatus(txCtx, id, StatusPending, StatusCancelled)
		})
	case StatusCompleted:
		err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			if err := s.transactions.SetStatus(txCtx, id, StatusCompleted, StatusCancelled); err != nil {
				return err
			}
			payload := events.Compensate{
				EventID:       uuid.New(),
				TransactionID: transaction.ID,
				OperationID:   uuid.New(),
				AccountID:     transaction.AccountID,
				Amount:        money.Format(transaction.SignedAmount().Neg()),
				Timestamp:     time.Now(),
			}
			return s.writer.SaveEvent(txCtx, events.AggregateTransaction, transaction.ID,
				s.topics.TransactionCancelled, events.TypeTransactionCancelled, payload)
		})
	default:
		return nil, fmt.Errorf("%w: cannot cancel a %s transaction", ErrStatusConflict, transaction.Status)
	}
	if err != nil {
		return nil, err
	}

	transaction.Status = StatusCancelled
	s.log.Info().Str("transaction_id", id.String()).Msg("transaction cancelled")
	return transaction, nil
}

// Delete removes a transaction. Rows without an applied balance effect
// (PENDING, FAILED, CANCELLED) are deleted directly. A COMPLETED row first
// enqueues the reverse balance effect, once per transaction, in the same
// commit as the delete.
func (s *TransactionService) Delete(ctx context.Context, id uuid.UUID) error {
	transaction, err := s.transactions.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if transaction.Status != StatusCompleted {
		return s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			return s.transactions.Delete(txCtx, id)
		})
	}

	return s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		payload := events.Compensate{
			EventID:       uuid.New(),
			TransactionID: transaction.ID,
			OperationID:   uuid.New(),
			AccountID:     transaction.AccountID,
			Amount:        money.Format(transaction.SignedAmount().Neg()),
			Timestamp:     time.Now(),
		}
		saved, err := s.writer.SaveEventOnce(txCtx, events.AggregateTransaction, transaction.ID,
			s.topics.TransactionCompensate, events.TypeTransactionCompensate, payload)
		if err != nil {
			return err
		}
		if !saved {
			s.log.Warn().Str("transaction_id", id.String()).Msg("compensation already enqueued, deleting row only")
		}
		return s.transactions.Delete(txCtx, id)
	})
}

// AmendAmount changes the amount of a COMPLETED transaction. The balance
// delta (new minus old, signed) travels to the account service as a
// compensation-diff event with a fresh operation id; the stored amount is
// updated in the same commit.
func (s *TransactionService) AmendAmount(ctx context.Context, id uuid.UUID, newAmount decimal.Decimal) (*Transaction, error) {
	if !newAmount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidTransaction)
	}

	transaction, err := s.transactions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if transaction.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: amount can only be amended while COMPLETED, got %s", ErrStatusConflict, transaction.Status)
	}

	oldSigned := transaction.SignedAmount()
	transaction.Amount = newAmount
	delta := transaction.SignedAmount().Sub(oldSigned)
	if delta.IsZero() {
		return transaction, nil
	}

	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.transactions.Update(txCtx, transaction); err != nil {
			return err
		}
		payload := events.Compensate{
			EventID:       uuid.New(),
			TransactionID: transaction.ID,
			OperationID:   uuid.New(),
			AccountID:     transaction.AccountID,
			Amount:        money.Format(delta),
			Timestamp:     time.Now(),
		}
		return s.writer.SaveEvent(txCtx, events.AggregateTransaction, transaction.ID,
			s.topics.TransactionCompensateDiff, events.TypeTransactionCompensateDiff, payload)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("transaction_id", id.String()).
		Str("delta", money.Format(delta)).
		Msg("transaction amount amended")
	return transaction, nil
}

// ApplyPatch performs a partial update. Non-amount fields are plain column
// writes; an amount change goes through AmendAmount and therefore obeys its
// status policy.
func (s *TransactionService) ApplyPatch(ctx context.Context, id uuid.UUID, patch Patch) (*Transaction, error) {
	if patch.Amount != nil {
		if _, err := s.AmendAmount(ctx, id, *patch.Amount); err != nil {
			return nil, err
		}
	}

	transaction, err := s.transactions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	changed := false
	if patch.ClearCat {
		transaction.CategoryID = nil
		changed = true
	} else if patch.CategoryID != nil {
		transaction.CategoryID = patch.CategoryID
		changed = true
	}
	if patch.Description != nil {
		transaction.Description = *patch.Description
		changed = true
	}
	if patch.Tags != nil {
		transaction.Tags = *patch.Tags
		changed = true
	}

	if !changed {
		return transaction, nil
	}

	if err := s.transactions.Update(ctx, transaction); err != nil {
		return nil, err
	}
	return transaction, nil
}

// ClearCategory detaches transactions from a deleted category. The UPDATE
// is naturally idempotent, so event redeliveries are harmless.
func (s *TransactionService) ClearCategory(ctx context.Context, categoryID uuid.UUID) error {
	affected, err := s.transactions.ClearCategory(ctx, categoryID)
	if err != nil {
		return err
	}
	s.log.Info().
		Str("category_id", categoryID.String()).
		Int64("affected", affected).
		Msg("category cleared from transactions")
	return nil
}

// ReassignCategory moves transactions from one category to another.
func (s *TransactionService) ReassignCategory(ctx context.Context, from, to uuid.UUID) error {
	affected, err := s.transactions.ReassignCategory(ctx, from, to)
	if err != nil {
		return err
	}
	s.log.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Int64("affected", affected).
		Msg("category reassigned on transactions")
	return nil
}
