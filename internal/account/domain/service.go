package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/money"
)

// BalanceService is the only component allowed to write an account balance.
// Every mutation is paired with exactly one bank-operation dedup record in
// the same database transaction, and conflicts are retried up to the policy
// ceiling.
type BalanceService struct {
	accounts   AccountRepository
	operations BankOperationRepository
	txManager  TransactionManager
	retry      RetryPolicy
	log        zerolog.Logger
}

// NewBalanceService creates a new BalanceService.
func NewBalanceService(
	accounts AccountRepository,
	operations BankOperationRepository,
	txManager TransactionManager,
	retry RetryPolicy,
	log zerolog.Logger,
) *BalanceService {
	return &BalanceService{
		accounts:   accounts,
		operations: operations,
		txManager:  txManager,
		retry:      retry,
		log:        log.With().Str("component", "balance-service").Logger(),
	}
}

// UpdateBalance applies a signed amount to an account, deduplicated by
// operationID. Each attempt runs in its own transaction:
//
//  1. If a bank operation for operationID exists, the mutation was already
//     applied: return without touching the balance (handles redelivery).
//  2. Lock the account row, validate it is active, apply the signed amount
//     (a debit below zero is rejected).
//  3. Persist the account (version bump) and the dedup record together.
//
// onApplied, when non-nil, runs inside the same transaction after a real
// application and is skipped for duplicates. It is where the consumer
// appends the success event to the outbox so the reply commits atomically
// with the mutation.
//
// Transient conflicts are retried with backoff; exhausting the ceiling
// returns ErrRetryExhausted, which the caller must surface to the saga
// coordinator as a failure event.
func (s *BalanceService) UpdateBalance(
	ctx context.Context,
	accountID, operationID uuid.UUID,
	amount decimal.Decimal,
	onApplied func(txCtx context.Context) error,
) error {
	if amount.IsZero() {
		return ErrInvalidAmount
	}

	attempt := 0
	err := s.retry.Execute(ctx, func() error {
		attempt++
		return s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			applied, err := s.applyOnce(txCtx, accountID, operationID, amount)
			if err != nil {
				return err
			}
			if applied && onApplied != nil {
				return onApplied(txCtx)
			}
			return nil
		})
	})

	if err != nil {
		// A concurrent writer beat us to the same operation id: the
		// mutation is durably applied, which is all the caller asked for.
		if errors.Is(err, ErrDuplicateOperation) {
			s.log.Debug().
				Str("operation_id", operationID.String()).
				Msg("balance mutation already applied concurrently")
			return nil
		}
		return err
	}

	if attempt > 1 {
		s.log.Info().
			Str("account_id", accountID.String()).
			Str("operation_id", operationID.String()).
			Int("attempts", attempt).
			Msg("balance update succeeded after retries")
	}

	return nil
}

// applyOnce is one attempt, running inside the transaction carried by ctx.
// Returns false without error when the mutation was already applied.
func (s *BalanceService) applyOnce(ctx context.Context, accountID, operationID uuid.UUID, amount decimal.Decimal) (bool, error) {
	exists, err := s.operations.Exists(ctx, operationID)
	if err != nil {
		return false, fmt.Errorf("failed to check operation dedup record: %w", err)
	}
	if exists {
		return false, nil
	}

	account, err := s.accounts.Lock(ctx, accountID)
	if err != nil {
		return false, err
	}

	if err := account.ApplyAmount(amount); err != nil {
		return false, err
	}

	if err := s.accounts.Update(ctx, account); err != nil {
		return false, err
	}

	operation := &BankOperation{
		TransactionID: operationID,
		AccountID:     accountID,
		Amount:        amount,
		CreatedAt:     time.Now(),
	}
	if err := s.operations.Create(ctx, operation); err != nil {
		return false, err
	}

	return true, nil
}

// AccountService handles account lifecycle outside the balance path.
type AccountService struct {
	accounts AccountRepository
}

// NewAccountService creates a new AccountService.
func NewAccountService(accounts AccountRepository) *AccountService {
	return &AccountService{accounts: accounts}
}

// Create opens an active account with zero balance for the owner.
func (s *AccountService) Create(ctx context.Context, ownerID uuid.UUID, currency string, accountType AccountType) (*Account, error) {
	if err := money.ValidateCurrencyCode(currency); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	switch accountType {
	case AccountTypeChecking, AccountTypeSavings, AccountTypeCredit:
	default:
		return nil, fmt.Errorf("%w: unknown account type %q", ErrValidation, accountType)
	}

	account := NewAccount(ownerID, currency, accountType)
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	return account, nil
}

// Get retrieves an account by id.
func (s *AccountService) Get(ctx context.Context, id uuid.UUID) (*Account, error) {
	return s.accounts.GetByID(ctx, id)
}

// Deactivate soft-disables an account. Rejected while the balance is non-zero.
func (s *AccountService) Deactivate(ctx context.Context, id uuid.UUID) (*Account, error) {
	account, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := account.Deactivate(); err != nil {
		return nil, err
	}

	if err := s.accounts.Update(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to deactivate account: %w", err)
	}

	return account, nil
}
