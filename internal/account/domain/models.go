package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrAccountNotFound is returned when an account doesn't exist
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountInactive is returned when a mutation targets a deactivated account
	ErrAccountInactive = errors.New("account is inactive")

	// ErrInsufficientBalance is returned when a withdrawal exceeds the balance
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount is returned when a mutation amount is zero
	ErrInvalidAmount = errors.New("invalid amount: must be non-zero")

	// ErrVersionConflict is returned when a concurrent mutation bumped the
	// account version between read and write. Retryable.
	ErrVersionConflict = errors.New("account version conflict")

	// ErrRetryExhausted is returned when the retry ceiling was reached
	// without a successful application. Terminal: it must propagate to the
	// saga coordinator as a failure event.
	ErrRetryExhausted = errors.New("balance update retries exhausted")

	// ErrDuplicateOperation is returned when a bank operation with the same
	// transaction id was inserted concurrently. The mutation has already
	// been applied by the other writer.
	ErrDuplicateOperation = errors.New("operation already applied")

	// ErrBalanceOutstanding is returned when deactivating an account whose
	// balance is not zero.
	ErrBalanceOutstanding = errors.New("account balance must be zero to deactivate")

	// ErrValidation wraps request-shape errors such as an unknown currency
	// or account type.
	ErrValidation = errors.New("validation failed")
)

// AccountType classifies an account.
type AccountType string

const (
	AccountTypeChecking AccountType = "CHECKING"
	AccountTypeSavings  AccountType = "SAVINGS"
	AccountTypeCredit   AccountType = "CREDIT"
)

// Account is the aggregate owning a balance. Only the balance service
// mutates it; everything else reads it through the query path.
type Account struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	Balance   decimal.Decimal // fixed-point, scale 2, never negative after commit
	Currency  string          // ISO 4217 code
	Type      AccountType
	Active    bool
	Version   int64 // concurrency token, incremented on every mutation
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAccount creates an active account with zero balance.
func NewAccount(ownerID uuid.UUID, currency string, accountType AccountType) *Account {
	now := time.Now()
	return &Account{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Balance:   decimal.Zero,
		Currency:  currency,
		Type:      accountType,
		Active:    true,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ApplyAmount adds a signed amount to the balance: positive credits,
// negative debits. A debit that would take the balance below zero is
// rejected and the balance is unchanged.
func (a *Account) ApplyAmount(amount decimal.Decimal) error {
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	if !a.Active {
		return ErrAccountInactive
	}

	next := a.Balance.Add(amount)
	if next.IsNegative() {
		return ErrInsufficientBalance
	}

	a.Balance = next
	a.UpdatedAt = time.Now()
	return nil
}

// Deactivate soft-disables the account. Accounts are never hard-deleted
// while money is on them.
func (a *Account) Deactivate() error {
	if !a.Balance.IsZero() {
		return ErrBalanceOutstanding
	}
	a.Active = false
	a.UpdatedAt = time.Now()
	return nil
}

// BankOperation is the dedup record for one applied balance mutation. A row
// existing for a transaction id means that mutation is durably applied:
// redelivery must be a no-op. Rows are insert-only and retained for audit.
type BankOperation struct {
	TransactionID uuid.UUID // primary key, globally unique per attempted mutation
	AccountID     uuid.UUID
	Amount        decimal.Decimal // signed amount that was applied
	CreatedAt     time.Time
}
