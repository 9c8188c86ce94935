package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrTransactionNotFound is returned when a transaction doesn't exist
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrInvalidTransaction wraps request-shape errors such as a
	// non-positive amount or an unknown type.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrStatusConflict is returned when an operation is not allowed in the
	// transaction's current status. Cancel and amend require COMPLETED.
	ErrStatusConflict = errors.New("operation not allowed in current status")

	// ErrStaleTransition is returned when a compare-and-set status change
	// lost to a concurrent transition. Saga replies treat it as "already
	// settled" and move on.
	ErrStaleTransition = errors.New("transaction status changed concurrently")
)

// TransactionType classifies the direction of a transaction from the
// owner's point of view.
type TransactionType string

const (
	TypeIncome  TransactionType = "INCOME"
	TypeExpense TransactionType = "EXPENSE"
)

// TransactionStatus is the saga state of a transaction.
type TransactionStatus string

const (
	// StatusPending means the balance effect has been requested but not
	// yet confirmed by the account service.
	StatusPending TransactionStatus = "PENDING"

	// StatusCompleted means the balance was applied.
	StatusCompleted TransactionStatus = "COMPLETED"

	// StatusFailed means the account service rejected the balance effect
	// or a compensation could not be applied.
	StatusFailed TransactionStatus = "FAILED"

	// StatusCancelled means the transaction was cancelled and its balance
	// effect (if any) reversed.
	StatusCancelled TransactionStatus = "CANCELLED"
)

// Terminal reports whether no further saga transition can move the
// transaction out of this status.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Transaction is a money movement recorded against an account. Amount is
// always positive; the direction comes from Type.
type Transaction struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	AccountID   uuid.UUID
	CategoryID  *uuid.UUID
	Amount      decimal.Decimal
	Type        TransactionType
	Description string
	Tags        []string
	Status      TransactionStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewTransaction builds a PENDING transaction, validating the fields the
// saga depends on.
func NewTransaction(ownerID, accountID uuid.UUID, categoryID *uuid.UUID, amount decimal.Decimal, txType TransactionType, description string, tags []string) (*Transaction, error) {
	if ownerID == uuid.Nil {
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidTransaction)
	}
	if accountID == uuid.Nil {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidTransaction)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidTransaction)
	}
	switch txType {
	case TypeIncome, TypeExpense:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidTransaction, txType)
	}

	now := time.Now()
	return &Transaction{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		AccountID:   accountID,
		CategoryID:  categoryID,
		Amount:      amount,
		Type:        txType,
		Description: description,
		Tags:        tags,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// SignedAmount converts the stored positive magnitude into the signed
// balance effect: income credits the account, expense debits it.
func (t *Transaction) SignedAmount() decimal.Decimal {
	if t.Type == TypeExpense {
		return t.Amount.Neg()
	}
	return t.Amount
}
