// Package events defines the cross-service event contracts of the balance
// saga. Payloads are JSON; every event carries a random EventID and the typed
// fields needed to replay its effect, so consumers can deduplicate and apply
// redeliveries safely.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event type discriminators stored in the outbox and in message headers.
const (
	TypeTransactionCreated        = "TransactionCreated"
	TypeTransactionSuccessCreated = "TransactionSuccessCreated"
	TypeTransactionBalanceFailure = "TransactionBalanceFailure"
	TypeTransactionCancelled      = "TransactionCancelled"
	TypeTransactionCompensate     = "TransactionCompensate"
	TypeTransactionCompensateFail = "TransactionCompensateFailure"
	TypeTransactionCompensateDiff = "TransactionCompensateDiff"
	TypeCategoryChange            = "CategoryChange"
	TypeCategoryDelete            = "CategoryDelete"
)

// Aggregate types recorded on outbox rows.
const (
	AggregateTransaction = "transaction"
	AggregateAccount     = "account"
	AggregateCategory    = "category"
)

// TransactionCreated asks the account service to apply a transaction's
// balance effect. Amount is a signed scale-2 decimal relative to the account:
// positive credits, negative debits. OperationID is the dedup key for the
// balance mutation; for the initial application it equals TransactionID.
type TransactionCreated struct {
	EventID       uuid.UUID `json:"eventId"`
	TransactionID uuid.UUID `json:"transactionId"`
	OperationID   uuid.UUID `json:"operationId"`
	AccountID     uuid.UUID `json:"accountId"`
	Amount        string    `json:"amount"`
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
}

// BalanceApplied reports a successful balance application back to the saga
// coordinator.
type BalanceApplied struct {
	EventID       uuid.UUID `json:"eventId"`
	TransactionID uuid.UUID `json:"transactionId"`
	AccountID     uuid.UUID `json:"accountId"`
	Timestamp     time.Time `json:"timestamp"`
}

// BalanceFailed reports a terminal balance-application failure (insufficient
// funds, inactive account, exhausted retries) back to the saga coordinator.
type BalanceFailed struct {
	EventID       uuid.UUID `json:"eventId"`
	TransactionID uuid.UUID `json:"transactionId"`
	AccountID     uuid.UUID `json:"accountId"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// Compensate asks the account service to reverse or adjust a previously
// applied balance effect. Amount is the signed delta to apply. OperationID is
// freshly generated for each logical compensation so it deduplicates
// independently of the original application.
type Compensate struct {
	EventID       uuid.UUID `json:"eventId"`
	TransactionID uuid.UUID `json:"transactionId"`
	OperationID   uuid.UUID `json:"operationId"`
	AccountID     uuid.UUID `json:"accountId"`
	Amount        string    `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
}

// CompensateFailed reports a terminal compensation failure.
type CompensateFailed struct {
	EventID       uuid.UUID `json:"eventId"`
	TransactionID uuid.UUID `json:"transactionId"`
	OperationID   uuid.UUID `json:"operationId"`
	AccountID     uuid.UUID `json:"accountId"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// CategoryChanged announces that a category was replaced by another; the
// transaction service reassigns affected transactions.
type CategoryChanged struct {
	EventID       uuid.UUID `json:"eventId"`
	CategoryID    uuid.UUID `json:"categoryId"`
	NewCategoryID uuid.UUID `json:"newCategoryId"`
	Timestamp     time.Time `json:"timestamp"`
}

// CategoryDeleted announces that a category was removed; the transaction
// service clears it from affected transactions.
type CategoryDeleted struct {
	EventID    uuid.UUID `json:"eventId"`
	CategoryID uuid.UUID `json:"categoryId"`
	Timestamp  time.Time `json:"timestamp"`
}
