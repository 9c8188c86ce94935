package domain

import (
	"context"

	"github.com/google/uuid"
)

// TransactionRepository persists transactions.
type TransactionRepository interface {
	Create(ctx context.Context, transaction *Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Transaction, error)

	// Update persists mutable fields (category, description, tags,
	// amount) of an existing row.
	Update(ctx context.Context, transaction *Transaction) error

	// SetStatus transitions the row from the expected status to the new
	// one atomically. Returns ErrStaleTransition when the row is no
	// longer in the expected status and ErrTransactionNotFound when it
	// doesn't exist.
	SetStatus(ctx context.Context, id uuid.UUID, from, to TransactionStatus) error

	// ForceStatus sets the status unconditionally. Used only when a
	// compensation failed and the row must surface as FAILED whatever
	// state the cancel or amend flow left it in.
	ForceStatus(ctx context.Context, id uuid.UUID, to TransactionStatus) error

	Delete(ctx context.Context, id uuid.UUID) error

	// ClearCategory detaches all transactions from a deleted category.
	ClearCategory(ctx context.Context, categoryID uuid.UUID) (int64, error)

	// ReassignCategory moves all transactions from one category to
	// another.
	ReassignCategory(ctx context.Context, from, to uuid.UUID) (int64, error)
}

// TransactionManager runs a function inside a database transaction carried
// through the context.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(txCtx context.Context) error) error
}

// EventWriter is the slice of the outbox writer the saga uses.
type EventWriter interface {
	SaveEvent(ctx context.Context, aggregateType string, aggregateID uuid.UUID, topic, eventType string, payload any) error
	SaveEventOnce(ctx context.Context, aggregateType string, aggregateID uuid.UUID, topic, eventType string, payload any) (bool, error)
}
