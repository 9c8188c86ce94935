package domain

import (
	"context"

	"github.com/google/uuid"
)

// AccountRepository defines the interface for account data access operations.
type AccountRepository interface {
	// Create persists a new account.
	Create(ctx context.Context, account *Account) error

	// GetByID retrieves an account by its unique identifier.
	// Returns ErrAccountNotFound if the account doesn't exist.
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)

	// Lock acquires a database row lock on the account for the duration of
	// the transaction carried by ctx. Must be called within a transaction.
	Lock(ctx context.Context, id uuid.UUID) (*Account, error)

	// Update persists changes to an existing account, incrementing its
	// version. Returns ErrVersionConflict when the stored version no longer
	// matches the one the account was read at.
	Update(ctx context.Context, account *Account) error
}

// BankOperationRepository defines the interface for the balance-mutation
// dedup records.
type BankOperationRepository interface {
	// Exists reports whether a mutation with this transaction id has
	// already been applied.
	Exists(ctx context.Context, transactionID uuid.UUID) (bool, error)

	// Create inserts a new dedup record. Returns ErrDuplicateOperation when
	// a record with the same transaction id already exists.
	Create(ctx context.Context, operation *BankOperation) error
}

// TransactionManager defines the interface for managing database transactions.
type TransactionManager interface {
	// WithTransaction executes the given function within a database
	// transaction. If the function returns an error, the transaction is
	// rolled back. Otherwise, the transaction is committed.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
