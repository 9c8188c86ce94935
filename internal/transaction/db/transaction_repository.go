// Package db implements the transaction service repositories on PostgreSQL.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	sharedb "github.com/spbu-ds-practicum-2025/finance-tracker/internal/db"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/transaction/domain"
)

// TransactionRepository implements domain.TransactionRepository using
// PostgreSQL.
type TransactionRepository struct {
	pool *pgxpool.Pool
}

// NewTransactionRepository creates a new TransactionRepository.
func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

const transactionColumns = `id, owner_id, account_id, category_id, amount, type, description, tags, status, created_at, updated_at`

// Create persists a new transaction.
func (r *TransactionRepository) Create(ctx context.Context, transaction *domain.Transaction) error {
	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	q := sharedb.QuerierFrom(ctx, r.pool)
	_, err := q.Exec(ctx, query,
		transaction.ID,
		transaction.OwnerID,
		transaction.AccountID,
		transaction.CategoryID,
		transaction.Amount,
		string(transaction.Type),
		transaction.Description,
		transaction.Tags,
		string(transaction.Status),
		transaction.CreatedAt,
		transaction.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	return nil
}

// GetByID retrieves a transaction by its unique identifier.
func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	q := sharedb.QuerierFrom(ctx, r.pool)
	return scanOne(q.QueryRow(ctx, query, id))
}

// ListByOwner lists all transactions of an owner, newest first.
func (r *TransactionRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE owner_id = $1 ORDER BY created_at DESC`

	q := sharedb.QuerierFrom(ctx, r.pool)
	rows, err := q.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		transaction, err := scan(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, rows.Err()
}

// Update persists the mutable fields of an existing transaction.
func (r *TransactionRepository) Update(ctx context.Context, transaction *domain.Transaction) error {
	query := `
		UPDATE transactions
		SET category_id = $2, amount = $3, description = $4, tags = $5, updated_at = now()
		WHERE id = $1
	`

	q := sharedb.QuerierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, query,
		transaction.ID,
		transaction.CategoryID,
		transaction.Amount,
		transaction.Description,
		transaction.Tags,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

// SetStatus transitions the row from the expected status to the new one
// atomically. The WHERE clause is the compare-and-set: zero rows affected
// means either the row is gone or a concurrent transition won.
func (r *TransactionRepository) SetStatus(ctx context.Context, id uuid.UUID, from, to domain.TransactionStatus) error {
	query := `
		UPDATE transactions
		SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`

	q := sharedb.QuerierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, query, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("failed to set transaction status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); errors.Is(err, domain.ErrTransactionNotFound) {
			return domain.ErrTransactionNotFound
		}
		return domain.ErrStaleTransition
	}
	return nil
}

// ForceStatus sets the status unconditionally.
func (r *TransactionRepository) ForceStatus(ctx context.Context, id uuid.UUID, to domain.TransactionStatus) error {
	query := `UPDATE transactions SET status = $2, updated_at = now() WHERE id = $1`

	q := sharedb.QuerierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, query, id, string(to))
	if err != nil {
		return fmt.Errorf("failed to force transaction status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

// Delete removes a transaction row.
func (r *TransactionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM transactions WHERE id = $1`

	q := sharedb.QuerierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

// ClearCategory detaches all transactions from a category.
func (r *TransactionRepository) ClearCategory(ctx context.Context, categoryID uuid.UUID) (int64, error) {
	query := `UPDATE transactions SET category_id = NULL, updated_at = now() WHERE category_id = $1`

	q := sharedb.QuerierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, query, categoryID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear category: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReassignCategory moves all transactions from one category to another.
func (r *TransactionRepository) ReassignCategory(ctx context.Context, from, to uuid.UUID) (int64, error) {
	query := `UPDATE transactions SET category_id = $2, updated_at = now() WHERE category_id = $1`

	q := sharedb.QuerierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, query, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign category: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOne(row pgx.Row) (*domain.Transaction, error) {
	transaction, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTransactionNotFound
	}
	return transaction, err
}

func scan(row rowScanner) (*domain.Transaction, error) {
	var (
		transaction domain.Transaction
		txType      string
		status      string
		createdAt   time.Time
		updatedAt   time.Time
	)
	err := row.Scan(
		&transaction.ID,
		&transaction.OwnerID,
		&transaction.AccountID,
		&transaction.CategoryID,
		&transaction.Amount,
		&txType,
		&transaction.Description,
		&transaction.Tags,
		&status,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	transaction.Type = domain.TransactionType(txType)
	transaction.Status = domain.TransactionStatus(status)
	transaction.CreatedAt = createdAt
	transaction.UpdatedAt = updatedAt
	return &transaction, nil
}
