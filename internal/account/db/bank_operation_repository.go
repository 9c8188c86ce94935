package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/account/domain"
	sharedb "github.com/spbu-ds-practicum-2025/finance-tracker/internal/db"
)

// BankOperationRepository implements domain.BankOperationRepository using
// PostgreSQL. Rows are insert-only: the primary key on transaction_id is the
// idempotency guard for balance mutations.
type BankOperationRepository struct {
	pool *pgxpool.Pool
}

// NewBankOperationRepository creates a new BankOperationRepository.
func NewBankOperationRepository(pool *pgxpool.Pool) *BankOperationRepository {
	return &BankOperationRepository{pool: pool}
}

// Exists reports whether a mutation with this transaction id has already
// been applied.
func (r *BankOperationRepository) Exists(ctx context.Context, transactionID uuid.UUID) (bool, error) {
	query := `SELECT 1 FROM bank_operations WHERE transaction_id = $1`

	q := sharedb.QuerierFrom(ctx, r.pool)
	var one int
	err := q.QueryRow(ctx, query, transactionID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check bank operation: %w", err)
	}

	return true, nil
}

// Create inserts a new dedup record. A concurrent insert of the same
// transaction id surfaces as ErrDuplicateOperation, never as a fatal error.
func (r *BankOperationRepository) Create(ctx context.Context, operation *domain.BankOperation) error {
	query := `
		INSERT INTO bank_operations (transaction_id, account_id, amount, created_at)
		VALUES ($1, $2, $3, $4)
	`

	q := sharedb.QuerierFrom(ctx, r.pool)
	_, err := q.Exec(ctx, query,
		operation.TransactionID,
		operation.AccountID,
		operation.Amount,
		operation.CreatedAt,
	)
	if err != nil {
		if sharedb.IsUniqueViolation(err) {
			return domain.ErrDuplicateOperation
		}
		return fmt.Errorf("failed to create bank operation: %w", err)
	}

	return nil
}
