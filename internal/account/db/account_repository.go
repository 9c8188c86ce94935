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

// AccountRepository implements domain.AccountRepository using PostgreSQL.
type AccountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

const accountColumns = `id, owner_id, balance, currency, type, active, version, created_at, updated_at`

// Create persists a new account.
func (r *AccountRepository) Create(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	q := sharedb.QuerierFrom(ctx, r.pool)
	_, err := q.Exec(ctx, query,
		account.ID,
		account.OwnerID,
		account.Balance,
		account.Currency,
		string(account.Type),
		account.Active,
		account.Version,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// GetByID retrieves an account by its unique identifier.
func (r *AccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	q := sharedb.QuerierFrom(ctx, r.pool)
	return r.scanOne(q.QueryRow(ctx, query, id))
}

// Lock acquires a pessimistic lock on the account row for the duration of
// the transaction carried by ctx. Uses SELECT ... FOR UPDATE.
func (r *AccountRepository) Lock(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`

	q := sharedb.QuerierFrom(ctx, r.pool)
	return r.scanOne(q.QueryRow(ctx, query, id))
}

// Update persists changes to an existing account, guarded by the version
// token. Zero rows affected means a concurrent writer got there first.
func (r *AccountRepository) Update(ctx context.Context, account *domain.Account) error {
	query := `
		UPDATE accounts
		SET balance = $2,
		    active = $3,
		    version = version + 1,
		    updated_at = $4
		WHERE id = $1 AND version = $5
	`

	q := sharedb.QuerierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, query,
		account.ID,
		account.Balance,
		account.Active,
		account.UpdatedAt,
		account.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}

	account.Version++
	return nil
}

func (r *AccountRepository) scanOne(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	var accountType string

	err := row.Scan(
		&account.ID,
		&account.OwnerID,
		&account.Balance,
		&account.Currency,
		&accountType,
		&account.Active,
		&account.Version,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	account.Type = domain.AccountType(accountType)
	return &account, nil
}
