package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/db"
)

// Repository persists outbox events in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new outbox Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Save inserts a NEW outbox row. When the context carries a transaction the
// row commits or rolls back together with the caller's business mutation.
func (r *Repository) Save(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO outbox_events (
			id, aggregate_type, aggregate_id, topic, event_type,
			payload, status, attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	q := db.QuerierFrom(ctx, r.pool)
	_, err := q.Exec(ctx, query,
		event.ID,
		event.AggregateType,
		event.AggregateID,
		event.Topic,
		event.EventType,
		event.Payload,
		string(event.Status),
		event.Attempts,
		event.CreatedAt,
		event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save outbox event: %w", err)
	}

	return nil
}

// Exists reports whether an event with the given aggregate id and event type
// has already been recorded, regardless of delivery status.
func (r *Repository) Exists(ctx context.Context, aggregateID uuid.UUID, eventType string) (bool, error) {
	query := `
		SELECT 1 FROM outbox_events
		WHERE aggregate_id = $1 AND event_type = $2
		LIMIT 1
	`

	q := db.QuerierFrom(ctx, r.pool)
	var one int
	err := q.QueryRow(ctx, query, aggregateID, eventType).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check outbox event existence: %w", err)
	}

	return true, nil
}

// ClaimBatch atomically claims up to limit due events, oldest first, marking
// them IN_PROGRESS. Due means NEW, FAILED, or IN_PROGRESS with a claim older
// than the lease (a relay instance died mid-publish). SKIP LOCKED keeps
// concurrent relay instances from claiming the same rows.
func (r *Repository) ClaimBatch(ctx context.Context, limit int, lease time.Duration) ([]*Event, error) {
	query := `
		UPDATE outbox_events
		SET status = 'IN_PROGRESS', updated_at = now()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = 'NEW'
			   OR status = 'FAILED'
			   OR (status = 'IN_PROGRESS' AND updated_at < now() - $2::interval)
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, aggregate_type, aggregate_id, topic, event_type,
		          payload, status, attempts, created_at, updated_at
	`

	rows, err := r.pool.Query(ctx, query, limit, lease)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox batch: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var event Event
		var status string
		err := rows.Scan(
			&event.ID,
			&event.AggregateType,
			&event.AggregateID,
			&event.Topic,
			&event.EventType,
			&event.Payload,
			&status,
			&event.Attempts,
			&event.CreatedAt,
			&event.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		event.Status = Status(status)
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox batch: %w", err)
	}

	return events, nil
}

// MarkPublished records a broker ack for the event.
func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	return r.mark(ctx, id, StatusPublished)
}

// MarkFailed records a failed publish attempt; the event stays eligible for
// later sweeps.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return r.mark(ctx, id, StatusFailed)
}

func (r *Repository) mark(ctx context.Context, id uuid.UUID, status Status) error {
	query := `
		UPDATE outbox_events
		SET status = $2, attempts = attempts + 1, updated_at = now()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to mark outbox event %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox event %s not found", id)
	}

	return nil
}
