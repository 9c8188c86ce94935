package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/db"
)

// Store is the persistence surface the Writer needs.
type Store interface {
	Save(ctx context.Context, event *Event) error
	Exists(ctx context.Context, aggregateID uuid.UUID, eventType string) (bool, error)
}

// Writer appends events to the outbox. Callers invoke it inside a
// TransactionManager callback so the event commits atomically with the
// business mutation it announces.
type Writer struct {
	store Store
}

// NewWriter creates a new Writer.
func NewWriter(store Store) *Writer {
	return &Writer{store: store}
}

// SaveEvent serializes payload and inserts a NEW outbox row in the caller's
// transaction. A serialization failure is surfaced at enqueue time, before
// anything is committed.
func (w *Writer) SaveEvent(ctx context.Context, aggregateType string, aggregateID uuid.UUID, topic, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize %s payload: %w", eventType, err)
	}

	now := time.Now()
	event := &Event{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Topic:         topic,
		EventType:     eventType,
		Payload:       body,
		Status:        StatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	return w.store.Save(ctx, event)
}

// SaveEventOnce is SaveEvent guarded by an (aggregate id, event type)
// existence check, for facts that must be announced at most once, such as
// requesting compensation for the same transaction twice. Returns
// false when the event was already recorded. A concurrent duplicate insert
// fails closed: the unique violation is reported as "already recorded", not
// as an error.
func (w *Writer) SaveEventOnce(ctx context.Context, aggregateType string, aggregateID uuid.UUID, topic, eventType string, payload any) (bool, error) {
	exists, err := w.store.Exists(ctx, aggregateID, eventType)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if err := w.SaveEvent(ctx, aggregateType, aggregateID, topic, eventType, payload); err != nil {
		if db.IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}
