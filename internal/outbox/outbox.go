// Package outbox implements the transactional outbox: events are appended to
// a local table inside the same database transaction as the business mutation
// they describe, and a periodic relay publishes them to the message bus. This
// avoids dual-write inconsistency between the database and the broker.
package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of an outbox event.
type Status string

const (
	// StatusNew marks an event that has not been picked up by the relay yet.
	StatusNew Status = "NEW"
	// StatusInProgress marks an event claimed by a relay instance. A claim
	// acts as a lease: past the lease window it becomes eligible again.
	StatusInProgress Status = "IN_PROGRESS"
	// StatusPublished marks an event acknowledged by the broker. Terminal.
	StatusPublished Status = "PUBLISHED"
	// StatusFailed marks a failed publish attempt. Not terminal: failed
	// events are retried by later sweeps.
	StatusFailed Status = "FAILED"
)

// Event is one outbox row.
type Event struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	Topic         string
	EventType     string
	Payload       []byte
	Status        Status
	Attempts      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
