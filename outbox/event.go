// Package outbox implements the write side of the transactional outbox
// pattern: events are inserted into the outbox table through the caller's
// own database transaction, so business state and the intent to publish
// commit or roll back together.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"relaybox/core/apperror"
	"relaybox/core/id"
)

// Status represents the state of an outbox event.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusDead    Status = "dead"
)

// Event is a durable intent to publish, as stored in the outbox table.
//
// State lattice: pending -> sent | failed; failed -> sent | failed | dead.
// sent and dead are absorbing.
type Event struct {
	ID            id.ID           `db:"event_id"`
	AggregateType string          `db:"aggregate_type"` // e.g., "Order", "Invoice"
	AggregateID   string          `db:"aggregate_id"`   // stringified entity id
	EventType     string          `db:"event_type"`     // e.g., "OrderPlaced"
	Payload       json.RawMessage `db:"payload"`
	Headers       json.RawMessage `db:"headers"` // nullable
	Status        Status          `db:"status"`
	Attempts      int             `db:"attempts"`
	NextAttemptAt *time.Time      `db:"next_attempt_at"`
	CreatedAt     time.Time       `db:"created_at"`
	PublishedAt   *time.Time      `db:"published_at"`
	LastError     *string         `db:"last_error"`
	DeadAt        *time.Time      `db:"dead_at"`
}

// Message is the caller-facing input to Emit. AggregateID may be any
// value with a useful string form (uuid, int, string).
type Message struct {
	AggregateType string
	AggregateID   any
	EventType     string
	Payload       any
	Headers       map[string]any // optional
}

// validate checks required fields and returns the stringified aggregate id.
func (m Message) validate() (string, error) {
	if m.AggregateType == "" {
		return "", apperror.NewInvalidEvent("aggregate_type is required")
	}
	if m.EventType == "" {
		return "", apperror.NewInvalidEvent("event_type is required")
	}
	if m.Payload == nil {
		return "", apperror.NewInvalidEvent("payload is required")
	}
	if m.AggregateID == nil {
		return "", apperror.NewInvalidEvent("aggregate_id is required")
	}
	aggregateID := fmt.Sprint(m.AggregateID)
	if aggregateID == "" {
		return "", apperror.NewInvalidEvent("aggregate_id is required")
	}
	return aggregateID, nil
}

// build converts a validated Message into a pending Event with a fresh id.
func (m Message) build(now time.Time) (*Event, error) {
	aggregateID, err := m.validate()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, apperror.NewInvalidEvent("payload is not serializable").WithCause(err)
	}

	var headers json.RawMessage
	if m.Headers != nil {
		headers, err = json.Marshal(m.Headers)
		if err != nil {
			return nil, apperror.NewInvalidEvent("headers are not serializable").WithCause(err)
		}
	}

	return &Event{
		ID:            id.New(),
		AggregateType: m.AggregateType,
		AggregateID:   aggregateID,
		EventType:     m.EventType,
		Payload:       payload,
		Headers:       headers,
		Status:        StatusPending,
		CreatedAt:     now,
	}, nil
}
