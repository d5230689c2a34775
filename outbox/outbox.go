package outbox

import (
	"context"
	"time"

	"relaybox/core/id"
)

// Store persists pending events. Insert MUST write through the caller's
// transaction (carried in ctx) so the event becomes visible if and only
// if that transaction commits. The default implementation is
// storage/postgres.Store.
type Store interface {
	Insert(ctx context.Context, event *Event) error
	InsertBatch(ctx context.Context, events []*Event) error
}

// Emitter is the outbox façade. It validates messages, assigns event ids
// and delegates the insert to the store. It never opens or manages the
// transaction itself; atomicity with business writes is exactly the
// property of reusing the caller's transaction.
type Emitter struct {
	store Store
}

// NewEmitter creates a new outbox emitter.
func NewEmitter(store Store) *Emitter {
	return &Emitter{store: store}
}

// Emit writes one event to the outbox within the current transaction.
// MUST be called inside a transaction context.
func (e *Emitter) Emit(ctx context.Context, msg Message) (id.ID, error) {
	event, err := msg.build(time.Now().UTC())
	if err != nil {
		return id.Nil(), err
	}
	if err := e.store.Insert(ctx, event); err != nil {
		return id.Nil(), err
	}
	return event.ID, nil
}

// EmitBatch writes multiple events to the outbox within the current
// transaction. Either all events are inserted or none.
func (e *Emitter) EmitBatch(ctx context.Context, msgs []Message) ([]id.ID, error) {
	now := time.Now().UTC()

	events := make([]*Event, 0, len(msgs))
	ids := make([]id.ID, 0, len(msgs))
	for _, msg := range msgs {
		event, err := msg.build(now)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
		ids = append(ids, event.ID)
	}

	if err := e.store.InsertBatch(ctx, events); err != nil {
		return nil, err
	}
	return ids, nil
}
