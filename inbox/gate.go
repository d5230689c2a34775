// Package inbox implements the consumer-side idempotency gate: a
// lease-based dedup mechanism that guarantees a handler side effect runs
// at most once per (consumer, message_id), while letting another worker
// take over a message whose processing lease expired mid-crash.
package inbox

import (
	"context"
	"time"

	"relaybox/core/apperror"
	"relaybox/pkg/logger"
)

// Status represents the state of an inbox record.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// TakeoverError is recorded as last_error when an expired lease is taken
// over by another worker.
const TakeoverError = "Takeover from crash"

// Record is the processing lease/result for one message at one consumer.
// Composite primary key (consumer, message_id).
type Record struct {
	Consumer    string     `db:"consumer"`
	MessageID   string     `db:"message_id"`
	Status      Status     `db:"status"`
	LockedUntil *time.Time `db:"locked_until"`
	CreatedAt   time.Time  `db:"created_at"`
	ProcessedAt *time.Time `db:"processed_at"`
	LastError   *string    `db:"last_error"`
	RetryCount  int        `db:"retry_count"`
}

// Result is the outcome of a WithIdempotency call.
type Result string

const (
	// ResultProcessed: the handler ran and its success was recorded.
	ResultProcessed Result = "processed"
	// ResultSkipped: the lock was not acquired; the handler did not run.
	ResultSkipped Result = "skipped"
	// ResultFailed: the call did not complete; the error is returned
	// alongside. This covers invalid arguments and lock-acquisition errors
	// (the handler did not run), a handler error (recorded as failed on a
	// best-effort basis), and a failure to record success.
	ResultFailed Result = "failed"
)

// Store is the lease capability the gate depends on. The default
// implementation is storage/postgres.Store.
type Store interface {
	// AcquireLock returns true on first-seen (a processing row is
	// inserted with locked_until = now+ttl) or on takeover of an expired
	// processing lease (retry_count incremented). It returns false for a
	// live lease held by another worker and for terminal rows.
	AcquireLock(ctx context.Context, consumer, messageID string, ttl time.Duration) (bool, error)

	// MarkProcessed records terminal success.
	MarkProcessed(ctx context.Context, consumer, messageID string) error

	// MarkFailed records terminal failure.
	MarkFailed(ctx context.Context, consumer, messageID, errMsg string) error
}

// Options configures the gate. Zero values fall back to defaults.
type Options struct {
	// TTL is the processing lease duration. A worker that holds a lease
	// past its TTL is treated as crashed and loses the message to the
	// next delivery.
	TTL time.Duration
}

// DefaultOptions returns the default gate configuration.
func DefaultOptions() Options {
	return Options{TTL: 5 * time.Minute}
}

func (o Options) withDefaults() Options {
	if o.TTL == 0 {
		o.TTL = DefaultOptions().TTL
	}
	return o
}

// Gate wraps message handlers with the idempotency protocol.
type Gate struct {
	store Store
	opts  Options
}

// NewGate creates a new inbox gate.
func NewGate(store Store, opts Options) *Gate {
	return &Gate{store: store, opts: opts.withDefaults()}
}

// WithIdempotency runs handler at most once per (consumer, messageID).
//
// If the lock is not acquired the handler is not invoked and the call
// returns ResultSkipped. On handler success the record is settled as
// processed. On handler error the record is settled as failed and the
// handler's error is returned so the caller can NACK the upstream
// message; automatic retries are the dispatcher's job, not the gate's.
func (g *Gate) WithIdempotency(ctx context.Context, consumer, messageID string, handler func(ctx context.Context) error) (Result, error) {
	if consumer == "" {
		return ResultFailed, apperror.NewInvalidInput("consumer is required")
	}
	if messageID == "" {
		return ResultFailed, apperror.NewInvalidInput("message_id is required")
	}
	if g.opts.TTL < 0 {
		return ResultFailed, apperror.NewInvalidInput("ttl must be positive")
	}

	ok, err := g.store.AcquireLock(ctx, consumer, messageID, g.opts.TTL)
	if err != nil {
		return ResultFailed, err
	}
	if !ok {
		return ResultSkipped, nil
	}

	if err := handler(ctx); err != nil {
		if settleErr := g.store.MarkFailed(ctx, consumer, messageID, err.Error()); settleErr != nil {
			logger.Error(ctx, "failed to record handler failure",
				"consumer", consumer, "message_id", messageID, "error", settleErr)
		}
		return ResultFailed, err
	}

	if err := g.store.MarkProcessed(ctx, consumer, messageID); err != nil {
		return ResultFailed, err
	}
	return ResultProcessed, nil
}
