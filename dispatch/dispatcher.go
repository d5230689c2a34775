// Package dispatch implements the outbox relay: a background worker that
// claims pending events, hands them to a Publisher and settles the
// outcome. Delivery is at-least-once; the publish happens before the
// settlement write, so a crash in between yields a duplicate on the next
// claim.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"relaybox/core/id"
	"relaybox/outbox"
	"relaybox/pkg/logger"
)

var tracer = otel.Tracer("relaybox/dispatch")

// errorCoolDown is the pause after an unexpected loop failure, protecting
// against tight failure loops.
const errorCoolDown = 5 * time.Second

// Store is the claim/settle capability the dispatcher depends on.
// The default implementation is storage/postgres.Store.
type Store interface {
	// ClaimBatch returns up to batchSize events that are pending, or
	// failed with next_attempt_at <= now and attempts < MaxAttempts,
	// ascending by created_at, skipping rows locked by other workers.
	// Rows are not mutated; settlement is a second call.
	ClaimBatch(ctx context.Context, batchSize int, policy RetryPolicy) ([]*outbox.Event, error)

	// MarkSent transitions an event to sent with published_at = now.
	MarkSent(ctx context.Context, eventID id.ID) error

	// MarkFailed increments attempts and transitions the event to failed
	// (scheduling the next retry) or to dead once the attempt budget is
	// exhausted. Returns the resulting status.
	MarkFailed(ctx context.Context, eventID id.ID, errMsg string, priorAttempts int, policy RetryPolicy) (outbox.Status, error)
}

// Options configures the dispatcher. Zero values fall back to defaults.
type Options struct {
	// PollInterval is the sleep between polls when the last batch was empty.
	PollInterval time.Duration

	// BatchSize is the maximum number of rows claimed per cycle.
	BatchSize int

	// Retry controls backoff and dead-lettering.
	Retry RetryPolicy

	// Logger overrides the default logger.
	Logger *logger.Logger
}

// DefaultOptions returns the default dispatcher configuration.
func DefaultOptions() Options {
	return Options{
		PollInterval: time.Second,
		BatchSize:    50,
		Retry:        DefaultRetryPolicy(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	o.Retry = o.Retry.WithDefaults()
	if o.Logger == nil {
		o.Logger = logger.Default()
	}
	return o
}

// Dispatcher runs a single worker goroutine per Start call. Multiple
// dispatchers (in-process or across hosts) may share one outbox table;
// correctness comes from the store's skip-locked claim, not from any
// process-local state.
type Dispatcher struct {
	store     Store
	publisher Publisher
	opts      Options
	log       *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a dispatcher. Call Start to begin processing.
func New(store Store, publisher Publisher, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		opts:      opts,
		log:       opts.Logger.WithComponent("dispatcher"),
	}
}

// Start launches the worker goroutine. It calls publisher.Start once and
// returns its error without starting the worker if it fails.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done != nil {
		return fmt.Errorf("dispatcher already started")
	}

	if err := d.publisher.Start(ctx); err != nil {
		return fmt.Errorf("start publisher: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	go d.run(runCtx, d.done)

	d.log.Infow("dispatcher started",
		"poll_interval", d.opts.PollInterval,
		"batch_size", d.opts.BatchSize,
		"max_attempts", d.opts.Retry.MaxAttempts,
	)
	return nil
}

// Stop signals the worker, interrupts any pending sleep, waits for the
// one in-flight event to settle and then stops the publisher. Claimed
// events that have not started publishing are abandoned and become
// claimable again. An in-flight publish is not cancelled; publishers
// that can hang must set their own timeouts.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	if err := d.publisher.Stop(ctx); err != nil {
		return fmt.Errorf("stop publisher: %w", err)
	}
	d.log.Info("dispatcher stopped")
	return nil
}

// run is the worker loop: claim a batch, process it, sleep when idle.
func (d *Dispatcher) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := d.runCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			cycleErrors.Inc()
			d.log.Errorw("dispatch cycle failed", "error", err)
			if !sleepCtx(ctx, errorCoolDown) {
				return
			}
			continue
		}

		if n == 0 {
			if !sleepCtx(ctx, d.opts.PollInterval) {
				return
			}
		}
	}
}

// runCycle claims one batch and processes the claimed events in order.
// An event that has begun publishing is always settled; on stop the
// remaining events are abandoned unpublished, so Stop waits only for the
// one in flight and the rest are reclaimed on the next poll.
func (d *Dispatcher) runCycle(ctx context.Context) (int, error) {
	events, err := d.store.ClaimBatch(ctx, d.opts.BatchSize, d.opts.Retry)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}
	claimBatches.Inc()

	// Settlement must outlive stop, so each event runs on an
	// uncancellable context; the cancellable ctx is checked between
	// events.
	procCtx := context.WithoutCancel(ctx)
	processed := 0
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		d.processEvent(procCtx, event)
		processed++
	}
	return processed, nil
}

// processEvent publishes one event and settles the outcome. Errors are
// isolated per event: a failing publish or settlement never aborts the
// rest of the batch.
func (d *Dispatcher) processEvent(ctx context.Context, event *outbox.Event) {
	ctx, span := tracer.Start(ctx, "dispatch.event",
		trace.WithAttributes(
			attribute.String("event.id", event.ID.String()),
			attribute.String("event.type", event.EventType),
		))
	defer span.End()

	if err := d.publisher.Publish(ctx, event); err != nil {
		publishFailures.Inc()
		status, settleErr := d.store.MarkFailed(ctx, event.ID, err.Error(), event.Attempts, d.opts.Retry)
		if settleErr != nil {
			// Swallowed: the row stays claimable and will be retried.
			d.log.Errorw("CRITICAL: failed to settle publish failure",
				"event_id", event.ID, "error", settleErr, "publish_error", err)
			return
		}
		if status == outbox.StatusDead {
			eventsDead.Inc()
			d.log.Errorw("event dead-lettered",
				"event_id", event.ID, "event_type", event.EventType,
				"attempts", event.Attempts+1, "error", err)
			return
		}
		d.log.Warnw("publish failed, retry scheduled",
			"event_id", event.ID, "attempts", event.Attempts+1, "error", err)
		return
	}

	if err := d.store.MarkSent(ctx, event.ID); err != nil {
		// The publish already happened; losing this write means a
		// duplicate delivery on the next claim, which is the stated
		// at-least-once boundary.
		d.log.Errorw("CRITICAL: failed to settle published event",
			"event_id", event.ID, "error", err)
		return
	}
	eventsPublished.Inc()
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
