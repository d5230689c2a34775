package dispatch

import (
	"context"

	"relaybox/outbox"
)

// Publisher delivers claimed events to the message transport. It is
// user-supplied; the dispatcher calls Start once before the first claim
// and Stop after the worker has drained.
//
// Publish returns an error on transient or permanent failure; the
// dispatcher treats every error as retryable until the attempt budget is
// exhausted.
type Publisher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Publish(ctx context.Context, event *outbox.Event) error
}

// PublisherFunc adapts a plain send function to a Publisher with no-op
// lifecycle.
type PublisherFunc func(ctx context.Context, event *outbox.Event) error

func (f PublisherFunc) Start(ctx context.Context) error { return nil }

func (f PublisherFunc) Stop(ctx context.Context) error { return nil }

func (f PublisherFunc) Publish(ctx context.Context, event *outbox.Event) error {
	return f(ctx, event)
}
