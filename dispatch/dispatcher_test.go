package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybox/core/id"
	"relaybox/outbox"
	"relaybox/pkg/logger"
)

// fakeStore is an in-memory dispatch.Store honoring the claim contract:
// pending rows plus due failed rows, ascending created_at, terminal rows
// never returned.
type fakeStore struct {
	mu     sync.Mutex
	events map[id.ID]*outbox.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{events: make(map[id.ID]*outbox.Event)}
}

func (f *fakeStore) add(ev *outbox.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[ev.ID] = ev
}

func (f *fakeStore) get(eventID id.ID) outbox.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.events[eventID]
}

func (f *fakeStore) ClaimBatch(ctx context.Context, batchSize int, policy RetryPolicy) ([]*outbox.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UTC()
	var claimable []*outbox.Event
	for _, ev := range f.events {
		switch ev.Status {
		case outbox.StatusPending:
			claimable = append(claimable, ev)
		case outbox.StatusFailed:
			if ev.Attempts < policy.MaxAttempts && ev.NextAttemptAt != nil && !ev.NextAttemptAt.After(now) {
				claimable = append(claimable, ev)
			}
		}
	}
	sort.Slice(claimable, func(i, j int) bool {
		return claimable[i].CreatedAt.Before(claimable[j].CreatedAt)
	})
	if len(claimable) > batchSize {
		claimable = claimable[:batchSize]
	}

	out := make([]*outbox.Event, 0, len(claimable))
	for _, ev := range claimable {
		snapshot := *ev
		out = append(out, &snapshot)
	}
	return out, nil
}

func (f *fakeStore) MarkSent(ctx context.Context, eventID id.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ev := f.events[eventID]
	if ev.Status == outbox.StatusSent || ev.Status == outbox.StatusDead {
		return nil
	}
	now := time.Now().UTC()
	ev.Status = outbox.StatusSent
	ev.PublishedAt = &now
	ev.NextAttemptAt = nil
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, eventID id.ID, errMsg string, priorAttempts int, policy RetryPolicy) (outbox.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ev := f.events[eventID]
	if ev.Status == outbox.StatusSent || ev.Status == outbox.StatusDead {
		return ev.Status, nil
	}

	now := time.Now().UTC()
	ev.Attempts = priorAttempts + 1
	ev.LastError = &errMsg
	if ev.Attempts >= policy.MaxAttempts {
		ev.Status = outbox.StatusDead
		ev.DeadAt = &now
		ev.NextAttemptAt = nil
		return outbox.StatusDead, nil
	}
	ev.Status = outbox.StatusFailed
	next := now.Add(Backoff(ev.Attempts, policy))
	ev.NextAttemptAt = &next
	return outbox.StatusFailed, nil
}

// fakePublisher records publishes and can fail or stall per event.
type fakePublisher struct {
	mu       sync.Mutex
	calls    []id.ID
	failWith error
	failFor  map[id.ID]error
	delay    time.Duration
	started  bool
	stopped  bool
	startErr error
}

func (p *fakePublisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	return p.startErr
}

func (p *fakePublisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

func (p *fakePublisher) Publish(ctx context.Context, event *outbox.Event) error {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, event.ID)
	if err, ok := p.failFor[event.ID]; ok {
		return err
	}
	return p.failWith
}

func (p *fakePublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func newTestEvent(createdAt time.Time) *outbox.Event {
	return &outbox.Event{
		ID:            id.New(),
		AggregateType: "Order",
		AggregateID:   "order-1",
		EventType:     "OrderPlaced",
		Payload:       []byte(`{"total":100}`),
		Status:        outbox.StatusPending,
		CreatedAt:     createdAt,
	}
}

func testOptions() Options {
	return Options{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    50,
		Retry: RetryPolicy{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			BackoffMultiplier: 2,
		},
		Logger: logger.Nop(),
	}
}

func TestDispatcher_PublishesPendingEvent(t *testing.T) {
	store := newFakeStore()
	ev := newTestEvent(time.Now().UTC())
	store.add(ev)

	pub := &fakePublisher{}
	d := New(store, pub, testOptions())

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background()) //nolint:errcheck

	require.Eventually(t, func() bool {
		return store.get(ev.ID).Status == outbox.StatusSent
	}, 2*time.Second, 5*time.Millisecond)

	got := store.get(ev.ID)
	require.NotNil(t, got.PublishedAt)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 1, pub.callCount())
}

func TestDispatcher_RetryUntilDead(t *testing.T) {
	store := newFakeStore()
	ev := newTestEvent(time.Now().UTC())
	store.add(ev)

	pub := &fakePublisher{failWith: errors.New("broker unavailable")}
	d := New(store, pub, testOptions())

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background()) //nolint:errcheck

	require.Eventually(t, func() bool {
		return store.get(ev.ID).Status == outbox.StatusDead
	}, 2*time.Second, 5*time.Millisecond)

	got := store.get(ev.ID)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.DeadAt)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "broker unavailable", *got.LastError)
	assert.Equal(t, 3, pub.callCount())

	// dead is absorbing: no further claims deliver it
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, pub.callCount())
}

func TestDispatcher_PerEventErrorIsolation(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	bad := newTestEvent(now)
	good := newTestEvent(now.Add(time.Millisecond))
	store.add(bad)
	store.add(good)

	pub := &fakePublisher{failFor: map[id.ID]error{bad.ID: errors.New("poison event")}}
	d := New(store, pub, testOptions())

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background()) //nolint:errcheck

	require.Eventually(t, func() bool {
		return store.get(good.ID).Status == outbox.StatusSent &&
			store.get(bad.ID).Status == outbox.StatusDead
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcher_GracefulStop(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		store.add(newTestEvent(now.Add(time.Duration(i) * time.Millisecond)))
	}

	pub := &fakePublisher{delay: 30 * time.Millisecond}
	opts := testOptions()
	opts.BatchSize = 1
	d := New(store, pub, opts)

	require.NoError(t, d.Start(context.Background()))
	time.Sleep(45 * time.Millisecond)
	require.NoError(t, d.Stop(context.Background()))

	// Every publish that happened was settled, and nothing new is
	// claimed after Stop returns.
	published := pub.callCount()
	for _, eventID := range pub.calls {
		assert.Equal(t, outbox.StatusSent, store.get(eventID).Status)
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, published, pub.callCount())
	assert.True(t, pub.stopped)
}

func TestDispatcher_StopAbandonsUnstartedBatch(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	ids := make([]id.ID, 0, 5)
	for i := 0; i < 5; i++ {
		ev := newTestEvent(now.Add(time.Duration(i) * time.Millisecond))
		store.add(ev)
		ids = append(ids, ev.ID)
	}

	// Default batch size: the whole backlog is claimed in one batch.
	pub := &fakePublisher{delay: 50 * time.Millisecond}
	d := New(store, pub, testOptions())

	require.NoError(t, d.Start(context.Background()))
	time.Sleep(75 * time.Millisecond)

	stoppedAt := time.Now()
	require.NoError(t, d.Stop(context.Background()))
	elapsed := time.Since(stoppedAt)

	// Stop waits for the one event in flight, not for the rest of the
	// claimed batch (draining 3+ more events would take 150ms+).
	assert.Less(t, elapsed, 150*time.Millisecond)

	published := pub.callCount()
	assert.Less(t, published, 5)
	for _, eventID := range pub.calls {
		assert.Equal(t, outbox.StatusSent, store.get(eventID).Status)
	}

	// Abandoned events were never mutated and stay claimable.
	pending := 0
	for _, eventID := range ids {
		if store.get(eventID).Status == outbox.StatusPending {
			pending++
		}
	}
	assert.Equal(t, 5-published, pending)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, published, pub.callCount())
}

func TestDispatcher_StartErrors(t *testing.T) {
	store := newFakeStore()

	t.Run("publisher start failure", func(t *testing.T) {
		pub := &fakePublisher{startErr: errors.New("no connection")}
		d := New(store, pub, testOptions())
		assert.Error(t, d.Start(context.Background()))
	})

	t.Run("double start", func(t *testing.T) {
		pub := &fakePublisher{}
		d := New(store, pub, testOptions())
		require.NoError(t, d.Start(context.Background()))
		defer d.Stop(context.Background()) //nolint:errcheck
		assert.Error(t, d.Start(context.Background()))
	})

	t.Run("stop without start", func(t *testing.T) {
		d := New(store, &fakePublisher{}, testOptions())
		assert.NoError(t, d.Stop(context.Background()))
	})
}

func TestDispatcher_LifecycleCallsPublisher(t *testing.T) {
	pub := &fakePublisher{}
	d := New(newFakeStore(), pub, testOptions())

	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Stop(context.Background()))
	assert.True(t, pub.started)
	assert.True(t, pub.stopped)
}

func TestPublisherFunc(t *testing.T) {
	var got *outbox.Event
	pub := PublisherFunc(func(ctx context.Context, event *outbox.Event) error {
		got = event
		return nil
	})

	assert.NoError(t, pub.Start(context.Background()))
	assert.NoError(t, pub.Stop(context.Background()))

	ev := newTestEvent(time.Now().UTC())
	require.NoError(t, pub.Publish(context.Background(), ev))
	assert.Equal(t, ev, got)
}
