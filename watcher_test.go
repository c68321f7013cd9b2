package redundancy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletionSignal_ResolveOnce(t *testing.T) {
	sig := newCompletionSignal()

	_, ok := sig.State()
	assert.False(t, ok)

	var wg sync.WaitGroup
	wins := make(chan ServerState, 8)
	for _, st := range []ServerState{StateFailed, StateShutdown, StateFailed, StateShutdown} {
		wg.Add(1)
		go func(st ServerState) {
			defer wg.Done()
			if sig.Resolve(st) {
				wins <- st
			}
		}(st)
	}
	wg.Wait()
	close(wins)

	var winners []ServerState
	for st := range wins {
		winners = append(winners, st)
	}
	require.Len(t, winners, 1)

	state, ok := sig.State()
	assert.True(t, ok)
	assert.Equal(t, winners[0], state)

	got, err := sig.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, winners[0], got)

	assert.False(t, sig.Resolve(StateSuspended))
	state, _ = sig.State()
	assert.Equal(t, winners[0], state)
}

func TestCompletionSignal_WaitCancelled(t *testing.T) {
	sig := newCompletionSignal()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sig.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWatcher_ResolvesOnStepDown(t *testing.T) {
	tests := []struct {
		name     string
		stepDown func(*ServerInstance) error
		want     ServerState
	}{
		{"fail", func(s *ServerInstance) error { return s.ForceFail(context.Background()) }, StateFailed},
		{"shutdown", func(s *ServerInstance) error { return s.Deactivate(context.Background(), 0) }, StateShutdown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, instances := newTestInstances(t, []string{"a", "b"})
			server, client := instances[0], instances[1]
			require.NoError(t, server.Activate(context.Background()))

			w := NewWatcher(client, server, nil)
			sig := w.Attach()
			defer w.Detach()
			assert.Same(t, sig, w.Attach())

			_, ok := sig.State()
			assert.False(t, ok, "resolved while the server is running")

			require.NoError(t, tt.stepDown(server))

			state, err := sig.Wait(contextWithTimeout(t, time.Second))
			require.NoError(t, err)
			assert.Equal(t, tt.want, state)
		})
	}
}

func TestWatcher_AttachAfterStepDown(t *testing.T) {
	_, instances := newTestInstances(t, []string{"a", "b"})
	server := instances[0]
	require.NoError(t, server.Activate(context.Background()))
	require.NoError(t, server.ForceFail(context.Background()))

	w := NewWatcher(instances[1], server, nil)
	sig := w.Attach()
	defer w.Detach()

	state, err := sig.Wait(contextWithTimeout(t, time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
}

func TestWatcher_IgnoresNonStepDownChanges(t *testing.T) {
	_, instances := newTestInstances(t, []string{"a", "b"})
	server := instances[0]

	w := NewWatcher(instances[1], server, nil)
	w.handle([]StateChange{{ServerID: "a", State: StateRunning}})
	w.handle([]StateChange{{ServerID: "b", State: StateFailed}})
	w.handle(nil)

	_, ok := w.Signal().State()
	assert.False(t, ok)

	w.handle([]StateChange{{ServerID: "a", State: StateShutdown}})
	state, ok := w.Signal().State()
	assert.True(t, ok)
	assert.Equal(t, StateShutdown, state)
}

func TestWatcher_UnexpectedBatch(t *testing.T) {
	_, instances := newTestInstances(t, []string{"a", "b"})

	w := NewWatcher(instances[1], instances[0], nil)
	w.handle([]StateChange{
		{ServerID: "a", State: StateShutdown},
		{ServerID: "a", State: StateRunning},
	})

	// Resolved anyway, with the last state of the batch.
	state, ok := w.Signal().State()
	require.True(t, ok)
	assert.Equal(t, StateRunning, state)

	// Later deliveries have no effect.
	w.handle([]StateChange{{ServerID: "a", State: StateFailed}})
	state, _ = w.Signal().State()
	assert.Equal(t, StateRunning, state)
}

func TestWatcher_SelfHosted(t *testing.T) {
	_, instances := newTestInstances(t, []string{"solo"})
	solo := instances[0]
	require.NoError(t, solo.Activate(context.Background()))

	w := NewWatcher(solo, solo, nil)
	sig := w.Attach()
	defer w.Detach()

	require.NoError(t, solo.ForceFail(context.Background()))

	state, err := sig.Wait(contextWithTimeout(t, time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
}

func TestWatcher_DetachIdempotent(t *testing.T) {
	_, instances := newTestInstances(t, []string{"a", "b"})
	w := NewWatcher(instances[1], instances[0], nil)
	w.Attach()
	w.Detach()
	w.Detach()
}

func contextWithTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestSubscription_MissedOnOverflow(t *testing.T) {
	var b broadcaster
	sub := b.subscribe()
	defer sub.Unsubscribe()

	for i := 0; i < cap(sub.ch); i++ {
		assert.Equal(t, 0, b.publish(StateChange{ServerID: "a", State: StateRunning}))
	}
	select {
	case <-sub.Missed():
		t.Fatal("missed flagged without a drop")
	default:
	}

	assert.Equal(t, 1, b.publish(StateChange{ServerID: "a", State: StateFailed}))
	assert.Equal(t, 1, b.publish(StateChange{ServerID: "a", State: StateFailed}))
	select {
	case <-sub.Missed():
	default:
		t.Fatal("drop not flagged")
	}
}

func TestWatcher_ResolvesAfterDroppedStepDown(t *testing.T) {
	_, instances := newTestInstances(t, []string{"a", "b"})
	server := instances[0]
	require.NoError(t, server.Activate(context.Background()))

	// Fill the subscription before the loop runs, so the failure is dropped.
	w := NewWatcher(instances[1], server, nil)
	w.sub = server.Subscribe()
	for i := 0; i < cap(w.sub.ch); i++ {
		server.bus.publish(StateChange{ServerID: "a", State: StateRunning})
	}
	require.NoError(t, server.ForceFail(context.Background()))

	w.wg.Add(1)
	go w.loop()
	defer w.Detach()

	state, err := w.Signal().Wait(contextWithTimeout(t, time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
}
