package redundancy_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redundancy "github.com/ozanturksever/go-redundancy"
	"github.com/ozanturksever/go-redundancy/endpoint"
)

// fastConfig fails every server after 30ms.
func fastConfig(size int) redundancy.Config {
	return redundancy.Config{
		Size:            size,
		SamplerInterval: 10 * time.Millisecond,
		FaultDelayMin:   30 * time.Millisecond,
		FaultDelayMax:   30 * time.Millisecond,
		ShutdownGrace:   20 * time.Millisecond,
		Seed:            7,
	}
}

func instanceIDs(insts []*redundancy.ServerInstance) []string {
	ids := make([]string, len(insts))
	for i, inst := range insts {
		ids[i] = inst.ID()
	}
	return ids
}

func runSet(t *testing.T, set *redundancy.RedundantSet, timeout time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return set.Run(ctx)
}

func TestNew_InitialState(t *testing.T) {
	set, err := redundancy.New(redundancy.Config{Size: 3})
	require.NoError(t, err)

	dir := set.Directory()
	records := dir.StatusArray()
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, []string{"server-0", "server-1", "server-2"}[i], rec.ID)
		assert.Equal(t, redundancy.StateSuspended, rec.State)
		assert.Equal(t, redundancy.ServiceLevelActive, rec.ServiceLevel)
	}
	assert.Equal(t, "server-0", dir.CurrentServerID())
	assert.Equal(t, "server-0", set.Current().ID())
	assert.Equal(t, "server-1", set.Client().ID())
	assert.Equal(t, redundancy.PhaseIdle, set.Phase())
	assert.Empty(t, set.History())

	// Every instance points at the same directory.
	for _, inst := range set.Instances() {
		assert.Equal(t, redundancy.StateSuspended, inst.State())
		wantRole := redundancy.RoleClient
		if inst.ID() == "server-0" {
			wantRole = redundancy.RoleServer
		}
		assert.Equal(t, wantRole, inst.Role())
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := redundancy.New(redundancy.Config{})
	assert.EqualError(t, err, "invalid config: Size must be at least 1")

	_, err = redundancy.New(redundancy.Config{Size: 2, ServerIDs: []string{"a", "a"}})
	assert.ErrorIs(t, err, redundancy.ErrDuplicateID)

	_, err = redundancy.New(redundancy.Config{Size: 1}, redundancy.WithEndpointFactory(
		func(string) (endpoint.Endpoint, error) { return nil, errors.New("no port") },
	))
	assert.Error(t, err)
}

func TestNew_NilOptionsKeepDefaults(t *testing.T) {
	set, err := redundancy.New(fastConfig(2),
		redundancy.WithLogger(nil),
		redundancy.WithHooks(nil),
		redundancy.WithEndpointFactory(nil),
		redundancy.WithMetrics(nil),
	)
	require.NoError(t, err)
	require.NotNil(t, set.Metrics())

	require.NoError(t, runSet(t, set, 5*time.Second))
	assert.Equal(t, []string{"server-0", "server-1"}, set.History())
}

func TestRun_RotatesThroughEveryServer(t *testing.T) {
	set, err := redundancy.New(fastConfig(3))
	require.NoError(t, err)

	require.NoError(t, runSet(t, set, 5*time.Second))

	assert.Equal(t, []string{"server-0", "server-1", "server-2"}, set.History())
	assert.Equal(t, redundancy.PhaseDrained, set.Phase())
	for _, rec := range set.Directory().StatusArray() {
		assert.Equal(t, redundancy.StateFailed, rec.State, rec.ID)
		assert.Equal(t, redundancy.ServiceLevelNone, rec.ServiceLevel, rec.ID)
	}
	assert.Equal(t, "server-2", set.Directory().CurrentServerID())
	for _, inst := range set.Instances() {
		assert.False(t, inst.Endpoint().(*endpoint.Memory).Running(), inst.ID())
	}
}

// Liveness with the demo timings: fixed 2s failures and a 500ms sampler.
func TestRun_LivenessDemoTimings(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping slow liveness test in short mode")
	}

	set, err := redundancy.New(redundancy.Config{
		Size:            3,
		SamplerInterval: 500 * time.Millisecond,
		FaultDelayMin:   2 * time.Second,
		FaultDelayMax:   2 * time.Second,
	})
	require.NoError(t, err)

	var observed []redundancy.Observation
	var mu sync.Mutex
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				obs := set.Observe()
				mu.Lock()
				observed = append(observed, obs)
				mu.Unlock()
			}
		}
	}()

	start := time.Now()
	require.NoError(t, runSet(t, set, 20*time.Second))
	close(stop)

	assert.Equal(t, []string{"server-0", "server-1", "server-2"}, set.History())
	assert.Less(t, time.Since(start), 10*time.Second)

	mu.Lock()
	defer mu.Unlock()
	sawValue := false
	for _, obs := range observed {
		if obs.Current.HasValue {
			sawValue = true
			assert.GreaterOrEqual(t, obs.Current.AnalogValue, 0.0)
			assert.Less(t, obs.Current.AnalogValue, 100.0)
		}
	}
	assert.True(t, sawValue, "never observed a sampled value")
}

func TestRun_SingleServer(t *testing.T) {
	set, err := redundancy.New(fastConfig(1))
	require.NoError(t, err)

	assert.Same(t, set.Current(), set.Client())

	require.NoError(t, runSet(t, set, 5*time.Second))
	assert.Equal(t, []string{"server-0"}, set.History())
	assert.Equal(t, redundancy.PhaseDrained, set.Phase())
	assert.Equal(t, redundancy.StateFailed, set.Current().State())
}

func TestRun_ShutdownModeRebuilds(t *testing.T) {
	cfg := fastConfig(2)
	cfg.FaultMode = redundancy.FaultModeShutdown

	set, err := redundancy.New(cfg)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- set.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		return set.Rebuilds() >= 2
	}, 10*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, set.Shutdown(ctx))
	require.NoError(t, <-errCh)

	history := set.History()
	require.GreaterOrEqual(t, len(history), 4)
	for i := 1; i < len(history); i++ {
		assert.NotEqual(t, history[i-1], history[i], "same server activated twice in a row")
	}
	assert.Equal(t, redundancy.PhaseStopped, set.Phase())

	insts := set.Instances()
	require.Len(t, insts, 2)
	assert.ElementsMatch(t, []string{"server-0", "server-1"}, instanceIDs(insts))
	for _, inst := range insts {
		assert.NotEqual(t, redundancy.StateRunning, inst.State(), inst.ID())
	}
}

func TestRun_RebuildExhausted(t *testing.T) {
	set, err := redundancy.New(fastConfig(2), redundancy.WithEndpointFactory(
		redundancy.MemoryEndpoints(endpoint.WithStartError(endpoint.ErrStopped)),
	))
	require.NoError(t, err)

	err = runSet(t, set, 5*time.Second)
	require.ErrorIs(t, err, redundancy.ErrRebuildExhausted)
	assert.ErrorIs(t, err, redundancy.ErrRoleViolation)
	assert.Equal(t, 1, set.Rebuilds())
	assert.Empty(t, set.History())
}

func TestRun_EndpointStartFailureRotates(t *testing.T) {
	factory := func(id string) (endpoint.Endpoint, error) {
		if id == "server-1" {
			return endpoint.NewMemory(id, endpoint.WithStartError(errors.New("port in use"))), nil
		}
		return endpoint.NewMemory(id), nil
	}

	set, err := redundancy.New(fastConfig(3), redundancy.WithEndpointFactory(factory))
	require.NoError(t, err)

	require.NoError(t, runSet(t, set, 5*time.Second))
	assert.Equal(t, []string{"server-0", "server-2"}, set.History())

	rec, err := set.Directory().Record("server-1")
	require.NoError(t, err)
	assert.Equal(t, redundancy.StateFailed, rec.State)
}

func TestRun_EndpointStopFailureIsFatal(t *testing.T) {
	set, err := redundancy.New(fastConfig(3), redundancy.WithEndpointFactory(
		redundancy.MemoryEndpoints(endpoint.WithStopError(errors.New("socket busy"))),
	))
	require.NoError(t, err)

	err = runSet(t, set, 5*time.Second)
	require.ErrorIs(t, err, redundancy.ErrEndpointStop)
	assert.Equal(t, []string{"server-0"}, set.History())
}

func TestRun_AlreadyRunning(t *testing.T) {
	cfg := fastConfig(2)
	cfg.DisableFaults = true
	set, err := redundancy.New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- set.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return set.Current().State() == redundancy.StateRunning
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, set.Run(ctx), redundancy.ErrSetAlreadyRunning)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, redundancy.StateShutdown, set.Current().State())

	assert.ErrorIs(t, set.Run(context.Background()), redundancy.ErrSetStopped)
}

func TestRun_StepDownAndFailCurrent(t *testing.T) {
	cfg := fastConfig(3)
	cfg.DisableFaults = true
	set, err := redundancy.New(cfg)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- set.Run(context.Background())
	}()

	waitRunning := func(id string) {
		t.Helper()
		require.Eventually(t, func() bool {
			cur := set.Current()
			return cur.ID() == id && cur.State() == redundancy.StateRunning
		}, 2*time.Second, 5*time.Millisecond)
	}

	ctx := context.Background()
	waitRunning("server-0")
	require.NoError(t, set.StepDown(ctx))

	waitRunning("server-1")
	require.NoError(t, set.FailCurrent(ctx))

	waitRunning("server-2")
	obs := set.Observe()
	assert.Equal(t, "server-2", obs.CurrentID)
	assert.Equal(t, redundancy.RoleServer, obs.Current.Role)
	assert.True(t, obs.Current.Available)
	assert.Equal(t, "server-0", obs.Client.ID)
	assert.Equal(t, redundancy.PhaseRunning, obs.Phase)

	require.NoError(t, set.FailCurrent(ctx))

	// server-0 was shut down, so it is selected again and rebuilt.
	waitRunning("server-0")
	assert.Equal(t, 1, set.Rebuilds())

	// The rebuilt instance takes its predecessor's slot in the queue.
	insts := set.Instances()
	require.Len(t, insts, 3)
	assert.Equal(t, []string{"server-0", "server-1", "server-2"}, instanceIDs(insts))
	assert.Same(t, set.Current(), insts[0])
	rebuilt, err := set.Instance("server-0")
	require.NoError(t, err)
	assert.Same(t, insts[0], rebuilt)

	require.NoError(t, set.Shutdown(ctx))
	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"server-0", "server-1", "server-2", "server-0"}, set.History())
}

func TestShutdown_BeforeRun(t *testing.T) {
	set, err := redundancy.New(fastConfig(2))
	require.NoError(t, err)

	require.NoError(t, set.Shutdown(context.Background()))
	assert.Equal(t, redundancy.PhaseStopped, set.Phase())
	assert.ErrorIs(t, set.Run(context.Background()), redundancy.ErrSetStopped)
}

type recordingHooks struct {
	redundancy.NoOpHooks

	mu        sync.Mutex
	activated []string
	steppedDn []redundancy.ServerState
	rotations [][2]string
	drained   int
}

func (h *recordingHooks) OnActivate(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activated = append(h.activated, id)
	return nil
}

func (h *recordingHooks) OnStepDown(_ context.Context, _ string, state redundancy.ServerState) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.steppedDn = append(h.steppedDn, state)
	return nil
}

func (h *recordingHooks) OnRotate(_ context.Context, from, to string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rotations = append(h.rotations, [2]string{from, to})
	return errors.New("hook errors are only logged")
}

func (h *recordingHooks) OnDrained(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drained++
	return nil
}

func TestRun_Hooks(t *testing.T) {
	hooks := &recordingHooks{}
	set, err := redundancy.New(fastConfig(3), redundancy.WithHooks(hooks))
	require.NoError(t, err)

	require.NoError(t, runSet(t, set, 5*time.Second))

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	assert.Equal(t, []string{"server-0", "server-1", "server-2"}, hooks.activated)
	assert.Equal(t, []redundancy.ServerState{redundancy.StateFailed, redundancy.StateFailed, redundancy.StateFailed}, hooks.steppedDn)
	assert.Equal(t, [][2]string{{"server-0", "server-1"}, {"server-1", "server-2"}}, hooks.rotations)
	assert.Equal(t, 1, hooks.drained)
}

func TestNoOpHooks(t *testing.T) {
	hooks := redundancy.NoOpHooks{}
	ctx := context.Background()

	assert.NoError(t, hooks.OnActivate(ctx, "a"))
	assert.NoError(t, hooks.OnStepDown(ctx, "a", redundancy.StateFailed))
	assert.NoError(t, hooks.OnRotate(ctx, "a", "b"))
	assert.NoError(t, hooks.OnDrained(ctx))
}
