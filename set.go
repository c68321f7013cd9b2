package redundancy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Phase is the orchestrator state of a RedundantSet.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseRotating
	PhaseDrained
	PhaseStopped
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseRunning:
		return "RUNNING"
	case PhaseRotating:
		return "ROTATING"
	case PhaseDrained:
		return "DRAINED"
	case PhaseStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// RedundantSet owns N server instances and keeps exactly one of them
// serving, rotating to the next eligible instance whenever it steps down.
type RedundantSet struct {
	cfg     Config
	logger  *slog.Logger
	factory EndpointFactory
	hooks   Hooks
	metrics *Metrics
	rng     *lockedRand
	dir     *Directory

	mu       sync.RWMutex
	queue    []*ServerInstance
	current  *ServerInstance
	client   *ServerInstance
	phase    Phase
	history  []string
	rebuilds int
	running  bool
	finished bool

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// New builds a set of cfg.Size instances sharing one directory. Every record
// starts Suspended with service level 1 and the first instance is current.
func New(cfg Config, opts ...Option) (*RedundantSet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.applyDefaults()

	s := &RedundantSet{
		cfg:     cfg,
		logger:  cfg.Logger,
		factory: MemoryEndpoints(),
		hooks:   NoOpHooks{},
		phase:   PhaseIdle,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg.Logger = s.logger
	s.logger = s.logger.With("component", "set", "set", cfg.SetID)
	if s.metrics == nil {
		s.metrics = NewMetrics(cfg.SetID)
	}
	s.rng = newLockedRand(cfg.Seed)

	records := make([]StatusRecord, len(cfg.ServerIDs))
	for i, id := range cfg.ServerIDs {
		records[i] = StatusRecord{ID: id, ServiceLevel: ServiceLevelActive, State: StateSuspended}
	}
	dir, err := NewDirectory(records)
	if err != nil {
		return nil, err
	}
	s.dir = dir

	s.queue = make([]*ServerInstance, 0, len(cfg.ServerIDs))
	for _, id := range cfg.ServerIDs {
		inst, err := s.newInstance(id)
		if err != nil {
			return nil, err
		}
		s.queue = append(s.queue, inst)
	}

	first := s.queue[0].ID()
	if err := dir.SetCurrentServerID(first); err != nil {
		return nil, err
	}
	s.current = s.queue[0]
	s.client = s.clientForLocked(first)

	s.metrics.currentServer(cfg.ServerIDs, first)
	s.metrics.phase(PhaseIdle)
	for _, rec := range records {
		s.metrics.instanceState(rec.ID, rec.State, rec.ServiceLevel)
	}

	s.logger.Info("redundant set created", "size", cfg.Size, "current", first)
	return s, nil
}

func (s *RedundantSet) newInstance(id string) (*ServerInstance, error) {
	ep, err := s.factory(id)
	if err != nil {
		return nil, fmt.Errorf("build endpoint for %s: %w", id, err)
	}
	return newServerInstance(id, &s.cfg, s.dir, ep, s.rng, s.metrics), nil
}

// Directory returns the shared redundancy directory.
func (s *RedundantSet) Directory() *Directory {
	return s.dir
}

// Metrics returns the set's metrics.
func (s *RedundantSet) Metrics() *Metrics {
	return s.metrics
}

// ID returns the set id.
func (s *RedundantSet) ID() string {
	return s.cfg.SetID
}

// Current returns the instance the current server id points at.
func (s *RedundantSet) Current() *ServerInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Client returns the instance hosting the failover watcher. In a set of one
// it is the current instance itself.
func (s *RedundantSet) Client() *ServerInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// Instances returns the instances in rotation order.
func (s *RedundantSet) Instances() []*ServerInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ServerInstance, len(s.queue))
	copy(out, s.queue)
	return out
}

// Instance returns the instance with the given id.
func (s *RedundantSet) Instance(id string) (*ServerInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx := s.indexLocked(id); idx >= 0 {
		return s.queue[idx], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Phase returns the orchestrator phase.
func (s *RedundantSet) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// History returns the ids of every successful activation, in order.
func (s *RedundantSet) History() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.history))
	copy(out, s.history)
	return out
}

// Rebuilds returns how many instances were rebuilt.
func (s *RedundantSet) Rebuilds() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rebuilds
}

// Done returns a channel closed when Run has returned.
func (s *RedundantSet) Done() <-chan struct{} {
	return s.doneCh
}

// Run drives the rotation loop until no eligible instance remains, the set is
// shut down or ctx is cancelled. Instance failures drive rotation; rebuild
// exhaustion, endpoint stop failures and directory inconsistencies are
// returned.
func (s *RedundantSet) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSetAlreadyRunning
	}
	if s.finished {
		s.mu.Unlock()
		return ErrSetStopped
	}
	s.running = true
	s.mu.Unlock()
	defer close(s.doneCh)

	s.logger.Info("starting redundant set")

	if s.cfg.MetricsAddr != "" {
		if err := s.metrics.Serve(ctx, s.cfg.MetricsAddr); err != nil {
			s.logger.Warn("failed to start metrics server", "error", err)
		}
	}

	err := s.loop(ctx)

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownGrace+10*time.Second)
	cleanupErr := s.deactivateAll(cleanupCtx)
	cancel()

	s.mu.Lock()
	if s.phase != PhaseDrained {
		s.phase = PhaseStopped
	}
	phase := s.phase
	s.running = false
	s.finished = true
	s.mu.Unlock()
	s.metrics.phase(phase)

	if s.cfg.MetricsAddr != "" {
		s.metrics.Stop()
	}

	switch {
	case errors.Is(err, ErrSetStopped):
		err = nil
	case err != nil && ctx.Err() == nil:
		s.logger.Error("redundant set failed", "error", err)
	}

	s.logger.Info("exiting redundant set", "phase", phase, "history", s.History())
	return errors.Join(err, cleanupErr)
}

// Shutdown stops the rotation loop and deactivates every running instance.
// It waits for Run to return, or ctx to be done.
func (s *RedundantSet) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.logger.Info("shutdown requested")
		close(s.stopCh)
	})

	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()

	if !running {
		s.mu.Lock()
		s.finished = true
		if s.phase != PhaseDrained {
			s.phase = PhaseStopped
		}
		s.mu.Unlock()
		return s.deactivateAll(ctx)
	}

	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StepDown gracefully shuts the current server down, triggering rotation.
func (s *RedundantSet) StepDown(ctx context.Context) error {
	return s.Current().Deactivate(ctx, s.cfg.ShutdownGrace)
}

// FailCurrent forces the current server into Failed, triggering rotation.
func (s *RedundantSet) FailCurrent(ctx context.Context) error {
	return s.Current().ForceFail(ctx)
}

// Observe returns a diagnostic snapshot. Values that cannot be read are
// reported as unavailable.
func (s *RedundantSet) Observe() Observation {
	snap := s.dir.Snapshot()
	return Observation{
		SetID:     s.cfg.SetID,
		Phase:     s.Phase(),
		CurrentID: snap.CurrentID,
		Current:   viewOf(s.Current()),
		Client:    viewOf(s.Client()),
		Records:   snap.Records,
		History:   s.History(),
	}
}

func viewOf(inst *ServerInstance) InstanceView {
	if inst == nil {
		return InstanceView{}
	}
	v := InstanceView{
		ID:           inst.ID(),
		Role:         inst.Role(),
		State:        inst.State(),
		ServiceLevel: inst.ServiceLevel(),
		Available:    true,
	}
	v.AnalogValue, v.HasValue = inst.AnalogValue()
	return v
}

func (s *RedundantSet) loop(ctx context.Context) error {
	single := len(s.Instances()) == 1

	for {
		if err := s.interrupted(ctx); err != nil {
			return err
		}

		current := s.Current()
		s.setPhase(PhaseRunning)

		active, err := s.activate(ctx, current)
		switch {
		case errors.Is(err, ErrEndpointStart):
			s.logger.Warn("current server failed to start", "server", current.ID(), "error", err)
		case err != nil:
			return err
		default:
			if err := s.awaitStepDown(ctx, active); err != nil {
				return err
			}
		}

		if single {
			s.drained(ctx)
			return nil
		}

		s.setPhase(PhaseRotating)
		next := s.rotate(current.ID())
		if next == nil {
			s.drained(ctx)
			return nil
		}

		if err := s.dir.SetCurrentServerID(next.ID()); err != nil {
			return fmt.Errorf("publish current server id: %w", err)
		}

		s.mu.Lock()
		s.current = next
		s.client = s.clientForLocked(next.ID())
		s.mu.Unlock()

		s.metrics.currentServer(s.cfg.ServerIDs, next.ID())
		s.metrics.rotation()
		s.logger.Info("rotated current server", "from", current.ID(), "to", next.ID())
		if err := s.hooks.OnRotate(ctx, current.ID(), next.ID()); err != nil {
			s.logger.Error("OnRotate hook failed", "error", err)
		}
	}
}

// activate starts inst, rebuilding it once if it refuses.
func (s *RedundantSet) activate(ctx context.Context, inst *ServerInstance) (*ServerInstance, error) {
	err := inst.Activate(ctx)
	if errors.Is(err, ErrRoleViolation) {
		s.logger.Warn("activation refused, rebuilding instance", "server", inst.ID(), "error", err)

		rebuilt, rerr := s.rebuild(inst)
		if rerr != nil {
			return nil, rerr
		}
		inst = rebuilt

		err = inst.Activate(ctx)
		if errors.Is(err, ErrRoleViolation) {
			return nil, fmt.Errorf("%w: %s: %w", ErrRebuildExhausted, inst.ID(), err)
		}
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.history = append(s.history, inst.ID())
	s.mu.Unlock()

	s.metrics.activation(inst.ID())
	if err := s.hooks.OnActivate(ctx, inst.ID()); err != nil {
		s.logger.Error("OnActivate hook failed", "error", err)
	}
	return inst, nil
}

// rebuild replaces old with a fresh instance of the same id at the same
// position. The rebuilt instance starts Suspended with service level 1.
func (s *RedundantSet) rebuild(old *ServerInstance) (*ServerInstance, error) {
	inst, err := s.newInstance(old.ID())
	if err != nil {
		return nil, err
	}
	if err := s.dir.UpdateRecord(StatusRecord{ID: old.ID(), ServiceLevel: ServiceLevelActive, State: StateSuspended}); err != nil {
		return nil, fmt.Errorf("republish rebuilt %s: %w", old.ID(), err)
	}

	s.mu.Lock()
	idx := s.indexLocked(old.ID())
	if idx < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, old.ID())
	}
	s.queue[idx] = inst
	if s.current == old {
		s.current = inst
	}
	if s.client == old {
		s.client = inst
	}
	s.rebuilds++
	s.mu.Unlock()

	old.close()
	s.metrics.rebuild(inst.ID())
	s.metrics.instanceState(inst.ID(), StateSuspended, ServiceLevelActive)
	s.logger.Info("instance rebuilt", "server", inst.ID())
	return inst, nil
}

// awaitStepDown blocks until current steps down and its endpoint is released.
func (s *RedundantSet) awaitStepDown(ctx context.Context, current *ServerInstance) error {
	host := s.Client()
	if host == nil {
		host = current
	}
	w := NewWatcher(host, current, s.cfg.Logger)
	sig := w.Attach()
	defer w.Detach()

	var state ServerState
	select {
	case <-sig.Done():
		state, _ = sig.State()
	case <-s.stopCh:
		return ErrSetStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("current server stepped down", "server", current.ID(), "state", state)
	if err := s.hooks.OnStepDown(ctx, current.ID(), state); err != nil {
		s.logger.Error("OnStepDown hook failed", "error", err)
	}

	if !state.SteppedDown() {
		// Resolved by an unexpected batch while the server still runs.
		s.logger.Warn("server still running after watcher resolved, shutting it down", "server", current.ID())
		if err := current.Deactivate(ctx, s.cfg.ShutdownGrace); err != nil && !errors.Is(err, ErrNotRunning) {
			return err
		}
	}

	if wait := time.Until(current.ShutdownDeadline()); wait > 0 {
		s.logger.Info("waiting for server shutdown", "server", current.ID(), "seconds", current.SecondsUntilShutdown())
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.stopCh:
			timer.Stop()
			return ErrSetStopped
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	select {
	case <-current.Released():
	case <-s.stopCh:
		return ErrSetStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	return current.StopErr()
}

// rotate moves id to the tail of the queue and returns the first eligible
// instance, or nil if none remains.
func (s *RedundantSet) rotate(id string) *ServerInstance {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx := s.indexLocked(id); idx >= 0 {
		inst := s.queue[idx]
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		s.queue = append(s.queue, inst)
		s.logger.Info("moved server to the tail of the set", "server", id)
	}

	for _, inst := range s.queue {
		if inst.State().Eligible() {
			return inst
		}
	}
	return nil
}

func (s *RedundantSet) drained(ctx context.Context) {
	s.setPhase(PhaseDrained)
	s.logger.Info("no eligible server left, set drained")
	if err := s.hooks.OnDrained(ctx); err != nil {
		s.logger.Error("OnDrained hook failed", "error", err)
	}
}

// deactivateAll shuts down every running instance and waits for pending
// releases.
func (s *RedundantSet) deactivateAll(ctx context.Context) error {
	var errs []error
	for _, inst := range s.Instances() {
		if inst.State() == StateRunning {
			if err := inst.Deactivate(ctx, s.cfg.ShutdownGrace); err != nil && !errors.Is(err, ErrNotRunning) {
				errs = append(errs, err)
			}
		}
		select {
		case <-inst.Released():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for %s to release: %w", inst.ID(), ctx.Err()))
		}
		inst.cancelTasks()
	}
	return errors.Join(errs...)
}

func (s *RedundantSet) interrupted(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return ErrSetStopped
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (s *RedundantSet) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
	s.metrics.phase(p)
}

// clientForLocked returns the first queued instance that is not current.
func (s *RedundantSet) clientForLocked(current string) *ServerInstance {
	for _, inst := range s.queue {
		if inst.ID() != current {
			return inst
		}
	}
	if len(s.queue) > 0 {
		return s.queue[0]
	}
	return nil
}

func (s *RedundantSet) indexLocked(id string) int {
	for i, inst := range s.queue {
		if inst.ID() == id {
			return i
		}
	}
	return -1
}
