package redundancy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ozanturksever/go-redundancy/endpoint"
)

// Endpoint properties maintained by an instance.
const (
	PropServerState         = "serverState"
	PropServiceLevel        = "serviceLevel"
	PropSecondsTillShutdown = "secondsTillShutdown"
	PropCurrentServerID     = "currentServerId"
)

// ServerInstance wraps one service endpoint and its redundancy state. It is
// owned by a RedundantSet; other instances only see it through the shared
// Directory.
type ServerInstance struct {
	id      string
	cfg     *Config
	dir     *Directory
	ep      endpoint.Endpoint
	rng     *lockedRand
	metrics *Metrics
	logger  *slog.Logger
	bus     broadcaster

	// transMu serializes transitions so the directory write and the
	// notification of one transition are never interleaved with another.
	transMu sync.Mutex

	mu           sync.RWMutex
	state        ServerState
	serviceLevel uint8
	cycle        string
	handle       *endpoint.Handle
	shutdownAt   time.Time
	stopErr      error
	released     chan struct{}
	sampler      *task
	injector     *task
}

func newServerInstance(id string, cfg *Config, dir *Directory, ep endpoint.Endpoint, rng *lockedRand, metrics *Metrics) *ServerInstance {
	released := make(chan struct{})
	close(released)

	return &ServerInstance{
		id:           id,
		cfg:          cfg,
		dir:          dir,
		ep:           ep,
		rng:          rng,
		metrics:      metrics,
		logger:       cfg.Logger.With("component", "instance", "set", cfg.SetID, "server", id),
		state:        StateSuspended,
		serviceLevel: ServiceLevelActive,
		released:     released,
	}
}

// ID returns the instance id.
func (s *ServerInstance) ID() string {
	return s.id
}

// State returns the local state.
func (s *ServerInstance) State() ServerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ServiceLevel returns the local service level.
func (s *ServerInstance) ServiceLevel() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serviceLevel
}

// Cycle returns the id of the current activation cycle, empty before the
// first activation.
func (s *ServerInstance) Cycle() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cycle
}

// Role reports whether this instance is the current server.
func (s *ServerInstance) Role() Role {
	if s.dir.CurrentServerID() == s.id {
		return RoleServer
	}
	return RoleClient
}

// AnalogValue returns the last sampled value, if any.
func (s *ServerInstance) AnalogValue() (float64, bool) {
	return s.ep.Value(endpoint.DataPointAnalog)
}

// Endpoint returns the wrapped service endpoint.
func (s *ServerInstance) Endpoint() endpoint.Endpoint {
	return s.ep
}

// ShutdownDeadline returns when the endpoint is due to be released after a
// step-down, or the zero time if none is pending.
func (s *ServerInstance) ShutdownDeadline() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shutdownAt
}

// SecondsUntilShutdown returns the published shutdown countdown, rounded up.
func (s *ServerInstance) SecondsUntilShutdown() uint32 {
	deadline := s.ShutdownDeadline()
	if deadline.IsZero() {
		return 0
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0
	}
	return uint32(math.Ceil(remaining.Seconds()))
}

// Released returns a channel closed once the endpoint started by the latest
// activation has been released.
func (s *ServerInstance) Released() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.released
}

// StopErr returns the error from releasing the endpoint, if it failed.
func (s *ServerInstance) StopErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopErr
}

// Subscribe returns a subscription to this instance's state changes.
func (s *ServerInstance) Subscribe() *Subscription {
	return s.bus.subscribe()
}

// Activate starts the endpoint and makes this instance the running server.
// It fails with ErrRoleViolation, without touching the directory, unless the
// instance is the current server and Suspended.
func (s *ServerInstance) Activate(ctx context.Context) error {
	if current := s.dir.CurrentServerID(); current != s.id {
		return fmt.Errorf("%w: %s is not the current server (current %q)", ErrRoleViolation, s.id, current)
	}

	s.transMu.Lock()
	defer s.transMu.Unlock()

	if state := s.State(); state != StateSuspended {
		return fmt.Errorf("%w: %s cannot activate from %s", ErrRoleViolation, s.id, state)
	}

	s.logger.Info("starting as server")
	h, err := s.ep.Start(ctx)
	if err != nil {
		if errors.Is(err, endpoint.ErrStopped) {
			return fmt.Errorf("%w: %s endpoint refuses to leave shutdown: %v", ErrRoleViolation, s.id, err)
		}
		s.metrics.endpointError(s.id, "start")
		if ferr := s.setStateLocked(StateFailed, ServiceLevelNone); ferr != nil {
			return ferr
		}
		return fmt.Errorf("%w: %s: %v", ErrEndpointStart, s.id, err)
	}

	s.mu.Lock()
	s.handle = &h
	s.cycle = uuid.NewString()
	s.shutdownAt = time.Time{}
	s.stopErr = nil
	s.released = make(chan struct{})
	s.mu.Unlock()

	s.ep.SetProperty(PropCurrentServerID, s.id)
	s.ep.SetProperty(PropSecondsTillShutdown, uint32(0))

	if err := s.setStateLocked(StateRunning, ServiceLevelActive); err != nil {
		_ = s.release(ctx)
		return err
	}

	s.startTasks()
	return nil
}

// Deactivate steps down gracefully: it publishes Shutdown with a countdown
// of grace, waits for it, then releases the endpoint.
func (s *ServerInstance) Deactivate(ctx context.Context, grace time.Duration) error {
	s.transMu.Lock()
	if state := s.State(); state != StateRunning {
		s.transMu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, s.id, state)
	}

	s.mu.Lock()
	s.shutdownAt = time.Now().Add(grace)
	s.mu.Unlock()
	s.ep.SetProperty(PropSecondsTillShutdown, uint32(math.Ceil(grace.Seconds())))

	s.logger.Info("server will be shut down", "grace", grace)
	err := s.setStateLocked(StateShutdown, ServiceLevelNone)
	s.cancelTasks()
	s.transMu.Unlock()

	if err != nil {
		return errors.Join(err, s.releaseAfterStepDown(context.WithoutCancel(ctx)))
	}

	if grace > 0 {
		timer := time.NewTimer(grace)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	return s.releaseAfterStepDown(context.WithoutCancel(ctx))
}

// ForceFail publishes Failed immediately and releases the endpoint without
// a grace period.
func (s *ServerInstance) ForceFail(ctx context.Context) error {
	s.transMu.Lock()
	if state := s.State(); state != StateRunning {
		s.transMu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, s.id, state)
	}

	s.mu.Lock()
	s.shutdownAt = time.Now()
	s.mu.Unlock()

	s.logger.Warn("server failed")
	err := s.setStateLocked(StateFailed, ServiceLevelNone)
	s.cancelTasks()
	s.transMu.Unlock()

	s.metrics.failure(s.id)
	return errors.Join(err, s.releaseAfterStepDown(ctx))
}

// SetState rewrites the local state, then this instance's directory record,
// then notifies subscribers. Transitions are not validated.
func (s *ServerInstance) SetState(state ServerState, serviceLevel uint8) error {
	s.transMu.Lock()
	defer s.transMu.Unlock()
	return s.setStateLocked(state, serviceLevel)
}

// setStateLocked requires transMu. The directory lock is taken and released
// inside UpdateRecord before any subscriber is notified.
func (s *ServerInstance) setStateLocked(state ServerState, serviceLevel uint8) error {
	s.mu.Lock()
	s.state = state
	s.serviceLevel = serviceLevel
	cycle := s.cycle
	s.mu.Unlock()

	if err := s.dir.UpdateRecord(StatusRecord{ID: s.id, ServiceLevel: serviceLevel, State: state}); err != nil {
		return fmt.Errorf("publish %s state: %w", s.id, err)
	}

	s.ep.SetProperty(PropServerState, state.String())
	s.ep.SetProperty(PropServiceLevel, serviceLevel)
	s.metrics.instanceState(s.id, state, serviceLevel)
	s.logger.Info("state changed", "state", state, "service_level", serviceLevel, "cycle", cycle)

	dropped := s.bus.publish(StateChange{
		ServerID:     s.id,
		State:        state,
		ServiceLevel: serviceLevel,
		Cycle:        cycle,
		At:           time.Now(),
	})
	if dropped > 0 {
		s.logger.Warn("state change dropped by slow subscribers", "dropped", dropped)
	}
	return nil
}

// releaseAfterStepDown releases the endpoint; an instance whose endpoint
// cannot be stopped is marked Failed so it is never reselected. It must not
// be called with transMu held.
func (s *ServerInstance) releaseAfterStepDown(ctx context.Context) error {
	err := s.release(ctx)
	if err != nil {
		s.transMu.Lock()
		if s.State() != StateFailed {
			_ = s.setStateLocked(StateFailed, ServiceLevelNone)
		}
		s.transMu.Unlock()
	}
	return err
}

// release stops the endpoint of the current cycle, once.
func (s *ServerInstance) release(ctx context.Context) error {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	released := s.released
	s.mu.Unlock()

	if h == nil {
		return nil
	}
	defer close(released)

	if err := s.ep.Stop(ctx, *h); err != nil {
		stopErr := fmt.Errorf("%w: %s: %v", ErrEndpointStop, s.id, err)
		s.logger.Error("failed to release endpoint", "error", err)
		s.metrics.endpointError(s.id, "stop")

		s.mu.Lock()
		s.stopErr = stopErr
		s.mu.Unlock()
		return stopErr
	}

	s.mu.Lock()
	s.shutdownAt = time.Time{}
	s.mu.Unlock()
	s.ep.SetProperty(PropSecondsTillShutdown, uint32(0))

	s.logger.Info("endpoint released")
	return nil
}

func (s *ServerInstance) startTasks() {
	sampler := startSampler(s.cfg.SamplerInterval, s.sample)

	var injector *task
	if !s.cfg.DisableFaults {
		delay := s.rng.duration(s.cfg.FaultDelayMin, s.cfg.FaultDelayMax)
		injector = startInjector(delay, s.injectFault)
		s.logger.Debug("failure scheduled", "delay", delay, "mode", s.cfg.FaultMode)
	}

	s.mu.Lock()
	s.sampler = sampler
	s.injector = injector
	s.mu.Unlock()
}

func (s *ServerInstance) cancelTasks() {
	s.mu.Lock()
	sampler, injector := s.sampler, s.injector
	s.sampler, s.injector = nil, nil
	s.mu.Unlock()

	sampler.Cancel()
	injector.Cancel()
}

func (s *ServerInstance) sample() {
	v := s.rng.float64Range(0, 100)
	if err := s.ep.Publish(endpoint.DataPointAnalog, v); err != nil {
		s.logger.Debug("sample not published", "error", err)
		return
	}
	s.metrics.analogValue(s.id, v)
}

func (s *ServerInstance) injectFault() {
	s.logger.Error("simulated fatal error", "mode", s.cfg.FaultMode)

	ctx := context.Background()
	var err error
	switch s.cfg.FaultMode {
	case FaultModeShutdown:
		err = s.Deactivate(ctx, s.cfg.ShutdownGrace)
	default:
		err = s.ForceFail(ctx)
	}
	if err != nil && !errors.Is(err, ErrNotRunning) {
		s.logger.Error("fault injection failed", "error", err)
	}
}

// close cancels tasks and ends every subscription. The instance must not be
// used afterwards.
func (s *ServerInstance) close() {
	s.cancelTasks()
	s.bus.closeAll()
}
