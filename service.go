package redundancy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
)

// DefaultControlTimeout bounds a control request acting on the set.
const DefaultControlTimeout = 15 * time.Second

// Controller is the part of a RedundantSet the control service drives.
type Controller interface {
	ID() string
	Observe() Observation
	StepDown(ctx context.Context) error
	FailCurrent(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

var _ Controller = (*RedundantSet)(nil)

// ControlResponse is the reply to stepdown, fail and shutdown requests.
type ControlResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ControlService exposes a set over a NATS micro service.
type ControlService struct {
	set     Controller
	nc      *nats.Conn
	version string
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.RWMutex
	service   micro.Service
	startedAt time.Time
	stopped   bool
}

// NewControlService creates a control service for set on nc.
func NewControlService(set Controller, nc *nats.Conn, version string, logger *slog.Logger) (*ControlService, error) {
	if nc == nil {
		return nil, ErrNoConnection
	}
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "1.0.0"
	}

	return &ControlService{
		set:     set,
		nc:      nc,
		version: version,
		timeout: DefaultControlTimeout,
		logger:  logger.With("component", "control", "set", set.ID()),
	}, nil
}

// Start registers the control endpoints.
func (s *ControlService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.service != nil {
		return ErrServiceStarted
	}

	setID := s.set.ID()
	srv, err := micro.AddService(s.nc, micro.Config{
		Name:        ControlServiceName(setID),
		Version:     s.version,
		Description: fmt.Sprintf("Redundant set control for %s", setID),
	})
	if err != nil {
		return fmt.Errorf("failed to create micro service: %w", err)
	}

	endpoints := []struct {
		name    string
		handler micro.HandlerFunc
	}{
		{"status", s.handleStatus},
		{"stepdown", s.handleAction(s.set.StepDown)},
		{"fail", s.handleAction(s.set.FailCurrent)},
		{"shutdown", s.handleAction(s.set.Shutdown)},
	}
	for _, ep := range endpoints {
		if err := srv.AddEndpoint(ep.name, ep.handler,
			micro.WithEndpointSubject(ControlSubject(setID, ep.name)),
		); err != nil {
			srv.Stop()
			return fmt.Errorf("failed to add %s endpoint: %w", ep.name, err)
		}
	}

	s.service = srv
	s.startedAt = time.Now()
	s.stopped = false

	s.logger.Info("control service started", "name", ControlServiceName(setID), "version", s.version)
	return nil
}

// Stop stops the micro service.
func (s *ControlService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.service == nil || s.stopped {
		return nil
	}

	if err := s.service.Stop(); err != nil {
		return fmt.Errorf("failed to stop micro service: %w", err)
	}

	s.stopped = true
	s.logger.Info("control service stopped")
	return nil
}

// Info returns the service info.
func (s *ControlService) Info() micro.Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.service == nil {
		return micro.Info{}
	}
	return s.service.Info()
}

func (s *ControlService) handleStatus(req micro.Request) {
	data, err := json.Marshal(s.set.Observe())
	if err != nil {
		s.logger.Error("failed to marshal status response", "error", err)
		req.Error("500", "internal error", nil)
		return
	}
	req.Respond(data)
}

func (s *ControlService) handleAction(action func(context.Context) error) micro.HandlerFunc {
	return func(req micro.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		resp := ControlResponse{OK: true}
		if err := action(ctx); err != nil {
			s.logger.Warn("control request failed", "subject", req.Subject(), "error", err)
			resp = ControlResponse{Error: err.Error()}
		}

		data, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("failed to marshal control response", "error", err)
			req.Error("500", "internal error", nil)
			return
		}
		req.Respond(data)
	}
}

// ControlServiceName returns the micro service name of a set's control service.
func ControlServiceName(setID string) string {
	return fmt.Sprintf("redundancy_%s_control", setID)
}

// ControlSubject returns the subject of a control operation (status,
// stepdown, fail or shutdown).
func ControlSubject(setID, op string) string {
	return fmt.Sprintf("redundancy_%s.control.%s", setID, op)
}
