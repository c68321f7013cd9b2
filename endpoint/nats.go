package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
)

const (
	DefaultServiceVersion = "1.0.0"
	DefaultReconnectWait  = 2 * time.Second
	DefaultMaxReconnects  = -1 // Unlimited
	DefaultDrainTimeout   = 5 * time.Second
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// NATSConfig configures a NATS-backed endpoint.
type NATSConfig struct {
	SetID    string
	ServerID string
	NATSURLs []string

	// Credentials defaults to NoCredentials.
	Credentials Credentials

	ServiceVersion string
	ReconnectWait  time.Duration
	MaxReconnects  int

	Logger *slog.Logger
}

func (c *NATSConfig) Validate() error {
	if c.SetID == "" {
		return fmt.Errorf("SetID is required")
	}
	if !validName.MatchString(c.SetID) {
		return fmt.Errorf("SetID %q must contain only letters, digits, dashes and underscores", c.SetID)
	}
	if c.ServerID == "" {
		return fmt.Errorf("ServerID is required")
	}
	if !validName.MatchString(c.ServerID) {
		return fmt.Errorf("ServerID %q must contain only letters, digits, dashes and underscores", c.ServerID)
	}
	if len(c.NATSURLs) == 0 {
		return fmt.Errorf("at least one NATS URL is required")
	}
	return nil
}

func (c *NATSConfig) applyDefaults() {
	if c.Credentials == nil {
		c.Credentials = NoCredentials{}
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = DefaultServiceVersion
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = DefaultReconnectWait
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ServiceName returns the micro service name shared by every endpoint of a set.
func ServiceName(setID string) string {
	return fmt.Sprintf("redundancy_%s", setID)
}

// StatusSubject returns the subject answering an endpoint's status requests.
func StatusSubject(setID, serverID string) string {
	return fmt.Sprintf("%s.status.%s", ServiceName(setID), serverID)
}

// ValueSubject returns the subject answering an endpoint's data point reads.
func ValueSubject(setID, serverID string) string {
	return fmt.Sprintf("%s.value.%s", ServiceName(setID), serverID)
}

// DataSubject returns the subject a data point is published on.
func DataSubject(setID, serverID, dataPoint string) string {
	return fmt.Sprintf("redundancy.%s.%s.data.%s", setID, serverID, dataPoint)
}

// StatusResponse is the reply of the status endpoint.
type StatusResponse struct {
	ServerID   string         `json:"serverId"`
	Handle     string         `json:"handle"`
	UptimeMs   int64          `json:"uptimeMs"`
	Properties map[string]any `json:"properties,omitempty"`
}

// ValueResponse is the reply of the value endpoint and the payload of data
// point publications.
type ValueResponse struct {
	ServerID  string  `json:"serverId"`
	DataPoint string  `json:"dataPoint"`
	Value     float64 `json:"value"`
	Found     bool    `json:"found"`
	Timestamp int64   `json:"timestamp"`
}

// NATS is an endpoint exposed as a NATS micro service. Once stopped it
// refuses to start again; build a new one instead.
type NATS struct {
	cfg    NATSConfig
	logger *slog.Logger

	mu      sync.RWMutex
	nc      *nats.Conn
	closed  chan struct{}
	service micro.Service
	handle  *Handle
	stopped bool
	values  map[string]float64
	props   map[string]any
}

// NewNATS creates a NATS-backed endpoint. It does not connect until Start.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.applyDefaults()

	return &NATS{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "endpoint", "set", cfg.SetID, "server", cfg.ServerID),
		values: make(map[string]float64),
		props:  make(map[string]any),
	}, nil
}

func (e *NATS) Start(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle != nil {
		return Handle{}, ErrAlreadyStarted
	}
	if e.stopped {
		return Handle{}, ErrStopped
	}

	closed := make(chan struct{})
	nc, err := e.connect(closed)
	if err != nil {
		return Handle{}, fmt.Errorf("connect to NATS: %w", err)
	}

	srv, err := micro.AddService(nc, micro.Config{
		Name:        ServiceName(e.cfg.SetID),
		Version:     e.cfg.ServiceVersion,
		Description: fmt.Sprintf("Redundant server %s of set %s", e.cfg.ServerID, e.cfg.SetID),
		Metadata:    map[string]string{"server": e.cfg.ServerID},
	})
	if err != nil {
		nc.Close()
		return Handle{}, fmt.Errorf("failed to create micro service: %w", err)
	}

	statusSubject := StatusSubject(e.cfg.SetID, e.cfg.ServerID)
	if err := srv.AddEndpoint("status", micro.HandlerFunc(e.handleStatus),
		micro.WithEndpointSubject(statusSubject),
	); err != nil {
		srv.Stop()
		nc.Close()
		return Handle{}, fmt.Errorf("failed to add status endpoint: %w", err)
	}

	valueSubject := ValueSubject(e.cfg.SetID, e.cfg.ServerID)
	if err := srv.AddEndpoint("value", micro.HandlerFunc(e.handleValue),
		micro.WithEndpointSubject(valueSubject),
	); err != nil {
		srv.Stop()
		nc.Close()
		return Handle{}, fmt.Errorf("failed to add value endpoint: %w", err)
	}

	h := newHandle()
	e.nc = nc
	e.closed = closed
	e.service = srv
	e.handle = &h

	e.logger.Info("endpoint started",
		"handle", h.ID,
		"status_subject", statusSubject,
		"value_subject", valueSubject,
	)
	return h, nil
}

// Stop stops the micro service and drains the connection. It returns once
// the connection is closed, so the subjects no longer answer, or when ctx
// is done, in which case the connection is closed without waiting.
func (e *NATS) Stop(ctx context.Context, h Handle) error {
	e.mu.Lock()
	if e.handle == nil {
		e.mu.Unlock()
		return ErrNotStarted
	}
	if e.handle.ID != h.ID {
		e.mu.Unlock()
		return ErrInvalidHandle
	}

	srv := e.service
	nc := e.nc
	closed := e.closed
	e.service = nil
	e.nc = nil
	e.closed = nil
	e.handle = nil
	e.stopped = true
	// Handlers take the read lock while the drain flushes them.
	e.mu.Unlock()

	var stopErr error
	if err := srv.Stop(); err != nil {
		stopErr = fmt.Errorf("failed to stop micro service: %w", err)
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
		if stopErr == nil {
			stopErr = fmt.Errorf("failed to drain NATS connection: %w", err)
		}
	}

	select {
	case <-closed:
	case <-ctx.Done():
		nc.Close()
		<-closed
		if stopErr == nil {
			stopErr = fmt.Errorf("drain interrupted: %w", ctx.Err())
		}
	}

	e.logger.Info("endpoint stopped", "handle", h.ID, "error", stopErr)
	return stopErr
}

func (e *NATS) Publish(dataPoint string, value float64) error {
	e.mu.Lock()
	if e.handle == nil {
		e.mu.Unlock()
		return ErrNotStarted
	}
	e.values[dataPoint] = value
	nc := e.nc
	e.mu.Unlock()

	data, err := json.Marshal(ValueResponse{
		ServerID:  e.cfg.ServerID,
		DataPoint: dataPoint,
		Value:     value,
		Found:     true,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return nc.Publish(DataSubject(e.cfg.SetID, e.cfg.ServerID, dataPoint), data)
}

func (e *NATS) Value(dataPoint string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.values[dataPoint]
	return v, ok
}

func (e *NATS) Property(id string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.props[id]
	return v, ok
}

func (e *NATS) SetProperty(id string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.props[id] = value
}

// connect establishes a resilient NATS connection.
func (e *NATS) connect(closed chan struct{}) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(fmt.Sprintf("%s/%s", e.cfg.SetID, e.cfg.ServerID)),
		nats.MaxReconnects(e.cfg.MaxReconnects),
		nats.ReconnectWait(e.cfg.ReconnectWait),
		nats.DrainTimeout(DefaultDrainTimeout),
		nats.ClosedHandler(func(*nats.Conn) {
			close(closed)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			e.logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			e.logger.Info("NATS reconnected", "server", nc.ConnectedUrl())
		}),
	}

	credOpts, err := e.cfg.Credentials.NATSOptions()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	opts = append(opts, credOpts...)

	return nats.Connect(strings.Join(e.cfg.NATSURLs, ","), opts...)
}

func (e *NATS) handleStatus(req micro.Request) {
	e.mu.RLock()
	resp := StatusResponse{ServerID: e.cfg.ServerID}
	if e.handle != nil {
		resp.Handle = e.handle.ID
		resp.UptimeMs = time.Since(e.handle.StartedAt).Milliseconds()
	}
	if len(e.props) > 0 {
		resp.Properties = make(map[string]any, len(e.props))
		for k, v := range e.props {
			resp.Properties[k] = v
		}
	}
	e.mu.RUnlock()

	data, err := json.Marshal(resp)
	if err != nil {
		e.logger.Error("failed to marshal status response", "error", err)
		req.Error("500", "internal error", nil)
		return
	}
	req.Respond(data)
}

func (e *NATS) handleValue(req micro.Request) {
	dataPoint := strings.TrimSpace(string(req.Data()))
	if dataPoint == "" {
		dataPoint = DataPointAnalog
	}

	v, ok := e.Value(dataPoint)
	data, err := json.Marshal(ValueResponse{
		ServerID:  e.cfg.ServerID,
		DataPoint: dataPoint,
		Value:     v,
		Found:     ok,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		e.logger.Error("failed to marshal value response", "error", err)
		req.Error("500", "internal error", nil)
		return
	}
	req.Respond(data)
}

var _ Endpoint = (*NATS)(nil)
