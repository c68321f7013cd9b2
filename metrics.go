package redundancy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var allStates = []ServerState{StateSuspended, StateRunning, StateShutdown, StateFailed}

var allPhases = []Phase{PhaseIdle, PhaseRunning, PhaseRotating, PhaseDrained, PhaseStopped}

// Metrics manages Prometheus metrics for a redundant set. All methods are
// safe on a nil receiver.
type Metrics struct {
	setID    string
	registry *prometheus.Registry
	logger   *slog.Logger

	mu     sync.Mutex
	server *http.Server
	stopCh chan struct{}
	addr   string

	CurrentServer      *prometheus.GaugeVec
	InstanceState      *prometheus.GaugeVec
	ServiceLevel       *prometheus.GaugeVec
	AnalogValue        *prometheus.GaugeVec
	SetPhase           *prometheus.GaugeVec
	Activations        *prometheus.CounterVec
	Rotations          *prometheus.CounterVec
	Rebuilds           *prometheus.CounterVec
	Failures           *prometheus.CounterVec
	EndpointErrors     *prometheus.CounterVec
	WatcherResolutions *prometheus.CounterVec
	UnexpectedBatches  *prometheus.CounterVec
}

// NewMetrics creates the metrics of one set on a private registry.
func NewMetrics(setID string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		setID:    setID,
		registry: registry,
		logger:   slog.Default().With("component", "metrics", "set", setID),

		CurrentServer: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rs_current_server",
			Help: "1 if the instance is the current server",
		}, []string{"set", "server"}),

		InstanceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rs_instance_state",
			Help: "1 for the state the instance is in",
		}, []string{"set", "server", "state"}),

		ServiceLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rs_service_level",
			Help: "Published service level of the instance",
		}, []string{"set", "server"}),

		AnalogValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rs_analog_value",
			Help: "Last sampled analog value",
		}, []string{"set", "server"}),

		SetPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rs_phase",
			Help: "1 for the orchestrator phase the set is in",
		}, []string{"set", "phase"}),

		Activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rs_activations_total",
			Help: "Total successful activations",
		}, []string{"set", "server"}),

		Rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rs_rotations_total",
			Help: "Total rotations to a new current server",
		}, []string{"set"}),

		Rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rs_rebuilds_total",
			Help: "Total instance rebuilds after refused activation",
		}, []string{"set", "server"}),

		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rs_failures_total",
			Help: "Total instances forced into Failed",
		}, []string{"set", "server"}),

		EndpointErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rs_endpoint_errors_total",
			Help: "Total endpoint start/stop errors",
		}, []string{"set", "server", "op"}),

		WatcherResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rs_watcher_resolutions_total",
			Help: "Total failover watcher resolutions by observed state",
		}, []string{"set", "state"}),

		UnexpectedBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rs_unexpected_batches_total",
			Help: "Total notification deliveries carrying more than one change",
		}, []string{"set"}),
	}

	registry.MustRegister(
		m.CurrentServer,
		m.InstanceState,
		m.ServiceLevel,
		m.AnalogValue,
		m.SetPhase,
		m.Activations,
		m.Rotations,
		m.Rebuilds,
		m.Failures,
		m.EndpointErrors,
		m.WatcherResolutions,
		m.UnexpectedBatches,
	)

	// Also register default Go metrics
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve begins serving /metrics on addr until ctx is done or Stop is called.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	if m == nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	m.mu.Lock()
	if m.server != nil {
		m.mu.Unlock()
		return errors.New("metrics server already running")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	stopCh := make(chan struct{})
	m.server = srv
	m.stopCh = stopCh
	m.addr = ln.Addr().String()
	m.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			m.stopServer(srv)
		case <-stopCh:
		}
	}()

	m.logger.Info("metrics server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the address the metrics server listens on, or "" when it is
// not running.
func (m *Metrics) Addr() string {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

// Stop stops the metrics server.
func (m *Metrics) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	srv := m.server
	m.mu.Unlock()
	m.stopServer(srv)
}

// stopServer shuts srv down if it is still the running server.
func (m *Metrics) stopServer(srv *http.Server) {
	if srv == nil {
		return
	}
	m.mu.Lock()
	if m.server != srv {
		m.mu.Unlock()
		return
	}
	close(m.stopCh)
	m.server = nil
	m.stopCh = nil
	m.addr = ""
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func (m *Metrics) currentServer(ids []string, current string) {
	if m == nil {
		return
	}
	for _, id := range ids {
		val := 0.0
		if id == current {
			val = 1.0
		}
		m.CurrentServer.WithLabelValues(m.setID, id).Set(val)
	}
}

func (m *Metrics) instanceState(id string, state ServerState, level uint8) {
	if m == nil {
		return
	}
	for _, st := range allStates {
		val := 0.0
		if st == state {
			val = 1.0
		}
		m.InstanceState.WithLabelValues(m.setID, id, st.String()).Set(val)
	}
	m.ServiceLevel.WithLabelValues(m.setID, id).Set(float64(level))
}

func (m *Metrics) phase(p Phase) {
	if m == nil {
		return
	}
	for _, ph := range allPhases {
		val := 0.0
		if ph == p {
			val = 1.0
		}
		m.SetPhase.WithLabelValues(m.setID, ph.String()).Set(val)
	}
}

func (m *Metrics) analogValue(id string, v float64) {
	if m == nil {
		return
	}
	m.AnalogValue.WithLabelValues(m.setID, id).Set(v)
}

func (m *Metrics) activation(id string) {
	if m == nil {
		return
	}
	m.Activations.WithLabelValues(m.setID, id).Inc()
}

func (m *Metrics) rotation() {
	if m == nil {
		return
	}
	m.Rotations.WithLabelValues(m.setID).Inc()
}

func (m *Metrics) rebuild(id string) {
	if m == nil {
		return
	}
	m.Rebuilds.WithLabelValues(m.setID, id).Inc()
}

func (m *Metrics) failure(id string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(m.setID, id).Inc()
}

func (m *Metrics) endpointError(id, op string) {
	if m == nil {
		return
	}
	m.EndpointErrors.WithLabelValues(m.setID, id, op).Inc()
}

func (m *Metrics) watcherResolved(state ServerState) {
	if m == nil {
		return
	}
	m.WatcherResolutions.WithLabelValues(m.setID, state.String()).Inc()
}

func (m *Metrics) unexpectedBatch() {
	if m == nil {
		return
	}
	m.UnexpectedBatches.WithLabelValues(m.setID).Inc()
}
