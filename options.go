package redundancy

import (
	"log/slog"

	"github.com/ozanturksever/go-redundancy/endpoint"
)

// EndpointFactory builds the service endpoint for an instance. It is called
// again with the same id when an instance is rebuilt.
type EndpointFactory func(serverID string) (endpoint.Endpoint, error)

// MemoryEndpoints returns a factory of in-process endpoints.
func MemoryEndpoints(opts ...endpoint.MemoryOption) EndpointFactory {
	return func(serverID string) (endpoint.Endpoint, error) {
		return endpoint.NewMemory(serverID, opts...), nil
	}
}

// NATSEndpoints returns a factory of NATS micro endpoints sharing base
// settings; ServerID is filled per instance.
func NATSEndpoints(base endpoint.NATSConfig) EndpointFactory {
	return func(serverID string) (endpoint.Endpoint, error) {
		cfg := base
		cfg.ServerID = serverID
		return endpoint.NewNATS(cfg)
	}
}

// Option configures a RedundantSet.
type Option func(*RedundantSet)

// WithLogger sets a custom logger for the set. A nil logger keeps the default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *RedundantSet) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEndpointFactory sets how instance endpoints are built. Defaults to
// MemoryEndpoints().
func WithEndpointFactory(factory EndpointFactory) Option {
	return func(s *RedundantSet) {
		if factory != nil {
			s.factory = factory
		}
	}
}

// WithHooks sets rotation hooks.
func WithHooks(hooks Hooks) Option {
	return func(s *RedundantSet) {
		if hooks != nil {
			s.hooks = hooks
		}
	}
}

// WithMetrics sets the metrics collector, letting callers share a registry.
func WithMetrics(m *Metrics) Option {
	return func(s *RedundantSet) {
		s.metrics = m
	}
}
