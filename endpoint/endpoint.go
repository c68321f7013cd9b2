// Package endpoint defines the service endpoint wrapped by a redundant server
// instance, with an in-process implementation and one backed by NATS micro.
package endpoint

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DataPointAnalog is the data point refreshed by the sampler.
const DataPointAnalog = "analog"

var (
	// ErrStopped indicates the endpoint was stopped and refuses to start again.
	ErrStopped = errors.New("endpoint stopped and cannot be restarted")

	// ErrNotStarted indicates the endpoint is not running.
	ErrNotStarted = errors.New("endpoint not started")

	// ErrAlreadyStarted indicates Start was called on a running endpoint.
	ErrAlreadyStarted = errors.New("endpoint already started")

	// ErrInvalidHandle indicates Stop was given a handle from another start.
	ErrInvalidHandle = errors.New("invalid endpoint handle")
)

// Handle identifies one successful Start.
type Handle struct {
	ID        string
	StartedAt time.Time
}

func newHandle() Handle {
	return Handle{ID: uuid.NewString(), StartedAt: time.Now()}
}

// Endpoint is the network-facing service a server instance exposes while it
// is the current server.
type Endpoint interface {
	// Start brings the endpoint up. An endpoint that was stopped returns ErrStopped.
	Start(ctx context.Context) (Handle, error)

	// Stop releases the endpoint started with h.
	Stop(ctx context.Context, h Handle) error

	// Publish writes value to the named data point.
	Publish(dataPoint string, value float64) error

	// Value returns the last value published to the data point.
	Value(dataPoint string) (float64, bool)

	// Property returns a server property.
	Property(id string) (any, bool)

	// SetProperty sets a server property.
	SetProperty(id string, value any)
}
