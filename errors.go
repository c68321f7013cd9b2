package redundancy

import "errors"

// Redundancy coordination errors.
var (
	// ErrRoleViolation indicates an instance tried to activate while not being
	// the current server, or its endpoint refused to leave Shutdown.
	ErrRoleViolation = errors.New("role violation")

	// ErrRebuildExhausted indicates a rebuilt instance still refused activation.
	ErrRebuildExhausted = errors.New("rebuild retry exhausted")

	// ErrNotFound indicates the directory has no record for the addressed id.
	ErrNotFound = errors.New("server id not found in directory")

	// ErrUnexpectedBatch indicates a watcher received more than one state change in a single delivery.
	ErrUnexpectedBatch = errors.New("unexpected notification batch")

	// ErrNotRunning indicates the operation requires the instance to be Running.
	ErrNotRunning = errors.New("instance not running")

	// ErrEndpointStart indicates the service endpoint failed to start.
	ErrEndpointStart = errors.New("endpoint start failed")

	// ErrEndpointStop indicates the service endpoint failed to stop.
	ErrEndpointStop = errors.New("endpoint stop failed")

	// ErrSetAlreadyRunning indicates Run was called on a set that is already running.
	ErrSetAlreadyRunning = errors.New("redundant set already running")

	// ErrSetStopped indicates the set was shut down by the operator.
	ErrSetStopped = errors.New("redundant set stopped")

	// ErrDuplicateID indicates two instances were configured with the same id.
	ErrDuplicateID = errors.New("duplicate server id")
)

// Control service errors.
var (
	// ErrServiceStarted indicates the control service was started twice.
	ErrServiceStarted = errors.New("control service already started")

	// ErrNoConnection indicates a NATS connection was required but missing.
	ErrNoConnection = errors.New("NATS connection is required")
)
