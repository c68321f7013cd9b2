package redundancy

import "context"

// Hooks lets an embedding application react to rotation. All methods are
// called synchronously from the orchestrator goroutine; implementations
// should spawn goroutines if async behavior is needed. Errors are logged.
type Hooks interface {
	// OnActivate is called after an instance became the running server.
	OnActivate(ctx context.Context, serverID string) error

	// OnStepDown is called when the watcher saw the current server step down.
	OnStepDown(ctx context.Context, serverID string, state ServerState) error

	// OnRotate is called after the current server id moved from one instance to another.
	OnRotate(ctx context.Context, from, to string) error

	// OnDrained is called when no eligible instance remains.
	OnDrained(ctx context.Context) error
}

// NoOpHooks is a default implementation of Hooks that does nothing.
type NoOpHooks struct{}

func (NoOpHooks) OnActivate(ctx context.Context, _ string) error                { return nil }
func (NoOpHooks) OnStepDown(ctx context.Context, _ string, _ ServerState) error { return nil }
func (NoOpHooks) OnRotate(ctx context.Context, _, _ string) error               { return nil }
func (NoOpHooks) OnDrained(ctx context.Context) error                           { return nil }

var _ Hooks = NoOpHooks{}
