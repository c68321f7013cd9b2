package redundancy

import (
	"context"
	"log/slog"
	"sync"
)

// CompletionSignal is resolved exactly once with the state in which the
// watched instance stepped down.
type CompletionSignal struct {
	once  sync.Once
	done  chan struct{}
	state ServerState
}

func newCompletionSignal() *CompletionSignal {
	return &CompletionSignal{done: make(chan struct{})}
}

// Resolve resolves the signal with state. Only the first call has any
// effect; it reports whether this call resolved the signal.
func (c *CompletionSignal) Resolve(state ServerState) bool {
	resolved := false
	c.once.Do(func() {
		c.state = state
		close(c.done)
		resolved = true
	})
	return resolved
}

// Done returns a channel closed when the signal is resolved.
func (c *CompletionSignal) Done() <-chan struct{} {
	return c.done
}

// State returns the resolved state; ok is false while unresolved.
func (c *CompletionSignal) State() (state ServerState, ok bool) {
	select {
	case <-c.done:
		return c.state, true
	default:
		return StateSuspended, false
	}
}

// Wait blocks until the signal is resolved or ctx is done.
func (c *CompletionSignal) Wait(ctx context.Context) (ServerState, error) {
	select {
	case <-c.done:
		return c.state, nil
	case <-ctx.Done():
		return StateSuspended, ctx.Err()
	}
}

// Watcher observes the current server on behalf of a client instance and
// resolves its CompletionSignal when the server steps down. One watcher is
// used per activation cycle.
type Watcher struct {
	host    *ServerInstance
	target  *ServerInstance
	logger  *slog.Logger
	metrics *Metrics

	signal     *CompletionSignal
	attachOnce sync.Once
	sub        *Subscription
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewWatcher creates a watcher hosted by host observing target. In a set of
// one, host and target are the same instance.
func NewWatcher(host, target *ServerInstance, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		host:    host,
		target:  target,
		logger:  logger.With("component", "watcher", "host", host.ID(), "target", target.ID()),
		metrics: target.metrics,
		signal:  newCompletionSignal(),
		stopCh:  make(chan struct{}),
	}
}

// Host returns the instance hosting the watcher.
func (w *Watcher) Host() *ServerInstance {
	return w.host
}

// Target returns the watched instance.
func (w *Watcher) Target() *ServerInstance {
	return w.target
}

// Signal returns the watcher's completion signal.
func (w *Watcher) Signal() *CompletionSignal {
	return w.signal
}

// Attach subscribes to the target and returns the completion signal.
// Calling it again returns the same signal.
func (w *Watcher) Attach() *CompletionSignal {
	w.attachOnce.Do(func() {
		w.sub = w.target.Subscribe()
		w.wg.Add(1)
		go w.loop()

		// A step-down that happened before the subscription is only visible
		// in the directory.
		w.recheck()
		w.logger.Info("watching current server")
	})
	return w.signal
}

// Detach ends the subscription. It is safe to call more than once.
func (w *Watcher) Detach() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.sub != nil {
			w.sub.Unsubscribe()
		}
	})
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case <-w.signal.Done():
			return
		case batch, ok := <-w.sub.C():
			if !ok {
				return
			}
			w.handle(batch)
		case <-w.sub.Missed():
			w.logger.Warn("state changes were dropped, reading the directory")
			w.recheck()
		}
	}
}

// recheck resolves the signal from the target's directory record.
func (w *Watcher) recheck() {
	if rec, err := w.target.dir.Record(w.target.id); err == nil && rec.State.SteppedDown() {
		w.resolve(rec.State)
	}
}

// handle processes one delivery. It never blocks and never takes the
// directory lock.
func (w *Watcher) handle(batch []StateChange) {
	if len(batch) == 0 {
		return
	}

	if len(batch) > 1 {
		last := batch[len(batch)-1]
		w.logger.Error("received too many changes in one delivery",
			"error", ErrUnexpectedBatch,
			"size", len(batch),
			"last_state", last.State,
		)
		w.metrics.unexpectedBatch()
		w.resolve(last.State)
		return
	}

	change := batch[0]
	if change.ServerID != w.target.id {
		return
	}
	if change.State.SteppedDown() {
		w.logger.Warn("server changed its state", "state", change.State, "cycle", change.Cycle)
		w.resolve(change.State)
	}
}

func (w *Watcher) resolve(state ServerState) {
	if w.signal.Resolve(state) {
		w.metrics.watcherResolved(state)
	}
}
