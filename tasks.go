package redundancy

import (
	"context"
	"time"
)

// task is a cancellable background job attached to a running instance.
// Cancel is fire-and-forget: a firing already in progress may complete.
type task struct {
	cancel func()
}

// Cancel stops the task. Safe on a nil task and safe to call more than once.
func (t *task) Cancel() {
	if t != nil && t.cancel != nil {
		t.cancel()
	}
}

// startSampler calls fn immediately and then every interval until cancelled.
func startSampler(interval time.Duration, fn func()) *task {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		fn()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				fn()
			}
		}
	}()

	return &task{cancel: cancel}
}

// startInjector calls fn once after delay unless cancelled first.
func startInjector(delay time.Duration, fn func()) *task {
	timer := time.AfterFunc(delay, fn)
	return &task{cancel: func() { timer.Stop() }}
}
