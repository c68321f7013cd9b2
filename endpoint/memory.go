package endpoint

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process endpoint. Like most protocol stacks it cannot be
// restarted once stopped unless WithRestart(true) is given.
type Memory struct {
	id string

	mu       sync.RWMutex
	handle   *Handle
	stopped  bool
	restart  bool
	startErr error
	stopErr  error
	starts   int
	values   map[string]float64
	props    map[string]any
}

// MemoryOption configures a Memory endpoint.
type MemoryOption func(*Memory)

// WithStartError makes every Start fail with err.
func WithStartError(err error) MemoryOption {
	return func(m *Memory) {
		m.startErr = err
	}
}

// WithStopError makes every Stop fail with err.
func WithStopError(err error) MemoryOption {
	return func(m *Memory) {
		m.stopErr = err
	}
}

// WithRestart allows Start after Stop.
func WithRestart(allowed bool) MemoryOption {
	return func(m *Memory) {
		m.restart = allowed
	}
}

// NewMemory creates an in-process endpoint.
func NewMemory(id string, opts ...MemoryOption) *Memory {
	m := &Memory{
		id:     id,
		values: make(map[string]float64),
		props:  make(map[string]any),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Start(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle != nil {
		return Handle{}, ErrAlreadyStarted
	}
	if m.stopped && !m.restart {
		return Handle{}, ErrStopped
	}
	if m.startErr != nil {
		return Handle{}, fmt.Errorf("start %s: %w", m.id, m.startErr)
	}

	h := newHandle()
	m.handle = &h
	m.stopped = false
	m.starts++
	return h, nil
}

func (m *Memory) Stop(ctx context.Context, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle == nil {
		return ErrNotStarted
	}
	if m.handle.ID != h.ID {
		return ErrInvalidHandle
	}
	m.handle = nil
	m.stopped = true
	if m.stopErr != nil {
		return fmt.Errorf("stop %s: %w", m.id, m.stopErr)
	}
	return nil
}

func (m *Memory) Publish(dataPoint string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return ErrNotStarted
	}
	m.values[dataPoint] = value
	return nil
}

func (m *Memory) Value(dataPoint string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[dataPoint]
	return v, ok
}

func (m *Memory) Property(id string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.props[id]
	return v, ok
}

func (m *Memory) SetProperty(id string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.props[id] = value
}

// Running reports whether the endpoint is started.
func (m *Memory) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle != nil
}

// Starts returns how many times Start succeeded.
func (m *Memory) Starts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.starts
}

var _ Endpoint = (*Memory)(nil)
