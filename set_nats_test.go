package redundancy_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redundancy "github.com/ozanturksever/go-redundancy"
	"github.com/ozanturksever/go-redundancy/endpoint"
	"github.com/ozanturksever/go-redundancy/testutil"
)

// subjectCheckHooks asks the NATS subjects on every activation: the new
// server must answer and the previous one must not.
type subjectCheckHooks struct {
	redundancy.NoOpHooks

	nc    *nats.Conn
	setID string

	mu         sync.Mutex
	prev       string
	activated  []string
	violations []string
}

func (h *subjectCheckHooks) OnActivate(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.nc.Request(endpoint.StatusSubject(h.setID, id), nil, time.Second); err != nil {
		h.violations = append(h.violations, fmt.Sprintf("%s silent after activation: %v", id, err))
	}
	if h.prev != "" && h.prev != id {
		if _, err := h.nc.Request(endpoint.StatusSubject(h.setID, h.prev), nil, 200*time.Millisecond); err == nil {
			h.violations = append(h.violations, fmt.Sprintf("%s still answering while %s runs", h.prev, id))
		}
	}
	h.prev = id
	h.activated = append(h.activated, id)
	return nil
}

func (h *subjectCheckHooks) snapshot() ([]string, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.activated...), append([]string(nil), h.violations...)
}

func TestRun_NATSEndpoints(t *testing.T) {
	tests := []struct {
		name string
		mode redundancy.FaultMode
		size int
	}{
		{name: "fail", mode: redundancy.FaultModeFail, size: 3},
		{name: "shutdown", mode: redundancy.FaultModeShutdown, size: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ns := testutil.StartNATS(t)
			nc := ns.Connect(t)

			setID := "nats-" + tt.name
			cfg := fastConfig(tt.size)
			cfg.SetID = setID
			cfg.FaultMode = tt.mode
			cfg.FaultDelayMin = 80 * time.Millisecond
			cfg.FaultDelayMax = 80 * time.Millisecond

			hooks := &subjectCheckHooks{nc: nc, setID: setID}
			set, err := redundancy.New(cfg,
				redundancy.WithHooks(hooks),
				redundancy.WithEndpointFactory(redundancy.NATSEndpoints(endpoint.NATSConfig{
					SetID:    setID,
					NATSURLs: []string{ns.URL()},
				})),
			)
			require.NoError(t, err)

			if tt.mode == redundancy.FaultModeFail {
				require.NoError(t, runSet(t, set, 10*time.Second))
				assert.Equal(t, redundancy.PhaseDrained, set.Phase())
			} else {
				errCh := make(chan error, 1)
				go func() {
					errCh <- set.Run(context.Background())
				}()
				require.Eventually(t, func() bool {
					return set.Rebuilds() >= 2
				}, 10*time.Second, 10*time.Millisecond)

				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				require.NoError(t, set.Shutdown(ctx))
				require.NoError(t, <-errCh)
			}

			activated, violations := hooks.snapshot()
			assert.GreaterOrEqual(t, len(activated), tt.size)
			assert.Empty(t, violations)

			// Nothing answers once the set has stopped.
			for _, id := range instanceIDs(set.Instances()) {
				_, err := nc.Request(endpoint.StatusSubject(setID, id), nil, 200*time.Millisecond)
				assert.Error(t, err, id)
			}
		})
	}
}
