package endpoint_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ozanturksever/go-redundancy/endpoint"
	"github.com/ozanturksever/go-redundancy/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATSConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		cfg    endpoint.NATSConfig
		errMsg string
	}{
		{
			name: "valid",
			cfg:  endpoint.NATSConfig{SetID: "demo", ServerID: "server-0", NATSURLs: []string{"nats://localhost:4222"}},
		},
		{
			name:   "missing set",
			cfg:    endpoint.NATSConfig{ServerID: "server-0", NATSURLs: []string{"nats://localhost:4222"}},
			errMsg: "invalid config: SetID is required",
		},
		{
			name:   "dotted set",
			cfg:    endpoint.NATSConfig{SetID: "a.b", ServerID: "server-0", NATSURLs: []string{"nats://localhost:4222"}},
			errMsg: `invalid config: SetID "a.b" must contain only letters, digits, dashes and underscores`,
		},
		{
			name:   "missing server",
			cfg:    endpoint.NATSConfig{SetID: "demo", NATSURLs: []string{"nats://localhost:4222"}},
			errMsg: "invalid config: ServerID is required",
		},
		{
			name:   "missing urls",
			cfg:    endpoint.NATSConfig{SetID: "demo", ServerID: "server-0"},
			errMsg: "invalid config: at least one NATS URL is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := endpoint.NewNATS(tt.cfg)
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.errMsg)
		})
	}
}

func TestNATSEndpoint_Lifecycle(t *testing.T) {
	ns := testutil.StartNATS(t)
	defer ns.Stop()

	ctx := context.Background()
	ep, err := endpoint.NewNATS(endpoint.NATSConfig{
		SetID:    "demo",
		ServerID: "server-0",
		NATSURLs: []string{ns.URL()},
	})
	require.NoError(t, err)

	h, err := ep.Start(ctx)
	require.NoError(t, err)

	nc := ns.Connect(t)

	// Data points are published on their own subject
	dataCh := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe(endpoint.DataSubject("demo", "server-0", endpoint.DataPointAnalog), dataCh)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	require.NoError(t, ep.Publish(endpoint.DataPointAnalog, 12.5))

	select {
	case msg := <-dataCh:
		var v endpoint.ValueResponse
		require.NoError(t, json.Unmarshal(msg.Data, &v))
		assert.Equal(t, 12.5, v.Value)
		assert.Equal(t, "server-0", v.ServerID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for data point")
	}

	// Value endpoint
	resp, err := nc.Request(endpoint.ValueSubject("demo", "server-0"), []byte(endpoint.DataPointAnalog), 2*time.Second)
	require.NoError(t, err)
	var v endpoint.ValueResponse
	require.NoError(t, json.Unmarshal(resp.Data, &v))
	assert.True(t, v.Found)
	assert.Equal(t, 12.5, v.Value)

	// Status endpoint
	ep.SetProperty("serviceLevel", 1)
	resp, err = nc.Request(endpoint.StatusSubject("demo", "server-0"), nil, 2*time.Second)
	require.NoError(t, err)
	var status endpoint.StatusResponse
	require.NoError(t, json.Unmarshal(resp.Data, &status))
	assert.Equal(t, h.ID, status.Handle)
	assert.Equal(t, float64(1), status.Properties["serviceLevel"])

	require.NoError(t, ep.Stop(ctx, h))

	_, err = nc.Request(endpoint.StatusSubject("demo", "server-0"), nil, 500*time.Millisecond)
	assert.Error(t, err)

	_, err = ep.Start(ctx)
	assert.ErrorIs(t, err, endpoint.ErrStopped)
	assert.ErrorIs(t, ep.Publish(endpoint.DataPointAnalog, 1), endpoint.ErrNotStarted)
}

func TestNATSEndpoint_StopUnsubscribesBeforeReturning(t *testing.T) {
	ns := testutil.StartNATS(t)
	defer ns.Stop()

	nc := ns.Connect(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ep, err := endpoint.NewNATS(endpoint.NATSConfig{
			SetID:    "demo",
			ServerID: "server-0",
			NATSURLs: []string{ns.URL()},
		})
		require.NoError(t, err)

		h, err := ep.Start(ctx)
		require.NoError(t, err)

		_, err = nc.Request(endpoint.StatusSubject("demo", "server-0"), nil, 2*time.Second)
		require.NoError(t, err, "round %d: status before stop", i)

		require.NoError(t, ep.Stop(ctx, h))

		// No grace period: the subject must already be gone.
		_, err = nc.Request(endpoint.StatusSubject("demo", "server-0"), nil, 200*time.Millisecond)
		require.Error(t, err, "round %d: status answered after stop", i)
	}
}

func TestNATSEndpoint_StopHonoursContext(t *testing.T) {
	ns := testutil.StartNATS(t)
	defer ns.Stop()

	ep, err := endpoint.NewNATS(endpoint.NATSConfig{
		SetID:    "demo",
		ServerID: "server-1",
		NATSURLs: []string{ns.URL()},
	})
	require.NoError(t, err)

	h, err := ep.Start(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- ep.Stop(ctx, h) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return with a cancelled context")
	}

	nc := ns.Connect(t)
	_, err = nc.Request(endpoint.StatusSubject("demo", "server-1"), nil, 200*time.Millisecond)
	assert.Error(t, err)
}
