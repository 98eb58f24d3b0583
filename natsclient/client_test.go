package natsclient

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/backtrack/errors"
	"github.com/c360/backtrack/metric"
)

func TestNewClient_Options(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithMaxReconnects(3),
		WithName("backtrack-test"),
		WithLogger(NewSlogLogger(slog.Default())),
		WithPingInterval(5*time.Second),
		WithDrainTimeout(2*time.Second),
	)
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, 5*time.Second, c.pingInterval)
	assert.Equal(t, 2*time.Second, c.drainTimeout)
	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, time.Second, c.Backoff())

	_, err = NewClient("nats://x", WithCircuitBreakerThreshold(0))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewClient("nats://x", WithMaxBackoff(time.Millisecond))
	assert.Error(t, err)
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	c, err := NewClient("nats://x",
		WithCircuitBreakerThreshold(3),
		WithMaxBackoff(time.Minute),
		WithMetrics(reg),
	)
	require.NoError(t, err)

	c.recordFailure()
	c.recordFailure()
	assert.Equal(t, StatusDisconnected, c.Status())

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, 2*time.Second, c.Backoff())
	assert.Equal(t, int32(3), c.Failures())
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.CoreMetrics().NATSCircuitBreaker))

	_, err = c.JetStream()
	assert.Error(t, err)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrCircuitOpen)
	assert.ErrorIs(t, c.PublishToStream(context.Background(), "x", nil), ErrCircuitOpen)

	c.resetCircuit()
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, time.Second, c.Backoff())
	assert.Zero(t, c.Failures())
}

func TestCircuitBreaker_BackoffCapped(t *testing.T) {
	c, err := NewClient("nats://x", WithCircuitBreakerThreshold(1), WithMaxBackoff(2*time.Second))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		c.recordFailure()
	}
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, 2*time.Second, c.Backoff())
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient("nats://x")
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, c.Publish(ctx, "a", nil), ErrNotConnected)
	_, err = c.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.GetKeyValueBucket(ctx, "b")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Consume(ctx, ConsumerConfig{Stream: "s"}, nil), ErrNotConnected)

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))
	err = c.Consume(ctx, ConsumerConfig{Stream: "s"}, nil)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestConnect_UnreachableServer(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(100*time.Millisecond),
		WithMaxReconnects(0),
		WithHealthInterval(0),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, int32(1), c.Failures())
}

func TestIsKVNotFoundError(t *testing.T) {
	assert.False(t, IsKVNotFoundError(nil))
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.False(t, IsKVNotFoundError(assert.AnError))
}
