package natsclient

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, int32(0), c.Failures())
}

func TestNewClient_Options(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithName("bugtriage"),
		WithLogger(slog.Default()),
		WithMaxReconnects(3),
		WithReconnectWait(time.Second),
		WithTimeout(2*time.Second),
		WithDrainTimeout(5*time.Second),
		WithCredentials("user", "pass"),
		WithCircuitBreakerThreshold(2),
		WithMaxBackoff(10*time.Second),
	)
	require.NoError(t, err)

	assert.Equal(t, "bugtriage", c.clientName)
	assert.Equal(t, 3, c.maxReconnects)
	assert.Equal(t, int32(2), c.circuitThreshold)
}

func TestClient_CircuitBreakerOpensAfterThreshold(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithCircuitBreakerThreshold(3),
		WithMaxBackoff(time.Minute),
	)
	require.NoError(t, err)

	c.recordFailure()
	c.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, c.Status())

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, int32(3), c.Failures())

	// Operations fail fast while the circuit is open
	err = c.PublishToStream(context.Background(), "bug-reports", []byte("{}"))
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestClient_ResetCircuitClearsState(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(1))
	require.NoError(t, err)

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())

	c.resetCircuit()
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, int32(0), c.Failures())
}

func TestClient_OperationsRequireConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx := context.Background()

	err = c.Publish(ctx, "bug-reports", []byte("{}"))
	assert.ErrorIs(t, err, ErrNotConnected)

	err = c.PublishToStream(ctx, "bug-reports", []byte("{}"))
	assert.ErrorIs(t, err, ErrNotConnected)

	err = c.ConsumeDurable(ctx, "BUGTRIAGE", "triage", []string{"bug-reports"}, nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.GetKeyValueBucket(ctx, "bug_requests")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))
}

func TestClient_GetStatus(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	c.recordFailure()
	status := c.GetStatus()
	assert.Equal(t, int32(1), status.FailureCount)
	assert.False(t, status.LastFailureTime.IsZero())
}

func TestIsKVNotFoundError(t *testing.T) {
	assert.False(t, IsKVNotFoundError(nil))
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, IsKVNotFoundError(assert.AnError) == false)
}

func TestIsKVConflictError(t *testing.T) {
	assert.False(t, IsKVConflictError(nil))
	assert.True(t, IsKVConflictError(ErrKVKeyExists))
	assert.True(t, IsKVConflictError(ErrKVRevisionMismatch))
}
