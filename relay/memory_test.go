package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_PublishReachesSubscribedGroup(t *testing.T) {
	bus := NewMemory(nil)
	defer bus.Close()

	var mu sync.Mutex
	var got []string

	err := bus.Subscribe(context.Background(), []string{"bug-reports"}, "triage", func(topic string, data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "bug-reports", "req-1", []byte("a")))
	require.NoError(t, bus.Publish(context.Background(), "bug-reports", "req-1", []byte("b")))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, got, "delivery preserves publish order")
	mu.Unlock()
}

func TestMemory_EachGroupGetsItsOwnCopy(t *testing.T) {
	bus := NewMemory(nil)
	defer bus.Close()

	counts := make(map[string]int)
	var mu sync.Mutex
	subscribe := func(group string) {
		err := bus.Subscribe(context.Background(), []string{"status-updates"}, group, func(string, []byte) {
			mu.Lock()
			counts[group]++
			mu.Unlock()
		})
		require.NoError(t, err)
	}
	subscribe("coordinator")
	subscribe("auditor")

	require.NoError(t, bus.Publish(context.Background(), "status-updates", "req-1", []byte("{}")))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["coordinator"] == 1 && counts["auditor"] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMemory_TopicFiltering(t *testing.T) {
	bus := NewMemory(nil)
	defer bus.Close()

	received := make(chan string, 4)
	err := bus.Subscribe(context.Background(), []string{"triage-results"}, "formatter", func(topic string, _ []byte) {
		received <- topic
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "bug-reports", "k", []byte("x")))
	require.NoError(t, bus.Publish(context.Background(), "triage-results", "k", []byte("y")))

	select {
	case topic := <-received:
		assert.Equal(t, "triage-results", topic)
	case <-time.After(time.Second):
		t.Fatal("expected delivery on triage-results")
	}

	select {
	case topic := <-received:
		t.Fatalf("unexpected delivery on %s", topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemory_HandlerPanicDoesNotHaltLoop(t *testing.T) {
	bus := NewMemory(nil)
	defer bus.Close()

	processed := make(chan string, 2)
	err := bus.Subscribe(context.Background(), []string{"bug-reports"}, "triage", func(_ string, data []byte) {
		if string(data) == "bad" {
			panic("malformed")
		}
		processed <- string(data)
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "bug-reports", "k", []byte("bad")))
	require.NoError(t, bus.Publish(context.Background(), "bug-reports", "k", []byte("good")))

	select {
	case got := <-processed:
		assert.Equal(t, "good", got, "loop continues past the panicking message")
	case <-time.After(time.Second):
		t.Fatal("consume loop halted after handler panic")
	}
}

func TestMemory_FailPublish(t *testing.T) {
	bus := NewMemory(nil)
	defer bus.Close()

	bus.FailPublish = true
	err := bus.Publish(context.Background(), "bug-reports", "k", []byte("x"))
	assert.Error(t, err)
}

func TestMemory_DuplicateGroupRejected(t *testing.T) {
	bus := NewMemory(nil)
	defer bus.Close()

	noop := func(string, []byte) {}
	require.NoError(t, bus.Subscribe(context.Background(), []string{"a"}, "g", noop))
	assert.Error(t, bus.Subscribe(context.Background(), []string{"a"}, "g", noop))
}

func TestMemory_ClosedBusRejectsOperations(t *testing.T) {
	bus := NewMemory(nil)
	bus.Close()

	assert.Error(t, bus.Publish(context.Background(), "a", "k", []byte("x")))
	assert.Error(t, bus.Subscribe(context.Background(), []string{"a"}, "g", func(string, []byte) {}))

	// Close is idempotent
	bus.Close()
}

func TestMemory_FullBufferFailsPublish(t *testing.T) {
	bus := NewMemory(nil)
	defer bus.Close()

	release := make(chan struct{})
	defer close(release)

	err := bus.Subscribe(context.Background(), []string{"bug-reports"}, "triage", func(string, []byte) {
		<-release
	})
	require.NoError(t, err)

	// The handler is stuck, so the group buffer eventually fills and the
	// publish must report failure instead of dropping the message.
	var publishErr error
	for i := 0; i < 2048; i++ {
		if publishErr = bus.Publish(context.Background(), "bug-reports", "k", []byte("x")); publishErr != nil {
			break
		}
	}
	require.Error(t, publishErr)
	assert.Contains(t, publishErr.Error(), "buffer full")
}
