package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRelayForwardsEventsToStream(t *testing.T) {
	mr := miniredis.RunT(t)

	logger := zaptest.NewLogger(t)
	relay, err := NewRelay(RelayConfig{Addr: mr.Addr(), Stream: "tw:test", MaxLen: 100}, logger)
	require.NoError(t, err)

	bus := NewBus(Options{}, logger)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relay.Start(ctx, bus)

	bus.Publish(New(WorkflowStarted, "wf-9", map[string]interface{}{"name": "demo"}))
	bus.Publish(New(WorkflowCompleted, "wf-9", nil))

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	var entries []redis.XMessage
	require.Eventually(t, func() bool {
		res, err := client.XRange(context.Background(), "tw:test", "-", "+").Result()
		if err != nil {
			return false
		}
		entries = res
		return len(entries) == 2
	}, 3*time.Second, 20*time.Millisecond, "expected 2 stream entries")

	assert.Equal(t, string(WorkflowStarted), entries[0].Values["type"])
	assert.Equal(t, "wf-9", entries[0].Values["source"])
	assert.Equal(t, string(WorkflowCompleted), entries[1].Values["type"])

	relay.Stop()
}

func TestRelayConnectFailure(t *testing.T) {
	_, err := NewRelay(RelayConfig{Addr: "127.0.0.1:1"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
