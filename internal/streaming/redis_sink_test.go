package streaming

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisSinkMirrorsEvents(t *testing.T) {
	// Setup mini redis
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	sink := NewRedisSink(redisClient, "test:events", 100)
	manager := NewManager(16, zap.NewNop(), WithSink(sink, 0))

	for i := 0; i < 5; i++ {
		manager.Emit(Event{
			RunID: "run-1",
			Type:  EventStepSkipped,
			Step:  AtStep(i),
			Data:  map[string]interface{}{"index": i},
		})
	}

	ctx := context.Background()
	events, err := sink.ReplaySince(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, evt := range events {
		assert.Equal(t, EventStepSkipped, evt.Type)
		assert.Equal(t, uint64(i+1), evt.Seq)
		assert.Equal(t, float64(i), evt.Data["index"])
	}

	events, err = sink.ReplaySince(ctx, "run-1", 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 3, events[0].StepIndex())

	assert.True(t, mr.Exists("test:events:run-1"))
	manager.ClearRunHistory("run-1")
	assert.False(t, mr.Exists("test:events:run-1"))
}

func TestRedisSinkFailureDoesNotBreakDelivery(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()
	mr.Close()

	manager := NewManager(16, zap.NewNop(), WithSink(NewRedisSink(redisClient, "", 0), 0))
	delivered := 0
	manager.SubscribeRun("run", func(Event) { delivered++ })
	manager.Emit(Event{RunID: "run", Type: EventRunStarted})
	assert.Equal(t, 1, delivered)
}
