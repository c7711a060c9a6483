package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tumurzakov/myrepetl/internal/bus"
	"github.com/tumurzakov/myrepetl/internal/metrics"
	"github.com/tumurzakov/myrepetl/internal/model"
	"github.com/tumurzakov/myrepetl/pkg/config"
)

func initLoadForBus(b *bus.Bus) *InitLoad {
	rule := &config.MappingRule{
		Key:         "source1.users",
		SourceName:  "source1",
		TableName:   "users",
		TargetName:  "dest",
		TargetTable: "users",
		PrimaryKey:  "id",
		InitQuery:   "SELECT * FROM users",
	}
	return NewInitLoad(rule, config.DatabaseConfig{Database: "app"},
		b, nil, metrics.New(), zap.NewNop())
}

func TestPublishPausesWhileBusSaturated(t *testing.T) {
	b := bus.New(1, zap.NewNop())
	sub := b.Subscribe("dest")
	w := initLoadForBus(b)

	// Fill the single-slot queue.
	ev := model.NewRowEvent(model.KindInit, "source1", "app", "users")
	require.True(t, b.Publish(model.NewRowMessage("source1", "dest", ev)))

	published := make(chan error, 1)
	go func() {
		ev2 := model.NewRowEvent(model.KindInit, "source1", "app", "users")
		published <- w.publish(context.Background(), model.NewRowMessage("source1", "dest", ev2))
	}()

	// The worker must be paused, not dropping rows in a tight loop.
	time.Sleep(250 * time.Millisecond)
	droppedBefore := b.Dropped()

	// Drain one slot; the paused publish should go through.
	_, ok := sub.Receive(time.Second)
	require.True(t, ok)

	select {
	case err := <-published:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("publish did not resume after the bus drained")
	}
	assert.LessOrEqual(t, b.Dropped()-droppedBefore, int64(2))
}

func TestPublishStopsOnCancel(t *testing.T) {
	b := bus.New(1, zap.NewNop())
	b.Subscribe("dest")
	w := initLoadForBus(b)

	ev := model.NewRowEvent(model.KindInit, "source1", "app", "users")
	require.True(t, b.Publish(model.NewRowMessage("source1", "dest", ev)))

	ctx, cancel := context.WithCancel(context.Background())
	published := make(chan error, 1)
	go func() {
		ev2 := model.NewRowEvent(model.KindInit, "source1", "app", "users")
		published <- w.publish(ctx, model.NewRowMessage("source1", "dest", ev2))
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-published:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not observe cancellation")
	}
}
