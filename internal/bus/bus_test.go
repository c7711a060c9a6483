package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tumurzakov/myrepetl/internal/model"
)

func rowMsg(target string) model.Message {
	ev := model.NewRowEvent(model.KindInsert, "src", "db", "t")
	return model.NewRowMessage("src", target, ev)
}

func TestRoutingByTargetName(t *testing.T) {
	b := New(10, zap.NewNop())
	t1 := b.Subscribe("t1")
	t2 := b.Subscribe("t2")

	require.True(t, b.Publish(rowMsg("t1")))

	msg, ok := t1.Receive(100 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "t1", msg.TargetName)

	_, ok = t2.Receive(50 * time.Millisecond)
	assert.False(t, ok)
}

func TestBroadcastReachesEverySubscriber(t *testing.T) {
	b := New(10, zap.NewNop())
	t1 := b.Subscribe("t1")
	t2 := b.Subscribe("t2")

	require.True(t, b.Publish(rowMsg(model.BroadcastTarget)))

	_, ok := t1.Receive(100 * time.Millisecond)
	assert.True(t, ok)
	_, ok = t2.Receive(100 * time.Millisecond)
	assert.True(t, ok)
}

func TestDropOnFullNeverBlocks(t *testing.T) {
	b := New(2, zap.NewNop())
	b.Subscribe("t1")

	assert.True(t, b.Publish(rowMsg("t1")))
	assert.True(t, b.Publish(rowMsg("t1")))

	done := make(chan bool, 1)
	go func() {
		done <- b.Publish(rowMsg("t1"))
	}()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full queue")
	}

	stats := b.Stats()
	assert.Equal(t, int64(2), stats.Published)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, int64(2), stats.Peak)
}

func TestPublishWithoutSubscriberCountsDrop(t *testing.T) {
	b := New(2, zap.NewNop())
	assert.False(t, b.Publish(rowMsg("nobody")))
	assert.Equal(t, int64(1), b.Dropped())
}

func TestShutdownUnblocksReceive(t *testing.T) {
	b := New(2, zap.NewNop())
	sub := b.Subscribe("t1")

	var wg sync.WaitGroup
	wg.Add(1)
	var got model.Message
	go func() {
		defer wg.Done()
		got, _ = sub.Receive(10 * time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	b.PublishShutdown()

	doneCh := make(chan struct{})
	go func() { wg.Wait(); close(doneCh) }()
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("receive did not wake on shutdown")
	}
	assert.Equal(t, model.MessageShutdown, got.Type)
}

func TestShutdownDrainsQueuedMessagesFirst(t *testing.T) {
	b := New(10, zap.NewNop())
	sub := b.Subscribe("t1")
	require.True(t, b.Publish(rowMsg("t1")))
	b.PublishShutdown()

	msg, ok := sub.Receive(100 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, model.MessageRow, msg.Type)

	msg, ok = sub.Receive(100 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, model.MessageShutdown, msg.Type)
}

func TestPublishAfterShutdownIsRejected(t *testing.T) {
	b := New(10, zap.NewNop())
	b.Subscribe("t1")
	b.PublishShutdown()
	assert.False(t, b.Publish(rowMsg("t1")))
}

func TestReceiveTimeout(t *testing.T) {
	b := New(10, zap.NewNop())
	sub := b.Subscribe("t1")

	start := time.Now()
	_, ok := sub.Receive(50 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
