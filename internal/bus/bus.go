// Package bus is the in-process message bus between source, init-load, and
// target workers. Each subscriber owns a bounded FIFO; publish is a common,
// non-blocking path that drops on a full queue rather than stalling a binlog
// reader. Drops are surfaced through counters and rate-limited warnings.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tumurzakov/myrepetl/internal/model"
)

const dropLogEvery = 1000

type Stats struct {
	Published int64
	Dropped   int64
	Size      int
	Peak      int64
}

// Subscription is one target worker's queue. Receive competes with the
// shutdown broadcast, so a blocked dequeue wakes immediately on shutdown.
type Subscription struct {
	Name string

	ch       chan model.Message
	shutdown chan struct{}
}

// C exposes the raw message channel for callers that select over it
// alongside their own tickers.
func (s *Subscription) C() <-chan model.Message { return s.ch }

// Shutdown is closed once when the bus broadcasts shutdown.
func (s *Subscription) Shutdown() <-chan struct{} { return s.shutdown }

// Receive dequeues one message, waiting at most timeout. After shutdown it
// keeps draining queued messages and then reports the shutdown message.
func (s *Subscription) Receive(timeout time.Duration) (model.Message, bool) {
	select {
	case msg := <-s.ch:
		return msg, true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-s.ch:
		return msg, true
	case <-s.shutdown:
		return model.NewShutdownMessage("bus"), true
	case <-timer.C:
		return model.Message{}, false
	}
}

type Bus struct {
	capacity int
	log      *zap.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription
	down bool

	published atomic.Int64
	dropped   atomic.Int64
	peak      atomic.Int64
}

func New(capacity int, logger *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Bus{
		capacity: capacity,
		log:      logger,
		subs:     make(map[string]*Subscription),
	}
}

// Subscribe registers a queue for the named target. Subscribing the same
// name again replaces the previous queue.
func (b *Bus) Subscribe(name string) *Subscription {
	sub := &Subscription{
		Name:     name,
		ch:       make(chan model.Message, b.capacity),
		shutdown: make(chan struct{}),
	}
	b.mu.Lock()
	if b.down {
		close(sub.shutdown)
	}
	b.subs[name] = sub
	b.mu.Unlock()
	return sub
}

// Publish enqueues msg for every subscriber whose name matches the routing
// key (or for all of them on broadcast). It never blocks: full queues count a
// drop and the message is lost for that subscriber. Returns false when at
// least one delivery was dropped or no subscriber matched.
func (b *Bus) Publish(msg model.Message) bool {
	b.mu.RLock()
	down := b.down
	targets := make([]*Subscription, 0, len(b.subs))
	for name, sub := range b.subs {
		if msg.TargetName == model.BroadcastTarget || msg.TargetName == name {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	if down {
		return false
	}
	if len(targets) == 0 {
		b.drop(msg, "no subscriber")
		return false
	}

	ok := true
	for _, sub := range targets {
		select {
		case sub.ch <- msg:
			b.published.Add(1)
			if depth := int64(len(sub.ch)); depth > b.peak.Load() {
				b.peak.Store(depth)
			}
		default:
			b.drop(msg, sub.Name)
			ok = false
		}
	}
	return ok
}

func (b *Bus) drop(msg model.Message, subscriber string) {
	n := b.dropped.Add(1)
	if n == 1 || n%dropLogEvery == 0 {
		b.log.Warn("bus queue full, dropping message",
			zap.String("target", msg.TargetName),
			zap.String("subscriber", subscriber),
			zap.String("source", msg.Source),
			zap.Int64("dropped_total", n))
	}
}

// PublishShutdown broadcasts the shutdown signal. Unlike regular messages it
// cannot be dropped: every subscriber's shutdown channel is closed, waking
// blocked dequeues even when their queues are full.
func (b *Bus) PublishShutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return
	}
	b.down = true
	for _, sub := range b.subs {
		close(sub.shutdown)
	}
	b.log.Info("bus shutdown broadcast")
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	size := 0
	for _, sub := range b.subs {
		size += len(sub.ch)
	}
	b.mu.RUnlock()
	return Stats{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
		Size:      size,
		Peak:      b.peak.Load(),
	}
}

// Dropped returns the drop counter alone; the init load polls it for
// backpressure.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
