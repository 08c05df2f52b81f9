// Package stream fans session snapshots out to live watchers. A single
// poll loop reads the versioned snapshot and broadcasts it only when
// the revision moved, so watcher count never multiplies store reads.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessionmint/sessionkernelxyz/queue"
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 16

// DefaultPollInterval is how often the broker re-reads the snapshot.
const DefaultPollInterval = 3 * time.Second

// DefaultHeartbeatInterval is how often idle heartbeats are emitted.
const DefaultHeartbeatInterval = 15 * time.Second

// Snapshotter provides versioned session reads.
type Snapshotter interface {
	SnapshotWithRevision(ctx context.Context) (*queue.SnapshotWithRevision, error)
}

// Broker polls for snapshot changes and broadcasts them.
type Broker struct {
	source Snapshotter
	logger *slog.Logger

	// Subscriber management.
	subscribers sync.Map // subscriberID → *Subscriber
	nextID      atomic.Int64

	// Last broadcast state, replayed to new subscribers.
	mu           sync.Mutex
	lastRevision int64
	lastEvent    *Event

	// Metrics.
	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	// Config.
	bufferSize        int
	pollInterval      time.Duration
	heartbeatInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithPollInterval sets the snapshot polling cadence.
func WithPollInterval(d time.Duration) BrokerOption {
	return func(b *Broker) { b.pollInterval = d }
}

// WithHeartbeatInterval sets the idle heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) BrokerOption {
	return func(b *Broker) { b.heartbeatInterval = d }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) { b.logger = logger }
}

// NewBroker creates a broker over source. Call Start to begin polling.
func NewBroker(source Snapshotter, opts ...BrokerOption) *Broker {
	b := &Broker{
		source:            source,
		logger:            slog.Default(),
		bufferSize:        DefaultBufferSize,
		pollInterval:      DefaultPollInterval,
		heartbeatInterval: DefaultHeartbeatInterval,
		lastRevision:      -1,
		stopCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the poll and heartbeat loops.
func (b *Broker) Start(_ context.Context) error {
	b.wg.Add(2)
	go b.pollLoop()
	go b.heartbeatLoop()
	b.logger.Info("stream broker started",
		slog.Duration("poll_interval", b.pollInterval),
		slog.Duration("heartbeat_interval", b.heartbeatInterval),
	)
	return nil
}

// Stop halts the loops and closes every subscriber.
func (b *Broker) Stop(_ context.Context) error {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()

	b.subscribers.Range(func(key, value any) bool {
		value.(*Subscriber).Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker stopped")
	return nil
}

// Subscribe registers a new watcher. The current snapshot, when known,
// is delivered as the first event so clients render without waiting for
// the next change.
func (b *Broker) Subscribe() *Subscriber {
	id := fmt.Sprintf("sub-%d", b.nextID.Add(1))
	sub := newSubscriber(id, b.bufferSize)
	b.subscribers.Store(id, sub)

	b.mu.Lock()
	last := b.lastEvent
	b.mu.Unlock()
	if last != nil {
		sub.send(last)
	}
	return sub
}

// RemoveSubscriber drops a watcher and closes its channel.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close()
	}
}

// Poll forces one snapshot read, broadcasting when the revision moved.
// The loop calls this on its interval; handlers may call it after a
// mutation for a prompt push.
func (b *Broker) Poll(ctx context.Context) {
	snap, err := b.source.SnapshotWithRevision(ctx)
	if err != nil {
		b.logger.Warn("stream snapshot read failed", slog.String("error", err.Error()))
		return
	}

	b.mu.Lock()
	if snap.Revision == b.lastRevision {
		b.mu.Unlock()
		return
	}
	evt := &Event{
		Type:      EventState,
		Timestamp: time.Now().UTC(),
		Data:      mustMarshal(snap),
	}
	b.lastRevision = snap.Revision
	b.lastEvent = evt
	b.mu.Unlock()

	b.broadcast(evt)
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

func (b *Broker) pollLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	// Prime the last-known snapshot immediately.
	b.Poll(context.Background())

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.Poll(context.Background())
		}
	}
}

func (b *Broker) heartbeatLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.broadcast(&Event{
				Type:      EventHeartbeat,
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

func (b *Broker) broadcast(evt *Event) {
	b.subscribers.Range(func(_, value any) bool {
		if value.(*Subscriber).send(evt) {
			b.totalPublished.Add(1)
		} else {
			b.totalDropped.Add(1)
		}
		return true
	})
}
