// Package events forwards worker lifecycle notifications to an external stream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/CARTAvis/go-fleet/pkg/connection"
	"github.com/CARTAvis/go-fleet/pkg/pool"
	helpers "github.com/CARTAvis/go-fleet/pkg/shared"
)

const (
	TypeWorkerConnected    = "worker_connected"
	TypeWorkerDisconnected = "worker_disconnected"

	DefaultStream = "fleet:workers"

	publishTimeout = 5 * time.Second
	queueSize      = 256
)

type Event struct {
	Id              string    `json:"id"`
	Type            string    `json:"type"`
	Source          string    `json:"source,omitempty"`
	WorkerId        string    `json:"workerId"`
	WorkerName      string    `json:"workerName"`
	SessionId       string    `json:"sessionId"`
	PendingRequests []string  `json:"pendingRequests,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// RedisPublisher appends events to a Redis stream, one JSON document per entry
// under the "data" field.
type RedisPublisher struct {
	client *redis.Client
	stream string
}

func NewRedisPublisher(client *redis.Client, stream string) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisPublisher{client: client, stream: stream}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"type": event.Type,
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Source is anything that reports worker lifecycle changes, normally a
// *coordinator.Coordinator.
type Source interface {
	OnWorkerConnected(h connection.ConnectedHandler) func()
	OnWorkerDisconnected(h connection.DisconnectedHandler) func()
}

// Forwarder queues lifecycle notifications and publishes them from its own
// goroutine so a slow stream never stalls a worker's read loop. When the queue
// is full new events are dropped and logged.
type Forwarder struct {
	pub    Publisher
	source string
	logger *slog.Logger

	// mu guards closed; enqueue holds it shared so Close never closes the queue
	// under a pending send
	mu          sync.RWMutex
	closed      bool
	queue       chan Event
	unsubscribe []func()
	wg          sync.WaitGroup
}

// Attach subscribes to src and starts forwarding. source tags every event with
// the publishing instance.
func Attach(src Source, pub Publisher, source string, logger *slog.Logger) *Forwarder {
	f := &Forwarder{
		pub:    pub,
		source: source,
		logger: helpers.OrDiscard(logger),
		queue:  make(chan Event, queueSize),
	}

	f.unsubscribe = append(f.unsubscribe,
		src.OnWorkerConnected(func(info pool.WorkerInfo) error {
			f.enqueue(f.newEvent(TypeWorkerConnected, info, nil))
			return nil
		}),
		src.OnWorkerDisconnected(func(info pool.WorkerInfo, pending []string) error {
			f.enqueue(f.newEvent(TypeWorkerDisconnected, info, pending))
			return nil
		}),
	)

	f.wg.Add(1)
	go f.run()
	return f
}

func (f *Forwarder) newEvent(eventType string, info pool.WorkerInfo, pending []string) Event {
	return Event{
		Id:              uuid.NewString(),
		Type:            eventType,
		Source:          f.source,
		WorkerId:        info.Id,
		WorkerName:      info.Name,
		SessionId:       info.SessionId,
		PendingRequests: pending,
		Timestamp:       time.Now().UTC(),
	}
}

func (f *Forwarder) enqueue(e Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.queue <- e:
	default:
		f.logger.Warn("Event queue full, dropping event", "type", e.Type, "workerId", e.WorkerId)
	}
}

func (f *Forwarder) run() {
	defer f.wg.Done()
	for e := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := f.pub.Publish(ctx, e); err != nil {
			f.logger.Error("Failed to publish event", "type", e.Type, "workerId", e.WorkerId, "error", err)
		} else {
			f.logger.Debug("Published event", "type", e.Type, "workerId", e.WorkerId)
		}
		cancel()
	}
}

// Close unsubscribes, publishes whatever is still queued and waits for it.
func (f *Forwarder) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		for _, unsubscribe := range f.unsubscribe {
			unsubscribe()
		}
		close(f.queue)
	}
	f.mu.Unlock()
	f.wg.Wait()
}
