// Package broker implements the Broker Adapter (C5): a uniform
// subscribe/publish/publishBatch/consume contract independent of backend.
// Grounded on pkg/kafka/producer.go, pkg/kafka/consumer.go,
// pkg/kafka/events.go, and pkg/kafka/dlq.go, generalized from Kafka-specific
// naming into the vocabulary spec.md §4.5 uses, with franz-go (kgo) as the
// one concrete backend this repository ships.
package broker

import (
	"context"
	"time"
)

// Entry is one message queued for a publishBatch call.
type Entry struct {
	Channel string
	Key     string
	Value   []byte
	Headers map[string]string
}

// BatchResult is the outcome of a publishBatch call, per spec.md §4.5.
type BatchResult struct {
	Queued        int
	Failed        int
	QueueTimeMS   float64
	FlushTimeMS   float64
	TotalTimeMS   float64
	ThroughputMPS float64
}

// HandlerFunc processes one inbound message; it returns false to stop
// delivery (e.g. the subscriber wants to unsubscribe).
type HandlerFunc func(ctx context.Context, channel string, key, value []byte, headers map[string]string) (bool, error)

// Health is the result of a HealthCheck call.
type Health struct {
	Status  string // "ok" | "degraded" | "unavailable"
	Latency time.Duration
	Details map[string]any
}

// Adapter is the uniform contract every broker backend implements.
// Invariants: messages are delivered to subscribers in broker order per
// channel partition; offset/ack policy is backend-specific, but a message
// is never acknowledged before its handler returns success.
type Adapter interface {
	Subscribe(ctx context.Context, channel string, handler HandlerFunc) error
	Publish(ctx context.Context, channel string, key, value []byte, headers map[string]string) error
	PublishBatch(ctx context.Context, entries []Entry, flushTimeout time.Duration) (BatchResult, error)
	Consume(ctx context.Context, pollTimeout time.Duration, batchSize int, handler HandlerFunc) error
	HealthCheck(ctx context.Context) (Health, error)
	IsConnected() bool
	Close() error
}
