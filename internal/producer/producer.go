// Package producer implements the Batch Producer (C6): a fluent builder
// that aggregates, chunks, and flushes large message sets via a
// broker.Adapter. Grounded on pkg/kafka/producer.go's PublishBatch
// (extracting common fields, building per-event records), generalized into
// the builder spec.md §4.6 describes.
package producer

import (
	"context"
	"iter"
	"time"

	"github.com/relaysignal/signalman/internal/broker"
	"github.com/relaysignal/signalman/internal/channel"
	"github.com/relaysignal/signalman/internal/errs"
)

const (
	minBatchSize     = 100
	maxBatchSize     = 50000
	minFlushTimeout  = time.Second
	defaultBatchSize = 10000
)

// Item is one payload queued for publish, with its own headers.
type Item struct {
	Key     string
	Payload []byte
	Headers map[string]string
}

// Result is the merged outcome of a (possibly chunked) publish call, per
// spec.md §4.6.
type Result struct {
	Total         int
	Queued        int
	Failed        int
	DurationMS    float64
	ThroughputMPS float64
	QueueTimeMS   float64
	FlushTimeMS   float64
	Details       []broker.BatchResult
}

// Success reports the predicate spec.md §4.6 defines: failed == 0 and
// queued == total.
func (r Result) Success() bool { return r.Failed == 0 && r.Queued == r.Total }

// Builder gathers (channel, event, payload[]) and flushes it through a
// broker.Adapter. Not safe for concurrent use by multiple goroutines
// against the same Builder value; callers construct one per publish.
type Builder struct {
	adapter           broker.Adapter
	channel           string
	event             string
	internalBatchSize int
	flushTimeout      time.Duration
	items             []Item
}

// New starts a builder for channel/event. Defaults: internal_batch_size
// 10000, flush_timeout 10s (both within the clamped ranges below).
func New(adapter broker.Adapter, channelName, event string) *Builder {
	return &Builder{
		adapter:           adapter,
		channel:           channelName,
		event:             event,
		internalBatchSize: defaultBatchSize,
		flushTimeout:      10 * time.Second,
	}
}

// WithBatchSize sets internal_batch_size, clamped to [100, 50000].
func (b *Builder) WithBatchSize(n int) *Builder {
	if n < minBatchSize {
		n = minBatchSize
	}
	if n > maxBatchSize {
		n = maxBatchSize
	}
	b.internalBatchSize = n
	return b
}

// WithFlushTimeout sets flush_timeout, floored at 1000ms.
func (b *Builder) WithFlushTimeout(d time.Duration) *Builder {
	if d < minFlushTimeout {
		d = minFlushTimeout
	}
	b.flushTimeout = d
	return b
}

// Add queues one payload for publish.
func (b *Builder) Add(payload []byte, headers map[string]string) *Builder {
	b.items = append(b.items, Item{Payload: payload, Headers: headers})
	return b
}

// Each lazily consumes a sequence of T, converting each with fn, so large
// inputs never force a full in-memory expansion before publish begins:
// chunks are flushed to the broker as soon as internal_batch_size items
// have accumulated, rather than after the whole sequence is drained.
func Each[T any](ctx context.Context, b *Builder, src iter.Seq[T], fn func(T) Item) (Result, error) {
	start := time.Now()
	var details []broker.BatchResult
	var total, queued, failed int
	var chunk []Item

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		res, err := b.publishChunk(ctx, chunk)
		if err != nil {
			return err
		}
		details = append(details, res)
		total += len(chunk)
		queued += res.Queued
		failed += res.Failed
		chunk = chunk[:0]
		return nil
	}

	var firstErr error
	src(func(t T) bool {
		chunk = append(chunk, fn(t))
		if len(chunk) >= b.internalBatchSize {
			if err := flush(); err != nil {
				firstErr = err
				return false
			}
		}
		return true
	})
	if firstErr == nil {
		firstErr = flush()
	}
	if firstErr != nil {
		return Result{}, firstErr
	}

	return mergeResult(start, total, queued, failed, details), nil
}

// Publish validates channel/event names, partitions the queued items into
// chunks of internal_batch_size (the last chunk holds the remainder), and
// flushes each chunk
// through the broker, merging per-chunk results into a single Result.
func (b *Builder) Publish(ctx context.Context) (Result, error) {
	if !channel.ValidName(b.channel) || !channel.ValidName(b.event) {
		return Result{}, errs.ErrChannelValidation
	}

	start := time.Now()
	if len(b.items) == 0 {
		return Result{}, nil // empty batch publish returns all-zero result
	}

	var details []broker.BatchResult
	var total, queued, failed int

	for i := 0; i < len(b.items); i += b.internalBatchSize {
		end := i + b.internalBatchSize
		if end > len(b.items) {
			end = len(b.items)
		}
		chunk := b.items[i:end]
		res, err := b.publishChunk(ctx, chunk)
		if err != nil {
			return Result{}, err
		}
		details = append(details, res)
		total += len(chunk)
		queued += res.Queued
		failed += res.Failed
	}

	return mergeResult(start, total, queued, failed, details), nil
}

func (b *Builder) publishChunk(ctx context.Context, items []Item) (broker.BatchResult, error) {
	entries := make([]broker.Entry, 0, len(items))
	for _, it := range items {
		entries = append(entries, broker.Entry{Channel: b.channel, Key: it.Key, Value: it.Payload, Headers: it.Headers})
	}
	return b.adapter.PublishBatch(ctx, entries, b.flushTimeout)
}

func mergeResult(start time.Time, total, queued, failed int, details []broker.BatchResult) Result {
	duration := time.Since(start)
	throughput := 0.0
	if duration.Seconds() > 0 {
		throughput = float64(queued) / duration.Seconds()
	}
	var queueTime, flushTime float64
	for _, d := range details {
		queueTime += d.QueueTimeMS
		flushTime += d.FlushTimeMS
	}
	return Result{
		Total:         total,
		Queued:        queued,
		Failed:        failed,
		DurationMS:    float64(duration.Microseconds()) / 1000,
		ThroughputMPS: throughput,
		QueueTimeMS:   queueTime,
		FlushTimeMS:   flushTime,
		Details:       details,
	}
}
