package producer

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/relaysignal/signalman/internal/broker"
)

// TestPublishScenarioS4 mirrors spec.md §8 S4: 25000 messages,
// internal_batch_size=10000 => 3 chunks (10k,10k,5k), merged total=25000.
func TestPublishScenarioS4(t *testing.T) {
	adapter := broker.NewMemoryAdapter()
	b := New(adapter, "events.analytics", "view").
		WithBatchSize(10000).
		WithFlushTimeout(10 * time.Second)

	for i := 0; i < 25000; i++ {
		b.Add([]byte("payload"), nil)
	}

	res, err := b.Publish(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Details) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(res.Details))
	}
	if res.Total != 25000 || res.Queued != 25000 || res.Failed != 0 {
		t.Fatalf("expected total=queued=25000, got %+v", res)
	}
	if res.DurationMS <= 0 {
		t.Fatalf("expected positive duration, got %v", res.DurationMS)
	}
	if !res.Success() {
		t.Fatalf("expected success predicate true, got %+v", res)
	}
}

func TestPublishEmptyBatchIsAllZero(t *testing.T) {
	adapter := broker.NewMemoryAdapter()
	b := New(adapter, "events.analytics", "view")
	res, err := b.Publish(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(res, Result{}) {
		t.Fatalf("expected all-zero result for empty batch, got %+v", res)
	}
}

func TestPublishInvalidChannelName(t *testing.T) {
	adapter := broker.NewMemoryAdapter()
	b := New(adapter, "bad//channel", "view")
	b.Add([]byte("x"), nil)
	if _, err := b.Publish(context.Background()); err == nil {
		t.Fatalf("expected validation error for malformed channel name")
	}
}

func TestBatchSizeClamped(t *testing.T) {
	b := New(nil, "c", "e").WithBatchSize(1)
	if b.internalBatchSize != minBatchSize {
		t.Fatalf("expected clamp to %d, got %d", minBatchSize, b.internalBatchSize)
	}
	b.WithBatchSize(1_000_000)
	if b.internalBatchSize != maxBatchSize {
		t.Fatalf("expected clamp to %d, got %d", maxBatchSize, b.internalBatchSize)
	}
}

func TestEachLazyChunking(t *testing.T) {
	adapter := broker.NewMemoryAdapter()
	b := New(adapter, "events.analytics", "view").WithBatchSize(100)

	src := func(yield func(int) bool) {
		for i := 0; i < 250; i++ {
			if !yield(i) {
				return
			}
		}
	}

	res, err := Each(context.Background(), b, src, func(i int) Item {
		return Item{Payload: []byte("x")}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Total != 250 || len(res.Details) != 3 {
		t.Fatalf("expected 250 items across 3 chunks, got %+v", res)
	}
}
