package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestMemoryAdapterSatisfiesAdapter(t *testing.T) {
	var _ Adapter = NewMemoryAdapter()
}

func TestPublishBatchEmptyIsAllZero(t *testing.T) {
	m := NewMemoryAdapter()
	res, err := m.PublishBatch(context.Background(), nil, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != (BatchResult{}) {
		t.Fatalf("expected all-zero result for empty batch, got %+v", res)
	}
}

func TestPublishBatchTotalsAndOrder(t *testing.T) {
	m := NewMemoryAdapter()
	entries := []Entry{
		{Channel: "c", Key: "1", Value: []byte("a")},
		{Channel: "c", Key: "2", Value: []byte("b")},
	}
	res, err := m.PublishBatch(context.Background(), entries, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Queued+res.Failed != len(entries) {
		t.Fatalf("expected total = queued + failed, got %+v", res)
	}
	queued := m.Queued("c")
	if len(queued) != 2 || string(queued[0].Value) != "a" || string(queued[1].Value) != "b" {
		t.Fatalf("expected caller order preserved, got %+v", queued)
	}
}

func TestPublishBatchFailsAllOnBrokerOutage(t *testing.T) {
	m := NewMemoryAdapter()
	m.SetFail(true)
	entries := []Entry{{Channel: "c", Value: []byte("a")}}
	res, _ := m.PublishBatch(context.Background(), entries, time.Second)
	if res.Failed != len(entries) || res.Queued != 0 {
		t.Fatalf("expected failed=total on broker outage, got %+v", res)
	}
}

func TestDLQRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	msg := FailedMessage{Channel: "events", Key: []byte("k1"), Value: []byte(`{"x":1}`), Headers: map[string]string{"tenant_id": "t1"}, Timestamp: ts}
	raw, err := EncodeDLQMessage(msg, errors.New("boom"), "consumer-1")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got DLQPayload
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Channel != "events" || got.Error != "boom" || got.Consumer != "consumer-1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.Timestamp.Equal(ts) {
		t.Fatalf("timestamp mismatch: %v", got.Timestamp)
	}
}
