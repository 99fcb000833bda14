package broker

import (
	"context"
	"sync"
	"time"
)

// MemoryAdapter is an in-process Adapter backed by an in-memory slice of
// entries per channel name. It exists for tests and for local/dev runs without a real
// broker; it honors the same ordering-per-channel and never-ack-before-
// handler-success invariants as KafkaAdapter.
type MemoryAdapter struct {
	mu       sync.Mutex
	queues   map[string][]Entry
	subs     map[string][]HandlerFunc
	fail     bool
	closed   bool
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{queues: make(map[string][]Entry), subs: make(map[string][]HandlerFunc)}
}

// SetFail forces every subsequent publish to fail, simulating a broker
// outage for BrokerUnavailable test paths.
func (m *MemoryAdapter) SetFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

func (m *MemoryAdapter) Publish(ctx context.Context, channel string, key, value []byte, headers map[string]string) error {
	m.mu.Lock()
	if m.fail {
		m.mu.Unlock()
		return errBrokerUnavailable
	}
	m.queues[channel] = append(m.queues[channel], Entry{Channel: channel, Key: string(key), Value: value, Headers: headers})
	handlers := append([]HandlerFunc(nil), m.subs[channel]...)
	m.mu.Unlock()

	for _, h := range handlers {
		if _, err := h(ctx, channel, key, value, headers); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryAdapter) PublishBatch(ctx context.Context, entries []Entry, flushTimeout time.Duration) (BatchResult, error) {
	start := time.Now()
	if len(entries) == 0 {
		return BatchResult{}, nil
	}
	m.mu.Lock()
	fail := m.fail
	if !fail {
		for _, e := range entries {
			m.queues[e.Channel] = append(m.queues[e.Channel], e)
		}
	}
	m.mu.Unlock()

	queued, failed := len(entries), 0
	if fail {
		queued, failed = 0, len(entries)
	}
	elapsed := time.Since(start)
	throughput := 0.0
	if elapsed.Seconds() > 0 {
		throughput = float64(queued) / elapsed.Seconds()
	}
	return BatchResult{
		Queued:        queued,
		Failed:        failed,
		TotalTimeMS:   float64(elapsed.Microseconds()) / 1000,
		ThroughputMPS: throughput,
	}, nil
}

// Subscribe registers handler for channel; delivery happens synchronously
// on the calling goroutine of every subsequent Publish call (PublishBatch
// only queues entries and never invokes subscribers), which is sufficient for tests that don't depend on KafkaAdapter's actual
// poll-loop concurrency.
func (m *MemoryAdapter) Subscribe(ctx context.Context, channel string, handler HandlerFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[channel] = append(m.subs[channel], handler)
	return nil
}

func (m *MemoryAdapter) Consume(ctx context.Context, pollTimeout time.Duration, batchSize int, handler HandlerFunc) error {
	return nil
}

func (m *MemoryAdapter) HealthCheck(ctx context.Context) (Health, error) {
	if m.fail {
		return Health{Status: "unavailable"}, errBrokerUnavailable
	}
	return Health{Status: "ok"}, nil
}

func (m *MemoryAdapter) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.fail && !m.closed
}

func (m *MemoryAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Queued returns a copy of everything published to channel, for test
// assertions.
func (m *MemoryAdapter) Queued(channel string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.queues[channel]))
	copy(out, m.queues[channel])
	return out
}
