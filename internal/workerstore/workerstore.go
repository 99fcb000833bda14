// Package workerstore persists supervisor worker records to the shared KV
// spec.md §6 requires ("Worker process records stored in a shared KV so
// broker:consumer:status can query them from outside the supervisor").
// Grounded on pkg/redis/client.go's UniversalClient and the atomic-script
// convention internal/ratelimit's Redis-backed limiters already use for
// this repository's one other piece of distributed state.
package workerstore

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/relaysignal/signalman/internal/supervisor"
)

const (
	defaultKey = "signalman:workers"
	recordTTL  = 60 * time.Second
)

// Store reads and writes worker snapshots to Redis under a single key,
// recency-bounded by recordTTL so a crashed master's last-known snapshot
// eventually disappears instead of lying forever.
type Store struct {
	client goredis.UniversalClient
	key    string
}

func New(client goredis.UniversalClient) *Store {
	return &Store{client: client, key: defaultKey}
}

// Save overwrites the persisted snapshot. Intended to be wired as a
// supervisor.Config.Recorder.
func (s *Store) Save(records []supervisor.WorkerRecord) {
	payload, err := json.Marshal(records)
	if err != nil {
		return
	}
	s.client.Set(context.Background(), s.key, payload, recordTTL)
}

// Load fetches the most recently persisted snapshot. Returns an empty slice
// (not an error) if no master has recorded one yet or the TTL has expired —
// broker:consumer:status reports "no active workers" either way.
func (s *Store) Load(ctx context.Context) ([]supervisor.WorkerRecord, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []supervisor.WorkerRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	return records, nil
}
