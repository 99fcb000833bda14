// Package supervisor implements the Consumer Supervisor (C7): single-worker
// batch consumption in the current process, or a master/worker process
// model that forks N workers and supervises their lifecycle. Grounded on
// api_realtime/cmd/signalman/main.go's Kafka consumer bootstrap and its
// wrapWithDLQ idiom, generalized from a single hardcoded consumer into a
// reusable master/worker supervisor per spec.md §4.7.
//
// Go has no SIGCHLD to handle directly — the runtime reaps children via its
// own wait4 loop and os/exec.Cmd.Wait delivers the exit asynchronously.
// The "tolerate SIGCHLD at any point in the main loop" requirement is met
// here by running one goroutine per worker that blocks on cmd.Wait and
// reports onto a single exits channel the master select loop drains
// whenever it arrives, which is equivalent in effect: reaping can complete
// at any point without disrupting the loop's other cases.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/relaysignal/signalman/internal/broker"
	"github.com/relaysignal/signalman/internal/handler"
	"github.com/relaysignal/signalman/internal/message"
	"github.com/relaysignal/signalman/pkg/logging"
)

// WorkerStatus mirrors spec.md §3's Worker Process Record status enum.
type WorkerStatus string

const (
	StatusStarting WorkerStatus = "starting"
	StatusRunning  WorkerStatus = "running"
	StatusStopping WorkerStatus = "stopping"
	StatusStopped  WorkerStatus = "stopped"
	StatusFailed   WorkerStatus = "failed"
)

// WorkerRecord is the supervisor's exclusively-owned record of one worker
// process, per spec.md §3's Ownership rule.
type WorkerRecord struct {
	ID             string
	HandlerName    string
	Driver         string
	PID            int
	Hostname       string
	Channels       []string
	Status         WorkerStatus
	StartedAt      time.Time
	LastHeartbeat  time.Time
	StoppedAt      time.Time
	MessageCount   int64
	ErrorCount     int64
}

// HeartbeatAlive reports whether the worker's last heartbeat is within
// threshold of now.
func (w WorkerRecord) HeartbeatAlive(now time.Time, threshold time.Duration) bool {
	return now.Sub(w.LastHeartbeat) < threshold
}

// Config configures a Supervisor.
type Config struct {
	HandlerName      string
	WorkerCount      int // 0 or 1 => single-worker mode
	BatchSize        int
	BatchTimeout     time.Duration
	MaxMessages      int64 // 0 = unbounded
	MemoryLimitBytes int64 // carried in config; RunSingleWorker does not check it
	GracefulTimeout  time.Duration
	HeartbeatTimeout time.Duration
	RestartBackoff   time.Duration // default 1s per spec.md §4.7
	PollTimeout      time.Duration

	// DLQChannel, if set, receives an broker.EncodeDLQMessage-encoded copy
	// of every message a handler fails, published back through the same
	// Adapter. Empty disables dead-lettering — failures are still counted
	// in hctx.ErrorCount and passed to Handler.OnFailed, just not replayed
	// anywhere.
	DLQChannel string

	// WorkerCommand builds the exec.Cmd used to spawn one worker process
	// in multi-worker mode (e.g. re-exec this same binary with a
	// "consume" subcommand and SIGNALMAN_WORKER_ID set).
	WorkerCommand func(workerID string) *exec.Cmd

	// Recorder persists the current worker snapshot to the shared KV
	// spec.md §6 requires ("Worker process records stored in a shared KV
	// so broker:consumer:status can query them from outside the
	// supervisor"). Called from Master.Run's aggregate-metrics tick;
	// nil disables persistence (single-worker mode has no cross-process
	// query surface to serve).
	Recorder func(records []WorkerRecord)

	Logger logging.Logger
}

func (c Config) normalized() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = time.Second
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 15 * time.Second
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 500 * time.Millisecond
	}
	return c
}

// Supervisor runs a Handler against broker-delivered messages, either
// single-worker-in-process or as a multi-worker process master.
type Supervisor struct {
	cfg     Config
	adapter broker.Adapter
	h       handler.Handler
}

func New(adapter broker.Adapter, h handler.Handler, cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg.normalized(), adapter: adapter, h: h}
}

// RunSingleWorker implements spec.md §4.7's single-worker mode: subscribe
// to every handler channel, accumulate a local batch, flush on size or age,
// and dispatch via handler.Dispatch. It returns, after a final flush, only
// when ctx is cancelled. Once MaxMessages is reached the subscription
// callback tells the adapter to stop delivering, but RunSingleWorker keeps
// waiting for ctx; MemoryLimitBytes is not checked.
func (s *Supervisor) RunSingleWorker(ctx context.Context) error {
	hctx := handler.Context{Driver: "single", HandlerName: s.h.Name, StartedAt: time.Now()}
	if s.h.OnStart != nil {
		s.h.OnStart(hctx)
	}
	defer func() {
		if s.h.OnStop != nil {
			s.h.OnStop(hctx)
		}
	}()

	var mu sync.Mutex
	var batch []message.Message
	lastFlush := time.Now()
	stopped := make(chan struct{})

	flush := func() {
		mu.Lock()
		if len(batch) == 0 {
			mu.Unlock()
			return
		}
		toFlush := batch
		batch = nil
		lastFlush = time.Now()
		mu.Unlock()

		failed, next := handler.Dispatch(ctx, s.h, toFlush, hctx)
		hctx = next
		s.deadLetter(ctx, failed)
	}

	ticker := time.NewTicker(s.cfg.BatchTimeout)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopped:
				return
			case <-ticker.C:
				mu.Lock()
				age := time.Since(lastFlush)
				mu.Unlock()
				if age >= s.cfg.BatchTimeout {
					flush()
				}
			}
		}
	}()
	defer close(stopped)

	for _, ch := range s.h.Channels {
		err := s.adapter.Subscribe(ctx, ch, func(ctx context.Context, channel string, key, value []byte, headers map[string]string) (bool, error) {
			mu.Lock()
			hitLimit := s.cfg.MaxMessages > 0 && hctx.MessageCount+int64(len(batch))+1 >= s.cfg.MaxMessages
			batch = append(batch, entryToMessage(channel, key, value, headers))
			size := len(batch)
			mu.Unlock()

			if size >= s.cfg.BatchSize {
				flush()
			}
			return !hitLimit && ctx.Err() == nil, nil
		})
		if err != nil {
			return fmt.Errorf("supervisor: subscribe %s: %w", ch, err)
		}
	}

	<-ctx.Done()
	flush()
	return nil
}

// deadLetter republishes every failed message to cfg.DLQChannel, encoded via
// broker.EncodeDLQMessage. A publish failure here is logged and otherwise
// swallowed — the original batch has already been dispatched and must not
// be redelivered just because its dead-letter copy didn't make it.
func (s *Supervisor) deadLetter(ctx context.Context, failed []handler.FailedMessage) {
	if s.cfg.DLQChannel == "" || len(failed) == 0 {
		return
	}
	for _, f := range failed {
		value, err := json.Marshal(f.Message.Data)
		if err != nil {
			value = []byte(fmt.Sprintf("%v", f.Message.Data))
		}
		raw, err := broker.EncodeDLQMessage(broker.FailedMessage{
			Channel:   f.Message.Channel,
			Key:       []byte(f.Message.ID),
			Value:     value,
			Headers:   f.Message.Headers,
			Timestamp: f.Message.Timestamp,
		}, f.Err, s.cfg.HandlerName)
		if err != nil {
			if s.cfg.Logger != nil {
				s.cfg.Logger.WithError(err).WithField("channel", f.Message.Channel).Warn("supervisor: encode dlq message")
			}
			continue
		}
		if err := s.adapter.Publish(ctx, s.cfg.DLQChannel, []byte(f.Message.ID), raw, f.Message.Headers); err != nil {
			if s.cfg.Logger != nil {
				s.cfg.Logger.WithError(err).WithField("channel", s.cfg.DLQChannel).Warn("supervisor: publish dlq message")
			}
		}
	}
}

// entryToMessage decodes a broker entry back into the wire Message the
// handler registry dispatches: value is the JSON object internal/producer's
// Item.Payload encoded on the publish side, unmarshaled into Data the same
// way message.Message round-trips it (see message_test.go). A payload that
// isn't a JSON object (malformed upstream producer, or a raw non-JSON blob)
// is surfaced under a single "raw" key rather than silently dropped.
func entryToMessage(channel string, key, value []byte, headers map[string]string) message.Message {
	msg := message.Message{
		ID:      string(key),
		Type:    message.TypeEvent,
		Channel: channel,
		Headers: headers,
	}
	if len(value) == 0 {
		return msg
	}
	var data map[string]any
	if err := json.Unmarshal(value, &data); err != nil {
		msg.Data = map[string]any{"raw": string(value)}
		return msg
	}
	msg.Data = data
	return msg
}
