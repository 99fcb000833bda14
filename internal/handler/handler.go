// Package handler implements the Handler Registry & Dispatch (C8): a
// name → Handler mapping with per-message and optional batch-aware
// dispatch that swallows handler exceptions into the per-message failure
// path instead of propagating them into the broker consume loop. Grounded
// on pkg/kafka/events.go's EventHandler/AnalyticsEventHandler, generalized
// from a single typed analytics-event handler into a registry of named
// handlers over internal/message.Message.
package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/relaysignal/signalman/internal/message"
)

// Context carries per-dispatch state, immutably updated after each batch
// per spec.md §4.8 — Advance returns a new value rather than mutating the
// caller's copy in place.
type Context struct {
	Driver       string
	HandlerName  string
	Channel      string
	ProcessID    string
	StartedAt    time.Time
	MessageCount int64
	ErrorCount   int64
}

// Advance returns a copy of ctx with MessageCount/ErrorCount incremented by
// the outcome of processing one batch.
func (c Context) Advance(processed, failed int) Context {
	c.MessageCount += int64(processed)
	c.ErrorCount += int64(failed)
	return c
}

// FailedMessage pairs a message with the error its handler returned.
type FailedMessage struct {
	Message message.Message
	Err     error
}

// Handler is the per-channel unit of consumer logic. HandleBatch is
// optional: a zero Handler.HandleBatch means "not batch-aware" and Dispatch
// falls back to iterating Handle per message, per spec.md §4.7's
// single-worker mode.
type Handler struct {
	Name     string
	Channels []string

	Handle      func(ctx context.Context, msg message.Message, hctx Context) error
	HandleBatch func(ctx context.Context, msgs []message.Message, hctx Context) (failed []FailedMessage)

	OnStart  func(hctx Context)
	OnStop   func(hctx Context)
	OnFailed func(msg message.Message, err error, hctx Context)
}

func (h Handler) batchAware() bool { return h.HandleBatch != nil }

// Registry maps handler name to Handler.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry { return &Registry{handlers: make(map[string]Handler)} }

// Register adds or replaces a named handler.
func (r *Registry) Register(h Handler) { r.handlers[h.Name] = h }

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns every registered handler name, for channel-subscription
// wiring (a supervisor subscribes to the union of every handler's
// Channels).
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	return names
}

// Dispatch runs h against msgs, preferring HandleBatch when the handler is
// batch-aware, else iterating Handle per message with per-message recover.
// It never lets a handler panic escape into the caller's consume loop: a
// recovered panic is folded into that message's FailedMessage exactly like
// a returned error, per spec.md §4.8 ("swallows handler exceptions into the
// per-message failure path").
func Dispatch(ctx context.Context, h Handler, msgs []message.Message, hctx Context) (failed []FailedMessage, next Context) {
	if len(msgs) == 0 {
		return nil, hctx
	}

	if h.batchAware() {
		failed = safeHandleBatch(ctx, h, msgs, hctx)
		for _, f := range failed {
			if h.OnFailed != nil {
				h.OnFailed(f.Message, f.Err, hctx)
			}
		}
		return failed, hctx.Advance(len(msgs), len(failed))
	}

	for _, msg := range msgs {
		if err := safeHandle(ctx, h, msg, hctx); err != nil {
			failed = append(failed, FailedMessage{Message: msg, Err: err})
			if h.OnFailed != nil {
				h.OnFailed(msg, err, hctx)
			}
		}
	}
	return failed, hctx.Advance(len(msgs), len(failed))
}

func safeHandle(ctx context.Context, h Handler, msg message.Message, hctx Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", h.Name, r)
		}
	}()
	if h.Handle == nil {
		return nil
	}
	return h.Handle(ctx, msg, hctx)
}

func safeHandleBatch(ctx context.Context, h Handler, msgs []message.Message, hctx Context) (failed []FailedMessage) {
	defer func() {
		if r := recover(); r != nil {
			// a panicking batch handler fails every message in the batch —
			// there is no finer-grained attribution available.
			failed = make([]FailedMessage, len(msgs))
			for i, m := range msgs {
				failed[i] = FailedMessage{Message: m, Err: fmt.Errorf("handler %s panicked: %v", h.Name, r)}
			}
		}
	}()
	return h.HandleBatch(ctx, msgs, hctx)
}
