package ratelimit

import (
	"context"
	"sync"
	"time"
)

type slidingWindowState struct {
	mu      sync.Mutex
	entries []time.Time
}

// SlidingWindow is the local in-memory sliding-window limiter: state is an
// ordered sequence of event timestamps trimmed to [now-window, now].
type SlidingWindow struct {
	limit  int64
	window time.Duration
	layer  Layer

	mu     sync.RWMutex
	states map[string]*slidingWindowState

	now func() time.Time
}

func NewSlidingWindow(layer Layer, limit int64, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		layer:  layer,
		states: make(map[string]*slidingWindowState),
		now:    time.Now,
	}
}

func (w *SlidingWindow) stateFor(id string) *slidingWindowState {
	w.mu.RLock()
	s, ok := w.states[id]
	w.mu.RUnlock()
	if ok {
		return s
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.states[id]; ok {
		return s
	}
	s = &slidingWindowState{}
	w.states[id] = s
	return s
}

// Attempt implements Limiter per spec.md §4.4:
//  1. drop entries <= now-window.
//  2. if len(entries)+cost <= limit: append cost copies of now; allow.
//  3. else deny; retry_after = ceil((oldest+window) - now).
//
// A cost greater than the configured limit can never be admitted (the
// boundary behavior spec.md §8 calls out explicitly).
func (w *SlidingWindow) Attempt(ctx context.Context, id string, cost int64) (Decision, error) {
	s := w.stateFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)
	kept := s.entries[:0]
	for _, ts := range s.entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.entries = kept

	if int64(len(s.entries))+cost <= w.limit {
		for i := int64(0); i < cost; i++ {
			s.entries = append(s.entries, now)
		}
		return Decision{
			Allowed:    true,
			Identifier: id,
			Limit:      w.limit,
			Current:    int64(len(s.entries)),
			Layer:      w.layer,
		}, nil
	}

	var retry time.Duration
	if len(s.entries) > 0 {
		oldest := s.entries[0]
		retry = oldest.Add(w.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
	}
	// retry_after must be strictly positive on denial (Open Question (1));
	// a window with no surviving entries yet still over limit due to a
	// cost>limit request has no "oldest" to wait out, so fall back to the
	// full window.
	if retry <= 0 {
		retry = w.window
	}

	return Decision{
		Allowed:    false,
		Identifier: id,
		Limit:      w.limit,
		Current:    int64(len(s.entries)),
		RetryAfter: retry,
		Layer:      w.layer,
	}, nil
}
