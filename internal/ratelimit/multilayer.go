package ratelimit

import "context"

// LayeredLimiter pairs a Layer with the Limiter enforcing it.
type LayeredLimiter struct {
	Layer   Layer
	Limiter Limiter
}

// MultiLayer checks a set of layered limiters in ascending priority order
// (per LayerPriority); the first denial wins and carries its layer. A
// request is admitted only if every enabled layer admits it (invariant 4 in
// spec.md §8).
type MultiLayer struct {
	layers []LayeredLimiter
}

// NewMultiLayer builds a multi-layer limiter. Layers are sorted internally
// to LayerPriority order regardless of the order passed in.
func NewMultiLayer(layers ...LayeredLimiter) *MultiLayer {
	ordered := make([]LayeredLimiter, 0, len(layers))
	for _, p := range LayerPriority {
		for _, l := range layers {
			if l.Layer == p {
				ordered = append(ordered, l)
			}
		}
	}
	return &MultiLayer{layers: ordered}
}

// Attempt runs every layer's Attempt in priority order. The identifier
// passed applies uniformly; callers needing per-layer identifiers (e.g. IP
// vs user ID) should compose distinct MultiLayer instances or call each
// Limiter directly and combine with AttemptAll.
func (m *MultiLayer) Attempt(ctx context.Context, id string, cost int64) (Decision, error) {
	for _, l := range m.layers {
		d, err := l.Limiter.Attempt(ctx, id, cost)
		if err != nil {
			return Decision{}, err
		}
		if !d.Allowed {
			return d, nil
		}
	}
	return Decision{Allowed: true, Identifier: id, Layer: ""}, nil
}

// Identifiers maps a Layer to the identifier Attempt should use for that
// layer (e.g. LayerIP -> client IP, LayerUser -> user ID).
type Identifiers map[Layer]string

// AttemptAll is the general form used when different layers key off
// different identifiers (IP vs connection vs user vs API key). Layers are
// still checked in LayerPriority order; the first denial wins.
func (m *MultiLayer) AttemptAll(ctx context.Context, ids Identifiers, cost int64) (Decision, error) {
	for _, l := range m.layers {
		id, ok := ids[l.Layer]
		if !ok {
			continue // layer not enabled for this request
		}
		d, err := l.Limiter.Attempt(ctx, id, cost)
		if err != nil {
			return Decision{}, err
		}
		if !d.Allowed {
			return d, nil
		}
	}
	return Decision{Allowed: true}, nil
}
