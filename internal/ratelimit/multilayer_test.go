package ratelimit

import (
	"context"
	"testing"
	"time"
)

// TestMultiLayerFirstDenialWins mirrors the shape of spec.md §8 S3: a
// tighter connection-layer limit should deny before the looser ip-layer
// limit is ever exhausted, and vice versa — whichever layer's budget runs
// out first reports its own Layer on the Decision.
func TestMultiLayerFirstDenialWins(t *testing.T) {
	ctx := context.Background()
	connLimiter := NewTokenBucket(LayerConnection, 2, 0) // no refill: exhausts fast
	ipLimiter := NewTokenBucket(LayerIP, 100, 0)

	ml := NewMultiLayer(
		LayeredLimiter{Layer: LayerIP, Limiter: ipLimiter},
		LayeredLimiter{Layer: LayerConnection, Limiter: connLimiter},
	)

	d1, _ := ml.Attempt(ctx, "id", 1)
	if !d1.Allowed {
		t.Fatalf("expected first attempt allowed, got %+v", d1)
	}
	d2, _ := ml.Attempt(ctx, "id", 1)
	if !d2.Allowed {
		t.Fatalf("expected second attempt allowed, got %+v", d2)
	}
	d3, _ := ml.Attempt(ctx, "id", 1)
	if d3.Allowed || d3.Layer != LayerConnection {
		t.Fatalf("expected connection layer to deny third attempt, got %+v", d3)
	}
}

func TestMultiLayerOrdersByPriorityRegardlessOfConstructionOrder(t *testing.T) {
	ml := NewMultiLayer(
		LayeredLimiter{Layer: LayerChannel, Limiter: NewTokenBucket(LayerChannel, 10, 1)},
		LayeredLimiter{Layer: LayerGlobal, Limiter: NewTokenBucket(LayerGlobal, 10, 1)},
		LayeredLimiter{Layer: LayerUser, Limiter: NewTokenBucket(LayerUser, 10, 1)},
	)
	if len(ml.layers) != 3 {
		t.Fatalf("expected 3 layers")
	}
	if ml.layers[0].Layer != LayerGlobal || ml.layers[1].Layer != LayerUser || ml.layers[2].Layer != LayerChannel {
		t.Fatalf("expected layers ordered global < user < channel, got %v", ml.layers)
	}
}

func TestMultiLayerAdmittedOnlyWhenAllLayersAdmit(t *testing.T) {
	ctx := context.Background()
	ml := NewMultiLayer(
		LayeredLimiter{Layer: LayerGlobal, Limiter: NewTokenBucket(LayerGlobal, 1000, 1000)},
		LayeredLimiter{Layer: LayerUser, Limiter: NewTokenBucket(LayerUser, 1000, 1000)},
	)
	d, _ := ml.Attempt(ctx, "id", 1)
	if !d.Allowed {
		t.Fatalf("expected admitted when every layer allows, got %+v", d)
	}
}

type fixedLoad struct{ s LoadSample }

func (f fixedLoad) Sample() LoadSample { return f.s }

func TestAdaptiveHardReducesOnOpenCircuit(t *testing.T) {
	base := NewTokenBucket(LayerGlobal, 100, 1000)
	a := NewAdaptive(base, 100, 0.5, time.Millisecond, fixedLoad{LoadSample{CPU: 0, Mem: 0, Circuit: CircuitOpen}})
	time.Sleep(2 * time.Millisecond)
	ctx := context.Background()
	a.Attempt(ctx, "id", 1)
	if got := a.EffectiveLimit(); got != 10 {
		t.Fatalf("expected effective limit hard-reduced to 10 (0.1*base), got %v", got)
	}
}

func TestAdaptiveScalesCostInverselyToEffectiveLimit(t *testing.T) {
	base := NewTokenBucket(LayerGlobal, 100, 0)
	a := NewAdaptive(base, 100, 1.0, time.Millisecond, fixedLoad{LoadSample{CPU: 1, Mem: 0, Circuit: CircuitClosed}})
	time.Sleep(2 * time.Millisecond)
	ctx := context.Background()
	// load_factor = 0.5*1 = 0.5; effective = max(10, ceil(100*(1-1*0.5))) = 50
	d, _ := a.Attempt(ctx, "id", 50)
	// cost' = ceil(50*100/50) = 100, consuming the whole base bucket in one call
	if !d.Allowed {
		t.Fatalf("expected allowed, got %+v", d)
	}
	if got := a.EffectiveLimit(); got != 50 {
		t.Fatalf("expected effective limit 50, got %v", got)
	}
}
