package eventagg

import (
	"context"
	"testing"
	"time"
)

// NewServiceWithStore still builds a real Consumer, which dials NATS —
// exercising it end-to-end therefore needs a broker. These tests cover
// the parts reachable without one: construction validation and the
// ordered Stop sequence against a fake store.

func TestNewServiceWithStoreRejectsInvalidAggregatorConfig(t *testing.T) {
	cfg := defaultConfig()
	cfg.Aggregation.BatchSize = 0
	_, err := NewServiceWithStore(newFakeStore(), cfg)
	if err == nil {
		t.Fatal("expected an error from an invalid aggregator config")
	}
}

func TestServiceStopIsIdempotent(t *testing.T) {
	cfg := defaultConfig()
	cfg.Broker.URL = "nats://127.0.0.1:4222" // NewConsumer retries a failed connect instead of returning an error
	store := newFakeStore()

	svc, err := NewServiceWithStore(store, cfg)
	if err != nil {
		t.Fatalf("NewServiceWithStore: %v", err)
	}

	svc.Cache().Increment(CounterKey{UserID: 1, EventType: "view"}, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("second Stop should be a no-op, got: %v", err)
	}

	if store.total() != 3 {
		t.Fatalf("expected the cached counter to be flushed on Stop, got %d", store.total())
	}
}
