package eventagg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/riverstack/useraggd/internal/logging"
)

// Service wires the Consumer Loop, Fanout, Aggregator, and DurableStore
// into the full aggregation pipeline and owns the shutdown ordering that
// keeps them consistent: the consumer must stop producing before the
// aggregator's final flush runs, and the final flush must complete before
// the fanout tells every observer it is done.
type Service struct {
	consumer     *Consumer
	aggregator   *Aggregator
	fanout       *Fanout
	store        DurableStore
	subscription Subscription
	health       *HealthChecker

	shutdownTimeout time.Duration
	stopOnce        sync.Once
}

// NewService builds a Service from cfg: a PostgresStore, an Aggregator
// observing the Fanout, and a Consumer publishing onto it.
func NewService(ctx context.Context, cfg *Config) (*Service, error) {
	store, err := NewPostgresStore(ctx, cfg.PostgresStoreConfig())
	if err != nil {
		return nil, fmt.Errorf("create postgres store: %w", err)
	}

	return NewServiceWithStore(store, cfg)
}

// NewServiceWithStore builds a Service around an already-constructed
// DurableStore, so tests (and alternative store backends) can supply a
// fake without going through NewPostgresStore's pgxpool dial.
func NewServiceWithStore(store DurableStore, cfg *Config) (*Service, error) {
	aggregator, err := NewAggregator(store, cfg.AggregatorConfig())
	if err != nil {
		return nil, fmt.Errorf("create aggregator: %w", err)
	}

	fanout := NewFanout()
	subscription, err := fanout.Subscribe(aggregator)
	if err != nil {
		return nil, fmt.Errorf("subscribe aggregator to fanout: %w", err)
	}

	consumer, err := NewConsumer(cfg.Broker, fanout, nil)
	if err != nil {
		subscription.Release()
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	health := NewHealthChecker(DefaultHealthConfig())
	health.RegisterComponent("consumer", consumer)
	health.RegisterComponent("aggregator", aggregator)

	return &Service{
		consumer:        consumer,
		aggregator:      aggregator,
		fanout:          fanout,
		store:           store,
		subscription:    subscription,
		health:          health,
		shutdownTimeout: cfg.Aggregation.FlushTimeout,
	}, nil
}

// String implements fmt.Stringer so the supervisor tree can label this
// service in its logs.
func (s *Service) String() string { return "aggregation-pipeline" }

// Cache exposes the aggregator's backing cache for read-only lookups.
func (s *Service) Cache() *Cache { return s.aggregator.Cache() }

// Store exposes the durable store for read-only lookups that fall
// outside the cache (already-flushed counters from a previous run).
func (s *Service) Store() DurableStore { return s.store }

// Health exposes the health checker for the HTTP observability surface.
func (s *Service) Health() *HealthChecker { return s.health }

// Serve implements suture.Service: it initializes the store schema, runs
// the Consumer Loop and Aggregator flush loop concurrently, and performs
// the ordered shutdown sequence once ctx is canceled or either loop exits
// on its own.
func (s *Service) Serve(ctx context.Context) error {
	if err := s.store.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize durable store: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- s.consumer.Serve(ctx) }()
	go func() { errCh <- s.aggregator.Serve(ctx) }()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if serveErr != nil {
			logging.Error().Err(serveErr).Msg("aggregation pipeline component exited unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.Stop(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("error during pipeline shutdown")
	}

	if serveErr != nil {
		return serveErr
	}
	return ctx.Err()
}

// Stop runs the ordered shutdown: stop the Consumer Loop so no further
// events are published, run the Aggregator's final drain-and-flush, tell
// every Fanout observer the stream is complete, then release the
// Aggregator's subscription and close the store. Safe to call more than
// once; only the first call does anything.
func (s *Service) Stop(ctx context.Context) error {
	var stopErr error
	s.stopOnce.Do(func() {
		if err := s.consumer.Stop(); err != nil {
			logging.Warn().Err(err).Msg("error stopping consumer")
			stopErr = err
		}

		if err := s.aggregator.Stop(ctx); err != nil {
			logging.Warn().Err(err).Msg("final flush failed, counters remain buffered in the cache")
			if stopErr == nil {
				stopErr = err
			}
		}

		s.fanout.Complete()
		s.subscription.Release()

		if err := s.store.Close(); err != nil {
			logging.Warn().Err(err).Msg("error closing durable store")
			if stopErr == nil {
				stopErr = err
			}
		}
	})
	return stopErr
}
