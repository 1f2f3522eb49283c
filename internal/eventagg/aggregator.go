package eventagg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/riverstack/useraggd/internal/logging"
)

// AggregatorConfig configures the Flusher.
type AggregatorConfig struct {
	// FlushInterval is how often the periodic flush loop runs.
	FlushInterval time.Duration

	// BatchSize is the maximum number of counter rows written to the
	// store in a single UpsertCounters call; larger drains are chunked.
	BatchSize int

	// FlushTimeout bounds each individual flush cycle.
	FlushTimeout time.Duration

	CircuitBreaker CircuitBreakerConfig
}

// DefaultAggregatorConfig returns production-ready defaults.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		FlushInterval:  10 * time.Second,
		BatchSize:      500,
		FlushTimeout:   30 * time.Second,
		CircuitBreaker: DefaultCircuitBreakerConfig(),
	}
}

// AggregatorStats holds runtime statistics for monitoring.
type AggregatorStats struct {
	EventsReceived  int64
	CountersFlushed int64
	FlushCount      int64
	ErrorCount      int64
	LastFlushTime   time.Time
	LastError       string
	CacheSize       int
	AvgFlushTime    time.Duration
}

// Aggregator is the Flusher: it observes every event published on the
// Fanout, accumulates per-(user_id, event_type) counters in a Cache, and
// periodically drains that cache into the DurableStore. It implements
// both Observer (to receive events) and suture.Service (Serve(ctx) error,
// to be supervised).
type Aggregator struct {
	cache   *Cache
	store   DurableStore
	breaker *gobreaker.CircuitBreaker[any]
	config  AggregatorConfig

	// flushMu is not a try-lock: a flush that finds one already running
	// waits for it rather than skipping its own turn, so no tick is ever
	// silently dropped.
	flushMu sync.Mutex

	closed   atomic.Bool
	flushWg  sync.WaitGroup
	stopOnce sync.Once

	eventsReceived  atomic.Int64
	countersFlushed atomic.Int64
	flushCount      atomic.Int64
	errorCount      atomic.Int64
	lastFlushTime   atomic.Value
	lastError       atomic.Value
	totalFlushTime  atomic.Int64
}

// NewAggregator creates an Aggregator backed by store, validating cfg.
func NewAggregator(store DurableStore, cfg AggregatorConfig) (*Aggregator, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	}
	if cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("%w: flush interval must be positive", ErrInvalidConfig)
	}

	a := &Aggregator{
		cache:   NewCache(),
		store:   store,
		breaker: NewCircuitBreaker(cfg.CircuitBreaker),
		config:  cfg,
	}
	a.lastFlushTime.Store(time.Time{})
	a.lastError.Store("")
	return a, nil
}

// Cache exposes the aggregator's backing cache, for the HTTP lookup
// endpoints to read directly without going through the store.
func (a *Aggregator) Cache() *Cache {
	return a.cache
}

// OnEvent implements Observer: every published event increments its
// counter in the cache. This never touches the store directly — the
// cache is the only thing on the hot path.
func (a *Aggregator) OnEvent(_ context.Context, event *UserEvent) error {
	if event == nil {
		return ErrNilEvent
	}
	a.cache.Increment(CounterKey{UserID: event.UserID, EventType: event.EventType}, 1)
	a.eventsReceived.Add(1)
	RecordEventReceived()
	RecordCacheSize(a.cache.Len())
	return nil
}

// OnError implements Observer: consumer-level errors (not per-record
// decode failures) are logged; the Aggregator has nothing stateful to do
// about them.
func (a *Aggregator) OnError(err error) {
	logging.Error().Err(err).Msg("aggregator notified of upstream error")
}

// OnComplete implements Observer: no special action is needed, since the
// ordered shutdown sequence calls Flush explicitly before the Fanout
// completes.
func (a *Aggregator) OnComplete() {}

// Serve runs the periodic flush loop until ctx is canceled. It implements
// suture.Service by structural typing (Serve(ctx context.Context) error)
// so it can be supervised without this package importing suture directly.
//
// Ticks use a detached context with FlushTimeout, not ctx, so a slow flush
// is bounded by its own deadline rather than by however much time is left
// before shutdown — ctx is only watched for the stop signal.
func (a *Aggregator) Serve(ctx context.Context) error {
	if a.closed.Load() {
		return ErrAlreadyClosed
	}

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.flushWg.Add(1)
			go func() {
				defer a.flushWg.Done()
				flushCtx, cancel := context.WithTimeout(context.Background(), a.config.FlushTimeout)
				defer cancel()
				if err := a.Flush(flushCtx); err != nil {
					logging.Warn().Err(err).Msg("periodic flush failed, counters retained for retry")
				}
			}()
		}
	}
}

// Flush drains the cache and writes every counter to the store, chunked
// to BatchSize rows per call. On a chunk failure the undrained remainder
// (including the failed chunk) is added back into the cache so no
// increment is lost, and the error is returned with the successfully
// flushed rows already recorded.
//
// The algorithm:
//  1. Take the flush lock (wait, don't skip, if one is already running).
//  2. Drain the cache into a snapshot of deltas.
//  3. If the snapshot is empty, return immediately.
//  4. Convert the snapshot into UserEventStats rows.
//  5. Split the rows into BatchSize chunks.
//  6. Upsert each chunk through the circuit breaker with retry/backoff.
//  7. On the first failing chunk, restore every undelivered row's delta
//     to the cache and stop, so the next flush retries them.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	start := time.Now()
	drained := a.cache.Drain()
	if len(drained) == 0 {
		return nil
	}

	rows := StatsAt(drained, start)
	flushed := 0

	for i := 0; i < len(rows); i += a.config.BatchSize {
		end := i + a.config.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[i:end]

		if err := a.upsertWithRetry(ctx, chunk); err != nil {
			a.restore(rows[i:])
			a.errorCount.Add(1)
			a.lastError.Store(err.Error())
			a.recordFlushResult(false, flushed, start)
			return fmt.Errorf("flush counters (rows %d-%d): %w", i, end, err)
		}
		flushed += len(chunk)
	}

	a.countersFlushed.Add(int64(flushed))
	a.flushCount.Add(1)
	a.totalFlushTime.Add(time.Since(start).Nanoseconds())
	a.lastFlushTime.Store(time.Now())
	a.lastError.Store("")
	a.recordFlushResult(true, flushed, start)
	return nil
}

// restore adds every row's count back into the cache after a failed
// chunk, so a subsequent Drain picks it up again. Concurrent increments
// to the same key are preserved because Increment adds, it does not set.
func (a *Aggregator) restore(rows []UserEventStats) {
	for _, r := range rows {
		a.cache.Increment(r.Key(), r.Count)
	}
}

// upsertWithRetry writes one chunk through the circuit breaker, retrying
// transient failures (ErrStoreUnavailable) up to twice more (three attempts
// total) with exponential backoff starting at 2s and doubling. Any other
// error is returned after the first attempt.
func (a *Aggregator) upsertWithRetry(ctx context.Context, chunk []UserEventStats) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.Multiplier = 2
	policy.MaxElapsedTime = 0
	retrying := backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx)

	return backoff.Retry(func() error {
		_, err := a.breaker.Execute(func() (any, error) {
			return nil, a.store.UpsertCounters(ctx, chunk)
		})
		if err != nil && !errors.Is(err, ErrStoreUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, retrying)
}

func (a *Aggregator) recordFlushResult(success bool, flushed int, start time.Time) {
	RecordFlush(success, flushed, time.Since(start).Seconds())
	RecordCacheSize(a.cache.Len())
}

// Stats returns current runtime statistics.
func (a *Aggregator) Stats() AggregatorStats {
	var avg time.Duration
	if count := a.flushCount.Load(); count > 0 {
		avg = time.Duration(a.totalFlushTime.Load() / count)
	}
	var lastFlush time.Time
	if t, ok := a.lastFlushTime.Load().(time.Time); ok {
		lastFlush = t
	}
	var lastErr string
	if s, ok := a.lastError.Load().(string); ok {
		lastErr = s
	}

	return AggregatorStats{
		EventsReceived:  a.eventsReceived.Load(),
		CountersFlushed: a.countersFlushed.Load(),
		FlushCount:      a.flushCount.Load(),
		ErrorCount:      a.errorCount.Load(),
		LastFlushTime:   lastFlush,
		LastError:       lastErr,
		CacheSize:       a.cache.Len(),
		AvgFlushTime:    avg,
	}
}

// Stop performs the final drain-and-flush and marks the Aggregator
// closed. It is idempotent. Callers (the top-level Service) must call
// this only after the Consumer Loop has fully stopped publishing, so no
// event increments race with the final drain.
func (a *Aggregator) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.closed.Store(true)
		a.flushWg.Wait()
		err = a.Flush(ctx)
	})
	return err
}
