package eventagg

import (
	"context"
	"fmt"
	"sync"

	"github.com/riverstack/useraggd/internal/logging"
)

// Observer receives events published on a Fanout. OnEvent is called once
// per published event; OnError is called when the Consumer Loop hits a
// fatal broker error (records that fail to decode or validate are only
// logged and skipped, not reported here); OnComplete is called exactly
// once when the Fanout is shut down.
type Observer interface {
	OnEvent(ctx context.Context, event *UserEvent) error
	OnError(err error)
	OnComplete()
}

// Subscription is the handle returned by Fanout.Subscribe. Release is
// idempotent: calling it more than once is a no-op.
type Subscription struct {
	once    *sync.Once
	release func()
}

// Release unsubscribes the observer. Safe to call more than once.
func (s Subscription) Release() {
	if s.once == nil {
		return
	}
	s.once.Do(s.release)
}

// Fanout is the Event Bus: a single-producer, multi-observer multicast.
// It is not a reactive stream or message broker — it exists to let the
// Aggregation Cache and any secondary observers (audit logging, a
// replication sink) see every event the Consumer Loop decodes, without the
// consumer knowing how many observers exist or what they do with it.
//
// Publish blocks until every observer's OnEvent has returned, which is
// what gives each observer a strict per-observer delivery order: the
// Consumer Loop calls Publish once per record, sequentially, so an
// observer can never see event N+1 before event N.
type Fanout struct {
	mu sync.RWMutex
	// order holds subscription IDs in the order they were registered, so a
	// snapshot can deliver in subscription order as required by §4.2.
	order     []int64
	observers map[int64]Observer
	byIdentity map[Observer]int64
	nextID    int64
	closed    bool
}

// NewFanout creates an empty Fanout.
func NewFanout() *Fanout {
	return &Fanout{
		observers:  make(map[int64]Observer),
		byIdentity: make(map[Observer]int64),
	}
}

// Subscribe registers obs and returns a Subscription that removes it.
// Re-subscribing an observer already registered (by identity) is a no-op:
// it returns a Subscription that releases the existing registration rather
// than creating a duplicate, so the same instance is never delivered to
// twice for one published event.
func (f *Fanout) Subscribe(obs Observer) (Subscription, error) {
	if obs == nil {
		return Subscription{}, ErrNilSubscriber
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return Subscription{}, ErrAlreadyClosed
	}
	if id, ok := f.byIdentity[obs]; ok {
		f.mu.Unlock()
		return f.subscriptionFor(id), nil
	}
	id := f.nextID
	f.nextID++
	f.observers[id] = obs
	f.byIdentity[obs] = id
	f.order = append(f.order, id)
	f.mu.Unlock()

	return f.subscriptionFor(id), nil
}

func (f *Fanout) subscriptionFor(id int64) Subscription {
	var once sync.Once
	return Subscription{
		once: &once,
		release: func() {
			f.mu.Lock()
			if obs, ok := f.observers[id]; ok {
				delete(f.byIdentity, obs)
			}
			delete(f.observers, id)
			for i, oid := range f.order {
				if oid == id {
					f.order = append(f.order[:i], f.order[i+1:]...)
					break
				}
			}
			f.mu.Unlock()
		},
	}
}

// snapshot copies the observer set, in subscription order, under the read
// lock so delivery never holds the lock while calling into observer code.
func (f *Fanout) snapshot() []Observer {
	f.mu.RLock()
	defer f.mu.RUnlock()
	obs := make([]Observer, 0, len(f.order))
	for _, id := range f.order {
		obs = append(obs, f.observers[id])
	}
	return obs
}

// Publish delivers event to every subscribed observer, one at a time, in
// subscription order — the ordering guarantee only holds within a single
// Publish call; across calls only per-observer order is guaranteed. A
// panicking or error-returning observer never aborts delivery to the
// others, and never propagates back to the Consumer Loop — both are
// logged and swallowed, matching the bus's at-least-once contract: a
// broken observer must not stall ingestion.
func (f *Fanout) Publish(ctx context.Context, event *UserEvent) {
	if event == nil {
		return
	}
	observers := f.snapshot()
	if len(observers) == 0 {
		return
	}

	eventRef := fmt.Sprintf("%d/%s", event.UserID, event.EventType)

	for _, obs := range observers {
		f.deliverOne(ctx, obs, event, eventRef)
	}
}

func (f *Fanout) deliverOne(ctx context.Context, obs Observer, event *UserEvent, eventRef string) {
	defer recoverObserverPanic(eventRef)
	if err := obs.OnEvent(ctx, event); err != nil {
		logging.Ctx(ctx).Warn().
			Err(err).
			Int64("user_id", event.UserID).
			Str("event_type", event.EventType).
			Msg("observer rejected event, swallowing")
	}
}

// PublishError notifies every observer that the Consumer Loop encountered
// an error outside the per-record decode path (e.g. a subscription
// failure). Observer panics are recovered the same way as Publish.
func (f *Fanout) PublishError(err error) {
	if err == nil {
		return
	}
	observers := f.snapshot()
	var wg sync.WaitGroup
	wg.Add(len(observers))
	for _, obs := range observers {
		obs := obs
		go func() {
			defer wg.Done()
			defer recoverObserverPanic("error-notify")
			obs.OnError(err)
		}()
	}
	wg.Wait()
}

// Complete marks the Fanout closed, notifies every observer exactly once,
// and rejects further Subscribe calls. It is safe to call more than once;
// only the first call notifies observers.
func (f *Fanout) Complete() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	observers := make([]Observer, 0, len(f.observers))
	for _, o := range f.observers {
		observers = append(observers, o)
	}
	f.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(observers))
	for _, obs := range observers {
		obs := obs
		go func() {
			defer wg.Done()
			defer recoverObserverPanic("complete")
			obs.OnComplete()
		}()
	}
	wg.Wait()
}

func recoverObserverPanic(context string) {
	if r := recover(); r != nil {
		logging.Error().
			Str("context", context).
			Msg(fmt.Sprintf("observer panic recovered: %v", r))
	}
}
