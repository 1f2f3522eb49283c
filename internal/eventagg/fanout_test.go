package eventagg

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fanoutObserver appends every event it receives, optionally panicking
// or returning an error on every OnEvent call to exercise the fan-out's
// swallow-and-isolate behavior.
type fanoutObserver struct {
	mu        sync.Mutex
	events    []*UserEvent
	errs      []error
	completed bool

	panicOnEvent bool
	errOnEvent   error
}

func (o *fanoutObserver) OnEvent(_ context.Context, e *UserEvent) error {
	if o.panicOnEvent {
		panic("fanoutObserver: intentional panic")
	}
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
	return o.errOnEvent
}

func (o *fanoutObserver) OnError(err error) {
	o.mu.Lock()
	o.errs = append(o.errs, err)
	o.mu.Unlock()
}

func (o *fanoutObserver) OnComplete() {
	o.mu.Lock()
	o.completed = true
	o.mu.Unlock()
}

func (o *fanoutObserver) received() []*UserEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*UserEvent, len(o.events))
	copy(out, o.events)
	return out
}

func TestFanoutSubscribeThenReleaseStopsDelivery(t *testing.T) {
	f := NewFanout()
	a := &fanoutObserver{}
	sub, err := f.Subscribe(a)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	e1 := NewUserEvent(1, "click")
	f.Publish(context.Background(), e1)

	sub.Release()

	e2 := NewUserEvent(1, "hover")
	f.Publish(context.Background(), e2)

	got := a.received()
	if len(got) != 1 || got[0] != e1 {
		t.Fatalf("expected observer to see only e1 after release, got %+v", got)
	}
}

// TestFanoutHandoffBetweenObservers is spec scenario 4: subscribe A,
// publish E1, unsubscribe A, subscribe B, publish E2. A must see only E1,
// B must see only E2.
func TestFanoutHandoffBetweenObservers(t *testing.T) {
	f := NewFanout()
	a := &fanoutObserver{}
	subA, err := f.Subscribe(a)
	if err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}

	e1 := NewUserEvent(1, "click")
	f.Publish(context.Background(), e1)
	subA.Release()

	b := &fanoutObserver{}
	if _, err := f.Subscribe(b); err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}

	e2 := NewUserEvent(1, "hover")
	f.Publish(context.Background(), e2)

	gotA := a.received()
	if len(gotA) != 1 || gotA[0] != e1 {
		t.Fatalf("expected A to see only e1, got %+v", gotA)
	}
	gotB := b.received()
	if len(gotB) != 1 || gotB[0] != e2 {
		t.Fatalf("expected B to see only e2, got %+v", gotB)
	}
}

// TestFanoutPublishIsolatesPanickingObserver is spec scenario 6: observer A
// panics on every OnEvent; B must still receive the event and Publish must
// never propagate the panic to the caller.
func TestFanoutPublishIsolatesPanickingObserver(t *testing.T) {
	f := NewFanout()
	a := &fanoutObserver{panicOnEvent: true}
	b := &fanoutObserver{}
	if _, err := f.Subscribe(a); err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}
	if _, err := f.Subscribe(b); err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}

	e1 := NewUserEvent(1, "click")

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Publish(context.Background(), e1)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish did not return; a panic likely escaped")
	}

	gotB := b.received()
	if len(gotB) != 1 || gotB[0] != e1 {
		t.Fatalf("expected B to receive e1 despite A panicking, got %+v", gotB)
	}
}

func TestFanoutPublishSwallowsObserverError(t *testing.T) {
	f := NewFanout()
	obs := &fanoutObserver{errOnEvent: errors.New("observer rejected event")}
	if _, err := f.Subscribe(obs); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	f.Publish(context.Background(), NewUserEvent(1, "click"))

	if len(obs.received()) != 1 {
		t.Fatal("expected the event to still be recorded despite the returned error")
	}
}

func TestFanoutCompleteNotifiesObserversExactlyOnce(t *testing.T) {
	f := NewFanout()
	obs := &fanoutObserver{}
	if _, err := f.Subscribe(obs); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	f.Complete()
	f.Complete()

	obs.mu.Lock()
	completed := obs.completed
	obs.mu.Unlock()
	if !completed {
		t.Fatal("expected OnComplete to have been called")
	}
}

func TestFanoutSubscribeAfterCompleteFails(t *testing.T) {
	f := NewFanout()
	f.Complete()

	if _, err := f.Subscribe(&fanoutObserver{}); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("expected ErrAlreadyClosed, got %v", err)
	}
}

func TestFanoutSubscribeRejectsNilObserver(t *testing.T) {
	f := NewFanout()
	if _, err := f.Subscribe(nil); !errors.Is(err, ErrNilSubscriber) {
		t.Fatalf("expected ErrNilSubscriber, got %v", err)
	}
}

// TestFanoutSubscribeDeduplicatesByIdentity covers the no-op re-subscribe
// requirement: subscribing the same observer instance twice must never
// deliver an event to it twice.
func TestFanoutSubscribeDeduplicatesByIdentity(t *testing.T) {
	f := NewFanout()
	obs := &fanoutObserver{}

	sub1, err := f.Subscribe(obs)
	if err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	sub2, err := f.Subscribe(obs)
	if err != nil {
		t.Fatalf("second Subscribe: %v", err)
	}

	f.Publish(context.Background(), NewUserEvent(1, "click"))

	if got := obs.received(); len(got) != 1 {
		t.Fatalf("expected exactly one delivery for a double-subscribed observer, got %d", len(got))
	}

	// Releasing either subscription handle must remove the single
	// registration, since both refer to the same observer identity.
	sub1.Release()
	f.Publish(context.Background(), NewUserEvent(1, "hover"))
	if got := obs.received(); len(got) != 1 {
		t.Fatalf("expected release via either handle to stop delivery, got %d events", len(got))
	}
	sub2.Release() // idempotent: already removed
}

// TestFanoutPublishDeliversInSubscriptionOrder covers §4.2/§5's ordering
// guarantee: within one Publish call, observers see the event in the order
// they subscribed, not map iteration order.
func TestFanoutPublishDeliversInSubscriptionOrder(t *testing.T) {
	f := NewFanout()

	const n = 20
	var mu sync.Mutex
	var order []int

	observers := make([]*orderObserver, n)
	for i := 0; i < n; i++ {
		i := i
		observers[i] = &orderObserver{
			onEvent: func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			},
		}
		if _, err := f.Subscribe(observers[i]); err != nil {
			t.Fatalf("Subscribe %d: %v", i, err)
		}
	}

	f.Publish(context.Background(), NewUserEvent(1, "click"))

	mu.Lock()
	got := append([]int(nil), order...)
	mu.Unlock()

	if len(got) != n {
		t.Fatalf("expected %d deliveries, got %d", n, len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("expected subscription order %v, got %v", sequentialInts(n), got)
		}
	}
}

func sequentialInts(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// orderObserver calls onEvent synchronously from OnEvent, letting a test
// record the order observers were invoked in without racing on shared state
// beyond what onEvent itself does.
type orderObserver struct {
	onEvent func()
}

func (o *orderObserver) OnEvent(context.Context, *UserEvent) error {
	o.onEvent()
	return nil
}
func (o *orderObserver) OnError(error) {}
func (o *orderObserver) OnComplete()   {}

func TestFanoutPublishNilEventIsNoOp(t *testing.T) {
	f := NewFanout()
	obs := &fanoutObserver{}
	if _, err := f.Subscribe(obs); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	f.Publish(context.Background(), nil)
	if len(obs.received()) != 0 {
		t.Fatal("expected no delivery for a nil event")
	}
}
