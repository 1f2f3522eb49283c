package eventagg

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// recordingObserver collects every event OnEvent is called with, for
// assertions on what the Consumer actually published.
type recordingObserver struct {
	mu     sync.Mutex
	events []*UserEvent
	errs   []error
}

func (r *recordingObserver) OnEvent(_ context.Context, event *UserEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}
func (r *recordingObserver) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}
func (r *recordingObserver) OnComplete() {}

func (r *recordingObserver) collected() []*UserEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*UserEvent, len(r.events))
	copy(out, r.events)
	return out
}

// NewConsumer dials NATS and is not exercised here. newTestConsumer builds a
// Consumer directly around a Fanout so handle(), which implements the
// decode/validate/publish/ack policy, can be tested without a broker; Serve
// is tested further down with stub subscribers.
func newTestConsumer(t *testing.T, obs Observer) *Consumer {
	t.Helper()
	fanout := NewFanout()
	if _, err := fanout.Subscribe(obs); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return &Consumer{fanout: fanout}
}

func TestConsumerHandlePublishesValidEvent(t *testing.T) {
	obs := &recordingObserver{}
	c := newTestConsumer(t, obs)

	event := NewUserEvent(1, "view")
	payload, err := SerializeEvent(event)
	if err != nil {
		t.Fatalf("SerializeEvent: %v", err)
	}
	msg := message.NewMessage(uuid.New().String(), payload)

	c.handle(context.Background(), msg)

	collected := obs.collected()
	if len(collected) != 1 || collected[0].UserID != event.UserID || collected[0].EventType != event.EventType {
		t.Fatalf("expected the event to be published, got %+v", collected)
	}
	if stats := c.Stats(); stats.Received != 1 || stats.Published != 1 || stats.Skipped != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

// TestConsumerHandleDecodesSpecCamelCaseWireFormat exercises the literal
// wire example from the bus contract: camelCase field names with a
// data.buttonId payload, matched case-insensitively on decode.
func TestConsumerHandleDecodesSpecCamelCaseWireFormat(t *testing.T) {
	obs := &recordingObserver{}
	c := newTestConsumer(t, obs)

	payload := []byte(`{"userId":123,"eventType":"click","timestamp":"2026-01-15T10:30:00Z","data":{"buttonId":"submit"}}`)
	msg := message.NewMessage(uuid.New().String(), payload)

	c.handle(context.Background(), msg)

	collected := obs.collected()
	if len(collected) != 1 {
		t.Fatalf("expected one event published, got %+v", collected)
	}
	got := collected[0]
	if got.UserID != 123 {
		t.Fatalf("expected userId 123, got %d", got.UserID)
	}
	if got.EventType != "click" {
		t.Fatalf("expected eventType click, got %q", got.EventType)
	}
	buttonID, ok := got.ButtonID()
	if !ok || buttonID != "submit" {
		t.Fatalf("expected data.buttonId submit, got %q (ok=%v)", buttonID, ok)
	}
	if stats := c.Stats(); stats.Skipped != 0 {
		t.Fatalf("expected no skips, got %+v", stats)
	}
}

// TestConsumerHandleSkipsNonPositiveUserID covers the userId <= 0 edge
// case: the wire record decodes cleanly but fails the positive-integer
// invariant, so it is skipped like any other invalid record.
func TestConsumerHandleSkipsNonPositiveUserID(t *testing.T) {
	obs := &recordingObserver{}
	c := newTestConsumer(t, obs)

	payload := []byte(`{"userId":0,"eventType":"click","timestamp":"2026-01-15T10:30:00Z"}`)
	msg := message.NewMessage(uuid.New().String(), payload)

	c.handle(context.Background(), msg)

	if len(obs.collected()) != 0 {
		t.Fatal("expected no event published for userId <= 0")
	}
	if stats := c.Stats(); stats.Skipped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestConsumerHandleSkipsMalformedPayload(t *testing.T) {
	obs := &recordingObserver{}
	c := newTestConsumer(t, obs)

	msg := message.NewMessage(uuid.New().String(), []byte("{not json"))
	c.handle(context.Background(), msg)

	if len(obs.collected()) != 0 {
		t.Fatal("expected no event published for a malformed payload")
	}
	if stats := c.Stats(); stats.Skipped != 1 || stats.Published != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestConsumerHandleSkipsInvalidEvent(t *testing.T) {
	obs := &recordingObserver{}
	c := newTestConsumer(t, obs)

	// UserID, EventType set but Timestamp left zero — decodes cleanly but
	// fails Validate, exercising the validation-skip path distinct from
	// the decode-skip path above.
	payload, err := json.Marshal(&UserEvent{UserID: 1, EventType: "t"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg := message.NewMessage(uuid.New().String(), payload)

	c.handle(context.Background(), msg)

	if len(obs.collected()) != 0 {
		t.Fatal("expected no event published for an event missing its timestamp")
	}
	if stats := c.Stats(); stats.Skipped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestConsumerStopIsIdempotentWithoutSubscriber(t *testing.T) {
	c := &Consumer{}
	c.stopped = true // simulate already-stopped without a live subscriber
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop on already-stopped consumer: %v", err)
	}
}

// failingSubscriber is a message.Subscriber whose Subscribe always fails,
// for exercising the fatal_broker_error path without a live NATS server.
type failingSubscriber struct {
	err error
}

func (s *failingSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return nil, s.err
}
func (s *failingSubscriber) Close() error { return nil }

// TestConsumerServeReportsFatalBrokerErrorOnSubscribeFailure covers the
// fatal_broker_error policy: a subscribe failure must be published to every
// Fanout observer before Serve returns.
func TestConsumerServeReportsFatalBrokerErrorOnSubscribeFailure(t *testing.T) {
	obs := &recordingObserver{}
	fanout := NewFanout()
	if _, err := fanout.Subscribe(obs); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	subscribeErr := errors.New("nats: no servers available")
	c := &Consumer{subscriber: &failingSubscriber{err: subscribeErr}, fanout: fanout}

	err := c.Serve(context.Background())
	if !errors.Is(err, ErrFatalBrokerError) {
		t.Fatalf("expected ErrFatalBrokerError, got %v", err)
	}

	obs.mu.Lock()
	gotErrs := len(obs.errs)
	obs.mu.Unlock()
	if gotErrs != 1 {
		t.Fatalf("expected the fanout to notify OnError exactly once, got %d", gotErrs)
	}
}

// closingSubscriber returns a message channel that is closed immediately,
// simulating the broker dropping the subscription outright rather than
// failing to establish it.
type closingSubscriber struct{}

func (s *closingSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}
func (s *closingSubscriber) Close() error { return nil }

func TestConsumerServeReportsFatalBrokerErrorOnChannelClose(t *testing.T) {
	obs := &recordingObserver{}
	fanout := NewFanout()
	if _, err := fanout.Subscribe(obs); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	c := &Consumer{subscriber: &closingSubscriber{}, fanout: fanout}

	err := c.Serve(context.Background())
	if !errors.Is(err, ErrFatalBrokerError) {
		t.Fatalf("expected ErrFatalBrokerError, got %v", err)
	}
}

// TestConsumerServeExitsCleanlyOnContextCancellation covers the
// "cancelled" policy row: a closed message channel caused by ctx
// cancellation is not a fatal broker error and must not notify observers.
func TestConsumerServeExitsCleanlyOnContextCancellation(t *testing.T) {
	obs := &recordingObserver{}
	fanout := NewFanout()
	if _, err := fanout.Subscribe(obs); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := &Consumer{subscriber: &closingSubscriber{}, fanout: fanout}
	if err := c.Serve(ctx); err != nil {
		t.Fatalf("expected nil error on cancellation, got %v", err)
	}
}
