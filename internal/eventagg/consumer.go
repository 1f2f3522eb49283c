package eventagg

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/riverstack/useraggd/internal/logging"
)

// Consumer is the Consumer Loop: it subscribes to the partitioned event
// bus as a durable, queue-grouped JetStream consumer, deserializes and
// validates each record, and publishes the decoded UserEvent on the
// Fanout. Malformed records are logged and their offset is committed
// anyway — per the spec's error policy, an unparseable record is
// unrecoverable, not retryable, and must never stall the partition behind
// it.
type Consumer struct {
	subscriber message.Subscriber
	config     BrokerConfig
	fanout     *Fanout
	logger     watermill.LoggerAdapter

	mu       sync.Mutex
	messages <-chan *message.Message
	stopped  bool

	received  atomic.Int64
	published atomic.Int64
	skipped   atomic.Int64
}

// NewConsumer creates a durable JetStream consumer bound to a queue group,
// so multiple Consumer instances load-balance partitions of cfg.Subject
// between them rather than each seeing every message.
func NewConsumer(cfg BrokerConfig, fanout *Fanout, logger watermill.LoggerAdapter) (*Consumer, error) {
	if fanout == nil {
		return nil, ErrNilSubscriber
	}
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("consumer disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("consumer reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	deliverPolicy := natsgo.DeliverNew()
	if cfg.DeliverFromEarliest {
		deliverPolicy = natsgo.DeliverAll()
	}

	subOpts := []natsgo.SubOpt{
		natsgo.MaxDeliver(cfg.MaxDeliver),
		natsgo.MaxAckPending(cfg.MaxAckPending),
		natsgo.AckWait(cfg.AckWaitTimeout),
		deliverPolicy,
	}

	autoProvision := true
	if cfg.StreamName != "" {
		subOpts = append(subOpts, natsgo.BindStream(cfg.StreamName))
		autoProvision = false
	}

	wmConfig := wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: cfg.SubscribersCount,
		AckWaitTimeout:   cfg.AckWaitTimeout,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:         false,
			AutoProvision:    autoProvision,
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    cfg.DurableName,
		},
	}

	sub, err := wmNats.NewSubscriber(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill subscriber: %w", err)
	}

	return &Consumer{
		subscriber: sub,
		config:     cfg,
		fanout:     fanout,
		logger:     logger,
	}, nil
}

// Serve subscribes to the configured subject and processes messages until
// ctx is canceled. It implements suture.Service by structural typing.
//
// A subscribe failure or an unexpected close of the message channel (one
// not caused by ctx cancellation) is a fatal broker error: it is published
// to every Fanout observer via PublishError before the loop exits, per the
// fatal_broker_error policy.
func (c *Consumer) Serve(ctx context.Context) error {
	messages, err := c.subscriber.Subscribe(ctx, c.config.Subject)
	if err != nil {
		wrapped := fmt.Errorf("%w: subscribe to %s: %v", ErrFatalBrokerError, c.config.Subject, err)
		c.fanout.PublishError(wrapped)
		return wrapped
	}

	c.mu.Lock()
	c.messages = messages
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				err := fmt.Errorf("%w: message channel closed", ErrFatalBrokerError)
				c.fanout.PublishError(err)
				return err
			}
			c.handle(ctx, msg)
		}
	}
}

// handle decodes, validates, and publishes one record, then acks it. A
// decode or validation failure is logged and skipped (acked, not
// nacked/redelivered) — it can never become parseable on retry.
func (c *Consumer) handle(ctx context.Context, msg *message.Message) {
	c.received.Add(1)
	RecordEventReceived()

	event, err := DeserializeEvent(msg.Payload)
	if err != nil {
		c.skipped.Add(1)
		RecordEventSkipped("decode")
		logging.Ctx(ctx).Warn().Err(err).Str("message_uuid", msg.UUID).Msg("malformed record skipped")
		msg.Ack()
		return
	}

	if err := event.Validate(); err != nil {
		c.skipped.Add(1)
		RecordEventSkipped("validation")
		logging.Ctx(ctx).Warn().Err(err).Int64("user_id", event.UserID).Str("event_type", event.EventType).Msg("invalid record skipped")
		msg.Ack()
		return
	}

	c.fanout.Publish(ctx, event)
	c.published.Add(1)
	msg.Ack()
}

// Stop closes the underlying subscription. Callers must ensure Serve has
// returned (or ctx passed to Serve is canceled) before relying on this to
// mean "no more events will be published" — the ordered shutdown sequence
// in Service handles that.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()
	return c.subscriber.Close()
}

// Stats returns simple consumer counters, primarily for the health check
// and the HTTP observability surface.
type ConsumerStats struct {
	Received  int64
	Published int64
	Skipped   int64
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Received:  c.received.Load(),
		Published: c.published.Load(),
		Skipped:   c.skipped.Load(),
	}
}

// HealthCheck implements HealthCheckable for Consumer.
func (c *Consumer) HealthCheck(_ context.Context) ComponentHealth {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()

	stats := c.Stats()
	details := map[string]interface{}{
		"received":  stats.Received,
		"published": stats.Published,
		"skipped":   stats.Skipped,
	}

	if stopped {
		return ComponentHealth{Healthy: false, Error: "consumer is stopped", Details: details}
	}
	if stats.Received > 100 {
		if skipRate := float64(stats.Skipped) / float64(stats.Received); skipRate > 0.1 {
			return ComponentHealth{Healthy: true, Degraded: true, Message: "high skipped-record rate", Details: details}
		}
	}
	return ComponentHealth{Healthy: true, Message: "consumer is running", Details: details}
}
