package eventagg

import "errors"

// ErrNilEvent is returned when a nil event is passed where one is required.
var ErrNilEvent = errors.New("event cannot be nil")

// ErrMalformedRecord is returned when a bus record cannot be decoded into a
// UserEvent. Per the consumer's error policy this is logged and the offset
// is committed anyway — the record is unrecoverable, not retryable.
var ErrMalformedRecord = errors.New("malformed record")

// ErrStoreUnavailable is returned when the durable store cannot be reached.
// This is the transient case: the flush is retried with backoff and the
// buffered counters are retained.
var ErrStoreUnavailable = errors.New("durable store unavailable")

// ErrFlushInProgress reports that a flush is already running. No function
// in this package returns it: Aggregator.Flush waits for a running flush
// instead of failing.
var ErrFlushInProgress = errors.New("flush already in progress")

// ErrAlreadyClosed is returned by Aggregator.Serve after the Aggregator
// has been stopped, and by Fanout.Subscribe after the Fanout has completed.
var ErrAlreadyClosed = errors.New("already closed")

// ErrNilSubscriber is returned when attempting to subscribe a nil observer.
var ErrNilSubscriber = errors.New("observer cannot be nil")

// ErrNilStore is returned when constructing an Aggregator without a
// DurableStore.
var ErrNilStore = errors.New("durable store cannot be nil")

// ErrInvalidConfig is returned when configuration is invalid.
var ErrInvalidConfig = errors.New("invalid configuration")

// ErrFatalBrokerError is returned by Consumer.Serve when the broker
// subscription fails outright or the message channel closes while the
// consumer was not asked to stop. It is published to every Fanout observer
// via PublishError before the poll loop exits.
var ErrFatalBrokerError = errors.New("fatal broker error")
