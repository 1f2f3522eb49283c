// Package eventagg implements the user-activity event aggregation
// pipeline: a Consumer Loop reads events off a partitioned NATS
// JetStream stream, a Fanout multicasts each decoded event to its
// observers, an Aggregator accumulates per-(user_id, event_type) counts
// in a sharded in-memory Cache, and periodically flushes those counts to
// a durable PostgreSQL store via an idempotent counter-merge upsert.
//
// The four pieces compose as:
//
//	Consumer -> Fanout -> Aggregator (Cache + flush loop) -> DurableStore
//
// Service wires all four together and owns the shutdown ordering: the
// Consumer Loop stops first so no more events are published, then the
// Aggregator performs one final drain-and-flush, then the Fanout is
// marked complete, and finally its subscription is released.
package eventagg
