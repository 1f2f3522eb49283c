// Package httpapi provides the HTTP observability surface for useraggd:
// Kubernetes-style liveness/readiness probes, a Prometheus /metrics
// endpoint, and the two read paths the aggregation pipeline's durable
// store non-goals still permit — per-user and per-(user, event_type)
// counter lookups, merged from the in-memory Aggregation Cache (counts
// not yet flushed) and the PostgreSQL durable store (already flushed
// counts). While a flush is writing, counts it has drained from the cache
// are in neither source, so a lookup made then reads low.
package httpapi
