package eventagg

import "context"

// DurableStore is the external collaborator the Flusher writes to. It
// merges by addition rather than overwriting: the caller supplies deltas
// accumulated since the last successful flush, and the store adds them to
// whatever is already on disk. Flushing the same delta twice therefore
// adds it twice; a redelivered event is counted once more.
type DurableStore interface {
	// Initialize creates the backing schema if it does not already exist.
	Initialize(ctx context.Context) error

	// UpsertCounters merges each row's Count into the existing row for
	// (user_id, event_type), creating it if absent, and advances
	// LastUpdated. Implementations must perform this as a single
	// atomic statement per row (or per batch) — not a read-modify-write
	// from the caller's side — to stay correct under concurrent flushers.
	UpsertCounters(ctx context.Context, rows []UserEventStats) error

	// GetUserStats returns every counter for userID, for the per-user
	// observability lookup.
	GetUserStats(ctx context.Context, userID int64) ([]UserEventStats, error)

	// GetStat returns the counter for one (user_id, event_type) pair,
	// for the single-key observability lookup. ok is false if the pair
	// has never been flushed.
	GetStat(ctx context.Context, userID int64, eventType string) (stat UserEventStats, ok bool, err error)

	// Close releases the store's underlying connection pool.
	Close() error
}
