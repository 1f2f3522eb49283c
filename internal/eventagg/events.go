package eventagg

import (
	"strings"
	"time"
)

// SchemaVersion is the current wire schema version for UserEvent.
const SchemaVersion = 1

// UserEvent is a single user-activity event read off the bus. Field names
// are camelCase to match the bus's JSON contract, and goccy/go-json
// matches them case-insensitively on decode, so "userId", "userid", and
// "UserID" all bind to the same field.
type UserEvent struct {
	// SchemaVersion tracks the wire format version, defaulting to 1 for
	// events that omit it.
	SchemaVersion int `json:"schema_version,omitempty"`

	UserID    int64     `json:"userId"`
	EventType string    `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`

	// Data carries event-specific fields the bus does not standardize.
	// buttonId is the one distinguished key; everything else passes
	// through opaquely for observers that care about it.
	Data map[string]interface{} `json:"data,omitempty"`
}

// NewUserEvent creates an event stamped with the current schema version
// and UTC time.
func NewUserEvent(userID int64, eventType string) *UserEvent {
	return &UserEvent{
		SchemaVersion: SchemaVersion,
		UserID:        userID,
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
	}
}

// GetSchemaVersion returns the schema version, defaulting to 1 for events
// that predate the field.
func (e *UserEvent) GetSchemaVersion() int {
	if e.SchemaVersion == 0 {
		return 1
	}
	return e.SchemaVersion
}

// ButtonID returns the event's data.buttonId field, if present and a
// string.
func (e *UserEvent) ButtonID() (string, bool) {
	if e.Data == nil {
		return "", false
	}
	v, ok := e.Data["buttonId"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Validate checks required fields and returns a *ValidationError on the
// first failure, matching the consumer's skip-and-commit policy for
// malformed records. Data is never validated — unknown event-specific
// fields are passed through opaquely, not schema-checked.
func (e *UserEvent) Validate() error {
	if e.UserID < 1 {
		return &ValidationError{Field: "userId", Message: "must be a positive integer"}
	}
	if strings.TrimSpace(e.EventType) == "" {
		return &ValidationError{Field: "eventType", Message: "required"}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "required"}
	}
	return nil
}

// ValidationError represents a field validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// CounterKey identifies one (user_id, event_type) counter in the cache.
type CounterKey struct {
	UserID    int64
	EventType string
}

// UserEventStats is the in-memory or persisted counter for one CounterKey.
type UserEventStats struct {
	UserID      int64     `json:"userId"`
	EventType   string    `json:"eventType"`
	Count       int64     `json:"count"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Key returns the CounterKey this row is aggregated under.
func (s *UserEventStats) Key() CounterKey {
	return CounterKey{UserID: s.UserID, EventType: s.EventType}
}

// SetCount sets the row's count, rejecting negative values since a
// counter can only ever accumulate.
func (s *UserEventStats) SetCount(c int64) error {
	if c < 0 {
		return &ValidationError{Field: "count", Message: "must be >= 0"}
	}
	s.Count = c
	return nil
}
