package eventagg

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Serializer handles UserEvent encoding/decoding for bus messages.
type Serializer struct{}

// NewSerializer creates a new serializer.
func NewSerializer() *Serializer {
	return &Serializer{}
}

// Marshal converts a validated event to JSON bytes.
func (s *Serializer) Marshal(event *UserEvent) ([]byte, error) {
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("validate event: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// Unmarshal converts JSON bytes to an event without validating it — the
// caller is expected to call Validate and apply the malformed-record
// policy itself, so decode errors and validation errors stay distinguishable.
func (s *Serializer) Unmarshal(data []byte) (*UserEvent, error) {
	var event UserEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return &event, nil
}

// SerializeEvent is a convenience function that marshals an event to JSON.
func SerializeEvent(event *UserEvent) ([]byte, error) {
	return NewSerializer().Marshal(event)
}

// DeserializeEvent is a convenience function that unmarshals JSON to an event.
func DeserializeEvent(data []byte) (*UserEvent, error) {
	return NewSerializer().Unmarshal(data)
}
