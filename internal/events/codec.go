package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// MalformedEventError reports an event that can never be processed: missing
// envelope fields, an unknown type, or a payload that fails validation. Such
// events are dead-lettered and never retried.
type MalformedEventError struct {
	EventID string
	Reason  string
}

func (e *MalformedEventError) Error() string {
	if e.EventID == "" {
		return "malformed event: " + e.Reason
	}
	return fmt.Sprintf("malformed event %s: %s", e.EventID, e.Reason)
}

type envelope struct {
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	Timestamp string `json:"timestamp"`
}

// Parse decodes a wire message into a validated Event.
func Parse(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, &MalformedEventError{Reason: "invalid json: " + err.Error()}
	}
	if env.EventID == "" {
		return Event{}, &MalformedEventError{Reason: "eventId is required"}
	}
	if env.EventType == "" {
		return Event{}, &MalformedEventError{EventID: env.EventID, Reason: "eventType is required"}
	}

	factory, ok := payloadFactories[Type(env.EventType)]
	if !ok {
		return Event{}, &MalformedEventError{EventID: env.EventID, Reason: "unknown eventType " + env.EventType}
	}

	occurredAt, err := parseTimestamp(env.Timestamp)
	if err != nil {
		return Event{}, &MalformedEventError{EventID: env.EventID, Reason: err.Error()}
	}

	payload := factory()
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(payload); err != nil {
		return Event{}, &MalformedEventError{EventID: env.EventID, Reason: "invalid payload: " + err.Error()}
	}
	if err := payload.Validate(); err != nil {
		return Event{}, &MalformedEventError{EventID: env.EventID, Reason: err.Error()}
	}

	return Event{
		ID:         env.EventID,
		Type:       Type(env.EventType),
		OccurredAt: occurredAt,
		Payload:    payload,
	}, nil
}

// timestampLayouts are the ISO-8601 forms producers send. Forms without a
// zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("timestamp is required")
	}
	var firstErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, raw)
		if err == nil {
			return ts.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, fmt.Errorf("timestamp must be ISO-8601: %w", firstErr)
}

// Marshal encodes e into the flat wire shape accepted by Parse.
func Marshal(e Event) ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event %s has no payload", e.ID)
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("flatten payload: %w", err)
	}

	eventType := e.Type
	if eventType == "" {
		eventType = e.Payload.EventType()
	}
	fields["eventId"], _ = json.Marshal(e.ID)
	fields["eventType"], _ = json.Marshal(string(eventType))
	fields["timestamp"], _ = json.Marshal(e.OccurredAt.UTC().Format(time.RFC3339Nano))

	return json.Marshal(fields)
}
