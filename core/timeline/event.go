package timeline

import (
	"errors"
	"fmt"
	"strings"

	coreerrors "github.com/davidahmann/attend/core/errors"
	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
)

var (
	ErrMalformedEvent  = errors.New("malformed activity event")
	ErrSessionNotFound = errors.New("session not found")
)

var knownEventTypes = map[schema.EventType]struct{}{
	schema.EventJoined:    {},
	schema.EventLeft:      {},
	schema.EventActive:    {},
	schema.EventIdle:      {},
	schema.EventCameraOn:  {},
	schema.EventCameraOff: {},
}

// NormalizeEvent validates the fixed field set of each event type and returns
// a copy with trimmed identifiers and a UTC timestamp.
func NormalizeEvent(event schema.ActivityEvent) (schema.ActivityEvent, error) {
	normalized := event
	normalized.Type = schema.EventType(strings.ToUpper(strings.TrimSpace(string(event.Type))))
	normalized.Source = schema.Source(strings.ToUpper(strings.TrimSpace(string(event.Source))))
	normalized.ParticipantID = strings.TrimSpace(event.ParticipantID)
	normalized.MeetingID = strings.TrimSpace(event.MeetingID)
	normalized.CounterpartyID = strings.TrimSpace(event.CounterpartyID)
	normalized.Timestamp = event.Timestamp.UTC()

	if normalized.Type == "" {
		return schema.ActivityEvent{}, malformed("type is required")
	}
	if _, ok := knownEventTypes[normalized.Type]; !ok {
		return schema.ActivityEvent{}, malformed(fmt.Sprintf("unsupported type %q", event.Type))
	}
	if event.Timestamp.IsZero() {
		return schema.ActivityEvent{}, malformed("timestamp is required")
	}
	switch normalized.Source {
	case schema.SourceAuthoritative, schema.SourceLocalMonitor:
	default:
		return schema.ActivityEvent{}, malformed(fmt.Sprintf("unsupported source %q", event.Source))
	}
	if normalized.ParticipantID == "" || normalized.MeetingID == "" {
		return schema.ActivityEvent{}, malformed("participant_id and meeting_id are required")
	}
	if normalized.ReportedDurationSeconds != nil {
		if normalized.Type != schema.EventLeft || normalized.Source != schema.SourceAuthoritative {
			return schema.ActivityEvent{}, malformed("reported_duration_seconds is only valid on LEFT from AUTHORITATIVE_PROVIDER")
		}
		if *normalized.ReportedDurationSeconds < 0 {
			return schema.ActivityEvent{}, malformed("reported_duration_seconds must be >= 0")
		}
		seconds := *normalized.ReportedDurationSeconds
		normalized.ReportedDurationSeconds = &seconds
	}
	if normalized.Terminal && normalized.Type != schema.EventLeft {
		return schema.ActivityEvent{}, malformed("terminal is only valid on LEFT")
	}
	if len(event.Attributes) > 0 {
		attributes := make(map[string]string, len(event.Attributes))
		for key, value := range event.Attributes {
			trimmed := strings.TrimSpace(key)
			if trimmed == "" {
				continue
			}
			attributes[trimmed] = value
		}
		normalized.Attributes = attributes
	}
	return normalized, nil
}

func malformed(reason string) error {
	return coreerrors.Invalid(fmt.Errorf("%w: %s", ErrMalformedEvent, reason), coreerrors.CodeMalformedEvent)
}

func sessionNotFound(sessionID string) error {
	return coreerrors.NotFound(fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID), coreerrors.CodeSessionNotFound)
}
