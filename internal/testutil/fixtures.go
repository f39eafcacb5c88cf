package testutil

import (
	"time"

	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
)

const (
	ParticipantID  = "student-7"
	CounterpartyID = "tutor-3"
	MeetingID      = "meeting-42"
)

// ScenarioStart is the scheduled start of the fifteen minute fixture meeting.
var ScenarioStart = time.Date(2026, 3, 2, 17, 58, 0, 0, time.UTC)

const ScenarioDurationMinutes = 15

func Event(eventType schema.EventType, source schema.Source, at time.Time) schema.ActivityEvent {
	return schema.ActivityEvent{
		Type:           eventType,
		Timestamp:      at,
		Source:         source,
		ParticipantID:  ParticipantID,
		MeetingID:      MeetingID,
		CounterpartyID: CounterpartyID,
	}
}

func LeftWithDuration(at time.Time, seconds int64) schema.ActivityEvent {
	event := Event(schema.EventLeft, schema.SourceAuthoritative, at)
	event.ReportedDurationSeconds = &seconds
	return event
}

// Heartbeats returns count LOCAL_MONITOR events of eventType every period
// starting at from.
func Heartbeats(eventType schema.EventType, from time.Time, period time.Duration, count int) []schema.ActivityEvent {
	out := make([]schema.ActivityEvent, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, Event(eventType, schema.SourceLocalMonitor, from.Add(time.Duration(i)*period)))
	}
	return out
}

// RejoinScenario is a participant who joins at the scheduled start, drops at
// +4m with a 240 second provider duration, rejoins at +12m and leaves at +15m.
// The local monitor reports 14 ACTIVE then 16 IDLE heartbeats at 30 seconds.
func RejoinScenario() []schema.ActivityEvent {
	start := ScenarioStart
	events := []schema.ActivityEvent{
		Event(schema.EventJoined, schema.SourceAuthoritative, start),
		LeftWithDuration(start.Add(4*time.Minute), 240),
		Event(schema.EventJoined, schema.SourceAuthoritative, start.Add(12*time.Minute)),
		Event(schema.EventLeft, schema.SourceAuthoritative, start.Add(15*time.Minute)),
	}
	firstBeat := start.Add(30 * time.Second)
	events = append(events, Heartbeats(schema.EventActive, firstBeat, 30*time.Second, 14)...)
	events = append(events, Heartbeats(schema.EventIdle, firstBeat.Add(14*30*time.Second), 30*time.Second, 16)...)
	return events
}

// SteadyScenario is a single hour-long attendance with no heartbeats.
func SteadyScenario() []schema.ActivityEvent {
	return []schema.ActivityEvent{
		Event(schema.EventJoined, schema.SourceAuthoritative, ScenarioStart),
		Event(schema.EventLeft, schema.SourceAuthoritative, ScenarioStart.Add(60*time.Minute)),
	}
}
