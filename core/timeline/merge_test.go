package timeline

import (
	"testing"
	"time"

	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
	"github.com/davidahmann/attend/internal/testutil"
)

func TestInsertEventOrdersByTimestampThenType(t *testing.T) {
	at := testutil.ScenarioStart
	seen := map[dedupKey]struct{}{}
	var timeline []schema.ActivityEvent
	for _, event := range []schema.ActivityEvent{
		testutil.Event(schema.EventLeft, schema.SourceAuthoritative, at),
		testutil.Event(schema.EventActive, schema.SourceLocalMonitor, at),
		testutil.Event(schema.EventJoined, schema.SourceAuthoritative, at),
		testutil.Event(schema.EventIdle, schema.SourceLocalMonitor, at.Add(-time.Second)),
	} {
		timeline, _ = insertEvent(timeline, seen, event)
	}
	want := []schema.EventType{schema.EventIdle, schema.EventJoined, schema.EventActive, schema.EventLeft}
	for index, eventType := range want {
		if timeline[index].Type != eventType {
			t.Fatalf("position %d: got %s want %s", index, timeline[index].Type, eventType)
		}
	}
	if _, added := insertEvent(timeline, seen, testutil.Event(schema.EventLeft, schema.SourceAuthoritative, at)); added {
		t.Fatalf("expected duplicate triple to be rejected")
	}
}

func TestTemporaryAbsenceFlag(t *testing.T) {
	at := testutil.ScenarioStart
	session := schema.Session{Timeline: []schema.ActivityEvent{
		testutil.Event(schema.EventJoined, schema.SourceAuthoritative, at),
		testutil.Event(schema.EventJoined, schema.SourceAuthoritative, at.Add(time.Minute)),
		testutil.Event(schema.EventJoined, schema.SourceAuthoritative, at.Add(2*time.Minute)),
		testutil.Event(schema.EventLeft, schema.SourceAuthoritative, at.Add(3*time.Minute)),
	}}
	recomputeLive(&session)
	if !session.Flags.TemporaryAbsence || !session.Flags.Rejoined {
		t.Fatalf("expected temporary absence and rejoin flags, got %+v", session.Flags)
	}
}

func TestMonitorEchoIsNotARejoin(t *testing.T) {
	at := testutil.ScenarioStart
	session := schema.Session{Timeline: []schema.ActivityEvent{
		testutil.Event(schema.EventJoined, schema.SourceAuthoritative, at),
		testutil.Event(schema.EventJoined, schema.SourceLocalMonitor, at.Add(time.Second)),
		testutil.Event(schema.EventJoined, schema.SourceLocalMonitor, at.Add(time.Minute)),
	}}
	recomputeLive(&session)
	if session.Flags.Rejoined || session.Flags.TemporaryAbsence {
		t.Fatalf("expected provider segments to decide rejoin, got %+v", session.Flags)
	}
	if session.Counts.Joined != 3 {
		t.Fatalf("expected raw counts to keep every JOINED, got %d", session.Counts.Joined)
	}
}

func TestAttendancePercent(t *testing.T) {
	cases := []struct {
		total, scheduled int
		want             float64
	}{
		{total: 15, scheduled: 15, want: 100},
		{total: 30, scheduled: 15, want: 100},
		{total: 1, scheduled: 3, want: 33.33},
		{total: 2, scheduled: 3, want: 66.67},
		{total: 10, scheduled: 0, want: 0},
	}
	for _, tc := range cases {
		if got := AttendancePercent(tc.total, tc.scheduled); got != tc.want {
			t.Fatalf("AttendancePercent(%d, %d) = %v want %v", tc.total, tc.scheduled, got, tc.want)
		}
	}
}
