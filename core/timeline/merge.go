package timeline

import (
	"math"
	"slices"
	"time"

	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
)

// DefaultHeartbeat is the documented local-monitor cadence.
const DefaultHeartbeat = 30 * time.Second

type dedupKey struct {
	eventType schema.EventType
	unixNano  int64
	source    schema.Source
}

func keyOf(event schema.ActivityEvent) dedupKey {
	return dedupKey{eventType: event.Type, unixNano: event.Timestamp.UnixNano(), source: event.Source}
}

var typeRank = map[schema.EventType]int{
	schema.EventJoined:    0,
	schema.EventActive:    1,
	schema.EventIdle:      2,
	schema.EventCameraOn:  3,
	schema.EventCameraOff: 4,
	schema.EventLeft:      5,
}

// compareEvents orders by timestamp, then type, then source. Events equal under
// this ordering share a dedup key, so the canonical order is total and does not
// depend on arrival.
func compareEvents(a, b schema.ActivityEvent) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	if ra, rb := typeRank[a.Type], typeRank[b.Type]; ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch {
	case a.Source < b.Source:
		return -1
	case a.Source > b.Source:
		return 1
	}
	return 0
}

// insertEvent places event into the sorted timeline. It reports false when the
// (type, timestamp, source) triple is already present.
func insertEvent(timeline []schema.ActivityEvent, seen map[dedupKey]struct{}, event schema.ActivityEvent) ([]schema.ActivityEvent, bool) {
	key := keyOf(event)
	if _, dup := seen[key]; dup {
		return timeline, false
	}
	seen[key] = struct{}{}
	index, _ := slices.BinarySearchFunc(timeline, event, compareEvents)
	return slices.Insert(timeline, index, event), true
}

// recomputeLive refreshes the boundaries, counts and flags that are maintained
// while a session is open.
func recomputeLive(session *schema.Session) {
	counts := schema.EventCounts{}
	var join time.Time
	var leave time.Time
	for _, event := range session.Timeline {
		switch event.Type {
		case schema.EventJoined:
			counts.Joined++
			if join.IsZero() || event.Timestamp.Before(join) {
				join = event.Timestamp
			}
		case schema.EventLeft:
			counts.Left++
			if event.Timestamp.After(leave) {
				leave = event.Timestamp
			}
		case schema.EventActive:
			if event.Source == schema.SourceLocalMonitor {
				counts.Active++
			}
		case schema.EventIdle:
			if event.Source == schema.SourceLocalMonitor {
				counts.Idle++
			}
		case schema.EventCameraOn:
			counts.CameraOn++
		case schema.EventCameraOff:
			counts.CameraOff++
		}
	}
	session.Counts = counts
	if !join.IsZero() {
		session.JoinTime = join
	}
	if !leave.IsZero() {
		leaveCopy := leave
		session.LeaveTime = &leaveCopy
	}
	segments := segmentsOf(session.Timeline)
	session.Flags.Rejoined = segments.joined > 1
	session.Flags.TemporaryAbsence = segments.joined > segments.left+1
}

// segmentCounts counts JOINED and LEFT events from the one source that defines
// join segments, so a monitor echoing the provider's JOINED does not read as
// a rejoin.
type segmentCounts struct {
	joined int
	left   int
}

// present reports whether the latest segment is still open.
func (s segmentCounts) present() bool {
	return s.joined > s.left
}

// segmentsOf uses the authoritative provider's JOINED and LEFT events when
// it sent any, and the local monitor's otherwise.
func segmentsOf(timeline []schema.ActivityEvent) segmentCounts {
	var authoritative, local segmentCounts
	for _, event := range timeline {
		counts := &local
		if event.Source == schema.SourceAuthoritative {
			counts = &authoritative
		}
		switch event.Type {
		case schema.EventJoined:
			counts.joined++
		case schema.EventLeft:
			counts.left++
		}
	}
	if authoritative.joined > 0 || authoritative.left > 0 {
		return authoritative
	}
	return local
}

// FinalizeOptions carries what the session boundary and coverage computation
// needs from outside the timeline.
type FinalizeOptions struct {
	EndedAt                  time.Time
	ScheduledStart           time.Time
	ScheduledDurationMinutes int
}

// computeDurations derives the finalized durations in place. It is a pure
// function of the timeline, heartbeat period and options.
func computeDurations(session *schema.Session, heartbeat time.Duration, opts FinalizeOptions) {
	recomputeLive(session)
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}

	join := session.JoinTime
	var leave time.Time
	switch {
	case session.LeaveTime != nil:
		leave = *session.LeaveTime
	case !opts.EndedAt.IsZero():
		leave = opts.EndedAt.UTC()
	case len(session.Timeline) > 0:
		leave = session.Timeline[len(session.Timeline)-1].Timestamp
	default:
		leave = join
	}
	// A participant who rejoined and never left stays until the session end.
	segments := segmentsOf(session.Timeline)
	if segments.present() && !opts.EndedAt.IsZero() && opts.EndedAt.After(leave) {
		leave = opts.EndedAt.UTC()
	}
	if leave.Before(join) {
		leave = join
	}
	leaveCopy := leave
	session.LeaveTime = &leaveCopy
	if !opts.EndedAt.IsZero() {
		ended := opts.EndedAt.UTC()
		session.EndedAt = &ended
	}

	total := int(leave.Sub(join) / time.Minute)
	session.Flags.AuthoritativeDuration = false
	if reported, ok := authoritativeDuration(session.Timeline, leave); ok && segments.joined <= 1 {
		total = int(reported / 60)
		session.Flags.AuthoritativeDuration = true
	}
	if total < 1 {
		total = 1
	}
	session.TotalMinutes = total

	session.ActiveMinutes = int(time.Duration(session.Counts.Active) * heartbeat / time.Minute)
	session.IdleMinutes = int(time.Duration(session.Counts.Idle) * heartbeat / time.Minute)
	session.Flags.HeartbeatFallback = false
	if session.ActiveMinutes == 0 && session.IdleMinutes == 0 {
		session.ActiveMinutes = total
		session.IdleMinutes = 0
		session.Flags.HeartbeatFallback = true
	}

	session.ScheduledDurationMinutes = opts.ScheduledDurationMinutes
	if !opts.ScheduledStart.IsZero() {
		start := opts.ScheduledStart.UTC()
		session.ScheduledStart = &start
	}
	session.AttendancePercent = AttendancePercent(total, opts.ScheduledDurationMinutes)
}

// authoritativeDuration returns the reported duration carried by the
// authoritative LEFT event that defines leave, when it is at least one minute.
func authoritativeDuration(timeline []schema.ActivityEvent, leave time.Time) (int64, bool) {
	for _, event := range timeline {
		if event.Type != schema.EventLeft || event.Source != schema.SourceAuthoritative || !event.Timestamp.Equal(leave) {
			continue
		}
		if event.ReportedDurationSeconds == nil || *event.ReportedDurationSeconds < 60 {
			return 0, false
		}
		return *event.ReportedDurationSeconds, true
	}
	return 0, false
}

// AttendancePercent is min(100, 100*total/scheduled) rounded to two decimals.
// An unknown schedule yields 0.
func AttendancePercent(totalMinutes, scheduledMinutes int) float64 {
	if scheduledMinutes <= 0 {
		return 0
	}
	return math.Min(100, Round2(100*float64(totalMinutes)/float64(scheduledMinutes)))
}

func Round2(value float64) float64 {
	return math.Round(value*100) / 100
}

func cloneSession(session schema.Session) schema.Session {
	out := session
	out.Timeline = slices.Clone(session.Timeline)
	out.LeaveTime = cloneTime(session.LeaveTime)
	out.EndedAt = cloneTime(session.EndedAt)
	out.ScheduledStart = cloneTime(session.ScheduledStart)
	out.FinalizedAt = cloneTime(session.FinalizedAt)
	return out
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	out := *value
	return &out
}
