package timeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var ErrMeetingNotFound = errors.New("meeting not found")

// Meeting is the schedule data supplied by the meeting collaborator.
type Meeting struct {
	MeetingID                string    `json:"meeting_id" yaml:"meeting_id"`
	ScheduledStart           time.Time `json:"scheduled_start" yaml:"scheduled_start"`
	ScheduledDurationMinutes int       `json:"scheduled_duration_minutes" yaml:"scheduled_duration_minutes"`
}

func (m Meeting) ScheduledEnd() time.Time {
	if m.ScheduledStart.IsZero() {
		return time.Time{}
	}
	return m.ScheduledStart.Add(time.Duration(m.ScheduledDurationMinutes) * time.Minute)
}

type MeetingDirectory interface {
	LookupMeeting(ctx context.Context, meetingID string) (Meeting, error)
}

// StaticDirectory is an in-process MeetingDirectory fed from configuration or
// by the caller that registers meetings ahead of ingest.
type StaticDirectory struct {
	mu       sync.RWMutex
	meetings map[string]Meeting
}

func NewStaticDirectory(meetings ...Meeting) *StaticDirectory {
	directory := &StaticDirectory{meetings: map[string]Meeting{}}
	for _, meeting := range meetings {
		directory.Put(meeting)
	}
	return directory
}

func (d *StaticDirectory) Put(meeting Meeting) {
	meeting.MeetingID = strings.TrimSpace(meeting.MeetingID)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.meetings[meeting.MeetingID] = meeting
}

func (d *StaticDirectory) LookupMeeting(_ context.Context, meetingID string) (Meeting, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	meeting, ok := d.meetings[strings.TrimSpace(meetingID)]
	if !ok {
		return Meeting{}, fmt.Errorf("%w: %s", ErrMeetingNotFound, meetingID)
	}
	return meeting, nil
}
