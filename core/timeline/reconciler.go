package timeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	coreerrors "github.com/davidahmann/attend/core/errors"
	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
	"github.com/davidahmann/attend/internal/log"
	"github.com/davidahmann/attend/internal/metrics"
)

type Options struct {
	// HeartbeatPeriod is the cadence of LOCAL_MONITOR ACTIVE/IDLE events.
	HeartbeatPeriod time.Duration
	// Journal, when set, receives every accepted event, finalization and
	// validation result so the store can be rebuilt with Replay.
	Journal  *Journal
	Meetings MeetingDirectory
	Logger   *zerolog.Logger
	Now      func() time.Time
	NewID    func() string
}

// Reconciler merges raw activity events into sessions and finalizes them.
type Reconciler struct {
	store  *Store
	opts   Options
	logger zerolog.Logger
}

type IngestResult struct {
	Session   *schema.Session `json:"session,omitempty"`
	Created   bool            `json:"created"`
	Duplicate bool            `json:"duplicate"`
	Orphaned  bool            `json:"orphaned"`
	// Terminal is set when an accepted LEFT event marked the end of the
	// participant's attendance and the caller should finalize.
	Terminal bool     `json:"terminal"`
	Warnings []string `json:"warnings,omitempty"`
}

type FinalizeResult struct {
	Session          schema.Session `json:"session"`
	AlreadyFinalized bool           `json:"already_finalized"`
}

func NewReconciler(store *Store, opts Options) *Reconciler {
	if store == nil {
		store = NewStore()
	}
	if opts.HeartbeatPeriod <= 0 {
		opts.HeartbeatPeriod = DefaultHeartbeat
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	logger := log.WithComponent("timeline")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Reconciler{store: store, opts: opts, logger: logger}
}

func (r *Reconciler) Store() *Store {
	return r.store
}

func (r *Reconciler) HeartbeatPeriod() time.Duration {
	return r.opts.HeartbeatPeriod
}

// Ingest merges one event into the session for its (participant, meeting)
// pair. Duplicates are accepted and ignored. Events that arrive before any
// JOINED are held and adopted once the session opens.
func (r *Reconciler) Ingest(ctx context.Context, event schema.ActivityEvent) (IngestResult, error) {
	normalized, err := NormalizeEvent(event)
	if err != nil {
		metrics.RecordEvent(string(event.Source), string(event.Type), metrics.OutcomeMalformed)
		r.logger.Warn().Err(err).
			Str(log.FieldParticipantID, event.ParticipantID).
			Str(log.FieldMeetingID, event.MeetingID).
			Msg("rejected malformed event")
		return IngestResult{}, err
	}

	var meeting *Meeting
	if normalized.Type == schema.EventLeft && r.opts.Meetings != nil {
		found, lookupErr := r.opts.Meetings.LookupMeeting(ctx, normalized.MeetingID)
		switch {
		case lookupErr == nil:
			meeting = &found
		case !errors.Is(lookupErr, ErrMeetingNotFound):
			r.logger.Debug().Err(lookupErr).Str(log.FieldMeetingID, normalized.MeetingID).Msg("meeting lookup failed")
		}
	}

	result, err := r.apply(normalized, "", r.opts.Now().UTC(), true)
	if err != nil {
		return IngestResult{}, err
	}
	if meeting != nil && result.Session != nil && !result.Duplicate && !result.Orphaned && !result.Session.Flags.TemporaryAbsence {
		if end := meeting.ScheduledEnd(); !end.IsZero() && normalized.Timestamp.Before(end) {
			result.Warnings = append(result.Warnings, fmt.Sprintf("participant left at %s before scheduled end %s",
				normalized.Timestamp.Format(time.RFC3339), end.UTC().Format(time.RFC3339)))
		}
	}

	outcome := metrics.OutcomeAccepted
	switch {
	case result.Duplicate:
		outcome = metrics.OutcomeDuplicate
	case result.Orphaned:
		outcome = metrics.OutcomeOrphan
	}
	metrics.RecordEvent(string(normalized.Source), string(normalized.Type), outcome)

	logEvent := r.logger.Debug()
	if result.Orphaned || len(result.Warnings) > 0 {
		logEvent = r.logger.Warn()
	}
	if result.Session != nil {
		logEvent = logEvent.Str(log.FieldSessionID, result.Session.SessionID)
	}
	logEvent.
		Str(log.FieldParticipantID, normalized.ParticipantID).
		Str(log.FieldMeetingID, normalized.MeetingID).
		Str(log.FieldEventType, string(normalized.Type)).
		Str(log.FieldEventSource, string(normalized.Source)).
		Time(log.FieldEventTime, normalized.Timestamp).
		Str("outcome", outcome).
		Strs("warnings", result.Warnings).
		Msg("ingested event")
	return result, nil
}

// apply performs the merge under the key lock. sessionID is only set during
// replay so a re-opened session keeps its journaled identity.
func (r *Reconciler) apply(event schema.ActivityEvent, sessionID string, at time.Time, persist bool) (IngestResult, error) {
	key := KeyOf(event)
	var result IngestResult
	err := r.store.withKey(key, func() error {
		current := r.store.openEntry(key)
		if current == nil {
			if last := r.store.lastFinalized(key); last != nil {
				if _, dup := last.seen[keyOf(event)]; dup {
					snapshot := cloneSession(last.session)
					result.Session = &snapshot
					result.Duplicate = true
					return nil
				}
			}
			if event.Type != schema.EventJoined {
				return r.holdOrphan(key, event, at, persist, &result)
			}
			if sessionID == "" {
				sessionID = r.opts.NewID()
			}
			if persist {
				if err := r.journal(journalRecord{RecordType: recordEvent, SessionID: sessionID, RecordedAt: at, Event: &event}); err != nil {
					return err
				}
			}
			current = r.store.create(key, schema.Session{
				SessionID:      sessionID,
				ParticipantID:  event.ParticipantID,
				CounterpartyID: event.CounterpartyID,
				MeetingID:      event.MeetingID,
				State:          schema.SessionOpen,
				Timeline:       []schema.ActivityEvent{},
				CreatedAt:      at,
			})
			current.session.Timeline, _ = insertEvent(current.session.Timeline, current.seen, event)
			for _, orphan := range r.store.takeOrphans(key) {
				current.session.Timeline, _ = insertEvent(current.session.Timeline, current.seen, orphan)
			}
			result.Created = true
		} else {
			if _, dup := current.seen[keyOf(event)]; dup {
				snapshot := cloneSession(current.session)
				result.Session = &snapshot
				result.Duplicate = true
				return nil
			}
			if persist {
				record := journalRecord{RecordType: recordEvent, SessionID: current.session.SessionID, RecordedAt: at, Event: &event}
				if err := r.journal(record); err != nil {
					return err
				}
			}
			current.session.Timeline, _ = insertEvent(current.session.Timeline, current.seen, event)
		}
		if current.session.CounterpartyID == "" && event.CounterpartyID != "" {
			current.session.CounterpartyID = event.CounterpartyID
		}
		recomputeLive(&current.session)
		snapshot := cloneSession(current.session)
		result.Session = &snapshot
		result.Terminal = event.Type == schema.EventLeft && event.Terminal
		return nil
	})
	return result, err
}

func (r *Reconciler) holdOrphan(key Key, event schema.ActivityEvent, at time.Time, persist bool, result *IngestResult) error {
	for _, held := range r.store.Orphans(key) {
		if keyOf(held) == keyOf(event) {
			result.Duplicate = true
			result.Orphaned = true
			return nil
		}
	}
	if persist {
		if err := r.journal(journalRecord{RecordType: recordEvent, RecordedAt: at, Event: &event}); err != nil {
			return err
		}
	}
	r.store.addOrphan(key, event)
	result.Orphaned = true
	result.Warnings = append(result.Warnings, fmt.Sprintf("no open session for participant %s in meeting %s; event held until JOINED",
		key.ParticipantID, key.MeetingID))
	return nil
}

// Finalize closes a session and computes its durations. Finalizing an already
// finalized session returns it unchanged.
func (r *Reconciler) Finalize(ctx context.Context, sessionID string, opts FinalizeOptions) (FinalizeResult, error) {
	current := r.store.entryByID(sessionID)
	if current == nil {
		return FinalizeResult{}, sessionNotFound(sessionID)
	}
	if opts.ScheduledDurationMinutes <= 0 && r.opts.Meetings != nil {
		if meeting, err := r.opts.Meetings.LookupMeeting(ctx, current.key.MeetingID); err == nil {
			opts.ScheduledDurationMinutes = meeting.ScheduledDurationMinutes
			if opts.ScheduledStart.IsZero() {
				opts.ScheduledStart = meeting.ScheduledStart
			}
		}
	}
	return r.finalize(current, opts, r.opts.Now().UTC(), true)
}

func (r *Reconciler) finalize(current *entry, opts FinalizeOptions, finalizedAt time.Time, persist bool) (FinalizeResult, error) {
	var result FinalizeResult
	err := r.store.withKey(current.key, func() error {
		if current.session.State == schema.SessionFinalized {
			result.Session = cloneSession(current.session)
			result.AlreadyFinalized = true
			return nil
		}
		if persist {
			record := journalRecord{
				RecordType: recordFinalize,
				SessionID:  current.session.SessionID,
				Finalize: &finalizeRecord{
					EndedAt:                  opts.EndedAt,
					ScheduledStart:           opts.ScheduledStart,
					ScheduledDurationMinutes: opts.ScheduledDurationMinutes,
					FinalizedAt:              finalizedAt,
				},
			}
			if err := r.journal(record); err != nil {
				return err
			}
		}
		computeDurations(&current.session, r.opts.HeartbeatPeriod, opts)
		current.session.State = schema.SessionFinalized
		current.session.FinalizedAt = &finalizedAt
		r.store.markFinalized(current)
		result.Session = cloneSession(current.session)
		return nil
	})
	if err != nil {
		return FinalizeResult{}, err
	}
	if !result.AlreadyFinalized && persist {
		r.logger.Info().
			Str(log.FieldSessionID, result.Session.SessionID).
			Str(log.FieldParticipantID, result.Session.ParticipantID).
			Str(log.FieldMeetingID, result.Session.MeetingID).
			Int("total_minutes", result.Session.TotalMinutes).
			Int("active_minutes", result.Session.ActiveMinutes).
			Int("idle_minutes", result.Session.IdleMinutes).
			Float64("attendance_percent", result.Session.AttendancePercent).
			Msg("finalized session")
	}
	return result, nil
}

// AttachResult appends a validation result to the session history and returns
// it with its revision number assigned.
func (r *Reconciler) AttachResult(sessionID string, result schema.ValidationResult) (schema.ValidationResult, error) {
	current := r.store.entryByID(sessionID)
	if current == nil {
		return schema.ValidationResult{}, sessionNotFound(sessionID)
	}
	err := r.store.withKey(current.key, func() error {
		if current.session.State != schema.SessionFinalized {
			return coreerrors.Wrap(fmt.Errorf("session %s is not finalized", sessionID),
				coreerrors.CategoryInvalidInput, coreerrors.CodeSessionNotFinal, "finalize the session before validating it", false)
		}
		result.SessionID = sessionID
		result.Revision = len(current.results) + 1
		if err := r.journal(journalRecord{RecordType: recordResult, SessionID: sessionID, Result: &result}); err != nil {
			return err
		}
		current.results = append(current.results, result)
		return nil
	})
	if err != nil {
		return schema.ValidationResult{}, err
	}
	return result, nil
}

// LatestResult returns the newest validation result of a session.
func (r *Reconciler) LatestResult(sessionID string) (schema.ValidationResult, bool) {
	results := r.store.Results(sessionID)
	if len(results) == 0 {
		return schema.ValidationResult{}, false
	}
	return results[len(results)-1], true
}

type ReplayStats struct {
	Events    int `json:"events"`
	Orphans   int `json:"orphans"`
	Finalized int `json:"finalized"`
	Results   int `json:"results"`
}

// Replay rebuilds the store from the journal. It must run before any Ingest.
func (r *Reconciler) Replay(ctx context.Context) (ReplayStats, error) {
	var stats ReplayStats
	if r.opts.Journal == nil {
		return stats, nil
	}
	err := r.opts.Journal.each(func(record journalRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch record.RecordType {
		case recordEvent:
			if _, err := r.apply(*record.Event, record.SessionID, record.RecordedAt, false); err != nil {
				return err
			}
			stats.Events++
			if record.SessionID == "" {
				stats.Orphans++
			}
		case recordFinalize:
			current := r.store.entryByID(record.SessionID)
			if current == nil {
				return fmt.Errorf("timeline journal finalizes unknown session %s", record.SessionID)
			}
			opts := FinalizeOptions{
				EndedAt:                  record.Finalize.EndedAt,
				ScheduledStart:           record.Finalize.ScheduledStart,
				ScheduledDurationMinutes: record.Finalize.ScheduledDurationMinutes,
			}
			if _, err := r.finalize(current, opts, record.Finalize.FinalizedAt, false); err != nil {
				return err
			}
			stats.Finalized++
		case recordResult:
			current := r.store.entryByID(record.SessionID)
			if current == nil {
				return fmt.Errorf("timeline journal has result for unknown session %s", record.SessionID)
			}
			_ = r.store.withKey(current.key, func() error {
				current.results = append(current.results, *record.Result)
				return nil
			})
			stats.Results++
		}
		return nil
	})
	if err != nil {
		return stats, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, coreerrors.CodeStoreFailure, "inspect the timeline journal", false)
	}
	r.logger.Info().
		Int("events", stats.Events).
		Int("finalized", stats.Finalized).
		Int("results", stats.Results).
		Msg("replayed timeline journal")
	return stats, nil
}

func (r *Reconciler) journal(record journalRecord) error {
	if r.opts.Journal == nil {
		return nil
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = r.opts.Now().UTC()
	}
	if err := r.opts.Journal.append(record); err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, coreerrors.CodeStoreFailure, "check the timeline journal path", true)
	}
	return nil
}
