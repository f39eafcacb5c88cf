package ledger

import (
	"fmt"
	"slices"

	"github.com/davidahmann/attend/core/jcs"
	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
	"github.com/davidahmann/attend/core/validation"
)

// ChainKey groups the records of one participant with one counterparty.
func ChainKey(session schema.Session) string {
	if session.CounterpartyID == "" {
		return session.ParticipantID
	}
	return session.ParticipantID + "/" + session.CounterpartyID
}

// BuildPayload derives the certified snapshot from a finalized session and its
// validation result. It is deterministic so a stored payload can be compared
// with a fresh rebuild.
func BuildPayload(session schema.Session, result schema.ValidationResult) (schema.CertificationPayload, error) {
	timelineDigest, err := jcs.DigestValue(session.Timeline)
	if err != nil {
		return schema.CertificationPayload{}, fmt.Errorf("digest timeline: %w", err)
	}
	leave := session.JoinTime
	if session.LeaveTime != nil {
		leave = *session.LeaveTime
	}
	violations := append([]schema.Violation{}, result.Violations...)
	return schema.CertificationPayload{
		ParticipantID:            session.ParticipantID,
		CounterpartyID:           session.CounterpartyID,
		MeetingID:                session.MeetingID,
		JoinTime:                 session.JoinTime.UTC(),
		LeaveTime:                leave.UTC(),
		ScheduledDurationMinutes: session.ScheduledDurationMinutes,
		TotalMinutes:             session.TotalMinutes,
		ActiveMinutes:            session.ActiveMinutes,
		IdleMinutes:              session.IdleMinutes,
		AttendancePercent:        session.AttendancePercent,
		EngagementScore:          validation.EngagementScore(session),
		Status:                   result.Status,
		ValidationRevision:       result.Revision,
		Violations:               violations,
		Signals: schema.VerificationSignals{
			JoinedEvents:     session.Counts.Joined,
			LeftEvents:       session.Counts.Left,
			ActiveHeartbeats: session.Counts.Active,
			IdleHeartbeats:   session.Counts.Idle,
			CameraOnEvents:   session.Counts.CameraOn,
			CameraOffEvents:  session.Counts.CameraOff,
			Sources:          sources(session.Timeline),
			TimelineDigest:   timelineDigest,
		},
		Flags: flagNames(session.Flags),
	}, nil
}

func sources(timeline []schema.ActivityEvent) []string {
	out := make([]string, 0, 2)
	for _, event := range timeline {
		if !slices.Contains(out, string(event.Source)) {
			out = append(out, string(event.Source))
		}
	}
	slices.Sort(out)
	return out
}

func flagNames(flags schema.SessionFlags) []string {
	out := make([]string, 0, 4)
	if flags.AuthoritativeDuration {
		out = append(out, "authoritative_duration")
	}
	if flags.HeartbeatFallback {
		out = append(out, "heartbeat_fallback")
	}
	if flags.Rejoined {
		out = append(out, "rejoined")
	}
	if flags.TemporaryAbsence {
		out = append(out, "temporary_absence")
	}
	return out
}

type recordHeader struct {
	BlockID       string                      `json:"block_id"`
	SessionID     string                      `json:"session_id"`
	ChainKey      string                      `json:"chain_key"`
	SequenceIndex int64                       `json:"sequence_index"`
	PreviousHash  string                      `json:"previous_hash"`
	Nonce         string                      `json:"nonce"`
	CreatedAt     string                      `json:"created_at"`
	Payload       schema.CertificationPayload `json:"payload"`
}

// ComputeHash is the sha256 of the RFC 8785 canonical JSON of every record
// field except hash and signature.
func ComputeHash(record schema.CertificationRecord) (string, error) {
	return jcs.DigestValue(recordHeader{
		BlockID:       record.BlockID,
		SessionID:     record.SessionID,
		ChainKey:      record.ChainKey,
		SequenceIndex: record.SequenceIndex,
		PreviousHash:  record.PreviousHash,
		Nonce:         record.Nonce,
		CreatedAt:     record.CreatedAt.UTC().Format(timeLayout),
		Payload:       record.Payload,
	})
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
