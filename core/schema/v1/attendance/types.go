package attendance

import "time"

type EventType string

const (
	EventJoined    EventType = "JOINED"
	EventLeft      EventType = "LEFT"
	EventActive    EventType = "ACTIVE"
	EventIdle      EventType = "IDLE"
	EventCameraOn  EventType = "CAMERA_ON"
	EventCameraOff EventType = "CAMERA_OFF"
)

type Source string

const (
	SourceAuthoritative Source = "AUTHORITATIVE_PROVIDER"
	SourceLocalMonitor  Source = "LOCAL_MONITOR"
)

// ActivityEvent is one immutable presence or engagement signal. Only LEFT
// events carry ReportedDurationSeconds (authoritative source only) or Terminal.
type ActivityEvent struct {
	Type                    EventType         `json:"type"`
	Timestamp               time.Time         `json:"timestamp"`
	Source                  Source            `json:"source"`
	ParticipantID           string            `json:"participant_id"`
	MeetingID               string            `json:"meeting_id"`
	CounterpartyID          string            `json:"counterparty_id,omitempty"`
	ReportedDurationSeconds *int64            `json:"reported_duration_seconds,omitempty"`
	Terminal                bool              `json:"terminal,omitempty"`
	Attributes              map[string]string `json:"attributes,omitempty"`
}

type SessionState string

const (
	SessionOpen      SessionState = "OPEN"
	SessionFinalized SessionState = "FINALIZED"
)

type SessionFlags struct {
	TemporaryAbsence      bool `json:"temporary_absence"`
	Rejoined              bool `json:"rejoined"`
	HeartbeatFallback     bool `json:"heartbeat_fallback"`
	AuthoritativeDuration bool `json:"authoritative_duration"`
}

type EventCounts struct {
	Joined    int `json:"joined"`
	Left      int `json:"left"`
	Active    int `json:"active"`
	Idle      int `json:"idle"`
	CameraOn  int `json:"camera_on"`
	CameraOff int `json:"camera_off"`
}

type Session struct {
	SessionID                string          `json:"session_id"`
	ParticipantID            string          `json:"participant_id"`
	CounterpartyID           string          `json:"counterparty_id"`
	MeetingID                string          `json:"meeting_id"`
	State                    SessionState    `json:"state"`
	Timeline                 []ActivityEvent `json:"timeline"`
	JoinTime                 time.Time       `json:"join_time"`
	LeaveTime                *time.Time      `json:"leave_time,omitempty"`
	EndedAt                  *time.Time      `json:"ended_at,omitempty"`
	ScheduledStart           *time.Time      `json:"scheduled_start,omitempty"`
	ScheduledDurationMinutes int             `json:"scheduled_duration_minutes"`
	TotalMinutes             int             `json:"total_minutes"`
	ActiveMinutes            int             `json:"active_minutes"`
	IdleMinutes              int             `json:"idle_minutes"`
	AttendancePercent        float64         `json:"attendance_percent"`
	Counts                   EventCounts     `json:"counts"`
	Flags                    SessionFlags    `json:"flags"`
	CreatedAt                time.Time       `json:"created_at"`
	FinalizedAt              *time.Time      `json:"finalized_at,omitempty"`
}

type ValidationStatus string

const (
	StatusPassed  ValidationStatus = "PASSED"
	StatusFailed  ValidationStatus = "FAILED"
	StatusPending ValidationStatus = "PENDING"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
)

const (
	ViolationLowActiveTime        = "LOW_ACTIVE_TIME"
	ViolationExcessiveIdleTime    = "EXCESSIVE_IDLE_TIME"
	ViolationInsufficientCoverage = "INSUFFICIENT_COVERAGE"
	ViolationLeftEarly            = "LEFT_EARLY"
	ViolationAttestationPending   = "ATTESTATION_PENDING"
)

type Violation struct {
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Source   string   `json:"source,omitempty"`
}

type Policy struct {
	MinActivePercent   float64 `json:"min_active_percent" yaml:"min_active_percent"`
	MaxIdlePercent     float64 `json:"max_idle_percent" yaml:"max_idle_percent"`
	MinCoveragePercent float64 `json:"min_coverage_percent" yaml:"min_coverage_percent"`
	RequireAttestation bool    `json:"require_attestation" yaml:"require_attestation"`
}

type ValidationResult struct {
	SessionID   string           `json:"session_id"`
	Revision    int              `json:"revision"`
	Status      ValidationStatus `json:"status"`
	Violations  []Violation      `json:"violations"`
	Policy      Policy           `json:"policy"`
	ActivePct   float64          `json:"active_percent"`
	IdlePct     float64          `json:"idle_percent"`
	CoveragePct float64          `json:"coverage_percent"`
	Attested    bool             `json:"attested"`
	EvaluatedAt time.Time        `json:"evaluated_at"`
}

type SignatureMethod string

const (
	MethodEd25519    SignatureMethod = "ed25519"
	MethodHMACSHA256 SignatureMethod = "hmac-sha256"
)

type Signature struct {
	Method       SignatureMethod `json:"method"`
	KeyID        string          `json:"key_id"`
	Sig          string          `json:"sig"`
	SignedDigest string          `json:"signed_digest"`
	Degraded     bool            `json:"degraded,omitempty"`
}

type VerificationSignals struct {
	JoinedEvents     int      `json:"joined_events"`
	LeftEvents       int      `json:"left_events"`
	ActiveHeartbeats int      `json:"active_heartbeats"`
	IdleHeartbeats   int      `json:"idle_heartbeats"`
	CameraOnEvents   int      `json:"camera_on_events"`
	CameraOffEvents  int      `json:"camera_off_events"`
	Sources          []string `json:"sources"`
	TimelineDigest   string   `json:"timeline_digest"`
}

// CertificationPayload is the snapshot a certification record attests to.
type CertificationPayload struct {
	ParticipantID            string              `json:"participant_id"`
	CounterpartyID           string              `json:"counterparty_id"`
	MeetingID                string              `json:"meeting_id"`
	JoinTime                 time.Time           `json:"join_time"`
	LeaveTime                time.Time           `json:"leave_time"`
	ScheduledDurationMinutes int                 `json:"scheduled_duration_minutes"`
	TotalMinutes             int                 `json:"total_minutes"`
	ActiveMinutes            int                 `json:"active_minutes"`
	IdleMinutes              int                 `json:"idle_minutes"`
	AttendancePercent        float64             `json:"attendance_percent"`
	EngagementScore          float64             `json:"engagement_score"`
	Status                   ValidationStatus    `json:"status"`
	ValidationRevision       int                 `json:"validation_revision"`
	Violations               []Violation         `json:"violations"`
	Signals                  VerificationSignals `json:"signals"`
	Flags                    []string            `json:"flags"`
}

type CertificationRecord struct {
	BlockID       string               `json:"block_id"`
	SessionID     string               `json:"session_id"`
	ChainKey      string               `json:"chain_key"`
	SequenceIndex int64                `json:"sequence_index"`
	PreviousHash  string               `json:"previous_hash"`
	Hash          string               `json:"hash"`
	Nonce         string               `json:"nonce"`
	CreatedAt     time.Time            `json:"created_at"`
	Payload       CertificationPayload `json:"payload"`
	Signature     Signature            `json:"signature"`
}

// GenesisHash is the previous_hash of the first record in every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
