package log

// Canonical field name constants for structured logging.
const (
	FieldService   = "service"
	FieldVersion   = "version"
	FieldComponent = "component"

	FieldSessionID     = "session_id"
	FieldParticipantID = "participant_id"
	FieldMeetingID     = "meeting_id"
	FieldEventType     = "event_type"
	FieldEventSource   = "event_source"
	FieldEventTime     = "event_time"

	FieldBlockID       = "block_id"
	FieldChainKey      = "chain_key"
	FieldSequenceIndex = "sequence_index"
	FieldSigMethod     = "signature_method"
	FieldStatus        = "status"
	FieldReasons       = "reasons"
)
