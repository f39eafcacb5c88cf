package timeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/davidahmann/attend/core/fsx"
	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
)

const (
	recordEvent    = "event"
	recordFinalize = "finalize"
	recordResult   = "result"
)

type journalRecord struct {
	RecordType string                   `json:"record_type"`
	SessionID  string                   `json:"session_id,omitempty"`
	RecordedAt time.Time                `json:"recorded_at"`
	Event      *schema.ActivityEvent    `json:"event,omitempty"`
	Finalize   *finalizeRecord          `json:"finalize,omitempty"`
	Result     *schema.ValidationResult `json:"result,omitempty"`
}

type finalizeRecord struct {
	EndedAt                  time.Time `json:"ended_at"`
	ScheduledStart           time.Time `json:"scheduled_start"`
	ScheduledDurationMinutes int       `json:"scheduled_duration_minutes"`
	FinalizedAt              time.Time `json:"finalized_at"`
}

// Journal is the append-only JSONL file a Reconciler replays on start. Only
// accepted events are written; duplicates and malformed input never reach it.
type Journal struct {
	path string
}

func OpenJournal(path string) (*Journal, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("timeline journal path is required")
	}
	return &Journal{path: trimmed}, nil
}

func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) append(record journalRecord) error {
	if j == nil {
		return nil
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal timeline journal record: %w", err)
	}
	if err := fsx.AppendLineLocked(j.path, encoded, 0o600); err != nil {
		return fmt.Errorf("append timeline journal: %w", err)
	}
	return nil
}

func (j *Journal) each(fn func(journalRecord) error) error {
	return fsx.ReadLines(j.path, func(lineNo int, raw []byte) error {
		var record journalRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("timeline journal parse line %d: %w", lineNo, err)
		}
		switch record.RecordType {
		case recordEvent:
			if record.Event == nil {
				return fmt.Errorf("timeline journal line %d missing event payload", lineNo)
			}
		case recordFinalize:
			if record.Finalize == nil || record.SessionID == "" {
				return fmt.Errorf("timeline journal line %d missing finalize payload", lineNo)
			}
		case recordResult:
			if record.Result == nil || record.SessionID == "" {
				return fmt.Errorf("timeline journal line %d missing result payload", lineNo)
			}
		default:
			return fmt.Errorf("timeline journal line %d has unsupported record_type %q", lineNo, record.RecordType)
		}
		return fn(record)
	})
}
