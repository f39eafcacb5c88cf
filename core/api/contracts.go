package api

import (
	"time"

	"github.com/davidahmann/attend/core/attendance"
	"github.com/davidahmann/attend/core/ledger"
	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
)

type HealthResponse struct {
	OK      bool   `json:"ok"`
	Service string `json:"service"`
}

type ErrorResponse struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
	Category  string `json:"error_category,omitempty"`
	Retryable bool   `json:"retryable"`
	Hint      string `json:"hint,omitempty"`
}

type IngestResponse struct {
	OK        bool                `json:"ok"`
	Session   *schema.Session     `json:"session,omitempty"`
	Created   bool                `json:"created"`
	Duplicate bool                `json:"duplicate"`
	Orphaned  bool                `json:"orphaned"`
	Warnings  []string            `json:"warnings,omitempty"`
	Finalized *attendance.Outcome `json:"finalized,omitempty"`
}

// FinalizeRequest carries the optional overrides for a finalization. Zero
// values fall back to the meeting directory and the last timeline event.
type FinalizeRequest struct {
	EndedAt                  *time.Time `json:"ended_at,omitempty"`
	ScheduledStart           *time.Time `json:"scheduled_start,omitempty"`
	ScheduledDurationMinutes int        `json:"scheduled_duration_minutes,omitempty"`
}

type OutcomeResponse struct {
	OK bool `json:"ok"`
	attendance.Outcome
}

type SessionResponse struct {
	OK      bool                      `json:"ok"`
	Session schema.Session            `json:"session"`
	Results []schema.ValidationResult `json:"results"`
}

type RecordResponse struct {
	OK     bool                       `json:"ok"`
	Record schema.CertificationRecord `json:"record"`
}

type RecordVerifyResponse struct {
	OK bool `json:"ok"`
	ledger.RecordVerification
}

type ChainVerifyResponse struct {
	OK bool `json:"ok"`
	ledger.ChainVerification
}

type TamperResponse struct {
	OK bool `json:"ok"`
	ledger.TamperReport
}

type MerkleRequest struct {
	BlockIDs []string `json:"block_ids"`
}

type MerkleResponse struct {
	OK       bool     `json:"ok"`
	Root     string   `json:"root"`
	BlockIDs []string `json:"block_ids"`
}
