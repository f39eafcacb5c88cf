// Package validation evaluates a finalized attendance session against an
// attendance policy. Evaluation is a pure function of its inputs.
package validation

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
)

const AdvisorySource = "advisory"

func DefaultPolicy() schema.Policy {
	return schema.Policy{
		MinActivePercent:   80,
		MaxIdlePercent:     20,
		MinCoveragePercent: 80,
	}
}

// SignalProvider supplies advisory violations such as fraud or engagement
// flags. Advisories never fail a session on their own.
type SignalProvider interface {
	Advisories(ctx context.Context, session schema.Session) ([]schema.Violation, error)
}

// SignalProviderFunc adapts a function to SignalProvider.
type SignalProviderFunc func(ctx context.Context, session schema.Session) ([]schema.Violation, error)

func (f SignalProviderFunc) Advisories(ctx context.Context, session schema.Session) ([]schema.Violation, error) {
	return f(ctx, session)
}

// Input carries what the evaluation needs beyond the session and policy.
type Input struct {
	Attested   bool
	Advisories []schema.Violation
	// EvaluatedAt defaults to the session finalization time so repeated
	// evaluation of the same inputs yields the same result.
	EvaluatedAt time.Time
}

// Validate evaluates session with advisories appended and no attestation.
func Validate(session schema.Session, policy schema.Policy, advisories ...schema.Violation) schema.ValidationResult {
	return Evaluate(session, policy, Input{Advisories: advisories})
}

func Evaluate(session schema.Session, policy schema.Policy, input Input) schema.ValidationResult {
	result := schema.ValidationResult{
		SessionID:   session.SessionID,
		Policy:      policy,
		Attested:    input.Attested,
		EvaluatedAt: input.EvaluatedAt,
		Violations:  []schema.Violation{},
	}
	if result.EvaluatedAt.IsZero() && session.FinalizedAt != nil {
		result.EvaluatedAt = *session.FinalizedAt
	}
	result.EvaluatedAt = result.EvaluatedAt.UTC()

	if session.State != schema.SessionFinalized {
		result.Status = schema.StatusPending
		result.Violations = append(result.Violations, schema.Violation{
			Type:     schema.ViolationAttestationPending,
			Severity: schema.SeverityInfo,
			Message:  "session is not finalized",
		})
		return result
	}

	total := float64(session.TotalMinutes)
	if total < 1 {
		total = 1
	}
	activeRatio := 100 * float64(session.ActiveMinutes) / total
	idleRatio := 100 * float64(session.IdleMinutes) / total
	var coverageRatio float64
	if session.ScheduledDurationMinutes > 0 {
		coverageRatio = 100 * float64(session.TotalMinutes) / float64(session.ScheduledDurationMinutes)
	}
	result.ActivePct = round2(activeRatio)
	result.IdlePct = round2(idleRatio)
	result.CoveragePct = round2(math.Min(100, coverageRatio))

	if activeRatio < policy.MinActivePercent {
		result.Violations = append(result.Violations, schema.Violation{
			Type:     schema.ViolationLowActiveTime,
			Severity: schema.SeverityCritical,
			Message: fmt.Sprintf("active time %s%% (%d of %d minutes) is below the %s%% minimum",
				formatPct(activeRatio), session.ActiveMinutes, session.TotalMinutes, formatPct(policy.MinActivePercent)),
		})
	}
	if idleRatio > policy.MaxIdlePercent {
		result.Violations = append(result.Violations, schema.Violation{
			Type:     schema.ViolationExcessiveIdleTime,
			Severity: schema.SeverityCritical,
			Message: fmt.Sprintf("idle time %s%% (%d of %d minutes) exceeds the %s%% maximum",
				formatPct(idleRatio), session.IdleMinutes, session.TotalMinutes, formatPct(policy.MaxIdlePercent)),
		})
	}
	if coverageRatio < policy.MinCoveragePercent {
		message := fmt.Sprintf("coverage %s%% (%d of %d scheduled minutes) is below the %s%% minimum",
			formatPct(coverageRatio), session.TotalMinutes, session.ScheduledDurationMinutes, formatPct(policy.MinCoveragePercent))
		if session.ScheduledDurationMinutes <= 0 {
			message = "scheduled duration is unknown; coverage cannot be established"
		}
		result.Violations = append(result.Violations, schema.Violation{
			Type:     schema.ViolationInsufficientCoverage,
			Severity: schema.SeverityCritical,
			Message:  message,
		})
	}
	if violation, ok := leftEarly(session); ok {
		result.Violations = append(result.Violations, violation)
	}
	for _, advisory := range input.Advisories {
		result.Violations = append(result.Violations, normalizeAdvisory(advisory))
	}

	attestationOutstanding := policy.RequireAttestation && !input.Attested
	if attestationOutstanding {
		result.Violations = append(result.Violations, schema.Violation{
			Type:     schema.ViolationAttestationPending,
			Severity: schema.SeverityInfo,
			Message:  "required external attestation is outstanding",
		})
	}

	switch {
	case attestationOutstanding:
		result.Status = schema.StatusPending
	case HasCritical(result.Violations):
		result.Status = schema.StatusFailed
	default:
		result.Status = schema.StatusPassed
	}
	return result
}

func HasCritical(violations []schema.Violation) bool {
	for _, violation := range violations {
		if violation.Severity == schema.SeverityCritical {
			return true
		}
	}
	return false
}

func leftEarly(session schema.Session) (schema.Violation, bool) {
	if session.ScheduledStart == nil || session.ScheduledDurationMinutes <= 0 || session.LeaveTime == nil {
		return schema.Violation{}, false
	}
	end := session.ScheduledStart.Add(time.Duration(session.ScheduledDurationMinutes) * time.Minute)
	if !session.LeaveTime.Before(end) {
		return schema.Violation{}, false
	}
	return schema.Violation{
		Type:     schema.ViolationLeftEarly,
		Severity: schema.SeverityWarning,
		Message: fmt.Sprintf("left at %s, %d minutes before the scheduled end",
			session.LeaveTime.UTC().Format(time.RFC3339), int(end.Sub(*session.LeaveTime)/time.Minute)),
	}, true
}

func normalizeAdvisory(advisory schema.Violation) schema.Violation {
	out := advisory
	out.Type = strings.ToUpper(strings.TrimSpace(advisory.Type))
	if out.Type == "" {
		out.Type = "ADVISORY"
	}
	switch out.Severity {
	case schema.SeverityWarning, schema.SeverityInfo:
	default:
		out.Severity = schema.SeverityWarning
	}
	if strings.TrimSpace(out.Source) == "" {
		out.Source = AdvisorySource
	}
	return out
}

// EngagementScore is the active share of attended time, 0 to 100.
func EngagementScore(session schema.Session) float64 {
	if session.TotalMinutes <= 0 {
		return 0
	}
	return round2(math.Min(100, 100*float64(session.ActiveMinutes)/float64(session.TotalMinutes)))
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

func formatPct(value float64) string {
	return strconv.FormatFloat(round2(value), 'f', -1, 64)
}
