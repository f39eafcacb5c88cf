package validation

import (
	"context"
	"strings"
	"testing"
	"time"

	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
	"github.com/davidahmann/attend/core/timeline"
	"github.com/davidahmann/attend/internal/testutil"
)

func finalizedSession(t *testing.T, events []schema.ActivityEvent, opts timeline.FinalizeOptions) schema.Session {
	t.Helper()
	reconciler := timeline.NewReconciler(timeline.NewStore(), timeline.Options{})
	var sessionID string
	for _, event := range events {
		result, err := reconciler.Ingest(context.Background(), event)
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		if result.Session != nil {
			sessionID = result.Session.SessionID
		}
	}
	finalized, err := reconciler.Finalize(context.Background(), sessionID, opts)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return finalized.Session
}

func TestRejoinScenarioFailsWithTwoCriticalViolations(t *testing.T) {
	session := finalizedSession(t, testutil.RejoinScenario(), timeline.FinalizeOptions{
		ScheduledStart:           testutil.ScenarioStart,
		ScheduledDurationMinutes: testutil.ScenarioDurationMinutes,
	})
	result := Validate(session, DefaultPolicy())
	if result.Status != schema.StatusFailed {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}
	if len(result.Violations) != 2 {
		t.Fatalf("expected exactly two violations, got %+v", result.Violations)
	}
	if result.Violations[0].Type != schema.ViolationLowActiveTime || result.Violations[1].Type != schema.ViolationExcessiveIdleTime {
		t.Fatalf("unexpected violation types: %+v", result.Violations)
	}
	for _, violation := range result.Violations {
		if violation.Severity != schema.SeverityCritical {
			t.Fatalf("expected CRITICAL severity, got %+v", violation)
		}
	}
	if result.ActivePct != 46.67 || result.IdlePct != 53.33 || result.CoveragePct != 100 {
		t.Fatalf("unexpected ratios active=%v idle=%v coverage=%v", result.ActivePct, result.IdlePct, result.CoveragePct)
	}
	if !strings.Contains(result.Violations[0].Message, "46.67%") {
		t.Fatalf("expected ratio in message, got %q", result.Violations[0].Message)
	}
}

func TestNoHeartbeatSessionPasses(t *testing.T) {
	session := finalizedSession(t, testutil.SteadyScenario(), timeline.FinalizeOptions{
		ScheduledStart:           testutil.ScenarioStart,
		ScheduledDurationMinutes: 60,
	})
	result := Validate(session, DefaultPolicy())
	if result.Status != schema.StatusPassed || len(result.Violations) != 0 {
		t.Fatalf("expected PASSED without violations, got %s %+v", result.Status, result.Violations)
	}
	if result.ActivePct != 100 || result.IdlePct != 0 {
		t.Fatalf("unexpected ratios %+v", result)
	}
}

func TestCoverageBelowMinimum(t *testing.T) {
	session := schema.Session{
		State:                    schema.SessionFinalized,
		TotalMinutes:             30,
		ActiveMinutes:            30,
		ScheduledDurationMinutes: 60,
	}
	result := Validate(session, DefaultPolicy())
	if result.Status != schema.StatusFailed || len(result.Violations) != 1 || result.Violations[0].Type != schema.ViolationInsufficientCoverage {
		t.Fatalf("expected coverage failure, got %+v", result)
	}
}

func TestUnknownScheduleFailsCoverage(t *testing.T) {
	session := schema.Session{State: schema.SessionFinalized, TotalMinutes: 30, ActiveMinutes: 30}
	result := Validate(session, DefaultPolicy())
	if result.Status != schema.StatusFailed || result.Violations[0].Type != schema.ViolationInsufficientCoverage {
		t.Fatalf("expected coverage failure, got %+v", result)
	}
	if !strings.Contains(result.Violations[0].Message, "unknown") {
		t.Fatalf("expected unknown schedule message, got %q", result.Violations[0].Message)
	}
}

func TestOpenSessionIsPending(t *testing.T) {
	result := Validate(schema.Session{State: schema.SessionOpen}, DefaultPolicy())
	if result.Status != schema.StatusPending {
		t.Fatalf("expected PENDING, got %s", result.Status)
	}
}

func TestAttestationOutstandingIsPending(t *testing.T) {
	session := schema.Session{State: schema.SessionFinalized, TotalMinutes: 60, ActiveMinutes: 60, ScheduledDurationMinutes: 60}
	policy := DefaultPolicy()
	policy.RequireAttestation = true

	pending := Evaluate(session, policy, Input{})
	if pending.Status != schema.StatusPending {
		t.Fatalf("expected PENDING without attestation, got %s", pending.Status)
	}
	attested := Evaluate(session, policy, Input{Attested: true})
	if attested.Status != schema.StatusPassed || !attested.Attested {
		t.Fatalf("expected PASSED once attested, got %+v", attested)
	}
}

func TestAdvisoriesNeverFail(t *testing.T) {
	session := schema.Session{State: schema.SessionFinalized, TotalMinutes: 60, ActiveMinutes: 60, ScheduledDurationMinutes: 60}
	result := Validate(session, DefaultPolicy(),
		schema.Violation{Type: "shared_device", Severity: schema.SeverityCritical, Message: "device seen for two participants"},
		schema.Violation{Type: "camera_off", Severity: schema.SeverityInfo, Message: "camera off for most of the session", Source: "engagement"},
	)
	if result.Status != schema.StatusPassed {
		t.Fatalf("advisories must not fail the session, got %s", result.Status)
	}
	if result.Violations[0].Severity != schema.SeverityWarning || result.Violations[0].Type != "SHARED_DEVICE" || result.Violations[0].Source != AdvisorySource {
		t.Fatalf("expected advisory normalized to WARNING, got %+v", result.Violations[0])
	}
	if result.Violations[1].Severity != schema.SeverityInfo || result.Violations[1].Source != "engagement" {
		t.Fatalf("unexpected second advisory %+v", result.Violations[1])
	}
}

func TestLeftEarlyWarning(t *testing.T) {
	start := testutil.ScenarioStart
	leave := start.Add(50 * time.Minute)
	session := schema.Session{
		State:                    schema.SessionFinalized,
		TotalMinutes:             50,
		ActiveMinutes:            50,
		ScheduledStart:           &start,
		ScheduledDurationMinutes: 60,
		LeaveTime:                &leave,
	}
	result := Validate(session, DefaultPolicy())
	if result.Status != schema.StatusPassed || len(result.Violations) != 1 {
		t.Fatalf("expected PASSED with one warning, got %+v", result)
	}
	if result.Violations[0].Type != schema.ViolationLeftEarly || result.Violations[0].Severity != schema.SeverityWarning {
		t.Fatalf("unexpected violation %+v", result.Violations[0])
	}
}

func TestValidateIsDeterministic(t *testing.T) {
	session := finalizedSession(t, testutil.RejoinScenario(), timeline.FinalizeOptions{ScheduledDurationMinutes: 15})
	first := Validate(session, DefaultPolicy())
	second := Validate(session, DefaultPolicy())
	if !first.EvaluatedAt.Equal(second.EvaluatedAt) || first.Status != second.Status || len(first.Violations) != len(second.Violations) {
		t.Fatalf("expected identical results, got %+v and %+v", first, second)
	}
}

func TestEngagementScore(t *testing.T) {
	if got := EngagementScore(schema.Session{TotalMinutes: 15, ActiveMinutes: 7}); got != 46.67 {
		t.Fatalf("unexpected engagement score %v", got)
	}
	if got := EngagementScore(schema.Session{}); got != 0 {
		t.Fatalf("expected 0 for empty session, got %v", got)
	}
}

func TestSignalProviderFunc(t *testing.T) {
	provider := SignalProviderFunc(func(context.Context, schema.Session) ([]schema.Violation, error) {
		return []schema.Violation{{Type: "X"}}, nil
	})
	advisories, err := provider.Advisories(context.Background(), schema.Session{})
	if err != nil || len(advisories) != 1 {
		t.Fatalf("unexpected advisories %v %v", advisories, err)
	}
}
