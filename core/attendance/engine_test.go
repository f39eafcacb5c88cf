package attendance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	coreerrors "github.com/davidahmann/attend/core/errors"
	"github.com/davidahmann/attend/core/ledger"
	"github.com/davidahmann/attend/core/ledgerstore"
	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
	"github.com/davidahmann/attend/core/sign"
	"github.com/davidahmann/attend/core/timeline"
	"github.com/davidahmann/attend/core/validation"
	"github.com/davidahmann/attend/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	engine *Engine
	store  *ledgerstore.Memory
}

type attestationFlag struct {
	attested atomic.Bool
}

func (a *attestationFlag) Attested(context.Context, schema.Session) (bool, error) {
	return a.attested.Load(), nil
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	logger := zerolog.Nop()
	kp, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	signer, err := sign.NewSigner(sign.SignerOptions{
		Provider: sign.StaticKey(kp.Private),
		Secret:   bytes.Repeat([]byte{7}, sign.MinSecretBytes),
		Logger:   &logger,
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	store := ledgerstore.NewMemory()
	ledgerEngine, err := ledger.NewEngine(ledger.Options{Store: store, Signer: signer, Logger: &logger})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	opts.Reconciler = timeline.NewReconciler(timeline.NewStore(), timeline.Options{
		Logger:   &logger,
		Meetings: timeline.NewStaticDirectory(timeline.Meeting{MeetingID: testutil.MeetingID, ScheduledStart: testutil.ScenarioStart, ScheduledDurationMinutes: testutil.ScenarioDurationMinutes}),
	})
	opts.Ledger = ledgerEngine
	opts.Logger = &logger
	engine, err := New(opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return fixture{engine: engine, store: store}
}

func ingest(t *testing.T, engine *Engine, events []schema.ActivityEvent) string {
	t.Helper()
	var sessionID string
	for _, event := range events {
		out, err := engine.Ingest(context.Background(), event)
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		if out.Session != nil {
			sessionID = out.Session.SessionID
		}
	}
	return sessionID
}

func TestRejoinScenarioIsCertifiedAsFailed(t *testing.T) {
	f := newFixture(t, Options{})
	sessionID := ingest(t, f.engine, testutil.RejoinScenario())

	outcome, err := f.engine.Finalize(context.Background(), sessionID, timeline.FinalizeOptions{})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if outcome.Session.TotalMinutes != 15 || outcome.Session.ActiveMinutes != 7 || outcome.Session.IdleMinutes != 8 {
		t.Fatalf("unexpected durations %+v", outcome.Session)
	}
	if outcome.Result.Status != schema.StatusFailed || len(outcome.Result.Violations) != 2 {
		t.Fatalf("expected FAILED with two violations, got %+v", outcome.Result)
	}
	if outcome.Record == nil {
		t.Fatalf("expected certification record")
	}
	if outcome.Record.Payload.Status != schema.StatusFailed || outcome.Record.Payload.ValidationRevision != 1 {
		t.Fatalf("unexpected payload %+v", outcome.Record.Payload)
	}

	verification, err := f.engine.VerifyRecord(context.Background(), outcome.Record.BlockID)
	if err != nil || !verification.Valid {
		t.Fatalf("expected record to verify: %+v %v", verification, err)
	}
	report, err := f.engine.DetectTampering(context.Background(), outcome.Record.BlockID)
	if err != nil || report.Tampered {
		t.Fatalf("expected clean tamper report: %+v %v", report, err)
	}
}

func TestTerminalLeftFinalizes(t *testing.T) {
	f := newFixture(t, Options{})
	events := testutil.SteadyScenario()
	events[1].Terminal = true
	events[1].Timestamp = testutil.ScenarioStart.Add(15 * time.Minute)
	var last IngestOutcome
	for _, event := range events {
		out, err := f.engine.Ingest(context.Background(), event)
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		last = out
	}
	if last.Finalized == nil || last.Finalized.Record == nil {
		t.Fatalf("expected terminal LEFT to finalize and certify, got %+v", last)
	}
	if last.Finalized.Result.Status != schema.StatusPassed {
		t.Fatalf("expected PASSED, got %+v", last.Finalized.Result)
	}
}

func TestFinalizeIsIdempotentUnderConcurrency(t *testing.T) {
	f := newFixture(t, Options{})
	sessionID := ingest(t, f.engine, testutil.SteadyScenario())

	var mu sync.Mutex
	blocks := map[string]int{}
	var group errgroup.Group
	for i := 0; i < 8; i++ {
		group.Go(func() error {
			outcome, err := f.engine.Finalize(context.Background(), sessionID, timeline.FinalizeOptions{})
			if err != nil {
				return err
			}
			if outcome.Record == nil {
				return errors.New("missing record")
			}
			mu.Lock()
			blocks[outcome.Record.BlockID]++
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected one certification record, got %v", blocks)
	}
	if results := f.engine.Results(sessionID); len(results) != 1 {
		t.Fatalf("expected one validation result, got %d", len(results))
	}
}

func TestPendingAttestationDefersCertification(t *testing.T) {
	policy := validation.DefaultPolicy()
	policy.RequireAttestation = true
	attestations := &attestationFlag{}
	f := newFixture(t, Options{Policies: StaticPolicy(policy), Attestations: attestations})
	sessionID := ingest(t, f.engine, testutil.SteadyScenario())

	pending, err := f.engine.Finalize(context.Background(), sessionID, timeline.FinalizeOptions{})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if pending.Result.Status != schema.StatusPending || pending.Record != nil {
		t.Fatalf("expected PENDING without record, got %+v", pending)
	}

	attestations.attested.Store(true)
	certified, err := f.engine.Revalidate(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	if certified.Result.Revision != 2 || certified.Record == nil {
		t.Fatalf("expected revision 2 with record, got %+v", certified)
	}
	if certified.Record.Payload.ValidationRevision != 2 {
		t.Fatalf("expected record to certify revision 2, got %d", certified.Record.Payload.ValidationRevision)
	}
	history := f.engine.Results(sessionID)
	if len(history) != 2 || history[0].Status != schema.StatusPending {
		t.Fatalf("expected history to keep the pending result, got %+v", history)
	}
	report, err := f.engine.DetectTampering(context.Background(), certified.Record.BlockID)
	if err != nil || report.Tampered {
		t.Fatalf("expected clean report against revision 2: %+v %v", report, err)
	}
}

func TestRevalidateKeepsExistingRecord(t *testing.T) {
	f := newFixture(t, Options{})
	sessionID := ingest(t, f.engine, testutil.SteadyScenario())
	first, err := f.engine.Finalize(context.Background(), sessionID, timeline.FinalizeOptions{})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	second, err := f.engine.Revalidate(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	if second.Record.BlockID != first.Record.BlockID || second.Result.Revision != 2 {
		t.Fatalf("expected same record and new revision, got %+v", second)
	}
}

func TestRevalidateOpenSession(t *testing.T) {
	f := newFixture(t, Options{})
	sessionID := ingest(t, f.engine, testutil.SteadyScenario()[:1])
	_, err := f.engine.Revalidate(context.Background(), sessionID)
	if coreerrors.CodeOf(err) != coreerrors.CodeSessionNotFinal {
		t.Fatalf("expected session_not_finalized, got %v", err)
	}
	if _, err := f.engine.Session("missing"); coreerrors.CodeOf(err) != coreerrors.CodeSessionNotFound {
		t.Fatalf("expected session_not_found, got %v", err)
	}
}

func TestAdvisoriesAreRecorded(t *testing.T) {
	signals := validation.SignalProviderFunc(func(context.Context, schema.Session) ([]schema.Violation, error) {
		return []schema.Violation{{Type: "SHARED_DEVICE", Severity: schema.SeverityCritical, Message: "device shared"}}, nil
	})
	f := newFixture(t, Options{Signals: signals})
	sessionID := ingest(t, f.engine, testutil.SteadyScenario())
	outcome, err := f.engine.Finalize(context.Background(), sessionID, timeline.FinalizeOptions{})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if outcome.Result.Status != schema.StatusPassed {
		t.Fatalf("advisory must not fail the session, got %s", outcome.Result.Status)
	}
	found := false
	for _, violation := range outcome.Record.Payload.Violations {
		if violation.Type == "SHARED_DEVICE" && violation.Severity == schema.SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected advisory in certified payload, got %+v", outcome.Record.Payload.Violations)
	}
}

func TestTamperedRecordIsReported(t *testing.T) {
	f := newFixture(t, Options{})
	sessionID := ingest(t, f.engine, testutil.RejoinScenario())
	outcome, err := f.engine.Finalize(context.Background(), sessionID, timeline.FinalizeOptions{})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	tampered := *outcome.Record
	tampered.Payload.Status = schema.StatusPassed
	f.store.Replace(tampered)

	report, err := f.engine.DetectTampering(context.Background(), tampered.BlockID)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !report.Tampered || len(report.Differences) != 1 || report.Differences[0].Field != "status" {
		t.Fatalf("expected status difference, got %+v", report)
	}
	chain, err := f.engine.VerifyChain(context.Background(), tampered.ChainKey)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if chain.Valid || !slices.Equal(chain.BrokenAt, []int{0}) {
		t.Fatalf("expected chain broken at 0, got %+v", chain)
	}
}

func TestMerkleRootOverCertifiedSessions(t *testing.T) {
	f := newFixture(t, Options{})
	var blockIDs []string
	for i := 0; i < 4; i++ {
		events := testutil.SteadyScenario()
		for index := range events {
			events[index].MeetingID = fmt.Sprintf("meeting-%d", i)
		}
		sessionID := ingest(t, f.engine, events)
		outcome, err := f.engine.Finalize(context.Background(), sessionID, timeline.FinalizeOptions{ScheduledDurationMinutes: 60})
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		blockIDs = append(blockIDs, outcome.Record.BlockID)
	}
	first, err := f.engine.MerkleRoot(context.Background(), blockIDs)
	if err != nil {
		t.Fatalf("merkle: %v", err)
	}
	reversed := []string{blockIDs[3], blockIDs[2], blockIDs[1], blockIDs[0]}
	second, err := f.engine.MerkleRoot(context.Background(), reversed)
	if err != nil || first != second {
		t.Fatalf("expected order independent root, got %s %s %v", first, second, err)
	}
	if _, err := f.engine.MerkleRoot(context.Background(), []string{"missing"}); coreerrors.CodeOf(err) != coreerrors.CodeRecordNotFound {
		t.Fatalf("expected record_not_found, got %v", err)
	}
	if _, err := f.engine.MerkleRoot(context.Background(), nil); coreerrors.CodeOf(err) != coreerrors.CodeInvalidRequest {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}
