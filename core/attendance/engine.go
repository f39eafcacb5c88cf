// Package attendance wires reconciliation, validation and certification into
// the single entry point used by the CLI and the HTTP surface.
package attendance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	coreerrors "github.com/davidahmann/attend/core/errors"
	"github.com/davidahmann/attend/core/ledger"
	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
	"github.com/davidahmann/attend/core/timeline"
	"github.com/davidahmann/attend/core/validation"
	"github.com/davidahmann/attend/internal/log"
	"github.com/davidahmann/attend/internal/metrics"
)

// PolicyProvider returns the attendance policy that applies to a session.
type PolicyProvider interface {
	Policy(ctx context.Context, session schema.Session) (schema.Policy, error)
}

type StaticPolicy schema.Policy

func (p StaticPolicy) Policy(context.Context, schema.Session) (schema.Policy, error) {
	return schema.Policy(p), nil
}

// AttestationSource reports whether the external attestation a policy may
// require has been received for a session.
type AttestationSource interface {
	Attested(ctx context.Context, session schema.Session) (bool, error)
}

type Options struct {
	Reconciler   *timeline.Reconciler
	Ledger       *ledger.Engine
	Policies     PolicyProvider
	Signals      validation.SignalProvider
	Attestations AttestationSource
	Logger       *zerolog.Logger
}

type Engine struct {
	reconciler   *timeline.Reconciler
	ledger       *ledger.Engine
	policies     PolicyProvider
	signals      validation.SignalProvider
	attestations AttestationSource
	logger       zerolog.Logger
	finalizing   singleflight.Group
}

// Outcome is the state of a session after finalization or re-validation.
// Record is nil while the result is PENDING.
type Outcome struct {
	Session schema.Session              `json:"session"`
	Result  schema.ValidationResult     `json:"result"`
	Record  *schema.CertificationRecord `json:"record,omitempty"`
}

type IngestOutcome struct {
	timeline.IngestResult
	// Finalized is set when a terminal LEFT finalized the session.
	Finalized *Outcome `json:"finalized,omitempty"`
}

func New(opts Options) (*Engine, error) {
	if opts.Reconciler == nil {
		return nil, fmt.Errorf("attendance engine requires a reconciler")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("attendance engine requires a ledger engine")
	}
	if opts.Policies == nil {
		opts.Policies = StaticPolicy(validation.DefaultPolicy())
	}
	logger := log.WithComponent("attendance")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Engine{
		reconciler:   opts.Reconciler,
		ledger:       opts.Ledger,
		policies:     opts.Policies,
		signals:      opts.Signals,
		attestations: opts.Attestations,
		logger:       logger,
	}, nil
}

func (e *Engine) Reconciler() *timeline.Reconciler {
	return e.reconciler
}

func (e *Engine) Ledger() *ledger.Engine {
	return e.ledger
}

// Replay rebuilds sessions and validation history from the timeline journal.
func (e *Engine) Replay(ctx context.Context) (timeline.ReplayStats, error) {
	return e.reconciler.Replay(ctx)
}

// Ingest merges one event. A terminal LEFT finalizes, validates and certifies
// the session in the same call.
func (e *Engine) Ingest(ctx context.Context, event schema.ActivityEvent) (IngestOutcome, error) {
	result, err := e.reconciler.Ingest(ctx, event)
	if err != nil {
		return IngestOutcome{}, err
	}
	out := IngestOutcome{IngestResult: result}
	if result.Terminal && result.Session != nil {
		finalized, err := e.Finalize(ctx, result.Session.SessionID, timeline.FinalizeOptions{})
		if err != nil {
			return out, err
		}
		out.Finalized = &finalized
	}
	return out, nil
}

// Finalize closes the session, validates it and certifies the result.
// Concurrent and repeated calls for one session share a single outcome.
func (e *Engine) Finalize(ctx context.Context, sessionID string, opts timeline.FinalizeOptions) (Outcome, error) {
	value, err, _ := e.finalizing.Do(sessionID, func() (any, error) {
		return e.finalize(ctx, sessionID, opts)
	})
	if err != nil {
		return Outcome{}, err
	}
	return value.(Outcome), nil
}

func (e *Engine) finalize(ctx context.Context, sessionID string, opts timeline.FinalizeOptions) (Outcome, error) {
	finalized, err := e.reconciler.Finalize(ctx, sessionID, opts)
	if err != nil {
		return Outcome{}, err
	}
	if finalized.AlreadyFinalized {
		if latest, ok := e.reconciler.LatestResult(sessionID); ok {
			return e.outcome(ctx, finalized.Session, latest)
		}
	}
	return e.validateAndCertify(ctx, finalized.Session)
}

// Revalidate evaluates a finalized session again and appends the new result
// to its history. A session certified earlier keeps its record; a session
// whose earlier result was PENDING is certified once the new result is final.
func (e *Engine) Revalidate(ctx context.Context, sessionID string) (Outcome, error) {
	session, err := e.Session(sessionID)
	if err != nil {
		return Outcome{}, err
	}
	if session.State != schema.SessionFinalized {
		return Outcome{}, coreerrors.Wrap(fmt.Errorf("session %s is not finalized", sessionID),
			coreerrors.CategoryInvalidInput, coreerrors.CodeSessionNotFinal, "finalize the session before validating it", false)
	}
	return e.validateAndCertify(ctx, session)
}

func (e *Engine) validateAndCertify(ctx context.Context, session schema.Session) (Outcome, error) {
	result, err := e.evaluate(ctx, session)
	if err != nil {
		return Outcome{}, err
	}
	attached, err := e.reconciler.AttachResult(session.SessionID, result)
	if err != nil {
		return Outcome{}, err
	}
	metrics.RecordFinalized(string(attached.Status))
	e.logger.Info().
		Str(log.FieldSessionID, session.SessionID).
		Str(log.FieldStatus, string(attached.Status)).
		Int("revision", attached.Revision).
		Int("violations", len(attached.Violations)).
		Msg("validated session")
	return e.outcome(ctx, session, attached)
}

// outcome certifies a final result unless the session already has a record.
func (e *Engine) outcome(ctx context.Context, session schema.Session, result schema.ValidationResult) (Outcome, error) {
	out := Outcome{Session: session, Result: result}
	existing, ok, err := e.ledger.RecordForSession(ctx, session.SessionID)
	if err != nil {
		return Outcome{}, err
	}
	if ok {
		out.Record = &existing
		return out, nil
	}
	if result.Status == schema.StatusPending {
		return out, nil
	}
	record, err := e.ledger.Certify(ctx, session, result)
	if err != nil {
		return Outcome{}, err
	}
	out.Record = &record
	return out, nil
}

func (e *Engine) evaluate(ctx context.Context, session schema.Session) (schema.ValidationResult, error) {
	policy, err := e.policies.Policy(ctx, session)
	if err != nil {
		return schema.ValidationResult{}, fmt.Errorf("resolve policy: %w", err)
	}
	input := validation.Input{}
	if e.signals != nil {
		advisories, err := e.signals.Advisories(ctx, session)
		if err != nil {
			e.logger.Warn().Err(err).Str(log.FieldSessionID, session.SessionID).Msg("signal provider failed; validating without advisories")
		} else {
			input.Advisories = advisories
		}
	}
	if policy.RequireAttestation && e.attestations != nil {
		attested, err := e.attestations.Attested(ctx, session)
		if err != nil {
			e.logger.Warn().Err(err).Str(log.FieldSessionID, session.SessionID).Msg("attestation lookup failed")
		}
		input.Attested = err == nil && attested
	}
	return validation.Evaluate(session, policy, input), nil
}

func (e *Engine) Session(sessionID string) (schema.Session, error) {
	session, ok := e.reconciler.Store().Session(sessionID)
	if !ok {
		return schema.Session{}, coreerrors.NotFound(fmt.Errorf("%w: %s", timeline.ErrSessionNotFound, sessionID), coreerrors.CodeSessionNotFound)
	}
	return session, nil
}

func (e *Engine) Results(sessionID string) []schema.ValidationResult {
	return e.reconciler.Store().Results(sessionID)
}

func (e *Engine) Stale(cutoff time.Time) []schema.Session {
	return e.reconciler.Store().Stale(cutoff)
}

func (e *Engine) Record(ctx context.Context, blockID string) (schema.CertificationRecord, error) {
	return e.ledger.Record(ctx, blockID)
}

func (e *Engine) VerifyRecord(ctx context.Context, blockID string) (ledger.RecordVerification, error) {
	record, err := e.ledger.Record(ctx, blockID)
	if err != nil {
		return ledger.RecordVerification{}, err
	}
	return e.ledger.VerifyRecord(record), nil
}

func (e *Engine) VerifyChain(ctx context.Context, chainKey string) (ledger.ChainVerification, error) {
	return e.ledger.VerifyChain(ctx, chainKey)
}

func (e *Engine) MerkleRoot(ctx context.Context, blockIDs []string) (string, error) {
	records := make([]schema.CertificationRecord, 0, len(blockIDs))
	for _, blockID := range blockIDs {
		record, err := e.ledger.Record(ctx, blockID)
		if err != nil {
			return "", err
		}
		records = append(records, record)
	}
	root, err := ledger.MerkleRoot(records)
	if err != nil {
		return "", coreerrors.Invalid(err, coreerrors.CodeInvalidRequest)
	}
	return root, nil
}

// DetectTampering compares a stored record with a payload rebuilt from the
// session and the validation revision the record certified.
func (e *Engine) DetectTampering(ctx context.Context, blockID string) (ledger.TamperReport, error) {
	record, err := e.ledger.Record(ctx, blockID)
	if err != nil {
		return ledger.TamperReport{}, err
	}
	session, err := e.Session(record.SessionID)
	if err != nil {
		return ledger.TamperReport{}, err
	}
	result := certifiedResult(e.Results(record.SessionID), record.Payload.ValidationRevision)
	return e.ledger.DetectTampering(record, session, result)
}

func certifiedResult(results []schema.ValidationResult, revision int) schema.ValidationResult {
	for _, result := range results {
		if result.Revision == revision {
			return result
		}
	}
	if len(results) > 0 {
		return results[len(results)-1]
	}
	return schema.ValidationResult{}
}
