// Package ledger builds, signs and verifies certification records and the
// per-participant hash chains they form.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	coreerrors "github.com/davidahmann/attend/core/errors"
	"github.com/davidahmann/attend/core/ledgerstore"
	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
	"github.com/davidahmann/attend/core/sign"
	"github.com/davidahmann/attend/internal/keylock"
	"github.com/davidahmann/attend/internal/log"
	"github.com/davidahmann/attend/internal/metrics"
)

const defaultMaxRetries = 5

var (
	ErrChainFork         = errors.New("chain fork attempt")
	ErrRecordNotFound    = errors.New("certification record not found")
	ErrSessionNotFinal   = errors.New("session is not finalized")
	ErrValidationMissing = errors.New("validation result does not belong to session")
)

type Options struct {
	Store  ledgerstore.Store
	Signer *sign.Signer
	// Verifier checks signatures; it defaults to the signer's verifier.
	Verifier   *sign.Verifier
	Logger     *zerolog.Logger
	Now        func() time.Time
	NewID      func() string
	NewNonce   func() string
	MaxRetries int
}

// Engine is the only writer of certification records.
type Engine struct {
	store    ledgerstore.Store
	signer   *sign.Signer
	verifier *sign.Verifier
	logger   zerolog.Logger
	now      func() time.Time
	newID    func() string
	newNonce func() string
	retries  int
	chains   *keylock.Map[string]
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Signer == nil {
		return nil, fmt.Errorf("ledger engine requires a signer")
	}
	if opts.Store == nil {
		opts.Store = ledgerstore.NewMemory()
	}
	if opts.Verifier == nil {
		opts.Verifier = opts.Signer.Verifier()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.NewNonce == nil {
		opts.NewNonce = randomNonce
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	logger := log.WithComponent("ledger")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Engine{
		store:    opts.Store,
		signer:   opts.Signer,
		verifier: opts.Verifier,
		logger:   logger,
		now:      opts.Now,
		newID:    opts.NewID,
		newNonce: opts.NewNonce,
		retries:  opts.MaxRetries,
		chains:   keylock.New[string](),
	}, nil
}

func (e *Engine) Store() ledgerstore.Store {
	return e.store
}

// Head returns the hash and next sequence index of chainKey.
func (e *Engine) Head(ctx context.Context, chainKey string) (string, int64, error) {
	head, ok, err := e.store.Head(ctx, chainKey)
	if err != nil {
		return "", 0, storeFailure(err)
	}
	if !ok {
		return schema.GenesisHash, 0, nil
	}
	return head.Hash, head.SequenceIndex + 1, nil
}

// Create appends a record for session on top of previousHash. A session that
// already has a record gets that record back. A stale previousHash is a
// retryable chain fork.
func (e *Engine) Create(ctx context.Context, session schema.Session, result schema.ValidationResult, previousHash string) (schema.CertificationRecord, error) {
	if session.State != schema.SessionFinalized {
		return schema.CertificationRecord{}, coreerrors.Wrap(
			fmt.Errorf("%w: %s", ErrSessionNotFinal, session.SessionID),
			coreerrors.CategoryInvalidInput, coreerrors.CodeSessionNotFinal, "finalize the session before certifying it", false)
	}
	if result.SessionID != "" && result.SessionID != session.SessionID {
		return schema.CertificationRecord{}, coreerrors.Invalid(
			fmt.Errorf("%w: result for %s, session %s", ErrValidationMissing, result.SessionID, session.SessionID), coreerrors.CodeResultMismatch)
	}
	if existing, ok, err := e.store.BySession(ctx, session.SessionID); err != nil {
		return schema.CertificationRecord{}, storeFailure(err)
	} else if ok {
		return existing, nil
	}

	chainKey := ChainKey(session)
	unlock := e.chains.Lock(chainKey)
	defer unlock()

	started := time.Now()
	if existing, ok, err := e.store.BySession(ctx, session.SessionID); err != nil {
		return schema.CertificationRecord{}, storeFailure(err)
	} else if ok {
		return existing, nil
	}
	headHash, sequence, err := e.Head(ctx, chainKey)
	if err != nil {
		return schema.CertificationRecord{}, err
	}
	if previousHash != headHash {
		metrics.RecordChainConflict()
		return schema.CertificationRecord{}, chainFork(fmt.Errorf("%w: chain %s head is %s, got previous hash %s", ErrChainFork, chainKey, headHash, previousHash))
	}

	payload, err := BuildPayload(session, result)
	if err != nil {
		return schema.CertificationRecord{}, err
	}
	record := schema.CertificationRecord{
		BlockID:       e.newID(),
		SessionID:     session.SessionID,
		ChainKey:      chainKey,
		SequenceIndex: sequence,
		PreviousHash:  headHash,
		Nonce:         e.newNonce(),
		CreatedAt:     e.now().UTC(),
		Payload:       payload,
	}
	record.Hash, err = ComputeHash(record)
	if err != nil {
		return schema.CertificationRecord{}, fmt.Errorf("hash record: %w", err)
	}
	record.Signature, err = e.signer.SignDigest(ctx, record.Hash)
	if err != nil {
		return schema.CertificationRecord{}, err
	}
	if err := e.store.Append(ctx, record); err != nil {
		if errors.Is(err, ledgerstore.ErrConflict) {
			metrics.RecordChainConflict()
			if existing, ok, lookupErr := e.store.BySession(ctx, session.SessionID); lookupErr == nil && ok {
				return existing, nil
			}
			return schema.CertificationRecord{}, chainFork(fmt.Errorf("%w: %v", ErrChainFork, err))
		}
		return schema.CertificationRecord{}, storeFailure(err)
	}

	metrics.RecordCertified(string(record.Signature.Method), time.Since(started))
	e.logger.Info().
		Str(log.FieldBlockID, record.BlockID).
		Str(log.FieldSessionID, record.SessionID).
		Str(log.FieldChainKey, record.ChainKey).
		Int64(log.FieldSequenceIndex, record.SequenceIndex).
		Str(log.FieldSigMethod, string(record.Signature.Method)).
		Bool("degraded", record.Signature.Degraded).
		Str(log.FieldStatus, string(record.Payload.Status)).
		Msg("certified session")
	return record, nil
}

// Certify reads the chain head and creates the record, retrying when another
// writer extends the chain first.
func (e *Engine) Certify(ctx context.Context, session schema.Session, result schema.ValidationResult) (schema.CertificationRecord, error) {
	var lastErr error
	for attempt := 0; attempt < e.retries; attempt++ {
		headHash, _, err := e.Head(ctx, ChainKey(session))
		if err != nil {
			return schema.CertificationRecord{}, err
		}
		record, err := e.Create(ctx, session, result, headHash)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, ErrChainFork) || !coreerrors.RetryableOf(err) {
			return schema.CertificationRecord{}, err
		}
		lastErr = err
		if err := ctx.Err(); err != nil {
			return schema.CertificationRecord{}, err
		}
	}
	return schema.CertificationRecord{}, lastErr
}

func (e *Engine) Record(ctx context.Context, blockID string) (schema.CertificationRecord, error) {
	record, ok, err := e.store.Get(ctx, blockID)
	if err != nil {
		return schema.CertificationRecord{}, storeFailure(err)
	}
	if !ok {
		return schema.CertificationRecord{}, coreerrors.NotFound(fmt.Errorf("%w: %s", ErrRecordNotFound, blockID), coreerrors.CodeRecordNotFound)
	}
	return record, nil
}

func (e *Engine) RecordForSession(ctx context.Context, sessionID string) (schema.CertificationRecord, bool, error) {
	record, ok, err := e.store.BySession(ctx, sessionID)
	if err != nil {
		return schema.CertificationRecord{}, false, storeFailure(err)
	}
	return record, ok, nil
}

func (e *Engine) Chain(ctx context.Context, chainKey string) ([]schema.CertificationRecord, error) {
	records, err := e.store.Chain(ctx, chainKey)
	if err != nil {
		return nil, storeFailure(err)
	}
	return records, nil
}

func chainFork(err error) error {
	return coreerrors.Contention(err, coreerrors.CodeChainForkAttempt, "re-read the chain head and retry")
}

func storeFailure(err error) error {
	return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, coreerrors.CodeStoreFailure, "check the ledger store", true)
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}
