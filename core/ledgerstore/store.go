// Package ledgerstore persists certification records. Every backend enforces
// the chain invariant on append: a record must extend the current head of its
// chain, and a session is certified at most once.
package ledgerstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
)

var (
	// ErrConflict reports that the chain head moved or the session already has
	// a record. Callers re-read the head and retry.
	ErrConflict = errors.New("ledger append conflict")
	ErrInvalid  = errors.New("invalid ledger record")
)

type Store interface {
	// Append stores record if it extends the head of record.ChainKey.
	Append(ctx context.Context, record schema.CertificationRecord) error
	Head(ctx context.Context, chainKey string) (schema.CertificationRecord, bool, error)
	Get(ctx context.Context, blockID string) (schema.CertificationRecord, bool, error)
	BySession(ctx context.Context, sessionID string) (schema.CertificationRecord, bool, error)
	// Chain returns the records of chainKey ordered by sequence index.
	Chain(ctx context.Context, chainKey string) ([]schema.CertificationRecord, error)
	Close() error
}

func validateRecord(record schema.CertificationRecord) error {
	switch {
	case record.BlockID == "":
		return fmt.Errorf("%w: block_id is required", ErrInvalid)
	case record.SessionID == "":
		return fmt.Errorf("%w: session_id is required", ErrInvalid)
	case record.ChainKey == "":
		return fmt.Errorf("%w: chain_key is required", ErrInvalid)
	case record.Hash == "":
		return fmt.Errorf("%w: hash is required", ErrInvalid)
	case record.SequenceIndex < 0:
		return fmt.Errorf("%w: sequence_index must be >= 0", ErrInvalid)
	}
	return nil
}

// checkExtends verifies record is the successor of head.
func checkExtends(head *schema.CertificationRecord, record schema.CertificationRecord) error {
	if head == nil {
		if record.SequenceIndex != 0 || record.PreviousHash != schema.GenesisHash {
			return fmt.Errorf("%w: chain %s is empty; expected sequence 0 from genesis", ErrConflict, record.ChainKey)
		}
		return nil
	}
	if record.SequenceIndex != head.SequenceIndex+1 || record.PreviousHash != head.Hash {
		return fmt.Errorf("%w: chain %s head is %d", ErrConflict, record.ChainKey, head.SequenceIndex)
	}
	return nil
}

func sortBySequence(records []schema.CertificationRecord) {
	slices.SortStableFunc(records, func(a, b schema.CertificationRecord) int {
		return cmp.Compare(a.SequenceIndex, b.SequenceIndex)
	})
}
