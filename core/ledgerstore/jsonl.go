package ledgerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/davidahmann/attend/core/fsx"
	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
)

// JSONL keeps one record per line in an append-only file. The sidecar file
// lock makes the head check and the append a single step across processes.
type JSONL struct {
	path string
}

func NewJSONL(path string) (*JSONL, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	return &JSONL{path: trimmed}, nil
}

func (j *JSONL) Append(ctx context.Context, record schema.CertificationRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	return fsx.WithFileLock(j.path, func(cleanPath string) error {
		var head *schema.CertificationRecord
		err := scanRecords(ctx, cleanPath, func(existing schema.CertificationRecord) error {
			if existing.SessionID == record.SessionID {
				return fmt.Errorf("%w: session %s already certified", ErrConflict, record.SessionID)
			}
			if existing.BlockID == record.BlockID {
				return fmt.Errorf("%w: block %s exists", ErrConflict, record.BlockID)
			}
			if existing.ChainKey == record.ChainKey && (head == nil || existing.SequenceIndex > head.SequenceIndex) {
				current := existing
				head = &current
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := checkExtends(head, record); err != nil {
			return err
		}
		return fsx.AppendLineUnlocked(cleanPath, encoded, 0o600)
	})
}

func (j *JSONL) Head(ctx context.Context, chainKey string) (schema.CertificationRecord, bool, error) {
	chain, err := j.Chain(ctx, chainKey)
	if err != nil || len(chain) == 0 {
		return schema.CertificationRecord{}, false, err
	}
	return chain[len(chain)-1], true, nil
}

func (j *JSONL) Get(ctx context.Context, blockID string) (schema.CertificationRecord, bool, error) {
	return j.find(ctx, func(record schema.CertificationRecord) bool { return record.BlockID == blockID })
}

func (j *JSONL) BySession(ctx context.Context, sessionID string) (schema.CertificationRecord, bool, error) {
	return j.find(ctx, func(record schema.CertificationRecord) bool { return record.SessionID == sessionID })
}

func (j *JSONL) Chain(ctx context.Context, chainKey string) ([]schema.CertificationRecord, error) {
	out := make([]schema.CertificationRecord, 0)
	err := j.scan(ctx, func(record schema.CertificationRecord) error {
		if record.ChainKey == chainKey {
			out = append(out, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortBySequence(out)
	return out, nil
}

func (j *JSONL) Close() error {
	return nil
}

func (j *JSONL) find(ctx context.Context, match func(schema.CertificationRecord) bool) (schema.CertificationRecord, bool, error) {
	var found schema.CertificationRecord
	var ok bool
	err := j.scan(ctx, func(record schema.CertificationRecord) error {
		if !ok && match(record) {
			found = record
			ok = true
		}
		return nil
	})
	return found, ok, err
}

func (j *JSONL) scan(ctx context.Context, fn func(schema.CertificationRecord) error) error {
	return fsx.WithFileLock(j.path, func(cleanPath string) error {
		return scanRecords(ctx, cleanPath, fn)
	})
}

func scanRecords(ctx context.Context, path string, fn func(schema.CertificationRecord) error) error {
	return fsx.ReadLines(path, func(lineNo int, raw []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var record schema.CertificationRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("ledger parse line %d: %w", lineNo, err)
		}
		return fn(record)
	})
}
