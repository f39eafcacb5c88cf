package ledger

import (
	"bytes"
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	gocmp "github.com/google/go-cmp/cmp"

	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
	"github.com/davidahmann/attend/internal/log"
	"github.com/davidahmann/attend/internal/metrics"
)

var ErrEmptyMerkle = errors.New("merkle root requires at least one record")

type RecordVerification struct {
	BlockID string   `json:"block_id"`
	Valid   bool     `json:"valid"`
	Reasons []string `json:"reasons,omitempty"`
}

// VerifyRecord recomputes the record hash and checks the signature with the
// method recorded on it.
func (e *Engine) VerifyRecord(record schema.CertificationRecord) RecordVerification {
	out := RecordVerification{BlockID: record.BlockID}
	computed, err := ComputeHash(record)
	switch {
	case err != nil:
		out.Reasons = append(out.Reasons, fmt.Sprintf("hash recompute failed: %v", err))
	case computed != record.Hash:
		out.Reasons = append(out.Reasons, fmt.Sprintf("hash mismatch: stored %s, computed %s", record.Hash, computed))
	}
	if err := e.verifier.VerifyDigest(record.Signature, record.Hash); err != nil {
		out.Reasons = append(out.Reasons, fmt.Sprintf("signature (%s): %v", record.Signature.Method, err))
	}
	out.Valid = len(out.Reasons) == 0
	metrics.RecordVerification(metrics.KindRecord, out.Valid)
	return out
}

type ChainVerification struct {
	ChainKey string `json:"chain_key"`
	Valid    bool   `json:"valid"`
	Length   int    `json:"length"`
	// BrokenAt lists the position of every record that breaks the chain. It
	// is empty when the chain is intact.
	BrokenAt []int        `json:"broken_at"`
	Breaks   []ChainBreak `json:"breaks,omitempty"`
}

// ChainBreak explains why the record at Index breaks the chain.
type ChainBreak struct {
	Index   int      `json:"index"`
	BlockID string   `json:"block_id"`
	Reasons []string `json:"reasons"`
}

func (v *ChainVerification) addBreak(index int, blockID, reason string) {
	v.Valid = false
	if last := len(v.Breaks) - 1; last >= 0 && v.Breaks[last].Index == index {
		v.Breaks[last].Reasons = append(v.Breaks[last].Reasons, reason)
		return
	}
	v.BrokenAt = append(v.BrokenAt, index)
	v.Breaks = append(v.Breaks, ChainBreak{Index: index, BlockID: blockID, Reasons: []string{reason}})
}

// Reason joins the reasons of every break.
func (v ChainVerification) Reason() string {
	parts := make([]string, 0, len(v.Breaks))
	for _, brk := range v.Breaks {
		parts = append(parts, fmt.Sprintf("%d: %s", brk.Index, strings.Join(brk.Reasons, ", ")))
	}
	return strings.Join(parts, "; ")
}

// VerifyChain checks every record against its stored predecessor: linkage,
// contiguous sequence indexes and the record's own hash. It reports every
// break rather than stopping at the first. records must be in chain order.
func VerifyChain(records []schema.CertificationRecord) ChainVerification {
	out := ChainVerification{Valid: true, Length: len(records), BrokenAt: []int{}}
	if len(records) > 0 {
		out.ChainKey = records[0].ChainKey
	}
	for index, record := range records {
		if record.ChainKey != out.ChainKey {
			out.addBreak(index, record.BlockID, fmt.Sprintf("record belongs to chain %s", record.ChainKey))
		}
		expectedHash := schema.GenesisHash
		expectedIndex := int64(0)
		if index > 0 {
			expectedHash = records[index-1].Hash
			expectedIndex = records[index-1].SequenceIndex + 1
		}
		if record.SequenceIndex != expectedIndex {
			out.addBreak(index, record.BlockID, fmt.Sprintf("sequence index %d, expected %d", record.SequenceIndex, expectedIndex))
		}
		if record.PreviousHash != expectedHash {
			out.addBreak(index, record.BlockID, fmt.Sprintf("previous_hash %s does not match %s", record.PreviousHash, expectedHash))
		}
		computed, err := ComputeHash(record)
		if err != nil || computed != record.Hash {
			out.addBreak(index, record.BlockID, "hash does not match record contents")
		}
	}
	return out
}

// VerifyChain loads chainKey from the store, checks the chain and every
// record signature.
func (e *Engine) VerifyChain(ctx context.Context, chainKey string) (ChainVerification, error) {
	records, err := e.Chain(ctx, chainKey)
	if err != nil {
		return ChainVerification{}, err
	}
	structural := VerifyChain(records)
	out := ChainVerification{ChainKey: chainKey, Valid: true, Length: structural.Length, BrokenAt: []int{}}
	for index, record := range records {
		var reasons []string
		for len(structural.Breaks) > 0 && structural.Breaks[0].Index == index {
			reasons = append(reasons, structural.Breaks[0].Reasons...)
			structural.Breaks = structural.Breaks[1:]
		}
		if err := e.verifier.VerifyDigest(record.Signature, record.Hash); err != nil {
			reasons = append(reasons, fmt.Sprintf("signature: %v", err))
		}
		for _, reason := range reasons {
			out.addBreak(index, record.BlockID, reason)
		}
	}
	metrics.RecordVerification(metrics.KindChain, out.Valid)
	if !out.Valid {
		e.logger.Warn().Str(log.FieldChainKey, chainKey).Ints("broken_at", out.BrokenAt).Str("reason", out.Reason()).Msg("chain verification failed")
	}
	return out, nil
}

// MerkleRoot hashes record hashes pairwise, bottom up. Leaves are ordered by
// chain key, sequence index and block id, so the root does not depend on the
// order records are passed in. On an odd level the last hash is promoted
// unchanged.
func MerkleRoot(records []schema.CertificationRecord) (string, error) {
	if len(records) == 0 {
		return "", ErrEmptyMerkle
	}
	ordered := slices.Clone(records)
	slices.SortFunc(ordered, func(a, b schema.CertificationRecord) int {
		return cmp.Or(
			cmp.Compare(a.ChainKey, b.ChainKey),
			cmp.Compare(a.SequenceIndex, b.SequenceIndex),
			cmp.Compare(a.BlockID, b.BlockID),
		)
	})
	level := make([][]byte, 0, len(ordered))
	for _, record := range ordered {
		leaf, err := hex.DecodeString(record.Hash)
		if err != nil || len(leaf) != sha256.Size {
			return "", fmt.Errorf("record %s has invalid hash %q", record.BlockID, record.Hash)
		}
		level = append(level, leaf)
	}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			sum := sha256.Sum256(append(append(make([]byte, 0, 2*sha256.Size), level[i]...), level[i+1]...))
			next = append(next, sum[:])
		}
		level = next
	}
	return hex.EncodeToString(level[0]), nil
}

type Difference struct {
	Field  string `json:"field"`
	Stored string `json:"stored"`
	Fresh  string `json:"fresh"`
}

type TamperReport struct {
	BlockID     string       `json:"block_id"`
	Tampered    bool         `json:"tampered"`
	Differences []Difference `json:"differences"`
	Reasons     []string     `json:"reasons,omitempty"`
}

// DetectTampering rebuilds the payload from the session and validation result
// the record claims to certify and compares it field by field with the stored
// payload. It also verifies the record itself, so a consistent forgery of
// payload and hash is caught by the signature.
func (e *Engine) DetectTampering(stored schema.CertificationRecord, session schema.Session, result schema.ValidationResult) (TamperReport, error) {
	fresh, err := BuildPayload(session, result)
	if err != nil {
		return TamperReport{}, err
	}
	differences, err := diffPayloads(stored.Payload, fresh)
	if err != nil {
		return TamperReport{}, err
	}
	report := TamperReport{BlockID: stored.BlockID, Differences: differences}
	if stored.SessionID != session.SessionID {
		report.Reasons = append(report.Reasons, fmt.Sprintf("record certifies session %s, compared with %s", stored.SessionID, session.SessionID))
	}
	verification := e.VerifyRecord(stored)
	report.Reasons = append(report.Reasons, verification.Reasons...)
	report.Tampered = len(report.Differences) > 0 || len(report.Reasons) > 0
	metrics.RecordVerification(metrics.KindTamper, !report.Tampered)
	if report.Tampered {
		e.logger.Warn().
			Str(log.FieldBlockID, stored.BlockID).
			Str(log.FieldSessionID, stored.SessionID).
			Int("differences", len(report.Differences)).
			Strs(log.FieldReasons, report.Reasons).
			Msg("tampering detected")
		e.logger.Debug().Str(log.FieldBlockID, stored.BlockID).Msg(gocmp.Diff(stored.Payload, fresh))
	}
	return report, nil
}

func diffPayloads(stored, fresh schema.CertificationPayload) ([]Difference, error) {
	storedFields, err := flattenJSON(stored)
	if err != nil {
		return nil, err
	}
	freshFields, err := flattenJSON(fresh)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(storedFields)+len(freshFields))
	for key := range storedFields {
		keys = append(keys, key)
	}
	for key := range freshFields {
		if _, ok := storedFields[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	differences := make([]Difference, 0)
	for _, key := range keys {
		storedValue, inStored := storedFields[key]
		freshValue, inFresh := freshFields[key]
		if inStored && inFresh && gocmp.Equal(storedValue, freshValue) {
			continue
		}
		differences = append(differences, Difference{
			Field:  key,
			Stored: renderValue(storedValue, inStored),
			Fresh:  renderValue(freshValue, inFresh),
		})
	}
	return differences, nil
}

// flattenJSON maps every leaf of the JSON form of v to a dotted path such as
// "signals.sources[1]".
func flattenJSON(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return nil, err
	}
	out := map[string]any{}
	flattenInto(out, "", decoded)
	return out, nil
}

func flattenInto(out map[string]any, prefix string, value any) {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 && prefix != "" {
			out[prefix] = "{}"
			return
		}
		for key, child := range typed {
			path := key
			if prefix != "" {
				path = prefix + "." + key
			}
			flattenInto(out, path, child)
		}
	case []any:
		if len(typed) == 0 {
			out[prefix] = "[]"
			return
		}
		for index, child := range typed {
			flattenInto(out, prefix+"["+strconv.Itoa(index)+"]", child)
		}
	default:
		out[prefix] = typed
	}
}

func renderValue(value any, present bool) string {
	if !present {
		return "<absent>"
	}
	if value == nil {
		return "null"
	}
	return fmt.Sprint(value)
}
