package ledgerstore

import (
	"context"
	"fmt"
	"sync"

	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
)

type Memory struct {
	mu        sync.RWMutex
	records   map[string]schema.CertificationRecord
	chains    map[string][]string
	bySession map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		records:   map[string]schema.CertificationRecord{},
		chains:    map[string][]string{},
		bySession: map[string]string{},
	}
}

func (m *Memory) Append(_ context.Context, record schema.CertificationRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.bySession[record.SessionID]; exists {
		return fmt.Errorf("%w: session %s already certified", ErrConflict, record.SessionID)
	}
	if _, exists := m.records[record.BlockID]; exists {
		return fmt.Errorf("%w: block %s exists", ErrConflict, record.BlockID)
	}
	var head *schema.CertificationRecord
	if ids := m.chains[record.ChainKey]; len(ids) > 0 {
		current := m.records[ids[len(ids)-1]]
		head = &current
	}
	if err := checkExtends(head, record); err != nil {
		return err
	}
	m.records[record.BlockID] = record
	m.chains[record.ChainKey] = append(m.chains[record.ChainKey], record.BlockID)
	m.bySession[record.SessionID] = record.BlockID
	return nil
}

func (m *Memory) Head(_ context.Context, chainKey string) (schema.CertificationRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.chains[chainKey]
	if len(ids) == 0 {
		return schema.CertificationRecord{}, false, nil
	}
	return m.records[ids[len(ids)-1]], true, nil
}

func (m *Memory) Get(_ context.Context, blockID string) (schema.CertificationRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[blockID]
	return record, ok, nil
}

func (m *Memory) BySession(_ context.Context, sessionID string) (schema.CertificationRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blockID, ok := m.bySession[sessionID]
	if !ok {
		return schema.CertificationRecord{}, false, nil
	}
	return m.records[blockID], true, nil
}

func (m *Memory) Chain(_ context.Context, chainKey string) ([]schema.CertificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.chains[chainKey]
	out := make([]schema.CertificationRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.records[id])
	}
	return out, nil
}

// Replace overwrites a stored record in place. It exists so tests and
// operators can simulate storage-level tampering; it bypasses every check.
func (m *Memory) Replace(record schema.CertificationRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.BlockID] = record
}

func (m *Memory) Close() error {
	return nil
}
