package ledgerstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{name: "memory", open: func(t *testing.T) Store { return NewMemory() }},
		{name: "jsonl", open: func(t *testing.T) Store {
			store, err := NewJSONL(filepath.Join(t.TempDir(), "ledger.jsonl"))
			require.NoError(t, err)
			return store
		}},
		{name: "sqlite", open: func(t *testing.T) Store {
			store, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"), DefaultSQLiteConfig())
			require.NoError(t, err)
			return store
		}},
		{name: "redis", open: func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			return NewRedis(client, "test")
		}},
	}
}

func record(chainKey string, index int64, previous string) schema.CertificationRecord {
	return schema.CertificationRecord{
		BlockID:       fmt.Sprintf("%s-block-%d", chainKey, index),
		SessionID:     fmt.Sprintf("%s-session-%d", chainKey, index),
		ChainKey:      chainKey,
		SequenceIndex: index,
		PreviousHash:  previous,
		Hash:          fmt.Sprintf("%064x", index+1),
		Nonce:         "nonce",
		CreatedAt:     time.Date(2026, 3, 2, 18, 0, 0, int(index), time.UTC),
		Payload:       schema.CertificationPayload{ParticipantID: "p", Status: schema.StatusPassed},
		Signature:     schema.Signature{Method: schema.MethodHMACSHA256, KeyID: "hmac:test", Sig: "c2ln", SignedDigest: fmt.Sprintf("%064x", index+1)},
	}
}

func TestStoreAppendAndRead(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			store := b.open(t)
			t.Cleanup(func() { _ = store.Close() })

			_, ok, err := store.Head(ctx, "chain-a")
			require.NoError(t, err)
			assert.False(t, ok)

			first := record("chain-a", 0, schema.GenesisHash)
			require.NoError(t, store.Append(ctx, first))
			second := record("chain-a", 1, first.Hash)
			require.NoError(t, store.Append(ctx, second))
			require.NoError(t, store.Append(ctx, record("chain-b", 0, schema.GenesisHash)))

			head, ok, err := store.Head(ctx, "chain-a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, second.BlockID, head.BlockID)

			got, ok, err := store.Get(ctx, first.BlockID)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, first.Hash, got.Hash)
			assert.True(t, first.CreatedAt.Equal(got.CreatedAt))

			bySession, ok, err := store.BySession(ctx, second.SessionID)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, second.BlockID, bySession.BlockID)

			chain, err := store.Chain(ctx, "chain-a")
			require.NoError(t, err)
			require.Len(t, chain, 2)
			assert.Equal(t, int64(0), chain[0].SequenceIndex)
			assert.Equal(t, int64(1), chain[1].SequenceIndex)

			_, ok, err = store.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreRejectsForks(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			store := b.open(t)
			t.Cleanup(func() { _ = store.Close() })

			assert.ErrorIs(t, store.Append(ctx, record("chain-a", 1, schema.GenesisHash)), ErrConflict)
			assert.ErrorIs(t, store.Append(ctx, record("chain-a", 0, "ff")), ErrConflict)

			first := record("chain-a", 0, schema.GenesisHash)
			require.NoError(t, store.Append(ctx, first))

			sibling := record("chain-a", 0, schema.GenesisHash)
			sibling.BlockID = "sibling"
			sibling.SessionID = "sibling-session"
			assert.ErrorIs(t, store.Append(ctx, sibling), ErrConflict)

			stale := record("chain-a", 1, schema.GenesisHash)
			assert.ErrorIs(t, store.Append(ctx, stale), ErrConflict)

			again := record("chain-a", 1, first.Hash)
			again.SessionID = first.SessionID
			assert.ErrorIs(t, store.Append(ctx, again), ErrConflict)

			invalid := record("chain-a", 1, first.Hash)
			invalid.BlockID = ""
			assert.ErrorIs(t, store.Append(ctx, invalid), ErrInvalid)
		})
	}
}

func TestStoreConcurrentAppendsNeverFork(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			store := b.open(t)
			t.Cleanup(func() { _ = store.Close() })

			const writers = 8
			var wg sync.WaitGroup
			var mu sync.Mutex
			var accepted int
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					candidate := record("chain-c", 0, schema.GenesisHash)
					candidate.BlockID = fmt.Sprintf("racer-%d", i)
					candidate.SessionID = fmt.Sprintf("racer-session-%d", i)
					if err := store.Append(ctx, candidate); err == nil {
						mu.Lock()
						accepted++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, 1, accepted)
			chain, err := store.Chain(ctx, "chain-c")
			require.NoError(t, err)
			assert.Len(t, chain, 1)
		})
	}
}

func TestMemoryReplaceBypassesChecks(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	first := record("chain-a", 0, schema.GenesisHash)
	require.NoError(t, store.Append(ctx, first))
	first.Payload.TotalMinutes = 99
	store.Replace(first)
	got, ok, err := store.Get(ctx, first.BlockID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 99, got.Payload.TotalMinutes)
}

func TestSQLiteExecTampersRow(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"), SQLiteConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	first := record("chain-a", 0, schema.GenesisHash)
	require.NoError(t, store.Append(ctx, first))
	require.NoError(t, store.Exec(ctx, `UPDATE certification_records SET record_json = json_set(record_json, '$.payload.total_minutes', 99) WHERE block_id = ?`, first.BlockID))
	got, ok, err := store.Get(ctx, first.BlockID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 99, got.Payload.TotalMinutes)
}

func TestRedisOverwrite(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	t.Cleanup(func() { _ = store.Close() })
	first := record("chain-a", 0, schema.GenesisHash)
	require.NoError(t, store.Append(ctx, first))
	assert.True(t, mr.Exists("attend:ledger:record:"+first.BlockID))

	first.Payload.Status = schema.StatusFailed
	require.NoError(t, store.Overwrite(ctx, first))
	got, ok, err := store.Get(ctx, first.BlockID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, schema.StatusFailed, got.Payload.Status)
}

func TestNewJSONLRequiresPath(t *testing.T) {
	_, err := NewJSONL("  ")
	assert.Error(t, err)
	_, err = OpenSQLite("", SQLiteConfig{})
	assert.Error(t, err)
}
