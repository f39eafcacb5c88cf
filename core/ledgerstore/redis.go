package ledgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
)

const defaultRedisPrefix = "attend:ledger"

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis keeps records as JSON strings, one list of block ids per chain and a
// session index. Appends run inside WATCH on the chain list and the session
// key, so a concurrent append aborts the transaction.
type Redis struct {
	client *redis.Client
	prefix string
}

func OpenRedis(cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedis(client, cfg.Prefix), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string) *Redis {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) recordKey(blockID string) string {
	return r.prefix + ":record:" + blockID
}

func (r *Redis) chainKey(chainKey string) string {
	return r.prefix + ":chain:" + chainKey
}

func (r *Redis) sessionKey(sessionID string) string {
	return r.prefix + ":session:" + sessionID
}

func (r *Redis) Append(ctx context.Context, record schema.CertificationRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	chainKey := r.chainKey(record.ChainKey)
	sessionKey := r.sessionKey(record.SessionID)
	recordKey := r.recordKey(record.BlockID)

	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, sessionKey, recordKey).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("%w: session %s or block %s already stored", ErrConflict, record.SessionID, record.BlockID)
		}
		var head *schema.CertificationRecord
		headID, err := tx.LIndex(ctx, chainKey, -1).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			current, ok, err := r.load(ctx, tx, headID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("ledger chain %s references missing block %s", record.ChainKey, headID)
			}
			head = &current
		}
		if err := checkExtends(head, record); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey, encoded, 0)
			pipe.RPush(ctx, chainKey, record.BlockID)
			pipe.Set(ctx, sessionKey, record.BlockID, 0)
			return nil
		})
		return err
	}
	err = r.client.Watch(ctx, txf, chainKey, sessionKey)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: concurrent append to chain %s", ErrConflict, record.ChainKey)
	}
	return err
}

func (r *Redis) Head(ctx context.Context, chainKey string) (schema.CertificationRecord, bool, error) {
	headID, err := r.client.LIndex(ctx, r.chainKey(chainKey), -1).Result()
	if errors.Is(err, redis.Nil) {
		return schema.CertificationRecord{}, false, nil
	}
	if err != nil {
		return schema.CertificationRecord{}, false, err
	}
	return r.load(ctx, r.client, headID)
}

func (r *Redis) Get(ctx context.Context, blockID string) (schema.CertificationRecord, bool, error) {
	return r.load(ctx, r.client, blockID)
}

func (r *Redis) BySession(ctx context.Context, sessionID string) (schema.CertificationRecord, bool, error) {
	blockID, err := r.client.Get(ctx, r.sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return schema.CertificationRecord{}, false, nil
	}
	if err != nil {
		return schema.CertificationRecord{}, false, err
	}
	return r.load(ctx, r.client, blockID)
}

func (r *Redis) Chain(ctx context.Context, chainKey string) ([]schema.CertificationRecord, error) {
	ids, err := r.client.LRange(ctx, r.chainKey(chainKey), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]schema.CertificationRecord, 0, len(ids))
	for _, id := range ids {
		record, ok, err := r.load(ctx, r.client, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("ledger chain %s references missing block %s", chainKey, id)
		}
		out = append(out, record)
	}
	sortBySequence(out)
	return out, nil
}

// Overwrite replaces the stored JSON of a record without any checks. Tests
// use it to simulate tampering at rest.
func (r *Redis) Overwrite(ctx context.Context, record schema.CertificationRecord) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.recordKey(record.BlockID), encoded, 0).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) load(ctx context.Context, client redis.Cmdable, blockID string) (schema.CertificationRecord, bool, error) {
	raw, err := client.Get(ctx, r.recordKey(blockID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return schema.CertificationRecord{}, false, nil
	}
	if err != nil {
		return schema.CertificationRecord{}, false, err
	}
	record, err := decodeRecord(string(raw))
	if err != nil {
		return schema.CertificationRecord{}, false, err
	}
	return record, true, nil
}
