package ledgerstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver

	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
)

const sqliteSchemaVersion = 1

type SQLiteConfig struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 8,
	}
}

// SQLite stores records in a single table. UNIQUE(chain_key, sequence_index)
// and UNIQUE(session_id) turn racing appends into constraint failures.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string, cfg SQLiteConfig) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite ledger path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultSQLiteConfig().BusyTimeout
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = DefaultSQLiteConfig().MaxOpenConns
	}
	// _txlock=immediate takes the write lock at BEGIN so the head read and the
	// insert of one append cannot interleave with another writer.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}
	store := &SQLite{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger store: migration failed: %w", err)
	}
	return store, nil
}

func (s *SQLite) migrate() error {
	var currentVersion int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= sqliteSchemaVersion {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ddl := `
	CREATE TABLE IF NOT EXISTS certification_records (
		block_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE,
		chain_key TEXT NOT NULL,
		sequence_index INTEGER NOT NULL,
		previous_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		record_json TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,
		UNIQUE(chain_key, sequence_index)
	);
	`
	if _, err := tx.Exec(ddl); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) Append(ctx context.Context, record schema.CertificationRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var head *schema.CertificationRecord
	current, ok, err := scanOne(tx.QueryRowContext(ctx,
		`SELECT record_json FROM certification_records WHERE chain_key = ? ORDER BY sequence_index DESC LIMIT 1`, record.ChainKey))
	if err != nil {
		return err
	}
	if ok {
		head = &current
	}
	if err := checkExtends(head, record); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO certification_records (block_id, session_id, chain_key, sequence_index, previous_hash, hash, record_json, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.BlockID, record.SessionID, record.ChainKey, record.SequenceIndex, record.PreviousHash, record.Hash,
		string(encoded), record.CreatedAt.UnixMilli())
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	return nil
}

func (s *SQLite) Head(ctx context.Context, chainKey string) (schema.CertificationRecord, bool, error) {
	return scanOne(s.db.QueryRowContext(ctx,
		`SELECT record_json FROM certification_records WHERE chain_key = ? ORDER BY sequence_index DESC LIMIT 1`, chainKey))
}

func (s *SQLite) Get(ctx context.Context, blockID string) (schema.CertificationRecord, bool, error) {
	return scanOne(s.db.QueryRowContext(ctx,
		`SELECT record_json FROM certification_records WHERE block_id = ?`, blockID))
}

func (s *SQLite) BySession(ctx context.Context, sessionID string) (schema.CertificationRecord, bool, error) {
	return scanOne(s.db.QueryRowContext(ctx,
		`SELECT record_json FROM certification_records WHERE session_id = ?`, sessionID))
}

func (s *SQLite) Chain(ctx context.Context, chainKey string) ([]schema.CertificationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_json FROM certification_records WHERE chain_key = ? ORDER BY sequence_index ASC`, chainKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]schema.CertificationRecord, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		record, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// Exec runs a raw statement against the ledger database. Operators use it for
// maintenance; tests use it to tamper with stored rows.
func (s *SQLite) Exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func scanOne(row *sql.Row) (schema.CertificationRecord, bool, error) {
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return schema.CertificationRecord{}, false, nil
		}
		return schema.CertificationRecord{}, false, err
	}
	record, err := decodeRecord(raw)
	if err != nil {
		return schema.CertificationRecord{}, false, err
	}
	return record, true, nil
}

func decodeRecord(raw string) (schema.CertificationRecord, error) {
	var record schema.CertificationRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return schema.CertificationRecord{}, fmt.Errorf("decode ledger record: %w", err)
	}
	return record, nil
}

func isConstraintViolation(err error) bool {
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "constraint") || strings.Contains(message, "database is locked")
}
