package localfirst

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore is a KeyValueStore persisted in a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	quota  int64
	logger *zap.Logger
}

// SQLiteStoreOption configures a SQLiteStore.
type SQLiteStoreOption func(*SQLiteStore)

// WithSQLiteQuota limits the total bytes (keys plus values) stored.
// Zero means unlimited.
func WithSQLiteQuota(bytes int64) SQLiteStoreOption {
	return func(s *SQLiteStore) { s.quota = bytes }
}

// WithSQLiteLogger sets the logger used for store diagnostics.
func WithSQLiteLogger(logger *zap.Logger) SQLiteStoreOption {
	return func(s *SQLiteStore) { s.logger = logger }
}

// OpenSQLiteStore opens (creating if needed) the database at path.
// Use ":memory:" for a throwaway store.
func OpenSQLiteStore(ctx context.Context, path string, opts ...SQLiteStoreOption) (*SQLiteStore, error) {
	s := &SQLiteStore{path: path, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		s.logger.Debug("failed to set busy_timeout", zap.Error(err))
	}
	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			s.logger.Debug("failed to set journal_mode=WAL", zap.Error(err))
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s.db = db
	s.logger.Debug("sqlite store opened", zap.String("path", path), zap.Int64("quota", s.quota))
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	defer tx.Rollback()

	if s.quota > 0 {
		var total, existing int64
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(SUM(LENGTH(CAST(key AS BLOB)) + LENGTH(value)), 0) FROM kv").Scan(&total); err != nil {
			return fmt.Errorf("set %q: %w", key, err)
		}
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(SUM(LENGTH(CAST(key AS BLOB)) + LENGTH(value)), 0) FROM kv WHERE key = ?", key).Scan(&existing); err != nil {
			return fmt.Errorf("set %q: %w", key, err)
		}
		next := total - existing + int64(len(key)+len(value))
		if next > s.quota {
			return QuotaExceeded(key, next, s.quota)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		if isSQLiteFull(err) {
			return QuotaExceeded(key, int64(len(key)+len(value)), s.quota)
		}
		return fmt.Errorf("set %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		if isSQLiteFull(err) {
			return QuotaExceeded(key, int64(len(key)+len(value)), s.quota)
		}
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv"); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM kv WHERE substr(CAST(key AS BLOB), 1, ?) = CAST(? AS BLOB) ORDER BY key", len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("keys: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func isSQLiteFull(err error) bool {
	var se *sqlite.Error
	return stderrors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_FULL
}
