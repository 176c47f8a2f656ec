package counter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteConfig contains configuration for the SQLite counter store.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5 seconds
	BusyTimeout time.Duration

	// SweepInterval is how often expired keys are purged.
	// Default: 1 minute
	SweepInterval time.Duration
}

// DefaultSQLiteConfig returns the default SQLite counter store configuration.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:          "data/counters.db",
		BusyTimeout:   5 * time.Second,
		SweepInterval: time.Minute,
	}
}

// counterSchema holds the live counters. Values are plain integers;
// expiry is tracked as a unix-nano deadline so reads can ignore stale
// rows before the sweeper removes them.
const counterSchema = `
CREATE TABLE IF NOT EXISTS counters (
	key        TEXT PRIMARY KEY,
	value      INTEGER NOT NULL,
	expires_at INTEGER
);
`

// SQLiteStore is a Store backed by a SQLite database via modernc.org/sqlite.
//
// It exists for multi-process single-host deployments where several
// gateway processes must share admission state. Atomicity of IncrCheck
// comes from running the increment and the ceiling check inside one
// immediate transaction.
type SQLiteStore struct {
	db     *sql.DB
	config *SQLiteConfig
	done   chan struct{}
	logger *slog.Logger
}

// NewSQLiteStore opens (and if needed creates) a SQLite-backed counter store.
func NewSQLiteStore(config *SQLiteConfig) (*SQLiteStore, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}

	logger := slog.Default().With("component", "counter.sqlite")

	dsn := fmt.Sprintf("%s?_txlock=immediate", config.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, NewStoreError("sqlite", "open", err)
	}

	// A single writer connection sidesteps SQLITE_BUSY between pooled
	// connections of the same process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, NewStoreError("sqlite", "enable_wal", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", config.BusyTimeout.Milliseconds())); err != nil {
		db.Close()
		return nil, NewStoreError("sqlite", "set_busy_timeout", err)
	}
	if _, err := db.Exec(counterSchema); err != nil {
		db.Close()
		return nil, NewStoreError("sqlite", "create_schema", err)
	}

	s := &SQLiteStore{
		db:     db,
		config: config,
		done:   make(chan struct{}),
		logger: logger,
	}

	go s.sweeper()

	logger.Info("SQLite counter store initialized", "path", config.Path)

	return s, nil
}

// sweeper purges expired rows in the background.
func (s *SQLiteStore) sweeper() {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			res, err := s.db.Exec(
				"DELETE FROM counters WHERE expires_at IS NOT NULL AND expires_at < ?",
				time.Now().UnixNano(),
			)
			if err != nil {
				s.logger.Warn("counter sweep failed", "error", err)
				continue
			}
			if n, _ := res.RowsAffected(); n > 0 {
				s.logger.Debug("swept expired counters", "deleted", n)
			}
		}
	}
}

// Incr atomically adds delta to the counter at key.
func (s *SQLiteStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO counters (key, value, expires_at) VALUES (?, ?, NULL)
		ON CONFLICT(key) DO UPDATE SET value = value + excluded.value
		RETURNING value`,
		key, delta,
	).Scan(&value)
	if err != nil {
		return 0, NewStoreError("sqlite", "incr", err)
	}
	return value, nil
}

// IncrCheck atomically adds delta but rolls back when the result would
// exceed ceiling. The increment and the check run in one immediate
// transaction, so two concurrent reservations can never both win the
// last slot.
func (s *SQLiteStore) IncrCheck(ctx context.Context, key string, delta, ceiling int64) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, NewStoreError("sqlite", "incr_check", err)
	}
	defer tx.Rollback()

	var value int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO counters (key, value, expires_at) VALUES (?, ?, NULL)
		ON CONFLICT(key) DO UPDATE SET value = value + excluded.value
		RETURNING value`,
		key, delta,
	).Scan(&value)
	if err != nil {
		return 0, false, NewStoreError("sqlite", "incr_check", err)
	}

	if value > ceiling {
		// Rollback undoes the increment; report the pre-increment value.
		return value - delta, false, nil
	}

	if err := tx.Commit(); err != nil {
		return 0, false, NewStoreError("sqlite", "incr_check", err)
	}
	return value, true, nil
}

// Get returns the value at key, treating expired rows as absent.
func (s *SQLiteStore) Get(ctx context.Context, key string) (int64, bool, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM counters
		WHERE key = ? AND (expires_at IS NULL OR expires_at >= ?)`,
		key, time.Now().UnixNano(),
	).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, NewStoreError("sqlite", "get", err)
	}
	return value, true, nil
}

// GetMulti returns the values for all existing keys.
func (s *SQLiteStore) GetMulti(ctx context.Context, keys []string) (map[string]int64, error) {
	if len(keys) == 0 {
		return map[string]int64{}, nil
	}

	placeholders := strings.Repeat("?,", len(keys))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, 0, len(keys)+1)
	for _, k := range keys {
		args = append(args, k)
	}
	args = append(args, time.Now().UnixNano())

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT key, value FROM counters
		WHERE key IN (%s) AND (expires_at IS NULL OR expires_at >= ?)`,
		placeholders,
	), args...)
	if err != nil {
		return nil, NewStoreError("sqlite", "get_multi", err)
	}
	defer rows.Close()

	result := make(map[string]int64, len(keys))
	for rows.Next() {
		var key string
		var value int64
		if err := rows.Scan(&key, &value); err != nil {
			return nil, NewStoreError("sqlite", "get_multi", err)
		}
		result[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreError("sqlite", "get_multi", err)
	}
	return result, nil
}

// Set unconditionally stores value at key.
func (s *SQLiteStore) Set(ctx context.Context, key string, value int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (key, value, expires_at) VALUES (?, ?, NULL)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = NULL`,
		key, value,
	)
	if err != nil {
		return NewStoreError("sqlite", "set", err)
	}
	return nil
}

// CompareAndSwap atomically replaces old with new at key.
// A missing key compares as zero.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, old, new int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, NewStoreError("sqlite", "cas", err)
	}
	defer tx.Rollback()

	var current int64
	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT value FROM counters
		WHERE key = ? AND (expires_at IS NULL OR expires_at >= ?)`,
		key, time.Now().UnixNano(),
	).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		current, exists = 0, false
	case err != nil:
		return false, NewStoreError("sqlite", "cas", err)
	default:
		exists = true
	}

	if current != old {
		return false, nil
	}

	if exists {
		_, err = tx.ExecContext(ctx, "UPDATE counters SET value = ? WHERE key = ?", new, key)
	} else {
		_, err = tx.ExecContext(ctx, "INSERT INTO counters (key, value, expires_at) VALUES (?, ?, NULL)", key, new)
	}
	if err != nil {
		return false, NewStoreError("sqlite", "cas", err)
	}

	if err := tx.Commit(); err != nil {
		return false, NewStoreError("sqlite", "cas", err)
	}
	return true, nil
}

// Delete removes the counter at key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM counters WHERE key = ?", key); err != nil {
		return NewStoreError("sqlite", "delete", err)
	}
	return nil
}

// Expire sets a TTL on an existing key.
func (s *SQLiteStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	deadline := time.Now().Add(ttl).UnixNano()
	if _, err := s.db.ExecContext(ctx, "UPDATE counters SET expires_at = ? WHERE key = ?", deadline, key); err != nil {
		return NewStoreError("sqlite", "expire", err)
	}
	return nil
}

// Close stops the sweeper and closes the database.
func (s *SQLiteStore) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.db.Close()
}
