package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"stratus-hq/saturn/pkg/money"
)

// SQLiteConfig contains configuration for the SQLite ledger backend.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// MaxOpenConns is the maximum number of open connections.
	// Default: 10
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	// Default: 5
	MaxIdleConns int

	// WALMode enables Write-Ahead Logging for better concurrency.
	// Default: true
	WALMode bool

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns the default SQLite ledger configuration.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:         "data/ledger.db",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		WALMode:      true,
		BusyTimeout:  5 * time.Second,
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	config *SQLiteConfig
	logger *slog.Logger
}

// NewSQLiteStorage creates a new SQLite ledger backend.
// It initializes the schema and enables WAL mode if configured.
func NewSQLiteStorage(config *SQLiteConfig) (*SQLiteStorage, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}

	logger := slog.Default().With("component", "ledger.sqlite")

	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, NewStorageError("sqlite", "open", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)

	s := &SQLiteStorage{
		db:     db,
		config: config,
		logger: logger,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite ledger initialized",
		"path", config.Path,
		"wal_mode", config.WALMode,
	)

	return s, nil
}

// initialize sets up the schema and pragmas.
func (s *SQLiteStorage) initialize() error {
	if s.config.WALMode {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return NewStorageError("sqlite", "enable_wal", err)
		}
	}

	busyTimeoutMs := s.config.BusyTimeout.Milliseconds()
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", busyTimeoutMs)); err != nil {
		return NewStorageError("sqlite", "set_busy_timeout", err)
	}

	if _, err := s.db.Exec(Schema); err != nil {
		return NewStorageError("sqlite", "create_schema", err)
	}
	if _, err := s.db.Exec(InsertSchemaVersion, SchemaVersion); err != nil {
		return NewStorageError("sqlite", "insert_schema_version", err)
	}

	var version int
	err := s.db.QueryRow(GetSchemaVersion).Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return NewStorageError("sqlite", "get_schema_version", err)
	}
	if version != SchemaVersion {
		return NewStorageError("sqlite", "schema_version_mismatch",
			fmt.Errorf("expected schema version %d, got %d", SchemaVersion, version))
	}

	return nil
}

// Append persists one call record.
func (s *SQLiteStorage) Append(ctx context.Context, record *CallRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (
			id, time, key_id, user_id, vendor_id, endpoint_id, provider_type,
			ok, status_code, latency_ms, error_type, source,
			cost_micros, prompt_tokens, completion_tokens
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Time.UnixNano(),
		record.KeyID,
		record.UserID,
		record.VendorID,
		record.EndpointID,
		record.ProviderType,
		boolToInt(record.OK),
		record.StatusCode,
		record.LatencyMS,
		record.ErrorType,
		string(record.Source),
		record.Cost.Micros(),
		record.PromptTokens,
		record.CompletionTokens,
	)
	if err != nil {
		return NewStorageError("sqlite", "append", err)
	}
	return nil
}

// SumCost returns the total settled cost for a subject in [from, to).
func (s *SQLiteStorage) SumCost(ctx context.Context, subjectKind, subjectID string, from, to time.Time) (money.Amount, error) {
	column, err := subjectColumn(subjectKind)
	if err != nil {
		return 0, NewStorageError("sqlite", "sum_cost", err)
	}

	var total sql.NullInt64
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT SUM(cost_micros) FROM calls
		WHERE %s = ? AND time >= ? AND time < ?`, column),
		subjectID, from.UnixNano(), to.UnixNano(),
	).Scan(&total)
	if err != nil {
		return 0, NewStorageError("sqlite", "sum_cost", err)
	}
	if !total.Valid {
		return 0, nil
	}
	return money.FromMicros(total.Int64), nil
}

// List retrieves call records matching the query filters.
func (s *SQLiteStorage) List(ctx context.Context, query *Query) ([]*CallRecord, error) {
	where, args := buildWhere(query)

	order := "DESC"
	if query != nil && strings.EqualFold(query.SortOrder, "asc") {
		order = "ASC"
	}

	sqlQuery := fmt.Sprintf(`
		SELECT id, time, key_id, user_id, vendor_id, endpoint_id, provider_type,
			ok, status_code, latency_ms, error_type, source,
			cost_micros, prompt_tokens, completion_tokens
		FROM calls %s ORDER BY time %s`, where, order)

	if query != nil && query.Limit > 0 {
		sqlQuery += fmt.Sprintf(" LIMIT %d", query.Limit)
		if query.Offset > 0 {
			sqlQuery += fmt.Sprintf(" OFFSET %d", query.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, NewStorageError("sqlite", "list", err)
	}
	defer rows.Close()

	var records []*CallRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, NewStorageError("sqlite", "list", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError("sqlite", "list", err)
	}
	return records, nil
}

// Count returns the number of records matching the query filters.
func (s *SQLiteStorage) Count(ctx context.Context, query *Query) (int64, error) {
	where, args := buildWhere(query)

	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM calls "+where, args...).Scan(&count)
	if err != nil {
		return 0, NewStorageError("sqlite", "count", err)
	}
	return count, nil
}

// DeleteBefore removes records older than cutoff.
func (s *SQLiteStorage) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM calls WHERE time < ?", cutoff.UnixNano())
	if err != nil {
		return 0, NewStorageError("sqlite", "delete_before", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, NewStorageError("sqlite", "delete_before", err)
	}
	return deleted, nil
}

// TrimToCount deletes the oldest records until at most max remain.
func (s *SQLiteStorage) TrimToCount(ctx context.Context, max int64) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM calls").Scan(&count); err != nil {
		return 0, NewStorageError("sqlite", "trim_to_count", err)
	}
	excess := count - max
	if excess <= 0 {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM calls WHERE id IN (
			SELECT id FROM calls ORDER BY time ASC LIMIT ?
		)`, excess)
	if err != nil {
		return 0, NewStorageError("sqlite", "trim_to_count", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, NewStorageError("sqlite", "trim_to_count", err)
	}
	return deleted, nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// buildWhere translates a Query into a WHERE clause and its arguments.
func buildWhere(query *Query) (string, []interface{}) {
	if query == nil {
		return "", nil
	}

	var clauses []string
	var args []interface{}

	if query.StartTime != nil {
		clauses = append(clauses, "time >= ?")
		args = append(args, query.StartTime.UnixNano())
	}
	if query.EndTime != nil {
		clauses = append(clauses, "time < ?")
		args = append(args, query.EndTime.UnixNano())
	}
	if query.KeyID != "" {
		clauses = append(clauses, "key_id = ?")
		args = append(args, query.KeyID)
	}
	if query.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, query.UserID)
	}
	if query.VendorID != "" {
		clauses = append(clauses, "vendor_id = ?")
		args = append(args, query.VendorID)
	}
	if query.EndpointID != "" {
		clauses = append(clauses, "endpoint_id = ?")
		args = append(args, query.EndpointID)
	}
	if query.ProviderType != "" {
		clauses = append(clauses, "provider_type = ?")
		args = append(args, query.ProviderType)
	}
	if query.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, string(query.Source))
	}
	if query.OK != nil {
		clauses = append(clauses, "ok = ?")
		args = append(args, boolToInt(*query.OK))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// scanRecord reads one row into a CallRecord.
func scanRecord(rows *sql.Rows) (*CallRecord, error) {
	var record CallRecord
	var timeNanos, costMicros int64
	var ok int
	var source string

	err := rows.Scan(
		&record.ID,
		&timeNanos,
		&record.KeyID,
		&record.UserID,
		&record.VendorID,
		&record.EndpointID,
		&record.ProviderType,
		&ok,
		&record.StatusCode,
		&record.LatencyMS,
		&record.ErrorType,
		&source,
		&costMicros,
		&record.PromptTokens,
		&record.CompletionTokens,
	)
	if err != nil {
		return nil, err
	}

	record.Time = time.Unix(0, timeNanos).UTC()
	record.OK = ok != 0
	record.Source = Source(source)
	record.Cost = money.FromMicros(costMicros)
	return &record, nil
}

// subjectColumn maps a subject kind to its attribution column.
func subjectColumn(kind string) (string, error) {
	switch kind {
	case SubjectKindKey:
		return "key_id", nil
	case SubjectKindUser:
		return "user_id", nil
	case SubjectKindEndpoint:
		return "endpoint_id", nil
	default:
		return "", fmt.Errorf("unknown subject kind %q", kind)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
