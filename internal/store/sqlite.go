package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentoven/brigade/pkg/models"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/sqlite.sql
var sqliteSchema string

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	locks domainLocks
}

// NewSQLiteStore opens (or creates) the database at path and runs the
// migration. Use ":memory:" for a throwaway database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite works best with a single writer; this also keeps an in-memory
	// database on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, path: path}
	if err := s.initPragmas(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize pragmas: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.Info().Str("path", path).Msg("SQLite learning store initialized")
	return s, nil
}

func (s *SQLiteStore) initPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// ── Writes ──────────────────────────────────────────────────

func (s *SQLiteStore) Record(ctx context.Context, rec *models.OperationRecord) error {
	if rec.Domain == "" {
		return persistErr(rec.Domain, errEmptyDomain)
	}
	mut := planRecord(rec)

	unlock := s.locks.lock(rec.Domain)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr(rec.Domain, fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	exec := func(ctx context.Context, query string, args ...any) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	}
	if err := writeRecord(ctx, exec, rec, mut); err != nil {
		return persistErr(rec.Domain, err)
	}
	if err := tx.Commit(); err != nil {
		return persistErr(rec.Domain, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// ── Reads ───────────────────────────────────────────────────

func (s *SQLiteStore) RecentOperations(ctx context.Context, domain string, limit int) ([]models.OperationRecord, error) {
	limit, err := ValidateLimit(limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, recentOperationsSQL, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	out := []models.OperationRecord{}
	for rows.Next() {
		rec, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SuccessfulPatterns(ctx context.Context, domain string, limit int) ([]models.CodePattern, error) {
	limit, err := ValidateLimit(limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, successfulPatternsSQL, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}
	defer rows.Close()

	out := []models.CodePattern{}
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ErrorPatterns(ctx context.Context, domain string, limit int) ([]models.ErrorPattern, error) {
	limit, err := ValidateLimit(limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, errorPatternsSQL, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("query error patterns: %w", err)
	}
	defer rows.Close()

	out := []models.ErrorPattern{}
	for rows.Next() {
		e, err := scanErrorPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error pattern: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ModelPerformance(ctx context.Context, domain string) ([]models.ModelPerformance, error) {
	rows, err := s.db.QueryContext(ctx, modelPerformanceSQL, domain)
	if err != nil {
		return nil, fmt.Errorf("query model performance: %w", err)
	}
	defer rows.Close()

	out := []models.ModelPerformance{}
	for rows.Next() {
		p, err := scanPerformance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model performance: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortPerformance(out)
	return out, nil
}
