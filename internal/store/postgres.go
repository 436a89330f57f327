package store

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/agentoven/brigade/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/postgres.sql
var postgresSchema string

// PostgresStore implements Store on PostgreSQL through a pgx pool. Several
// server processes may share one database; per-domain ordering across
// processes relies on the row-level upserts, within a process on the
// domain locks.
type PostgresStore struct {
	pool  *pgxpool.Pool
	locks domainLocks
}

// NewPostgresStore connects to PostgreSQL and runs the migration.
func NewPostgresStore(ctx context.Context, connString string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate learning store: %w", err)
	}

	log.Info().Int32("max_conns", cfg.MaxConns).Msg("PostgreSQL learning store initialized")
	return s, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Writes ──────────────────────────────────────────────────

func (s *PostgresStore) Record(ctx context.Context, rec *models.OperationRecord) error {
	if rec.Domain == "" {
		return persistErr(rec.Domain, errEmptyDomain)
	}
	mut := planRecord(rec)

	unlock := s.locks.lock(rec.Domain)
	defer unlock()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		exec := func(ctx context.Context, query string, args ...any) error {
			_, err := tx.Exec(ctx, rebind(query), args...)
			return err
		}
		return writeRecord(ctx, exec, rec, mut)
	})
	return persistErr(rec.Domain, err)
}

// ── Reads ───────────────────────────────────────────────────

func (s *PostgresStore) RecentOperations(ctx context.Context, domain string, limit int) ([]models.OperationRecord, error) {
	limit, err := ValidateLimit(limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, rebind(recentOperationsSQL), domain, limit)
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

func (s *PostgresStore) SuccessfulPatterns(ctx context.Context, domain string, limit int) ([]models.CodePattern, error) {
	limit, err := ValidateLimit(limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, rebind(successfulPatternsSQL), domain, limit)
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

func (s *PostgresStore) ErrorPatterns(ctx context.Context, domain string, limit int) ([]models.ErrorPattern, error) {
	limit, err := ValidateLimit(limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, rebind(errorPatternsSQL), domain, limit)
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

func (s *PostgresStore) ModelPerformance(ctx context.Context, domain string) ([]models.ModelPerformance, error) {
	rows, err := s.pool.Query(ctx, rebind(modelPerformanceSQL), domain)
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
