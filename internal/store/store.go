// Package store provides the learning store: operation records and the
// aggregates derived from them (model performance, code patterns, error
// patterns), partitioned by domain.
//
// Three backends share one contract: MemoryStore (tests, local dev),
// SQLiteStore (default, embedded), and PostgresStore (shared deployments).
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/agentoven/brigade/internal/config"
	"github.com/agentoven/brigade/internal/metrics"
	"github.com/agentoven/brigade/pkg/models"
)

// MaxLimit caps every read so a query can never scan a whole partition.
const MaxLimit = 500

var (
	// ErrInvalidLimit is returned for a non-positive limit.
	ErrInvalidLimit = errors.New("limit must be a positive integer")

	// ErrPersistence marks failed writes. Match with errors.Is.
	ErrPersistence = errors.New("persistence error")

	errEmptyDomain = errors.New("record has no domain")
)

// Store is the learning store contract.
//
// Record appends one OperationRecord and applies every aggregate update it
// implies in a single atomic step. Writes for the same domain are
// serialized; writes for different domains may proceed concurrently.
type Store interface {
	Record(ctx context.Context, rec *models.OperationRecord) error

	// RecentOperations returns records newest first.
	RecentOperations(ctx context.Context, domain string, limit int) ([]models.OperationRecord, error)

	// SuccessfulPatterns returns patterns by success rate, then usage.
	SuccessfulPatterns(ctx context.Context, domain string, limit int) ([]models.CodePattern, error)

	// ErrorPatterns returns error patterns by occurrence, then recency.
	ErrorPatterns(ctx context.Context, domain string, limit int) ([]models.ErrorPattern, error)

	// ModelPerformance returns one row per model used in the domain, by
	// success rate.
	ModelPerformance(ctx context.Context, domain string) ([]models.ModelPerformance, error)

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates the schema if it does not exist.
	Migrate(ctx context.Context) error
}

// PersistenceError wraps a failed write so callers can tell it apart from
// generation or execution failures.
type PersistenceError struct {
	Domain string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s record: %v", e.Domain, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

func persistErr(domain string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Domain: domain, Err: err}
}

// ValidateLimit rejects non-positive limits and caps the rest at MaxLimit.
func ValidateLimit(limit int) (int, error) {
	if limit <= 0 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}
	if limit > MaxLimit {
		return MaxLimit, nil
	}
	return limit, nil
}

// Open builds the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(cfg.DataDir), nil
	case "", "sqlite":
		if cfg.DataDir == "" {
			return NewSQLiteStore(ctx, ":memory:")
		}
		return NewSQLiteStore(ctx, filepath.Join(cfg.DataDir, "learning.db"))
	case "postgres":
		return NewPostgresStore(ctx, cfg.URL, cfg.MaxConnections)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// ── Domain Scope ────────────────────────────────────────────

// DomainStore is the slice of a Store that belongs to one domain. It holds a
// reference to the shared store, never a copy.
type DomainStore struct {
	store  Store
	domain string
}

// Scoped returns the domain's view of s.
func Scoped(s Store, domain string) *DomainStore {
	return &DomainStore{store: s, domain: domain}
}

func (d *DomainStore) Domain() string { return d.domain }

// Record writes rec under this domain. A record tagged with another domain
// is rejected.
func (d *DomainStore) Record(ctx context.Context, rec *models.OperationRecord) error {
	if rec.Domain == "" {
		rec.Domain = d.domain
	}
	if rec.Domain != d.domain {
		return persistErr(d.domain, fmt.Errorf("record belongs to domain %q", rec.Domain))
	}
	err := d.store.Record(ctx, rec)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.Get().StoreWrites.WithLabelValues(d.domain, outcome).Inc()
	return err
}

func (d *DomainStore) RecentOperations(ctx context.Context, limit int) ([]models.OperationRecord, error) {
	return d.store.RecentOperations(ctx, d.domain, limit)
}

func (d *DomainStore) SuccessfulPatterns(ctx context.Context, limit int) ([]models.CodePattern, error) {
	return d.store.SuccessfulPatterns(ctx, d.domain, limit)
}

func (d *DomainStore) ErrorPatterns(ctx context.Context, limit int) ([]models.ErrorPattern, error) {
	return d.store.ErrorPatterns(ctx, d.domain, limit)
}

func (d *DomainStore) ModelPerformance(ctx context.Context) ([]models.ModelPerformance, error) {
	return d.store.ModelPerformance(ctx, d.domain)
}

// ── Per-domain Write Locks ──────────────────────────────────

// domainLocks hands out one mutex per domain.
type domainLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *domainLocks) lock(domain string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[domain]
	if !ok {
		m = &sync.Mutex{}
		l.locks[domain] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
