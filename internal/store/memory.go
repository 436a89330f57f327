// In-memory Store implementation with a debounced JSON snapshot.
// Used for tests and local runs without a database. When a data directory is
// given the contents are snapshotted to JSON so they survive restarts.

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/brigade/pkg/models"
	"github.com/rs/zerolog/log"
)

// partition holds one domain's data. Its mutex serializes writes for the
// domain and keeps readers from seeing a record without its aggregates.
type partition struct {
	mu          sync.RWMutex
	Operations  []*models.OperationRecord           `json:"operations"`
	Performance map[string]*models.ModelPerformance `json:"performance"` // key: model
	Patterns    map[string]*models.CodePattern      `json:"patterns"`    // key: signature
	Errors      map[string]*models.ErrorPattern     `json:"errors"`      // key: signature
}

func newPartition() *partition {
	return &partition{
		Performance: make(map[string]*models.ModelPerformance),
		Patterns:    make(map[string]*models.CodePattern),
		Errors:      make(map[string]*models.ErrorPattern),
	}
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu      sync.RWMutex // guards the partitions map only
	domains map[string]*partition

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store. If dataDir is non-empty,
// data is persisted to dataDir/learning.json.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		domains: make(map[string]*partition),
		saveCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "learning.json")
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory learning store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-m.doneCh:
				return // Close writes the final snapshot
			case <-time.After(500 * time.Millisecond):
			}
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	names := make([]string, 0, len(m.domains))
	for name := range m.domains {
		names = append(names, name)
	}
	snap := make(map[string]json.RawMessage, len(names))
	for _, name := range names {
		p := m.domains[name]
		p.mu.RLock()
		data, err := json.Marshal(p)
		p.mu.RUnlock()
		if err != nil {
			m.mu.RUnlock()
			log.Error().Err(err).Str("domain", name).Msg("Failed to marshal snapshot")
			return
		}
		snap[name] = data
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap map[string]*partition
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for name, p := range snap {
		fresh := newPartition()
		fresh.Operations = p.Operations
		for k, v := range p.Performance {
			fresh.Performance[k] = v
		}
		for k, v := range p.Patterns {
			fresh.Patterns[k] = v
		}
		for k, v := range p.Errors {
			fresh.Errors[k] = v
		}
		m.domains[name] = fresh
		total += len(p.Operations)
	}
	log.Info().
		Int("domains", len(snap)).
		Int("operations", total).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}
	log.Info().Msg("Memory learning store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

func (m *MemoryStore) lookup(domain string, create bool) *partition {
	m.mu.RLock()
	p, ok := m.domains[domain]
	m.mu.RUnlock()
	if ok || !create {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok = m.domains[domain]; !ok {
		p = newPartition()
		m.domains[domain] = p
	}
	return p
}

// ── Writes ──────────────────────────────────────────────────

func (m *MemoryStore) Record(_ context.Context, rec *models.OperationRecord) error {
	if rec.Domain == "" {
		return persistErr(rec.Domain, errEmptyDomain)
	}
	mut := planRecord(rec)
	cp := *rec

	p := m.lookup(rec.Domain, true)
	p.mu.Lock()
	p.Operations = append(p.Operations, &cp)
	p.applyPerformance(mut)
	p.applyPattern(mut)
	p.applyErrors(mut)
	p.mu.Unlock()

	m.requestSave()
	return nil
}

func (p *partition) applyPerformance(mut mutation) {
	d := mut.perf
	row, ok := p.Performance[d.model]
	if !ok {
		row = &models.ModelPerformance{Domain: mut.domain, Model: d.model}
		p.Performance[d.model] = row
	}
	row.TotalRequests++
	if d.success {
		row.SuccessfulRequests++
	} else {
		row.FailedRequests++
	}
	if d.timeout {
		row.TimeoutCount++
	}
	row.TotalGenerationMs += d.genMs
	row.TotalPayloadLength += d.payloadLen
	row.LastUpdated = mut.at
}

func (p *partition) applyPattern(mut mutation) {
	d := mut.pattern
	if d == nil {
		return
	}
	row, ok := p.Patterns[d.signature]
	if !d.success {
		if ok {
			row.FailureCount++
			row.LastSeen = mut.at
		}
		return
	}
	if !ok {
		row = &models.CodePattern{
			Signature:      d.signature,
			Domain:         mut.domain,
			PatternType:    d.patternType,
			PayloadSnippet: d.snippet,
			Context:        d.context,
			FirstSeen:      mut.at,
		}
		p.Patterns[d.signature] = row
	}
	row.UsageCount++
	row.SuccessCount++
	row.LastModel = d.model
	row.LastSeen = mut.at
}

func (p *partition) applyErrors(mut mutation) {
	for _, d := range mut.errors {
		row, ok := p.Errors[d.signature]
		if !ok {
			row = &models.ErrorPattern{
				Signature:        d.signature,
				Domain:           mut.domain,
				ErrorType:        d.errorType,
				MessageSignature: d.messageSig,
				Context:          d.context,
				FirstSeen:        mut.at,
			}
			p.Errors[d.signature] = row
		}
		row.OccurrenceCount++
		row.Model = d.model
		row.LastSeen = mut.at
		if d.fix != nil {
			fix := *d.fix
			row.FixApplied = &fix
		}
	}
}

// ── Reads ───────────────────────────────────────────────────

func (m *MemoryStore) RecentOperations(_ context.Context, domain string, limit int) ([]models.OperationRecord, error) {
	limit, err := ValidateLimit(limit)
	if err != nil {
		return nil, err
	}
	p := m.lookup(domain, false)
	if p == nil {
		return []models.OperationRecord{}, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	// Operations are appended in write order; walk backwards and re-sort by
	// completion time in case callers recorded out of order.
	out := make([]models.OperationRecord, 0, min(limit, len(p.Operations)))
	for i := len(p.Operations) - 1; i >= 0; i-- {
		out = append(out, *p.Operations[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CompletedAt.After(out[j].CompletedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SuccessfulPatterns(_ context.Context, domain string, limit int) ([]models.CodePattern, error) {
	limit, err := ValidateLimit(limit)
	if err != nil {
		return nil, err
	}
	p := m.lookup(domain, false)
	if p == nil {
		return []models.CodePattern{}, nil
	}
	p.mu.RLock()
	out := make([]models.CodePattern, 0, len(p.Patterns))
	for _, row := range p.Patterns {
		cp := *row
		cp.Derive()
		out = append(out, cp)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		if a.UsageCount != b.UsageCount {
			return a.UsageCount > b.UsageCount
		}
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.After(b.LastSeen)
		}
		return a.Signature < b.Signature
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ErrorPatterns(_ context.Context, domain string, limit int) ([]models.ErrorPattern, error) {
	limit, err := ValidateLimit(limit)
	if err != nil {
		return nil, err
	}
	p := m.lookup(domain, false)
	if p == nil {
		return []models.ErrorPattern{}, nil
	}
	p.mu.RLock()
	out := make([]models.ErrorPattern, 0, len(p.Errors))
	for _, row := range p.Errors {
		out = append(out, *row)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.OccurrenceCount != b.OccurrenceCount {
			return a.OccurrenceCount > b.OccurrenceCount
		}
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.After(b.LastSeen)
		}
		return a.Signature < b.Signature
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ModelPerformance(_ context.Context, domain string) ([]models.ModelPerformance, error) {
	p := m.lookup(domain, false)
	if p == nil {
		return []models.ModelPerformance{}, nil
	}
	p.mu.RLock()
	out := make([]models.ModelPerformance, 0, len(p.Performance))
	for _, row := range p.Performance {
		cp := *row
		cp.Derive()
		out = append(out, cp)
	}
	p.mu.RUnlock()

	sortPerformance(out)
	return out, nil
}

func sortPerformance(out []models.ModelPerformance) {
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		if a.TotalRequests != b.TotalRequests {
			return a.TotalRequests > b.TotalRequests
		}
		return a.Model < b.Model
	})
}
