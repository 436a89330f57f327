package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentoven/brigade/pkg/models"
)

// Queries are written with ? placeholders; PostgresStore rebinds them.

const insertOperationSQL = `
INSERT INTO operations (id, domain, description, model_used, models_tried, generated_payload,
    execution_result, started_at, completed_at, duration_ms, generation_ms, success,
    error_message, error_kind, retry_count, attempts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const upsertPerformanceSQL = `
INSERT INTO model_performance (domain, model, total_requests, successful_requests, failed_requests,
    timeout_count, total_generation_ms, total_payload_length, last_updated)
VALUES (?, ?, 1, ?, ?, ?, ?, ?, ?)
ON CONFLICT (domain, model) DO UPDATE SET
    total_requests       = model_performance.total_requests + 1,
    successful_requests  = model_performance.successful_requests + excluded.successful_requests,
    failed_requests      = model_performance.failed_requests + excluded.failed_requests,
    timeout_count        = model_performance.timeout_count + excluded.timeout_count,
    total_generation_ms  = model_performance.total_generation_ms + excluded.total_generation_ms,
    total_payload_length = model_performance.total_payload_length + excluded.total_payload_length,
    last_updated         = excluded.last_updated`

const upsertPatternSQL = `
INSERT INTO code_patterns (domain, signature, pattern_type, payload_snippet, usage_count,
    success_count, failure_count, context, last_model, first_seen, last_seen)
VALUES (?, ?, ?, ?, 1, 1, 0, ?, ?, ?, ?)
ON CONFLICT (domain, signature) DO UPDATE SET
    usage_count   = code_patterns.usage_count + 1,
    success_count = code_patterns.success_count + 1,
    last_model    = excluded.last_model,
    last_seen     = excluded.last_seen`

const failPatternSQL = `
UPDATE code_patterns SET failure_count = failure_count + 1, last_seen = ?
WHERE domain = ? AND signature = ?`

const upsertErrorSQL = `
INSERT INTO error_patterns (domain, signature, error_type, message_signature, fix_applied,
    occurrence_count, context, model, first_seen, last_seen)
VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
ON CONFLICT (domain, signature) DO UPDATE SET
    occurrence_count = error_patterns.occurrence_count + 1,
    fix_applied      = COALESCE(excluded.fix_applied, error_patterns.fix_applied),
    model            = excluded.model,
    last_seen        = excluded.last_seen`

const recentOperationsSQL = `
SELECT id, domain, description, model_used, models_tried, generated_payload, execution_result,
    started_at, completed_at, duration_ms, generation_ms, success, error_message, error_kind,
    retry_count, attempts
FROM operations
WHERE domain = ?
ORDER BY completed_at DESC, seq DESC
LIMIT ?`

const successfulPatternsSQL = `
SELECT domain, signature, pattern_type, payload_snippet, usage_count, success_count,
    failure_count, context, last_model, first_seen, last_seen
FROM code_patterns
WHERE domain = ? AND success_count > 0
ORDER BY success_count * 1.0 / (success_count + failure_count) DESC,
    usage_count DESC, last_seen DESC, signature ASC
LIMIT ?`

const errorPatternsSQL = `
SELECT domain, signature, error_type, message_signature, fix_applied, occurrence_count,
    context, model, first_seen, last_seen
FROM error_patterns
WHERE domain = ?
ORDER BY occurrence_count DESC, last_seen DESC, signature ASC
LIMIT ?`

const modelPerformanceSQL = `
SELECT domain, model, total_requests, successful_requests, failed_requests, timeout_count,
    total_generation_ms, total_payload_length, last_updated
FROM model_performance
WHERE domain = ?`

// execFunc runs one statement inside the caller's transaction.
type execFunc func(ctx context.Context, query string, args ...any) error

// rowScanner is satisfied by *sql.Row(s) and pgx.Row(s).
type rowScanner interface {
	Scan(dest ...any) error
}

// writeRecord inserts rec and applies mut through exec. The caller owns the
// transaction and the domain lock.
func writeRecord(ctx context.Context, exec execFunc, rec *models.OperationRecord, mut mutation) error {
	tried, err := json.Marshal(nonNil(rec.ModelsTried))
	if err != nil {
		return fmt.Errorf("marshal models_tried: %w", err)
	}
	attempts, err := json.Marshal(nonNilAttempts(rec.Attempts))
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	var result any
	if len(rec.ExecutionResult) > 0 {
		result = string(rec.ExecutionResult)
	}

	if err := exec(ctx, insertOperationSQL,
		rec.ID, rec.Domain, rec.Description, rec.ModelUsed, string(tried), rec.GeneratedPayload,
		result, millis(rec.StartedAt), millis(mut.at), rec.DurationMs, rec.GenerationMs, rec.Success,
		rec.ErrorMessage, rec.ErrorKind, rec.RetryCount, string(attempts),
	); err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}

	p := mut.perf
	if err := exec(ctx, upsertPerformanceSQL,
		mut.domain, p.model, boolInt(p.success), boolInt(!p.success), boolInt(p.timeout),
		p.genMs, p.payloadLen, millis(mut.at),
	); err != nil {
		return fmt.Errorf("upsert model performance: %w", err)
	}

	if d := mut.pattern; d != nil {
		if d.success {
			err = exec(ctx, upsertPatternSQL,
				mut.domain, d.signature, d.patternType, d.snippet, d.context, d.model,
				millis(mut.at), millis(mut.at))
		} else {
			err = exec(ctx, failPatternSQL, millis(mut.at), mut.domain, d.signature)
		}
		if err != nil {
			return fmt.Errorf("upsert code pattern: %w", err)
		}
	}

	for _, d := range mut.errors {
		if err := exec(ctx, upsertErrorSQL,
			mut.domain, d.signature, d.errorType, d.messageSig, d.fix, d.context, d.model,
			millis(mut.at), millis(mut.at),
		); err != nil {
			return fmt.Errorf("upsert error pattern: %w", err)
		}
	}
	return nil
}

func scanOperation(row rowScanner) (models.OperationRecord, error) {
	var (
		rec                    models.OperationRecord
		tried, result, attempt []byte
		started, completed     int64
	)
	err := row.Scan(&rec.ID, &rec.Domain, &rec.Description, &rec.ModelUsed, &tried,
		&rec.GeneratedPayload, &result, &started, &completed, &rec.DurationMs, &rec.GenerationMs,
		&rec.Success, &rec.ErrorMessage, &rec.ErrorKind, &rec.RetryCount, &attempt)
	if err != nil {
		return rec, err
	}
	rec.StartedAt = fromMillis(started)
	rec.CompletedAt = fromMillis(completed)
	if len(result) > 0 {
		rec.ExecutionResult = json.RawMessage(result)
	}
	if len(tried) > 0 {
		_ = json.Unmarshal(tried, &rec.ModelsTried)
	}
	if len(attempt) > 0 {
		_ = json.Unmarshal(attempt, &rec.Attempts)
	}
	return rec, nil
}

func scanPattern(row rowScanner) (models.CodePattern, error) {
	var (
		p           models.CodePattern
		first, last int64
	)
	err := row.Scan(&p.Domain, &p.Signature, &p.PatternType, &p.PayloadSnippet, &p.UsageCount,
		&p.SuccessCount, &p.FailureCount, &p.Context, &p.LastModel, &first, &last)
	if err != nil {
		return p, err
	}
	p.FirstSeen, p.LastSeen = fromMillis(first), fromMillis(last)
	p.Derive()
	return p, nil
}

func scanErrorPattern(row rowScanner) (models.ErrorPattern, error) {
	var (
		e           models.ErrorPattern
		first, last int64
	)
	err := row.Scan(&e.Domain, &e.Signature, &e.ErrorType, &e.MessageSignature, &e.FixApplied,
		&e.OccurrenceCount, &e.Context, &e.Model, &first, &last)
	if err != nil {
		return e, err
	}
	e.FirstSeen, e.LastSeen = fromMillis(first), fromMillis(last)
	return e, nil
}

func scanPerformance(row rowScanner) (models.ModelPerformance, error) {
	var (
		p       models.ModelPerformance
		updated int64
	)
	err := row.Scan(&p.Domain, &p.Model, &p.TotalRequests, &p.SuccessfulRequests, &p.FailedRequests,
		&p.TimeoutCount, &p.TotalGenerationMs, &p.TotalPayloadLength, &updated)
	if err != nil {
		return p, err
	}
	p.LastUpdated = fromMillis(updated)
	p.Derive()
	return p, nil
}

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilAttempts(a []models.AttemptError) []models.AttemptError {
	if a == nil {
		return []models.AttemptError{}
	}
	return a
}
