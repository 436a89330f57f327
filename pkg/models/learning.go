package models

import (
	"encoding/json"
	"time"
)

// ── Operation Records ───────────────────────────────────────

// Error kinds recorded on a failed OperationRecord.
const (
	ErrorKindGeneration        = "generation_failed"
	ErrorKindExecutionTimeout  = "execution_timeout"
	ErrorKindEngineUnavailable = "engine_unavailable"
	ErrorKindEngineError       = "engine_error"
	ErrorKindQueueFull         = "queue_full"
)

// OperationRecord is one completed attempt sequence for a task: every model
// tried, the payload that reached the engine (if any), and the outcome.
// Records are immutable once written.
type OperationRecord struct {
	ID               string          `json:"id"`
	Domain           string          `json:"domain"`
	Description      string          `json:"description"`
	ModelUsed        string          `json:"model_used"`
	ModelsTried      []string        `json:"models_tried,omitempty"`
	GeneratedPayload string          `json:"generated_payload"`
	ExecutionResult  json.RawMessage `json:"execution_result,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      time.Time       `json:"completed_at"`
	DurationMs       int64           `json:"duration_ms"`
	GenerationMs     int64           `json:"generation_ms"`
	Success          bool            `json:"success"`
	ErrorMessage     *string         `json:"error_message"`
	ErrorKind        string          `json:"error_kind,omitempty"`
	RetryCount       int             `json:"retry_count"`
	Attempts         []AttemptError  `json:"attempts,omitempty"`
}

// AttemptError describes one failed generation call within a sequence.
type AttemptError struct {
	Model   string `json:"model"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// TimedOut reports whether the record failed on a timeout, either while
// generating with its final model or while executing.
func (r *OperationRecord) TimedOut() bool {
	if r.Success {
		return false
	}
	if r.ErrorKind == ErrorKindExecutionTimeout {
		return true
	}
	if r.ErrorKind == ErrorKindGeneration && len(r.Attempts) > 0 {
		return r.Attempts[len(r.Attempts)-1].Kind == "timeout"
	}
	return false
}

// ── Aggregates ──────────────────────────────────────────────

// ModelPerformance aggregates outcomes per (domain, model). Only the totals
// are persisted; the averages and SuccessRate are filled in by Derive.
type ModelPerformance struct {
	Domain             string    `json:"domain"`
	Model              string    `json:"model"`
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	TimeoutCount       int64     `json:"timeout_count"`
	TotalGenerationMs  int64     `json:"total_generation_ms"`
	TotalPayloadLength int64     `json:"total_payload_length"`
	AvgGenerationMs    float64   `json:"avg_generation_time_ms"`
	AvgPayloadLength   float64   `json:"avg_payload_length"`
	SuccessRate        float64   `json:"success_rate"`
	LastUpdated        time.Time `json:"last_updated"`
}

// Derive recomputes the derived fields from the stored counters.
func (p *ModelPerformance) Derive() {
	p.SuccessRate, p.AvgGenerationMs, p.AvgPayloadLength = 0, 0, 0
	if p.TotalRequests == 0 {
		return
	}
	n := float64(p.TotalRequests)
	p.SuccessRate = float64(p.SuccessfulRequests) / n
	p.AvgGenerationMs = float64(p.TotalGenerationMs) / n
	p.AvgPayloadLength = float64(p.TotalPayloadLength) / n
}

// CodePattern is a generalized payload shape seen in successful operations.
// UsageCount counts successful matches; FailureCount counts failed
// operations whose payload matched an already known pattern.
type CodePattern struct {
	Signature      string    `json:"signature"`
	Domain         string    `json:"domain"`
	PatternType    string    `json:"pattern_type"`
	PayloadSnippet string    `json:"payload_snippet"`
	UsageCount     int64     `json:"usage_count"`
	SuccessCount   int64     `json:"success_count"`
	FailureCount   int64     `json:"failure_count"`
	SuccessRate    float64   `json:"success_rate"`
	Context        string    `json:"context"`
	LastModel      string    `json:"last_model,omitempty"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// Derive recomputes SuccessRate from the success and failure counters.
func (p *CodePattern) Derive() {
	p.SuccessRate = 0
	if total := p.SuccessCount + p.FailureCount; total > 0 {
		p.SuccessRate = float64(p.SuccessCount) / float64(total)
	}
}

// ErrorPattern is a generalized recurring failure.
type ErrorPattern struct {
	Signature        string    `json:"signature"`
	Domain           string    `json:"domain"`
	ErrorType        string    `json:"error_type"`
	MessageSignature string    `json:"message_signature"`
	FixApplied       *string   `json:"fix_applied"`
	OccurrenceCount  int64     `json:"occurrence_count"`
	Context          string    `json:"context"`
	Model            string    `json:"model,omitempty"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
}

// ── Execution Engine ────────────────────────────────────────

// Engine request types.
const (
	EngineExecute  = "execute"
	EngineGetState = "get_state"
)

// EngineRequest is the frame sent to the execution engine.
type EngineRequest struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// EngineResponse is the frame the execution engine replies with.
type EngineResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *string         `json:"error"`
}

// OK reports whether the engine accepted the request. "success" is accepted
// alongside "ok" for older engine add-ons.
func (r *EngineResponse) OK() bool {
	return r.Status == "ok" || r.Status == "success"
}

// ExecutionResult is what the gateway hands back for one queue entry.
type ExecutionResult struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	QueuedMs  int64           `json:"queued_ms"`
	ExecMs    int64           `json:"exec_ms"`
}

// OK reports whether the engine accepted the payload.
func (r *ExecutionResult) OK() bool {
	return r.Status == "ok" || r.Status == "success"
}
