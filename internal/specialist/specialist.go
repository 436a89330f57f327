// Package specialist runs the generate → execute → record cycle for one
// domain.
//
//	RECEIVED → GENERATING → EXECUTING → {SUCCEEDED | FAILED} → RECORDED
//
// Generation walks the domain's models in order (primary, then each
// fallback) until one returns a payload. The payload is executed once;
// engine failures are recorded, never retried with another generation.
// Exactly one OperationRecord is written per Perform call.
package specialist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agentoven/brigade/internal/config"
	"github.com/agentoven/brigade/internal/events"
	"github.com/agentoven/brigade/internal/gateway"
	"github.com/agentoven/brigade/internal/generation"
	"github.com/agentoven/brigade/internal/metrics"
	"github.com/agentoven/brigade/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("brigade/specialist")

// State is a step of Perform.
type State string

const (
	StateReceived   State = "received"
	StateGenerating State = "generating"
	StateExecuting  State = "executing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateRecorded   State = "recorded"
)

// Generator produces a payload with one model.
type Generator interface {
	Generate(ctx context.Context, prompt generation.Prompt, model string, timeout time.Duration) (string, error)
}

// Executor runs a payload on the shared engine.
type Executor interface {
	Submit(ctx context.Context, payload string, timeout time.Duration) (*models.ExecutionResult, error)
}

// Recorder is the specialist's slice of the learning store.
type Recorder interface {
	Record(ctx context.Context, rec *models.OperationRecord) error
	SuccessfulPatterns(ctx context.Context, limit int) ([]models.CodePattern, error)
}

// Options tune a Specialist. Zero values pick defaults.
type Options struct {
	GenerationTimeout time.Duration
	ExecutionTimeout  time.Duration
	PatternHints      int // successful patterns quoted in the prompt; negative disables
	Publisher         events.Publisher
}

// Info describes a specialist for listings.
type Info struct {
	Domain         string   `json:"domain"`
	Description    string   `json:"description"`
	PrimaryModel   string   `json:"primary_model"`
	FallbackModels []string `json:"fallback_models"`
	Keywords       []string `json:"keywords"`
	Performed      uint64   `json:"performed"`
	Succeeded      uint64   `json:"succeeded"`
}

// Specialist is bound to one domain for the life of the process.
type Specialist struct {
	domain config.Domain
	gen    Generator
	exec   Executor
	store  Recorder
	opts   Options

	counter   atomic.Uint64
	succeeded atomic.Uint64
}

// New creates a specialist for domain.
func New(domain config.Domain, gen Generator, exec Executor, rec Recorder, opts Options) *Specialist {
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = 180 * time.Second
	}
	if opts.ExecutionTimeout <= 0 {
		opts.ExecutionTimeout = 30 * time.Second
	}
	if opts.PatternHints == 0 {
		opts.PatternHints = 3
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Noop{}
	}
	return &Specialist{domain: domain, gen: gen, exec: exec, store: rec, opts: opts}
}

// Domain returns the domain name.
func (s *Specialist) Domain() string { return s.domain.Name }

// Info returns the specialist's configuration and counters.
func (s *Specialist) Info() Info {
	return Info{
		Domain:         s.domain.Name,
		Description:    s.domain.Description,
		PrimaryModel:   s.domain.PrimaryModel,
		FallbackModels: append([]string(nil), s.domain.FallbackModels...),
		Keywords:       append([]string(nil), s.domain.Keywords...),
		Performed:      s.counter.Load(),
		Succeeded:      s.succeeded.Load(),
	}
}

// run tracks one Perform call through its states.
type run struct {
	rec   *models.OperationRecord
	state State
}

func (r *run) to(next State) {
	log.Debug().
		Str("operation_id", r.rec.ID).
		Str("domain", r.rec.Domain).
		Str("from", string(r.state)).
		Str("state", string(next)).
		Msg("specialist state")
	r.state = next
}

// Perform generates, executes and records one task. Generation and execution
// failures come back as a failed record with a nil error; the only error is
// a store write failure, returned together with the unwritten record.
//
// Perform ignores cancellation of ctx: once started, the sequence runs to
// completion and is recorded even if the caller has gone away.
func (s *Specialist) Perform(ctx context.Context, description string) (*models.OperationRecord, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "specialist.perform")
	defer span.End()

	started := time.Now().UTC()
	n := s.counter.Add(1)
	r := &run{
		rec: &models.OperationRecord{
			ID:          fmt.Sprintf("%s_%06d_%d_%s", s.domain.Name, n, started.Unix(), uuid.NewString()[:8]),
			Domain:      s.domain.Name,
			Description: description,
			StartedAt:   started,
		},
		state: StateReceived,
	}
	rec := r.rec
	span.SetAttributes(
		attribute.String("brigade.domain", rec.Domain),
		attribute.String("brigade.operation_id", rec.ID),
	)

	r.to(StateGenerating)
	payload, genErr := s.generate(ctx, rec)

	if genErr != nil {
		rec.ErrorKind = models.ErrorKindGeneration
		s.fail(r, fmt.Sprintf("all %d models failed, last error: %v", len(rec.ModelsTried), genErr), nil)
	} else {
		rec.GeneratedPayload = payload
		r.to(StateExecuting)
		s.execute(ctx, r)
	}

	rec.CompletedAt = time.Now().UTC()
	rec.DurationMs = rec.CompletedAt.Sub(started).Milliseconds()

	if err := s.store.Record(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence")
		log.Error().Err(err).Str("operation_id", rec.ID).Str("domain", rec.Domain).Msg("failed to record operation")
		return rec, err
	}
	r.to(StateRecorded)

	m := metrics.Get()
	m.OperationsTotal.WithLabelValues(rec.Domain, fmt.Sprint(rec.Success)).Inc()
	m.OperationDuration.WithLabelValues(rec.Domain).Observe(float64(rec.DurationMs) / 1000)
	if rec.Success {
		s.succeeded.Add(1)
	} else {
		span.SetStatus(codes.Error, rec.ErrorKind)
	}
	span.SetAttributes(
		attribute.String("brigade.model", rec.ModelUsed),
		attribute.Int("brigade.retry_count", rec.RetryCount),
		attribute.Bool("brigade.success", rec.Success),
	)

	s.publish(ctx, rec)
	return rec, nil
}

// generate tries each model in order and returns the first payload.
// RetryCount ends up as the number of fallback models attempted.
func (s *Specialist) generate(ctx context.Context, rec *models.OperationRecord) (string, error) {
	prompt := s.prompt(ctx, rec.Description)

	var lastErr error
	for i, model := range s.domain.Models() {
		rec.ModelsTried = append(rec.ModelsTried, model)
		rec.ModelUsed = model
		rec.RetryCount = i
		if i > 0 {
			metrics.Get().OperationRetries.WithLabelValues(rec.Domain).Inc()
		}

		t0 := time.Now()
		payload, err := s.gen.Generate(ctx, prompt, model, s.opts.GenerationTimeout)
		rec.GenerationMs += time.Since(t0).Milliseconds()
		if err == nil {
			return payload, nil
		}

		lastErr = err
		rec.Attempts = append(rec.Attempts, models.AttemptError{
			Model:   model,
			Kind:    generation.Kind(err),
			Message: err.Error(),
		})
		log.Warn().Err(err).
			Str("operation_id", rec.ID).
			Str("domain", rec.Domain).
			Str("model", model).
			Msg("generation failed, trying next model")
	}
	if lastErr == nil {
		lastErr = errors.New("domain has no models")
	}
	return "", lastErr
}

func (s *Specialist) execute(ctx context.Context, r *run) {
	rec := r.rec
	res, err := s.exec.Submit(ctx, rec.GeneratedPayload, s.opts.ExecutionTimeout)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrExecutionTimeout):
			rec.ErrorKind = models.ErrorKindExecutionTimeout
		case errors.Is(err, gateway.ErrQueueFull):
			rec.ErrorKind = models.ErrorKindQueueFull
		default:
			rec.ErrorKind = models.ErrorKindEngineUnavailable
		}
		result, _ := json.Marshal(map[string]string{"status": "error", "error": err.Error()})
		s.fail(r, err.Error(), result)
		return
	}

	result, _ := json.Marshal(res)
	if !res.OK() {
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("engine returned status %q", res.Status)
		}
		rec.ErrorKind = models.ErrorKindEngineError
		s.fail(r, msg, result)
		return
	}

	rec.ExecutionResult = result
	rec.Success = true
	r.to(StateSucceeded)
}

func (s *Specialist) fail(r *run, msg string, result json.RawMessage) {
	r.rec.Success = false
	r.rec.ErrorMessage = &msg
	r.rec.ExecutionResult = result
	r.to(StateFailed)
}

// prompt renders the domain template and appends the domain context and a
// few payloads that already worked in this domain.
func (s *Specialist) prompt(ctx context.Context, description string) generation.Prompt {
	var b strings.Builder
	if strings.Contains(s.domain.Template, "{{description}}") {
		b.WriteString(strings.ReplaceAll(s.domain.Template, "{{description}}", description))
	} else {
		b.WriteString(s.domain.Template)
		b.WriteString("\n\n")
		b.WriteString(description)
	}
	if s.domain.Context != "" {
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(s.domain.Context))
	}

	if s.opts.PatternHints > 0 {
		patterns, err := s.store.SuccessfulPatterns(ctx, s.opts.PatternHints)
		if err != nil {
			log.Warn().Err(err).Str("domain", s.domain.Name).Msg("could not load pattern hints")
		}
		if len(patterns) > 0 {
			b.WriteString("\n\nApproaches that worked before in this domain:")
			for _, p := range patterns {
				fmt.Fprintf(&b, "\n```python\n%s\n```", p.PayloadSnippet)
			}
		}
	}
	return generation.Prompt{System: s.domain.System, User: b.String()}
}

func (s *Specialist) publish(ctx context.Context, rec *models.OperationRecord) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.opts.Publisher.Publish(ctx, rec); err != nil {
		log.Warn().Err(err).Str("operation_id", rec.ID).Msg("failed to publish operation event")
	}
}
