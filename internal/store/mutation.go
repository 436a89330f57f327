package store

import (
	"strings"
	"time"

	"github.com/agentoven/brigade/pkg/models"
)

// mutation is every aggregate change one OperationRecord implies. Backends
// apply it in the same transaction as the record itself.
type mutation struct {
	domain  string
	at      time.Time
	perf    perfDelta
	pattern *patternDelta
	errors  []errorDelta
}

type perfDelta struct {
	model      string
	success    bool
	timeout    bool
	genMs      int64
	payloadLen int64
}

// patternDelta upserts on success and only bumps an existing row on failure.
type patternDelta struct {
	signature   string
	patternType string
	snippet     string
	context     string
	model       string
	success     bool
}

type errorDelta struct {
	signature  string
	errorType  string
	messageSig string
	fix        *string
	context    string
	model      string
}

func planRecord(rec *models.OperationRecord) mutation {
	at := rec.CompletedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	m := mutation{
		domain: rec.Domain,
		at:     at,
		perf: perfDelta{
			model:      rec.ModelUsed,
			success:    rec.Success,
			timeout:    rec.TimedOut(),
			genMs:      rec.GenerationMs,
			payloadLen: int64(len(rec.GeneratedPayload)),
		},
	}
	desc := truncate(strings.TrimSpace(rec.Description), contextLength)

	if strings.TrimSpace(rec.GeneratedPayload) != "" {
		m.pattern = &patternDelta{
			signature:   PayloadSignature(rec.GeneratedPayload),
			patternType: PatternType(rec.GeneratedPayload),
			snippet:     truncate(strings.TrimSpace(rec.GeneratedPayload), snippetLength),
			context:     desc,
			model:       rec.ModelUsed,
			success:     rec.Success,
		}
	}

	// Failed generation attempts count as fixed when a later model in the
	// same sequence got the operation through.
	var fix *string
	if rec.Success && len(rec.Attempts) > 0 {
		f := "fallback to model " + rec.ModelUsed
		fix = &f
	}
	for _, a := range rec.Attempts {
		m.errors = append(m.errors, newErrorDelta(a.Kind, a.Message, a.Model, desc, fix))
	}
	if !rec.Success && (rec.ErrorKind != models.ErrorKindGeneration || len(rec.Attempts) == 0) {
		msg := ""
		if rec.ErrorMessage != nil {
			msg = *rec.ErrorMessage
		}
		m.errors = append(m.errors, newErrorDelta(rec.ErrorKind, msg, rec.ModelUsed, desc, nil))
	}
	return m
}

func newErrorDelta(kind, message, model, context string, fix *string) errorDelta {
	errType := ClassifyError(kind, message)
	sig := MessageSignature(message)
	return errorDelta{
		signature:  errorSignature(errType, sig),
		errorType:  errType,
		messageSig: sig,
		fix:        fix,
		context:    context,
		model:      model,
	}
}
