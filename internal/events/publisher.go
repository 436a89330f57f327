// Package events publishes a notification for every recorded operation so
// dashboards and other consumers can follow the learning store without
// polling it. Publishing is best-effort: a broker outage never fails an
// operation.
package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentoven/brigade/internal/config"
	"github.com/agentoven/brigade/pkg/models"
)

// OperationRecorded is the event body.
type OperationRecorded struct {
	ID          string    `json:"id"`
	Domain      string    `json:"domain"`
	Model       string    `json:"model"`
	Success     bool      `json:"success"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	RetryCount  int       `json:"retry_count"`
	DurationMs  int64     `json:"duration_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

// NewOperationRecorded builds the event for rec.
func NewOperationRecorded(rec *models.OperationRecord) OperationRecorded {
	return OperationRecorded{
		ID:          rec.ID,
		Domain:      rec.Domain,
		Model:       rec.ModelUsed,
		Success:     rec.Success,
		ErrorKind:   rec.ErrorKind,
		RetryCount:  rec.RetryCount,
		DurationMs:  rec.DurationMs,
		CompletedAt: rec.CompletedAt,
	}
}

// Publisher delivers OperationRecorded events.
type Publisher interface {
	Publish(ctx context.Context, rec *models.OperationRecord) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, *models.OperationRecord) error { return nil }
func (Noop) Close() error                                            { return nil }

// Open returns the publisher selected by cfg.Driver.
func Open(ctx context.Context, cfg config.EventsConfig) (Publisher, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return Noop{}, nil
	case "nats":
		return NewNATSPublisher(cfg.NATSURL, cfg.Stream)
	case "redis":
		return NewRedisPublisher(ctx, cfg.RedisAddr, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
	}
}
