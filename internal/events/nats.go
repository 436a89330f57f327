package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentoven/brigade/internal/metrics"
	"github.com/agentoven/brigade/pkg/models"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const subjectPrefix = "brigade.operations"

// NATSPublisher writes events to a JetStream stream, one subject per domain.
type NATSPublisher struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	stream string
}

// NewNATSPublisher connects and makes sure the stream exists.
func NewNATSPublisher(url, stream string) (*NATSPublisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if stream == "" {
		stream = "BRIGADE"
	}

	nc, err := nats.Connect(url,
		nats.Name("brigade"),
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p := &NATSPublisher{conn: nc, js: js, stream: stream}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}

	log.Info().Str("url", url).Str("stream", stream).Msg("📨 NATS event publisher connected")
	return p, nil
}

func (p *NATSPublisher) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:      p.stream,
		Subjects:  []string{subjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	if _, err := p.js.StreamInfo(p.stream); err != nil {
		if _, err := p.js.AddStream(cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", p.stream, err)
		}
		return nil
	}
	if _, err := p.js.UpdateStream(cfg); err != nil {
		return fmt.Errorf("update stream %s: %w", p.stream, err)
	}
	return nil
}

// Subject returns the subject events for domain are published on.
func Subject(domain string) string {
	return subjectPrefix + "." + domain
}

func (p *NATSPublisher) Publish(ctx context.Context, rec *models.OperationRecord) error {
	data, err := json.Marshal(NewOperationRecorded(rec))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(Subject(rec.Domain), data, nats.Context(ctx), nats.MsgId(rec.ID))
	outcome := "ok"
	if err != nil {
		outcome = "error"
		err = fmt.Errorf("publish event: %w", err)
	}
	metrics.Get().EventsPublished.WithLabelValues("nats", outcome).Inc()
	return err
}

func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
