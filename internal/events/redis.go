package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentoven/brigade/internal/metrics"
	"github.com/agentoven/brigade/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// StreamKey is the Redis stream every event is appended to.
const StreamKey = "brigade:operations"

// streamMaxLen keeps the stream from growing without bound.
const streamMaxLen = 10000

// RedisPublisher appends events to a Redis stream with XADD.
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher connects to addr and verifies the connection.
func NewRedisPublisher(ctx context.Context, addr string, db int) (*RedisPublisher, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Str("stream", StreamKey).Msg("📨 Redis event publisher connected")
	return &RedisPublisher{rdb: rdb}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, rec *models.OperationRecord) error {
	data, err := json.Marshal(NewOperationRecorded(rec))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"domain":  rec.Domain,
			"id":      rec.ID,
			"success": rec.Success,
			"event":   data,
		},
	}).Err()
	outcome := "ok"
	if err != nil {
		outcome = "error"
		err = fmt.Errorf("xadd failed: %w", err)
	}
	metrics.Get().EventsPublished.WithLabelValues("redis", outcome).Inc()
	return err
}

func (p *RedisPublisher) Close() error { return p.rdb.Close() }
