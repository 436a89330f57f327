// Package gateway serializes all traffic to the shared execution engine.
//
// Callers enqueue entries and wait on a private result channel. A single
// worker owns the engine connection and handles entries strictly in arrival
// order, so at most one payload is ever in flight. Each entry carries its own
// timeout, which starts when the worker picks it up; an entry queued behind
// others therefore waits at most the sum of the timeouts ahead of it plus its
// own.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentoven/brigade/internal/config"
	"github.com/agentoven/brigade/internal/metrics"
	"github.com/agentoven/brigade/pkg/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("brigade/gateway")

var (
	ErrEngineUnavailable = errors.New("execution engine unavailable")
	ErrExecutionTimeout  = errors.New("execution timeout")
	ErrQueueFull         = errors.New("execution queue is full")
	ErrClosed            = errors.New("execution gateway closed")
)

const defaultQueueSize = 1000

// Options tune a Gateway. Zero values pick defaults.
type Options struct {
	Timeout        time.Duration // default per-entry timeout
	ReconnectDelay time.Duration
	QueueSize      int
}

// Stats is a point-in-time view of the gateway.
type Stats struct {
	Connected  bool   `json:"connected"`
	Queued     int    `json:"queued"`
	Capacity   int    `json:"capacity"`
	Processed  uint64 `json:"processed"`
	Succeeded  uint64 `json:"succeeded"`
	Failed     uint64 `json:"failed"`
	TimedOut   uint64 `json:"timed_out"`
	Skipped    uint64 `json:"skipped"`
	Reconnects uint64 `json:"reconnects"`
}

type entry struct {
	id       string
	ctx      context.Context
	req      models.EngineRequest
	timeout  time.Duration
	enqueued time.Time
	done     chan outcome
}

type outcome struct {
	resp   *models.EngineResponse
	err    error
	queued time.Duration
	exec   time.Duration
}

// Gateway is the single-flight queue in front of the execution engine.
type Gateway struct {
	dial Dialer
	opts Options

	queue chan *entry
	quit  chan struct{}
	done  chan struct{}

	mu     sync.RWMutex // guards closed against concurrent enqueue
	closed bool

	conn      Conn // owned by the worker
	connected atomic.Bool

	processed  atomic.Uint64
	succeeded  atomic.Uint64
	failed     atomic.Uint64
	timedOut   atomic.Uint64
	skipped    atomic.Uint64
	reconnects atomic.Uint64
}

// New starts a gateway that connects lazily through dial.
func New(dial Dialer, opts Options) *Gateway {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	g := &Gateway{
		dial:  dial,
		opts:  opts,
		queue: make(chan *entry, opts.QueueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go g.run()
	return g
}

// Open builds a gateway from configuration.
func Open(cfg config.EngineConfig) (*Gateway, error) {
	dial, err := NewDialer(cfg.Endpoint, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	return New(dial, Options{
		Timeout:        cfg.Timeout,
		ReconnectDelay: cfg.ReconnectDelay,
		QueueSize:      cfg.QueueSize,
	}), nil
}

// Submit runs payload on the engine. A non-ok engine reply is not an error:
// it comes back as a result whose Status and Error carry the engine's
// verdict. Errors are ErrExecutionTimeout, ErrEngineUnavailable,
// ErrQueueFull, ErrClosed, or the caller's context error.
func (g *Gateway) Submit(ctx context.Context, payload string, timeout time.Duration) (*models.ExecutionResult, error) {
	return g.do(ctx, models.EngineRequest{Type: models.EngineExecute, Payload: payload}, timeout)
}

// State asks the engine for its current scene state.
func (g *Gateway) State(ctx context.Context, timeout time.Duration) (*models.ExecutionResult, error) {
	return g.do(ctx, models.EngineRequest{Type: models.EngineGetState, Payload: map[string]any{}}, timeout)
}

func (g *Gateway) do(ctx context.Context, req models.EngineRequest, timeout time.Duration) (*models.ExecutionResult, error) {
	if timeout <= 0 {
		timeout = g.opts.Timeout
	}
	e := &entry{
		id:       uuid.NewString(),
		ctx:      ctx,
		req:      req,
		timeout:  timeout,
		enqueued: time.Now(),
		done:     make(chan outcome, 1),
	}
	if err := g.enqueue(e); err != nil {
		return nil, err
	}

	select {
	case o := <-e.done:
		if o.err != nil {
			return nil, o.err
		}
		res := &models.ExecutionResult{
			RequestID: e.id,
			Status:    o.resp.Status,
			Result:    o.resp.Result,
			QueuedMs:  o.queued.Milliseconds(),
			ExecMs:    o.exec.Milliseconds(),
		}
		if o.resp.Error != nil {
			res.Error = *o.resp.Error
		}
		return res, nil
	case <-ctx.Done():
		// The worker skips the entry if it has not started yet.
		return nil, ctx.Err()
	}
}

func (g *Gateway) enqueue(e *entry) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return ErrClosed
	}
	select {
	case g.queue <- e:
		metrics.Get().EngineQueueDepth.Inc()
		return nil
	default:
		metrics.Get().EngineExecutions.WithLabelValues("queue_full").Inc()
		return ErrQueueFull
	}
}

// Stats returns queue and outcome counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		Connected:  g.connected.Load(),
		Queued:     len(g.queue),
		Capacity:   cap(g.queue),
		Processed:  g.processed.Load(),
		Succeeded:  g.succeeded.Load(),
		Failed:     g.failed.Load(),
		TimedOut:   g.timedOut.Load(),
		Skipped:    g.skipped.Load(),
		Reconnects: g.reconnects.Load(),
	}
}

// Close stops accepting entries, fails everything still queued with
// ErrClosed, then waits for the in-flight exchange and drops the connection.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		<-g.done
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	// Nothing can be enqueued any more; fail the backlog without waiting for
	// the in-flight exchange.
	g.drain()
	close(g.quit)
	<-g.done
	return nil
}

func (g *Gateway) run() {
	defer close(g.done)
	for {
		select {
		case <-g.quit:
			g.drain()
			g.dropConn()
			return
		case e := <-g.queue:
			g.process(e)
		}
	}
}

func (g *Gateway) drain() {
	for {
		select {
		case e := <-g.queue:
			metrics.Get().EngineQueueDepth.Dec()
			e.done <- outcome{err: ErrClosed}
		default:
			return
		}
	}
}

func (g *Gateway) process(e *entry) {
	m := metrics.Get()
	m.EngineQueueDepth.Dec()
	started := time.Now()
	queued := started.Sub(e.enqueued)
	m.EngineQueueWait.Observe(queued.Seconds())

	if e.ctx.Err() != nil {
		g.skipped.Add(1)
		m.EngineExecutions.WithLabelValues("skipped").Inc()
		e.done <- outcome{err: e.ctx.Err(), queued: queued}
		return
	}

	ctx, span := tracer.Start(e.ctx, "gateway.exchange")
	span.SetAttributes(
		attribute.String("engine.request_id", e.id),
		attribute.String("engine.request_type", e.req.Type),
		attribute.Int64("engine.queued_ms", queued.Milliseconds()),
	)
	defer span.End()

	resp, err := g.exchange(ctx, e, started.Add(e.timeout))
	exec := time.Since(started)
	m.EngineExecDuration.Observe(exec.Seconds())
	g.processed.Add(1)

	label := "ok"
	switch {
	case errors.Is(err, ErrExecutionTimeout):
		label = "timeout"
		g.timedOut.Add(1)
	case err != nil:
		label = "unavailable"
		g.failed.Add(1)
	case !resp.OK():
		label = "engine_error"
		g.failed.Add(1)
	default:
		g.succeeded.Add(1)
	}
	m.EngineExecutions.WithLabelValues(label).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, label)
	}

	e.done <- outcome{resp: resp, err: err, queued: queued, exec: exec}
}

func (g *Gateway) exchange(ctx context.Context, e *entry, deadline time.Time) (*models.EngineResponse, error) {
	conn, err := g.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	resp, err := conn.Exchange(e.req, deadline)
	if err == nil {
		return resp, nil
	}

	// Whatever happened, the stream is now out of step with the queue: a late
	// reply must not be read as the answer to the next entry.
	g.dropConn()
	if errors.Is(err, errDeadline) {
		log.Warn().Str("request_id", e.id).Dur("timeout", e.timeout).Msg("engine exchange timed out")
		return nil, fmt.Errorf("%w after %s", ErrExecutionTimeout, e.timeout)
	}

	// Bounded by the entry's deadline. If it does not finish, the next entry
	// dials lazily.
	log.Warn().Err(err).Str("request_id", e.id).Msg("engine connection lost, reconnecting")
	g.reconnects.Add(1)
	rctx, cancel := context.WithDeadline(ctx, deadline)
	_, rerr := g.connect(rctx)
	cancel()
	if rerr != nil {
		log.Error().Err(rerr).Msg("engine reconnect failed")
	}
	return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
}

// connect returns the live connection, dialing with one retry if there is
// none.
func (g *Gateway) connect(ctx context.Context) (Conn, error) {
	if g.conn != nil {
		return g.conn, nil
	}

	attempt := 0
	var conn Conn
	op := func() error {
		attempt++
		if attempt > 1 {
			g.reconnects.Add(1)
		}
		c, err := g.dial(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(g.opts.ReconnectDelay), 1), ctx)
	err := backoff.Retry(op, b)

	if attempt > 1 {
		result := "ok"
		if err != nil {
			result = "failed"
		}
		metrics.Get().EngineReconnects.WithLabelValues(result).Inc()
	}
	if err != nil {
		return nil, err
	}

	g.conn = conn
	g.connected.Store(true)
	metrics.Get().EngineUp.Set(1)
	log.Info().Int("attempts", attempt).Msg("🔌 Connected to execution engine")
	return conn, nil
}

func (g *Gateway) dropConn() {
	if g.conn == nil {
		return
	}
	_ = g.conn.Close()
	g.conn = nil
	g.connected.Store(false)
	metrics.Get().EngineUp.Set(0)
}
