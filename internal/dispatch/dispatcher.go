// Package dispatch is the JSON-RPC front door. It decodes calls, hands them
// to the coordinator or the learning store, and encodes results and errors.
//
// Besides the two core methods, tool.invoke and store.query, it speaks
// enough MCP (initialize, tools/list, tools/call, resources/*) for MCP
// clients to drive it over stdio.
package dispatch

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/agentoven/brigade/internal/coordinator"
	"github.com/agentoven/brigade/internal/gateway"
	"github.com/agentoven/brigade/internal/metrics"
	"github.com/agentoven/brigade/internal/store"
	"github.com/agentoven/brigade/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("brigade/dispatch")

const protocolVersion = "2024-11-05"

// Engine is the part of the execution gateway the dispatcher exposes.
type Engine interface {
	Submit(ctx context.Context, payload string, timeout time.Duration) (*models.ExecutionResult, error)
	State(ctx context.Context, timeout time.Duration) (*models.ExecutionResult, error)
	Stats() gateway.Stats
}

// Options configure a Dispatcher.
type Options struct {
	Version          string
	ExecutionTimeout time.Duration
}

// Dispatcher handles JSON-RPC requests. It is safe for concurrent use.
type Dispatcher struct {
	coord  *coordinator.Coordinator
	store  store.Store
	engine Engine
	opts   Options
	tools  []tool
}

// New creates a dispatcher.
func New(coord *coordinator.Coordinator, s store.Store, engine Engine, opts Options) *Dispatcher {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.ExecutionTimeout <= 0 {
		opts.ExecutionTimeout = 30 * time.Second
	}
	d := &Dispatcher{coord: coord, store: s, engine: engine, opts: opts}
	d.tools = d.registerTools()
	return d
}

// Handle processes one request. It returns nil for notifications.
func (d *Dispatcher) Handle(ctx context.Context, req *models.Request) *models.Response {
	if req.Method == "" {
		return errorResponse(req.ID, CodeParseError, "request has no method")
	}

	ctx, span := tracer.Start(ctx, "dispatch."+req.Method)
	defer span.End()

	start := time.Now()
	resp := d.route(ctx, req)

	code := 0
	if resp != nil && resp.Error != nil {
		code = resp.Error.Code
		span.SetStatus(codes.Error, resp.Error.Message)
	}
	span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", code))
	metrics.Get().RPCRequests.WithLabelValues(req.Method, strconv.Itoa(code)).Inc()
	log.Debug().
		Str("method", req.Method).
		Int("code", code).
		Dur("elapsed", time.Since(start)).
		Msg("rpc")

	if req.IsNotification() {
		return nil
	}
	return resp
}

func (d *Dispatcher) route(ctx context.Context, req *models.Request) *models.Response {
	switch req.Method {

	// ── Core ─────────────────────────────────────────
	case "tool.invoke", "tools/call":
		return d.handleToolCall(ctx, req)

	case "store.query":
		var params models.StoreQueryParams
		if err := decodeParams(req.Params, &params); err != nil {
			return errResponse(req.ID, err)
		}
		result, err := d.queryStore(ctx, params)
		if err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, result)

	// ── Discovery ────────────────────────────────────
	case "initialize":
		return okResponse(req.ID, map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools":     map[string]bool{"listChanged": false},
				"resources": map[string]bool{"subscribe": false, "listChanged": false},
			},
			"serverInfo": map[string]string{
				"name":    "brigade",
				"version": d.opts.Version,
			},
		})

	case "tools/list":
		infos := make([]models.ToolInfo, 0, len(d.tools))
		for _, t := range d.tools {
			infos = append(infos, t.info)
		}
		return okResponse(req.ID, map[string]interface{}{"tools": infos})

	case "resources/list":
		return okResponse(req.ID, map[string]interface{}{"resources": d.listResources()})

	case "resources/read":
		var params models.ResourceReadParams
		if err := decodeParams(req.Params, &params); err != nil {
			return errResponse(req.ID, err)
		}
		contents, err := d.readResource(ctx, params.URI)
		if err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, contents)

	// ── Notifications (no response) ──────────────────
	case "notifications/initialized":
		log.Debug().Msg("client initialized")
		return nil

	case "ping":
		return okResponse(req.ID, map[string]string{"status": "pong"})

	default:
		return errorResponse(req.ID, CodeMethodNotFound, "method '"+req.Method+"' is not supported")
	}
}

func (d *Dispatcher) handleToolCall(ctx context.Context, req *models.Request) *models.Response {
	var params models.ToolCallParams
	if err := decodeParams(req.Params, &params); err != nil {
		return errResponse(req.ID, err)
	}
	t, ok := d.tool(params.Name)
	if !ok {
		return errResponse(req.ID, invalidParams("unknown tool %q", params.Name))
	}
	res, err := t.call(ctx, params.Arguments)
	if err != nil {
		return errResponse(req.ID, err)
	}
	return okResponse(req.ID, res)
}

func okResponse(id any, v any) *models.Response {
	return &models.Response{Jsonrpc: "2.0", Result: v, ID: id}
}

// decodeParams unmarshals params into v; missing params decode as {}.
func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams("%v", err)
	}
	return nil
}
