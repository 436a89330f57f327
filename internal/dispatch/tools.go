package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/agentoven/brigade/internal/gateway"
	"github.com/agentoven/brigade/internal/specialist"
	"github.com/agentoven/brigade/pkg/models"
)

type toolFunc func(ctx context.Context, args json.RawMessage) (*models.ToolResult, error)

type tool struct {
	info models.ToolInfo
	call toolFunc
}

func (d *Dispatcher) tool(name string) (tool, bool) {
	for _, t := range d.tools {
		if t.info.Name == name {
			return t, true
		}
	}
	return tool{}, false
}

func schema(required []string, props map[string]interface{}) map[string]interface{} {
	s := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": desc}
}

func (d *Dispatcher) registerTools() []tool {
	domainDesc := "Specialist domain (" + strings.Join(d.coord.Domains(), ", ") + ")"
	return []tool{
		{
			info: models.ToolInfo{
				Name:        "perform_task",
				Description: "Generate a script for the task, run it on the engine, and record the outcome",
				InputSchema: schema([]string{"description"}, map[string]interface{}{
					"description": prop("string", "What to build or change"),
					"domain":      prop("string", domainDesc+"; routed by keywords when omitted"),
				}),
			},
			call: d.performTask,
		},
		{
			info: models.ToolInfo{
				Name:        "query_store",
				Description: "Read the learning store: recent operations, successful patterns, error patterns, or model performance",
				InputSchema: schema([]string{"domain", "query_type"}, map[string]interface{}{
					"domain":     prop("string", domainDesc+" or \"all\""),
					"query_type": map[string]interface{}{"type": "string", "enum": []string{QueryRecent, QueryPatterns, QueryErrors, QueryPerformance}},
					"limit":      prop("integer", "Maximum rows per domain (default 10, max 500)"),
					"model":      prop("string", "Only this model (performance queries)"),
				}),
			},
			call: d.queryTool,
		},
		{
			info: models.ToolInfo{
				Name:        "get_model_performance",
				Description: "Success rate, timeouts, and average generation time per model",
				InputSchema: schema([]string{"domain"}, map[string]interface{}{
					"domain": prop("string", domainDesc+" or \"all\""),
					"model":  prop("string", "Only this model"),
				}),
			},
			call: d.fixedQuery(QueryPerformance),
		},
		{
			info: models.ToolInfo{
				Name:        "get_successful_patterns",
				Description: "Payload patterns that worked in a domain, best first",
				InputSchema: schema([]string{"domain"}, map[string]interface{}{
					"domain": prop("string", domainDesc),
					"limit":  prop("integer", "Maximum patterns (default 10, max 500)"),
				}),
			},
			call: d.fixedQuery(QueryPatterns),
		},
		{
			info: models.ToolInfo{
				Name:        "list_specialists",
				Description: "Registered specialists with their models, keywords, and counters",
				InputSchema: schema(nil, map[string]interface{}{}),
			},
			call: d.listSpecialists,
		},
		{
			info: models.ToolInfo{
				Name:        "route_preview",
				Description: "Show which specialist a description would be routed to, and why",
				InputSchema: schema([]string{"description"}, map[string]interface{}{
					"description": prop("string", "Task description"),
					"domain":      prop("string", "Explicit domain hint"),
				}),
			},
			call: d.routePreview,
		},
		{
			info: models.ToolInfo{
				Name:        "execute_payload",
				Description: "Run a script on the engine as-is, without generation or recording",
				InputSchema: schema([]string{"payload"}, map[string]interface{}{
					"payload": prop("string", "Script to execute"),
				}),
			},
			call: d.executePayload,
		},
		{
			info: models.ToolInfo{
				Name:        "get_engine_state",
				Description: "Current engine scene state and gateway queue statistics",
				InputSchema: schema(nil, map[string]interface{}{}),
			},
			call: d.engineState,
		},
	}
}

// textResult renders v as indented JSON text content.
func textResult(v any, isError bool) (*models.ToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &models.ToolResult{
		Content: []models.Content{{Type: "text", Text: string(b)}},
		IsError: isError,
	}, nil
}

type performArgs struct {
	Description string `json:"description"`
	Domain      string `json:"domain"`
}

func (d *Dispatcher) performTask(ctx context.Context, raw json.RawMessage) (*models.ToolResult, error) {
	var args performArgs
	if err := decodeParams(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Description) == "" {
		return nil, invalidParams("description is required")
	}

	sp, decision, err := d.coord.Route(args.Description, args.Domain)
	if err != nil {
		return nil, err
	}
	rec, err := sp.Perform(ctx, args.Description)
	if err != nil {
		return nil, err
	}
	return textResult(map[string]any{
		"routing":   decision,
		"operation": rec,
	}, !rec.Success)
}

func (d *Dispatcher) queryTool(ctx context.Context, raw json.RawMessage) (*models.ToolResult, error) {
	var params models.StoreQueryParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	res, err := d.queryStore(ctx, params)
	if err != nil {
		return nil, err
	}
	return textResult(res, false)
}

func (d *Dispatcher) fixedQuery(qt string) toolFunc {
	return func(ctx context.Context, raw json.RawMessage) (*models.ToolResult, error) {
		var params models.StoreQueryParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		params.QueryType = qt
		res, err := d.queryStore(ctx, params)
		if err != nil {
			return nil, err
		}
		return textResult(res, false)
	}
}

func (d *Dispatcher) listSpecialists(context.Context, json.RawMessage) (*models.ToolResult, error) {
	specs := d.coord.Specialists()
	out := make([]specialist.Info, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.Info())
	}
	return textResult(map[string]any{
		"default_domain": d.coord.DefaultDomain(),
		"specialists":    out,
	}, false)
}

func (d *Dispatcher) routePreview(_ context.Context, raw json.RawMessage) (*models.ToolResult, error) {
	var args performArgs
	if err := decodeParams(raw, &args); err != nil {
		return nil, err
	}
	decision, err := d.coord.Decide(args.Description, args.Domain)
	if err != nil {
		return nil, err
	}
	if decision.Scores == nil {
		decision.Scores = d.coord.Scores(args.Description)
	}
	return textResult(decision, false)
}

func (d *Dispatcher) executePayload(ctx context.Context, raw json.RawMessage) (*models.ToolResult, error) {
	var args struct {
		Payload string `json:"payload"`
	}
	if err := decodeParams(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Payload) == "" {
		return nil, invalidParams("payload is required")
	}
	res, err := d.engine.Submit(ctx, args.Payload, d.opts.ExecutionTimeout)
	if err != nil {
		return engineFailure(err)
	}
	return textResult(res, !res.OK())
}

func (d *Dispatcher) engineState(ctx context.Context, _ json.RawMessage) (*models.ToolResult, error) {
	res, err := d.engine.State(ctx, d.opts.ExecutionTimeout)
	if err != nil {
		return engineFailure(err)
	}
	return textResult(map[string]any{
		"state":   res,
		"gateway": d.engine.Stats(),
	}, !res.OK())
}

// engineFailure reports a gateway error as tool output. Anything that is not
// an engine condition still goes back as a protocol error.
func engineFailure(err error) (*models.ToolResult, error) {
	switch {
	case errors.Is(err, gateway.ErrExecutionTimeout),
		errors.Is(err, gateway.ErrEngineUnavailable),
		errors.Is(err, gateway.ErrQueueFull),
		errors.Is(err, gateway.ErrClosed):
		return textResult(map[string]any{"status": "error", "error": err.Error()}, true)
	}
	return nil, err
}
